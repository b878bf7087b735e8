package cli

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docuflow/docuflow/model"
	redisq "github.com/docuflow/docuflow/queue/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) (*redisq.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisq.NewQueueWithClient(client, ""), mr
}

func TestStepEnqueuer_ImmediateAndDelayed(t *testing.T) {
	queue, _ := testQueue(t)
	enq := stepEnqueuer{queue: queue}
	ctx := context.Background()

	require.NoError(t, enq.EnqueueStep(ctx, 1, 30, 0, 0, 0))
	unit, err := queue.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, uint(1), unit.TenantID)
	assert.Equal(t, uint(30), unit.JobID)
	assert.Equal(t, 0, unit.StepIndex)

	require.NoError(t, enq.EnqueueStep(ctx, 1, 30, 0, 1, time.Minute))
	unit, err = queue.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, unit, "delayed unit must not be ready before promotion")

	promoted, err := queue.PromoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
}

func TestTenantConcurrencyLimit(t *testing.T) {
	assert.Equal(t, 0, tenantConcurrencyLimit(&model.Tenant{}))
	assert.Equal(t, 4, tenantConcurrencyLimit(&model.Tenant{
		Settings: model.JSONMap{"max_concurrent_jobs": float64(4)},
	}))
	assert.Equal(t, 2, tenantConcurrencyLimit(&model.Tenant{
		Settings: model.JSONMap{"max_concurrent_jobs": 2},
	}))
	assert.Equal(t, 0, tenantConcurrencyLimit(&model.Tenant{
		Settings: model.JSONMap{"max_concurrent_jobs": "many"},
	}))
}
