package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docuflow/docuflow/model"
	redisq "github.com/docuflow/docuflow/queue/redis"
	"github.com/docuflow/docuflow/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeQueue struct {
	mu         sync.Mutex
	ready      []redisq.Unit
	delayed    []redisq.Unit
	processing map[string]bool
	completed  []redisq.Unit
	failed     []redisq.Unit
	retried    []redisq.Unit
	slots      map[uint]int
}

func newFakeQueue(units ...redisq.Unit) *fakeQueue {
	return &fakeQueue{
		ready:      units,
		processing: map[string]bool{},
		slots:      map[uint]int{},
	}
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*redisq.Unit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, nil
	}
	unit := q.ready[0]
	q.ready = q.ready[1:]
	return &unit, nil
}

func (q *fakeQueue) EnqueueIn(ctx context.Context, unit redisq.Unit, delay time.Duration) error {
	q.delayed = append(q.delayed, unit)
	return nil
}

func (q *fakeQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (q *fakeQueue) MarkProcessing(ctx context.Context, unit redisq.Unit, deadline time.Time) error {
	q.processing[unit.Key()] = true
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, unit redisq.Unit) error {
	delete(q.processing, unit.Key())
	q.completed = append(q.completed, unit)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, unit redisq.Unit, retry bool, backoff time.Duration) error {
	delete(q.processing, unit.Key())
	q.failed = append(q.failed, unit)
	if retry {
		next := unit
		next.Attempt++
		q.retried = append(q.retried, next)
	}
	return nil
}

func (q *fakeQueue) AcquireSlot(ctx context.Context, tenantID uint, max int) (bool, error) {
	if max <= 0 {
		return true, nil
	}
	if q.slots[tenantID] >= max {
		return false, nil
	}
	q.slots[tenantID]++
	return true, nil
}

func (q *fakeQueue) ReleaseSlot(ctx context.Context, tenantID uint) error {
	q.slots[tenantID]--
	return nil
}

type fakeResolver struct {
	tenants map[uint]*model.Tenant
}

func (r *fakeResolver) ByID(ctx context.Context, id uint) (*model.Tenant, error) {
	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %d: %w", id, tenant.ErrNotFound)
	}
	return t, nil
}

func (r *fakeResolver) EnsureActive(t *model.Tenant) error {
	if t.Status == model.TenantSuspended {
		return tenant.ErrSuspended
	}
	return nil
}

// fakeBinder binds the tenant context without a real database.
type fakeBinder struct{}

func (fakeBinder) WithTenant(ctx context.Context, t *model.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error {
	return tenant.Run(ctx, t, func(ctx context.Context) error {
		return fn(ctx, nil)
	})
}

type recordedRun struct {
	tenantSlug string
	jobID      uint
	stepIndex  int
	attempt    int
}

type fakeRunner struct {
	runs []recordedRun
	err  error
}

func (r *fakeRunner) Run(ctx context.Context, jobID uint, stepIndex, attempt int) error {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	r.runs = append(r.runs, recordedRun{t.Slug, jobID, stepIndex, attempt})
	return r.err
}

type recordingAudit struct {
	drops []redisq.Unit
}

func (a *recordingAudit) RecordSuspendedDrop(ctx context.Context, t *model.Tenant, unit redisq.Unit) error {
	a.drops = append(a.drops, unit)
	return nil
}

func newTestPool(t *testing.T, q Queue, runner *fakeRunner, tenants map[uint]*model.Tenant, cfg Config) *Pool {
	t.Helper()
	pool, err := NewPool(q, &fakeResolver{tenants: tenants}, fakeBinder{},
		func(db *gorm.DB) (Runner, error) { return runner, nil },
		nil, cfg)
	require.NoError(t, err)
	return pool
}

func activeTenant() map[uint]*model.Tenant {
	return map[uint]*model.Tenant{
		1: {ID: 1, Slug: "acme", Status: model.TenantActive},
	}
}

func TestPool_ProcessesUnitUnderTenantBinding(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 1, JobID: 42, StepIndex: 2, Attempt: 1})
	runner := &fakeRunner{}
	pool := newTestPool(t, q, runner, activeTenant(), DefaultConfig())

	require.NoError(t, pool.ProcessNext(context.Background()))

	require.Len(t, runner.runs, 1)
	assert.Equal(t, recordedRun{"acme", 42, 2, 1}, runner.runs[0])
	assert.Len(t, q.completed, 1)
	assert.Empty(t, q.processing)
}

func TestPool_EmptyQueueIsNoop(t *testing.T) {
	q := newFakeQueue()
	runner := &fakeRunner{}
	pool := newTestPool(t, q, runner, activeTenant(), DefaultConfig())

	require.NoError(t, pool.ProcessNext(context.Background()))
	assert.Empty(t, runner.runs)
}

func TestPool_DropsSuspendedTenantWithAudit(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 1, JobID: 42})
	runner := &fakeRunner{}
	audit := &recordingAudit{}
	pool, err := NewPool(q, &fakeResolver{tenants: map[uint]*model.Tenant{
		1: {ID: 1, Slug: "acme", Status: model.TenantSuspended},
	}}, fakeBinder{},
		func(db *gorm.DB) (Runner, error) { return runner, nil },
		audit, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, pool.ProcessNext(context.Background()))

	assert.Empty(t, runner.runs)
	assert.Empty(t, q.completed)
	require.Len(t, audit.drops, 1)
	assert.Equal(t, uint(42), audit.drops[0].JobID)
}

func TestPool_UnknownTenantDropsUnit(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 9, JobID: 1})
	runner := &fakeRunner{}
	pool := newTestPool(t, q, runner, activeTenant(), DefaultConfig())

	require.NoError(t, pool.ProcessNext(context.Background()))
	assert.Empty(t, runner.runs)
	assert.Len(t, q.failed, 1)
	assert.Empty(t, q.retried)
}

func TestPool_RunnerFailureNacksWithRetry(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 1, JobID: 7, Attempt: 0})
	runner := &fakeRunner{err: errors.New("transient db error")}
	pool := newTestPool(t, q, runner, activeTenant(), DefaultConfig())

	require.NoError(t, pool.ProcessNext(context.Background()))
	require.Len(t, q.retried, 1)
	assert.Equal(t, 1, q.retried[0].Attempt)
}

func TestPool_RunnerFailureExhaustedNoRetry(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 1, JobID: 7, Attempt: model.DefaultMaxAttempts - 1})
	runner := &fakeRunner{err: errors.New("still broken")}
	pool := newTestPool(t, q, runner, activeTenant(), DefaultConfig())

	require.NoError(t, pool.ProcessNext(context.Background()))
	assert.Len(t, q.failed, 1)
	assert.Empty(t, q.retried)
}

func TestPool_TenantAtCapacityRequeues(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 1, JobID: 7})
	q.slots[1] = 2
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	cfg.TenantLimit = func(*model.Tenant) int { return 2 }
	pool := newTestPool(t, q, runner, activeTenant(), cfg)

	require.NoError(t, pool.ProcessNext(context.Background()))
	assert.Empty(t, runner.runs)
	require.Len(t, q.delayed, 1)
	assert.Equal(t, uint(7), q.delayed[0].JobID)
}

func TestPool_ReleasesSlotAfterRun(t *testing.T) {
	q := newFakeQueue(redisq.Unit{TenantID: 1, JobID: 7})
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	cfg.TenantLimit = func(*model.Tenant) int { return 2 }
	pool := newTestPool(t, q, runner, activeTenant(), cfg)

	require.NoError(t, pool.ProcessNext(context.Background()))
	assert.Len(t, runner.runs, 1)
	assert.Equal(t, 0, q.slots[1])
}

func TestPool_StartStop(t *testing.T) {
	q := newFakeQueue()
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	cfg.Workers = 2
	pool := newTestPool(t, q, runner, activeTenant(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	pool.Stop()
}
