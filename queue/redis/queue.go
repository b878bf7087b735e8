// Package redis provides the durable Redis-backed work queue between the
// upload path and the pipeline workers. It offers blocking dequeue,
// processing tracking, delayed re-enqueue for retry backoff and per-tenant
// concurrency slots.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Unit is one schedulable piece of pipeline work: a single step attempt of
// a document job. Everything the worker needs to resume is carried in the
// unit so a restarted worker can pick up where the last one left off.
type Unit struct {
	TenantID   uint      `json:"tenantID"`
	JobID      uint      `json:"jobID"`
	StepIndex  int       `json:"stepIndex"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Key identifies a unit inside the processing set.
func (u Unit) Key() string {
	return fmt.Sprintf("%d:%d:%d:%d", u.TenantID, u.JobID, u.StepIndex, u.Attempt)
}

// Config configures the Redis queue.
type Config struct {
	RedisURL  string // Redis URL (defaults to DOCUFLOW_REDIS_URL or redis://localhost:6379/0)
	KeyPrefix string // Key prefix for queue keys (defaults to "docuflow:queue:")
}

// Queue handles work queue operations using Redis.
type Queue struct {
	client *redis.Client
	prefix string
}

// NewQueue creates a new Redis queue client and verifies the connection.
func NewQueue(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("DOCUFLOW_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newQueue(client, config.KeyPrefix), nil
}

// NewQueueWithClient wraps an existing client. Used by tests running
// against miniredis.
func NewQueueWithClient(client *redis.Client, keyPrefix string) *Queue {
	return newQueue(client, keyPrefix)
}

func newQueue(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "docuflow:queue:"
	}
	return &Queue{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) readyKey() string      { return q.prefix + "ready" }
func (q *Queue) delayedKey() string    { return q.prefix + "delayed" }
func (q *Queue) processingKey() string { return q.prefix + "processing" }
func (q *Queue) slotsKey(tenantID uint) string {
	return fmt.Sprintf("%sslots:%d", q.prefix, tenantID)
}

// Enqueue adds a unit to the ready list.
func (q *Queue) Enqueue(ctx context.Context, unit Unit) error {
	if unit.EnqueuedAt.IsZero() {
		unit.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("failed to marshal work unit: %w", err)
	}
	return q.client.RPush(ctx, q.readyKey(), string(payload)).Err()
}

// EnqueueIn schedules a unit to become ready after a delay. Delayed units
// sit in a sorted set scored by their due time until PromoteDue moves them
// onto the ready list.
func (q *Queue) EnqueueIn(ctx context.Context, unit Unit, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, unit)
	}
	if unit.EnqueuedAt.IsZero() {
		unit.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("failed to marshal work unit: %w", err)
	}
	due := time.Now().Add(delay)
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(due.Unix()),
		Member: string(payload),
	}).Err()
}

// PromoteDue moves delayed units whose due time has passed onto the ready
// list. Workers call it before each blocking dequeue so backoff retries
// become visible without a separate scheduler process.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	max := fmt.Sprintf("%d", now.Unix())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed units: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed unit: %w", err)
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(), member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed unit: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue removes and returns the next unit from the ready list, blocking
// up to timeout. Returns nil when no unit became available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Unit, error) {
	// A fresh context bounds each blocking pop so a long-lived worker
	// context never pins the connection.
	popCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	result, err := q.client.BLPop(popCtx, timeout, q.readyKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var unit Unit
	if err := json.Unmarshal([]byte(result[1]), &unit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work unit: %w", err)
	}
	return &unit, nil
}

// MarkProcessing records a unit in the processing set with a deadline.
// Units still in the set past their deadline were lost to a crashed worker
// and can be reclaimed by ReclaimExpired.
func (q *Queue) MarkProcessing(ctx context.Context, unit Unit, deadline time.Time) error {
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: unit.Key(),
	}).Err()
}

// Complete removes a unit from the processing set.
func (q *Queue) Complete(ctx context.Context, unit Unit) error {
	return q.client.ZRem(ctx, q.processingKey(), unit.Key()).Err()
}

// Fail removes a unit from the processing set and, when a retry is due,
// re-enqueues the next attempt after the given backoff.
func (q *Queue) Fail(ctx context.Context, unit Unit, retry bool, backoff time.Duration) error {
	if err := q.Complete(ctx, unit); err != nil {
		return err
	}
	if !retry {
		return nil
	}
	next := Unit{
		TenantID:  unit.TenantID,
		JobID:     unit.JobID,
		StepIndex: unit.StepIndex,
		Attempt:   unit.Attempt + 1,
	}
	return q.EnqueueIn(ctx, next, backoff)
}

// IsProcessing reports whether a unit is currently in the processing set.
func (q *Queue) IsProcessing(ctx context.Context, unit Unit) (bool, error) {
	_, err := q.client.ZScore(ctx, q.processingKey(), unit.Key()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReclaimExpired removes processing entries whose deadline has passed and
// returns how many were dropped. The orchestrator's attempt ledger makes
// replaying a reclaimed unit safe.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	max := fmt.Sprintf("%d", now.Unix())
	removed, err := q.client.ZRemRangeByScore(ctx, q.processingKey(), "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired units: %w", err)
	}
	return int(removed), nil
}

// Depth returns the number of ready units.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// AcquireSlot takes one concurrency slot for a tenant, returning false
// when the tenant is already running max units. A max of zero or less
// disables the limit.
func (q *Queue) AcquireSlot(ctx context.Context, tenantID uint, max int) (bool, error) {
	if max <= 0 {
		return true, nil
	}
	count, err := q.client.Incr(ctx, q.slotsKey(tenantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire tenant slot: %w", err)
	}
	if count > int64(max) {
		if err := q.client.Decr(ctx, q.slotsKey(tenantID)).Err(); err != nil {
			return false, fmt.Errorf("failed to release tenant slot: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// ReleaseSlot returns a tenant concurrency slot.
func (q *Queue) ReleaseSlot(ctx context.Context, tenantID uint) error {
	count, err := q.client.Decr(ctx, q.slotsKey(tenantID)).Result()
	if err != nil {
		return fmt.Errorf("failed to release tenant slot: %w", err)
	}
	if count < 0 {
		return q.client.Set(ctx, q.slotsKey(tenantID), 0, 0).Err()
	}
	return nil
}
