// Package worker provides the pool that consumes pipeline work units from
// the durable queue, restores tenant bindings and invokes the
// orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/pipeline"
	redisq "github.com/docuflow/docuflow/queue/redis"
	"github.com/docuflow/docuflow/tenant"
	"gorm.io/gorm"
)

// DefaultUnitDeadline bounds how long a dequeued unit may sit in the
// processing set before it is considered lost.
const DefaultUnitDeadline = 5 * time.Minute

// Queue is the slice of the redis queue the pool consumes.
// redis.Queue satisfies it.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*redisq.Unit, error)
	EnqueueIn(ctx context.Context, unit redisq.Unit, delay time.Duration) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	MarkProcessing(ctx context.Context, unit redisq.Unit, deadline time.Time) error
	Complete(ctx context.Context, unit redisq.Unit) error
	Fail(ctx context.Context, unit redisq.Unit, retry bool, backoff time.Duration) error
	AcquireSlot(ctx context.Context, tenantID uint, max int) (bool, error)
	ReleaseSlot(ctx context.Context, tenantID uint) error
}

// TenantResolver looks tenants up in the central catalog.
// tenant.Catalog satisfies it.
type TenantResolver interface {
	ByID(ctx context.Context, id uint) (*model.Tenant, error)
	EnsureActive(t *model.Tenant) error
}

// Binder acquires a tenant database handle and runs fn under the tenant
// binding. tenant.Manager satisfies it.
type Binder interface {
	WithTenant(ctx context.Context, t *model.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error
}

// Runner executes one step attempt. pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID uint, stepIndex, attempt int) error
}

// RunnerFactory builds a Runner over a freshly bound tenant handle. The
// registry inside must be rebuilt from discovery on boot, never assumed to
// survive restarts.
type RunnerFactory func(db *gorm.DB) (Runner, error)

// SuspensionAudit records dropped units for suspended tenants.
type SuspensionAudit interface {
	RecordSuspendedDrop(ctx context.Context, t *model.Tenant, unit redisq.Unit) error
}

// Config configures the worker pool.
type Config struct {
	Workers      int
	DequeueWait  time.Duration
	UnitDeadline time.Duration
	// TenantLimit returns the per-tenant concurrency ceiling; zero or
	// less disables the limit.
	TenantLimit func(t *model.Tenant) int
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      5,
		DequeueWait:  5 * time.Second,
		UnitDeadline: DefaultUnitDeadline,
	}
}

// Pool manages a set of workers consuming the work queue.
type Pool struct {
	queue    Queue
	tenants  TenantResolver
	binder   Binder
	factory  RunnerFactory
	audit    SuspensionAudit
	cfg      Config
	log      *common.ContextLogger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a worker pool. audit may be nil.
func NewPool(queue Queue, tenants TenantResolver, binder Binder, factory RunnerFactory, audit SuspensionAudit, cfg Config) (*Pool, error) {
	if queue == nil || tenants == nil || binder == nil || factory == nil {
		return nil, fmt.Errorf("worker pool requires queue, tenant resolver, binder and runner factory")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = DefaultConfig().DequeueWait
	}
	if cfg.UnitDeadline <= 0 {
		cfg.UnitDeadline = DefaultUnitDeadline
	}
	return &Pool{
		queue:    queue,
		tenants:  tenants,
		binder:   binder,
		factory:  factory,
		audit:    audit,
		cfg:      cfg,
		log:      common.NewContextLogger(common.Logger, map[string]interface{}{"component": "worker"}),
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the workers and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.log.Infof("starting worker pool with %d workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop signals all workers and waits for in-flight units to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)
	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
			if err := p.ProcessNext(ctx); err != nil {
				log.WithError(err).Error("worker iteration failed")
				time.Sleep(time.Second)
			}
		}
	}
}

// ProcessNext promotes due retries, takes one unit from the queue and runs
// it end to end. A nil return with no work done means the dequeue timed
// out.
func (p *Pool) ProcessNext(ctx context.Context) error {
	if _, err := p.queue.PromoteDue(ctx, time.Now()); err != nil {
		return err
	}

	unit, err := p.queue.Dequeue(ctx, p.cfg.DequeueWait)
	if err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	if unit == nil {
		return nil
	}
	return p.process(ctx, *unit)
}

func (p *Pool) process(ctx context.Context, unit redisq.Unit) error {
	log := p.log.WithField("tenant_id", unit.TenantID).
		WithField("job_id", unit.JobID).
		WithField("step_index", unit.StepIndex).
		WithField("attempt", unit.Attempt)

	t, err := p.tenants.ByID(ctx, unit.TenantID)
	if err != nil {
		log.WithError(err).Error("dropping unit for unknown tenant")
		return p.queue.Fail(ctx, unit, false, 0)
	}

	if err := p.tenants.EnsureActive(t); err != nil {
		if errors.Is(err, tenant.ErrSuspended) {
			log.Warn("dropping unit for suspended tenant")
			if p.audit != nil {
				if auditErr := p.audit.RecordSuspendedDrop(ctx, t, unit); auditErr != nil {
					log.WithError(auditErr).Error("failed to audit suspended drop")
				}
			}
			return nil
		}
		log.WithError(err).Error("dropping unit for unavailable tenant")
		return p.queue.Fail(ctx, unit, false, 0)
	}

	if limit := p.tenantLimit(t); limit > 0 {
		ok, err := p.queue.AcquireSlot(ctx, t.ID, limit)
		if err != nil {
			return err
		}
		if !ok {
			// Tenant at capacity: the unit waits in the queue.
			return p.queue.EnqueueIn(ctx, unit, 2*time.Second)
		}
		defer func() {
			if err := p.queue.ReleaseSlot(ctx, t.ID); err != nil {
				log.WithError(err).Error("failed to release tenant slot")
			}
		}()
	}

	if err := p.queue.MarkProcessing(ctx, unit, time.Now().Add(p.cfg.UnitDeadline)); err != nil {
		// Could not track the unit; put it back rather than risk losing
		// it.
		return p.queue.EnqueueIn(ctx, unit, 0)
	}

	runErr := p.binder.WithTenant(ctx, t, func(ctx context.Context, db *gorm.DB) error {
		runner, err := p.factory(db)
		if err != nil {
			return err
		}
		return runner.Run(ctx, unit.JobID, unit.StepIndex, unit.Attempt)
	})
	if runErr != nil {
		log.WithError(runErr).Error("unit failed")
		retry := unit.Attempt+1 < model.DefaultMaxAttempts
		return p.queue.Fail(ctx, unit, retry, pipeline.Backoff(unit.Attempt))
	}

	log.Debug("unit completed")
	return p.queue.Complete(ctx, unit)
}

func (p *Pool) tenantLimit(t *model.Tenant) int {
	if p.cfg.TenantLimit == nil {
		return 0
	}
	return p.cfg.TenantLimit(t)
}
