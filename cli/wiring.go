package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docuflow/docuflow/config"
	"github.com/docuflow/docuflow/credentials"
	"github.com/docuflow/docuflow/events"
	"github.com/docuflow/docuflow/ledger"
	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/pipeline"
	"github.com/docuflow/docuflow/processor"
	"github.com/docuflow/docuflow/progress"
	redisq "github.com/docuflow/docuflow/queue/redis"
	"github.com/docuflow/docuflow/storage"
	"github.com/docuflow/docuflow/tenant"
	"github.com/docuflow/docuflow/worker"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openCentral connects to the central catalog database, migrates it and
// builds the tenant catalog and connection manager.
func openCentral(cfg *config.Config) (*tenant.Catalog, *tenant.Manager, error) {
	db, err := gorm.Open(postgres.Open(cfg.Central.DatabaseURL), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to central database: %w", err)
	}

	catalog := tenant.NewCatalog(db)
	if err := catalog.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate central database: %w", err)
	}

	manager := tenant.NewManager(db, tenant.ManagerConfig{
		CentralDSN:   cfg.Central.DatabaseURL,
		MaxOpenConns: cfg.Central.MaxOpenConns,
		MaxIdleConns: cfg.Central.MaxIdleConns,
	})
	return catalog, manager, nil
}

func buildQueue(ctx context.Context, cfg *config.Config) (*redisq.Queue, error) {
	return redisq.NewQueue(ctx, redisq.Config{
		RedisURL:  cfg.Queue.RedisURL,
		KeyPrefix: cfg.Queue.KeyPrefix + "queue:",
	})
}

// buildStore selects the storage backend. S3 endpoint and keys come from
// the environment so no secret lands in a config file.
func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Disk {
	case "s3":
		client, err := storage.NewS3ClientForEndpoint(ctx,
			os.Getenv("DOCUFLOW_S3_ENDPOINT"),
			os.Getenv("DOCUFLOW_S3_ACCESS_KEY"),
			os.Getenv("DOCUFLOW_S3_SECRET_KEY"))
		if err != nil {
			return nil, err
		}
		return storage.NewS3Store(ctx, client, cfg.Storage.Bucket)
	default:
		return storage.NewLocalStore(cfg.Storage.Root)
	}
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return events.NoopPublisher{}, nil
	}
	return events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Queue)
}

func buildRegistry() *processor.Registry {
	registry := processor.NewRegistry()
	processor.RegisterBuiltins(registry)
	return registry
}

// stepEnqueuer adapts the redis queue to the orchestrator's enqueue
// surface.
type stepEnqueuer struct {
	queue *redisq.Queue
}

func (e stepEnqueuer) EnqueueStep(ctx context.Context, tenantID, jobID uint, stepIndex, attempt int, delay time.Duration) error {
	unit := redisq.Unit{
		TenantID:  tenantID,
		JobID:     jobID,
		StepIndex: stepIndex,
		Attempt:   attempt,
	}
	if delay > 0 {
		return e.queue.EnqueueIn(ctx, unit, delay)
	}
	return e.queue.Enqueue(ctx, unit)
}

// suspensionAudit writes dropped work units into the suspended tenant's
// own audit log.
type suspensionAudit struct {
	binder worker.Binder
}

func (a suspensionAudit) RecordSuspendedDrop(ctx context.Context, t *model.Tenant, unit redisq.Unit) error {
	return a.binder.WithTenant(ctx, t, func(ctx context.Context, db *gorm.DB) error {
		return ledger.NewAuditLedger(db).Record(ctx, &model.AuditLog{
			AuditableType: "DocumentJob",
			AuditableID:   unit.JobID,
			Event:         "suspended_drop",
			NewValues: model.JSONMap{
				"step_index": unit.StepIndex,
				"attempt":    unit.Attempt,
			},
			Tags: model.StringList{"suspension"},
		})
	})
}

// newRunnerFactory builds the per-unit orchestrator factory used by the
// worker pool. The registry and hooks are shared; everything bound to the
// tenant database is rebuilt per unit.
func newRunnerFactory(cfg *config.Config, queue *redisq.Queue, store storage.Store,
	publisher events.Publisher, cache credentials.Cache) (worker.RunnerFactory, error) {
	passphrase, err := cfg.Credentials.Passphrase()
	if err != nil {
		return nil, err
	}
	cipher, err := credentials.NewCipher(passphrase)
	if err != nil {
		return nil, err
	}

	registry := buildRegistry()
	hooks := processor.NewHookManager(processor.NewTimeTrackingHook())

	return func(db *gorm.DB) (worker.Runner, error) {
		creds := credentials.NewStore(credentials.NewGormRepository(db), cipher, cache, cfg.Credentials.CacheTTL)
		return pipeline.NewOrchestrator(pipeline.Config{
			Jobs:        pipeline.NewGormJobRepository(db),
			Documents:   pipeline.NewGormDocumentRepository(db),
			Campaigns:   pipeline.NewGormCampaignRepository(db),
			Executions:  pipeline.NewGormExecutionRepository(db),
			Processors:  pipeline.NewGormProcessorCatalog(db),
			Registry:    registry,
			Hooks:       hooks,
			Credentials: creds,
			Storage:     store,
			Audit:       ledger.NewAuditLedger(db),
			Usage:       ledger.NewUsageLedger(db),
			Progress:    progress.NewProjection(db),
			Events:      publisher,
			Enqueuer:    stepEnqueuer{queue: queue},
		})
	}, nil
}

// buildCredentialCache opens a dedicated redis client for the credential
// read-through cache.
func buildCredentialCache(ctx context.Context, cfg *config.Config) (credentials.Cache, error) {
	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return credentials.NewRedisCache(client, cfg.Queue.KeyPrefix), nil
}

// tenantConcurrencyLimit reads the optional per-tenant concurrency
// ceiling from tenant settings.
func tenantConcurrencyLimit(t *model.Tenant) int {
	if t.Settings == nil {
		return 0
	}
	switch v := t.Settings["max_concurrent_jobs"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
