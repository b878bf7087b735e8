package tenant

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaInitError reports a failed tenant schema migration. The handle is
// not cached, so the operator can retry after fixing the cause.
type SchemaInitError struct {
	TenantID uint
	Err      error
}

func (e *SchemaInitError) Error() string {
	return fmt.Sprintf("tenant schema initialization failed for tenant %d: %v", e.TenantID, e.Err)
}

func (e *SchemaInitError) Unwrap() error { return e.Err }

// Opener opens a gorm handle for a DSN. It exists so tests can substitute
// an in-memory opener without a postgres server.
type Opener func(dsn string) (*gorm.DB, error)

// Manager creates, caches, and switches per-tenant database handles. The
// central handle stays separate; tenant handles are keyed by tenant id and
// named tenant_<id> on the server.
type Manager struct {
	mu         sync.RWMutex
	handles    map[uint]*gorm.DB
	central    *gorm.DB
	centralDSN string
	open       Opener
	maxOpen    int
	maxIdle    int
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	CentralDSN   string
	MaxOpenConns int
	MaxIdleConns int

	// Opener overrides the default postgres opener (tests only).
	Opener Opener
}

// NewManager creates a connection manager over an already-open central
// handle.
func NewManager(central *gorm.DB, cfg ManagerConfig) *Manager {
	open := cfg.Opener
	if open == nil {
		open = func(dsn string) (*gorm.DB, error) {
			return gorm.Open(postgres.Open(dsn), &gorm.Config{
				Logger: logger.Default.LogMode(logger.Silent),
			})
		}
	}
	return &Manager{
		handles:    make(map[uint]*gorm.DB),
		central:    central,
		centralDSN: cfg.CentralDSN,
		open:       open,
		maxOpen:    cfg.MaxOpenConns,
		maxIdle:    cfg.MaxIdleConns,
	}
}

// Central returns the central catalog handle.
func (m *Manager) Central() *gorm.DB {
	return m.central
}

// Acquire returns the cached handle for the tenant, creating the physical
// database and applying the tenant schema first when needed. Acquire is
// idempotent and safe for concurrent use.
func (m *Manager) Acquire(ctx context.Context, t *model.Tenant) (*gorm.DB, error) {
	m.mu.RLock()
	if db, ok := m.handles[t.ID]; ok {
		m.mu.RUnlock()
		return db, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.handles[t.ID]; ok {
		return db, nil
	}

	dbName := t.DatabaseName()
	if err := m.ensureDatabase(ctx, dbName); err != nil {
		return nil, &SchemaInitError{TenantID: t.ID, Err: err}
	}

	dsn, err := replaceDatabase(m.centralDSN, dbName)
	if err != nil {
		return nil, &SchemaInitError{TenantID: t.ID, Err: err}
	}

	db, err := m.open(dsn)
	if err != nil {
		return nil, &SchemaInitError{TenantID: t.ID, Err: fmt.Errorf("failed to open %s: %w", dbName, err)}
	}

	// Missing schema must exist before any query runs under this handle.
	if err := db.AutoMigrate(model.TenantModels()...); err != nil {
		return nil, &SchemaInitError{TenantID: t.ID, Err: fmt.Errorf("failed to migrate: %w", err)}
	}

	if sqlDB, err := db.DB(); err == nil {
		if m.maxOpen > 0 {
			sqlDB.SetMaxOpenConns(m.maxOpen)
		}
		if m.maxIdle > 0 {
			sqlDB.SetMaxIdleConns(m.maxIdle)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	m.handles[t.ID] = db
	common.Logger.WithField("tenant_id", t.ID).Info("tenant database handle acquired")
	return db, nil
}

// Release drops the tenant handle from the cache. The underlying pool is
// closed.
func (m *Manager) Release(tenantID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.handles[tenantID]; ok {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		delete(m.handles, tenantID)
	}
}

// WithTenant combines the context binding with handle acquisition: fn runs
// under the tenant binding and receives the tenant handle.
func (m *Manager) WithTenant(ctx context.Context, t *model.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error {
	db, err := m.Acquire(ctx, t)
	if err != nil {
		return err
	}
	return Run(ctx, t, func(ctx context.Context) error {
		return fn(ctx, db)
	})
}

// ensureDatabase creates the physical database when absent. CREATE DATABASE
// cannot run inside a transaction, so it goes through the central handle
// directly.
func (m *Manager) ensureDatabase(ctx context.Context, name string) error {
	var count int64
	err := m.central.WithContext(ctx).
		Raw("SELECT count(*) FROM pg_database WHERE datname = ?", name).
		Scan(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check database %s: %w", name, err)
	}
	if count > 0 {
		return nil
	}
	if err := m.central.WithContext(ctx).Exec("CREATE DATABASE " + quoteIdent(name)).Error; err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// replaceDatabase swaps the database path of a postgres URL DSN.
func replaceDatabase(dsn, dbName string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse central DSN: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

// quoteIdent double-quotes a postgres identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
