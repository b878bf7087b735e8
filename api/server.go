// Package api exposes the tenant-facing HTTP surface: document upload
// into a campaign and the progress and metrics read models polled by
// clients.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/ledger"
	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/pipeline"
	"github.com/docuflow/docuflow/processor"
	"github.com/docuflow/docuflow/progress"
	"github.com/docuflow/docuflow/storage"
	"github.com/docuflow/docuflow/tenant"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// TenantSource resolves the tenant for a request. tenant.Catalog
// satisfies it.
type TenantSource interface {
	ByUser(ctx context.Context, userID uint) (*model.Tenant, error)
	ByHost(ctx context.Context, host string) (*model.Tenant, error)
	EnsureActive(t *model.Tenant) error
}

// Binder acquires a tenant database handle and runs fn under the tenant
// binding. tenant.Manager satisfies it.
type Binder interface {
	WithTenant(ctx context.Context, t *model.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error
}

// ProgressReader reads the progress projection. progress.Projection
// satisfies it.
type ProgressReader interface {
	ByJob(ctx context.Context, jobID uint) (*model.PipelineProgress, error)
}

// Repos bundles the tenant-scoped repositories one request operates on.
type Repos struct {
	Documents  pipeline.DocumentRepository
	Jobs       pipeline.JobRepository
	Campaigns  pipeline.CampaignRepository
	Executions pipeline.ExecutionRepository
	Usage      pipeline.UsageRecorder
	Audit      pipeline.AuditTrail
	Progress   ProgressReader
}

// RepoFactory builds Repos over a bound tenant handle.
type RepoFactory func(db *gorm.DB) Repos

// GormRepos is the production RepoFactory.
func GormRepos(db *gorm.DB) Repos {
	return Repos{
		Documents:  pipeline.NewGormDocumentRepository(db),
		Jobs:       pipeline.NewGormJobRepository(db),
		Campaigns:  pipeline.NewGormCampaignRepository(db),
		Executions: pipeline.NewGormExecutionRepository(db),
		Usage:      ledger.NewUsageLedger(db),
		Audit:      ledger.NewAuditLedger(db),
		Progress:   progress.NewProjection(db),
	}
}

// Server carries the collaborators behind the HTTP handlers.
type Server struct {
	tenants  TenantSource
	binder   Binder
	repos    RepoFactory
	store    storage.Store
	enqueuer pipeline.Enqueuer
	registry *processor.Registry
	disk     string
	log      *common.ContextLogger
}

// NewServer creates the API server. disk names the storage backend
// recorded on each document.
func NewServer(tenants TenantSource, binder Binder, repos RepoFactory, store storage.Store,
	enqueuer pipeline.Enqueuer, registry *processor.Registry, disk string) *Server {
	if disk == "" {
		disk = "local"
	}
	return &Server{
		tenants:  tenants,
		binder:   binder,
		repos:    repos,
		store:    store,
		enqueuer: enqueuer,
		registry: registry,
		disk:     disk,
		log:      common.NewContextLogger(common.Logger, map[string]interface{}{"component": "api"}),
	}
}

// RegisterRoutes mounts the API on an echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/campaigns/:slug/documents", s.Upload)
	e.GET("/documents/:uuid/progress", s.Progress)
	e.GET("/documents/:uuid/metrics", s.Metrics)
}

// resolveTenant binds request identity to a tenant: an authenticated user
// id when provided, the request host otherwise.
func (s *Server) resolveTenant(c echo.Context) (*model.Tenant, error) {
	ctx := c.Request().Context()

	var (
		t   *model.Tenant
		err error
	)
	if header := c.Request().Header.Get("X-User-ID"); header != "" {
		userID, parseErr := strconv.ParseUint(header, 10, 64)
		if parseErr != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
		}
		t, err = s.tenants.ByUser(ctx, uint(userID))
	} else {
		t, err = s.tenants.ByHost(ctx, c.Request().Host)
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no tenant for request")
	}

	if err := s.tenants.EnsureActive(t); err != nil {
		if err == tenant.ErrSuspended {
			return nil, echo.NewHTTPError(http.StatusForbidden, "tenant is suspended")
		}
		return nil, echo.NewHTTPError(http.StatusNotFound, "no tenant for request")
	}
	return t, nil
}

// withTenant runs fn under the tenant binding, translating binder errors
// into HTTP errors once.
func (s *Server) withTenant(c echo.Context, fn func(ctx context.Context, repos Repos) error) error {
	t, err := s.resolveTenant(c)
	if err != nil {
		return err
	}
	return s.binder.WithTenant(c.Request().Context(), t, func(ctx context.Context, db *gorm.DB) error {
		return fn(ctx, s.repos(db))
	})
}
