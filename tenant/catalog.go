package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/docuflow/docuflow/model"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a tenant cannot be resolved from the
// catalog.
var ErrNotFound = errors.New("tenant not found")

// Catalog is the central registry mapping tenant identity to physical
// database location and status. It operates exclusively on the central
// database handle.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog creates a catalog over the central database handle.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Migrate applies the central schema.
func (c *Catalog) Migrate() error {
	if err := c.db.AutoMigrate(model.CentralModels()...); err != nil {
		return fmt.Errorf("failed to migrate central schema: %w", err)
	}
	return nil
}

// Create registers a new tenant. The physical database is allocated by the
// connection manager on first acquire.
func (c *Catalog) Create(ctx context.Context, t *model.Tenant) error {
	if t.Status == "" {
		t.Status = model.TenantActive
	}
	if t.Tier == "" {
		t.Tier = model.TierStarter
	}
	if err := c.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// ByID resolves a tenant by its identifier.
func (c *Catalog) ByID(ctx context.Context, id uint) (*model.Tenant, error) {
	var t model.Tenant
	err := c.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %d: %w", id, err)
	}
	return &t, nil
}

// BySlug resolves a tenant by its unique slug.
func (c *Catalog) BySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	var t model.Tenant
	err := c.db.WithContext(ctx).Where("slug = ?", slug).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %q: %w", slug, err)
	}
	return &t, nil
}

// ByHost resolves a tenant from an inbound request host via the domains
// table.
func (c *Catalog) ByHost(ctx context.Context, host string) (*model.Tenant, error) {
	var d model.Domain
	err := c.db.WithContext(ctx).Where("host = ?", host).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve domain %q: %w", host, err)
	}
	return c.ByID(ctx, d.TenantID)
}

// ByUser resolves the tenant for an authenticated user through their
// membership. Users with multiple memberships resolve to the first one;
// callers that support switching pass an explicit tenant id instead.
func (c *Catalog) ByUser(ctx context.Context, userID uint) (*model.Tenant, error) {
	var m model.Membership
	err := c.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership for user %d: %w", userID, err)
	}
	return c.ByID(ctx, m.TenantID)
}

// Suspend marks a tenant suspended. Workers drop units for suspended
// tenants at dispatch time.
func (c *Catalog) Suspend(ctx context.Context, id uint) error {
	res := c.db.WithContext(ctx).Model(&model.Tenant{}).Where("id = ?", id).
		Update("status", model.TenantSuspended)
	if res.Error != nil {
		return fmt.Errorf("failed to suspend tenant %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete soft-deletes a tenant row. The physical tenant database is
// never dropped.
func (c *Catalog) SoftDelete(ctx context.Context, id uint) error {
	res := c.db.WithContext(ctx).Delete(&model.Tenant{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete tenant %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureActive returns ErrSuspended or ErrNotFound unless the tenant is
// usable.
func (c *Catalog) EnsureActive(t *model.Tenant) error {
	switch t.Status {
	case model.TenantActive:
		return nil
	case model.TenantSuspended:
		return ErrSuspended
	default:
		return fmt.Errorf("tenant %d is %s: %w", t.ID, t.Status, ErrNotFound)
	}
}
