package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/tenant"
	"gorm.io/gorm"
)

// GormRepository persists credentials in the tenant database. Every method
// requires a tenant binding on the context; operating without one returns
// tenant.ErrMissingContext.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository over a tenant database handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) guard(ctx context.Context) error {
	_, err := tenant.FromContext(ctx)
	return err
}

// Lookup returns the newest credential for the compound key, or nil.
func (r *GormRepository) Lookup(ctx context.Context, key, scope, scopeRef string) (*model.Credential, error) {
	if err := r.guard(ctx); err != nil {
		return nil, err
	}
	var cred model.Credential
	err := r.db.WithContext(ctx).
		Where("key = ? AND scope = ? AND scope_ref = ?", key, scope, scopeRef).
		Order("id DESC").
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Touch updates last_used_at.
func (r *GormRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	if err := r.guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.Credential{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// Create stores a new credential row.
func (r *GormRepository) Create(ctx context.Context, cred *model.Credential) error {
	if err := r.guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(cred).Error
}

// UpdateValue replaces the ciphertext of an existing credential.
func (r *GormRepository) UpdateValue(ctx context.Context, id uint, encrypted []byte) error {
	if err := r.guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.Credential{}).
		Where("id = ?", id).
		Update("encrypted_value", encrypted).Error
}

// SoftDelete marks a credential deleted.
func (r *GormRepository) SoftDelete(ctx context.Context, id uint) error {
	if err := r.guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Delete(&model.Credential{}, id).Error
}
