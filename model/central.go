package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant status values.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
	TenantCancelled = "cancelled"
)

// Tenant tiers.
const (
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

// Tenant is the central registry entry mapping a tenant identity to its
// physical database and status. Tenants are soft-deleted, never hard
// dropped; the tenant database outlives the row.
type Tenant struct {
	ID            uint   `gorm:"primaryKey"`
	Slug          string `gorm:"uniqueIndex;size:64"`
	Name          string
	Email         string
	Status        string `gorm:"size:16;default:active"`
	Tier          string `gorm:"size:16;default:starter"`
	Settings      JSONMap
	Credentials   []byte // opaque ciphertext blob
	CreditBalance int64  `gorm:"default:0"`
	TrialEndsAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

// DatabaseName returns the physical database name allocated for the tenant.
func (t *Tenant) DatabaseName() string {
	return TenantDatabaseName(t.ID)
}

// TenantDatabaseName derives the physical database name for a tenant id.
func TenantDatabaseName(id uint) string {
	return "tenant_" + itoa(id)
}

func itoa(v uint) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Domain resolves an inbound request host to a tenant.
type Domain struct {
	ID        uint   `gorm:"primaryKey"`
	Host      string `gorm:"uniqueIndex;size:255"`
	TenantID  uint   `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// User is a central identity with memberships across tenants.
type User struct {
	ID          uint   `gorm:"primaryKey"`
	Email       string `gorm:"uniqueIndex;size:255"`
	Name        string
	Memberships []Membership
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership binds a user to a tenant with a role.
type Membership struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index:idx_membership_user_tenant,unique"`
	TenantID  uint   `gorm:"index:idx_membership_user_tenant,unique"`
	Role      string `gorm:"size:16;default:member"`
	CreatedAt time.Time
}
