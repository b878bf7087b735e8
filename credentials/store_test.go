package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryRepository is an in-memory Repository for tests.
type memoryRepository struct {
	nextID uint
	rows   []*model.Credential
}

func (m *memoryRepository) Lookup(_ context.Context, key, scope, scopeRef string) (*model.Credential, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		row := m.rows[i]
		if row.Key == key && row.Scope == scope && row.ScopeRef == scopeRef {
			return row, nil
		}
	}
	return nil, nil
}

func (m *memoryRepository) Touch(_ context.Context, id uint, at time.Time) error {
	for _, row := range m.rows {
		if row.ID == id {
			row.LastUsedAt = &at
		}
	}
	return nil
}

func (m *memoryRepository) Create(_ context.Context, cred *model.Credential) error {
	m.nextID++
	cred.ID = m.nextID
	m.rows = append(m.rows, cred)
	return nil
}

func (m *memoryRepository) UpdateValue(_ context.Context, id uint, encrypted []byte) error {
	for _, row := range m.rows {
		if row.ID == id {
			row.EncryptedValue = encrypted
		}
	}
	return nil
}

func (m *memoryRepository) SoftDelete(_ context.Context, id uint) error {
	kept := m.rows[:0]
	for _, row := range m.rows {
		if row.ID != id {
			kept = append(kept, row)
		}
	}
	m.rows = kept
	return nil
}

func newTestStore(t *testing.T) (*Store, *memoryRepository) {
	t.Helper()
	cipher, err := NewCipher("test-passphrase")
	require.NoError(t, err)
	repo := &memoryRepository{}
	return NewStore(repo, cipher, nil, time.Minute), repo
}

func TestCipher_RoundTrip(t *testing.T) {
	cipher, err := NewCipher("secret")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("api-key-123")
	require.NoError(t, err)
	assert.NotContains(t, string(encrypted), "api-key-123")

	plaintext, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "api-key-123", plaintext)
}

func TestCipher_TamperedCiphertext(t *testing.T) {
	cipher, err := NewCipher("secret")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("value")
	require.NoError(t, err)
	encrypted[len(encrypted)-1] ^= 0xff

	_, err = cipher.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestResolve_ScopeHierarchy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Put(ctx, "api_key", "system-value", model.ScopeSystem, "", nil))
	require.NoError(t, store.Put(ctx, "api_key", "tenant-value", model.ScopeTenant, "1", nil))
	require.NoError(t, store.Put(ctx, "api_key", "campaign-value", model.ScopeCampaign, "10", nil))
	require.NoError(t, store.Put(ctx, "api_key", "processor-value", model.ScopeProcessor, "ocr", nil))

	tests := []struct {
		name         string
		processorRef string
		campaignRef  string
		tenantRef    string
		want         string
	}{
		{"ProcessorWins", "ocr", "10", "1", "processor-value"},
		{"CampaignWhenNoProcessor", "", "10", "1", "campaign-value"},
		{"TenantWhenNoCampaign", "", "", "1", "tenant-value"},
		{"SystemFallback", "", "", "", "system-value"},
		{"UnknownProcessorFallsThrough", "missing", "10", "1", "campaign-value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := store.Resolve(ctx, "api_key", tt.processorRef, tt.campaignRef, tt.tenantRef)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestResolve_ExpiredTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, "token", "broad", model.ScopeTenant, "1", nil))
	require.NoError(t, store.Put(ctx, "token", "narrow", model.ScopeProcessor, "ocr", &expired))

	// The expired processor-scope entry is skipped; the tenant scope shows
	// through transparently.
	value, err := store.Resolve(ctx, "token", "ocr", "", "1")
	require.NoError(t, err)
	assert.Equal(t, "broad", value)
}

func TestResolve_NotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Resolve(ctx, "missing", "p", "c", "t")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_TouchesLastUsed(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	require.NoError(t, store.Put(ctx, "api_key", "v", model.ScopeSystem, "", nil))
	require.Nil(t, repo.rows[0].LastUsedAt)

	_, err := store.Resolve(ctx, "api_key", "", "", "")
	require.NoError(t, err)
	assert.NotNil(t, repo.rows[0].LastUsedAt)
}

func TestRotate_ReplacesValue(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Put(ctx, "api_key", "old", model.ScopeTenant, "1", nil))
	require.NoError(t, store.Rotate(ctx, "api_key", model.ScopeTenant, "1", "new"))

	value, err := store.Resolve(ctx, "api_key", "", "", "1")
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}

func TestRotate_MissingCredential(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	err := store.Rotate(ctx, "ghost", model.ScopeTenant, "1", "new")
	assert.ErrorIs(t, err, ErrNotFound)
}
