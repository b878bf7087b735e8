// Package storage persists uploaded document content. Backends share one
// key layout so tenants can move between local disk and S3-compatible
// object stores without rewriting paths:
//
//	tenants/<tenant_id>/documents/<YYYY>/<MM>/<document_id>_<filename>
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"
)

// ErrNotFound is returned when no object exists at the requested key.
var ErrNotFound = errors.New("object not found")

// Store is the interface document content backends implement.
type Store interface {
	// Write stores content under key, creating intermediate structure as
	// needed.
	Write(ctx context.Context, key string, content []byte) error

	// Read returns the content stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object under key. Missing objects are not an
	// error.
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds the canonical storage key for a document.
func ObjectKey(tenantID, documentID uint, filename string, uploadedAt time.Time) string {
	return path.Join(
		"tenants",
		fmt.Sprintf("%d", tenantID),
		"documents",
		fmt.Sprintf("%04d", uploadedAt.Year()),
		fmt.Sprintf("%02d", uploadedAt.Month()),
		fmt.Sprintf("%d_%s", documentID, path.Base(filename)),
	)
}
