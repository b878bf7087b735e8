// Package tenant implements the tenant isolation layer: the central
// catalog, the per-call tenant binding, and the connection manager that
// caches one database handle per tenant.
//
// Every operation that touches tenant data must run under a binding.
// Tenant-scoped repositories call FromContext and fail loudly with
// ErrMissingContext when no binding is present, which is what makes
// cross-tenant access impossible by construction.
package tenant

import (
	"context"
	"errors"

	"github.com/docuflow/docuflow/model"
)

// ErrMissingContext is returned when tenant-scoped code runs without a
// tenant binding.
var ErrMissingContext = errors.New("missing tenant context")

// ErrSuspended is returned when a request or worker touches a suspended
// tenant.
var ErrSuspended = errors.New("tenant is suspended")

type contextKey struct{}

// With returns a context carrying the tenant binding. Because bindings are
// context values, nested bindings restore the outer one naturally when the
// inner context goes out of scope.
func With(ctx context.Context, t *model.Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the current tenant binding or ErrMissingContext.
func FromContext(ctx context.Context) (*model.Tenant, error) {
	t, ok := ctx.Value(contextKey{}).(*model.Tenant)
	if !ok || t == nil {
		return nil, ErrMissingContext
	}
	return t, nil
}

// Current returns the current binding without the error, for call sites
// that only need to know whether one exists.
func Current(ctx context.Context) *model.Tenant {
	t, _ := ctx.Value(contextKey{}).(*model.Tenant)
	return t
}

// Run executes fn under a binding for t. The binding is scoped to the
// closure on all exit paths, including panics, since it only lives on the
// derived context.
func Run(ctx context.Context, t *model.Tenant, fn func(ctx context.Context) error) error {
	return fn(With(ctx, t))
}
