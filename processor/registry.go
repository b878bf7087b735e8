package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/model"
)

// Factory builds a Processor from a tenant processor row. Factories are
// keyed by class_ref so per-tenant rows can bind to shipped
// implementations with row-level config schemas.
type Factory func(row model.Processor) (Processor, error)

// Registry maps processor slugs to executable implementations. Reads are
// lock-free on a copy-on-write map; the rare lazy additions coming from
// tenant processor tables swap in a new map under the write lock.
type Registry struct {
	mu        sync.Mutex
	byID      atomic.Value // map[string]Processor
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.byID.Store(map[string]Processor{})
	return r
}

// Register adds a processor under its own slug. Registering the same slug
// twice replaces the earlier implementation.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLocked(p.ID(), p)
}

// RegisterFactory binds a class_ref to a constructor used by the lazy
// database load.
func (r *Registry) RegisterFactory(classRef string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[classRef] = f
}

// Get resolves a slug to a processor.
func (r *Registry) Get(slug string) (Processor, bool) {
	m := r.byID.Load().(map[string]Processor)
	p, ok := m[slug]
	return p, ok
}

// Slugs returns all registered slugs.
func (r *Registry) Slugs() []string {
	m := r.byID.Load().(map[string]Processor)
	slugs := make([]string, 0, len(m))
	for slug := range m {
		slugs = append(slugs, slug)
	}
	return slugs
}

// Has reports whether a slug resolves.
func (r *Registry) Has(slug string) bool {
	_, ok := r.Get(slug)
	return ok
}

// RegisterFromDatabase augments the registry with per-tenant processor
// rows. Rows whose class_ref has no factory are skipped with a warning;
// inactive rows are ignored. It returns the number of processors added.
func (r *Registry) RegisterFromDatabase(_ context.Context, rows []model.Processor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, row := range rows {
		if !row.Active {
			continue
		}
		if _, exists := r.byID.Load().(map[string]Processor)[row.Slug]; exists {
			continue
		}
		factory, ok := r.factories[row.ClassRef]
		if !ok {
			common.Logger.WithField("class_ref", row.ClassRef).
				Warn("no factory for tenant processor row")
			continue
		}
		p, err := factory(row)
		if err != nil {
			common.Logger.WithField("slug", row.Slug).
				WithField("error", err.Error()).
				Warn("failed to build tenant processor")
			continue
		}
		r.storeLocked(row.Slug, p)
		added++
	}
	return added
}

// storeLocked swaps in a new map containing the addition. Callers hold mu.
func (r *Registry) storeLocked(slug string, p Processor) {
	old := r.byID.Load().(map[string]Processor)
	next := make(map[string]Processor, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[slug] = p
	r.byID.Store(next)
}

// Describe returns the description for a slug or an error when the slug is
// unknown.
func (r *Registry) Describe(slug string) (Description, error) {
	p, ok := r.Get(slug)
	if !ok {
		return Description{}, fmt.Errorf("%w: %s", ErrNotRegistered, slug)
	}
	return p.Describe(), nil
}
