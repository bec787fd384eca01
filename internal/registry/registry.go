package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
	"github.com/elskow/binder-build/internal/store"
)

// Registry stores templates keyed by canonical name. Upsert replaces the
// whole template, keeps the original creation time and refreshes the
// modification time.
type Registry interface {
	Upsert(ctx context.Context, name string, template *types.Template) (*types.Template, error)
	FindByName(ctx context.Context, name string) (*types.Template, error)
	FindAll(ctx context.Context) ([]*types.Template, error)
}

type MemoryRegistry struct {
	mu        sync.RWMutex
	templates map[string]*types.Template
	keys      *store.KeyedMutex
	now       func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		templates: make(map[string]*types.Template),
		keys:      store.NewKeyedMutex(),
		now:       time.Now,
	}
}

func (r *MemoryRegistry) Upsert(ctx context.Context, name string, template *types.Template) (*types.Template, error) {
	unlock := r.keys.Lock(name)
	defer unlock()

	r.mu.RLock()
	prev := r.templates[name]
	r.mu.RUnlock()

	next := template.Clone()
	next.Name = name
	next.Stamp(prev, r.now())

	r.mu.Lock()
	r.templates[name] = next
	r.mu.Unlock()

	return next.Clone(), nil
}

func (r *MemoryRegistry) FindByName(ctx context.Context, name string) (*types.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return nil, builderrors.New(builderrors.CodeNotFound, name)
	}
	return t.Clone(), nil
}

func (r *MemoryRegistry) FindAll(ctx context.Context) ([]*types.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
