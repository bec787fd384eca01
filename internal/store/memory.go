package store

import (
	"context"
	"sort"
	"sync"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.BuildRecord
	keys    *KeyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*types.BuildRecord),
		keys:    NewKeyedMutex(),
	}
}

func (s *MemoryStore) Create(ctx context.Context, record *types.BuildRecord) error {
	unlock := s.keys.Lock(record.Name)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Name]; exists {
		return builderrors.New(builderrors.CodeConflict, record.Name)
	}
	s.records[record.Name] = record.Clone()
	return nil
}

func (s *MemoryStore) FindByName(ctx context.Context, name string) (*types.BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[name]
	if !ok {
		return nil, builderrors.New(builderrors.CodeNotFound, name)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) FindAll(ctx context.Context) ([]*types.BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.BuildRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, name string, mutate Mutation) (*types.BuildRecord, error) {
	unlock := s.keys.Lock(name)
	defer unlock()

	s.mu.RLock()
	current := s.records[name].Clone()
	s.mu.RUnlock()

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if next == nil || next.Name != name {
		return nil, builderrors.Newf(builderrors.CodePersistence, "mutation for %s returned a record for another key", name)
	}

	s.mu.Lock()
	s.records[name] = next.Clone()
	s.mu.Unlock()

	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	unlock := s.keys.Lock(name)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return builderrors.New(builderrors.CodeNotFound, name)
	}
	delete(s.records, name)
	return nil
}
