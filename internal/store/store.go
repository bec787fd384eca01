package store

import (
	"context"
	"sync"

	"github.com/elskow/binder-build/internal/pipeline/types"
)

// Mutation computes the next version of a record from the current one.
// current is nil when no record exists. Returning an error aborts the
// upsert and leaves the stored record untouched.
type Mutation func(current *types.BuildRecord) (*types.BuildRecord, error)

// BuildStore persists build records keyed by canonical name.
type BuildStore interface {
	Create(ctx context.Context, record *types.BuildRecord) error
	FindByName(ctx context.Context, name string) (*types.BuildRecord, error)
	FindAll(ctx context.Context) ([]*types.BuildRecord, error)
	// Upsert applies mutate atomically for name: no other writer can
	// interleave between reading current and storing the result.
	Upsert(ctx context.Context, name string, mutate Mutation) (*types.BuildRecord, error)
	Delete(ctx context.Context, name string) error
}

// KeyedMutex hands out one mutex per key. Entries are dropped once no
// caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock locks key and returns the matching unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
