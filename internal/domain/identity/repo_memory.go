package identity

import (
	"context"
	"sync"
)

// InMemoryCacheRepo is the in-process CacheRepository used in tests.
type InMemoryCacheRepo struct {
	mu    sync.RWMutex
	store map[string]int64 // key: kind|naturalKey
}

// NewInMemoryCacheRepo creates an empty in-memory cache.
func NewInMemoryCacheRepo() *InMemoryCacheRepo {
	return &InMemoryCacheRepo{store: make(map[string]int64)}
}

func cacheKey(key string, kind Kind) string {
	return string(kind) + "|" + key
}

func (r *InMemoryCacheRepo) Get(_ context.Context, key string, kind Kind) (int64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.store[cacheKey(key, kind)]
	return id, ok, nil
}

func (r *InMemoryCacheRepo) Put(_ context.Context, key string, kind Kind, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[cacheKey(key, kind)] = id
	return nil
}
