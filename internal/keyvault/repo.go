package keyvault

import (
	"context"
	"sync"
)

// MemoryKeyRepository is a KeyRepository for development and tests.
type MemoryKeyRepository struct {
	mu   sync.RWMutex
	keys map[string]WrappedKey
}

func NewMemoryKeyRepository() *MemoryKeyRepository {
	return &MemoryKeyRepository{keys: make(map[string]WrappedKey)}
}

func (r *MemoryKeyRepository) Create(_ context.Context, k *WrappedKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[k.KeyID]; ok {
		return ErrKeyExists
	}
	r.keys[k.KeyID] = *k
	return nil
}

func (r *MemoryKeyRepository) Get(_ context.Context, keyID string) (*WrappedKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &k, nil
}

func (r *MemoryKeyRepository) Delete(_ context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[keyID]; !ok {
		return ErrKeyNotFound
	}
	delete(r.keys, keyID)
	return nil
}

// Len returns the number of stored keys.
func (r *MemoryKeyRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
