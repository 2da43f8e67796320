package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider used for tests and single-node
// deployments without a Valkey cluster.
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]memoryItem)}
}

// Get retrieves a cached value if present and not expired.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		delete(p.data, key)
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set stores a value with optional TTL.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

// SetNX stores the value only when the key is absent or expired.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if it, ok := p.data[key]; ok {
		if it.expiresAt.IsZero() || time.Now().Before(it.expiresAt) {
			return false, nil
		}
	}
	p.data[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

// Del removes an entry.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

// Close is a no-op for the in-memory cache.
func (p *MemoryProvider) Close() error { return nil }

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

var _ Provider = (*MemoryProvider)(nil)
