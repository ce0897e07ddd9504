package storage

import (
	"context"
	"sync"
	"time"
)

// memoryValue is a stored value plus its expiry stamp
type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

// memoryList is a stored list plus its expiry stamp
type memoryList struct {
	values    [][]byte
	expiresAt time.Time
}

func (l memoryList) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && now.After(l.expiresAt)
}

// MemoryBackend implements the Backend interface using in-memory maps.
// It is the fallback used when the durable backend is unreachable,
// trading durability for availability.
type MemoryBackend struct {
	values map[string]memoryValue
	sets   map[string]map[string]bool
	lists  map[string]memoryList
	mu     sync.RWMutex
}

// NewMemoryBackend creates a new in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]memoryValue),
		sets:   make(map[string]map[string]bool),
		lists:  make(map[string]memoryList),
	}
}

// Initialize sets up the backend
func (b *MemoryBackend) Initialize() error {
	return nil
}

// Close cleans up resources
func (b *MemoryBackend) Close() error {
	return nil
}

// Get retrieves the value for a key
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.values[key]
	if !ok || v.expired(time.Now()) {
		return nil, ErrKeyNotFound
	}

	return v.data, nil
}

// Set stores a value with a TTL
func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	b.values[key] = v

	return nil
}

// Delete removes a key
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.values, key)

	return nil
}

// SetAdd adds a member to the set at key
func (b *MemoryBackend) SetAdd(ctx context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sets[key]; !ok {
		b.sets[key] = make(map[string]bool)
	}
	b.sets[key][member] = true

	return nil
}

// SetRemove removes a member from the set at key
func (b *MemoryBackend) SetRemove(ctx context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if members, ok := b.sets[key]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(b.sets, key)
		}
	}

	return nil
}

// SetMembers returns all members of the set at key
func (b *MemoryBackend) SetMembers(ctx context.Context, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	members := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		members = append(members, m)
	}

	return members, nil
}

// ListAppend appends a value to the list at key and refreshes its TTL
func (b *MemoryBackend) ListAppend(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.lists[key]
	l.values = append(l.values, value)
	if ttl > 0 {
		l.expiresAt = time.Now().Add(ttl)
	}
	b.lists[key] = l

	return nil
}

// ListRange returns all values of the list at key in insertion order
func (b *MemoryBackend) ListRange(ctx context.Context, key string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.lists[key]
	if !ok || l.expired(time.Now()) {
		return [][]byte{}, nil
	}

	out := make([][]byte, len(l.values))
	copy(out, l.values)

	return out, nil
}

// Sweep deletes expired values and lists, returning the number removed.
// Redis and DynamoDB expire keys natively; only the in-memory fallback
// needs this.
func (b *MemoryBackend) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	removed := 0

	for key, v := range b.values {
		if v.expired(now) {
			delete(b.values, key)
			removed++
		}
	}
	for key, l := range b.lists {
		if l.expired(now) {
			delete(b.lists, key)
			removed++
		}
	}

	return removed
}
