package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process LRU with a max-items bound and per-entry
// TTL. Safe for concurrent use.
type MemoryBackend struct {
	mu       sync.Mutex
	maxItems int
	items    map[string]*list.Element
	order    *list.List
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func NewMemoryBackend(maxItems int) *MemoryBackend {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &MemoryBackend{
		maxItems: maxItems,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, false
	}

	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.order.Remove(el)
		delete(m.items, key)
		return nil, false
	}

	m.order.MoveToFront(el)
	return entry.value, true
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := time.Now().Add(ttl)

	if el, ok := m.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		m.order.MoveToFront(el)
		return nil
	}

	m.items[key] = m.order.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})

	for len(m.items) > m.maxItems {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryEntry).key)
	}

	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.order.Remove(el)
		delete(m.items, key)
	}
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.order.Init()
	return nil
}

// Len reports the number of entries, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
