package responses

import (
	"container/list"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux/internal/domain"
)

// StoredResponse pairs a response with the input that produced it, as needed
// to expand previous_response_id continuations.
type StoredResponse struct {
	Response *domain.Response
	Input    []domain.InputItem
}

// Store maps response ids to stored responses with an LRU bound and
// per-entry TTL. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	maxItems int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
}

type storeEntry struct {
	id        string
	stored    StoredResponse
	expiresAt time.Time
}

func NewStore(maxItems int, ttl time.Duration) *Store {
	if maxItems <= 0 {
		maxItems = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		maxItems: maxItems,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (s *Store) Get(id string) (StoredResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return StoredResponse{}, false
	}

	entry := el.Value.(*storeEntry)
	if time.Now().After(entry.expiresAt) {
		s.order.Remove(el)
		delete(s.items, id)
		return StoredResponse{}, false
	}

	s.order.MoveToFront(el)
	return entry.stored, true
}

func (s *Store) Set(id string, resp *domain.Response, input []domain.InputItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := StoredResponse{Response: resp, Input: input}
	expiresAt := time.Now().Add(s.ttl)

	if el, ok := s.items[id]; ok {
		entry := el.Value.(*storeEntry)
		entry.stored = stored
		entry.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return
	}

	s.items[id] = s.order.PushFront(&storeEntry{
		id:        id,
		stored:    stored,
		expiresAt: expiresAt,
	})

	for len(s.items) > s.maxItems {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*storeEntry).id)
	}
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[id]; ok {
		s.order.Remove(el)
		delete(s.items, id)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.order.Init()
}

// Len reports the number of entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
