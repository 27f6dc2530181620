package store

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/chatwheel/chatwheel/internal/metrics"
	"github.com/chatwheel/chatwheel/internal/models"
)

// DefaultCapacity bounds the in-memory backends; the oldest entry is
// evicted when a new key would exceed it.
const DefaultCapacity = 100

// lruCache is a minimal bounded LRU used by both in-memory stores. Not
// goroutine-safe; callers hold their own mutex.
type lruCache struct {
	capacity int
	order    *list.List // front = most recently used; values are *lruEntry
	entries  map[string]*list.Element
	// onEvict is called with the evicted key/value before removal.
	onEvict func(key string, value interface{})
}

type lruEntry struct {
	key   string
	value interface{}
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (interface{}, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, true
}

func (c *lruCache) set(key string, value interface{}) {
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*lruEntry).value = value
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*lruEntry)
			if c.onEvict != nil {
				c.onEvict(entry.key, entry.value)
			}
			c.order.Remove(oldest)
			delete(c.entries, entry.key)
		}
	}

	c.entries[key] = c.order.PushFront(&lruEntry{key: key, value: value})
}

func (c *lruCache) delete(key string) {
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

func (c *lruCache) len() int {
	return c.order.Len()
}

// MemoryWorkflowStateStore is the process-local WorkflowStateStore: a
// bounded LRU suitable for development and CI.
type MemoryWorkflowStateStore struct {
	mu    sync.Mutex
	cache *lruCache
}

// NewMemoryWorkflowStateStore creates an in-memory workflow state store
// with the given capacity (<=0 means DefaultCapacity).
func NewMemoryWorkflowStateStore(capacity int) *MemoryWorkflowStateStore {
	return &MemoryWorkflowStateStore{cache: newLRUCache(capacity)}
}

func (s *MemoryWorkflowStateStore) Get(_ context.Context, conversationID string) (*models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.get(conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	// Hand out a copy so callers can't mutate stored state outside Set.
	return v.(*models.WorkflowState).Clone(), nil
}

func (s *MemoryWorkflowStateStore) Set(_ context.Context, conversationID string, state *models.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.set(conversationID, state.Clone())
	return nil
}

func (s *MemoryWorkflowStateStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.delete(conversationID)
	return nil
}

// MemoryConversationStore is the process-local ConversationStore: a bounded
// LRU plus an in-memory user index mirroring the Redis sorted-set index.
type MemoryConversationStore struct {
	mu    sync.Mutex
	cache *lruCache
	// userIndex: userID -> set of conversation ids, kept consistent with
	// the cache including on LRU eviction.
	userIndex map[string]map[string]struct{}
}

// NewMemoryConversationStore creates an in-memory conversation store with
// the given capacity (<=0 means DefaultCapacity).
func NewMemoryConversationStore(capacity int) *MemoryConversationStore {
	s := &MemoryConversationStore{
		userIndex: make(map[string]map[string]struct{}),
	}
	cache := newLRUCache(capacity)
	cache.onEvict = func(key string, value interface{}) {
		s.removeFromIndex(value.(*models.StoredConversation).UserID, key)
		metrics.ConversationCacheEvictions.Inc()
	}
	s.cache = cache
	return s
}

func (s *MemoryConversationStore) Get(_ context.Context, conversationID string) (*models.StoredConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.get(conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(v.(*models.StoredConversation)), nil
}

func (s *MemoryConversationStore) Set(_ context.Context, conversationID string, conv *models.StoredConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// If ownership changed (edge case), drop the old owner's index entry.
	if prev, ok := s.cache.get(conversationID); ok {
		if prevConv := prev.(*models.StoredConversation); prevConv.UserID != conv.UserID {
			s.removeFromIndex(prevConv.UserID, conversationID)
		}
	}

	if s.userIndex[conv.UserID] == nil {
		s.userIndex[conv.UserID] = make(map[string]struct{})
	}
	s.userIndex[conv.UserID][conversationID] = struct{}{}

	s.cache.set(conversationID, copyConversation(conv))
	metrics.ConversationCacheSize.Set(float64(s.cache.len()))
	return nil
}

func (s *MemoryConversationStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.get(conversationID); ok {
		s.removeFromIndex(v.(*models.StoredConversation).UserID, conversationID)
	}
	s.cache.delete(conversationID)
	metrics.ConversationCacheSize.Set(float64(s.cache.len()))
	return nil
}

// ListByUser returns the user's conversations sorted most recently updated
// first.
func (s *MemoryConversationStore) ListByUser(_ context.Context, userID string) ([]*models.StoredConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.StoredConversation{}
	for id := range s.userIndex[userID] {
		if v, ok := s.cache.get(id); ok {
			out = append(out, copyConversation(v.(*models.StoredConversation)))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryConversationStore) removeFromIndex(userID, conversationID string) {
	if ids, ok := s.userIndex[userID]; ok {
		delete(ids, conversationID)
		if len(ids) == 0 {
			delete(s.userIndex, userID)
		}
	}
}

func copyConversation(conv *models.StoredConversation) *models.StoredConversation {
	out := *conv
	out.History = append([]models.NormalizedMessage(nil), conv.History...)
	if conv.History == nil {
		out.History = []models.NormalizedMessage{}
	}
	return &out
}
