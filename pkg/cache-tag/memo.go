package cachetag

import (
	"container/list"
	"sync"
)

// Memo is a fixed-capacity LRU of generated tag sets keyed by URL and
// category. Tag generation is cheap but not free, and hot URLs repeat; the
// bound matters more than the hit rate, since an unbounded memo would grow
// for the life of the process.
type Memo struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List

	hits      int64
	misses    int64
	evictions int64
}

type memoEntry struct {
	key  string
	tags []string
}

// NewMemo creates a memo holding at most capacity entries.
func NewMemo(capacity int) *Memo {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Memo{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the memoized tag set for the key, marking it recently used.
func (m *Memo) Get(key string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}
	m.order.MoveToFront(elem)
	m.hits++
	return elem.Value.(*memoEntry).tags, true
}

// Add stores a tag set, evicting the least recently used entry when full.
func (m *Memo) Add(key string, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.order.MoveToFront(elem)
		elem.Value.(*memoEntry).tags = tags
		return
	}

	m.items[key] = m.order.PushFront(&memoEntry{key: key, tags: tags})
	if m.order.Len() > m.capacity {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.items, oldest.Value.(*memoEntry).key)
			m.evictions++
		}
	}
}

// Purge drops every entry. Called when the configuration snapshot changes,
// since memoized tags may no longer reflect the current policy.
func (m *Memo) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.order = list.New()
}

// Len returns the number of memoized entries.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// MemoStats is a point-in-time view of memo effectiveness.
type MemoStats struct {
	Entries   int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns current counters.
func (m *Memo) Stats() MemoStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoStats{
		Entries:   m.order.Len(),
		Capacity:  m.capacity,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
}
