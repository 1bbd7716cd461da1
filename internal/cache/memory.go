package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/metrics"
)

// DefaultCapacity is the LRU size used when none is configured.
const DefaultCapacity = 10000

type entry struct {
	key string
	v   classify.Verdict
}

// Memory is an in-process LRU cache.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

// NewMemory returns an LRU holding at most capacity verdicts. A capacity of
// zero or less means no eviction, for caches scoped to a single page.
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the verdict cached for text and marks it recently used.
func (m *Memory) Get(_ context.Context, text string) (classify.Verdict, bool) {
	key := Fingerprint(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return classify.Verdict{}, false
	}
	m.ll.MoveToFront(el)
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return el.Value.(*entry).v, true
}

// Put stores v for text, evicting the least recently used entry when full.
func (m *Memory) Put(_ context.Context, text string, v classify.Verdict) {
	key := Fingerprint(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		el.Value.(*entry).v = v
		m.ll.MoveToFront(el)
		return
	}
	m.items[key] = m.ll.PushFront(&entry{key: key, v: v})

	if m.capacity > 0 && m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		m.ll.Remove(oldest)
		delete(m.items, oldest.Value.(*entry).key)
	}
}

// Len returns the number of cached verdicts.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// Clear drops every entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.ll.Init()
	m.items = make(map[string]*list.Element)
	m.mu.Unlock()
}
