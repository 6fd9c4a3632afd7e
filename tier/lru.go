// Package tier provides a cost-based least-recently-used store.
//
// An LRU holds entries up to a total cost budget. Each entry carries a
// caller-supplied cost (bytes for encoded buffers, an arbitrary unit for
// decoded objects). When an insertion pushes the running total over budget,
// the least recently used entries are evicted until the total fits again.
//
// An entry whose cost alone exceeds the budget is never admitted; Put
// reports ErrCapacityExceeded and leaves the store unchanged.
package tier

import (
	"container/list"
	"errors"
	"sync"
)

var (
	// ErrCapacityExceeded is returned by Put when a single entry's cost is
	// larger than the store's budget or per-entry limit. It is a policy note,
	// not a failure: the entry is simply not cached.
	ErrCapacityExceeded = errors.New("tier: entry cost exceeds capacity")

	// ErrInvalidCost is returned by Put for negative costs.
	ErrInvalidCost = errors.New("tier: negative entry cost")
)

// EvictReason describes why an entry left the store.
type EvictReason int

const (
	// EvictCapacity means the entry was the least recently used when the
	// budget was exceeded.
	EvictCapacity EvictReason = iota
	// EvictReplace means a Put for the same key replaced the entry.
	EvictReplace
	// EvictInvalidate means the entry was removed with Invalidate.
	EvictInvalidate
	// EvictClear means the entry was removed by Clear.
	EvictClear
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictReplace:
		return "replace"
	case EvictInvalidate:
		return "invalidate"
	case EvictClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Option configures an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithEvictHook registers a hook called for every entry that leaves the
// store. Hooks run after the store lock is released.
func WithEvictHook[K comparable, V any](hook func(key K, value V, reason EvictReason)) Option[K, V] {
	return func(l *LRU[K, V]) {
		l.onEvict = hook
	}
}

// WithMaxEntryCost rejects entries costing more than n even when the budget
// could hold them. Values <= 0 disable the limit.
func WithMaxEntryCost[K comparable, V any](n int64) Option[K, V] {
	return func(l *LRU[K, V]) {
		l.maxEntryCost = n
	}
}

type entry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
}

type evicted[K comparable, V any] struct {
	key    K
	value  V
	reason EvictReason
}

// LRU is a cost-bounded least-recently-used store. It is safe for
// concurrent use; every method holds the store lock only for its own
// duration.
type LRU[K comparable, V any] struct {
	mu           sync.Mutex
	budget       int64
	maxEntryCost int64
	cost         int64
	order        *list.List // front is most recently used
	items        map[K]*list.Element
	onEvict      func(K, V, EvictReason)
}

// New creates an LRU holding at most budget total cost.
// A budget of zero admits only zero-cost entries.
func New[K comparable, V any](budget int64, opts ...Option[K, V]) *LRU[K, V] {
	l := &LRU[K, V]{
		budget: budget,
		order:  list.New(),
		items:  make(map[K]*list.Element),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	return l
}

// Get returns the value for key and marks it most recently used.
func (l *LRU[K, V]) Get(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Peek returns the value for key without touching its recency.
func (l *LRU[K, V]) Peek(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*entry[K, V]).value, true
}

// Put inserts or replaces the entry for key with the given cost and marks
// it most recently used. Least recently used entries other than key are
// evicted until the total cost fits the budget.
//
// If cost alone exceeds the budget (or the per-entry limit), Put returns
// ErrCapacityExceeded and any existing entry for key is left untouched.
func (l *LRU[K, V]) Put(key K, value V, cost int64) error {
	if cost < 0 {
		return ErrInvalidCost
	}

	l.mu.Lock()
	if cost > l.budget || (l.maxEntryCost > 0 && cost > l.maxEntryCost) {
		l.mu.Unlock()
		return ErrCapacityExceeded
	}

	var gone []evicted[K, V]
	if el, ok := l.items[key]; ok {
		e := el.Value.(*entry[K, V])
		gone = append(gone, evicted[K, V]{key: key, value: e.value, reason: EvictReplace})
		l.cost += cost - e.cost
		e.value = value
		e.cost = cost
		l.order.MoveToFront(el)
	} else {
		l.items[key] = l.order.PushFront(&entry[K, V]{key: key, value: value, cost: cost})
		l.cost += cost
	}

	// The new entry sits at the front and fits on its own, so the walk from
	// the back always stops before reaching it.
	for l.cost > l.budget {
		back := l.order.Back()
		e := back.Value.(*entry[K, V])
		l.removeElement(back)
		gone = append(gone, evicted[K, V]{key: e.key, value: e.value, reason: EvictCapacity})
	}
	l.mu.Unlock()

	l.notify(gone)
	return nil
}

// Invalidate removes the entry for key and reports whether one was present.
func (l *LRU[K, V]) Invalidate(key K) bool {
	l.mu.Lock()
	el, ok := l.items[key]
	if !ok {
		l.mu.Unlock()
		return false
	}
	e := el.Value.(*entry[K, V])
	l.removeElement(el)
	l.mu.Unlock()

	l.notify([]evicted[K, V]{{key: e.key, value: e.value, reason: EvictInvalidate}})
	return true
}

// Clear removes every entry and resets the running cost to zero.
func (l *LRU[K, V]) Clear() {
	l.mu.Lock()
	var gone []evicted[K, V]
	if l.onEvict != nil {
		gone = make([]evicted[K, V], 0, l.order.Len())
		for el := l.order.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry[K, V])
			gone = append(gone, evicted[K, V]{key: e.key, value: e.value, reason: EvictClear})
		}
	}
	l.order.Init()
	l.items = make(map[K]*list.Element)
	l.cost = 0
	l.mu.Unlock()

	l.notify(gone)
}

// Len returns the number of entries.
func (l *LRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Cost returns the running total cost of all entries.
func (l *LRU[K, V]) Cost() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cost
}

// Budget returns the configured total cost budget.
func (l *LRU[K, V]) Budget() int64 {
	return l.budget
}

// Keys returns the keys from most to least recently used.
func (l *LRU[K, V]) Keys() []K {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]K, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// removeElement unlinks el and updates the running cost. Caller holds mu.
func (l *LRU[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	l.order.Remove(el)
	delete(l.items, e.key)
	l.cost -= e.cost
}

func (l *LRU[K, V]) notify(gone []evicted[K, V]) {
	if l.onEvict == nil {
		return
	}
	for _, g := range gone {
		l.onEvict(g.key, g.value, g.reason)
	}
}
