// Package registry implements the insertion-ordered request registry that
// collapses repeated requests for one key into a single entry carrying every
// caller's completion.
//
// A Registry is not safe for concurrent use. The queue guards all of its
// registries with one mutex so multi-step sequences stay atomic, and invokes
// returned completions only after releasing that mutex.
package registry

import (
	"container/list"
)

// Entry is one pending key together with its payload and completions.
type Entry[K comparable, V any, C any] struct {
	Key         K
	Value       V
	Completions []C
}

// Registry maps keys to ordered completion lists, remembering the order in
// which keys were first enqueued.
type Registry[K comparable, V any, C any] struct {
	items map[K]*list.Element
	order *list.List
}

// New creates an empty registry.
func New[K comparable, V any, C any]() *Registry[K, V, C] {
	return &Registry[K, V, C]{
		items: make(map[K]*list.Element),
		order: list.New(),
	}
}

// Enqueue registers completions for key. If key is already pending the
// completions are appended and the value replaced; otherwise a new entry is
// created at the back. It reports whether a new entry was created.
func (r *Registry[K, V, C]) Enqueue(key K, value V, completions ...C) bool {
	if el, ok := r.items[key]; ok {
		e := el.Value.(*Entry[K, V, C])
		e.Value = value
		e.Completions = append(e.Completions, completions...)
		return false
	}

	e := &Entry[K, V, C]{Key: key, Value: value}
	e.Completions = append(e.Completions, completions...)
	r.items[key] = r.order.PushBack(e)
	return true
}

// Requeue puts an entry back at the front, ahead of newer work. If key was
// enqueued again in the meantime the returned completions go first and the
// newer value is kept.
func (r *Registry[K, V, C]) Requeue(key K, value V, completions []C) {
	if el, ok := r.items[key]; ok {
		e := el.Value.(*Entry[K, V, C])
		merged := make([]C, 0, len(completions)+len(e.Completions))
		merged = append(merged, completions...)
		e.Completions = append(merged, e.Completions...)
		r.order.MoveToFront(el)
		return
	}

	e := &Entry[K, V, C]{Key: key, Value: value}
	e.Completions = append(e.Completions, completions...)
	r.items[key] = r.order.PushFront(e)
}

// Contains reports whether key is pending.
func (r *Registry[K, V, C]) Contains(key K) bool {
	_, ok := r.items[key]
	return ok
}

// SnapshotKeys returns the pending keys in registry order. The slice is a
// copy and safe to use after the caller's lock is released.
func (r *Registry[K, V, C]) SnapshotKeys() []K {
	keys := make([]K, 0, len(r.items))
	for el := r.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry[K, V, C]).Key)
	}
	return keys
}

// Remove deletes key and returns its entry.
func (r *Registry[K, V, C]) Remove(key K) (Entry[K, V, C], bool) {
	el, ok := r.items[key]
	if !ok {
		return Entry[K, V, C]{}, false
	}
	delete(r.items, key)
	e := r.order.Remove(el).(*Entry[K, V, C])
	return *e, true
}

// Take removes and returns up to n entries from the front.
// n <= 0 takes nothing.
func (r *Registry[K, V, C]) Take(n int) []Entry[K, V, C] {
	if n <= 0 || r.order.Len() == 0 {
		return nil
	}
	if n > r.order.Len() {
		n = r.order.Len()
	}

	taken := make([]Entry[K, V, C], 0, n)
	for i := 0; i < n; i++ {
		el := r.order.Front()
		e := r.order.Remove(el).(*Entry[K, V, C])
		delete(r.items, e.Key)
		taken = append(taken, *e)
	}
	return taken
}

// Len returns the number of pending keys.
func (r *Registry[K, V, C]) Len() int {
	return len(r.items)
}

// IsEmpty reports whether no key is pending.
func (r *Registry[K, V, C]) IsEmpty() bool {
	return len(r.items) == 0
}
