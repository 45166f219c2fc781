package dashboard

import "sync"

// window keeps the most recent limit items in arrival order.
type window[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func newWindow[T any](limit int) *window[T] {
	if limit <= 0 {
		limit = 200
	}
	return &window[T]{items: make([]T, limit)}
}

func (w *window[T]) add(item T) {
	w.mu.Lock()
	w.items[w.next] = item
	w.next = (w.next + 1) % len(w.items)
	if w.next == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

// snapshot returns a copy, oldest first.
func (w *window[T]) snapshot() []T {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.full {
		out := make([]T, w.next)
		copy(out, w.items[:w.next])
		return out
	}
	out := make([]T, 0, len(w.items))
	out = append(out, w.items[w.next:]...)
	return append(out, w.items[:w.next]...)
}
