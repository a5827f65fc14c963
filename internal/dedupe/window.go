// ABOUTME: Thread-safe TTL window of recently seen event IDs.
// ABOUTME: Used by the Matrix bridge so a redelivered event runs its command only once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl, holding at most maxSize of them. Entries
// live in a list ordered by last sighting, so expiry and eviction both pop
// from the front.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithPruneInterval starts a background goroutine that drops expired keys
// every interval. Without it, expired keys are dropped lazily on Seen.
func WithPruneInterval(interval time.Duration) Option {
	return func(w *Window) {
		if interval <= 0 {
			return
		}
		go w.pruneLoop(interval)
	}
}

// New creates a window. maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int, opts ...Option) *Window {
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Seen reports whether key was recorded within the TTL, and records it
// either way. Check and record happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)

	if el, ok := w.index[key]; ok {
		el.Value.(*entry).seen = now
		w.order.MoveToBack(el)
		return true
	}

	if w.maxSize > 0 && w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget drops key, so its next sighting counts as new.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.index[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns how many keys are remembered, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Prune drops every expired key and returns how many were dropped.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expireLocked(w.now())
}

func (w *Window) expireLocked(now time.Time) int {
	n := 0
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < w.ttl {
			break
		}
		w.removeLocked(el)
		n++
	}
	return n
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).key)
}

func (w *Window) pruneLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Prune()
		case <-w.done:
			return
		}
	}
}

// Close stops the background prune goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
