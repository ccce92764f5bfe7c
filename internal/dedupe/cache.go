// ABOUTME: Thread-safe TTL cache of request outcomes keyed by idempotency key
// ABOUTME: Lets handlers replay a finished reply and reject a duplicate that is still in flight

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the result of reserving a key
type State int

const (
	// Reserved means the key was new; the caller owns it and must Complete or Release it.
	Reserved State = iota
	// InFlight means another caller holds the key and has not finished.
	InFlight
	// Done means the key finished within the TTL; the stored value is returned.
	Done
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

type entry[V any] struct {
	key     string
	value   V
	done    bool
	touched time.Time
	element *list.Element
}

// Cache tracks idempotency keys with a TTL and a size bound. The oldest key is
// evicted first when the cache is full. A background goroutine drops expired keys.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithCleanupInterval sets how often expired keys are swept
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// New creates a cache with the given TTL and maximum number of keys.
func New[V any](ttl time.Duration, maxSize int, opts ...Option) *Cache[V] {
	o := options{now: time.Now, cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize < 1 {
		maxSize = 1
	}

	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     o.now,
		done:    make(chan struct{}),
	}
	go c.cleanup(o.cleanupInterval)
	return c
}

// Reserve claims key. A new or expired key is reserved for the caller. A key
// held by another caller reports InFlight. A finished key reports Done with its value.
func (c *Cache[V]) Reserve(key string) (V, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.touched) < c.ttl {
		if e.done {
			return e.value, Done
		}
		return e.value, InFlight
	} else if ok {
		c.removeLocked(e)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, touched: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e

	var zero V
	return zero, Reserved
}

// Complete stores the outcome for a reserved key. Later reservations replay it.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		// Evicted while in flight; record it again
		e = &entry[V]{key: key}
		e.element = c.order.PushBack(e)
		c.entries[key] = e
		if len(c.entries) > c.maxSize {
			c.evictOldest()
		}
	}
	e.value = value
	e.done = true
	e.touched = c.now()
	c.order.MoveToBack(e.element)
}

// Release forgets a key so the request can be retried, e.g. after a failure.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of tracked keys, expired or not
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

// evictOldest must be called with mu held
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.removeLocked(e)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops every expired key
func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range c.entries {
		if now.Sub(e.touched) >= c.ttl {
			c.removeLocked(e)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
