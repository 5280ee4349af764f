// Package responsecache gives idempotent replay of NUT-03/NUT-04/NUT-05 POST
// requests: the same request submitted twice (a wallet retry after a
// dropped connection) gets back the exact same response instead of a
// second signing pass. Entries are keyed by a canonical-byte-encoding
// fingerprint of the request, not a debug-rendered string -- the request
// shape is stable across retries but Go's %v/%+v formatting of a struct
// is not guaranteed to be, so hashing that would be a correctness bug
// waiting to happen on a Go version bump.
package responsecache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/elnosh/mintd/mint/metrics"
)

type state int

const (
	notFound state = iota
	inFlight
	cached
)

type entry struct {
	fingerprint string
	state       state
	response    any
	err         error
}

// Cache bounds the idempotency table with FIFO eviction in insertion order:
// a client that never Acknowledges a response eventually ages it out rather
// than leaking memory for the life of the process. Evicting an in-flight
// entry just lets a concurrent duplicate retry the work; it never corrupts
// a settled result, since a settled entry keeps its original slot until its
// turn at the front of the queue comes up.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("response cache capacity must be positive, got %d", capacity)
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}, nil
}

// Fingerprint hashes a canonical byte encoding of the given key/value pairs.
// Pairs are sorted by key before hashing so call-site argument order never
// changes the fingerprint, and each value is length-prefixed so there is no
// ambiguity between e.g. ("ab", "c") and ("a", "bc").
func Fingerprint(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	var lenBuf [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	for _, k := range keys {
		write(k)
		write(fields[k])
	}

	sum := h.Sum(nil)
	return string(sum[:8])
}

// insert places e at the back of the eviction queue, or updates an existing
// entry in place without moving its queue position.
func (c *Cache) insert(fingerprint string, e *entry) {
	if el, ok := c.entries[fingerprint]; ok {
		el.Value = e
		return
	}
	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.entries[fingerprint] = c.order.PushBack(e)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*entry).fingerprint)
}

func (c *Cache) remove(fingerprint string) {
	el, ok := c.entries[fingerprint]
	if !ok {
		return
	}
	c.order.Remove(el)
	delete(c.entries, fingerprint)
}

// Start returns (inFlight, found). If no entry exists, it creates an
// in-flight marker and returns found=false so the caller proceeds to do
// the work and Finish it. If an entry already exists, found=true and the
// caller should wait or read the cached response instead.
func (c *Cache) Start(fingerprint string) (inflight bool, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		e := el.Value.(*entry)
		if e.state == inFlight {
			metrics.ResponseCacheHits.WithLabelValues("inflight").Inc()
		}
		return e.state == inFlight, true
	}

	c.insert(fingerprint, &entry{fingerprint: fingerprint, state: inFlight})
	return false, false
}

// Get returns the cached response for fingerprint, if settled.
func (c *Cache) Get(fingerprint string) (response any, err error, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, exists := c.entries[fingerprint]
	if !exists {
		metrics.ResponseCacheHits.WithLabelValues("miss").Inc()
		return nil, nil, false
	}
	e := el.Value.(*entry)
	if e.state != cached {
		metrics.ResponseCacheHits.WithLabelValues("miss").Inc()
		return nil, nil, false
	}
	metrics.ResponseCacheHits.WithLabelValues("hit").Inc()
	return e.response, e.err, true
}

// Finish settles an in-flight fingerprint with its outcome.
func (c *Cache) Finish(fingerprint string, response any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(fingerprint, &entry{fingerprint: fingerprint, state: cached, response: response, err: err})
}

// Abandon clears an in-flight marker without caching a result, letting a
// later retry attempt the work again (used when the in-flight request's
// own goroutine panicked or its connection was dropped mid-flight).
func (c *Cache) Abandon(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(fingerprint)
}

// Forget evicts a settled entry once the caller has acknowledged receiving
// its response, bounding the cache to requests a client hasn't yet confirmed.
func (c *Cache) Forget(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fingerprint]; ok && el.Value.(*entry).state == cached {
		c.remove(fingerprint)
	}
}
