package timesync

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Cache is a pass-through filter for a single channel. It forwards every
// arrival to its registered sinks unchanged while retaining the most recent
// messages in ascending stamp order for interval queries. Connecting a cache
// between a source and a synchronizer channel leaves the match behavior
// untouched and adds a queryable history.
type Cache struct {
	mu       sync.Mutex
	stamp    func(msg any) Key
	capacity int
	entries  []cacheEntry
	sinks    callbackSinkSet
	upstream SourceHandle
}

type cacheEntry struct {
	key Key
	msg any
}

// callbackSinkSet mirrors the synchronizer's subscriber set for plain message
// sinks: monotonic IDs, tombstone release, compaction on emit.
type callbackSinkSet struct {
	nextID  uint64
	entries []*sinkEntry
}

type sinkEntry struct {
	id       uint64
	fn       func(msg any)
	released bool
}

func (c *callbackSinkSet) register(fn func(msg any)) uint64 {
	c.nextID++
	c.entries = append(c.entries, &sinkEntry{id: c.nextID, fn: fn})
	return c.nextID
}

func (c *callbackSinkSet) release(id uint64) {
	for _, entry := range c.entries {
		if entry.id == id {
			entry.released = true
			return
		}
	}
}

func (c *callbackSinkSet) live() []func(msg any) {
	kept := c.entries[:0]
	fns := make([]func(msg any), 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.released {
			continue
		}
		kept = append(kept, entry)
		fns = append(fns, entry.fn)
	}
	c.entries = kept
	return fns
}

// NewCache constructs a cache retaining up to capacity messages.
func NewCache(capacity int, stamp func(msg any) Key) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if stamp == nil {
		return nil, ErrMissingStamp
	}
	return &Cache{stamp: stamp, capacity: capacity}, nil
}

// Add records a message and forwards it to every registered sink.
func (c *Cache) Add(msg any) error {
	if c == nil {
		return errors.New("nil cache")
	}
	if msg == nil {
		return ErrNilMessage
	}
	key := c.stamp(msg)

	c.mu.Lock()
	//1.- Insert in stamp order; equal keys keep arrival order so the newest
	// duplicate sits last in its run.
	idx := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].key > key })
	c.entries = append(c.entries, cacheEntry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = cacheEntry{key: key, msg: msg}

	//2.- Evict the oldest entries beyond capacity.
	if overflow := len(c.entries) - c.capacity; overflow > 0 {
		c.entries = append(c.entries[:0:0], c.entries[overflow:]...)
	}
	sinks := c.sinks.live()
	c.mu.Unlock()

	for _, sink := range sinks {
		sink(msg)
	}
	return nil
}

// RegisterSink implements Source so a synchronizer channel can be fed through
// the cache.
func (c *Cache) RegisterSink(sink func(msg any)) (SourceHandle, error) {
	if c == nil {
		return nil, errors.New("nil cache")
	}
	if sink == nil {
		return nil, ErrNilCallback
	}
	c.mu.Lock()
	id := c.sinks.register(sink)
	c.mu.Unlock()
	return ReleaseFunc(func() {
		c.mu.Lock()
		c.sinks.release(id)
		c.mu.Unlock()
	}), nil
}

// Connect binds the cache to an upstream source, releasing any previous
// upstream registration first.
func (c *Cache) Connect(src Source) error {
	if c == nil {
		return errors.New("nil cache")
	}
	if src == nil {
		return errors.New("source must not be nil")
	}
	c.mu.Lock()
	previous := c.upstream
	c.upstream = nil
	c.mu.Unlock()
	if previous != nil {
		previous.Release()
	}

	handle, err := src.RegisterSink(func(msg any) { _ = c.Add(msg) })
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	c.mu.Lock()
	c.upstream = handle
	c.mu.Unlock()
	return nil
}

// Interval returns the cached messages with from ≤ stamp ≤ to in ascending
// stamp order.
func (c *Cache) Interval(from, to Key) []any {
	if c == nil || from > to {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lo := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].key >= from })
	hi := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].key > to })
	if lo >= hi {
		return nil
	}
	out := make([]any, 0, hi-lo)
	for _, entry := range c.entries[lo:hi] {
		out = append(out, entry.msg)
	}
	return out
}

// Latest returns the newest cached message, if any.
func (c *Cache) Latest() (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil, false
	}
	return c.entries[len(c.entries)-1].msg, true
}

// Bounds reports the oldest and newest cached stamps.
func (c *Cache) Bounds() (oldest, newest Key, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return 0, 0, false
	}
	return c.entries[0].key, c.entries[len(c.entries)-1].key, true
}

// Len reports the number of cached messages.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases the upstream registration, if any.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	handle := c.upstream
	c.upstream = nil
	c.mu.Unlock()
	if handle != nil {
		handle.Release()
	}
}
