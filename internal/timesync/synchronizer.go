// Package timesync matches messages across independent input channels by
// capture timestamp. A synchronizer of arity N emits one tuple containing
// exactly one message per channel whenever all N channels have delivered a
// message bearing the same key; everything that can no longer complete is
// reported through the drop signal instead.
package timesync

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// MinChannels is the smallest supported arity.
	MinChannels = 2
	// MaxChannels is the largest supported arity.
	MaxChannels = 9
)

var (
	// ErrArity rejects constructions outside the 2..9 channel range.
	ErrArity = errors.New("channel count must be between 2 and 9")
	// ErrChannelRange flags an Add on a channel index the synchronizer does not have.
	ErrChannelRange = errors.New("channel index out of range")
	// ErrNilMessage flags an Add with no message handle.
	ErrNilMessage = errors.New("message must not be nil")
	// ErrMissingStamp flags a channel descriptor without a stamp projection.
	ErrMissingStamp = errors.New("channel stamp function required")
	// ErrQueueSize rejects negative pending-table bounds.
	ErrQueueSize = errors.New("queue size must be non-negative")
	// ErrNilCallback rejects subscription attempts without a callback.
	ErrNilCallback = errors.New("callback must not be nil")
	// ErrClosed reports operations against a synchronizer that was closed.
	ErrClosed = errors.New("synchronizer closed")
)

// Channel describes one input stream: a diagnostic name and the projection
// extracting the match key from that channel's messages. The projection must
// be pure, cheap, and deterministic.
type Channel struct {
	Name  string
	Stamp func(msg any) Key
}

// Config carries the construction parameters for a synchronizer.
type Config struct {
	// Name is a diagnostic label with no semantic effect.
	Name string
	// QueueSize bounds the pending table; the oldest slot is evicted first on
	// overflow. Zero disables size-based eviction entirely.
	QueueSize int
	// Channels fixes the arity and the per-channel stamp projections.
	Channels []Channel
}

// Stats summarises synchronizer health for monitoring endpoints.
type Stats struct {
	Name         string
	Pending      int
	Fired        uint64
	Dropped      uint64
	Watermark    Key
	HasWatermark bool
}

// Synchronizer is the fan-in state machine. It tolerates concurrent Add
// calls from independent producer goroutines; one state mutex guards the
// pending table, the watermark, and both subscriber sets, and every signal
// callback runs while that mutex is held.
type Synchronizer struct {
	mu           sync.Mutex
	name         string
	queueSize    int
	channels     []Channel
	pending      pendingTable
	watermark    Key
	hasWatermark bool
	fired        uint64
	dropped      uint64
	outputs      callbackSet
	dropSubs     callbackSet
	closed       bool

	bindMu   sync.Mutex
	bindings []SourceHandle
}

// NewSynchronizer validates the configuration and returns an empty
// synchronizer: no pending slots, no watermark, no subscriptions.
func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if len(cfg.Channels) < MinChannels || len(cfg.Channels) > MaxChannels {
		return nil, fmt.Errorf("%w, got %d", ErrArity, len(cfg.Channels))
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrQueueSize, cfg.QueueSize)
	}
	channels := make([]Channel, len(cfg.Channels))
	copy(channels, cfg.Channels)
	for i, ch := range channels {
		if ch.Stamp == nil {
			return nil, fmt.Errorf("%w for channel %d", ErrMissingStamp, i)
		}
		if ch.Name == "" {
			channels[i].Name = fmt.Sprintf("channel-%d", i)
		}
	}
	return &Synchronizer{
		name:      cfg.Name,
		queueSize: cfg.QueueSize,
		channels:  channels,
		pending:   newPendingTable(),
	}, nil
}

// Arity returns the fixed channel count.
func (s *Synchronizer) Arity() int {
	return len(s.channels)
}

// Name returns the diagnostic label.
func (s *Synchronizer) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName replaces the diagnostic label.
func (s *Synchronizer) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Add records an arrival on the given channel. It either fires the output
// signal with a completed tuple, reports evicted slots through the drop
// signal, or leaves the message pending. Contract violations are returned
// without mutating state.
func (s *Synchronizer) Add(channel int, msg any) error {
	if s == nil {
		return errors.New("nil synchronizer")
	}
	if channel < 0 || channel >= len(s.channels) {
		return fmt.Errorf("%w: %d of %d", ErrChannelRange, channel, len(s.channels))
	}
	if msg == nil {
		return fmt.Errorf("%w on channel %d", ErrNilMessage, channel)
	}
	key := s.channels[channel].Stamp(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	//1.- An arrival at or below the watermark can never complete: its slot
	// would be swept before any fire. Report it dropped immediately as a
	// one-position partial tuple instead of parking it in the table.
	if s.hasWatermark && key <= s.watermark {
		stale := Tuple{Key: key, Messages: make([]any, len(s.channels))}
		stale.Messages[channel] = msg
		s.dropped++
		s.dropSubs.emit(stale)
		return nil
	}

	//2.- Find or create the slot and place the message; a repeat arrival on
	// the same (key, channel) silently replaces the earlier occupant.
	entry, ok := s.pending.get(key)
	if !ok {
		entry = newSlot(key, len(s.channels))
		s.pending.insert(entry)
	}
	entry.place(channel, msg)

	if entry.complete() {
		//3.- Fire before any drop emission from the same Add, then advance
		// the watermark so later arrivals at this key are stale.
		s.pending.remove(key)
		s.watermark = key
		s.hasWatermark = true
		s.fired++
		s.outputs.emit(entry.tuple())

		//4.- Sweep every slot left behind the watermark, oldest first.
		for s.pending.len() > 0 && s.pending.oldestKey() <= s.watermark {
			s.evictOldestLocked()
		}
	}

	//5.- Enforce the size bound last so the table never ends an Add oversized.
	for s.queueSize > 0 && s.pending.len() > s.queueSize {
		s.evictOldestLocked()
	}
	return nil
}

func (s *Synchronizer) evictOldestLocked() {
	entry := s.pending.popOldest()
	s.dropped++
	s.dropSubs.emit(entry.tuple())
}

// RegisterCallback subscribes to completed tuples. Each subscriber is invoked
// exactly once per fire, under the state mutex, with the tuple's messages in
// channel order.
func (s *Synchronizer) RegisterCallback(fn Callback) (*Subscription, error) {
	return s.register(&s.outputs, fn)
}

// RegisterDropCallback subscribes to evicted partial tuples.
func (s *Synchronizer) RegisterDropCallback(fn Callback) (*Subscription, error) {
	return s.register(&s.dropSubs, fn)
}

func (s *Synchronizer) register(set *callbackSet, fn Callback) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id := set.register(fn)
	return &Subscription{id: id, owner: s, set: set}, nil
}

// Stats snapshots the counters for the operational endpoints.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Name:         s.name,
		Pending:      s.pending.len(),
		Fired:        s.fired,
		Dropped:      s.dropped,
		Watermark:    s.watermark,
		HasWatermark: s.hasWatermark,
	}
}

// PendingKeys returns the ascending keys currently awaiting completion.
func (s *Synchronizer) PendingKeys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.snapshotKeys()
}

// Close detaches all input bindings, removes every subscription, and silently
// discards any slots still pending. Further Adds return ErrClosed.
func (s *Synchronizer) Close() {
	if s == nil {
		return
	}
	//1.- Release upstream bindings first so no further arrivals originate
	// from bound sources while the state is torn down.
	s.bindMu.Lock()
	for _, handle := range s.bindings {
		if handle != nil {
			handle.Release()
		}
	}
	s.bindings = nil
	s.bindMu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.pending.reset()
	s.outputs.clear()
	s.dropSubs.clear()
	s.mu.Unlock()
}
