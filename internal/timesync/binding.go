package timesync

import (
	"errors"
	"fmt"
)

// Source is an upstream stream that pushes messages into a registered sink.
// The returned handle detaches the sink; after Release returns no further
// deliveries may originate from this registration.
type Source interface {
	RegisterSink(sink func(msg any)) (SourceHandle, error)
}

// SourceHandle owns one sink registration.
type SourceHandle interface {
	Release()
}

// ReleaseFunc adapts a plain function into a SourceHandle.
type ReleaseFunc func()

// Release invokes the wrapped function.
func (f ReleaseFunc) Release() {
	if f != nil {
		f()
	}
}

// ErrSourceCount reports a ConnectInputs call whose source count does not
// match the synchronizer arity.
var ErrSourceCount = errors.New("source count must match channel count")

// ConnectInputs binds source i as channel i, releasing any previous bindings
// first so the same upstream event is never delivered through both an old and
// a new sink. On error every handle installed so far is released and no
// binding remains.
func (s *Synchronizer) ConnectInputs(sources ...Source) error {
	if s == nil {
		return errors.New("nil synchronizer")
	}
	if len(sources) != len(s.channels) {
		return fmt.Errorf("%w: got %d sources for %d channels", ErrSourceCount, len(sources), len(s.channels))
	}

	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	//1.- Release the old handles before installing anything new.
	for _, handle := range s.bindings {
		if handle != nil {
			handle.Release()
		}
	}
	s.bindings = nil

	//2.- Register a per-channel sink with each source, rolling back on failure.
	handles := make([]SourceHandle, 0, len(sources))
	for i, src := range sources {
		if src == nil {
			releaseAll(handles)
			return fmt.Errorf("source for channel %d is nil", i)
		}
		channel := i
		handle, err := src.RegisterSink(func(msg any) {
			_ = s.Add(channel, msg)
		})
		if err != nil {
			releaseAll(handles)
			return fmt.Errorf("bind channel %d: %w", i, err)
		}
		handles = append(handles, handle)
	}
	s.bindings = handles
	return nil
}

func releaseAll(handles []SourceHandle) {
	for _, handle := range handles {
		if handle != nil {
			handle.Release()
		}
	}
}
