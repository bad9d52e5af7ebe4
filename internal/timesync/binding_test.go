package timesync

import (
	"sync"
	"testing"
)

// fakeSource is an in-memory Source that delivers pushed messages to every
// registered sink synchronously.
type fakeSource struct {
	mu    sync.Mutex
	next  int
	sinks map[int]func(msg any)
}

func newFakeSource() *fakeSource {
	return &fakeSource{sinks: make(map[int]func(msg any))}
}

func (f *fakeSource) RegisterSink(sink func(msg any)) (SourceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.sinks[id] = sink
	return ReleaseFunc(func() {
		f.mu.Lock()
		delete(f.sinks, id)
		f.mu.Unlock()
	}), nil
}

func (f *fakeSource) push(msg any) {
	f.mu.Lock()
	sinks := make([]func(msg any), 0, len(f.sinks))
	for _, sink := range f.sinks {
		sinks = append(sinks, sink)
	}
	f.mu.Unlock()
	for _, sink := range sinks {
		sink(msg)
	}
}

func (f *fakeSource) sinkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

func TestConnectInputsDeliversPerChannel(t *testing.T) {
	//1.- Bind two fake sources and complete a key through them.
	s := newPairSynchronizer(t, 10)
	fired, _ := attachRecorders(t, s)
	left := newFakeSource()
	right := newFakeSource()
	if err := s.ConnectInputs(left, right); err != nil {
		t.Fatalf("ConnectInputs failed: %v", err)
	}

	left.push(&sample{Stamp: 4})
	right.push(&sample{Stamp: 4})

	tuples := fired.snapshot()
	if len(tuples) != 1 || tuples[0].Key != 4 {
		t.Fatalf("expected one fire at key 4, got %+v", tuples)
	}
}

func TestConnectInputsRejectsWrongCount(t *testing.T) {
	s := newPairSynchronizer(t, 10)
	if err := s.ConnectInputs(newFakeSource()); err == nil {
		t.Fatalf("expected source count mismatch error")
	}
}

func TestRebindReleasesOldHandlesFirst(t *testing.T) {
	//1.- Bind, then rebind with fresh sources.
	s := newPairSynchronizer(t, 10)
	fired, _ := attachRecorders(t, s)
	oldLeft, oldRight := newFakeSource(), newFakeSource()
	if err := s.ConnectInputs(oldLeft, oldRight); err != nil {
		t.Fatalf("ConnectInputs failed: %v", err)
	}
	newLeft, newRight := newFakeSource(), newFakeSource()
	if err := s.ConnectInputs(newLeft, newRight); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}

	//2.- The old sources must have no live sinks left; pushes through them go nowhere.
	if oldLeft.sinkCount() != 0 || oldRight.sinkCount() != 0 {
		t.Fatalf("old sources still hold sinks after rebind")
	}
	oldLeft.push(&sample{Stamp: 1})
	oldRight.push(&sample{Stamp: 1})
	if len(fired.snapshot()) != 0 {
		t.Fatalf("released bindings must not deliver")
	}

	newLeft.push(&sample{Stamp: 2})
	newRight.push(&sample{Stamp: 2})
	if len(fired.snapshot()) != 1 {
		t.Fatalf("new bindings should deliver")
	}
}

func TestCloseReleasesBindings(t *testing.T) {
	s := newPairSynchronizer(t, 10)
	left, right := newFakeSource(), newFakeSource()
	if err := s.ConnectInputs(left, right); err != nil {
		t.Fatalf("ConnectInputs failed: %v", err)
	}
	s.Close()
	if left.sinkCount() != 0 || right.sinkCount() != 0 {
		t.Fatalf("close must release every binding")
	}
}
