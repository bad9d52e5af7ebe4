package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sensorfuse/fusiond/internal/timesync"
)

type stamped struct{ key timesync.Key }

func stampOf(msg any) timesync.Key { return msg.(*stamped).key }

func newSyncForMetrics(t *testing.T) *timesync.Synchronizer {
	t.Helper()
	s, err := timesync.NewSynchronizer(timesync.Config{
		QueueSize: 2,
		Channels: []timesync.Channel{
			{Name: "camera", Stamp: stampOf},
			{Name: "depth", Stamp: stampOf},
		},
	})
	if err != nil {
		t.Fatalf("NewSynchronizer failed: %v", err)
	}
	return s
}

func TestPipelineCountsFiresAndDrops(t *testing.T) {
	//1.- Wire the collectors and drive one fire plus one size eviction.
	s := newSyncForMetrics(t)
	reg := prometheus.NewRegistry()
	pipeline := NewPipeline(reg, s)
	release, err := pipeline.Observe(s)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer release()

	if err := s.Add(0, &stamped{key: 10}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(1, &stamped{key: 10}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, key := range []timesync.Key{20, 30, 40} {
		if err := s.Add(0, &stamped{key: key}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if got := testutil.ToFloat64(pipeline.FusedTotal); got != 1 {
		t.Fatalf("expected one fused tuple, got %v", got)
	}
	if got := testutil.ToFloat64(pipeline.DroppedTotal); got != 1 {
		t.Fatalf("expected one dropped slot, got %v", got)
	}

	//2.- The pending gauge reads through to live synchronizer state.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "fusion_pending_slots" {
			found = true
			if value := family.GetMetric()[0].GetGauge().GetValue(); value != 2 {
				t.Fatalf("expected two pending slots, got %v", value)
			}
		}
	}
	if !found {
		t.Fatalf("pending gauge not registered")
	}
}

func TestObserveReleaseStopsCounting(t *testing.T) {
	s := newSyncForMetrics(t)
	pipeline := NewPipeline(prometheus.NewRegistry(), s)
	release, err := pipeline.Observe(s)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	release()

	if err := s.Add(0, &stamped{key: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(1, &stamped{key: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := testutil.ToFloat64(pipeline.FusedTotal); got != 0 {
		t.Fatalf("released observer must not count, got %v", got)
	}
}
