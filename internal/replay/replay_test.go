package replay

import (
	"encoding/json"
	"testing"
	"time"

	"sensorfuse/fusiond/internal/logging"
	"sensorfuse/fusiond/internal/msgs"
	"sensorfuse/fusiond/internal/timesync"
)

var testChannels = []string{"camera", "depth"}

func fixedClock(t *testing.T) func() time.Time {
	t.Helper()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func TestWriterLoaderRoundTrip(t *testing.T) {
	//1.- Record one fused tuple and one drop, then load the bundle back.
	root := t.TempDir()
	writer, manifest, err := NewWriter(root, "bench rig #1", testChannels, fixedClock(t))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if manifest.Name != "benchrig1" {
		t.Fatalf("bundle name not cleaned: %q", manifest.Name)
	}

	fused := timesync.Tuple{Key: 100, Messages: []any{
		&msgs.Frame{Kind: msgs.KindCamera, StampNano: 100},
		&msgs.Frame{Kind: msgs.KindDepth, StampNano: 100},
	}}
	if err := writer.RecordFused(fused); err != nil {
		t.Fatalf("RecordFused failed: %v", err)
	}
	drop := timesync.Tuple{Key: 40, Messages: []any{
		&msgs.Frame{Kind: msgs.KindCamera, StampNano: 40},
		nil,
	}}
	if err := writer.RecordDrop(drop); err != nil {
		t.Fatalf("RecordDrop failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stats := writer.Stats()
	if stats.FusedRecords != 1 || stats.DropRecords != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	bundle, err := Load(writer.Directory())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	records := bundle.Records()
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}

	//2.- Records come back ordered by key: the drop at 40 before the fuse at 100.
	if !records[0].Dropped || records[0].Key != 40 {
		t.Fatalf("expected drop at key 40 first, got %+v", records[0])
	}
	if records[0].Payloads[0] == nil || records[0].Payloads[1] != nil {
		t.Fatalf("drop payload positions wrong: %+v", records[0].Payloads)
	}
	if records[1].Dropped || records[1].Key != 100 {
		t.Fatalf("expected fuse at key 100 second, got %+v", records[1])
	}

	//3.- Payloads survive the compression round trip byte-comparably.
	var frame msgs.Frame
	if err := json.Unmarshal(records[1].Payloads[1], &frame); err != nil {
		t.Fatalf("decode recorded payload: %v", err)
	}
	if frame.Kind != msgs.KindDepth || frame.StampNano != 100 {
		t.Fatalf("recorded payload mangled: %+v", frame)
	}
}

func TestWriterAttachRecordsSignals(t *testing.T) {
	//1.- Attach the writer to a live synchronizer and drive a fire and a drop.
	root := t.TempDir()
	writer, _, err := NewWriter(root, "attached", testChannels, fixedClock(t))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	sync2, err := timesync.NewSynchronizer(timesync.Config{
		QueueSize: 1,
		Channels: []timesync.Channel{
			{Name: "camera", Stamp: msgs.StampFrame},
			{Name: "depth", Stamp: msgs.StampFrame},
		},
	})
	if err != nil {
		t.Fatalf("NewSynchronizer failed: %v", err)
	}
	release, err := writer.Attach(sync2)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := sync2.Add(0, &msgs.Frame{StampNano: 10}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sync2.Add(1, &msgs.Frame{StampNano: 10}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Overflow the bound of one so key 20 is evicted by key 30.
	if err := sync2.Add(0, &msgs.Frame{StampNano: 20}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sync2.Add(0, &msgs.Frame{StampNano: 30}); err != nil {
		t.Fatalf("add: %v", err)
	}

	//2.- Release drains the queue before returning, making counts deterministic.
	release()
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stats := writer.Stats()
	if stats.FusedRecords != 1 {
		t.Fatalf("expected one fused record, got %d", stats.FusedRecords)
	}
	if stats.DropRecords != 1 {
		t.Fatalf("expected one drop record, got %d", stats.DropRecords)
	}
}

func TestCleanerPrunesOldBundles(t *testing.T) {
	//1.- Write three bundles and retain only the newest two.
	root := t.TempDir()
	times := []time.Time{
		time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	for _, stamp := range times {
		instant := stamp
		writer, _, err := NewWriter(root, "run", testChannels, func() time.Time { return instant })
		if err != nil {
			t.Fatalf("NewWriter failed: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	cleaner := NewCleaner(root, RetentionPolicy{MaxBundles: 2}, logging.NewTestLogger())
	cleaner.RunOnce()

	stats := cleaner.Stats()
	if stats.Bundles != 2 {
		t.Fatalf("expected two retained bundles, got %d", stats.Bundles)
	}
}
