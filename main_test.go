package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	configpkg "sensorfuse/fusiond/internal/config"
	"sensorfuse/fusiond/internal/logging"
)

func testConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	return &configpkg.Config{
		Address:         ":0",
		Channels:        []string{"camera", "depth"},
		QueueSize:       16,
		MaxPayloadBytes: 1 << 20,
		PingInterval:    time.Second,
		ReplayKeep:      2,
		DumpWindow:      time.Minute,
		DumpBurst:       1,
	}
}

func TestNewDaemonAssemblesPipeline(t *testing.T) {
	//1.- A bare configuration wires the synchronizer and ingest feeds.
	d, err := newDaemon(testConfig(t), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	defer d.shutdown()

	if d.sync.Arity() != 2 {
		t.Fatalf("expected arity 2, got %d", d.sync.Arity())
	}
	if d.ingest.Feed("camera") == nil || d.ingest.Feed("depth") == nil {
		t.Fatalf("ingest feeds missing")
	}
	if d.StartupError() != nil {
		t.Fatalf("unexpected startup error: %v", d.StartupError())
	}
}

func TestDaemonCachesInterposeWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheSize = 8
	d, err := newDaemon(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	defer d.shutdown()

	if len(d.caches) != 2 {
		t.Fatalf("expected one cache per channel, got %d", len(d.caches))
	}
}

func TestDumpReplayRotatesBundle(t *testing.T) {
	//1.- With recording enabled, a dump finishes one bundle and opens the next.
	cfg := testConfig(t)
	cfg.ReplayDirectory = t.TempDir()
	d, err := newDaemon(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	defer d.shutdown()

	first, err := d.DumpReplay(context.Background())
	if err != nil {
		t.Fatalf("DumpReplay failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(first, "manifest.json")); err != nil {
		t.Fatalf("finished bundle incomplete: %v", err)
	}

	//2.- The replacement bundle starts with empty recording counters.
	if stats := d.recordingStats(); stats.FusedRecords != 0 {
		t.Fatalf("fresh bundle should start empty: %+v", stats)
	}
}

func TestMuxServesOperationalEndpoints(t *testing.T) {
	d, err := newDaemon(testConfig(t), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	defer d.shutdown()
	ts := httptest.NewServer(d.mux())
	defer ts.Close()

	for _, path := range []string{"/livez", "/readyz", "/statz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s returned %d", path, resp.StatusCode)
		}
	}

	//1.- The dump endpoint reports 404 while recording is disabled.
	resp, err := http.Post(ts.URL+"/replay/dump", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /replay/dump failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without recording, got %d", resp.StatusCode)
	}
}
