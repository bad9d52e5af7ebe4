package logging

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sensorfuse/fusiond/internal/config"
)

func fileConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	return config.LoggingConfig{
		Level:      "debug",
		Path:       filepath.Join(t.TempDir(), "fusiond.log"),
		MaxSizeMB:  1,
		MaxBackups: 2,
		MaxAgeDays: 1,
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"":        InfoLevel,
		"Warning": WarnLevel,
		" error ": ErrorLevel,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level rejection")
	}
}

func TestLoggerWritesJSONLines(t *testing.T) {
	//1.- Log through a file-backed logger and decode what landed on disk.
	cfg := fileConfig(t)
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.With(String("channel", "camera")).Info("frame accepted", Int("bytes", 42))
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "frame accepted" || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["service"] != "fusiond" || entry["channel"] != "camera" || entry["bytes"] != float64(42) {
		t.Fatalf("bound fields missing: %v", entry)
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	cfg := fileConfig(t)
	cfg.Level = "error"
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Debug("suppressed")
	logger.Info("suppressed too")
	logger.Error("kept")
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	file, err := os.Open(cfg.Path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()
	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines++
		}
	}
	if lines != 1 {
		t.Fatalf("expected one surviving line, got %d", lines)
	}
}

func TestRotationTruncatesInPlace(t *testing.T) {
	//1.- Drive the log file directly past its 1MB limit.
	cfg := fileConfig(t)
	cfg.Compress = false
	file, err := openLogFile(cfg)
	if err != nil {
		t.Fatalf("openLogFile failed: %v", err)
	}
	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1100; i++ {
		if _, err := file.Write(line); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := file.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	//2.- A backup exists and the live file was truncated, not replaced.
	backups, err := filepath.Glob(cfg.Path + "-*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) == 0 {
		t.Fatalf("expected at least one rotation backup")
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		t.Fatalf("stat live file: %v", err)
	}
	if info.Size() > int64(cfg.MaxSizeMB)<<20 {
		t.Fatalf("live file never truncated: %d bytes", info.Size())
	}
}

func TestTraceHandlerTagsRequests(t *testing.T) {
	handler := TraceHandler(NewTestLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == L() {
			t.Errorf("request logger not installed in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	//1.- An inbound trace ID is echoed back verbatim.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ingest/camera", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(TraceIDHeader) != "trace-123" {
		t.Fatalf("inbound trace id not echoed: %q", rec.Header().Get(TraceIDHeader))
	}

	//2.- Requests without one get a generated ID.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ingest/camera", nil))
	if rec.Header().Get(TraceIDHeader) == "" {
		t.Fatalf("expected a generated trace id")
	}
}
