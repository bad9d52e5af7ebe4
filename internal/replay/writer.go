// Package replay records fused tuples and dropped slots into compressed
// on-disk bundles for offline analysis, and loads them back. The synchronizer
// itself keeps no persistent state; a bundle is an observer artefact, written
// off the signal path so callbacks never block under the state lock.
package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"sensorfuse/fusiond/internal/timesync"
)

var bundleNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	fusedFileName    = "fused.bin.zst"
	dropsFileName    = "drops.jsonl.sz"
	manifestFileName = "manifest.json"

	// queueDepth bounds the record buffer between the signal callbacks and
	// the writer goroutine.
	queueDepth = 256
)

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version   int      `json:"version"`
	CreatedAt string   `json:"created_at"`
	Name      string   `json:"name"`
	Channels  []string `json:"channels"`
	FusedPath string   `json:"fused_path"`
	DropsPath string   `json:"drops_path"`
}

// Stats summarises writer throughput for monitoring endpoints.
type Stats struct {
	FusedRecords int64
	DropRecords  int64
	Lost         int64
	Bytes        int64
}

// Writer streams fusion artefacts into one bundle directory.
type Writer struct {
	mu         sync.Mutex
	dir        string
	channels   []string
	now        func() time.Time
	fusedFile  *os.File
	fusedZstd  *zstd.Encoder
	dropFile   *os.File
	dropSnappy *snappy.Writer
	stats      Stats
	closed     bool
}

// NewWriter prepares the bundle directory and opens the compressed sinks.
func NewWriter(root, name string, channels []string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if len(channels) == 0 {
		return nil, Manifest{}, fmt.Errorf("channel names must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := bundleNameCleaner.ReplaceAllString(name, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405.000000000Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	fusedFile, err := os.Create(filepath.Join(dir, fusedFileName))
	if err != nil {
		return nil, Manifest{}, err
	}
	fusedZstd, err := zstd.NewWriter(fusedFile)
	if err != nil {
		fusedFile.Close()
		return nil, Manifest{}, err
	}
	dropFile, err := os.Create(filepath.Join(dir, dropsFileName))
	if err != nil {
		fusedZstd.Close()
		fusedFile.Close()
		return nil, Manifest{}, err
	}
	dropSnappy := snappy.NewBufferedWriter(dropFile)

	manifest := Manifest{
		Version:   1,
		CreatedAt: created.Format(time.RFC3339Nano),
		Name:      cleaned,
		Channels:  append([]string(nil), channels...),
		FusedPath: fusedFileName,
		DropsPath: dropsFileName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, manifestFileName), data, 0o644)
	}
	if err != nil {
		dropSnappy.Close()
		dropFile.Close()
		fusedZstd.Close()
		fusedFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:        dir,
		channels:   append([]string(nil), channels...),
		now:        clock,
		fusedFile:  fusedFile,
		fusedZstd:  fusedZstd,
		dropFile:   dropFile,
		dropSnappy: dropSnappy,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// encodePayload serialises one message handle. Payloads implementing
// proto.Message archive via protojson; everything else via encoding/json.
func encodePayload(msg any) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	if pm, ok := msg.(proto.Message); ok {
		return protojson.Marshal(pm)
	}
	return json.Marshal(msg)
}

// RecordFused appends one completed tuple to the binary fused stream as a
// length-prefixed record: key, capture time, then one encoded payload per
// channel.
func (w *Writer) RecordFused(tuple timesync.Tuple) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	payloads, total, err := encodeAll(tuple.Messages)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	header := make([]byte, 8+8+2)
	binary.LittleEndian.PutUint64(header[0:8], uint64(tuple.Key))
	binary.LittleEndian.PutUint64(header[8:16], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint16(header[16:18], uint16(len(payloads)))
	if _, err := w.fusedZstd.Write(header); err != nil {
		return err
	}
	for _, payload := range payloads {
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
		if _, err := w.fusedZstd.Write(size[:]); err != nil {
			return err
		}
		if _, err := w.fusedZstd.Write(payload); err != nil {
			return err
		}
	}
	w.stats.FusedRecords++
	w.stats.Bytes += int64(total)
	return nil
}

// dropLine is the JSONL schema of the drops stream. Absent channel positions
// encode as null payloads.
type dropLine struct {
	KeyNano    int64             `json:"key_ns"`
	CapturedAt string            `json:"captured_at"`
	Payloads   []json.RawMessage `json:"payloads"`
}

// RecordDrop appends one evicted partial tuple to the drops stream.
func (w *Writer) RecordDrop(tuple timesync.Tuple) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	payloads, total, err := encodeAll(tuple.Messages)
	if err != nil {
		return err
	}

	line := dropLine{
		KeyNano:    int64(tuple.Key),
		CapturedAt: captured.Format(time.RFC3339Nano),
		Payloads:   make([]json.RawMessage, len(payloads)),
	}
	for i, payload := range payloads {
		if payload != nil {
			line.Payloads[i] = json.RawMessage(payload)
		}
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if _, err := w.dropSnappy.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := w.dropSnappy.Flush(); err != nil {
		return err
	}
	w.stats.DropRecords++
	w.stats.Bytes += int64(total)
	return nil
}

func encodeAll(messages []any) ([][]byte, int, error) {
	payloads := make([][]byte, len(messages))
	total := 0
	for i, msg := range messages {
		data, err := encodePayload(msg)
		if err != nil {
			return nil, 0, fmt.Errorf("encode channel %d payload: %w", i, err)
		}
		payloads[i] = data
		total += len(data)
	}
	return payloads, total, nil
}

// Stats returns a copy of the writer counters.
func (w *Writer) Stats() Stats {
	if w == nil {
		return Stats{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

type recordJob struct {
	tuple timesync.Tuple
	drop  bool
}

// Attach subscribes the writer to both synchronizer signals. Records are
// handed to a dedicated goroutine through a bounded queue so the signal
// callbacks stay non-blocking; overflow is counted as lost instead of
// stalling the synchronizer.
func (w *Writer) Attach(s *timesync.Synchronizer) (func(), error) {
	if w == nil {
		return nil, fmt.Errorf("writer not initialised")
	}
	jobs := make(chan recordJob, queueDepth)
	done := make(chan struct{})

	enqueue := func(job recordJob) {
		select {
		case jobs <- job:
		default:
			w.mu.Lock()
			w.stats.Lost++
			w.mu.Unlock()
		}
	}
	outSub, err := s.RegisterCallback(func(tuple timesync.Tuple) {
		enqueue(recordJob{tuple: tuple})
	})
	if err != nil {
		return nil, err
	}
	dropSub, err := s.RegisterDropCallback(func(tuple timesync.Tuple) {
		enqueue(recordJob{tuple: tuple, drop: true})
	})
	if err != nil {
		outSub.Release()
		return nil, err
	}

	go func() {
		defer close(done)
		for job := range jobs {
			if job.drop {
				_ = w.RecordDrop(job.tuple)
			} else {
				_ = w.RecordFused(job.tuple)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			outSub.Release()
			dropSub.Release()
			close(jobs)
			<-done
		})
	}, nil
}

// Close flushes and releases the bundle sinks, surfacing the first failure.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.fusedZstd.Close(); err != nil {
		firstErr = err
	}
	if err := w.fusedFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.dropSnappy.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.dropFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
