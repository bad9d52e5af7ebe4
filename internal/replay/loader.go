package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"sensorfuse/fusiond/internal/timesync"
)

// Record is one replay datum ready for deterministic iteration: either a
// fused tuple or a dropped partial, in both cases as raw encoded payloads
// indexed by channel (nil for absent positions).
type Record struct {
	Key        timesync.Key
	CapturedAt time.Time
	Dropped    bool
	Payloads   []json.RawMessage
}

// Bundle rehydrates one recorded session for validation workflows.
type Bundle struct {
	Manifest Manifest
	records  []Record
}

// Load reads a bundle directory written by Writer.
func Load(dir string) (*Bundle, error) {
	if dir == "" {
		return nil, fmt.Errorf("bundle directory must be provided")
	}
	manifestData, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	fused, err := loadFused(filepath.Join(dir, manifest.FusedPath))
	if err != nil {
		return nil, fmt.Errorf("load fused stream: %w", err)
	}
	drops, err := loadDrops(filepath.Join(dir, manifest.DropsPath))
	if err != nil {
		return nil, fmt.Errorf("load drops stream: %w", err)
	}

	records := append(fused, drops...)
	//1.- Order by key, fuses ahead of drops at equal keys, for stable iteration.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Key == records[j].Key {
			return !records[i].Dropped && records[j].Dropped
		}
		return records[i].Key < records[j].Key
	})
	return &Bundle{Manifest: manifest, records: records}, nil
}

func loadFused(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	reader := bufio.NewReader(decoder)

	var records []Record
	for {
		header := make([]byte, 8+8+2)
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("truncated fused record header")
			}
			return nil, err
		}
		record := Record{
			Key:        timesync.Key(binary.LittleEndian.Uint64(header[0:8])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC(),
		}
		count := int(binary.LittleEndian.Uint16(header[16:18]))
		record.Payloads = make([]json.RawMessage, count)
		for i := 0; i < count; i++ {
			var size [4]byte
			if _, err := io.ReadFull(reader, size[:]); err != nil {
				return nil, fmt.Errorf("truncated fused payload length: %w", err)
			}
			length := binary.LittleEndian.Uint32(size[:])
			if length == 0 {
				continue
			}
			payload := make([]byte, length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return nil, fmt.Errorf("truncated fused payload: %w", err)
			}
			record.Payloads[i] = payload
		}
		records = append(records, record)
	}
}

func loadDrops(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry dropLine
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse drop line: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, entry.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse drop captured_at: %w", err)
		}
		for i, payload := range entry.Payloads {
			if string(payload) == "null" {
				entry.Payloads[i] = nil
			}
		}
		records = append(records, Record{
			Key:        timesync.Key(entry.KeyNano),
			CapturedAt: captured,
			Dropped:    true,
			Payloads:   entry.Payloads,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Records exposes a defensive copy of the ordered timeline.
func (b *Bundle) Records() []Record {
	if b == nil {
		return nil
	}
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Replay iterates over the loaded records in deterministic order.
func (b *Bundle) Replay(apply func(Record) error) error {
	if b == nil {
		return fmt.Errorf("bundle not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, record := range b.records {
		if err := apply(record); err != nil {
			return err
		}
	}
	return nil
}
