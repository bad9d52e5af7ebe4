package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sensorfuse/fusiond/internal/config"
)

// logFile appends to a single log file and rotates it in place: once the
// file grows past the size limit its contents are copied into a timestamped
// backup and the live file is truncated. The file handle (and inode) never
// changes, so an external `tail -f` keeps working across rotations.
type logFile struct {
	path     string
	file     *os.File
	written  int64
	limit    int64
	keep     int
	maxAge   time.Duration
	compress bool
}

func openLogFile(cfg config.LoggingConfig) (*logFile, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("FUSION_LOG_PATH must not be empty")
	}
	if cfg.MaxSizeMB <= 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return nil, fmt.Errorf("log rotation bounds invalid: size=%dMB backups=%d age=%dd",
			cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &logFile{
		path:     path,
		file:     file,
		written:  info.Size(),
		limit:    int64(cfg.MaxSizeMB) << 20,
		keep:     cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress: cfg.Compress,
	}, nil
}

// Write appends one line, rotating first if it would exceed the size limit.
// Callers serialise writes through the logger mutex.
func (f *logFile) Write(p []byte) (int, error) {
	if f.written+int64(len(p)) > f.limit {
		if err := f.rotate(); err != nil {
			// Rotation failure must not lose the line; keep appending.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	n, err := f.file.Write(p)
	f.written += int64(n)
	return n, err
}

// Sync flushes the live file to durable storage.
func (f *logFile) Sync() error {
	if f == nil || f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// rotate copies the live file into a backup and truncates it in place.
func (f *logFile) rotate() error {
	name := fmt.Sprintf("%s-%s", f.path, time.Now().UTC().Format("20060102T150405.000"))
	if f.compress {
		name += ".gz"
	}
	if err := f.snapshotTo(name); err != nil {
		return err
	}
	if err := f.file.Truncate(0); err != nil {
		return err
	}
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	f.written = 0
	f.prune()
	return nil
}

// snapshotTo streams the current file contents into the backup file,
// gzipping on the way when compression is enabled.
func (f *logFile) snapshotTo(name string) error {
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()
	if !f.compress {
		_, err = io.Copy(dst, src)
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// prune drops backups beyond the retention count or age. Backup names embed
// a UTC timestamp, so lexical order is age order.
func (f *logFile) prune() {
	matches, err := filepath.Glob(f.path + "-*")
	if err != nil {
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	cutoff := time.Time{}
	if f.maxAge > 0 {
		cutoff = time.Now().Add(-f.maxAge)
	}
	for rank, name := range matches {
		stale := false
		if !cutoff.IsZero() {
			if info, err := os.Stat(name); err == nil && info.ModTime().Before(cutoff) {
				stale = true
			}
		}
		if stale || (f.keep > 0 && rank >= f.keep) {
			_ = os.Remove(name)
		}
	}
}
