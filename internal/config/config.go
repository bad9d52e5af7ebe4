// Package config loads the fusiond runtime configuration from environment
// variables, applying defaults and returning one descriptive error listing
// every invalid override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address fusiond listens on.
	DefaultAddr = ":43180"
	// DefaultQueueSize bounds the synchronizer pending table. Zero disables size eviction.
	DefaultQueueSize = 64
	// DefaultCacheSize is the per-channel history cache capacity. Zero disables the caches.
	DefaultCacheSize = 0
	// DefaultPingInterval controls the keepalive cadence for ingest WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound ingest frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultReplayKeep limits how many recorded bundles are retained on disk.
	DefaultReplayKeep = 8
	// DefaultDumpWindow bounds how frequently replay dump triggers may be requested.
	DefaultDumpWindow = time.Minute
	// DefaultDumpBurst sets how many replay dump requests may be made per window.
	DefaultDumpBurst = 1

	// DefaultLogLevel controls verbosity for fusiond logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fusiond.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// DefaultChannels is the channel layout used when none is configured.
var DefaultChannels = []string{"camera", "depth", "imu"}

// Config captures all runtime tunables for the fusiond service.
type Config struct {
	Address         string
	Channels        []string
	QueueSize       int
	CacheSize       int
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	IngestSecret    string
	AdminToken      string
	ReplayDirectory string
	ReplayKeep      int
	DumpWindow      time.Duration
	DumpBurst       int
	Logging         LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the fusiond configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("FUSION_ADDR", DefaultAddr),
		Channels:        parseList(os.Getenv("FUSION_CHANNELS")),
		QueueSize:       DefaultQueueSize,
		CacheSize:       DefaultCacheSize,
		AllowedOrigins:  parseList(os.Getenv("FUSION_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		IngestSecret:    strings.TrimSpace(os.Getenv("FUSION_INGEST_SECRET")),
		AdminToken:      strings.TrimSpace(os.Getenv("FUSION_ADMIN_TOKEN")),
		ReplayDirectory: strings.TrimSpace(os.Getenv("FUSION_REPLAY_DIR")),
		ReplayKeep:      DefaultReplayKeep,
		DumpWindow:      DefaultDumpWindow,
		DumpBurst:       DefaultDumpBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("FUSION_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("FUSION_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = append([]string(nil), DefaultChannels...)
	}

	var problems []string

	if len(cfg.Channels) < 2 || len(cfg.Channels) > 9 {
		problems = append(problems, fmt.Sprintf("FUSION_CHANNELS must list between 2 and 9 channels, got %d", len(cfg.Channels)))
	}
	if dup := firstDuplicate(cfg.Channels); dup != "" {
		problems = append(problems, fmt.Sprintf("FUSION_CHANNELS lists channel %q twice", dup))
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_QUEUE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FUSION_QUEUE_SIZE must be a non-negative integer, got %q", raw))
		} else {
			cfg.QueueSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_CACHE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FUSION_CACHE_SIZE must be a non-negative integer, got %q", raw))
		} else {
			cfg.CacheSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FUSION_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FUSION_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_REPLAY_KEEP")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FUSION_REPLAY_KEEP must be a positive integer, got %q", raw))
		} else {
			cfg.ReplayKeep = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FUSION_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.DumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FUSION_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.DumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FUSION_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FUSION_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FUSION_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FUSION_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FUSION_LOG_COMPRESS must be a boolean, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstDuplicate(values []string) string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			return value
		}
		seen[value] = struct{}{}
	}
	return ""
}
