// Package httpapi bundles the fusiond operational HTTP surface: liveness,
// readiness, pipeline statistics, and the replay dump trigger.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"sensorfuse/fusiond/internal/ingest"
	"sensorfuse/fusiond/internal/logging"
	"sensorfuse/fusiond/internal/replay"
	"sensorfuse/fusiond/internal/timesync"
)

// ReadinessProvider exposes daemon state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// ReplayDumper rotates the active recording and returns the finished bundle location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Pipeline    func() timesync.Stats
	Ingest      func() ingest.Stats
	Recording   func() replay.Stats
	Storage     func() replay.StorageStats
	Replay      ReplayDumper
	AdminToken  string
	RateLimiter RateLimiter
	Metrics     http.Handler
	TimeSource  func() time.Time
}

// HandlerSet bundles the fusiond operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	pipeline    func() timesync.Stats
	ingest      func() ingest.Stats
	recording   func() replay.Stats
	storage     func() replay.StorageStats
	replay      ReplayDumper
	adminToken  string
	rateLimiter RateLimiter
	metrics     http.Handler
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		pipeline:    opts.Pipeline,
		ingest:      opts.Ingest,
		recording:   opts.Recording,
		storage:     opts.Storage,
		replay:      opts.Replay,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		metrics:     opts.Metrics,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/statz", h.StatsHandler())
	mux.HandleFunc("/replay/dump", h.ReplayDumpHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
}

// LivenessHandler reports that the process event loop is responsive.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler reports whether the pipeline finished starting up.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.readiness == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unknown"})
			return
		}
		if err := h.readiness.StartupError(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(h.readiness.Uptime().Seconds()),
		})
	}
}

type statsPayload struct {
	GeneratedAt string               `json:"generated_at"`
	Pipeline    *pipelineStats       `json:"pipeline,omitempty"`
	Ingest      *ingest.Stats        `json:"ingest,omitempty"`
	Recording   *replay.Stats        `json:"recording,omitempty"`
	Storage     *replay.StorageStats `json:"storage,omitempty"`
}

type pipelineStats struct {
	Name         string `json:"name,omitempty"`
	Pending      int    `json:"pending"`
	Fused        uint64 `json:"fused"`
	Dropped      uint64 `json:"dropped"`
	WatermarkNS  int64  `json:"watermark_ns,omitempty"`
	HasWatermark bool   `json:"has_watermark"`
}

// StatsHandler reports cumulative pipeline, ingest, and recording statistics.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := statsPayload{GeneratedAt: h.now().UTC().Format(time.RFC3339Nano)}
		if h.pipeline != nil {
			stats := h.pipeline()
			payload.Pipeline = &pipelineStats{
				Name:         stats.Name,
				Pending:      stats.Pending,
				Fused:        stats.Fired,
				Dropped:      stats.Dropped,
				WatermarkNS:  int64(stats.Watermark),
				HasWatermark: stats.HasWatermark,
			}
		}
		if h.ingest != nil {
			stats := h.ingest()
			payload.Ingest = &stats
		}
		if h.recording != nil {
			stats := h.recording()
			payload.Recording = &stats
		}
		if h.storage != nil {
			stats := h.storage()
			payload.Storage = &stats
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// ReplayDumpHandler rotates the active recording bundle on demand. The
// endpoint requires the admin token and is rate limited.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.replay == nil {
			http.Error(w, "replay recording disabled", http.StatusNotFound)
			return
		}
		if !h.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			h.logger.Error("replay dump failed", logging.Error(err))
			http.Error(w, "dump failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"bundle": location})
	}
}

func (h *HandlerSet) authorized(r *http.Request) bool {
	if h.adminToken == "" {
		return true
	}
	presented := strings.TrimSpace(r.Header.Get("Authorization"))
	presented = strings.TrimPrefix(presented, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) == 1
}
