// Command fusiond runs a timestamp-fusion pipeline: it accepts stamped
// sensor frames over per-channel ingest endpoints, synchronizes them into
// complete tuples, and exposes the results to observers (metrics, recording
// bundles, operational endpoints).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorfuse/fusiond/internal/auth"
	configpkg "sensorfuse/fusiond/internal/config"
	"sensorfuse/fusiond/internal/httpapi"
	"sensorfuse/fusiond/internal/ingest"
	"sensorfuse/fusiond/internal/logging"
	"sensorfuse/fusiond/internal/metrics"
	"sensorfuse/fusiond/internal/msgs"
	"sensorfuse/fusiond/internal/replay"
	"sensorfuse/fusiond/internal/timesync"
)

const shutdownGrace = 10 * time.Second

// daemon owns the assembled pipeline and its teardown order.
type daemon struct {
	cfg      *configpkg.Config
	log      *logging.Logger
	sync     *timesync.Synchronizer
	ingest   *ingest.Server
	pipeline *metrics.Pipeline
	registry *prometheus.Registry
	cleaner  *replay.Cleaner
	caches   []*timesync.Cache
	releases []func()

	started    time.Time
	startupErr error

	replayMu sync.Mutex
	writer   *replay.Writer
	attached func()
}

// newDaemon assembles the pipeline from configuration without starting any
// listener, so tests can exercise the wiring directly.
func newDaemon(cfg *configpkg.Config, logger *logging.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logger, started: time.Now()}

	//1.- The synchronizer fuses the configured channels on the frame stamp.
	channels := make([]timesync.Channel, len(cfg.Channels))
	for i, name := range cfg.Channels {
		channels[i] = timesync.Channel{Name: name, Stamp: msgs.StampFrame}
	}
	synchronizer, err := timesync.NewSynchronizer(timesync.Config{
		Name:      "fusiond",
		QueueSize: cfg.QueueSize,
		Channels:  channels,
	})
	if err != nil {
		return nil, fmt.Errorf("build synchronizer: %w", err)
	}
	d.sync = synchronizer

	//2.- Ingest turns remote producers into channel sources.
	var keeper *auth.TokenKeeper
	if cfg.IngestSecret != "" {
		keeper, err = auth.NewTokenKeeper(cfg.IngestSecret, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("build ingest auth: %w", err)
		}
	}
	ingestServer, err := ingest.NewServer(ingest.Options{
		Logger:          logger,
		Channels:        cfg.Channels,
		Keeper:          keeper,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build ingest server: %w", err)
	}
	d.ingest = ingestServer

	//3.- Optionally interpose a history cache per channel.
	sources := ingestServer.Sources()
	if cfg.CacheSize > 0 {
		cached := make([]timesync.Source, len(sources))
		for i, source := range sources {
			cache, err := timesync.NewCache(cfg.CacheSize, msgs.StampFrame)
			if err != nil {
				return nil, fmt.Errorf("build cache for %s: %w", cfg.Channels[i], err)
			}
			if err := cache.Connect(source); err != nil {
				return nil, fmt.Errorf("connect cache for %s: %w", cfg.Channels[i], err)
			}
			d.caches = append(d.caches, cache)
			cached[i] = cache
		}
		sources = cached
	}
	if err := synchronizer.ConnectInputs(sources...); err != nil {
		return nil, fmt.Errorf("connect inputs: %w", err)
	}

	//4.- Metrics observe the signals and count per-channel arrivals.
	d.registry = prometheus.NewRegistry()
	d.pipeline = metrics.NewPipeline(d.registry, synchronizer)
	release, err := d.pipeline.Observe(synchronizer)
	if err != nil {
		return nil, fmt.Errorf("attach metrics: %w", err)
	}
	d.releases = append(d.releases, release)
	for _, name := range cfg.Channels {
		counter := d.pipeline.Arrivals.WithLabelValues(name)
		handle, err := ingestServer.Feed(name).RegisterSink(func(any) { counter.Inc() })
		if err != nil {
			return nil, fmt.Errorf("attach arrival counter for %s: %w", name, err)
		}
		d.releases = append(d.releases, handle.Release)
	}

	//5.- Recording is optional; the cleaner prunes old bundles alongside it.
	if cfg.ReplayDirectory != "" {
		if err := d.startRecording(); err != nil {
			return nil, fmt.Errorf("start recording: %w", err)
		}
		d.cleaner = replay.NewCleaner(cfg.ReplayDirectory, replay.RetentionPolicy{MaxBundles: cfg.ReplayKeep}, logger)
	}
	return d, nil
}

func (d *daemon) startRecording() error {
	writer, manifest, err := replay.NewWriter(d.cfg.ReplayDirectory, "fusiond", d.cfg.Channels, time.Now)
	if err != nil {
		return err
	}
	attached, err := writer.Attach(d.sync)
	if err != nil {
		_ = writer.Close()
		return err
	}
	d.replayMu.Lock()
	d.writer = writer
	d.attached = attached
	d.replayMu.Unlock()
	d.log.Info("recording bundle opened", logging.String("bundle", manifest.Name), logging.String("directory", writer.Directory()))
	return nil
}

// DumpReplay rotates the active bundle and returns the finished directory.
func (d *daemon) DumpReplay(ctx context.Context) (string, error) {
	d.replayMu.Lock()
	writer := d.writer
	attached := d.attached
	d.writer = nil
	d.attached = nil
	d.replayMu.Unlock()
	if writer == nil {
		return "", errors.New("recording not active")
	}

	//1.- Detach first so the drained queue makes the bundle complete, then
	// open the replacement before reporting the finished location.
	attached()
	finished := writer.Directory()
	if err := writer.Close(); err != nil {
		return "", err
	}
	if err := d.startRecording(); err != nil {
		return finished, fmt.Errorf("bundle rotated but restart failed: %w", err)
	}
	return finished, nil
}

// StartupError implements httpapi.ReadinessProvider.
func (d *daemon) StartupError() error {
	return d.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (d *daemon) Uptime() time.Duration {
	return time.Since(d.started)
}

func (d *daemon) recordingStats() replay.Stats {
	d.replayMu.Lock()
	defer d.replayMu.Unlock()
	if d.writer == nil {
		return replay.Stats{}
	}
	return d.writer.Stats()
}

// mux assembles the full HTTP surface: operational endpoints plus ingest.
func (d *daemon) mux() *http.ServeMux {
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      d.log,
		Readiness:   d,
		Pipeline:    d.sync.Stats,
		Ingest:      d.ingest.Stats,
		Recording:   d.recordingStats,
		Storage:     d.storageStats,
		Replay:      d.replayDumper(),
		AdminToken:  d.cfg.AdminToken,
		RateLimiter: httpapi.NewDumpLimiter(d.cfg.DumpWindow, d.cfg.DumpBurst, nil),
		Metrics:     promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}),
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle(ingest.PathPrefix, logging.TraceHandler(d.log, d.ingest.Handler()))
	return mux
}

func (d *daemon) replayDumper() httpapi.ReplayDumper {
	if d.cfg.ReplayDirectory == "" {
		return nil
	}
	return httpapi.ReplayDumperFunc(d.DumpReplay)
}

func (d *daemon) storageStats() replay.StorageStats {
	if d.cleaner == nil {
		return replay.StorageStats{}
	}
	return d.cleaner.Stats()
}

// shutdown tears the pipeline down in dependency order.
func (d *daemon) shutdown() {
	d.ingest.Close()
	for _, release := range d.releases {
		release()
	}
	d.replayMu.Lock()
	writer := d.writer
	attached := d.attached
	d.writer = nil
	d.attached = nil
	d.replayMu.Unlock()
	if attached != nil {
		attached()
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			d.log.Warn("recording close failed", logging.Error(err))
		}
	}
	for _, cache := range d.caches {
		cache.Close()
	}
	d.sync.Close()
}

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fusiond: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fusiond: logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Fatal("pipeline assembly failed", logging.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d.cleaner != nil {
		go d.cleaner.Run(ctx, time.Hour)
	}

	server := &http.Server{Addr: cfg.Address, Handler: d.mux()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("fusiond listening",
			logging.String("addr", cfg.Address),
			logging.Strings("channels", cfg.Channels),
			logging.Int("queue_size", cfg.QueueSize))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.startupErr = err
			logger.Error("listener failed", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	d.shutdown()
	logger.Info("fusiond stopped")
}
