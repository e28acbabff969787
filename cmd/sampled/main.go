// Command sampled runs the sample-metadata service daemon: it opens the
// configured storage backend, validates the metadata validator schema,
// runs the background consistency scrubber and snapshot archiver, and
// serves health and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"samplecore/internal/archive"
	"samplecore/internal/blob"
	"samplecore/internal/config"
	"samplecore/internal/core"
	"samplecore/pkg/metadata"
)

// zapLogger adapts a zap sugared logger to the service logging surface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

var _ core.Logger = zapLogger{}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	devLogging := flag.Bool("dev", false, "use human-readable development logging")
	flag.Parse()

	zl, err := buildZap(*devLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sampled: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zapLogger{s: zl.Sugar()}

	if err := run(context.Background(), *configPath, logger); err != nil {
		logger.Error("sampled exiting", "error", err)
		zl.Sync()
		os.Exit(1)
	}
}

func buildZap(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, configPath string, logger core.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Resolve the validator schema up front so a bad configuration fails
	// at boot rather than on the first save.
	validators, err := cfg.BuildValidators(metadata.DefaultRegistry())
	if err != nil {
		return fmt.Errorf("build validators: %w", err)
	}
	logger.Info("validator schema resolved",
		"keys", len(validators.Keys()), "prefixes", len(validators.PrefixKeys()))

	store, err := core.OpenStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("closing storage", "error", err)
			}
		}
	}()
	logger.Info("storage opened", "driver", cfg.Storage.Driver)

	promRec, err := core.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	metrics := []core.MetricsRecorder{promRec, core.NewExpvarMetricsRecorder("samples_service_metrics")}

	archiver, err := buildArchiver(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("build archiver: %w", err)
	}

	go scrubLoop(ctx, cfg.Scrubber, store, metrics, logger)
	if archiver != nil && cfg.Archive.Interval > 0 {
		go archiveLoop(ctx, cfg.Archive.Interval, archiver, metrics, logger)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newHandler(store),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func buildArchiver(ctx context.Context, cfg config.Config, store core.StorageEngine) (*archive.Archiver, error) {
	var (
		blobs blob.Store
		err   error
	)
	switch cfg.Archive.Driver {
	case "":
		return nil, nil
	case "fs":
		blobs, err = blob.NewFSStore(cfg.Archive.Root)
	case "s3":
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Region:    cfg.Archive.S3.Region,
			Bucket:    cfg.Archive.S3.Bucket,
			Endpoint:  cfg.Archive.S3.Endpoint,
			PathStyle: cfg.Archive.S3.PathStyle,
		})
	case "memory":
		blobs = blob.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown archive driver %s", cfg.Archive.Driver)
	}
	if err != nil {
		return nil, err
	}
	var opts []archive.Option
	if cfg.Archive.Prefix != "" {
		opts = append(opts, archive.WithPrefix(cfg.Archive.Prefix))
	}
	return archive.NewArchiver(store, blobs, opts...)
}

func observeAll(ctx context.Context, metrics []core.MetricsRecorder, op string, ok bool, d time.Duration) {
	for _, m := range metrics {
		m.Observe(ctx, op, ok, d)
	}
}

func scrubLoop(ctx context.Context, cfg config.ScrubberConfig, store core.StorageEngine,
	metrics []core.MetricsRecorder, logger core.Logger) {
	if cfg.Interval <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.DocsPerSecond), int(cfg.DocsPerSecond)+1)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := time.Now()
		report, err := store.Scrub(ctx, cfg.Grace, limiter)
		observeAll(ctx, metrics, "scrub", err == nil, time.Since(start))
		if err != nil {
			logger.Warn("scrub pass failed", "error", err)
			continue
		}
		if report.Patched > 0 || report.Orphaned > 0 {
			logger.Info("scrub pass completed",
				"patched", report.Patched, "orphaned", report.Orphaned)
		}
	}
}

func archiveLoop(ctx context.Context, interval time.Duration, archiver *archive.Archiver,
	metrics []core.MetricsRecorder, logger core.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := time.Now()
		info, err := archiver.Archive(ctx)
		observeAll(ctx, metrics, "archive", err == nil, time.Since(start))
		if err != nil {
			logger.Warn("snapshot archive failed", "error", err)
			continue
		}
		logger.Info("snapshot archived", "key", info.Key, "bytes", info.Size)
	}
}

func newHandler(store core.StorageEngine) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if err := store.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "unavailable", "error": err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
