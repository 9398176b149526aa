// Command vectory is the main entry point for the Vectory ingestion server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/vectory-io/vectory/internal/auth"
	"github.com/vectory-io/vectory/internal/config"
	"github.com/vectory-io/vectory/internal/health"
	"github.com/vectory-io/vectory/internal/ingest"
	"github.com/vectory-io/vectory/internal/ingest/parser"
	"github.com/vectory-io/vectory/internal/jobstore"
	"github.com/vectory-io/vectory/internal/observe"
	"github.com/vectory-io/vectory/internal/server"
	"github.com/vectory-io/vectory/pkg/blob"
	fsblob "github.com/vectory-io/vectory/pkg/blob/fs"
	s3blob "github.com/vectory-io/vectory/pkg/blob/s3"
	pgstore "github.com/vectory-io/vectory/pkg/vectorstore/postgres"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// logLevel is the process-wide log level. Kept as a LevelVar so a config
// reload can change verbosity without restarting.
var logLevel slog.LevelVar

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vectory: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vectory: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	slog.Info("vectory starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vectory",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Embeddings provider ───────────────────────────────────────────────────
	provider, err := config.DefaultRegistry().Create(cfg.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}
	slog.Info("embeddings provider created",
		"name", cfg.Embeddings.Name,
		"model", cfg.Embeddings.Model,
		"dimensions", provider.Dimensions(),
	)

	// ── PostgreSQL ────────────────────────────────────────────────────────────
	// The vector store owns its own pool so pgvector types are registered on
	// every connection; the job and auth stores share a plain pool.
	vectors, err := pgstore.NewStore(ctx, cfg.Database.PostgresDSN, provider.Dimensions())
	if err != nil {
		slog.Error("failed to connect vector store", "err", err)
		return 1
	}
	defer vectors.Close()

	pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to create postgres pool", "err", err)
		return 1
	}
	defer pool.Close()

	jobs := jobstore.NewPostgresStore(pool)
	if err := jobs.Migrate(ctx); err != nil {
		slog.Error("failed to migrate job store", "err", err)
		return 1
	}

	// ── Auth (optional) ───────────────────────────────────────────────────────
	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authStore := auth.NewPostgresStore(pool)
		if err := authStore.Migrate(ctx); err != nil {
			slog.Error("failed to migrate auth store", "err", err)
			return 1
		}
		issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
		authSvc = auth.NewService(authStore, issuer, logger)
		slog.Info("authentication enabled")
	}

	// ── Blob storage ──────────────────────────────────────────────────────────
	blobs, err := newBlobStore(cfg.Blob)
	if err != nil {
		slog.Error("failed to create blob store", "err", err)
		return 1
	}
	slog.Info("blob store ready", "backend", blobBackend(cfg.Blob))

	// ── Ingestion pipeline ────────────────────────────────────────────────────
	parsers := parser.NewRegistry(parser.Config{
		MaxContainerBytes: cfg.Ingest.MaxContainerBytes,
	})
	estimator := ingest.NewTokenEstimator(cfg.Ingest.TokenEncoding)
	limiter := ingest.NewRateLimiter(provider.Limits().RequestsPerMinute, cfg.Ingest.Workers)

	sched, err := ingest.NewScheduler(ingest.SchedulerConfig{
		Controller: ingest.ControllerConfig{
			Jobs:     jobs,
			Blobs:    blobs,
			Vectors:  vectors,
			Parsers:  parsers,
			Provider: provider,
			Limiter:  limiter,
			Batch: ingest.BatcherConfig{
				MaxAttempts:      cfg.Ingest.MaxAttempts,
				BaseDelay:        cfg.Ingest.BaseDelay.Std(),
				WindowSize:       cfg.Ingest.FailureWindow,
				FailureThreshold: cfg.Ingest.FailureThreshold,
				TruncateOversize: cfg.Ingest.TruncateOversize,
			},
			GroupSize:  cfg.Ingest.GroupSize,
			Estimator:  estimator,
			WindowSize: cfg.Ingest.WindowBytes,
			Timeout:    cfg.Ingest.JobTimeout.Std(),
			Logger:     logger,
			Metrics:    metrics,
		},
		Workers:      cfg.Ingest.Workers,
		PollInterval: cfg.Ingest.PollInterval.Std(),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to create scheduler", "err", err)
		return 1
	}
	sched.Start(ctx)
	defer sched.Close()

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.Postgres(pool),
		health.VectorStore(vectors),
		health.BlobStore(blobs),
	)

	srv, err := server.New(server.Options{
		Scheduler:      sched,
		Jobs:           jobs,
		Vectors:        vectors,
		Blobs:          blobs,
		Provider:       provider,
		Parsers:        parsers,
		Auth:           authSvc,
		Health:         checks,
		Metrics:        metrics,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config reload ─────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, onConfigChange)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("serving HTTPS", "addr", addr)
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("serving HTTP", "addr", addr)
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	sched.Close()

	slog.Info("goodbye")
	return 0
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

// newBlobStore builds the configured raw-upload backend.
func newBlobStore(cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case config.BlobS3:
		return s3blob.New(s3blob.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
	default:
		return fsblob.New(cfg.FS.Dir)
	}
}

func blobBackend(cfg config.BlobConfig) config.BlobBackend {
	if cfg.Backend == "" {
		return config.BlobFS
	}
	return cfg.Backend
}

// onConfigChange applies hot-reloadable settings from a freshly loaded
// config. Changes that touch wiring fixed at startup only produce a warning.
func onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(new.Server.LogLevel))
		slog.Info("log level changed", "level", new.Server.LogLevel)
	}
	if d.IngestTuningChanged {
		slog.Info("ingest tuning changed; new values apply to jobs claimed after the next restart")
	}
	if d.RequiresRestart {
		slog.Warn("config change requires a restart to take effect")
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
