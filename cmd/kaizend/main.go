package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/serene-brew/kaizen-app-sub000/internal/catalog"
	"github.com/serene-brew/kaizen-app-sub000/internal/config"
	"github.com/serene-brew/kaizen-app-sub000/internal/downloader"
	"github.com/serene-brew/kaizen-app-sub000/internal/gallery"
	"github.com/serene-brew/kaizen-app-sub000/internal/http/rest"
	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
	"github.com/serene-brew/kaizen-app-sub000/internal/notifier"
	"github.com/serene-brew/kaizen-app-sub000/internal/queue"
	"github.com/serene-brew/kaizen-app-sub000/internal/storage"
	"github.com/serene-brew/kaizen-app-sub000/internal/storage/jsonstore"
	"github.com/serene-brew/kaizen-app-sub000/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	slog.Info("kaizen download daemon starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg, tel); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Start Store
	store := storage.NewInstrumentedStore(
		jsonstore.New(filepath.Join(cfg.DownloadDir, cfg.StatePath), cfg.StateNamespace, cfg.SaveDebounce, logger),
		tel,
	)
	defer store.Close()

	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load download state: %w", err)
	}

	logger.Info("download state loaded", "items", len(store.List()))

	// =========================================================================
	// Start Download Pipeline
	engine := downloader.NewEngine(http.DefaultClient, cfg.ProgressInterval)
	rec := queue.NewReconciler(store, cfg.ReconcileThrottle)

	manager := queue.NewManager(store, engine, rec, buildGallerySink(cfg), buildNotifier(cfg), tel, queue.Options{
		DownloadDir:   cfg.DownloadDir,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRestarts:   cfg.MaxRestarts,
		NotifyStep:    cfg.NotifyStep,
	})

	auditor := queue.NewAuditor(store, rec, manager, tel, cfg.AuditSettleDelay, cfg.AuditInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)

		return nil
	})
	g.Go(func() error {
		auditor.Run(gctx)

		return nil
	})

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, cfg, tel)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrent,
		"audit_interval", cfg.AuditInterval.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := g.Wait(); err != nil {
			logger.Error("pipeline shutdown error", "err", err)
		}

		if err := store.Flush(shutdownCtx); err != nil {
			logger.Error("failed to flush download state", "err", err)
		}

		return nil
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.WebhookURL != "" {
		return &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	return notifier.Nop{}
}

func buildGallerySink(cfg *config.Config) queue.GallerySink {
	if cfg.GalleryRoot == "" {
		return nil
	}

	return gallery.NewSink(
		gallery.NewFSLibrary(cfg.GalleryRoot),
		gallery.GrantedPermissions{},
		cfg.GalleryAlbum,
		cfg.StagingDir,
	)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *queue.Manager, cfg *config.Config, tel *telemetry.Telemetry) *http.Server {
	var resolver rest.CatalogResolver
	if cfg.CatalogBaseURL != "" {
		resolver = catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogToken)
	}

	handler := rest.NewDownloadsHandler(manager, resolver)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", handler.Routes())

	if metricsHandler := tel.PrometheusHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
