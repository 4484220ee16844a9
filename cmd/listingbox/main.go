// Package main is the entry point for the listingbox server, which hosts the
// compress-and-copy and record-store functions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/listingbox/listingbox/internal/auth"
	"github.com/listingbox/listingbox/internal/config"
	"github.com/listingbox/listingbox/internal/handlers"
	"github.com/listingbox/listingbox/internal/logging"
	"github.com/listingbox/listingbox/internal/metrics"
	"github.com/listingbox/listingbox/internal/record"
	"github.com/listingbox/listingbox/internal/server"
	"github.com/listingbox/listingbox/internal/storage"
	"github.com/listingbox/listingbox/internal/writer"
)

func main() {
	defaultPath := os.Getenv(config.EnvConfigPath)
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8888)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	backendName := flag.String("backend", "", "storage backend: dropbox, gcs, azure, s3, memory (default: from config or dropbox)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *backendName != "" {
		cfg.Storage.Backend = *backendName
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	backend, tokens, err := newBackend(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	cred := auth.Credential{
		RefreshToken: cfg.Auth.RefreshToken,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
	}
	_, credentialOptional := tokens.(auth.StaticProvider)
	if !credentialOptional && !cred.Complete() {
		slog.Warn("Refresh credential incomplete; every request will fail until it is configured")
	}

	// One writer per process: the minimum interval is measured across every
	// upload this process makes, compressed images and records alike.
	w := writer.New(writer.Options{
		Backend:     backend,
		MinInterval: cfg.Writer.MinInterval.Std(),
		MaxAttempts: cfg.Writer.MaxAttempts,
		RetryUnit:   cfg.Writer.RetryUnit.Std(),
		Logger:      logger,
	})

	deps := handlers.Deps{
		Tokens:             tokens,
		Credential:         cred,
		CredentialOptional: credentialOptional,
		Backend:            backend,
		Writer:             w,
		Timeout:            cfg.Server.RequestTimeout.Std(),
		Logger:             logger,
	}
	merger := record.NewMerger(backend, w, logger)

	srv := server.New(cfg,
		server.WithCompressHandler(handlers.NewCompressHandler(deps)),
		server.WithRecordHandler(handlers.NewRecordHandler(deps, merger, cfg.Record.Path)),
		server.WithBackendName(backend.Name()),
		server.WithLogger(logger),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listingbox listening", "addr", addr, "prefix", cfg.Server.RoutePrefix, "backend", backend.Name())
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// newBackend builds the configured storage backend and the token provider
// that goes with it. Backends that do not take OAuth2 bearer tokens are
// paired with a static provider.
func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, auth.TokenProvider, error) {
	refresh := auth.NewRefreshProvider(cfg.Auth.TokenURL, auth.ParseAuthStyle(cfg.Auth.AuthStyle),
		auth.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		auth.WithLogger(logger),
	)
	static := auth.StaticProvider{Token: "unused"}

	switch cfg.Storage.Backend {
	case "gcs":
		gcs := cfg.Storage.GCS
		slog.Info("Storage backend initialized", "backend", "gcs", "bucket", gcs.Bucket, "prefix", gcs.Prefix)
		return storage.NewGCSBackend(gcs.Bucket, gcs.Prefix), refresh, nil
	case "azure":
		az := cfg.Storage.Azure
		slog.Info("Storage backend initialized", "backend", "azure", "container", az.Container, "account", az.AccountURL, "prefix", az.Prefix)
		return storage.NewAzureBackend(az.Container, az.AccountURL, az.Prefix), refresh, nil
	case "s3":
		s3 := cfg.Storage.S3
		backend, err := storage.NewS3Backend(ctx, storage.S3Options{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Prefix:          s3.Prefix,
			EndpointURL:     s3.EndpointURL,
			UsePathStyle:    s3.UsePathStyle,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initializing S3 storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "s3", "bucket", s3.Bucket, "region", s3.Region, "prefix", s3.Prefix)
		return backend, static, nil
	case "memory":
		slog.Info("Storage backend initialized", "backend", "memory")
		return storage.NewMemoryBackend(), static, nil
	default:
		slog.Info("Storage backend initialized", "backend", "dropbox", "content_url", cfg.Storage.Dropbox.ContentURL)
		return storage.NewDropboxBackend(cfg.Storage.Dropbox.ContentURL, &http.Client{Timeout: 5 * time.Minute}, logger), refresh, nil
	}
}
