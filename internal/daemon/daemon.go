// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the traced request service together: the tracing
// provider with its export pipeline, the local trace store with
// retention, the completion provider, and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/llmspan/llmspan/internal/config"
	"github.com/llmspan/llmspan/internal/daemon/api"
	"github.com/llmspan/llmspan/internal/daemon/auth"
	internallog "github.com/llmspan/llmspan/internal/log"
	"github.com/llmspan/llmspan/internal/service"
	"github.com/llmspan/llmspan/internal/tracing"
	"github.com/llmspan/llmspan/internal/tracing/storage"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/llm/providers"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the main llmspand process.
type Daemon struct {
	cfg          *config.Config
	opts         Options
	logger       *slog.Logger
	server       *http.Server
	otelProvider *tracing.OTelProvider
	store        *storage.SQLiteStore
	retention    *tracing.RetentionManager
	rateLimiter  *auth.RateLimiter

	mu      sync.Mutex
	started bool
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" || tracingCfg.ServiceVersion == "unknown" {
		tracingCfg.ServiceVersion = opts.Version
	}
	if !tracingCfg.Enabled {
		// Keep the provider wiring but record nothing
		tracingCfg.Sampling.Enabled = true
		tracingCfg.Sampling.Rate = 0
		tracingCfg.Sampling.AlwaysSampleErrors = false
	}

	ctx := context.Background()

	// Local trace store, if configured
	var store *storage.SQLiteStore
	var retention *tracing.RetentionManager
	var processors []sdktrace.TracerProviderOption

	if tracingCfg.Enabled && tracingCfg.Storage.Path != "" {
		var err error
		store, err = storage.New(storage.Config{
			Path:             tracingCfg.Storage.Path,
			EnableEncryption: os.Getenv(config.EnvTraceKey) != "",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open trace store: %w", err)
		}

		processors = append(processors, sdktrace.WithSpanProcessor(
			sdktrace.NewBatchSpanProcessor(tracing.NewStorageExporter(store),
				sdktrace.WithMaxExportBatchSize(tracingCfg.BatchSize),
				sdktrace.WithBatchTimeout(tracingCfg.BatchInterval),
			),
		))

		retention = tracing.NewRetentionManager(store, tracingCfg.Storage.Retention, time.Hour, logger)
	}

	// Remote exporters (OTLP, console)
	exportProcessors, err := tracing.CreateExportersFromConfig(ctx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporters: %w", err)
	}
	for _, p := range exportProcessors {
		processors = append(processors, sdktrace.WithSpanProcessor(p))
	}

	otelProvider, err := tracing.NewOTelProviderWithConfig(tracingCfg, processors...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	tracer := otelProvider.Tracer("llmspan")
	metrics := otelProvider.MetricsCollector()

	// Completion provider: OpenAI with retries, wrapped with tracing
	providerOpts := []providers.OpenAIOption{
		providers.WithModel(cfg.Model),
		providers.WithTimeout(cfg.RequestTimeout),
	}
	if cfg.OpenAI.BaseURL != "" {
		providerOpts = append(providerOpts, providers.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	openai, err := providers.NewOpenAIProvider(cfg.OpenAI.APIKey, providerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion provider: %w", err)
	}
	traced := tracing.WrapProviderWithMetrics(
		llm.NewRetryableProvider(openai, llm.DefaultRetryConfig()),
		tracer, metrics,
	)

	svc := service.New(traced, tracer, logger,
		service.WithModel(cfg.Model),
		service.WithTimeout(cfg.RequestTimeout),
		service.WithMetrics(metrics),
	)

	router := api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, svc, tracer, logger)
	router.SetMetricsCollector(metrics)
	router.SetMetricsHandler(otelProvider.MetricsHandler())
	router.SetTraceStore(store)

	// Middleware outside the router: rate limiting first so floods
	// never reach token verification, then bearer auth.
	rateLimiter := auth.NewRateLimiter(auth.RateLimitConfig{
		Enabled:           cfg.Auth.RateLimit.Enabled,
		RequestsPerSecond: cfg.Auth.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.Auth.RateLimit.BurstSize,
	})
	authenticator := auth.NewBearerAuthenticator(cfg.Auth.Token)

	handler := rateLimiter.Middleware(authenticator.Middleware(router))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	return &Daemon{
		cfg:          cfg,
		opts:         opts,
		logger:       logger,
		server:       server,
		otelProvider: otelProvider,
		store:        store,
		retention:    retention,
		rateLimiter:  rateLimiter,
	}, nil
}

// Start runs the daemon until ctx is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	// Derived context so background loops stop when Start returns for
	// any reason, not just caller cancellation.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.retention != nil {
		d.retention.Start()
	}

	// Drop idle rate limiter buckets periodically
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.rateLimiter.Cleanup(time.Hour)
			}
		}
	}()

	d.logger.Info("daemon starting",
		slog.String("addr", d.cfg.ListenAddr),
		slog.String("version", d.opts.Version),
		slog.Bool("tracing_enabled", d.cfg.Tracing.Enabled),
		slog.Bool("trace_store", d.store != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		cancel()
		<-cleanupDone
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := d.Shutdown(shutdownCtx)
	<-cleanupDone
	return err
}

// Shutdown stops the HTTP server and flushes pending spans. The
// sequence matters: stop accepting requests, stop retention, flush and
// shut down the tracer provider, then close the store last since the
// flush writes to it.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("daemon shutting down")

	var firstErr error

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("HTTP server shutdown failed", internallog.Error(err))
		firstErr = err
	}

	if d.retention != nil {
		d.retention.Stop()
	}

	if err := d.otelProvider.Shutdown(ctx); err != nil {
		d.logger.Error("tracer provider shutdown failed", internallog.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("trace store close failed", internallog.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	d.logger.Info("daemon stopped")
	return firstErr
}
