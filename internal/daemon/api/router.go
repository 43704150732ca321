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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/llmspan/llmspan/internal/daemon/httputil"
	"github.com/llmspan/llmspan/internal/log"
	"github.com/llmspan/llmspan/internal/service"
	"github.com/llmspan/llmspan/internal/tracing"
	"github.com/llmspan/llmspan/internal/tracing/storage"
	"github.com/llmspan/llmspan/pkg/observability"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// MetricsHandler provides a Prometheus metrics endpoint
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Router wraps an http.ServeMux with the tracing middleware chain.
type Router struct {
	mux            *http.ServeMux
	config         RouterConfig
	svc            *service.Service
	tracer         observability.Tracer
	store          *storage.SQLiteStore
	metrics        *tracing.MetricsCollector
	metricsHandler MetricsHandler
	logger         *slog.Logger
}

// NewRouter creates a new HTTP router with all API endpoints.
func NewRouter(cfg RouterConfig, svc *service.Service, tracer observability.Tracer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}

	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		svc:    svc,
		tracer: tracer,
		logger: logger,
	}

	// Request pipelines
	r.mux.HandleFunc("POST /chat", r.handleChat)
	r.mux.HandleFunc("POST /rag/v1/answer", r.handleRAGAnswer)
	r.mux.HandleFunc("POST /agent/task", r.handleAgentTask)

	// Operational endpoints
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)

	// Root endpoint for basic connectivity check. The {$} anchor keeps
	// this from becoming a subtree catch-all: unknown paths get the
	// mux's 404 and wrong methods its 405.
	r.mux.HandleFunc("GET /{$}", r.handleRoot)

	return r
}

// SetTraceStore enables the trace inspection endpoints backed by the
// given store.
func (r *Router) SetTraceStore(store *storage.SQLiteStore) {
	r.store = store
	if store != nil {
		r.mux.HandleFunc("GET /v1/traces", r.handleListTraces)
		r.mux.HandleFunc("GET /v1/traces/{id}", r.handleGetTrace)
	}
}

// SetMetricsHandler sets the Prometheus metrics handler.
func (r *Router) SetMetricsHandler(handler MetricsHandler) {
	r.metricsHandler = handler
	if handler != nil {
		r.mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}
}

// SetMetricsCollector sets the collector used for request metrics.
func (r *Router) SetMetricsCollector(mc *tracing.MetricsCollector) {
	r.metrics = mc
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Build middleware chain from innermost to outermost:
	// 1. HTTP trace context extraction (outermost - must run first)
	// 2. Tracing middleware (creates server spans)
	// 3. Correlation middleware
	// 4. Request logging and metrics (innermost)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mux.ServeHTTP(w, req)
	})

	// Apply request logging middleware
	// Capture the inner handler to avoid closure over reassigned variable
	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		if r.metrics != nil {
			r.metrics.RecordRequestStart()
		}

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		defer func() {
			elapsed := time.Since(start)
			if r.metrics != nil {
				r.metrics.RecordRequestComplete(req.Context(), req.URL.Path, statusLabel(sw.statusCode), elapsed)
			}
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", sw.statusCode),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(sw, req)
	})

	// Apply correlation middleware
	handler = tracing.CorrelationMiddleware(handler)

	// Apply tracing middleware to create spans for requests
	handler = tracing.TracingMiddleware(r.tracer)(handler)

	// Apply HTTP middleware to extract trace context from headers (must be first)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "llmspand",
		"version": r.config.Version,
	})
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so handlers that stream,
// like the metrics endpoint, keep their flush capability.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusLabel buckets a status code into a metric label.
func statusLabel(code int) string {
	if code >= 400 {
		return "error"
	}
	return "success"
}
