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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/llmspan/llmspan/internal/service"
	"github.com/llmspan/llmspan/internal/tracing"
	"github.com/llmspan/llmspan/internal/tracing/storage"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
)

// stubProvider implements llm.Provider with a canned response.
type stubProvider struct {
	response string
	err      error
}

func (p *stubProvider) Name() string {
	return "stub"
}

func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{
		Content:      p.response,
		FinishReason: llm.FinishReasonStop,
		Usage:        llm.TokenUsage{InputTokens: 5, OutputTokens: 7, TotalTokens: 12},
		Model:        req.Model,
	}, nil
}

func newTestRouter(t *testing.T, provider llm.Provider) (*Router, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Errorf("failed to shutdown tracer provider: %v", err)
		}
	})

	tracer := tracing.WrapTracer(tp.Tracer("test"))
	svc := service.New(provider, tracer, slog.Default(), service.WithModel("test-model"))

	router := NewRouter(RouterConfig{Version: "1.2.3", Commit: "abc1234", BuildDate: "2026-01-01"}, svc, tracer, slog.Default())
	return router, exporter
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func TestRouter_Root(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
	if body["service"] != "llmspand" {
		t.Errorf("expected service 'llmspand', got %q", body["service"])
	}
	if body["version"] != "1.2.3" {
		t.Errorf("expected version '1.2.3', got %q", body["version"])
	}
}

func TestRouter_Root_ExactPathOnly(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	// The root handler must not act as a catch-all for unknown paths.
	req := httptest.NewRequest("GET", "/no-such-path", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("GET", "/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body HealthResponse
	decodeBody(t, rec, &body)
	if body.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", body.Status)
	}
	if body.Checks["api"] != "ok" {
		t.Errorf("expected api check 'ok', got %q", body.Checks["api"])
	}
}

func TestRouter_Version(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("GET", "/v1/version", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body VersionResponse
	decodeBody(t, rec, &body)
	if body.Version != "1.2.3" || body.Commit != "abc1234" {
		t.Errorf("unexpected version response: %+v", body)
	}
	if body.GoVersion == "" {
		t.Error("expected go_version to be populated")
	}
}

func TestRouter_Chat(t *testing.T) {
	router, exporter := newTestRouter(t, &stubProvider{response: "hello there"})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"query":"say hello"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body ChatResponse
	decodeBody(t, rec, &body)
	if body.Response != "hello there" {
		t.Errorf("expected response 'hello there', got %q", body.Response)
	}

	// The pipeline span should be a child of the request's server span.
	spans := exporter.GetSpans()
	var serverSpan, pipelineSpan *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "POST /chat":
			serverSpan = &spans[i]
		case "generate_reply":
			pipelineSpan = &spans[i]
		}
	}
	if serverSpan == nil || pipelineSpan == nil {
		t.Fatalf("expected server and pipeline spans, got %d spans", len(spans))
	}
	if pipelineSpan.SpanContext.TraceID() != serverSpan.SpanContext.TraceID() {
		t.Error("pipeline span should share the request trace")
	}
	if pipelineSpan.Parent.SpanID() != serverSpan.SpanContext.SpanID() {
		t.Error("pipeline span should be a child of the server span")
	}
}

func TestRouter_Chat_InvalidJSON(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestRouter_Chat_EmptyQuery(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty query, got %d", rec.Code)
	}
}

func TestRouter_Chat_UpstreamFailure(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{err: errors.New("connection refused")})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"query":"say hello"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for provider failure, got %d", rec.Code)
	}
}

func TestRouter_Chat_MethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("GET", "/chat", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestRouter_RAGAnswer(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "spans record work"})

	req := httptest.NewRequest("POST", "/rag/v1/answer", strings.NewReader(`{"query":"what is a span"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body AnswerResponse
	decodeBody(t, rec, &body)
	if body.Answer != "spans record work" {
		t.Errorf("unexpected answer: %q", body.Answer)
	}
	if len(body.Documents) == 0 {
		t.Error("expected retrieved documents in response")
	}
}

func TestRouter_AgentTask(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "done"})

	req := httptest.NewRequest("POST", "/agent/task", strings.NewReader(`{"task":"write a haiku"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body TaskResponse
	decodeBody(t, rec, &body)
	if body.Result != "done" {
		t.Errorf("unexpected result: %q", body.Result)
	}
	if len(body.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(body.Steps))
	}
	wantSteps := []string{"planning", "execution", "summary"}
	for i, step := range body.Steps {
		if step.Name != wantSteps[i] {
			t.Errorf("step %d: expected %q, got %q", i, wantSteps[i], step.Name)
		}
	}
}

func TestRouter_CorrelationHeaderEcho(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	id := "550e8400-e29b-41d4-a716-446655440000"
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set(tracing.HeaderCorrelationID, id)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get(tracing.HeaderCorrelationID); got != id {
		t.Errorf("expected correlation ID echoed, got %q", got)
	}
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.New(storage.Config{
		Path: filepath.Join(t.TempDir(), "traces.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

func storeTestTrace(t *testing.T, store *storage.SQLiteStore, traceID string) {
	t.Helper()

	now := time.Now().UTC()
	spans := []*observability.Span{
		{
			TraceID:   traceID,
			SpanID:    "span-root",
			Name:      "POST /chat",
			Kind:      observability.SpanKindServer,
			StartTime: now,
			EndTime:   now.Add(200 * time.Millisecond),
			Status:    observability.SpanStatus{Code: observability.StatusCodeOK},
		},
		{
			TraceID:    traceID,
			SpanID:     "span-child",
			ParentID:   "span-root",
			Name:       "generate_reply",
			Kind:       observability.SpanKindInternal,
			StartTime:  now.Add(10 * time.Millisecond),
			EndTime:    now.Add(190 * time.Millisecond),
			Status:     observability.SpanStatus{Code: observability.StatusCodeOK},
			Attributes: map[string]any{"llm.model": "gpt-4o-mini"},
		},
	}
	for _, span := range spans {
		if err := store.StoreSpan(context.Background(), span); err != nil {
			t.Fatalf("failed to store span: %v", err)
		}
	}
}

func TestRouter_ListTraces(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})
	store := newTestStore(t)
	router.SetTraceStore(store)

	storeTestTrace(t, store, "trace-1")

	req := httptest.NewRequest("GET", "/v1/traces", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body ListTracesResponse
	decodeBody(t, rec, &body)
	if len(body.Traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(body.Traces))
	}
	if body.Traces[0].TraceID != "trace-1" {
		t.Errorf("unexpected trace ID: %q", body.Traces[0].TraceID)
	}
	if body.Traces[0].SpanCount != 2 {
		t.Errorf("expected 2 spans, got %d", body.Traces[0].SpanCount)
	}
}

func TestRouter_ListTraces_InvalidFilter(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})
	router.SetTraceStore(newTestStore(t))

	req := httptest.NewRequest("GET", "/v1/traces?status=bogus", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid status filter, got %d", rec.Code)
	}
}

func TestRouter_GetTrace(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})
	store := newTestStore(t)
	router.SetTraceStore(store)

	storeTestTrace(t, store, "trace-2")

	req := httptest.NewRequest("GET", "/v1/traces/trace-2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body GetTraceResponse
	decodeBody(t, rec, &body)
	if body.TraceID != "trace-2" {
		t.Errorf("unexpected trace ID: %q", body.TraceID)
	}
	if len(body.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(body.Spans))
	}

	var child *SpanResponse
	for i := range body.Spans {
		if body.Spans[i].SpanID == "span-child" {
			child = &body.Spans[i]
		}
	}
	if child == nil {
		t.Fatal("expected child span in response")
	}
	if child.ParentID != "span-root" {
		t.Errorf("expected parent 'span-root', got %q", child.ParentID)
	}
	if child.Attributes["llm.model"] != "gpt-4o-mini" {
		t.Errorf("expected llm.model attribute, got %v", child.Attributes)
	}
}

func TestRouter_GetTrace_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})
	router.SetTraceStore(newTestStore(t))

	req := httptest.NewRequest("GET", "/v1/traces/no-such-trace", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown trace, got %d", rec.Code)
	}
}

func TestStatusWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	var w http.ResponseWriter = sw
	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("statusWriter should implement http.Flusher")
	}
	f.Flush()

	if !rec.Flushed {
		t.Error("expected Flush to reach the underlying writer")
	}
}

func TestRouter_TracesDisabledWithoutStore(t *testing.T) {
	router, _ := newTestRouter(t, &stubProvider{response: "ok"})

	req := httptest.NewRequest("GET", "/v1/traces", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when trace store is not configured, got %d", rec.Code)
	}
}
