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

package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/llmspan/llmspan/internal/tracing"
	"github.com/llmspan/llmspan/pkg/errors"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	name         string
	completeFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return nil, stderrors.New("not implemented")
}

// newTestTracer returns a tracer that exports synchronously to an
// in-memory exporter, plus the exporter for assertions.
func newTestTracer(t *testing.T) (observability.Tracer, *tracetest.InMemoryExporter) {
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

	return tracing.WrapTracer(tp.Tracer("test")), exporter
}

func staticResponse(content string) func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content:      content,
			FinishReason: llm.FinishReasonStop,
			Usage: llm.TokenUsage{
				InputTokens:  10,
				OutputTokens: 20,
				TotalTokens:  30,
			},
			Model: req.Model,
		}, nil
	}
}

func spanNames(spans tracetest.SpanStubs) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	return names
}

func TestService_Chat(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	mock := &mockProvider{
		name:         "test-provider",
		completeFunc: staticResponse("hello there"),
	}

	svc := New(mock, tracer, slog.Default(), WithModel("test-model"))

	got, err := svc.Chat(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello there" {
		t.Errorf("expected response 'hello there', got %q", got)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d: %v", len(spans), spanNames(spans))
	}
	if spans[0].Name != "generate_reply" {
		t.Errorf("expected span 'generate_reply', got %q", spans[0].Name)
	}

	var sawTokens bool
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "llm.usage.total_tokens" {
			sawTokens = true
			if attr.Value.AsInt64() != 30 {
				t.Errorf("expected total_tokens 30, got %d", attr.Value.AsInt64())
			}
		}
	}
	if !sawTokens {
		t.Error("expected span to carry llm.usage.total_tokens")
	}
}

func TestService_Chat_EmptyQuery(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	svc := New(&mockProvider{name: "test-provider"}, tracer, slog.Default())

	_, err := svc.Chat(context.Background(), "")

	var validationErr *errors.ValidationError
	if !stderrors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Field != "query" {
		t.Errorf("expected field 'query', got %q", validationErr.Field)
	}

	if len(exporter.GetSpans()) != 0 {
		t.Error("expected no spans for rejected input")
	}
}

func TestService_Chat_ConcurrentRequestsIsolated(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	mock := &mockProvider{
		name:         "test-provider",
		completeFunc: staticResponse("ok"),
	}
	svc := New(mock, tracer, slog.Default(), WithModel("test-model"))

	const requests = 8
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Chat(context.Background(), "say hello"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	spans := exporter.GetSpans()
	if len(spans) != requests {
		t.Fatalf("expected %d spans, got %d", requests, len(spans))
	}

	seen := make(map[string]bool, requests)
	for _, s := range spans {
		seen[s.SpanContext.TraceID().String()] = true
	}
	if len(seen) != requests {
		t.Errorf("expected %d distinct trace IDs, got %d", requests, len(seen))
	}
}

func TestService_Chat_UpstreamError(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	mock := &mockProvider{
		name: "test-provider",
		completeFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, stderrors.New("connection refused")
		},
	}

	svc := New(mock, tracer, slog.Default())

	_, err := svc.Chat(context.Background(), "say hello")

	var upstreamErr *errors.UpstreamError
	if !stderrors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Upstream != "test-provider" {
		t.Errorf("expected upstream 'test-provider', got %q", upstreamErr.Upstream)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code.String() != "Error" {
		t.Errorf("expected error status on span, got %v", spans[0].Status.Code)
	}
}

func TestService_Answer(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	mock := &mockProvider{
		name:         "test-provider",
		completeFunc: staticResponse("spans record timed operations"),
	}

	svc := New(mock, tracer, slog.Default(), WithModel("test-model"))

	// The router normally opens the server span; emulate that here so
	// the pipeline stages land in one trace.
	ctx, root := tracer.Start(context.Background(), "POST /rag/v1/answer")
	result, err := svc.Answer(ctx, "what is a span")
	root.End()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "spans record timed operations" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if len(result.Documents) == 0 {
		t.Error("expected retrieved documents")
	}

	spans := exporter.GetSpans()
	want := []string{"retrieval", "build_context", "llm_generation", "POST /rag/v1/answer"}
	got := spanNames(spans)
	if len(got) != len(want) {
		t.Fatalf("expected spans %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	rootTraceID := spans[len(spans)-1].SpanContext.TraceID()
	rootSpanID := spans[len(spans)-1].SpanContext.SpanID()
	for _, s := range spans[:len(spans)-1] {
		if s.SpanContext.TraceID() != rootTraceID {
			t.Errorf("span %q not in the request trace", s.Name)
		}
		if s.Parent.SpanID() != rootSpanID {
			t.Errorf("span %q should be a direct child of the server span", s.Name)
		}
	}
}

func TestService_Answer_EmptyQuery(t *testing.T) {
	tracer, _ := newTestTracer(t)

	svc := New(&mockProvider{name: "test-provider"}, tracer, slog.Default())

	_, err := svc.Answer(context.Background(), "")

	var validationErr *errors.ValidationError
	if !stderrors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestService_Answer_GenerationError(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	mock := &mockProvider{
		name: "test-provider",
		completeFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, stderrors.New("rate limited")
		},
	}

	svc := New(mock, tracer, slog.Default())

	_, err := svc.Answer(context.Background(), "what is a span")

	var upstreamErr *errors.UpstreamError
	if !stderrors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}

	// Retrieval and context assembly succeed before generation fails.
	spans := exporter.GetSpans()
	want := []string{"retrieval", "build_context", "llm_generation"}
	got := spanNames(spans)
	if len(got) != len(want) {
		t.Fatalf("expected spans %v, got %v", want, got)
	}
	if spans[2].Status.Code.String() != "Error" {
		t.Errorf("expected error status on llm_generation, got %v", spans[2].Status.Code)
	}
}

func TestService_RunTask(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	var calls int
	mock := &mockProvider{
		name: "test-provider",
		completeFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			outputs := map[int]string{1: "the plan", 2: "the execution", 3: "the summary"}
			return &llm.CompletionResponse{
				Content:      outputs[calls],
				FinishReason: llm.FinishReasonStop,
				Usage:        llm.TokenUsage{TotalTokens: 15},
			}, nil
		},
	}

	svc := New(mock, tracer, slog.Default(), WithModel("test-model"))

	result, err := svc.RunTask(context.Background(), "write a haiku")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Result != "the summary" {
		t.Errorf("expected final result from summary step, got %q", result.Result)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(result.Steps))
	}

	wantSteps := []string{"planning", "execution", "summary"}
	for i, step := range result.Steps {
		if step.Name != wantSteps[i] {
			t.Errorf("step %d: expected %q, got %q", i, wantSteps[i], step.Name)
		}
		if step.Output == "" {
			t.Errorf("step %q has empty output", step.Name)
		}
	}

	spans := exporter.GetSpans()
	got := spanNames(spans)
	if len(got) != 3 {
		t.Fatalf("expected 3 spans, got %v", got)
	}
	for i := range wantSteps {
		if got[i] != wantSteps[i] {
			t.Errorf("span %d: expected %q, got %q", i, wantSteps[i], got[i])
		}
	}
}

func TestService_RunTask_StepOutputsChain(t *testing.T) {
	tracer, _ := newTestTracer(t)

	var prompts []string
	mock := &mockProvider{
		name: "test-provider",
		completeFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			prompts = append(prompts, req.Messages[0].Content)
			return &llm.CompletionResponse{Content: "step output"}, nil
		},
	}

	svc := New(mock, tracer, slog.Default())

	if _, err := svc.RunTask(context.Background(), "write a haiku"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(prompts) != 3 {
		t.Fatalf("expected 3 provider calls, got %d", len(prompts))
	}
	if !strings.Contains(prompts[1], "step output") {
		t.Error("execution prompt should include the plan")
	}
	if !strings.Contains(prompts[2], "step output") {
		t.Error("summary prompt should include the execution outcome")
	}
}

func TestService_RunTask_ErrorStopsPipeline(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	var calls int
	mock := &mockProvider{
		name: "test-provider",
		completeFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			if calls == 2 {
				return nil, stderrors.New("provider unavailable")
			}
			return &llm.CompletionResponse{Content: "ok"}, nil
		},
	}

	svc := New(mock, tracer, slog.Default())

	_, err := svc.RunTask(context.Background(), "write a haiku")

	var upstreamErr *errors.UpstreamError
	if !stderrors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected pipeline to stop after failed step, got %d calls", calls)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %v", spanNames(spans))
	}
	if spans[1].Name != "execution" || spans[1].Status.Code.String() != "Error" {
		t.Errorf("expected failed execution span, got %q with status %v", spans[1].Name, spans[1].Status.Code)
	}
}

func TestService_RunTask_EmptyTask(t *testing.T) {
	tracer, _ := newTestTracer(t)

	svc := New(&mockProvider{name: "test-provider"}, tracer, slog.Default())

	_, err := svc.RunTask(context.Background(), "")

	var validationErr *errors.ValidationError
	if !stderrors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Field != "task" {
		t.Errorf("expected field 'task', got %q", validationErr.Field)
	}
}

func TestStaticRetriever_Retrieve(t *testing.T) {
	r := NewStaticRetriever()

	docs, err := r.Retrieve(context.Background(), "trace context propagation", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}

	// Best match first.
	if docs[0].ID != "doc-3" {
		t.Errorf("expected propagation doc ranked first, got %q", docs[0].ID)
	}
	for i := 1; i < len(docs); i++ {
		if docs[i].Score > docs[i-1].Score {
			t.Errorf("documents not sorted by score: %v > %v at %d", docs[i].Score, docs[i-1].Score, i)
		}
	}
}

func TestStaticRetriever_Retrieve_DefaultLimit(t *testing.T) {
	r := NewStaticRetrieverWithCorpus([]Document{
		{ID: "a", Content: "alpha"},
		{ID: "b", Content: "beta"},
	})

	docs, err := r.Retrieve(context.Background(), "alpha", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("expected full corpus under default limit, got %d", len(docs))
	}
}
