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

package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
)

// TracedProvider wraps an LLM provider to add tracing spans for all operations.
// Each Complete() call generates a span with token usage attributes.
type TracedProvider struct {
	provider llm.Provider
	tracer   observability.Tracer
	metrics  *MetricsCollector // Optional metrics collector
}

// WrapProvider wraps an LLM provider with tracing instrumentation.
func WrapProvider(provider llm.Provider, tracer observability.Tracer) llm.Provider {
	return &TracedProvider{
		provider: provider,
		tracer:   tracer,
	}
}

// WrapProviderWithMetrics wraps an LLM provider with both tracing and metrics.
func WrapProviderWithMetrics(provider llm.Provider, tracer observability.Tracer, metrics *MetricsCollector) llm.Provider {
	return &TracedProvider{
		provider: provider,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Name returns the underlying provider's name.
func (t *TracedProvider) Name() string {
	return t.provider.Name()
}

// Complete creates a span for the completion request and records token usage.
func (t *TracedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	startTime := time.Now()

	ctx, span := t.tracer.Start(ctx, "llm.complete",
		observability.WithSpanKind(observability.SpanKindClient),
		observability.WithAttributes(map[string]any{
			"llm.provider": t.provider.Name(),
			"llm.model":    req.Model,
		}),
	)
	defer span.End()

	if len(req.Metadata) > 0 {
		metadataAttrs := make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			metadataAttrs[fmt.Sprintf("llm.metadata.%s", k)] = v
		}
		span.SetAttributes(metadataAttrs)
	}

	resp, err := t.provider.Complete(ctx, req)
	latency := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		if t.metrics != nil {
			t.metrics.RecordLLMRequest(ctx, t.provider.Name(), req.Model, "error", 0, 0, latency)
		}
		return nil, err
	}

	span.SetAttributes(map[string]any{
		"llm.response.model":          resp.Model,
		"llm.response.finish_reason":  string(resp.FinishReason),
		"llm.response.request_id":     resp.RequestID,
		"llm.usage.input_tokens":      resp.Usage.InputTokens,
		"llm.usage.output_tokens":     resp.Usage.OutputTokens,
		"llm.usage.total_tokens":      resp.Usage.TotalTokens,
		"llm.response.content_length": len(resp.Content),
	})

	if t.metrics != nil {
		t.metrics.RecordLLMRequest(ctx, t.provider.Name(), resp.Model, "success",
			resp.Usage.InputTokens, resp.Usage.OutputTokens, latency)
	}

	span.SetStatus(observability.StatusCodeOK, "")
	return resp, nil
}
