package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector collects Prometheus-compatible metrics for request handling
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	requestsTotal    metric.Int64Counter
	llmRequestsTotal metric.Int64Counter
	tokensTotal      metric.Int64Counter
	stepsTotal       metric.Int64Counter

	// Histograms
	requestDuration metric.Float64Histogram
	llmLatency      metric.Float64Histogram
	stepDuration    metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRequests   int64
	activeRequestsMu sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("llmspan")

	mc := &MetricsCollector{
		meter: meter,
	}

	var err error

	mc.requestsTotal, err = meter.Int64Counter(
		"llmspan_requests_total",
		metric.WithDescription("Total number of API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	mc.llmRequestsTotal, err = meter.Int64Counter(
		"llmspan_llm_requests_total",
		metric.WithDescription("Total number of LLM completion requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	mc.tokensTotal, err = meter.Int64Counter(
		"llmspan_tokens_total",
		metric.WithDescription("Total number of tokens processed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"llmspan_pipeline_steps_total",
		metric.WithDescription("Total number of pipeline steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.requestDuration, err = meter.Float64Histogram(
		"llmspan_request_duration_seconds",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.llmLatency, err = meter.Float64Histogram(
		"llmspan_llm_latency_seconds",
		metric.WithDescription("LLM request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"llmspan_step_duration_seconds",
		metric.WithDescription("Pipeline step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"llmspan_active_requests",
		metric.WithDescription("Number of requests currently in flight"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRequestsMu.RLock()
			count := mc.activeRequests
			mc.activeRequestsMu.RUnlock()
			observer.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRequestStart marks a request as in flight.
func (mc *MetricsCollector) RecordRequestStart() {
	mc.activeRequestsMu.Lock()
	mc.activeRequests++
	mc.activeRequestsMu.Unlock()
}

// RecordRequestComplete records the completion of an API request
func (mc *MetricsCollector) RecordRequestComplete(ctx context.Context, endpoint, status string, duration time.Duration) {
	mc.activeRequestsMu.Lock()
	if mc.activeRequests > 0 {
		mc.activeRequests--
	}
	mc.activeRequestsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	}

	mc.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepComplete records the completion of a pipeline step
func (mc *MetricsCollector) RecordStepComplete(ctx context.Context, pipeline, stepName, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline", pipeline),
		attribute.String("step", stepName),
		attribute.String("status", status),
	}

	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordLLMRequest records an LLM request completion
func (mc *MetricsCollector) RecordLLMRequest(ctx context.Context, provider, model, status string, promptTokens, completionTokens int, latency time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	}

	mc.llmRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))

	if promptTokens > 0 {
		tokenAttrs := append(attrs, attribute.String("type", "prompt"))
		mc.tokensTotal.Add(ctx, int64(promptTokens), metric.WithAttributes(tokenAttrs...))
	}
	if completionTokens > 0 {
		tokenAttrs := append(attrs, attribute.String("type", "completion"))
		mc.tokensTotal.Add(ctx, int64(completionTokens), metric.WithAttributes(tokenAttrs...))
	}
}
