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

// Package service implements the traced request pipelines: plain chat,
// retrieval-augmented answering, and the multi-step agent task. Each
// pipeline wraps its stages in explicitly scoped spans so a trace shows
// where the time went.
package service

import (
	"log/slog"
	"time"

	"github.com/llmspan/llmspan/internal/tracing"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
)

// Service executes LLM request pipelines with tracing instrumentation.
// The tracer is injected at construction; handlers never touch global
// tracing state.
type Service struct {
	provider  llm.Provider
	tracer    observability.Tracer
	retriever Retriever
	metrics   *tracing.MetricsCollector
	logger    *slog.Logger
	model     string
	timeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithRetriever sets the document retriever for the RAG pipeline.
func WithRetriever(r Retriever) Option {
	return func(s *Service) {
		s.retriever = r
	}
}

// WithMetrics sets the metrics collector for pipeline step metrics.
func WithMetrics(mc *tracing.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = mc
	}
}

// WithModel sets the default model passed to the provider.
func WithModel(model string) Option {
	return func(s *Service) {
		s.model = model
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// New creates a Service backed by the given provider and tracer.
func New(provider llm.Provider, tracer observability.Tracer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		provider:  provider,
		tracer:    tracer,
		retriever: NewStaticRetriever(),
		logger:    logger,
		timeout:   60 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}
