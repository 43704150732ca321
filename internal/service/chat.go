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
	"time"

	"github.com/llmspan/llmspan/pkg/errors"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
)

const chatSystemPrompt = "You are a helpful assistant. Answer the user's question concisely."

// Chat answers a single free-form query. The provider call runs inside
// a "generate_reply" span that becomes a child of the request's server
// span.
func (s *Service) Chat(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "", &errors.ValidationError{Field: "query", Message: "must not be empty"}
	}

	ctx, span := s.tracer.Start(ctx, "generate_reply",
		observability.WithAttributes(map[string]any{
			"query.length": len(query),
		}),
	)
	defer span.End()

	start := time.Now()
	resp, err := s.complete(ctx, []llm.Message{
		{Role: llm.MessageRoleSystem, Content: chatSystemPrompt},
		{Role: llm.MessageRoleUser, Content: query},
	})
	if err != nil {
		err = errors.FromUpstream(s.provider.Name(), "generate_reply", time.Since(start), err)
		span.RecordError(err)
		s.recordStep(ctx, "chat", "generate_reply", "error", time.Since(start))
		return "", err
	}

	span.SetAttributes(map[string]any{
		"response.length":        len(resp.Content),
		"llm.usage.total_tokens": resp.Usage.TotalTokens,
	})
	span.SetStatus(observability.StatusCodeOK, "")
	s.recordStep(ctx, "chat", "generate_reply", "success", time.Since(start))

	return resp.Content, nil
}

// complete calls the provider with the service's model and timeout.
func (s *Service) complete(ctx context.Context, messages []llm.Message) (*llm.CompletionResponse, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	return s.provider.Complete(ctx, llm.CompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
}

// recordStep emits step metrics when a collector is configured.
func (s *Service) recordStep(ctx context.Context, pipeline, step, status string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordStepComplete(ctx, pipeline, step, status, duration)
	}
}
