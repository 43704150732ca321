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

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/llmspan/llmspan/pkg/llm"
)

func newChatCompletionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var gotReq struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var gotAuth string

	srv := newChatCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini",
			"created": 1700000000,
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 12, "total_tokens": 21}
		}`))
	})

	p, err := NewOpenAIProvider("sk-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: "be brief"},
			{Role: llm.MessageRoleUser, Content: "say hello"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("unexpected model: %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", gotReq.Messages)
	}

	if resp.Content != "hello" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.FinishReason != llm.FinishReasonStop {
		t.Errorf("unexpected finish reason: %q", resp.FinishReason)
	}
	if resp.RequestID != "chatcmpl-123" {
		t.Errorf("unexpected request ID: %q", resp.RequestID)
	}
	if resp.Usage.TotalTokens != 21 {
		t.Errorf("unexpected token usage: %+v", resp.Usage)
	}
}

func TestOpenAIProvider_Complete_DefaultModel(t *testing.T) {
	var gotModel string
	srv := newChatCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model

		w.Write([]byte(`{"id":"x","model":"gpt-4o","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	})

	p, err := NewOpenAIProvider("sk-test", WithBaseURL(srv.URL), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotModel != "gpt-4o" {
		t.Errorf("expected configured default model, got %q", gotModel)
	}
}

func TestOpenAIProvider_Complete_APIError(t *testing.T) {
	srv := newChatCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "rate_limit_error"}}`))
	})

	p, err := NewOpenAIProvider("sk-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "hi"}},
	})

	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Rate limit reached" {
		t.Errorf("expected parsed error message, got %q", apiErr.Message)
	}
}

func TestOpenAIProvider_Complete_NoChoices(t *testing.T) {
	srv := newChatCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","model":"gpt-4o-mini","choices":[],"usage":{}}`))
	})

	p, err := NewOpenAIProvider("sk-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestNewOpenAIProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider(""); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestOpenAIProvider_Name(t *testing.T) {
	p, err := NewOpenAIProvider("sk-test")
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("unexpected name: %q", p.Name())
	}
}
