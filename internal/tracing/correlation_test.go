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
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewCorrelationID(t *testing.T) {
	id := NewCorrelationID()

	if id == "" {
		t.Error("expected non-empty correlation ID")
	}

	if !id.IsValid() {
		t.Errorf("expected valid UUID format, got %q", id)
	}

	if len(id) != 36 {
		t.Errorf("expected length 36, got %d", len(id))
	}
}

func TestCorrelationID_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    CorrelationID
		valid bool
	}{
		{"valid UUID", CorrelationID("550e8400-e29b-41d4-a716-446655440000"), true},
		{"valid UUID uppercase", CorrelationID("550E8400-E29B-41D4-A716-446655440000"), true},
		{"empty", CorrelationID(""), false},
		{"too short", CorrelationID("550e8400-e29b-41d4"), false},
		{"too long", CorrelationID("550e8400-e29b-41d4-a716-446655440000-extra"), false},
		{"missing hyphens", CorrelationID("550e8400e29b41d4a716446655440000"), false},
		{"invalid characters", CorrelationID("550e8400-e29b-41d4-a716-44665544000g"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestToContext_FromContext(t *testing.T) {
	ctx := context.Background()
	id := CorrelationID("550e8400-e29b-41d4-a716-446655440000")

	ctx = ToContext(ctx, id)

	got := FromContext(ctx)
	if got != id {
		t.Errorf("FromContext() = %q, want %q", got, id)
	}
}

func TestFromContext_GeneratesNew(t *testing.T) {
	ctx := context.Background()

	got := FromContext(ctx)
	if got == "" {
		t.Error("FromContext() returned empty string, expected new ID")
	}

	if !got.IsValid() {
		t.Errorf("FromContext() returned invalid UUID: %q", got)
	}
}

func TestFromContextOrEmpty(t *testing.T) {
	t.Run("returns ID when present", func(t *testing.T) {
		ctx := context.Background()
		id := CorrelationID("550e8400-e29b-41d4-a716-446655440000")
		ctx = ToContext(ctx, id)

		got := FromContextOrEmpty(ctx)
		if got != id {
			t.Errorf("FromContextOrEmpty() = %q, want %q", got, id)
		}
	})

	t.Run("returns empty when not present", func(t *testing.T) {
		ctx := context.Background()

		got := FromContextOrEmpty(ctx)
		if got != "" {
			t.Errorf("FromContextOrEmpty() = %q, want empty string", got)
		}
	})
}

func TestCorrelationMiddleware_ExtractsHeader(t *testing.T) {
	id := "550e8400-e29b-41d4-a716-446655440000"

	var gotID CorrelationID
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = FromContextOrEmpty(r.Context())
	}))

	req := httptest.NewRequest("POST", "/chat", nil)
	req.Header.Set(HeaderCorrelationID, id)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if gotID.String() != id {
		t.Errorf("expected handler context to carry %q, got %q", id, gotID)
	}

	if rec.Header().Get(HeaderCorrelationID) != id {
		t.Errorf("expected response to echo correlation ID, got %q", rec.Header().Get(HeaderCorrelationID))
	}
}

func TestCorrelationMiddleware_GeneratesWhenMissing(t *testing.T) {
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("POST", "/chat", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	id := CorrelationID(rec.Header().Get(HeaderCorrelationID))
	if !id.IsValid() {
		t.Errorf("expected generated UUID in response header, got %q", id)
	}
}

func TestCorrelationMiddleware_RejectsInvalid(t *testing.T) {
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for invalid correlation ID")
	}))

	req := httptest.NewRequest("POST", "/chat", nil)
	req.Header.Set(HeaderCorrelationID, "not-a-uuid")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid correlation ID, got %d", rec.Code)
	}
}

func TestExtractFromRequest_FallsBackToRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set(HeaderRequestID, "550e8400-e29b-41d4-a716-446655440000")

	id, found := ExtractFromRequest(req)
	if !found {
		t.Fatal("expected to find correlation ID from X-Request-ID")
	}
	if !id.IsValid() {
		t.Errorf("expected valid ID, got %q", id)
	}
}
