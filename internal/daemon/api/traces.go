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
	"net/http"
	"strconv"
	"time"

	"github.com/llmspan/llmspan/internal/daemon/httputil"
	"github.com/llmspan/llmspan/internal/tracing/storage"
	apperrors "github.com/llmspan/llmspan/pkg/errors"
	"github.com/llmspan/llmspan/pkg/observability"
)

// TraceSummaryResponse is one entry in the GET /v1/traces listing.
type TraceSummaryResponse struct {
	TraceID    string `json:"trace_id"`
	Name       string `json:"name"`
	StartTime  string `json:"start_time"`
	DurationMS int64  `json:"duration_ms"`
	Status     string `json:"status"`
	SpanCount  int    `json:"span_count"`
	ErrorCount int    `json:"error_count"`
}

// ListTracesResponse is the response body for GET /v1/traces.
type ListTracesResponse struct {
	Traces []TraceSummaryResponse `json:"traces"`
}

// SpanResponse is the JSON rendering of a stored span.
type SpanResponse struct {
	TraceID    string          `json:"trace_id"`
	SpanID     string          `json:"span_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	StartTime  string          `json:"start_time"`
	EndTime    string          `json:"end_time,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	Events     []EventResponse `json:"events,omitempty"`
}

// EventResponse is the JSON rendering of a span event.
type EventResponse struct {
	Name       string         `json:"name"`
	Timestamp  string         `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// GetTraceResponse is the response body for GET /v1/traces/{id}.
type GetTraceResponse struct {
	TraceID string         `json:"trace_id"`
	Spans   []SpanResponse `json:"spans"`
}

// handleListTraces handles GET /v1/traces.
func (r *Router) handleListTraces(w http.ResponseWriter, req *http.Request) {
	filter, err := traceFilterFromQuery(req)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	summaries, err := r.store.ListTraces(req.Context(), filter)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	traces := make([]TraceSummaryResponse, len(summaries))
	for i, s := range summaries {
		traces[i] = TraceSummaryResponse{
			TraceID:    s.TraceID,
			Name:       s.Name,
			StartTime:  s.StartTime.UTC().Format(time.RFC3339Nano),
			DurationMS: s.Duration.Milliseconds(),
			Status:     statusString(s.StatusCode),
			SpanCount:  s.SpanCount,
			ErrorCount: s.ErrorCount,
		}
	}

	httputil.WriteJSON(w, http.StatusOK, ListTracesResponse{Traces: traces})
}

// handleGetTrace handles GET /v1/traces/{id}.
func (r *Router) handleGetTrace(w http.ResponseWriter, req *http.Request) {
	traceID := req.PathValue("id")
	if traceID == "" {
		httputil.WriteServiceError(w, &apperrors.ValidationError{Field: "id", Message: "must not be empty"})
		return
	}

	spans, err := r.store.GetTraceSpans(req.Context(), traceID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if len(spans) == 0 {
		httputil.WriteServiceError(w, &apperrors.NotFoundError{Resource: "trace", ID: traceID})
		return
	}

	resp := GetTraceResponse{
		TraceID: traceID,
		Spans:   make([]SpanResponse, len(spans)),
	}
	for i, span := range spans {
		resp.Spans[i] = toSpanResponse(span)
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// traceFilterFromQuery parses listing filters from query parameters.
func traceFilterFromQuery(req *http.Request) (storage.TraceFilter, error) {
	filter := storage.TraceFilter{Limit: 50}

	q := req.URL.Query()

	if status := q.Get("status"); status != "" {
		var code observability.StatusCode
		switch status {
		case "ok":
			code = observability.StatusCodeOK
		case "error":
			code = observability.StatusCodeError
		default:
			return filter, &apperrors.ValidationError{Field: "status", Message: "must be 'ok' or 'error'"}
		}
		filter.Status = &code
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > 1000 {
			return filter, &apperrors.ValidationError{Field: "limit", Message: "must be an integer between 1 and 1000"}
		}
		filter.Limit = n
	}

	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, &apperrors.ValidationError{Field: "offset", Message: "must be a non-negative integer"}
		}
		filter.Offset = n
	}

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, &apperrors.ValidationError{Field: "since", Message: "must be an RFC 3339 timestamp"}
		}
		filter.Since = &t
	}

	return filter, nil
}

// toSpanResponse converts a stored span to its JSON form.
func toSpanResponse(span *observability.Span) SpanResponse {
	resp := SpanResponse{
		TraceID:    span.TraceID,
		SpanID:     span.SpanID,
		ParentID:   span.ParentID,
		Name:       span.Name,
		Kind:       string(span.Kind),
		StartTime:  span.StartTime.UTC().Format(time.RFC3339Nano),
		DurationMS: span.Duration().Milliseconds(),
		Status:     statusString(span.Status.Code),
		Message:    span.Status.Message,
		Attributes: span.Attributes,
	}

	if !span.EndTime.IsZero() {
		resp.EndTime = span.EndTime.UTC().Format(time.RFC3339Nano)
	}

	for _, event := range span.Events {
		resp.Events = append(resp.Events, EventResponse{
			Name:       event.Name,
			Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
			Attributes: event.Attributes,
		})
	}

	return resp
}

// statusString renders a status code for API responses.
func statusString(code observability.StatusCode) string {
	switch code {
	case observability.StatusCodeOK:
		return "ok"
	case observability.StatusCodeError:
		return "error"
	default:
		return "unset"
	}
}
