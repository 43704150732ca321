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
	"runtime"
	"time"

	"github.com/llmspan/llmspan/internal/daemon/httputil"
)

// HealthResponse is the response format for /v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

var startTime = time.Now()

// handleHealth handles GET /v1/health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	uptime := time.Since(startTime)

	checks := map[string]string{
		"api":     "ok",
		"runtime": runtime.Version(),
	}

	status := "healthy"

	// Probe the trace store if configured
	if r.store != nil {
		if err := r.store.DB().PingContext(req.Context()); err != nil {
			checks["trace_store"] = "unreachable: " + err.Error()
			status = "degraded"
		} else {
			checks["trace_store"] = "ok"
		}
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    uptime.Round(time.Second).String(),
		Checks:    checks,
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
