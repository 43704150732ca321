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
	"encoding/json"
	"net/http"

	"github.com/llmspan/llmspan/internal/daemon/httputil"
	"github.com/llmspan/llmspan/internal/service"
)

// ChatRequest is the request body for POST /chat.
type ChatRequest struct {
	Query string `json:"query"`
}

// ChatResponse is the response body for POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// handleChat handles POST /chat.
func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	var body ChatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	reply, err := r.svc.Chat(req.Context(), body.Query)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, ChatResponse{Response: reply})
}

// AnswerRequest is the request body for POST /rag/v1/answer.
type AnswerRequest struct {
	Query string `json:"query"`
}

// AnswerResponse is the response body for POST /rag/v1/answer.
type AnswerResponse struct {
	Answer    string             `json:"answer"`
	Documents []service.Document `json:"documents"`
}

// handleRAGAnswer handles POST /rag/v1/answer.
func (r *Router) handleRAGAnswer(w http.ResponseWriter, req *http.Request) {
	var body AnswerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	result, err := r.svc.Answer(req.Context(), body.Query)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, AnswerResponse{
		Answer:    result.Answer,
		Documents: result.Documents,
	})
}

// TaskRequest is the request body for POST /agent/task.
type TaskRequest struct {
	Task string `json:"task"`
}

// TaskStep is one completed pipeline stage in a task response.
type TaskStep struct {
	Name       string `json:"name"`
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
}

// TaskResponse is the response body for POST /agent/task.
type TaskResponse struct {
	Result string     `json:"result"`
	Steps  []TaskStep `json:"steps"`
}

// handleAgentTask handles POST /agent/task.
func (r *Router) handleAgentTask(w http.ResponseWriter, req *http.Request) {
	var body TaskRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	result, err := r.svc.RunTask(req.Context(), body.Task)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	steps := make([]TaskStep, len(result.Steps))
	for i, step := range result.Steps {
		steps[i] = TaskStep{
			Name:       step.Name,
			Output:     step.Output,
			DurationMS: step.Duration.Milliseconds(),
		}
	}

	httputil.WriteJSON(w, http.StatusOK, TaskResponse{
		Result: result.Result,
		Steps:  steps,
	})
}
