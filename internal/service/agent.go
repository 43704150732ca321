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
	"fmt"
	"time"

	"github.com/llmspan/llmspan/pkg/errors"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
)

// AgentStep records one completed stage of the agent pipeline.
type AgentStep struct {
	Name     string        `json:"name"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration_ms"`
}

// AgentResult is the outcome of the agent pipeline.
type AgentResult struct {
	Result string
	Steps  []AgentStep
}

// RunTask executes the three-stage agent pipeline: planning, execution,
// summary. Each stage makes one provider call inside its own span, and
// the output of each stage feeds the next.
func (s *Service) RunTask(ctx context.Context, task string) (*AgentResult, error) {
	if task == "" {
		return nil, &errors.ValidationError{Field: "task", Message: "must not be empty"}
	}

	result := &AgentResult{}

	plan, err := s.runAgentStep(ctx, "planning", task,
		fmt.Sprintf("Produce a short numbered plan for the following task. Do not execute it yet.\n\nTask: %s", task))
	if err != nil {
		return nil, err
	}
	result.Steps = append(result.Steps, plan)

	execution, err := s.runAgentStep(ctx, "execution", task,
		fmt.Sprintf("Carry out this plan and report the outcome of each step.\n\nTask: %s\n\nPlan:\n%s", task, plan.Output))
	if err != nil {
		return nil, err
	}
	result.Steps = append(result.Steps, execution)

	summary, err := s.runAgentStep(ctx, "summary", task,
		fmt.Sprintf("Summarize the outcome of this work in two or three sentences.\n\nTask: %s\n\nOutcome:\n%s", task, execution.Output))
	if err != nil {
		return nil, err
	}
	result.Steps = append(result.Steps, summary)

	result.Result = summary.Output
	return result, nil
}

// runAgentStep makes one provider call inside a span named after the stage.
func (s *Service) runAgentStep(ctx context.Context, name, task, prompt string) (AgentStep, error) {
	ctx, span := s.tracer.Start(ctx, name,
		observability.WithAttributes(map[string]any{
			"task.length": len(task),
		}),
	)
	defer span.End()

	start := time.Now()
	resp, err := s.complete(ctx, []llm.Message{
		{Role: llm.MessageRoleUser, Content: prompt},
	})
	if err != nil {
		err = errors.FromUpstream(s.provider.Name(), name, time.Since(start), err)
		span.RecordError(err)
		s.recordStep(ctx, "agent", name, "error", time.Since(start))
		return AgentStep{}, err
	}

	elapsed := time.Since(start)
	span.SetAttributes(map[string]any{
		"response.length":        len(resp.Content),
		"llm.usage.total_tokens": resp.Usage.TotalTokens,
	})
	span.SetStatus(observability.StatusCodeOK, "")
	s.recordStep(ctx, "agent", name, "success", elapsed)

	return AgentStep{Name: name, Output: resp.Content, Duration: elapsed}, nil
}
