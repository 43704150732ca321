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
	"strings"
	"time"

	"github.com/llmspan/llmspan/pkg/errors"
	"github.com/llmspan/llmspan/pkg/llm"
	"github.com/llmspan/llmspan/pkg/observability"
)

// Document is a retrieved context snippet fed to the generation step.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever finds documents relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Document, error)
}

// StaticRetriever serves a fixed corpus ranked by naive term overlap.
// It stands in for a vector store in deployments that don't have one.
type StaticRetriever struct {
	corpus []Document
}

// NewStaticRetriever creates a retriever over the built-in corpus.
func NewStaticRetriever() *StaticRetriever {
	return &StaticRetriever{corpus: defaultCorpus}
}

// NewStaticRetrieverWithCorpus creates a retriever over the given documents.
func NewStaticRetrieverWithCorpus(docs []Document) *StaticRetriever {
	return &StaticRetriever{corpus: docs}
}

// Retrieve returns up to limit documents scored by term overlap with the query.
func (r *StaticRetriever) Retrieve(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 3
	}

	terms := strings.Fields(strings.ToLower(query))

	scored := make([]Document, 0, len(r.corpus))
	for _, doc := range r.corpus {
		content := strings.ToLower(doc.Title + " " + doc.Content)
		var hits int
		for _, term := range terms {
			if strings.Contains(content, term) {
				hits++
			}
		}
		if len(terms) > 0 {
			doc.Score = float64(hits) / float64(len(terms))
		}
		scored = append(scored, doc)
	}

	// Selection sort is fine for a corpus this small
	for i := 0; i < len(scored); i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Score > scored[best].Score {
				best = j
			}
		}
		scored[i], scored[best] = scored[best], scored[i]
	}

	if len(scored) > limit {
		scored = scored[:limit]
	}

	return scored, nil
}

var defaultCorpus = []Document{
	{ID: "doc-1", Title: "Tracing overview", Content: "Distributed tracing records the path of a request through a system as a tree of timed spans."},
	{ID: "doc-2", Title: "Span attributes", Content: "Spans carry key-value attributes such as model name and token counts that describe the work performed."},
	{ID: "doc-3", Title: "Trace context propagation", Content: "W3C trace context headers let separate services stitch their spans into a single trace."},
	{ID: "doc-4", Title: "Sampling", Content: "Sampling reduces trace volume by recording only a fraction of requests while keeping error traces."},
	{ID: "doc-5", Title: "Token usage", Content: "Language model APIs report prompt and completion token counts that drive cost accounting."},
}

// RAGResult is the outcome of the retrieval-augmented pipeline.
type RAGResult struct {
	Answer    string
	Documents []Document
}

// Answer runs the retrieval-augmented pipeline: retrieval, context
// assembly, then generation. Each stage gets its own span under the
// caller's context so the trace shows the three stages in order.
func (s *Service) Answer(ctx context.Context, query string) (*RAGResult, error) {
	if query == "" {
		return nil, &errors.ValidationError{Field: "query", Message: "must not be empty"}
	}

	docs, err := s.retrieve(ctx, query)
	if err != nil {
		return nil, err
	}

	contextText := s.buildContext(ctx, docs)

	answer, err := s.generate(ctx, query, contextText)
	if err != nil {
		return nil, err
	}

	return &RAGResult{Answer: answer, Documents: docs}, nil
}

// retrieve fetches candidate documents inside a "retrieval" span.
func (s *Service) retrieve(ctx context.Context, query string) ([]Document, error) {
	ctx, span := s.tracer.Start(ctx, "retrieval",
		observability.WithAttributes(map[string]any{
			"query.length": len(query),
		}),
	)
	defer span.End()

	start := time.Now()
	docs, err := s.retriever.Retrieve(ctx, query, 3)
	if err != nil {
		err = errors.FromUpstream("retriever", "retrieval", time.Since(start), err)
		span.RecordError(err)
		s.recordStep(ctx, "rag", "retrieval", "error", time.Since(start))
		return nil, err
	}

	span.SetAttributes(map[string]any{
		"documents.count": len(docs),
	})
	span.SetStatus(observability.StatusCodeOK, "")
	s.recordStep(ctx, "rag", "retrieval", "success", time.Since(start))

	return docs, nil
}

// buildContext concatenates documents inside a "build_context" span.
func (s *Service) buildContext(ctx context.Context, docs []Document) string {
	ctx, span := s.tracer.Start(ctx, "build_context")
	defer span.End()

	start := time.Now()
	var b strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, doc.Title, doc.Content)
	}
	contextText := b.String()

	span.SetAttributes(map[string]any{
		"context.length":  len(contextText),
		"documents.count": len(docs),
	})
	span.SetStatus(observability.StatusCodeOK, "")
	s.recordStep(ctx, "rag", "build_context", "success", time.Since(start))

	return contextText
}

// generate calls the provider inside an "llm_generation" span.
func (s *Service) generate(ctx context.Context, query, contextText string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "llm_generation",
		observability.WithAttributes(map[string]any{
			"context.length": len(contextText),
		}),
	)
	defer span.End()

	prompt := fmt.Sprintf("Answer the question using only the context below.\n\nContext:\n%s\nQuestion: %s", contextText, query)

	start := time.Now()
	resp, err := s.complete(ctx, []llm.Message{
		{Role: llm.MessageRoleUser, Content: prompt},
	})
	if err != nil {
		err = errors.FromUpstream(s.provider.Name(), "llm_generation", time.Since(start), err)
		span.RecordError(err)
		s.recordStep(ctx, "rag", "llm_generation", "error", time.Since(start))
		return "", err
	}

	span.SetAttributes(map[string]any{
		"response.length":        len(resp.Content),
		"llm.usage.total_tokens": resp.Usage.TotalTokens,
	})
	span.SetStatus(observability.StatusCodeOK, "")
	s.recordStep(ctx, "rag", "llm_generation", "success", time.Since(start))

	return resp.Content, nil
}
