package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/connexus-ai/uia-backend/internal/llmclient"
)

// RelevanceFilter implements C6 step 4, the optional relevance gate.
// Per Open Question (ii), the default implementation is a pass-through;
// StrictRelevanceFilter in config selects LLMRelevanceFilter instead,
// fixed for the process lifetime.
type RelevanceFilter interface {
	Filter(ctx context.Context, question string, chunks []candidateChunk) ([]candidateChunk, error)
}

// PassthroughFilter returns its input unchanged. This is the default:
// the rerank step (step 3) already narrowed candidates to 8-12 items,
// so a second LLM round-trip buys little for the common case.
type PassthroughFilter struct{}

// Filter returns chunks unchanged.
func (PassthroughFilter) Filter(ctx context.Context, question string, chunks []candidateChunk) ([]candidateChunk, error) {
	return chunks, nil
}

// LLMRelevanceFilter re-checks each chunk against the question with a
// strict JSON call, dropping any the model marks irrelevant. Must
// return a non-empty list when the input is non-empty (falls back to
// the input on an empty verdict or parse failure).
type LLMRelevanceFilter struct {
	llm llmclient.Client
}

// NewLLMRelevanceFilter creates a strict relevance filter.
func NewLLMRelevanceFilter(llm llmclient.Client) *LLMRelevanceFilter {
	return &LLMRelevanceFilter{llm: llm}
}

type relevanceVerdict struct {
	Relevant []string `json:"relevant"`
}

// Filter asks the LLM which chunk ids are relevant to question.
func (f *LLMRelevanceFilter) Filter(ctx context.Context, question string, chunks []candidateChunk) ([]candidateChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	var sb strings.Builder
	for _, c := range chunks {
		excerpt := c.Text
		if len(excerpt) > 300 {
			excerpt = excerpt[:300]
		}
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", c.ChunkID, c.Breadcrumb, excerpt)
	}

	prompt := fmt.Sprintf("Question: %s\n\nCandidates:\n%s\nWhich chunk ids are genuinely relevant? Return JSON: {\"relevant\": [\"chunkId\", ...]}", question, sb.String())
	raw, err := f.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0,
		MaxTokens:   400,
		System:      "You filter retrieved passages for relevance to a question. Respond only with JSON.",
	})
	if err != nil {
		return chunks, nil
	}

	var verdict relevanceVerdict
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &verdict); err != nil || len(verdict.Relevant) == 0 {
		return chunks, nil
	}

	keep := make(map[string]struct{}, len(verdict.Relevant))
	for _, id := range verdict.Relevant {
		keep[id] = struct{}{}
	}
	out := make([]candidateChunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := keep[c.ChunkID]; ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return chunks, nil
	}
	return out, nil
}
