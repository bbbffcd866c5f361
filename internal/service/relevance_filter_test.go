package service

import (
	"context"
	"testing"

	"github.com/connexus-ai/uia-backend/internal/llmclient"
)

func TestPassthroughFilter_ReturnsInputUnchanged(t *testing.T) {
	chunks := []candidateChunk{{ChunkID: "a"}, {ChunkID: "b"}}
	got, err := PassthroughFilter{}.Filter(context.Background(), "question", chunks)
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Filter() returned %d chunks, want 2", len(got))
	}
}

func TestLLMRelevanceFilter_DropsNonRelevantChunks(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"filter retrieved passages": `{"relevant": ["a"]}`,
	}}
	f := NewLLMRelevanceFilter(llm)

	chunks := []candidateChunk{{ChunkID: "a", Text: "relevant text"}, {ChunkID: "b", Text: "off-topic text"}}
	got, err := f.Filter(context.Background(), "question", chunks)
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != "a" {
		t.Errorf("Filter() = %+v, want only chunk a", got)
	}
}

func TestLLMRelevanceFilter_EmptyInputShortCircuits(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{}}
	f := NewLLMRelevanceFilter(llm)

	got, err := f.Filter(context.Background(), "question", nil)
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Filter() = %+v, want empty", got)
	}
	if len(llm.calls) != 0 {
		t.Error("Filter() should not call the LLM for an empty chunk list")
	}
}

func TestLLMRelevanceFilter_FallsBackOnUnparseableVerdict(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"filter retrieved passages": `not json`,
	}}
	f := NewLLMRelevanceFilter(llm)

	chunks := []candidateChunk{{ChunkID: "a"}}
	got, err := f.Filter(context.Background(), "question", chunks)
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Filter() = %+v, want the original input preserved on parse failure", got)
	}
}

func TestLLMRelevanceFilter_FallsBackOnAllDropped(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"filter retrieved passages": `{"relevant": ["nonexistent-id"]}`,
	}}
	f := NewLLMRelevanceFilter(llm)

	chunks := []candidateChunk{{ChunkID: "a"}, {ChunkID: "b"}}
	got, err := f.Filter(context.Background(), "question", chunks)
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Filter() = %+v, want the full original input when the verdict matches nothing", got)
	}
}

var _ llmclient.Client = (*scriptedLLM)(nil)
