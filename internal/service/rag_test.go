package service

import (
	"context"
	"testing"
)

func TestRAGEngine_Answer_EmptyQuestionShortCircuits(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{}}
	retriever := NewHybridRetriever(emptyArtifactsLoader{}, &fakeEmbedder{})
	e := NewRAGEngine(llm, retriever, nil, RAGEngineConfig{})

	got, err := e.Answer(context.Background(), RAGRequest{CurrentQuestion: "   "})
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got.Used {
		t.Error("Answer().Used = true, want false for a blank question")
	}
	if len(llm.calls) != 0 {
		t.Error("Answer() should not call the LLM for a blank question")
	}
}

func TestRAGEngine_Answer_NoRetrievalCandidatesReturnsUnused(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"plan retrieval sub-queries": `{"link_prev": false, "queries": ["career advice"], "doc_filters": [], "style": "direct", "tone": "warm", "format": "paragraph", "audience": "general"}`,
	}}
	retriever := NewHybridRetriever(emptyArtifactsLoader{}, &fakeEmbedder{vec: []float32{1}})
	e := NewRAGEngine(llm, retriever, nil, RAGEngineConfig{})

	got, err := e.Answer(context.Background(), RAGRequest{CurrentQuestion: "what skills should I build?"})
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got.Used {
		t.Error("Answer().Used = true, want false when the index has no candidates")
	}
}

func TestRAGEngine_Plan_FallsBackToCurrentQuestionOnParseFailure(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"plan retrieval sub-queries": `not json`,
	}}
	retriever := NewHybridRetriever(emptyArtifactsLoader{}, &fakeEmbedder{})
	e := NewRAGEngine(llm, retriever, nil, RAGEngineConfig{})

	plan, err := e.plan(context.Background(), RAGRequest{CurrentQuestion: "how do I grow my career?"})
	if err != nil {
		t.Fatalf("plan() error: %v", err)
	}
	if len(plan.Queries) != 1 || plan.Queries[0] != "how do I grow my career?" {
		t.Errorf("plan().Queries = %v, want the original question as a single fallback query", plan.Queries)
	}
}

func TestRAGEngine_Plan_CapsAtFourQueries(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"plan retrieval sub-queries": `{"queries": ["a", "b", "c", "d", "e", "f"]}`,
	}}
	retriever := NewHybridRetriever(emptyArtifactsLoader{}, &fakeEmbedder{})
	e := NewRAGEngine(llm, retriever, nil, RAGEngineConfig{})

	plan, err := e.plan(context.Background(), RAGRequest{CurrentQuestion: "q"})
	if err != nil {
		t.Fatalf("plan() error: %v", err)
	}
	if len(plan.Queries) != 4 {
		t.Errorf("plan().Queries has %d items, want capped at 4", len(plan.Queries))
	}
}

func TestFirstN_ClampsToAvailableLength(t *testing.T) {
	chunks := []candidateChunk{{ChunkID: "a"}, {ChunkID: "b"}}
	if got := firstN(chunks, 10); len(got) != 2 {
		t.Errorf("firstN(_, 10) returned %d items, want 2 (clamped)", len(got))
	}
	if got := firstN(chunks, 1); len(got) != 1 || got[0].ChunkID != "a" {
		t.Errorf("firstN(_, 1) = %+v, want just chunk a", got)
	}
}

func TestPackContext_StopsOnceOverTokenLimit(t *testing.T) {
	chunks := []candidateChunk{
		{ChunkID: "a", Text: "short chunk body"},
		{ChunkID: "b", Text: "another chunk body that is a bit longer than the first"},
		{ChunkID: "c", Text: "a third chunk that should be dropped once the budget is used up"},
	}
	packed, included := packContext(chunks, 5) // tiny limit: 5*4 = 20 chars
	if len(included) == 0 {
		t.Fatal("packContext() included nothing, want at least the first chunk")
	}
	if included[0].ChunkID != "a" {
		t.Errorf("packContext() first included chunk = %q, want a", included[0].ChunkID)
	}
	if len(included) == len(chunks) {
		t.Error("packContext() included every chunk, want the tight limit to drop at least one")
	}
	if packed == "" {
		t.Error("packContext() returned empty packed text")
	}
}
