package service

import (
	"context"
	"testing"

	"github.com/connexus-ai/uia-backend/internal/index"
)

// fakeEmbedder returns a fixed vector for every query.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func TestHybridRetriever_EmptySubQueriesYieldsEmptyNoError(t *testing.T) {
	r := NewHybridRetriever(erroringLoader{}, &fakeEmbedder{})
	got, err := r.Retrieve(context.Background(), RetrieveRequest{})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Retrieve() = %v, want empty", got)
	}
}

// emptyArtifactsLoader returns zero-value index structures, enough to
// exercise the fusion/sort path without needing real on-disk artifacts.
type emptyArtifactsLoader struct{}

func (emptyArtifactsLoader) Load() (*index.Artifacts, error) {
	return &index.Artifacts{
		Meta:         []index.ChunkMeta{},
		MetaByChunk:  map[string]int{},
		Vectors:      &index.FlatVectorIndex{},
		BM25:         &index.BM25Index{},
		BM25ChunkIDs: []string{},
	}, nil
}

func TestHybridRetriever_NoCandidatesYieldsEmptyResult(t *testing.T) {
	r := NewHybridRetriever(emptyArtifactsLoader{}, &fakeEmbedder{vec: []float32{1, 0, 0}})
	got, err := r.Retrieve(context.Background(), RetrieveRequest{SubQueries: []string{"what skills matter"}})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Retrieve() = %v, want empty when the index has no rows", got)
	}
}

func TestHybridRetriever_LoaderErrorPropagates(t *testing.T) {
	r := NewHybridRetriever(erroringLoader{}, &fakeEmbedder{})
	_, err := r.Retrieve(context.Background(), RetrieveRequest{SubQueries: []string{"anything"}})
	if err == nil {
		t.Error("Retrieve() expected error when the index loader fails")
	}
}

func TestDocIDPrefix(t *testing.T) {
	cases := []struct {
		chunkID string
		want    string
	}{
		{"doc-1:chunk-3", "doc-1"},
		{"no-colon-here", "no-colon-here"},
		{"", ""},
	}
	for _, c := range cases {
		if got := docIDPrefix(c.chunkID); got != c.want {
			t.Errorf("docIDPrefix(%q) = %q, want %q", c.chunkID, got, c.want)
		}
	}
}
