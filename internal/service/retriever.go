package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/connexus-ai/uia-backend/internal/index"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetrieverTopK        = 50
	defaultRetrieverFusionDepth = 60
)

// QueryEmbedder produces a single unit-norm embedding for a search
// query string.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RetrieveRequest is C5's input: 2-4 sub-queries from the RAG planner,
// an optional document allowlist, and tunable fan-out parameters.
type RetrieveRequest struct {
	SubQueries   []string
	DocAllowlist []string // docIds; empty means no restriction
	TopK         int      // per-source candidates per sub-query; 0 = default 50
	FusionDepth  int      // RRF k; 0 = default 60
}

// ArtifactsLoader abstracts index.Loader for testability.
type ArtifactsLoader interface {
	Load() (*index.Artifacts, error)
}

// HybridRetriever implements C5: per sub-query dense + BM25 search,
// fused with Reciprocal Rank Fusion, accumulated across sub-queries.
type HybridRetriever struct {
	loader   ArtifactsLoader
	embedder QueryEmbedder
}

// NewHybridRetriever creates a HybridRetriever over a memoized index
// Loader and a query embedder.
func NewHybridRetriever(loader ArtifactsLoader, embedder QueryEmbedder) *HybridRetriever {
	return &HybridRetriever{loader: loader, embedder: embedder}
}

// Retrieve runs the hybrid search algorithm in spec §4.5 and returns
// ranked chunk ids, descending by fused score. Never errors on empty
// input; an empty sub-query list yields an empty result.
func (r *HybridRetriever) Retrieve(ctx context.Context, req RetrieveRequest) ([]string, error) {
	if len(req.SubQueries) == 0 {
		return []string{}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultRetrieverTopK
	}
	fusionDepth := req.FusionDepth
	if fusionDepth <= 0 {
		fusionDepth = defaultRetrieverFusionDepth
	}

	art, err := r.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("service.Retrieve: load index: %w", err)
	}

	var allowlist map[string]struct{}
	if len(req.DocAllowlist) > 0 {
		allowlist = make(map[string]struct{}, len(req.DocAllowlist))
		for _, d := range req.DocAllowlist {
			allowlist[d] = struct{}{}
		}
	}

	accumulated := make(map[string]float64)

	for _, subQuery := range req.SubQueries {
		fused, err := r.retrieveOne(ctx, art, subQuery, topK, fusionDepth)
		if err != nil {
			return nil, err
		}
		for chunkID, score := range fused {
			accumulated[chunkID] += score
		}
	}

	slog.Debug("retriever.Retrieve", "sub_queries", len(req.SubQueries), "candidates", len(accumulated))

	type scoredChunk struct {
		chunkID string
		score   float64
	}
	results := make([]scoredChunk, 0, len(accumulated))
	for chunkID, score := range accumulated {
		if allowlist != nil {
			if _, ok := allowlist[docIDPrefix(chunkID)]; !ok {
				continue
			}
		}
		results = append(results, scoredChunk{chunkID: chunkID, score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunkID < results[j].chunkID
	})

	chunkIDs := make([]string, len(results))
	for i, res := range results {
		chunkIDs[i] = res.chunkID
	}
	return chunkIDs, nil
}

// retrieveOne runs the dense+BM25+RRF pipeline for a single sub-query,
// returning a chunkId -> fused-score map.
func (r *HybridRetriever) retrieveOne(ctx context.Context, art *index.Artifacts, query string, topK, fusionDepth int) (map[string]float64, error) {
	var denseRows, bm25Rows []int

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := r.embedder.Embed(gCtx, query)
		if err != nil {
			return fmt.Errorf("embed sub-query: %w", err)
		}
		denseRows = art.Vectors.Search(vec, topK)
		return nil
	})
	g.Go(func() error {
		bm25Rows = art.BM25.Search(index.Tokenize(query), topK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("service.retrieveOne: %w", err)
	}

	fused := make(map[string]float64)
	for rank, row := range denseRows {
		if row < 0 || row >= len(art.Meta) {
			continue
		}
		fused[art.Meta[row].ChunkID] += 1.0 / float64(fusionDepth+rank)
	}
	for rank, row := range bm25Rows {
		if row < 0 || row >= len(art.BM25ChunkIDs) {
			continue
		}
		fused[art.BM25ChunkIDs[row]] += 1.0 / float64(fusionDepth+rank)
	}
	return fused, nil
}

// docIDPrefix returns the docId portion of a chunkId, the text before
// its first colon.
func docIDPrefix(chunkID string) string {
	if i := strings.IndexByte(chunkID, ':'); i >= 0 {
		return chunkID[:i]
	}
	return chunkID
}
