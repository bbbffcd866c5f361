package index

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Posting is one (row, term frequency) pair for a single term.
type bm25Posting struct {
	Row int `json:"row"`
	TF  int `json:"tf"`
}

// bm25OnDisk is the on-disk shape of bm25.json: an inverted index over
// the rows addressed by bm25_doc_ids.json, plus each row's token count
// so the length-normalization term can be reconstructed without
// retokenizing every chunk body at load time.
type bm25OnDisk struct {
	DocLengths []int                    `json:"doc_lengths"`
	Postings   map[string][]bm25Posting `json:"postings"`
}

// BM25Index scores queries against a lexical inverted index, using the
// Okapi BM25 ranking function (k1=1.5, b=0.75, matching the offline
// index build). Rows here are positions into the parallel
// bm25_doc_ids.json chunk-id list, which is not guaranteed to be the
// same length or ordering as meta.jsonl.
type BM25Index struct {
	docLengths []int
	avgDocLen  float64
	postings   map[string][]bm25Posting
	numDocs    int
}

func loadBM25Index(path string, chunkIDs []string) (*BM25Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var onDisk bm25OnDisk
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("parse bm25 index: %w", err)
	}
	if len(onDisk.DocLengths) != len(chunkIDs) {
		return nil, fmt.Errorf("bm25 doc_lengths has %d rows, bm25_doc_ids has %d", len(onDisk.DocLengths), len(chunkIDs))
	}

	var total int
	for _, l := range onDisk.DocLengths {
		total += l
	}
	avg := 0.0
	if len(onDisk.DocLengths) > 0 {
		avg = float64(total) / float64(len(onDisk.DocLengths))
	}

	return &BM25Index{
		docLengths: onDisk.DocLengths,
		avgDocLen:  avg,
		postings:   onDisk.Postings,
		numDocs:    len(onDisk.DocLengths),
	}, nil
}

// scored is one row's accumulated BM25 score, used internally for the
// partial top-K sort.
type scored struct {
	row   int
	score float64
}

// Search scores every row carrying at least one query term and returns
// the topK highest-scoring rows as indices into bm25_doc_ids.json,
// descending by score. An empty or all-unknown query yields no hits,
// never an error.
func (b *BM25Index) Search(tokens []string, topK int) []int {
	if b == nil || b.numDocs == 0 || len(tokens) == 0 {
		return nil
	}

	termCounts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		termCounts[t]++
	}

	acc := make(map[int]float64)
	for term, qtf := range termCounts {
		postings, ok := b.postings[term]
		if !ok || len(postings) == 0 {
			continue
		}
		df := float64(len(postings))
		idf := math.Log(1 + (float64(b.numDocs)-df+0.5)/(df+0.5))
		for _, p := range postings {
			docLen := float64(b.docLengths[p.Row])
			norm := 1 - bm25B + bm25B*docLen/b.avgDocLen
			termScore := idf * (float64(p.TF) * (bm25K1 + 1)) / (float64(p.TF) + bm25K1*norm)
			acc[p.Row] += termScore * float64(qtf)
		}
	}

	results := make([]scored, 0, len(acc))
	for row, s := range acc {
		results = append(results, scored{row: row, score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].row < results[j].row
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	rows := make([]int, len(results))
	for i, r := range results {
		rows[i] = r.row
	}
	return rows
}
