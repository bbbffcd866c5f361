package model

// ChunkType classifies the shape of a RetrievalChunk's source content.
type ChunkType string

const (
	ChunkText  ChunkType = "text"
	ChunkTable ChunkType = "table"
	ChunkCode  ChunkType = "code"
)

// RetrievalChunk is an offline-produced, read-only unit of indexed
// corpus text. ChunkID encodes "docId:version:blockRange:index:shortHash".
type RetrievalChunk struct {
	ChunkID       string    `json:"chunk_id"`
	DocID         string    `json:"doc_id"`
	Version       string    `json:"version"`
	Text          string    `json:"text"`
	EmbeddingText string    `json:"embedding_text,omitempty"`
	SectionPath   []string  `json:"section_path"`
	Breadcrumb    string    `json:"breadcrumb"`
	ChunkType     ChunkType `json:"chunk_type"`
	TokenCount    int       `json:"token_count"`
}

// IndexConfig describes the embedding model and vector layout the index
// was built with (index_config.json).
type IndexConfig struct {
	ModelName         string `json:"model_name"`
	VecDim            int    `json:"vec_dim"`
	NormalizeVectors  bool   `json:"normalize_vectors"`
	UseEmbeddingText  bool   `json:"use_embedding_text"`
}
