package entities

import "time"

// EmbeddingDimensions is the fixed vector size of text-embedding-3-small.
const EmbeddingDimensions = 1536

type KnowledgeChunk struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ScoredChunk is a knowledge chunk ranked against a query embedding.
type ScoredChunk struct {
	KnowledgeChunk
	Similarity float64 `json:"similarity"`
}
