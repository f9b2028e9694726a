package meibo

import "context"

// EmbeddingProvider lets embedders replace the auto-detected embedding
// backend (OpenAI/Ollama/noop). Implementations must return vectors of
// exactly Dimensions() length.
type EmbeddingProvider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the fixed output dimension.
	Dimensions() int
}

// VectorPoint is the data upserted into a vector index for one agent.
type VectorPoint struct {
	AgentID    string
	Category   string
	UsageCount int64
	Embedding  []float32
}

// VectorResult is one ANN hit: an agent ID and its similarity score.
type VectorResult struct {
	AgentID string
	Score   float32
}

// VectorIndex lets embedders replace the Qdrant-backed ANN index via
// WithVectorIndex. Implementations must be safe for concurrent use, apply
// the threshold and category filter inside Query, and acknowledge writes
// before Upsert/Remove return.
type VectorIndex interface {
	// Query returns agents scoring at or above threshold, best first, at most
	// limit results. An empty category means no filter.
	Query(ctx context.Context, embedding []float32, threshold float64, limit int, category string) ([]VectorResult, error)
	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []VectorPoint) error
	// Remove deletes agents from the index.
	Remove(ctx context.Context, agentIDs []string) error
	// Count reports the number of indexed points.
	Count(ctx context.Context) (uint64, error)
	// ListAgentIDs returns the full set of indexed agent IDs.
	ListAgentIDs(ctx context.Context) ([]string, error)
	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
	// Close releases the index.
	Close() error
}
