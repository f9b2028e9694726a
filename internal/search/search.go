// Package search maintains the vector index over agent embeddings and the
// in-process lexical index over agent names and keywords.
//
// Postgres stays the source of truth: the index stores only point IDs,
// vectors, and the payload fields needed for filtered queries. Callers
// hydrate full agent records from storage after every search.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/meibo/internal/model"
)

// Result holds an agent ID and its raw cosine similarity from the index.
type Result struct {
	AgentID string
	Score   float32
}

// Point is the data upserted into the vector index for one agent.
type Point struct {
	AgentID    string
	Category   model.Category
	UsageCount int64
	Embedding  []float32
}

// VectorIndex is the interface for ANN indexes over agent embeddings.
// Implementations must be safe for concurrent use.
type VectorIndex interface {
	// Query returns agent IDs whose embeddings score at or above threshold
	// against the query vector, best first, at most limit results. A non-nil
	// category restricts results via the payload filter.
	Query(ctx context.Context, embedding []float32, threshold float64, limit int, category *model.Category) ([]Result, error)

	// Upsert inserts or replaces points. The write is acknowledged by the
	// index before Upsert returns.
	Upsert(ctx context.Context, points []Point) error

	// Remove deletes agents from the index, acknowledged before returning.
	// Callers invoke this before deleting the agent row so a deleted agent
	// can never surface in a later query.
	Remove(ctx context.Context, agentIDs []string) error

	// Count reports the number of indexed points.
	Count(ctx context.Context) (uint64, error)

	// ListAgentIDs scrolls the full set of indexed agent IDs. Used by the
	// reconciler to diff the index against storage.
	ListAgentIDs(ctx context.Context) ([]string, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// pointNamespace salts the deterministic point IDs so they cannot collide
// with UUIDs from other collections sharing a Qdrant cluster.
var pointNamespace = uuid.MustParse("8f14ba53-35a9-4f37-9e2c-6d0a7e9b1c44")

// PointID derives the stable UUIDv5 point ID for an agent. The same agent
// always maps to the same point, so upserts replace instead of duplicating.
func PointID(agentID string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(agentID))
}
