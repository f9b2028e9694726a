// Package registry implements agent lifecycle orchestration: registration,
// content updates, deletion, and bulk catalog ingestion.
//
// Writes land in Postgres first; vector-index upserts ride the outbox so an
// index outage never loses a registration. Deletion is the one synchronous
// index operation: the point is removed before the delete is acknowledged.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/blake2b"

	"github.com/ashita-ai/meibo/internal/model"
	"github.com/ashita-ai/meibo/internal/search"
	"github.com/ashita-ai/meibo/internal/service/embedding"
	"github.com/ashita-ai/meibo/internal/storage"
	"github.com/ashita-ai/meibo/internal/telemetry"
)

// Store is the slice of the storage layer the registry writes through.
type Store interface {
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	GetAgentByType(ctx context.Context, agentType string) (model.Agent, error)
	UpdateAgent(ctx context.Context, agentID string, upd model.AgentUpdate, contentHash string, embedding *pgvector.Vector) (model.Agent, error)
	UpsertAgentByType(ctx context.Context, agent model.Agent) (model.Agent, bool, error)
	DeleteAgent(ctx context.Context, agentID string) (storage.DeleteAgentResult, error)
	ReplaceDependencies(ctx context.Context, agentID string, edges []model.DependencyEdge) error
	ListAgents(ctx context.Context, category *model.Category, limit, offset int) ([]model.Agent, error)
}

// Service orchestrates agent lifecycle operations.
type Service struct {
	store    Store
	index    search.VectorIndex
	lexical  *search.LexicalIndex
	embedder embedding.Provider
	logger   *slog.Logger

	ingestDuration metric.Float64Histogram
}

// New creates a registry Service. lexical may be nil to disable lexical
// indexing.
func New(store Store, index search.VectorIndex, lexical *search.LexicalIndex, embedder embedding.Provider, logger *slog.Logger) *Service {
	meter := telemetry.Meter("meibo/registry")
	ingestDur, _ := meter.Float64Histogram("meibo.ingest.duration",
		metric.WithDescription("Per-entry catalog ingest latency (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:          store,
		index:          index,
		lexical:        lexical,
		embedder:       embedder,
		logger:         logger,
		ingestDuration: ingestDur,
	}
}

// ContentHash computes the blake2b-256 hex digest of an agent's embeddable
// content. Ingestion compares digests to skip redundant embedding calls.
func ContentHash(agent model.Agent) string {
	sum := blake2b.Sum256([]byte(agent.EmbeddableContent()))
	return hex.EncodeToString(sum[:])
}

// RegisterAgent validates, embeds, and stores a new agent. The vector-index
// upsert is enqueued transactionally with the insert.
func (s *Service) RegisterAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if err := agent.Validate(); err != nil {
		return model.Agent{}, err
	}

	vec, err := s.embed(ctx, agent)
	if err != nil {
		return model.Agent{}, err
	}
	agent.Embedding = vec
	agent.ContentHash = ContentHash(agent)

	created, err := s.store.CreateAgent(ctx, agent)
	if err != nil {
		return model.Agent{}, err
	}

	s.lexicalIndex(created)
	s.logger.Info("registered agent", "agent_id", created.AgentID, "category", created.Category)
	return created, nil
}

// UpdateAgent applies a partial update. When the update touches embeddable
// content (name, description, keywords) the agent is re-embedded and the
// index upsert rides the same transaction.
func (s *Service) UpdateAgent(ctx context.Context, agentID string, upd model.AgentUpdate) (model.Agent, error) {
	if err := upd.Validate(); err != nil {
		return model.Agent{}, err
	}

	var newHash string
	var vec *pgvector.Vector
	if upd.TouchesContent() {
		current, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return model.Agent{}, err
		}
		projected := projectUpdate(current, upd)
		newHash = ContentHash(projected)
		if newHash != current.ContentHash {
			vec, err = s.embed(ctx, projected)
			if err != nil {
				return model.Agent{}, err
			}
		} else {
			newHash = "" // content unchanged, keep the stored hash
		}
	}

	updated, err := s.store.UpdateAgent(ctx, agentID, upd, newHash, vec)
	if err != nil {
		return model.Agent{}, err
	}

	s.lexicalIndex(updated)
	return updated, nil
}

// DeleteAgent removes an agent everywhere. The vector-index remove happens
// first and synchronously: once this returns, no discovery query can surface
// the agent. The storage delete then cascades edges, usage, and statistics.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return err
	}

	if err := s.index.Remove(ctx, []string{agentID}); err != nil {
		return fmt.Errorf("registry: remove from index: %w", err)
	}
	if s.lexical != nil {
		if err := s.lexical.Remove(agentID); err != nil {
			s.logger.Warn("registry: lexical remove", "agent_id", agentID, "error", err)
		}
	}

	res, err := s.store.DeleteAgent(ctx, agentID)
	if err != nil {
		return err
	}
	s.logger.Info("deleted agent", "agent_id", agentID,
		"dependency_edges", res.DependencyEdges, "usage_events", res.UsageEvents)
	return nil
}

// LoadFromCatalog bulk-upserts catalog entries, keyed by agent_type. Per-entry
// failures are isolated: one bad entry never rolls back its batch-mates.
// Entries whose content hash matches the stored record skip the embedding
// call and count as unchanged.
//
// Dependency edges are applied in a second pass so edges may reference agents
// defined later in the same catalog.
func (s *Service) LoadFromCatalog(ctx context.Context, entries []model.CatalogEntry) (model.CatalogLoadResult, error) {
	var result model.CatalogLoadResult
	type pendingDeps struct {
		agentID string
		edges   []model.DependencyEdge
	}
	var deps []pendingDeps

	for _, entry := range entries {
		start := time.Now()
		agentID, err := s.ingestEntry(ctx, entry, &result)
		s.ingestDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if err != nil {
			result.Failures = append(result.Failures, model.EntryFailure{
				EntryID: entryID(entry),
				Err:     err,
				Message: err.Error(),
			})
			continue
		}
		if len(entry.Dependencies) > 0 {
			edges := make([]model.DependencyEdge, len(entry.Dependencies))
			for i, e := range entry.Dependencies {
				if e.AgentID == "" {
					e.AgentID = agentID
				}
				edges[i] = e
			}
			deps = append(deps, pendingDeps{agentID: agentID, edges: edges})
		}
	}

	for _, d := range deps {
		if err := s.store.ReplaceDependencies(ctx, d.agentID, d.edges); err != nil {
			result.Failures = append(result.Failures, model.EntryFailure{
				EntryID: d.agentID,
				Err:     err,
				Message: fmt.Sprintf("dependencies: %s", err),
			})
		}
	}

	s.logger.Info("catalog load complete",
		"entries", len(entries), "upserted", result.UpsertedCount,
		"unchanged", result.Unchanged, "failures", len(result.Failures))
	return result, nil
}

// ingestEntry upserts one entry and reports its stored agent_id.
func (s *Service) ingestEntry(ctx context.Context, entry model.CatalogEntry, result *model.CatalogLoadResult) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}

	agent := model.Agent{
		AgentID:         entry.AgentID,
		AgentType:       entry.AgentType,
		Name:            entry.Name,
		DisplayName:     entry.DisplayName,
		Category:        entry.Category,
		Description:     entry.Description,
		Capabilities:    entry.Capabilities,
		Tools:           entry.Tools,
		Keywords:        entry.Keywords,
		FilePath:        entry.FilePath,
		EstimatedTokens: entry.EstimatedTokens,
		Metadata:        entry.Metadata,
	}
	agent.ContentHash = ContentHash(agent)

	existing, err := s.store.GetAgentByType(ctx, entry.AgentType)
	switch {
	case err == nil:
		if existing.ContentHash == agent.ContentHash && existing.Embedding != nil {
			// Content unchanged: skip the embedding call. Non-content fields
			// may still differ, so the upsert below runs either way, reusing
			// the stored vector.
			agent.Embedding = nil
			result.Unchanged++
		} else {
			vec, err := s.embed(ctx, agent)
			if err != nil {
				return "", err
			}
			agent.Embedding = vec
			result.UpsertedCount++
		}
	case errors.Is(err, model.ErrNotFound):
		vec, err := s.embed(ctx, agent)
		if err != nil {
			return "", err
		}
		agent.Embedding = vec
		result.UpsertedCount++
	default:
		return "", err
	}

	stored, _, err := s.store.UpsertAgentByType(ctx, agent)
	if err != nil {
		// Roll back the optimistic counter bump for this entry.
		if agent.Embedding != nil && result.UpsertedCount > 0 {
			result.UpsertedCount--
		} else if agent.Embedding == nil && result.Unchanged > 0 {
			result.Unchanged--
		}
		return "", err
	}

	s.lexicalIndex(stored)
	return stored.AgentID, nil
}

// embed computes the agent's content embedding and validates its dimension.
func (s *Service) embed(ctx context.Context, agent model.Agent) (*pgvector.Vector, error) {
	vec, err := s.embedder.Embed(ctx, agent.EmbeddableContent())
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s: %v", model.ErrEmbedding, agent.AgentID, err)
	}
	if got := len(vec.Slice()); got != s.embedder.Dimensions() {
		return nil, model.Validationf("embedding dimension %d, expected %d", got, s.embedder.Dimensions())
	}
	return &vec, nil
}

func (s *Service) lexicalIndex(agent model.Agent) {
	if s.lexical == nil {
		return
	}
	if err := s.lexical.Index(agent); err != nil {
		s.logger.Warn("registry: lexical index", "agent_id", agent.AgentID, "error", err)
	}
}

// RebuildLexicalIndex repopulates the in-memory lexical index from storage.
// Called on startup; the index is never persisted.
func (s *Service) RebuildLexicalIndex(ctx context.Context) error {
	if s.lexical == nil {
		return nil
	}
	const page = 500
	for offset := 0; ; offset += page {
		agents, err := s.store.ListAgents(ctx, nil, page, offset)
		if err != nil {
			return fmt.Errorf("registry: rebuild lexical index: %w", err)
		}
		for _, a := range agents {
			s.lexicalIndex(a)
		}
		if len(agents) < page {
			return nil
		}
	}
}

// projectUpdate applies the update's content fields to a copy of the current
// record so the new content hash and embedding reflect the post-update state.
func projectUpdate(current model.Agent, upd model.AgentUpdate) model.Agent {
	out := current
	if upd.Name != nil {
		out.Name = *upd.Name
	}
	if upd.Description != nil {
		out.Description = *upd.Description
	}
	if upd.Keywords != nil {
		out.Keywords = upd.Keywords
	}
	return out
}

func entryID(entry model.CatalogEntry) string {
	if entry.AgentID != "" {
		return entry.AgentID
	}
	return entry.AgentType
}
