package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/meibo/internal/model"
)

// UpsertAgentByType inserts or updates an agent keyed by its unique
// agent_type. Catalog ingestion uses this so reloading the same catalog
// converges instead of erroring on existing rows. Live usage counters are
// never touched by the upsert; an index upsert is enqueued in the same
// transaction whenever an embedding is present.
//
// Returns the stored row and whether it was newly created.
func (db *DB) UpsertAgentByType(ctx context.Context, agent model.Agent) (model.Agent, bool, error) {
	normalizeAgent(&agent)

	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return model.Agent{}, false, err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	var created bool
	row := tx.QueryRow(ctx,
		`INSERT INTO agents (agent_id, agent_type, name, display_name, category, description,
			capabilities, tools, keywords, embedding, file_path, estimated_tokens, metadata,
			content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (agent_type) DO UPDATE SET
			name             = EXCLUDED.name,
			display_name     = EXCLUDED.display_name,
			category         = EXCLUDED.category,
			description      = EXCLUDED.description,
			capabilities     = EXCLUDED.capabilities,
			tools            = EXCLUDED.tools,
			keywords         = EXCLUDED.keywords,
			embedding        = COALESCE(EXCLUDED.embedding, agents.embedding),
			file_path        = EXCLUDED.file_path,
			estimated_tokens = EXCLUDED.estimated_tokens,
			metadata         = EXCLUDED.metadata,
			content_hash     = EXCLUDED.content_hash,
			updated_at       = now()
		 RETURNING `+agentColumns+`, (xmax = 0) AS inserted`,
		agent.AgentID, agent.AgentType, agent.Name, agent.DisplayName, string(agent.Category),
		agent.Description, agent.Capabilities, agent.Tools, agent.Keywords, agent.Embedding,
		agent.FilePath, agent.EstimatedTokens, agent.Metadata, agent.ContentHash,
	)

	var stored model.Agent
	err = row.Scan(
		&stored.AgentID, &stored.AgentType, &stored.Name, &stored.DisplayName, &stored.Category,
		&stored.Description, &stored.Capabilities, &stored.Tools, &stored.Keywords,
		&stored.Embedding, &stored.FilePath, &stored.EstimatedTokens, &stored.Metadata,
		&stored.ContentHash, &stored.SuccessfulInvocations, &stored.FailedInvocations,
		&stored.AvgResponseTimeMs, &stored.CreatedAt, &stored.UpdatedAt, &stored.LastUsedAt,
		&created,
	)
	if err != nil {
		// A catalog entry whose agent_id collides with a different row's
		// agent_id (same id, different type) cannot be upserted.
		return model.Agent{}, false, mapWriteErr("upsert agent by type", err)
	}

	if agent.Embedding != nil {
		if err := enqueueIndexUpsertTx(ctx, tx, stored.AgentID); err != nil {
			return model.Agent{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, false, fmt.Errorf("storage: commit upsert agent: %w", err)
	}
	return stored, created, nil
}
