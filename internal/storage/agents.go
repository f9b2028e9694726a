package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/meibo/internal/model"
)

const agentColumns = `agent_id, agent_type, name, display_name, category, description,
	capabilities, tools, keywords, embedding, file_path, estimated_tokens, metadata,
	content_hash, successful_invocations, failed_invocations, avg_response_time_ms,
	created_at, updated_at, last_used_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	var embedding *pgvector.Vector
	err := row.Scan(
		&a.AgentID, &a.AgentType, &a.Name, &a.DisplayName, &a.Category, &a.Description,
		&a.Capabilities, &a.Tools, &a.Keywords, &embedding, &a.FilePath, &a.EstimatedTokens,
		&a.Metadata, &a.ContentHash, &a.SuccessfulInvocations, &a.FailedInvocations,
		&a.AvgResponseTimeMs, &a.CreatedAt, &a.UpdatedAt, &a.LastUsedAt,
	)
	if err != nil {
		return model.Agent{}, err
	}
	a.Embedding = embedding
	return a, nil
}

// CreateAgent inserts a new agent and enqueues a vector-index upsert in the
// same transaction so the index write cannot be lost.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	normalizeAgent(&agent)

	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return model.Agent{}, err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (agent_id, agent_type, name, display_name, category, description,
			capabilities, tools, keywords, embedding, file_path, estimated_tokens, metadata,
			content_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		agent.AgentID, agent.AgentType, agent.Name, agent.DisplayName, string(agent.Category),
		agent.Description, agent.Capabilities, agent.Tools, agent.Keywords, agent.Embedding,
		agent.FilePath, agent.EstimatedTokens, agent.Metadata, agent.ContentHash,
		agent.CreatedAt, agent.UpdatedAt,
	); err != nil {
		return model.Agent{}, mapWriteErr("create agent", err)
	}

	if err := enqueueIndexUpsertTx(ctx, tx, agent.AgentID); err != nil {
		return model.Agent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit create agent: %w", err)
	}
	return agent, nil
}

// GetAgent fetches one agent by its agent_id.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	a, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, mapReadErr("get agent", err)
	}
	return a, nil
}

// GetAgentByType fetches one agent by its unique agent_type.
func (db *DB) GetAgentByType(ctx context.Context, agentType string) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_type = $1`, agentType)
	a, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, mapReadErr("get agent by type", err)
	}
	return a, nil
}

// GetAgentsByIDs fetches a batch of agents keyed by agent_id. Missing IDs are
// simply absent from the result, not an error.
func (db *DB) GetAgentsByIDs(ctx context.Context, agentIDs []string) (map[string]model.Agent, error) {
	if len(agentIDs) == 0 {
		return map[string]model.Agent{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ANY($1)`, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get agents by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Agent, len(agentIDs))
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		out[a.AgentID] = a
	}
	return out, rows.Err()
}

// ListAgents returns agents ordered by agent_id, optionally filtered by
// category, with limit/offset pagination.
func (db *DB) ListAgents(ctx context.Context, category *model.Category, limit, offset int) ([]model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if category != nil {
		query += ` WHERE category = $1`
		args = append(args, string(*category))
	}
	query += fmt.Sprintf(` ORDER BY agent_id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of agents, optionally within a category.
func (db *DB) CountAgents(ctx context.Context, category *model.Category) (int64, error) {
	var count int64
	var err error
	if category != nil {
		err = db.pool.QueryRow(ctx,
			`SELECT count(*) FROM agents WHERE category = $1`, string(*category)).Scan(&count)
	} else {
		err = db.pool.QueryRow(ctx, `SELECT count(*) FROM agents`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}

// ListAgentIDs returns every agent_id. Used by the index reconciler to compare
// store contents against the vector index.
func (db *DB) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT agent_id FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAgent applies a partial update. Unset fields keep their stored value.
// When embedding is non-nil the content changed and the new vector is stored
// alongside; an index upsert is enqueued in the same transaction.
func (db *DB) UpdateAgent(ctx context.Context, agentID string, upd model.AgentUpdate, contentHash string, embedding *pgvector.Vector) (model.Agent, error) {
	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return model.Agent{}, err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	var category *string
	if upd.Category != nil {
		s := string(*upd.Category)
		category = &s
	}

	row := tx.QueryRow(ctx,
		`UPDATE agents SET
			name             = COALESCE($2, name),
			display_name     = COALESCE($3, display_name),
			category         = COALESCE($4, category),
			description      = COALESCE($5, description),
			capabilities     = COALESCE($6, capabilities),
			tools            = COALESCE($7, tools),
			keywords         = COALESCE($8, keywords),
			file_path        = COALESCE($9, file_path),
			estimated_tokens = COALESCE($10, estimated_tokens),
			metadata         = COALESCE($11, metadata),
			content_hash     = COALESCE($12, content_hash),
			embedding        = COALESCE($13, embedding),
			updated_at       = now()
		 WHERE agent_id = $1
		 RETURNING `+agentColumns,
		agentID, upd.Name, upd.DisplayName, category, upd.Description,
		upd.Capabilities, upd.Tools, upd.Keywords, upd.FilePath, upd.EstimatedTokens,
		upd.Metadata, nullIfEmpty(contentHash), embedding,
	)
	a, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, mapReadErr("update agent", err)
	}

	if embedding != nil {
		if err := enqueueIndexUpsertTx(ctx, tx, agentID); err != nil {
			return model.Agent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit update agent: %w", err)
	}
	return a, nil
}

// SetAgentEmbedding stores a freshly computed vector and enqueues the index
// upsert atomically. Used when re-embedding happens out of band.
func (db *DB) SetAgentEmbedding(ctx context.Context, agentID string, embedding pgvector.Vector) error {
	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE agents SET embedding = $2, updated_at = now() WHERE agent_id = $1`,
		agentID, embedding)
	if err != nil {
		return fmt.Errorf("storage: set agent embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set agent embedding: %w", model.ErrNotFound)
	}
	if err := enqueueIndexUpsertTx(ctx, tx, agentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func normalizeAgent(a *model.Agent) {
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	if a.Tools == nil {
		a.Tools = []string{}
	}
	if a.Keywords == nil {
		a.Keywords = []string{}
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
