package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/meibo/internal/model"
)

// DeleteAgentResult reports what a cascade delete removed.
type DeleteAgentResult struct {
	DependencyEdges int64
	UsageEvents     int64
}

// DeleteAgent removes an agent and everything attached to it in one
// transaction: dependency edges in both directions, usage history, statistics
// rollups, and any pending outbox entry. Callers must remove the agent from
// the vector index before invoking this so a vanished agent can never
// reappear in search results.
func (db *DB) DeleteAgent(ctx context.Context, agentID string) (DeleteAgentResult, error) {
	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return DeleteAgentResult{}, err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	var res DeleteAgentResult

	tag, err := tx.Exec(ctx,
		`DELETE FROM agent_dependencies WHERE agent_id = $1 OR depends_on_agent_id = $1`, agentID)
	if err != nil {
		return DeleteAgentResult{}, fmt.Errorf("storage: delete dependency edges: %w", err)
	}
	res.DependencyEdges = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM agent_usage WHERE agent_id = $1`, agentID)
	if err != nil {
		return DeleteAgentResult{}, fmt.Errorf("storage: delete usage events: %w", err)
	}
	res.UsageEvents = tag.RowsAffected()

	if _, err := tx.Exec(ctx, `DELETE FROM agent_statistics WHERE agent_id = $1`, agentID); err != nil {
		return DeleteAgentResult{}, fmt.Errorf("storage: delete statistics: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM index_outbox WHERE agent_id = $1`, agentID); err != nil {
		return DeleteAgentResult{}, fmt.Errorf("storage: delete outbox entries: %w", err)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return DeleteAgentResult{}, fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return DeleteAgentResult{}, fmt.Errorf("storage: delete agent: %w", model.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return DeleteAgentResult{}, fmt.Errorf("storage: commit delete agent: %w", err)
	}
	return res, nil
}
