package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/meibo/internal/model"
)

// ReplaceDependencies swaps an agent's outgoing dependency edges for the given
// set in one transaction. Edges referencing unknown agents fail the whole call
// with a foreign-key violation surfaced as a validation error.
func (db *DB) ReplaceDependencies(ctx context.Context, agentID string, edges []model.DependencyEdge) error {
	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	if err := replaceDependenciesTx(ctx, tx, agentID, edges); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func replaceDependenciesTx(ctx context.Context, tx pgx.Tx, agentID string, edges []model.DependencyEdge) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM agent_dependencies WHERE agent_id = $1`, agentID,
	); err != nil {
		return fmt.Errorf("storage: clear dependencies: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_dependencies (agent_id, depends_on_agent_id, dependency_type)
			 VALUES ($1, $2, $3)`,
			agentID, e.DependsOnID, string(e.DependencyType),
		); err != nil {
			return fmt.Errorf("storage: insert dependency %s -> %s: %w", agentID, e.DependsOnID, err)
		}
	}
	return nil
}

// ListDependencies returns an agent's outgoing edges ordered by target.
func (db *DB) ListDependencies(ctx context.Context, agentID string) ([]model.DependencyEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, depends_on_agent_id, dependency_type, created_at
		 FROM agent_dependencies
		 WHERE agent_id = $1
		 ORDER BY depends_on_agent_id`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dependencies: %w", err)
	}
	defer rows.Close()

	var edges []model.DependencyEdge
	for rows.Next() {
		var e model.DependencyEdge
		if err := rows.Scan(&e.AgentID, &e.DependsOnID, &e.DependencyType, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dependency: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListDependents returns the reverse edges: agents that depend on agentID.
func (db *DB) ListDependents(ctx context.Context, agentID string) ([]model.DependencyEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, depends_on_agent_id, dependency_type, created_at
		 FROM agent_dependencies
		 WHERE depends_on_agent_id = $1
		 ORDER BY agent_id`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dependents: %w", err)
	}
	defer rows.Close()

	var edges []model.DependencyEdge
	for rows.Next() {
		var e model.DependencyEdge
		if err := rows.Scan(&e.AgentID, &e.DependsOnID, &e.DependencyType, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dependent: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
