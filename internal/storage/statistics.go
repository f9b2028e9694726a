package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/meibo/internal/model"
)

// RefreshStatistics recomputes the per-agent reporting rollups from the raw
// usage events in one statement. Agents with no usage get a zero row so the
// view is total over registered agents. Staleness is bounded by the caller's
// refresh cadence, not by this function.
func (db *DB) RefreshStatistics(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO agent_statistics (
			agent_id, total_invocations, completed_count, failed_count,
			timeout_count, in_progress_count, distinct_workflows,
			p95_response_time_ms, p99_response_time_ms, last_invoked_at, refreshed_at)
		SELECT
			a.agent_id,
			count(u.id),
			count(u.id) FILTER (WHERE u.status = 'completed'),
			count(u.id) FILTER (WHERE u.status = 'failed'),
			count(u.id) FILTER (WHERE u.status = 'timeout'),
			count(u.id) FILTER (WHERE u.status = 'in_progress'),
			count(DISTINCT u.workflow_id) FILTER (WHERE u.workflow_id <> ''),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY u.response_time_ms)
				FILTER (WHERE u.response_time_ms IS NOT NULL),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY u.response_time_ms)
				FILTER (WHERE u.response_time_ms IS NOT NULL),
			max(u.invoked_at),
			now()
		FROM agents a
		LEFT JOIN agent_usage u ON u.agent_id = a.agent_id
		GROUP BY a.agent_id
		ON CONFLICT (agent_id) DO UPDATE SET
			total_invocations    = EXCLUDED.total_invocations,
			completed_count      = EXCLUDED.completed_count,
			failed_count         = EXCLUDED.failed_count,
			timeout_count        = EXCLUDED.timeout_count,
			in_progress_count    = EXCLUDED.in_progress_count,
			distinct_workflows   = EXCLUDED.distinct_workflows,
			p95_response_time_ms = EXCLUDED.p95_response_time_ms,
			p99_response_time_ms = EXCLUDED.p99_response_time_ms,
			last_invoked_at      = EXCLUDED.last_invoked_at,
			refreshed_at         = EXCLUDED.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("storage: refresh statistics: %w", err)
	}
	return nil
}

// GetAgentStatistics returns the last refreshed rollup for one agent.
func (db *DB) GetAgentStatistics(ctx context.Context, agentID string) (model.AgentStatistics, error) {
	var s model.AgentStatistics
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, total_invocations, completed_count, failed_count,
			timeout_count, in_progress_count, distinct_workflows,
			p95_response_time_ms, p99_response_time_ms, last_invoked_at, refreshed_at
		 FROM agent_statistics WHERE agent_id = $1`,
		agentID,
	).Scan(
		&s.AgentID, &s.TotalInvocations, &s.CompletedCount, &s.FailedCount,
		&s.TimeoutCount, &s.InProgressCount, &s.DistinctWorkflows,
		&s.P95ResponseTimeMs, &s.P99ResponseTimeMs, &s.LastInvokedAt, &s.RefreshedAt,
	)
	if err != nil {
		return model.AgentStatistics{}, mapReadErr("get agent statistics", err)
	}
	return s, nil
}
