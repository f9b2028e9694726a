package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/meibo/internal/model"
)

// ErrAlreadyTerminal marks a duplicate terminal transition. RecordUsageTerminal
// treats the second and later transitions for an event as no-ops and reports
// them with this error so callers can distinguish replay from success.
var ErrAlreadyTerminal = errors.New("storage: usage event already terminal")

const usageColumns = `id, agent_id, workflow_id, session_id, invoked_at, completed_at,
	status, response_time_ms, task_description, context_metadata, error_message, error_code`

func scanUsage(row pgx.Row) (model.UsageEvent, error) {
	var ev model.UsageEvent
	var errMsg, errCode string
	err := row.Scan(
		&ev.ID, &ev.AgentID, &ev.WorkflowID, &ev.SessionID, &ev.InvokedAt, &ev.CompletedAt,
		&ev.Status, &ev.ResponseTimeMs, &ev.TaskDescription, &ev.ContextMetadata,
		&errMsg, &errCode,
	)
	if err != nil {
		return model.UsageEvent{}, err
	}
	if errMsg != "" {
		ev.ErrorMessage = &errMsg
	}
	if errCode != "" {
		ev.ErrorCode = &errCode
	}
	return ev, nil
}

// RecordUsageStart inserts an in_progress usage event for an existing agent.
func (db *DB) RecordUsageStart(ctx context.Context, ev model.UsageEvent) (model.UsageEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.InvokedAt.IsZero() {
		ev.InvokedAt = time.Now().UTC()
	}
	ev.Status = model.UsageInProgress
	if ev.ContextMetadata == nil {
		ev.ContextMetadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_usage (id, agent_id, workflow_id, session_id, invoked_at,
			status, task_description, context_metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.AgentID, ev.WorkflowID, ev.SessionID, ev.InvokedAt,
		string(ev.Status), ev.TaskDescription, ev.ContextMetadata,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.UsageEvent{}, fmt.Errorf("storage: record usage start: agent %s: %w", ev.AgentID, model.ErrNotFound)
		}
		return model.UsageEvent{}, mapWriteErr("record usage start", err)
	}
	return ev, nil
}

// GetUsageEvent fetches one usage event by ID.
func (db *DB) GetUsageEvent(ctx context.Context, id uuid.UUID) (model.UsageEvent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM agent_usage WHERE id = $1`, id)
	ev, err := scanUsage(row)
	if err != nil {
		return model.UsageEvent{}, mapReadErr("get usage event", err)
	}
	return ev, nil
}

// RecordUsageTerminal applies a terminal transition exactly once. The event row
// and the agent's live counters move in one transaction; the status guard on
// the UPDATE makes concurrent duplicate transitions a no-op, so each terminal
// event contributes to the counters exactly once.
//
// Completed events fold their response time into the agent's running mean:
// new_avg = (old_avg*old_successful + rt) / (old_successful + 1).
func (db *DB) RecordUsageTerminal(ctx context.Context, id uuid.UUID, terminal model.UsageTerminal) (model.UsageEvent, error) {
	if err := terminal.Validate(); err != nil {
		return model.UsageEvent{}, err
	}

	var ev model.UsageEvent
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var txErr error
		ev, txErr = db.recordUsageTerminalOnce(ctx, id, terminal)
		return txErr
	})
	if err != nil {
		// A replay carries the stored event so callers can inspect the
		// terminal status that won.
		if errors.Is(err, ErrAlreadyTerminal) {
			return ev, err
		}
		return model.UsageEvent{}, err
	}
	return ev, nil
}

func (db *DB) recordUsageTerminalOnce(ctx context.Context, id uuid.UUID, terminal model.UsageTerminal) (model.UsageEvent, error) {
	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return model.UsageEvent{}, err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	completedAt := time.Now().UTC()
	row := tx.QueryRow(ctx,
		`UPDATE agent_usage
		 SET status = $2, completed_at = $3, response_time_ms = $4,
		     error_message = COALESCE($5, ''), error_code = COALESCE($6, '')
		 WHERE id = $1 AND status = 'in_progress'
		 RETURNING `+usageColumns,
		id, string(terminal.Status), completedAt, terminal.ResponseTimeMs,
		terminal.ErrorMessage, terminal.ErrorCode,
	)
	ev, err := scanUsage(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.UsageEvent{}, fmt.Errorf("storage: terminal transition: %w", err)
		}
		// The guard matched nothing: either the event does not exist or it
		// already reached a terminal status. Distinguish the two.
		existing, getErr := db.GetUsageEvent(ctx, id)
		if getErr != nil {
			return model.UsageEvent{}, getErr
		}
		return existing, ErrAlreadyTerminal
	}

	if terminal.Status == model.UsageCompleted {
		if _, err := tx.Exec(ctx,
			`UPDATE agents
			 SET avg_response_time_ms =
			        (avg_response_time_ms * successful_invocations + $2) / (successful_invocations + 1),
			     successful_invocations = successful_invocations + 1,
			     last_used_at = $3
			 WHERE agent_id = $1`,
			ev.AgentID, *terminal.ResponseTimeMs, completedAt,
		); err != nil {
			return model.UsageEvent{}, fmt.Errorf("storage: bump success counters: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE agents
			 SET failed_invocations = failed_invocations + 1,
			     last_used_at = $2
			 WHERE agent_id = $1`,
			ev.AgentID, completedAt,
		); err != nil {
			return model.UsageEvent{}, fmt.Errorf("storage: bump failure counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.UsageEvent{}, fmt.Errorf("storage: commit terminal transition: %w", err)
	}
	return ev, nil
}

// ListUsageEvents returns an agent's usage history, newest first.
func (db *DB) ListUsageEvents(ctx context.Context, agentID string, limit, offset int) ([]model.UsageEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+usageColumns+` FROM agent_usage
		 WHERE agent_id = $1
		 ORDER BY invoked_at DESC
		 LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage events: %w", err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		ev, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan usage event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
