package model

import (
	"time"

	"github.com/google/uuid"
)

// UsageStatus is the lifecycle state of a usage event. An event is created
// in_progress and transitions exactly once to a terminal status.
type UsageStatus string

const (
	UsageInProgress UsageStatus = "in_progress"
	UsageCompleted  UsageStatus = "completed"
	UsageFailed     UsageStatus = "failed"
	UsageTimeout    UsageStatus = "timeout"
)

// Terminal reports whether the status ends the event's lifecycle.
func (s UsageStatus) Terminal() bool {
	switch s {
	case UsageCompleted, UsageFailed, UsageTimeout:
		return true
	default:
		return false
	}
}

// ValidateTerminalStatus rejects statuses that are not valid terminal targets.
func ValidateTerminalStatus(s UsageStatus) error {
	if !s.Terminal() {
		return Validationf("status %q is not a terminal status", s)
	}
	return nil
}

// UsageEvent is one invocation of an agent, recorded by the external
// execution layer. Append-only: rows are never deleted except by retention.
type UsageEvent struct {
	ID              uuid.UUID      `json:"id"`
	AgentID         string         `json:"agent_id"`
	WorkflowID      string         `json:"workflow_id"`
	SessionID       string         `json:"session_id,omitempty"`
	InvokedAt       time.Time      `json:"invoked_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Status          UsageStatus    `json:"status"`
	ResponseTimeMs  *float64       `json:"response_time_ms,omitempty"`
	TaskDescription string         `json:"task_description,omitempty"`
	ContextMetadata map[string]any `json:"context_metadata,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ErrorCode       *string        `json:"error_code,omitempty"`
}

// UsageTerminal carries the terminal transition for a usage event.
type UsageTerminal struct {
	Status         UsageStatus
	ResponseTimeMs *float64
	ErrorMessage   *string
	ErrorCode      *string
}

// Validate checks the transition before it touches storage.
func (t UsageTerminal) Validate() error {
	if err := ValidateTerminalStatus(t.Status); err != nil {
		return err
	}
	if t.Status == UsageCompleted && t.ResponseTimeMs == nil {
		return Validationf("response_time_ms is required for completed events")
	}
	if t.ResponseTimeMs != nil && *t.ResponseTimeMs < 0 {
		return Validationf("response_time_ms must be non-negative")
	}
	return nil
}

// AgentStatistics is the denormalized reporting view recomputed by
// RefreshStatistics. Staleness is bounded by the caller's refresh cadence.
type AgentStatistics struct {
	AgentID           string     `json:"agent_id"`
	TotalInvocations  int64      `json:"total_invocations"`
	CompletedCount    int64      `json:"completed_count"`
	FailedCount       int64      `json:"failed_count"`
	TimeoutCount      int64      `json:"timeout_count"`
	InProgressCount   int64      `json:"in_progress_count"`
	DistinctWorkflows int64      `json:"distinct_workflows"`
	P95ResponseTimeMs *float64   `json:"p95_response_time_ms,omitempty"`
	P99ResponseTimeMs *float64   `json:"p99_response_time_ms,omitempty"`
	RefreshedAt       time.Time  `json:"refreshed_at"`
	LastInvokedAt     *time.Time `json:"last_invoked_at,omitempty"`
}
