package meibo

import "time"

// Agent is the public view of a registered agent. Performance fields are
// derived from usage events; SuccessRate is recomputed on every read.
type Agent struct {
	AgentID               string         `json:"agent_id"`
	AgentType             string         `json:"agent_type"`
	Name                  string         `json:"name"`
	DisplayName           string         `json:"display_name,omitempty"`
	Category              string         `json:"category"`
	Description           string         `json:"description"`
	Capabilities          []string       `json:"capabilities"`
	Tools                 []string       `json:"tools"`
	Keywords              []string       `json:"keywords"`
	FilePath              string         `json:"file_path,omitempty"`
	EstimatedTokens       int            `json:"estimated_tokens,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	SuccessfulInvocations int64          `json:"successful_invocations"`
	FailedInvocations     int64          `json:"failed_invocations"`
	SuccessRate           float64        `json:"success_rate"`
	AvgResponseTimeMs     float64        `json:"avg_response_time_ms"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	LastUsedAt            *time.Time     `json:"last_used_at,omitempty"`
}

// AgentUpdate is a partial update. Nil fields are left unchanged; agent_id
// and agent_type are immutable.
type AgentUpdate struct {
	Name            *string        `json:"name,omitempty"`
	DisplayName     *string        `json:"display_name,omitempty"`
	Category        *string        `json:"category,omitempty"`
	Description     *string        `json:"description,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	Tools           []string       `json:"tools,omitempty"`
	Keywords        []string       `json:"keywords,omitempty"`
	FilePath        *string        `json:"file_path,omitempty"`
	EstimatedTokens *int           `json:"estimated_tokens,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// DiscoverRequest is a natural-language discovery query.
type DiscoverRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`     // 1-20, default 5
	Threshold *float64 `json:"threshold,omitempty"` // [0,1], default 0.6
	Category  string   `json:"category,omitempty"`
}

// Match is one ranked discovery result.
type Match struct {
	AgentID           string   `json:"agent_id"`
	Name              string   `json:"name"`
	Category          string   `json:"category"`
	Description       string   `json:"description"`
	Capabilities      []string `json:"capabilities"`
	Tools             []string `json:"tools"`
	Keywords          []string `json:"keywords"`
	Confidence        float64  `json:"confidence"`
	MatchReason       string   `json:"match_reason"`
	UsageCount        int64    `json:"usage_count"`
	AvgResponseTimeMs float64  `json:"avg_response_time_ms"`
}

// DiscoverResult is the ranked result set for one query. Zero matches is a
// valid result, not an error.
type DiscoverResult struct {
	Agents           []Match `json:"agents"`
	TotalCount       int     `json:"total_count"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Dependency is a typed edge between two agents.
type Dependency struct {
	AgentID   string `json:"agent_id"`
	DependsOn string `json:"depends_on_agent_id"`
	Type      string `json:"dependency_type"` // required | optional | recommended
}

// AgentDetails is the full record returned by GetAgentDetails.
type AgentDetails struct {
	Agent        Agent        `json:"agent"`
	Dependencies []Dependency `json:"dependencies"`
	Examples     []string     `json:"examples,omitempty"`
}

// CatalogEntry is one agent definition for bulk ingestion, keyed by AgentType.
type CatalogEntry struct {
	AgentID         string         `json:"agent_id"`
	AgentType       string         `json:"agent_type"`
	Name            string         `json:"name"`
	DisplayName     string         `json:"display_name,omitempty"`
	Category        string         `json:"category"`
	Description     string         `json:"description"`
	Capabilities    []string       `json:"capabilities"`
	Tools           []string       `json:"tools"`
	Keywords        []string       `json:"keywords"`
	FilePath        string         `json:"file_path,omitempty"`
	EstimatedTokens int            `json:"estimated_tokens,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Dependencies    []Dependency   `json:"dependencies,omitempty"`
}

// EntryFailure reports one catalog entry that could not be ingested.
type EntryFailure struct {
	EntryID string `json:"entry_id"`
	Message string `json:"error"`
}

// CatalogLoadSummary summarizes one LoadFromCatalog batch. Failures are
// per-entry: successes in the same batch are never rolled back.
type CatalogLoadSummary struct {
	Upserted  int            `json:"upserted_count"`
	Unchanged int            `json:"unchanged"`
	Failures  []EntryFailure `json:"failures,omitempty"`
}

// UsageStart opens a usage event for an agent invocation.
type UsageStart struct {
	AgentID         string         `json:"agent_id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	TaskDescription string         `json:"task_description,omitempty"`
	ContextMetadata map[string]any `json:"context_metadata,omitempty"`
}

// UsageOutcome closes a usage event. Status must be one of completed, failed,
// or timeout; ResponseTimeMs is required for completed.
type UsageOutcome struct {
	Status         string   `json:"status"`
	ResponseTimeMs *float64 `json:"response_time_ms,omitempty"`
	ErrorMessage   *string  `json:"error_message,omitempty"`
	ErrorCode      *string  `json:"error_code,omitempty"`
}

// UsageEvent is the public view of one recorded invocation.
type UsageEvent struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	WorkflowID      string     `json:"workflow_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	InvokedAt       time.Time  `json:"invoked_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status"`
	ResponseTimeMs  *float64   `json:"response_time_ms,omitempty"`
	TaskDescription string     `json:"task_description,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ErrorCode       *string    `json:"error_code,omitempty"`
}

// AgentStatistics is the denormalized reporting view. Staleness is bounded by
// the configured refresh cadence.
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

// LexicalHit is one result of token-overlap lexical search.
type LexicalHit struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}
