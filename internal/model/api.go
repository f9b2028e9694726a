package model

// Discovery request bounds. Requests outside these ranges are rejected with
// ErrValidation before any index access.
const (
	DiscoverLimitMin     = 1
	DiscoverLimitMax     = 20
	DiscoverLimitDefault = 5

	DiscoverThresholdDefault = 0.6
)

// DiscoverRequest is a natural-language discovery query.
type DiscoverRequest struct {
	Query string

	// Limit caps the number of ranked matches. Zero means DiscoverLimitDefault.
	Limit int

	// Threshold drops candidates whose cosine similarity is below it.
	// Nil means DiscoverThresholdDefault; must be within [0,1] when set.
	Threshold *float64

	// Category restricts the candidate universe up front when set.
	Category *Category
}

// Normalize applies defaults and validates ranges.
func (r *DiscoverRequest) Normalize() error {
	if r.Query == "" {
		return Validationf("query is required")
	}
	if r.Limit == 0 {
		r.Limit = DiscoverLimitDefault
	}
	if r.Limit < DiscoverLimitMin || r.Limit > DiscoverLimitMax {
		return Validationf("limit must be in [%d,%d], got %d", DiscoverLimitMin, DiscoverLimitMax, r.Limit)
	}
	if r.Threshold == nil {
		t := DiscoverThresholdDefault
		r.Threshold = &t
	}
	if *r.Threshold < 0 || *r.Threshold > 1 {
		return Validationf("threshold must be in [0,1], got %g", *r.Threshold)
	}
	if r.Category != nil {
		if err := ValidateCategory(*r.Category); err != nil {
			return err
		}
	}
	return nil
}

// AgentMatch is one ranked discovery result with its explanation.
type AgentMatch struct {
	AgentID           string   `json:"agent_id"`
	Name              string   `json:"name"`
	Category          Category `json:"category"`
	Description       string   `json:"description"`
	Capabilities      []string `json:"capabilities"`
	Tools             []string `json:"tools"`
	Keywords          []string `json:"keywords"`
	Confidence        float64  `json:"confidence"`
	MatchReason       string   `json:"match_reason"`
	UsageCount        int64    `json:"usage_count"`
	AvgResponseTimeMs float64  `json:"avg_response_time_ms"`
}

// DiscoverResponse is the ranked result set for one discovery query.
type DiscoverResponse struct {
	Agents           []AgentMatch `json:"agents"`
	TotalCount       int          `json:"total_count"`
	ProcessingTimeMs float64      `json:"processing_time_ms"`
}

// AgentDetails is the full record returned by get_agent_details.
type AgentDetails struct {
	Agent        Agent            `json:"agent"`
	Dependencies []DependencyEdge `json:"dependencies"`
	Examples     []string         `json:"examples"`
}

// CatalogEntry is one agent definition from an external catalog.
type CatalogEntry struct {
	AgentID         string           `json:"agent_id"`
	AgentType       string           `json:"agent_type"`
	Name            string           `json:"name"`
	DisplayName     string           `json:"display_name"`
	Category        Category         `json:"category"`
	Description     string           `json:"description"`
	Capabilities    []string         `json:"capabilities"`
	Tools           []string         `json:"tools"`
	Keywords        []string         `json:"keywords"`
	FilePath        string           `json:"file_path,omitempty"`
	EstimatedTokens int              `json:"estimated_tokens,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	Dependencies    []DependencyEdge `json:"dependencies,omitempty"`
}

// Validate checks the fields ingestion requires.
func (e CatalogEntry) Validate() error {
	if err := ValidateAgentID(e.AgentID); err != nil {
		return err
	}
	if e.AgentType == "" {
		return Validationf("agent_type is required")
	}
	if e.Name == "" {
		return Validationf("name is required")
	}
	if e.Description == "" {
		return Validationf("description is required")
	}
	if err := ValidateCategory(e.Category); err != nil {
		return err
	}
	if err := ValidateMetadata(e.Metadata); err != nil {
		return err
	}
	for _, dep := range e.Dependencies {
		edge := dep
		if edge.AgentID == "" {
			edge.AgentID = e.AgentID
		}
		if err := edge.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EntryFailure reports one catalog entry that could not be upserted.
type EntryFailure struct {
	EntryID string `json:"entry_id"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

// CatalogLoadResult summarizes a load_from_catalog batch. Failures are
// isolated per entry: successes in the same batch are never rolled back.
type CatalogLoadResult struct {
	UpsertedCount int            `json:"upserted_count"`
	Unchanged     int            `json:"unchanged"`
	Failures      []EntryFailure `json:"failures,omitempty"`
}

// LexicalHit is one result of token-overlap lexical search.
type LexicalHit struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}
