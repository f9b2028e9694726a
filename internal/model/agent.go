package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Category classifies an agent within the closed, versioned enumeration
// shipped with the deployment. Values are validated at every write boundary;
// unknown categories are rejected, never auto-registered.
type Category string

const (
	CategoryDevelopment    Category = "development"
	CategoryInfrastructure Category = "infrastructure"
	CategoryData           Category = "data"
	CategorySecurity       Category = "security"
	CategoryQuality        Category = "quality"
	CategoryDocumentation  Category = "documentation"
	CategoryOperations     Category = "operations"
	CategoryDesign         Category = "design"
	CategoryBusiness       Category = "business"
	CategorySpecialized    Category = "specialized"
)

// Categories lists every valid category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryDevelopment, CategoryInfrastructure, CategoryData,
		CategorySecurity, CategoryQuality, CategoryDocumentation,
		CategoryOperations, CategoryDesign, CategoryBusiness,
		CategorySpecialized,
	}
}

// ValidateCategory checks membership in the closed category enumeration.
func ValidateCategory(c Category) error {
	for _, valid := range Categories() {
		if c == valid {
			return nil
		}
	}
	return Validationf("unknown category %q", c)
}

// Reserved metadata keys. Values under these keys are validated on write;
// all other keys pass through untouched.
const (
	MetaKeyRiskLevel = "risk_level"
	MetaKeyExamples  = "examples"
	MetaKeyVersion   = "version"
)

var validRiskLevels = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// ValidateMetadata checks the reserved keys of an agent metadata map.
// Unknown keys are accepted as-is for forward compatibility.
func ValidateMetadata(meta map[string]any) error {
	if meta == nil {
		return nil
	}
	if v, ok := meta[MetaKeyRiskLevel]; ok {
		s, isStr := v.(string)
		if !isStr || !validRiskLevels[s] {
			return Validationf("metadata.%s must be one of low, medium, high, critical", MetaKeyRiskLevel)
		}
	}
	if v, ok := meta[MetaKeyExamples]; ok {
		if _, err := ExamplesFromMetadataValue(v); err != nil {
			return err
		}
	}
	if v, ok := meta[MetaKeyVersion]; ok {
		if _, isStr := v.(string); !isStr {
			return Validationf("metadata.%s must be a string", MetaKeyVersion)
		}
	}
	return nil
}

// ExamplesFromMetadataValue coerces the reserved "examples" metadata value
// into a string slice. JSONB round-trips store it as []any.
func ExamplesFromMetadataValue(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, Validationf("metadata.%s must be a list of strings", MetaKeyExamples)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, Validationf("metadata.%s must be a list of strings", MetaKeyExamples)
	}
}

// Agent is a registered specialist agent record. agent_id and agent_type are
// unique and immutable once set; performance fields are mutated only by the
// usage-terminal transaction.
type Agent struct {
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`

	Capabilities []string `json:"capabilities"`
	Tools        []string `json:"tools"`
	Keywords     []string `json:"keywords"`

	// Embedding is nil until computed at ingest/update time. When present its
	// length must equal the deployment's configured dimension.
	Embedding *pgvector.Vector `json:"-"`

	FilePath        string         `json:"file_path,omitempty"`
	EstimatedTokens int            `json:"estimated_tokens,omitempty"`
	Metadata        map[string]any `json:"metadata"`

	// ContentHash is a blake2b-256 hex digest of the embeddable content.
	// Ingestion compares it against incoming entries to skip redundant
	// embedding calls.
	ContentHash string `json:"-"`

	SuccessfulInvocations int64    `json:"successful_invocations"`
	FailedInvocations     int64    `json:"failed_invocations"`
	AvgResponseTimeMs     float64  `json:"avg_response_time_ms"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// UsageCount is the total number of terminal invocations.
func (a Agent) UsageCount() int64 {
	return a.SuccessfulInvocations + a.FailedInvocations
}

// SuccessRate derives the success percentage in [0,100]. Never stored:
// always recomputed from the two counters so it is correct under arbitrary
// interleavings of terminal transitions.
func (a Agent) SuccessRate() float64 {
	total := a.SuccessfulInvocations + a.FailedInvocations
	if total == 0 {
		return 0
	}
	return float64(a.SuccessfulInvocations) / float64(total) * 100
}

// Examples returns the reserved "examples" metadata entries, if any.
func (a Agent) Examples() []string {
	v, ok := a.Metadata[MetaKeyExamples]
	if !ok {
		return nil
	}
	examples, err := ExamplesFromMetadataValue(v)
	if err != nil {
		return nil
	}
	return examples
}

// EmbeddableContent is the text the embedding provider sees for this agent.
// Keywords are sorted so the content hash is stable regardless of input order.
func (a Agent) EmbeddableContent() string {
	kw := append([]string(nil), a.Keywords...)
	sort.Strings(kw)
	text := a.Name + "\n" + a.Description
	for _, k := range kw {
		text += "\n" + k
	}
	return text
}

// Validate checks the invariants enforced at every write boundary.
func (a Agent) Validate() error {
	if err := ValidateAgentID(a.AgentID); err != nil {
		return err
	}
	if a.AgentType == "" {
		return Validationf("agent_type is required")
	}
	if a.Name == "" {
		return Validationf("name is required")
	}
	if err := ValidateCategory(a.Category); err != nil {
		return err
	}
	return ValidateMetadata(a.Metadata)
}

// ValidateAgentID checks that an agent ID conforms to the allowed format:
// 1-255 ASCII characters, alphanumeric plus dots, hyphens, and underscores.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return Validationf("agent_id is required")
	}
	if len(id) > 255 {
		return Validationf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return Validationf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// DependencyType classifies a dependency edge between agents.
type DependencyType string

const (
	DependencyRequired    DependencyType = "required"
	DependencyOptional    DependencyType = "optional"
	DependencyRecommended DependencyType = "recommended"
)

// ValidateDependencyType checks membership in the dependency enumeration.
func ValidateDependencyType(t DependencyType) error {
	switch t {
	case DependencyRequired, DependencyOptional, DependencyRecommended:
		return nil
	default:
		return Validationf("unknown dependency_type %q", t)
	}
}

// DependencyEdge links an agent to another agent it depends on. No self-loops;
// the (agent_id, depends_on) pair is unique. Cascade-deleted with either endpoint.
type DependencyEdge struct {
	AgentID        string         `json:"agent_id"`
	DependsOnID    string         `json:"depends_on_agent_id"`
	DependencyType DependencyType `json:"dependency_type"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate checks edge invariants.
func (e DependencyEdge) Validate() error {
	if e.AgentID == "" || e.DependsOnID == "" {
		return Validationf("dependency edge requires both endpoints")
	}
	if e.AgentID == e.DependsOnID {
		return Validationf("dependency edge must not be a self-loop")
	}
	return ValidateDependencyType(e.DependencyType)
}

// AgentUpdate carries a partial agent update. Nil fields are left unchanged
// (last-write-wins per field). agent_id and agent_type cannot be changed.
type AgentUpdate struct {
	Name            *string
	DisplayName     *string
	Category        *Category
	Description     *string
	Capabilities    []string
	Tools           []string
	Keywords        []string
	FilePath        *string
	EstimatedTokens *int
	Metadata        map[string]any
}

// TouchesContent reports whether the update changes embeddable content and
// therefore requires re-embedding.
func (u AgentUpdate) TouchesContent() bool {
	return u.Name != nil || u.Description != nil || u.Keywords != nil
}

// Validate checks the fields that are present.
func (u AgentUpdate) Validate() error {
	if u.Category != nil {
		if err := ValidateCategory(*u.Category); err != nil {
			return err
		}
	}
	if u.Name != nil && *u.Name == "" {
		return Validationf("name must not be empty")
	}
	if err := ValidateMetadata(u.Metadata); err != nil {
		return err
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (c Category) String() string { return string(c) }

var _ fmt.Stringer = Category("")
