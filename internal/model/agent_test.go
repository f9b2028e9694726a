package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCategory(t *testing.T) {
	for _, c := range Categories() {
		assert.NoError(t, ValidateCategory(c), "category %s", c)
	}
	err := ValidateCategory("machine-learning")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateAgentID(t *testing.T) {
	valid := []string{"python-pro", "db.admin_2", "A-1"}
	for _, id := range valid {
		assert.NoError(t, ValidateAgentID(id), id)
	}

	invalid := []string{"", "has space", "emoji🎉", "slash/name"}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateAgentID(id), ErrValidation, id)
	}
}

func TestValidateMetadataReservedKeys(t *testing.T) {
	assert.NoError(t, ValidateMetadata(nil))
	assert.NoError(t, ValidateMetadata(map[string]any{
		"risk_level": "high",
		"examples":   []any{"review a PR", "fix a flaky test"},
		"version":    "2.1.0",
		"custom":     42, // unknown keys pass through
	}))

	assert.ErrorIs(t, ValidateMetadata(map[string]any{"risk_level": "extreme"}), ErrValidation)
	assert.ErrorIs(t, ValidateMetadata(map[string]any{"examples": "not-a-list"}), ErrValidation)
	assert.ErrorIs(t, ValidateMetadata(map[string]any{"version": 3}), ErrValidation)
}

func TestAgentSuccessRate(t *testing.T) {
	a := Agent{}
	assert.Zero(t, a.SuccessRate())

	a.SuccessfulInvocations = 8
	a.FailedInvocations = 2
	assert.InDelta(t, 80.0, a.SuccessRate(), 1e-9)
	assert.Equal(t, int64(10), a.UsageCount())

	// One more failed terminal event.
	a.FailedInvocations++
	assert.InDelta(t, 72.7272727, a.SuccessRate(), 1e-6)
}

func TestAgentExamples(t *testing.T) {
	a := Agent{Metadata: map[string]any{"examples": []any{"one", "two"}}}
	assert.Equal(t, []string{"one", "two"}, a.Examples())

	a = Agent{}
	assert.Nil(t, a.Examples())
}

func TestEmbeddableContentStableOrder(t *testing.T) {
	a := Agent{Name: "python-pro", Description: "Python specialist", Keywords: []string{"pytest", "python"}}
	b := Agent{Name: "python-pro", Description: "Python specialist", Keywords: []string{"python", "pytest"}}
	assert.Equal(t, a.EmbeddableContent(), b.EmbeddableContent())
}

func TestDependencyEdgeValidate(t *testing.T) {
	ok := DependencyEdge{AgentID: "a", DependsOnID: "b", DependencyType: DependencyRequired}
	assert.NoError(t, ok.Validate())

	selfLoop := DependencyEdge{AgentID: "a", DependsOnID: "a", DependencyType: DependencyOptional}
	assert.ErrorIs(t, selfLoop.Validate(), ErrValidation)

	badType := DependencyEdge{AgentID: "a", DependsOnID: "b", DependencyType: "mandatory"}
	assert.ErrorIs(t, badType.Validate(), ErrValidation)
}

func TestDiscoverRequestNormalize(t *testing.T) {
	r := DiscoverRequest{Query: "test automation"}
	require.NoError(t, r.Normalize())
	assert.Equal(t, DiscoverLimitDefault, r.Limit)
	assert.InDelta(t, DiscoverThresholdDefault, *r.Threshold, 1e-9)

	r = DiscoverRequest{}
	assert.ErrorIs(t, r.Normalize(), ErrValidation)

	r = DiscoverRequest{Query: "q", Limit: 21}
	assert.ErrorIs(t, r.Normalize(), ErrValidation)

	bad := 1.5
	r = DiscoverRequest{Query: "q", Threshold: &bad}
	assert.ErrorIs(t, r.Normalize(), ErrValidation)

	cat := Category("nonsense")
	r = DiscoverRequest{Query: "q", Category: &cat}
	assert.ErrorIs(t, r.Normalize(), ErrValidation)
}

func TestUsageTerminalValidate(t *testing.T) {
	rt := 120.0
	ok := UsageTerminal{Status: UsageCompleted, ResponseTimeMs: &rt}
	assert.NoError(t, ok.Validate())

	assert.ErrorIs(t, UsageTerminal{Status: UsageInProgress}.Validate(), ErrValidation)
	assert.ErrorIs(t, UsageTerminal{Status: UsageCompleted}.Validate(), ErrValidation)

	neg := -1.0
	assert.ErrorIs(t, UsageTerminal{Status: UsageFailed, ResponseTimeMs: &neg}.Validate(), ErrValidation)

	assert.NoError(t, UsageTerminal{Status: UsageTimeout}.Validate())
}

func TestCatalogEntryValidate(t *testing.T) {
	entry := CatalogEntry{
		AgentID:     "python-pro",
		AgentType:   "python-pro",
		Name:        "python-pro",
		Category:    CategoryDevelopment,
		Description: "Python development specialist",
		Keywords:    []string{"python", "pytest", "packaging"},
	}
	assert.NoError(t, entry.Validate())

	entry.Description = ""
	assert.ErrorIs(t, entry.Validate(), ErrValidation)

	entry.Description = "d"
	entry.Dependencies = []DependencyEdge{{DependsOnID: "python-pro", DependencyType: DependencyRequired}}
	assert.ErrorIs(t, entry.Validate(), ErrValidation, "implicit self-loop via defaulted agent_id")
}
