package meibo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/meibo/internal/model"
	"github.com/ashita-ai/meibo/internal/search"
)

type fakeVectorIndex struct {
	results      []VectorResult
	lastCategory string
	lastPoints   []VectorPoint
	removed      []string
}

func (f *fakeVectorIndex) Query(_ context.Context, _ []float32, _ float64, _ int, category string) ([]VectorResult, error) {
	f.lastCategory = category
	return f.results, nil
}

func (f *fakeVectorIndex) Upsert(_ context.Context, points []VectorPoint) error {
	f.lastPoints = points
	return nil
}

func (f *fakeVectorIndex) Remove(_ context.Context, agentIDs []string) error {
	f.removed = append(f.removed, agentIDs...)
	return nil
}

func (f *fakeVectorIndex) Count(context.Context) (uint64, error)          { return 0, nil }
func (f *fakeVectorIndex) ListAgentIDs(context.Context) ([]string, error) { return nil, nil }
func (f *fakeVectorIndex) Healthy(context.Context) error                  { return nil }
func (f *fakeVectorIndex) Close() error                                   { return nil }

// A caller-supplied index plugs into the internal contract the outbox worker,
// reconciler, and matcher are wired against.
var _ search.VectorIndex = (*indexAdapter)(nil)

func TestIndexAdapterQuery(t *testing.T) {
	fake := &fakeVectorIndex{results: []VectorResult{
		{AgentID: "python-pro", Score: 0.9},
		{AgentID: "go-pro", Score: 0.8},
	}}
	adapter := &indexAdapter{v: fake}

	cat := model.CategorySecurity
	res, err := adapter.Query(context.Background(), []float32{1, 0}, 0.5, 5, &cat)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "python-pro", res[0].AgentID)
	assert.InDelta(t, 0.9, res[0].Score, 1e-6)
	assert.Equal(t, string(model.CategorySecurity), fake.lastCategory)

	// nil category maps to the empty (unfiltered) string.
	_, err = adapter.Query(context.Background(), []float32{1, 0}, 0.5, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, fake.lastCategory)
}

func TestIndexAdapterUpsertRemove(t *testing.T) {
	fake := &fakeVectorIndex{}
	adapter := &indexAdapter{v: fake}

	require.NoError(t, adapter.Upsert(context.Background(), []search.Point{{
		AgentID:    "python-pro",
		Category:   model.CategoryDevelopment,
		UsageCount: 7,
		Embedding:  []float32{1, 0, 0},
	}}))
	require.Len(t, fake.lastPoints, 1)
	assert.Equal(t, "python-pro", fake.lastPoints[0].AgentID)
	assert.Equal(t, string(model.CategoryDevelopment), fake.lastPoints[0].Category)
	assert.Equal(t, int64(7), fake.lastPoints[0].UsageCount)

	require.NoError(t, adapter.Remove(context.Background(), []string{"python-pro"}))
	assert.Equal(t, []string{"python-pro"}, fake.removed)
}
