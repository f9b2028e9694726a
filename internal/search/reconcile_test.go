package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/meibo/internal/model"
	"github.com/ashita-ai/meibo/internal/testutil"
)

type fakeStore struct {
	agentIDs []string
	enqueued []string
}

func (f *fakeStore) ListAgentIDs(context.Context) ([]string, error) {
	return f.agentIDs, nil
}

func (f *fakeStore) EnqueueIndexUpsert(_ context.Context, agentID string) error {
	f.enqueued = append(f.enqueued, agentID)
	return nil
}

type fakeIndex struct {
	agentIDs  []string
	removed   []string
	removeErr error
}

func (f *fakeIndex) Query(context.Context, []float32, float64, int, *model.Category) ([]Result, error) {
	return nil, nil
}
func (f *fakeIndex) Upsert(context.Context, []Point) error { return nil }
func (f *fakeIndex) Remove(_ context.Context, ids []string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, ids...)
	return nil
}
func (f *fakeIndex) Count(context.Context) (uint64, error) {
	return uint64(len(f.agentIDs)), nil
}
func (f *fakeIndex) ListAgentIDs(context.Context) ([]string, error) {
	return f.agentIDs, nil
}
func (f *fakeIndex) Healthy(context.Context) error { return nil }

func TestReconcileRepairsBothDirections(t *testing.T) {
	store := &fakeStore{agentIDs: []string{"a", "b", "c"}}
	index := &fakeIndex{agentIDs: []string{"b", "c", "zombie"}}

	r := NewReconciler(store, index, testutil.TestLogger(), time.Minute)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Equal(t, []string{"a"}, store.enqueued, "missing agent goes back through the outbox")
	assert.Equal(t, []string{"zombie"}, index.removed, "stale point is removed directly")
}

func TestReconcileUnrepairedDrift(t *testing.T) {
	store := &fakeStore{agentIDs: []string{"a"}}
	index := &fakeIndex{agentIDs: []string{"a", "zombie"}, removeErr: context.DeadlineExceeded}

	r := NewReconciler(store, index, testutil.TestLogger(), time.Minute)
	err := r.ReconcileOnce(context.Background())
	assert.ErrorIs(t, err, model.ErrIndexInconsistency, "failed repairs classify as index inconsistency")
}

func TestReconcileNoDriftNoWrites(t *testing.T) {
	store := &fakeStore{agentIDs: []string{"a", "b"}}
	index := &fakeIndex{agentIDs: []string{"a", "b"}}

	r := NewReconciler(store, index, testutil.TestLogger(), time.Minute)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, store.enqueued)
	assert.Empty(t, index.removed)
}
