package matcher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/meibo/internal/model"
	"github.com/ashita-ai/meibo/internal/search"
	"github.com/ashita-ai/meibo/internal/testutil"
)

type fakeStore struct {
	agents map[string]model.Agent
	deps   map[string][]model.DependencyEdge
}

func (f *fakeStore) GetAgent(_ context.Context, agentID string) (model.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return model.Agent{}, model.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetAgentsByIDs(_ context.Context, ids []string) (map[string]model.Agent, error) {
	out := make(map[string]model.Agent)
	for _, id := range ids {
		if a, ok := f.agents[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (f *fakeStore) ListDependencies(_ context.Context, agentID string) ([]model.DependencyEdge, error) {
	return f.deps[agentID], nil
}

type fakeIndex struct {
	results      []search.Result
	err          error
	lastCategory *model.Category
	lastLimit    int
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, threshold float64, limit int, category *model.Category) ([]search.Result, error) {
	f.lastCategory = category
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []search.Result
	for _, r := range f.results {
		if float64(r.Score) >= threshold {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) Upsert(context.Context, []search.Point) error   { return nil }
func (f *fakeIndex) Remove(context.Context, []string) error         { return nil }
func (f *fakeIndex) Count(context.Context) (uint64, error)          { return 0, nil }
func (f *fakeIndex) ListAgentIDs(context.Context) ([]string, error) { return nil, nil }
func (f *fakeIndex) Healthy(context.Context) error                  { return nil }

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Get(context.Context, string) (pgvector.Vector, error) {
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

func newService(store *fakeStore, index *fakeIndex, embedder *fakeEmbedder) *Service {
	return New(store, index, embedder, nil, testutil.TestLogger(), Options{})
}

func agentsFixture() map[string]model.Agent {
	return map[string]model.Agent{
		"python-pro": {
			AgentID:     "python-pro",
			Name:        "python-pro",
			Category:    model.CategoryDevelopment,
			Description: "Python development specialist with deep testing expertise",
			Keywords:    []string{"python", "pytest", "packaging"},
		},
		"go-pro": {
			AgentID:               "go-pro",
			Name:                  "go-pro",
			Category:              model.CategoryDevelopment,
			Description:           "Go development specialist",
			Keywords:              []string{"golang", "concurrency"},
			SuccessfulInvocations: 40,
		},
		"sec-audit": {
			AgentID:     "sec-audit",
			Name:        "security-auditor",
			Category:    model.CategorySecurity,
			Description: "Reviews code for vulnerabilities and hardens configurations beyond the first hundred characters of this intentionally long description to exercise truncation",
			Keywords:    []string{"audit"},
		},
	}
}

func TestDiscoverMatchReasonKeywords(t *testing.T) {
	store := &fakeStore{agents: agentsFixture()}
	index := &fakeIndex{results: []search.Result{{AgentID: "python-pro", Score: 0.82}}}
	svc := newService(store, index, &fakeEmbedder{})

	threshold := 0.5
	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{
		Query: "pytest testing automation", Threshold: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "python-pro", resp.Agents[0].AgentID)
	assert.Equal(t, "Matches keywords: pytest", resp.Agents[0].MatchReason)
	assert.InDelta(t, 0.82, resp.Agents[0].Confidence, 1e-6)
	assert.GreaterOrEqual(t, resp.ProcessingTimeMs, 0.0)
}

func TestDiscoverMatchReasonDescriptionFallback(t *testing.T) {
	store := &fakeStore{agents: agentsFixture()}
	index := &fakeIndex{results: []search.Result{{AgentID: "sec-audit", Score: 0.7}}}
	svc := newService(store, index, &fakeEmbedder{})

	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "harden my deployment"})
	require.NoError(t, err)
	require.Len(t, resp.Agents, 1)
	reason := resp.Agents[0].MatchReason
	assert.Len(t, reason, 100, "falls back to first 100 chars of description")
	assert.NotContains(t, reason, "Matches keywords")
}

func TestDiscoverTieBreaks(t *testing.T) {
	agents := agentsFixture()
	agents["a-zero-usage"] = model.Agent{
		AgentID: "a-zero-usage", Name: "a-zero-usage",
		Category: model.CategoryDevelopment, Description: "d",
	}
	store := &fakeStore{agents: agents}
	// go-pro and a-zero-usage tie on similarity; go-pro has higher usage.
	// python-pro ties with a-zero-usage on usage; agent_id breaks it.
	index := &fakeIndex{results: []search.Result{
		{AgentID: "python-pro", Score: 0.9},
		{AgentID: "a-zero-usage", Score: 0.9},
		{AgentID: "go-pro", Score: 0.9},
	}}
	svc := newService(store, index, &fakeEmbedder{})

	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "anything"})
	require.NoError(t, err)
	require.Len(t, resp.Agents, 3)
	assert.Equal(t, "go-pro", resp.Agents[0].AgentID, "higher usage wins the similarity tie")
	assert.Equal(t, "a-zero-usage", resp.Agents[1].AgentID, "agent_id ascending breaks the remaining tie")
	assert.Equal(t, "python-pro", resp.Agents[2].AgentID)
}

func TestDiscoverThresholdFilters(t *testing.T) {
	store := &fakeStore{agents: agentsFixture()}
	index := &fakeIndex{results: []search.Result{
		{AgentID: "python-pro", Score: 0.95},
		{AgentID: "go-pro", Score: 0.55},
	}}
	svc := newService(store, index, &fakeEmbedder{})

	threshold := 0.9
	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{
		Query: "q", Threshold: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "python-pro", resp.Agents[0].AgentID)
}

func TestDiscoverCategoryContainment(t *testing.T) {
	store := &fakeStore{agents: agentsFixture()}
	index := &fakeIndex{results: []search.Result{
		{AgentID: "python-pro", Score: 0.8},
		{AgentID: "sec-audit", Score: 0.8},
	}}
	svc := newService(store, index, &fakeEmbedder{})

	cat := model.CategorySecurity
	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{
		Query: "q", Category: &cat,
	})
	require.NoError(t, err)
	require.NotNil(t, index.lastCategory)
	assert.Equal(t, cat, *index.lastCategory, "category filter reaches the index")
	for _, m := range resp.Agents {
		assert.Equal(t, cat, m.Category)
	}
}

func TestDiscoverLimitTruncates(t *testing.T) {
	store := &fakeStore{agents: agentsFixture()}
	index := &fakeIndex{results: []search.Result{
		{AgentID: "python-pro", Score: 0.9},
		{AgentID: "go-pro", Score: 0.8},
		{AgentID: "sec-audit", Score: 0.7},
	}}
	svc := newService(store, index, &fakeEmbedder{})

	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "q", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Agents, 2)
	assert.Equal(t, 2, resp.TotalCount)
	assert.GreaterOrEqual(t, index.lastLimit, 2, "index query over-fetches past the limit")
}

func TestDiscoverValidation(t *testing.T) {
	svc := newService(&fakeStore{}, &fakeIndex{}, &fakeEmbedder{})

	_, err := svc.Discover(context.Background(), model.DiscoverRequest{})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.Discover(context.Background(), model.DiscoverRequest{Query: "q", Limit: 99})
	assert.ErrorIs(t, err, model.ErrValidation)

	bad := -0.1
	_, err = svc.Discover(context.Background(), model.DiscoverRequest{Query: "q", Threshold: &bad})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDiscoverEmbeddingErrorDistinct(t *testing.T) {
	svc := newService(&fakeStore{agents: agentsFixture()}, &fakeIndex{},
		&fakeEmbedder{err: model.ErrEmbedding})

	_, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "q"})
	assert.ErrorIs(t, err, model.ErrEmbedding, "embedding failure must not look like zero matches")
}

func TestDiscoverZeroMatchesIsNotError(t *testing.T) {
	svc := newService(&fakeStore{agents: agentsFixture()}, &fakeIndex{}, &fakeEmbedder{})

	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "nothing similar"})
	require.NoError(t, err)
	assert.Empty(t, resp.Agents)
}

func TestDiscoverSkipsVanishedAgents(t *testing.T) {
	store := &fakeStore{agents: agentsFixture()}
	index := &fakeIndex{results: []search.Result{
		{AgentID: "deleted-agent", Score: 0.9},
		{AgentID: "python-pro", Score: 0.8},
	}}
	svc := newService(store, index, &fakeEmbedder{})

	resp, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "python-pro", resp.Agents[0].AgentID)
}

func TestDiscoverIndexError(t *testing.T) {
	svc := newService(&fakeStore{agents: agentsFixture()},
		&fakeIndex{err: errors.New("index down")}, &fakeEmbedder{})

	_, err := svc.Discover(context.Background(), model.DiscoverRequest{Query: "q"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrEmbedding)
}

func TestGetAgentDetails(t *testing.T) {
	agents := agentsFixture()
	a := agents["python-pro"]
	a.Metadata = map[string]any{"examples": []any{"write unit tests", "profile a hot loop"}}
	agents["python-pro"] = a

	store := &fakeStore{
		agents: agents,
		deps: map[string][]model.DependencyEdge{
			"python-pro": {{AgentID: "python-pro", DependsOnID: "go-pro", DependencyType: model.DependencyOptional}},
		},
	}
	svc := newService(store, &fakeIndex{}, &fakeEmbedder{})

	details, err := svc.GetAgentDetails(context.Background(), "python-pro")
	require.NoError(t, err)
	assert.Equal(t, "python-pro", details.Agent.AgentID)
	require.Len(t, details.Dependencies, 1)
	assert.Equal(t, []string{"write unit tests", "profile a hot loop"}, details.Examples)

	_, err = svc.GetAgentDetails(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMatchReasonCaseInsensitiveSorted(t *testing.T) {
	tokens := tokenize("PYTEST and Python, please")
	agent := model.Agent{Keywords: []string{"Python", "pytest", "packaging"}}
	assert.Equal(t, "Matches keywords: pytest, python", matchReason(tokens, agent))
}

func TestMatchReasonMultibyteDescription(t *testing.T) {
	agent := model.Agent{Description: strings.Repeat("日", 120)}
	reason := matchReason(tokenize("unrelated query"), agent)
	assert.True(t, utf8.ValidString(reason), "truncation must not split a rune")
	assert.Equal(t, 100, utf8.RuneCountInString(reason))

	// Short multibyte descriptions pass through untouched.
	agent.Description = "データ分析の専門家"
	assert.Equal(t, "データ分析の専門家", matchReason(tokenize("q"), agent))
}

func TestLexicalSearchDisabled(t *testing.T) {
	svc := newService(&fakeStore{agents: agentsFixture()}, &fakeIndex{}, &fakeEmbedder{})

	_, err := svc.LexicalSearch(context.Background(), "python", 5, nil)
	assert.ErrorIs(t, err, ErrLexicalDisabled)
}
