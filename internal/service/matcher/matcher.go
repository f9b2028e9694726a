// Package matcher implements the discovery pipeline: embed the query, search
// the vector index, hydrate agent records, rank, and explain each match.
//
// Agent embeddings are computed once at ingest/update time; discover only
// ever embeds the query, through a single-flight LRU cache.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/meibo/internal/model"
	"github.com/ashita-ai/meibo/internal/search"
	"github.com/ashita-ai/meibo/internal/telemetry"
)

// Store is the slice of the storage layer the matcher reads from.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	GetAgentsByIDs(ctx context.Context, agentIDs []string) (map[string]model.Agent, error)
	ListDependencies(ctx context.Context, agentID string) ([]model.DependencyEdge, error)
}

// Embedder yields the query embedding, typically via embedding.QueryCache.
type Embedder interface {
	Get(ctx context.Context, text string) (pgvector.Vector, error)
}

// Lexicon is the token-overlap complement to vector search.
type Lexicon interface {
	Search(ctx context.Context, queryText string, limit int, category *model.Category) ([]model.LexicalHit, error)
}

// ErrLexicalDisabled is returned by LexicalSearch when the service was
// constructed without a lexicon.
var ErrLexicalDisabled = errors.New("matcher: lexical search disabled")

// Options bounds the latency budgets for the read path.
type Options struct {
	DiscoverTimeout time.Duration // end-to-end budget for Discover
	DetailsTimeout  time.Duration // budget for GetAgentDetails
}

// Service orchestrates discovery over the vector index and entity store.
type Service struct {
	store    Store
	index    search.VectorIndex
	embedder Embedder
	lexicon  Lexicon
	logger   *slog.Logger
	opts     Options

	discoverDuration  metric.Float64Histogram
	embeddingDuration metric.Float64Histogram
}

// New creates a matcher Service. lexicon may be nil to disable lexical search.
func New(store Store, index search.VectorIndex, embedder Embedder, lexicon Lexicon, logger *slog.Logger, opts Options) *Service {
	meter := telemetry.Meter("meibo/matcher")
	discoverDur, _ := meter.Float64Histogram("meibo.discover.duration",
		metric.WithDescription("End-to-end discover latency (ms)"),
		metric.WithUnit("ms"),
	)
	embDur, _ := meter.Float64Histogram("meibo.query_embedding.duration",
		metric.WithDescription("Query embedding latency including cache hits (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:             store,
		index:             index,
		embedder:          embedder,
		lexicon:           lexicon,
		logger:            logger,
		opts:              opts,
		discoverDuration:  discoverDur,
		embeddingDuration: embDur,
	}
}

// overfetchFactor widens the index query so equal-similarity candidates just
// past the limit still participate in usage-count tie-breaking.
const overfetchFactor = 3

// Discover answers a natural-language query with ranked, explained matches.
// Zero matches is a valid empty response, never an error; embedding failure
// surfaces as model.ErrEmbedding so callers can tell "could not search" from
// "nothing matched".
func (s *Service) Discover(ctx context.Context, req model.DiscoverRequest) (model.DiscoverResponse, error) {
	start := time.Now()
	if err := req.Normalize(); err != nil {
		return model.DiscoverResponse{}, err
	}

	if s.opts.DiscoverTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DiscoverTimeout)
		defer cancel()
	}

	embStart := time.Now()
	queryVec, err := s.embedder.Get(ctx, req.Query)
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return model.DiscoverResponse{}, fmt.Errorf("discover: %w", err)
	}

	results, err := s.index.Query(ctx, queryVec.Slice(), *req.Threshold, req.Limit*overfetchFactor, req.Category)
	if err != nil {
		return model.DiscoverResponse{}, fmt.Errorf("discover: %w", err)
	}
	if len(results) == 0 {
		return model.DiscoverResponse{
			Agents:           []model.AgentMatch{},
			ProcessingTimeMs: msSince(start),
		}, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.AgentID
	}
	agents, err := s.store.GetAgentsByIDs(ctx, ids)
	if err != nil {
		return model.DiscoverResponse{}, fmt.Errorf("discover: hydrate agents: %w", err)
	}

	queryTokens := tokenize(req.Query)
	matches := make([]model.AgentMatch, 0, len(results))
	for _, r := range results {
		agent, ok := agents[r.AgentID]
		if !ok {
			// Deleted between the index query and hydration; the reconciler
			// cleans the stale point up.
			continue
		}
		// The index applies the threshold server-side; re-check after
		// hydration so a permissive index implementation cannot leak.
		if float64(r.Score) < *req.Threshold {
			continue
		}
		if req.Category != nil && agent.Category != *req.Category {
			continue
		}
		matches = append(matches, model.AgentMatch{
			AgentID:           agent.AgentID,
			Name:              agent.Name,
			Category:          agent.Category,
			Description:       agent.Description,
			Capabilities:      agent.Capabilities,
			Tools:             agent.Tools,
			Keywords:          agent.Keywords,
			Confidence:        float64(r.Score),
			MatchReason:       matchReason(queryTokens, agent),
			UsageCount:        agent.UsageCount(),
			AvgResponseTimeMs: agent.AvgResponseTimeMs,
		})
	}

	// Rank: similarity descending, then usage count descending, then agent_id
	// ascending for a deterministic total order.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].UsageCount != matches[j].UsageCount {
			return matches[i].UsageCount > matches[j].UsageCount
		}
		return matches[i].AgentID < matches[j].AgentID
	})
	if len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}

	elapsed := msSince(start)
	s.discoverDuration.Record(ctx, elapsed)
	s.logger.Debug("discover",
		"query_len", len(req.Query), "matches", len(matches), "elapsed_ms", elapsed)

	return model.DiscoverResponse{
		Agents:           matches,
		TotalCount:       len(matches),
		ProcessingTimeMs: elapsed,
	}, nil
}

// LexicalSearch is the token-overlap complement to Discover: no embedding
// call, exact keyword hits rank first. Useful when the embedding provider is
// down or for short keyword-style queries.
func (s *Service) LexicalSearch(ctx context.Context, queryText string, limit int, category *model.Category) ([]model.LexicalHit, error) {
	if queryText == "" {
		return nil, model.Validationf("query is required")
	}
	if limit <= 0 {
		limit = model.DiscoverLimitDefault
	}
	if s.lexicon == nil {
		return nil, ErrLexicalDisabled
	}
	return s.lexicon.Search(ctx, queryText, limit, category)
}

// GetAgentDetails returns the full record plus dependencies and examples.
func (s *Service) GetAgentDetails(ctx context.Context, agentID string) (model.AgentDetails, error) {
	if s.opts.DetailsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DetailsTimeout)
		defer cancel()
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.AgentDetails{}, err
	}
	deps, err := s.store.ListDependencies(ctx, agentID)
	if err != nil {
		return model.AgentDetails{}, err
	}
	return model.AgentDetails{
		Agent:        agent,
		Dependencies: deps,
		Examples:     agent.Examples(),
	}, nil
}

// matchReason renders the case-insensitive intersection of query tokens with
// the agent's keywords as "Matches keywords: {sorted}", falling back to the
// first 100 characters of the description.
func matchReason(queryTokens map[string]bool, agent model.Agent) string {
	var matched []string
	seen := make(map[string]bool)
	for _, kw := range agent.Keywords {
		lower := strings.ToLower(kw)
		if queryTokens[lower] && !seen[lower] {
			matched = append(matched, lower)
			seen[lower] = true
		}
	}
	if len(matched) > 0 {
		sort.Strings(matched)
		return "Matches keywords: " + strings.Join(matched, ", ")
	}

	// Truncate on a rune boundary; a byte slice could split a multi-byte
	// character and emit invalid UTF-8.
	desc := agent.Description
	if utf8.RuneCountInString(desc) > 100 {
		desc = string([]rune(desc)[:100])
	}
	return desc
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
