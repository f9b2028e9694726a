// Package meibo is the public API for embedding the Meibo agent registry and
// discovery engine.
//
// Consumers import this package to construct and run the engine without
// forking it:
//
//	app, err := meibo.New(
//	    meibo.WithVersion(version),
//	    meibo.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	go app.Run(ctx)
//
//	result, err := app.Discover(ctx, meibo.DiscoverRequest{Query: "review Go code for races"})
//
// The import graph enforces a strict no-cycle rule: meibo (root) imports
// internal/*, but internal/* never imports meibo (root). Public types (Agent,
// Match, etc.) are standalone structs with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of the
// boundary.
package meibo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/meibo/internal/config"
	"github.com/ashita-ai/meibo/internal/model"
	"github.com/ashita-ai/meibo/internal/search"
	"github.com/ashita-ai/meibo/internal/service/embedding"
	"github.com/ashita-ai/meibo/internal/service/matcher"
	"github.com/ashita-ai/meibo/internal/service/registry"
	"github.com/ashita-ai/meibo/internal/storage"
	"github.com/ashita-ai/meibo/internal/telemetry"
	"github.com/ashita-ai/meibo/migrations"
)

// Sentinel errors returned by App methods. Compare with errors.Is.
var (
	ErrNotFound      = model.ErrNotFound
	ErrAlreadyExists = model.ErrAlreadyExists
	ErrValidation    = model.ErrValidation
	ErrEmbedding     = model.ErrEmbedding
	ErrPoolExhausted = model.ErrPoolExhausted
	ErrTimeout       = model.ErrTimeout

	// ErrAlreadyTerminal marks a replayed terminal transition on a usage
	// event. The stored event is returned alongside it unchanged.
	ErrAlreadyTerminal = storage.ErrAlreadyTerminal
)

// App is the engine lifecycle. Construct with New(), start background workers
// with Run(). App has no public fields — use New() options to configure it.
// vectorIndex is the internal index contract plus lifecycle.
type vectorIndex interface {
	search.VectorIndex
	Close() error
}

type App struct {
	cfg          config.Config
	db           *storage.DB
	index        vectorIndex
	lexical      *search.LexicalIndex
	outbox       *search.OutboxWorker
	reconciler   *search.Reconciler
	matcher      *matcher.Service
	registry     *registry.Service
	queryCache   *embedding.QueryCache
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to Postgres and Qdrant, runs
// migrations, ensures the vector collection, rebuilds the in-memory lexical
// index, and returns a ready App. It does NOT start any goroutines — call
// Run() for the background workers.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.qdrantURL != "" {
		cfg.QdrantURL = o.qdrantURL
	}
	if o.vectorIndex == nil && cfg.QdrantURL == "" {
		return nil, fmt.Errorf("config: QDRANT_URL is required")
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("meibo starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, storage.Options{
		MaxConns:       int32(cfg.PoolMaxConns), //nolint:gosec // validated positive in config.Validate
		AcquireTimeout: cfg.AcquireTimeout,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Vector index — external override takes priority over Qdrant.
	var index vectorIndex
	if o.vectorIndex != nil {
		index = &indexAdapter{v: o.vectorIndex}
	} else {
		qdrantIdx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:         cfg.QdrantURL,
			APIKey:      cfg.QdrantAPIKey,
			Collection:  cfg.QdrantCollection,
			Dims:        uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			M:           uint64(cfg.HNSWM),               //nolint:gosec
			EfConstruct: uint64(cfg.HNSWEfConstruct),     //nolint:gosec
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIdx.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIdx.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIdx
	}

	// Embedding provider — external override takes priority over auto-detect.
	var provider embedding.Provider
	if o.embeddingProvider != nil {
		provider = &providerAdapter{p: o.embeddingProvider}
	} else {
		provider, err = embedding.NewFromSettings(
			cfg.EmbeddingProvider, cfg.OpenAIAPIKey, cfg.EmbeddingModel,
			cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		if err != nil {
			_ = index.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("embedding: %w", err)
		}
	}
	queryCache := embedding.NewQueryCache(provider, cfg.QueryCacheSize)

	lexical, err := search.NewLexicalIndex()
	if err != nil {
		_ = index.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("lexical index: %w", err)
	}

	app := &App{
		cfg:     cfg,
		db:      db,
		index:   index,
		lexical: lexical,
		outbox:  search.NewOutboxWorker(db, index, lexical, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize),
		matcher: matcher.New(db, index, queryCache, lexical, logger, matcher.Options{
			DiscoverTimeout: cfg.DiscoverTimeout,
			DetailsTimeout:  cfg.DetailsTimeout,
		}),
		registry:     registry.New(db, index, lexical, provider, logger),
		reconciler:   search.NewReconciler(db, index, logger, cfg.ReconcileInterval),
		queryCache:   queryCache,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	// The lexical index is in-memory only; rebuild it from storage on startup.
	if err := app.registry.RebuildLexicalIndex(context.Background()); err != nil {
		logger.Warn("lexical index rebuild failed", "error", err)
	}

	return app, nil
}

// Run starts the background workers — outbox flusher, index reconciler, and
// statistics refresher — and blocks until ctx is cancelled. The App remains
// usable for queries after Run returns; call Close to release resources.
func (a *App) Run(ctx context.Context) error {
	a.outbox.Start(ctx)
	go a.reconciler.Run(ctx)
	if a.cfg.StatsRefreshInterval > 0 {
		go a.statsLoop(ctx)
	}

	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.outbox.Drain(drainCtx)
	return nil
}

func (a *App) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := a.db.RefreshStatistics(refreshCtx); err != nil {
				a.logger.Warn("statistics refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Close releases all resources. Call after Run has returned.
func (a *App) Close(ctx context.Context) {
	if err := a.lexical.Close(); err != nil {
		a.logger.Warn("close lexical index", "error", err)
	}
	if err := a.index.Close(); err != nil {
		a.logger.Warn("close vector index", "error", err)
	}
	a.db.Close()
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}

// Healthy reports readiness: both the database and the vector index must
// answer.
func (a *App) Healthy(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := a.index.Healthy(ctx); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	return nil
}

// Version reports the version string set via WithVersion.
func (a *App) Version() string { return a.version }

// Discover answers a natural-language query with ranked, explained matches.
func (a *App) Discover(ctx context.Context, req DiscoverRequest) (DiscoverResult, error) {
	internal := model.DiscoverRequest{
		Query:     req.Query,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	}
	if req.Category != "" {
		cat := model.Category(req.Category)
		internal.Category = &cat
	}
	resp, err := a.matcher.Discover(ctx, internal)
	if err != nil {
		return DiscoverResult{}, err
	}
	out := DiscoverResult{
		Agents:           make([]Match, len(resp.Agents)),
		TotalCount:       resp.TotalCount,
		ProcessingTimeMs: resp.ProcessingTimeMs,
	}
	for i, m := range resp.Agents {
		out.Agents[i] = Match{
			AgentID:           m.AgentID,
			Name:              m.Name,
			Category:          string(m.Category),
			Description:       m.Description,
			Capabilities:      m.Capabilities,
			Tools:             m.Tools,
			Keywords:          m.Keywords,
			Confidence:        m.Confidence,
			MatchReason:       m.MatchReason,
			UsageCount:        m.UsageCount,
			AvgResponseTimeMs: m.AvgResponseTimeMs,
		}
	}
	return out, nil
}

// LexicalSearch is the token-overlap complement to Discover: no embedding
// call, exact keyword hits rank first.
func (a *App) LexicalSearch(ctx context.Context, query string, limit int, category string) ([]LexicalHit, error) {
	var cat *model.Category
	if category != "" {
		c := model.Category(category)
		if err := model.ValidateCategory(c); err != nil {
			return nil, err
		}
		cat = &c
	}
	hits, err := a.matcher.LexicalSearch(ctx, query, limit, cat)
	if err != nil {
		return nil, err
	}
	out := make([]LexicalHit, len(hits))
	for i, h := range hits {
		out[i] = LexicalHit{AgentID: h.AgentID, Score: h.Score}
	}
	return out, nil
}

// GetAgentDetails returns the full record plus dependencies and examples.
func (a *App) GetAgentDetails(ctx context.Context, agentID string) (AgentDetails, error) {
	details, err := a.matcher.GetAgentDetails(ctx, agentID)
	if err != nil {
		return AgentDetails{}, err
	}
	out := AgentDetails{
		Agent:        toPublicAgent(details.Agent),
		Dependencies: make([]Dependency, len(details.Dependencies)),
		Examples:     details.Examples,
	}
	for i, d := range details.Dependencies {
		out.Dependencies[i] = toPublicDependency(d)
	}
	return out, nil
}

// RegisterAgent validates, embeds, and stores a new agent.
func (a *App) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	created, err := a.registry.RegisterAgent(ctx, fromPublicAgent(agent))
	if err != nil {
		return Agent{}, err
	}
	return toPublicAgent(created), nil
}

// UpdateAgent applies a partial update, re-embedding when the update touches
// name, description, or keywords.
func (a *App) UpdateAgent(ctx context.Context, agentID string, upd AgentUpdate) (Agent, error) {
	internal := model.AgentUpdate{
		Name:            upd.Name,
		DisplayName:     upd.DisplayName,
		Description:     upd.Description,
		Capabilities:    upd.Capabilities,
		Tools:           upd.Tools,
		Keywords:        upd.Keywords,
		FilePath:        upd.FilePath,
		EstimatedTokens: upd.EstimatedTokens,
		Metadata:        upd.Metadata,
	}
	if upd.Category != nil {
		cat := model.Category(*upd.Category)
		internal.Category = &cat
	}
	updated, err := a.registry.UpdateAgent(ctx, agentID, internal)
	if err != nil {
		return Agent{}, err
	}
	return toPublicAgent(updated), nil
}

// DeleteAgent removes an agent everywhere. The vector-index point is removed
// synchronously before the storage delete, so a returned nil guarantees the
// agent can no longer be discovered.
func (a *App) DeleteAgent(ctx context.Context, agentID string) error {
	return a.registry.DeleteAgent(ctx, agentID)
}

// ListAgents pages through registered agents, optionally scoped to a category.
func (a *App) ListAgents(ctx context.Context, category string, limit, offset int) ([]Agent, error) {
	var cat *model.Category
	if category != "" {
		c := model.Category(category)
		if err := model.ValidateCategory(c); err != nil {
			return nil, err
		}
		cat = &c
	}
	agents, err := a.db.ListAgents(ctx, cat, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Agent, len(agents))
	for i, ag := range agents {
		out[i] = toPublicAgent(ag)
	}
	return out, nil
}

// LoadFromCatalog bulk-upserts catalog entries keyed by agent_type. Entries
// whose content is unchanged skip the embedding call; per-entry failures are
// reported in the summary, never as a batch error.
func (a *App) LoadFromCatalog(ctx context.Context, entries []CatalogEntry) (CatalogLoadSummary, error) {
	internal := make([]model.CatalogEntry, len(entries))
	for i, e := range entries {
		internal[i] = fromPublicCatalogEntry(e)
	}
	res, err := a.registry.LoadFromCatalog(ctx, internal)
	if err != nil {
		return CatalogLoadSummary{}, err
	}
	out := CatalogLoadSummary{
		Upserted:  res.UpsertedCount,
		Unchanged: res.Unchanged,
		Failures:  make([]EntryFailure, len(res.Failures)),
	}
	for i, f := range res.Failures {
		out.Failures[i] = EntryFailure{EntryID: f.EntryID, Message: f.Message}
	}
	return out, nil
}

// RecordUsageStart opens an in_progress usage event and returns its ID.
func (a *App) RecordUsageStart(ctx context.Context, start UsageStart) (UsageEvent, error) {
	ev, err := a.db.RecordUsageStart(ctx, model.UsageEvent{
		AgentID:         start.AgentID,
		WorkflowID:      start.WorkflowID,
		SessionID:       start.SessionID,
		TaskDescription: start.TaskDescription,
		ContextMetadata: start.ContextMetadata,
	})
	if err != nil {
		return UsageEvent{}, err
	}
	return toPublicUsage(ev), nil
}

// RecordUsageEnd transitions a usage event to a terminal status exactly once.
// A replayed transition returns the stored event with ErrAlreadyTerminal; the
// agent's counters move only on the first transition.
func (a *App) RecordUsageEnd(ctx context.Context, eventID string, outcome UsageOutcome) (UsageEvent, error) {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return UsageEvent{}, model.Validationf("invalid event id %q", eventID)
	}
	ev, termErr := a.db.RecordUsageTerminal(ctx, id, model.UsageTerminal{
		Status:         model.UsageStatus(outcome.Status),
		ResponseTimeMs: outcome.ResponseTimeMs,
		ErrorMessage:   outcome.ErrorMessage,
		ErrorCode:      outcome.ErrorCode,
	})
	if termErr != nil && !errors.Is(termErr, ErrAlreadyTerminal) {
		return UsageEvent{}, termErr
	}
	return toPublicUsage(ev), termErr
}

// GetAgentStatistics returns the denormalized reporting view for one agent.
func (a *App) GetAgentStatistics(ctx context.Context, agentID string) (AgentStatistics, error) {
	stats, err := a.db.GetAgentStatistics(ctx, agentID)
	if err != nil {
		return AgentStatistics{}, err
	}
	return AgentStatistics{
		AgentID:           stats.AgentID,
		TotalInvocations:  stats.TotalInvocations,
		CompletedCount:    stats.CompletedCount,
		FailedCount:       stats.FailedCount,
		TimeoutCount:      stats.TimeoutCount,
		InProgressCount:   stats.InProgressCount,
		DistinctWorkflows: stats.DistinctWorkflows,
		P95ResponseTimeMs: stats.P95ResponseTimeMs,
		P99ResponseTimeMs: stats.P99ResponseTimeMs,
		RefreshedAt:       stats.RefreshedAt,
		LastInvokedAt:     stats.LastInvokedAt,
	}, nil
}

// RefreshStatistics recomputes the statistics view immediately, outside the
// background cadence.
func (a *App) RefreshStatistics(ctx context.Context) error {
	return a.db.RefreshStatistics(ctx)
}

// providerAdapter bridges the public EmbeddingProvider to the internal one.
type providerAdapter struct {
	p EmbeddingProvider
}

func (pa *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := pa.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (pa *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := pa.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (pa *providerAdapter) Dimensions() int { return pa.p.Dimensions() }

// indexAdapter bridges the public VectorIndex to the internal one.
type indexAdapter struct {
	v VectorIndex
}

func (ia *indexAdapter) Query(ctx context.Context, embedding []float32, threshold float64, limit int, category *model.Category) ([]search.Result, error) {
	cat := ""
	if category != nil {
		cat = string(*category)
	}
	hits, err := ia.v.Query(ctx, embedding, threshold, limit, cat)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{AgentID: h.AgentID, Score: h.Score}
	}
	return out, nil
}

func (ia *indexAdapter) Upsert(ctx context.Context, points []search.Point) error {
	out := make([]VectorPoint, len(points))
	for i, p := range points {
		out[i] = VectorPoint{
			AgentID:    p.AgentID,
			Category:   string(p.Category),
			UsageCount: p.UsageCount,
			Embedding:  p.Embedding,
		}
	}
	return ia.v.Upsert(ctx, out)
}

func (ia *indexAdapter) Remove(ctx context.Context, agentIDs []string) error {
	return ia.v.Remove(ctx, agentIDs)
}

func (ia *indexAdapter) Count(ctx context.Context) (uint64, error) { return ia.v.Count(ctx) }

func (ia *indexAdapter) ListAgentIDs(ctx context.Context) ([]string, error) {
	return ia.v.ListAgentIDs(ctx)
}

func (ia *indexAdapter) Healthy(ctx context.Context) error { return ia.v.Healthy(ctx) }

func (ia *indexAdapter) Close() error { return ia.v.Close() }

func toPublicAgent(a model.Agent) Agent {
	return Agent{
		AgentID:               a.AgentID,
		AgentType:             a.AgentType,
		Name:                  a.Name,
		DisplayName:           a.DisplayName,
		Category:              string(a.Category),
		Description:           a.Description,
		Capabilities:          a.Capabilities,
		Tools:                 a.Tools,
		Keywords:              a.Keywords,
		FilePath:              a.FilePath,
		EstimatedTokens:       a.EstimatedTokens,
		Metadata:              a.Metadata,
		SuccessfulInvocations: a.SuccessfulInvocations,
		FailedInvocations:     a.FailedInvocations,
		SuccessRate:           a.SuccessRate(),
		AvgResponseTimeMs:     a.AvgResponseTimeMs,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
		LastUsedAt:            a.LastUsedAt,
	}
}

func fromPublicAgent(a Agent) model.Agent {
	return model.Agent{
		AgentID:         a.AgentID,
		AgentType:       a.AgentType,
		Name:            a.Name,
		DisplayName:     a.DisplayName,
		Category:        model.Category(a.Category),
		Description:     a.Description,
		Capabilities:    a.Capabilities,
		Tools:           a.Tools,
		Keywords:        a.Keywords,
		FilePath:        a.FilePath,
		EstimatedTokens: a.EstimatedTokens,
		Metadata:        a.Metadata,
	}
}

func toPublicDependency(d model.DependencyEdge) Dependency {
	return Dependency{
		AgentID:   d.AgentID,
		DependsOn: d.DependsOnID,
		Type:      string(d.DependencyType),
	}
}

func fromPublicCatalogEntry(e CatalogEntry) model.CatalogEntry {
	out := model.CatalogEntry{
		AgentID:         e.AgentID,
		AgentType:       e.AgentType,
		Name:            e.Name,
		DisplayName:     e.DisplayName,
		Category:        model.Category(e.Category),
		Description:     e.Description,
		Capabilities:    e.Capabilities,
		Tools:           e.Tools,
		Keywords:        e.Keywords,
		FilePath:        e.FilePath,
		EstimatedTokens: e.EstimatedTokens,
		Metadata:        e.Metadata,
	}
	for _, d := range e.Dependencies {
		out.Dependencies = append(out.Dependencies, model.DependencyEdge{
			AgentID:        d.AgentID,
			DependsOnID:    d.DependsOn,
			DependencyType: model.DependencyType(d.Type),
		})
	}
	return out
}

func toPublicUsage(ev model.UsageEvent) UsageEvent {
	return UsageEvent{
		ID:              ev.ID.String(),
		AgentID:         ev.AgentID,
		WorkflowID:      ev.WorkflowID,
		SessionID:       ev.SessionID,
		InvokedAt:       ev.InvokedAt,
		CompletedAt:     ev.CompletedAt,
		Status:          string(ev.Status),
		ResponseTimeMs:  ev.ResponseTimeMs,
		TaskDescription: ev.TaskDescription,
		ErrorMessage:    ev.ErrorMessage,
		ErrorCode:       ev.ErrorCode,
	}
}
