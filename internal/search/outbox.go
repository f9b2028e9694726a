package search

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/meibo/internal/storage"
	"github.com/ashita-ai/meibo/internal/telemetry"
)

const (
	maxOutboxAttempts = 10
	claimLease        = 60 * time.Second
	maxBackoff        = 5 * time.Minute
)

// OutboxWorker polls the index_outbox table and flushes pending upserts to the
// vector index. Writes survive index outages: failed flushes retry with
// exponential backoff, and entries that exhaust their attempts are dropped
// with a warning (the reconciler re-enqueues them on its next pass).
type OutboxWorker struct {
	db           *storage.DB
	index        VectorIndex
	lexical      *LexicalIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates an outbox worker. lexical may be nil when lexical
// indexing is handled elsewhere.
func NewOutboxWorker(db *storage.DB, index VectorIndex, lexical *LexicalIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		db:           db,
		index:        index,
		lexical:      lexical,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("index outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("index outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

// ProcessOnce runs a single flush pass. Exposed for tests and for callers that
// want a synchronous flush after bulk ingestion.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) {
	w.processBatch(ctx)
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	entries, err := w.db.ClaimIndexOutbox(ctx, w.batchSize, claimLease)
	if err != nil {
		w.logger.Error("index outbox: claim entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Entries past the attempt ceiling are dropped rather than retried
	// forever; the reconciler restores them if the agent still exists.
	var live []storage.OutboxEntry
	var deadIDs []int64
	for _, e := range entries {
		if e.Attempts >= maxOutboxAttempts {
			w.logger.Warn("index outbox: dropping dead-letter entry",
				"outbox_id", e.ID, "agent_id", e.AgentID, "attempts", e.Attempts)
			deadIDs = append(deadIDs, e.ID)
			continue
		}
		live = append(live, e)
	}
	if len(deadIDs) > 0 {
		if err := w.db.AckIndexOutbox(ctx, deadIDs); err != nil {
			w.logger.Error("index outbox: drop dead-letters", "error", err)
		}
	}
	if len(live) == 0 {
		return
	}

	agentIDs := make([]string, len(live))
	for i, e := range live {
		agentIDs[i] = e.AgentID
	}

	agents, err := w.db.GetAgentsByIDs(ctx, agentIDs)
	if err != nil {
		w.logger.Error("index outbox: fetch agents", "error", err, "count", len(agentIDs))
		w.failEntries(ctx, live, err.Error())
		return
	}

	var points []Point
	var ackIDs []int64
	var flushable []storage.OutboxEntry
	for _, e := range live {
		agent, ok := agents[e.AgentID]
		if !ok || agent.Embedding == nil {
			// Agent deleted (or not yet embedded) since the enqueue: nothing
			// to index, retire the entry.
			ackIDs = append(ackIDs, e.ID)
			continue
		}
		points = append(points, Point{
			AgentID:    agent.AgentID,
			Category:   agent.Category,
			UsageCount: agent.UsageCount(),
			Embedding:  agent.Embedding.Slice(),
		})
		flushable = append(flushable, e)
		if w.lexical != nil {
			if err := w.lexical.Index(agent); err != nil {
				w.logger.Warn("index outbox: lexical index", "agent_id", agent.AgentID, "error", err)
			}
		}
	}

	if len(points) > 0 {
		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("index outbox: vector upsert", "error", err, "count", len(points))
			w.failEntries(ctx, flushable, err.Error())
		} else {
			for _, e := range flushable {
				ackIDs = append(ackIDs, e.ID)
			}
			w.logger.Info("index outbox: flushed", "count", len(points))
		}
	}

	if len(ackIDs) > 0 {
		if err := w.db.AckIndexOutbox(ctx, ackIDs); err != nil {
			w.logger.Error("index outbox: ack entries", "error", err)
		}
	}
}

// failEntries reschedules a failed batch with per-entry exponential backoff:
// 2^(attempts+1) seconds, capped. This prevents tight retry loops during
// index outages.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []storage.OutboxEntry, errMsg string) {
	for _, e := range entries {
		backoff := time.Duration(math.Pow(2, float64(e.Attempts+1))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if err := w.db.NackIndexOutbox(ctx, e.ID, errMsg, backoff); err != nil {
			w.logger.Error("index outbox: nack entry", "outbox_id", e.ID, "error", err)
		}
	}
}

// registerMetrics registers an observable OTEL gauge for outbox depth.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("meibo/outbox")

	_, _ = meter.Int64ObservableGauge("meibo.outbox.depth",
		metric.WithDescription("Number of pending entries in the index outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := w.db.CountPendingOutbox(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
