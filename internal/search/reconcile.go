package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/meibo/internal/model"
)

// Reconciler periodically diffs the vector index against storage and repairs
// drift in both directions: agents missing from the index are re-enqueued
// through the outbox, and points for deleted agents are removed. Inconsistency
// is self-healed here, never surfaced to discovery callers.
type Reconciler struct {
	db       reconcileStore
	index    VectorIndex
	logger   *slog.Logger
	interval time.Duration
}

// reconcileStore is the slice of the storage layer the reconciler needs.
type reconcileStore interface {
	ListAgentIDs(ctx context.Context) ([]string, error)
	EnqueueIndexUpsert(ctx context.Context, agentID string) error
}

// NewReconciler creates a reconciler. interval <= 0 disables the loop.
func NewReconciler(db reconcileStore, index VectorIndex, logger *slog.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{db: db, index: index, logger: logger, interval: interval}
}

// Run executes reconcile passes until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := r.ReconcileOnce(passCtx); err != nil {
				r.logger.Error("reconcile: pass failed", "error", err)
			}
			cancel()
		}
	}
}

// ReconcileOnce performs a single diff-and-repair pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	storedIDs, err := r.db.ListAgentIDs(ctx)
	if err != nil {
		return err
	}
	indexedIDs, err := r.index.ListAgentIDs(ctx)
	if err != nil {
		return err
	}

	stored := make(map[string]bool, len(storedIDs))
	for _, id := range storedIDs {
		stored[id] = true
	}
	indexed := make(map[string]bool, len(indexedIDs))
	for _, id := range indexedIDs {
		indexed[id] = true
	}

	// Agents the index is missing go back through the outbox so the normal
	// flush path (with its retry semantics) handles them.
	var missing, failed int
	for _, id := range storedIDs {
		if indexed[id] {
			continue
		}
		if err := r.db.EnqueueIndexUpsert(ctx, id); err != nil {
			r.logger.Error("reconcile: re-enqueue upsert", "agent_id", id, "error", err)
			failed++
			continue
		}
		missing++
	}

	// Points for agents that no longer exist are removed directly.
	var stale []string
	for _, id := range indexedIDs {
		if !stored[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := r.index.Remove(ctx, stale); err != nil {
			r.logger.Error("reconcile: remove stale points", "count", len(stale), "error", err)
			failed += len(stale)
		}
	}

	if missing > 0 || len(stale) > 0 {
		r.logger.Warn("reconcile: repaired index drift",
			"missing_reindexed", missing, "stale_removed", len(stale))
	}
	// Drift that could not be repaired carries over to the next pass.
	if failed > 0 {
		return fmt.Errorf("reconcile: %d repairs failed: %w", failed, model.ErrIndexInconsistency)
	}
	return nil
}
