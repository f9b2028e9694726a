package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the registry error taxonomy. Callers match with
// errors.Is; packages wrap these with context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound is returned when a requested agent or usage event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on create when agent_id or agent_type collides.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation is returned for bad enum values, out-of-range parameters,
	// and wrong embedding dimensions. Rejected before any index or pool access.
	ErrValidation = errors.New("validation failed")

	// ErrEmbedding is returned when embedding computation fails. Distinct from
	// an empty result set: "could not search" is never reported as "nothing matched".
	ErrEmbedding = errors.New("embedding failed")

	// ErrPoolExhausted is returned when the connection pool cannot serve a
	// request within its acquisition deadline.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrTimeout is returned when an operation exceeds its latency budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrIndexInconsistency marks divergence between the entity store and the
	// vector index. Internal only: detected by the reconciler, logged, and
	// self-healed. Never surfaced to a normal caller as a hard failure.
	ErrIndexInconsistency = errors.New("index inconsistency")
)

// Validationf builds a wrapped validation error with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
