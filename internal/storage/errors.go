package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/meibo/internal/model"
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is a Postgres foreign_key_violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// mapWriteErr converts driver-level write failures into the registry's
// error taxonomy. op names the operation for the wrapped message.
func mapWriteErr(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("storage: %s: %w", op, model.ErrAlreadyExists)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

// mapReadErr converts pgx.ErrNoRows into model.ErrNotFound so callers never
// see driver sentinels.
func mapReadErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", op, model.ErrNotFound)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}
