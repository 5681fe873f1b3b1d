package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSerialization marks a transaction that lost a race with a concurrent
// one. Nothing was written; the caller may retry with fresh reads.
var ErrSerialization = errors.New("platform/db: concurrent transaction won")

// SQLSTATEs raised when concurrent writers collide.
var serializationCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"23505": true, // unique_violation: two inserts of the same key
}

// WithTx runs fn inside a RepeatableRead transaction and commits it. Errors
// from fn pass through unwrapped so callers can match their own sentinels;
// collisions with concurrent writers, whether reported by fn's statements or
// by the commit, are wrapped with ErrSerialization.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}
	return nil
}

// IsSerialization reports whether err is a concurrent-writer collision.
func IsSerialization(err error) bool {
	if errors.Is(err, ErrSerialization) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && serializationCodes[pgErr.Code]
}

func classify(err error) error {
	if !errors.Is(err, ErrSerialization) && IsSerialization(err) {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}
