// Package store is the data access layer for the tuning database. All shared
// mutable state (jobs, results, solver metadata) lives in Postgres; concurrent
// workers synchronize exclusively through row-level locking, so every claim
// and state transition here runs inside a pgx native transaction.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// psql is the shared squirrel builder with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object. It is constructed once per process
// and passed down explicitly; there is no package-level connection singleton,
// which keeps tests free to run against isolated databases.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (test fixtures, one-off admin queries).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn inside a pgx transaction. The transaction is committed when
// fn returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
