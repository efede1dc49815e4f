// Package store implements the three primitives the rest of the core uses
// to reach Postgres: snapshot reads, optimistic-locked conditional writes,
// and atomic multi-row transactions, following the teacher's
// per-entity Store{dbtx} + parameterized-SQL convention (pkg/incident/store.go)
// generalized into a reusable shape.
package store

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/db"
)

// Store is the shared handle every per-entity store embeds.
type Store struct {
	pool *pgxpool.Pool
	dbtx db.DBTX
}

// New creates a Store backed by a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, dbtx: pool}
}

// withTx returns a Store bound to tx instead of the pool, for use inside
// Transact.
func (s *Store) withTx(tx pgx.Tx) *Store {
	return &Store{pool: s.pool, dbtx: tx}
}

// Transact runs fn inside a single transaction. Every store method called on
// the *Store passed to fn participates in that transaction; all writes
// commit together or none do (spec's "cutover is one transactional batch").
func (s *Store) Transact(ctx context.Context, fn func(txs *Store) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(s.withTx(tx))
	})
}

// maxConflictRetries bounds the optimistic-lock retry loop (spec §4.1: "bounded
// number of times (3)").
const maxConflictRetries = 3

// RetryOnConflict retries fn up to maxConflictRetries times with jittered
// backoff whenever it returns an apperr.KindConflict error, then surfaces a
// retriable error, generalizing spec §4.1's bounded retry policy.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !apperr.Is(lastErr, apperr.KindConflict) {
			return lastErr
		}
		backoff := time.Duration(10+rand.IntN(40)) * time.Millisecond * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return apperr.Wrap(apperr.KindRetriable, true, lastErr, "exhausted %d conflict retries", maxConflictRetries)
}
