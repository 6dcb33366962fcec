package database

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Guard serialises writers and lets readers run concurrently against one
// shared handle. Every repository built on the same store shares one Guard.
type Guard struct {
	db      *sqlx.DB
	dialect Dialect
	mu      *sync.RWMutex
}

// NewGuard wraps db. A nil lock gets a fresh one; pass a lock explicitly to
// share it with another component that owns the same file.
func NewGuard(db *sqlx.DB, dialect Dialect, mu *sync.RWMutex) *Guard {
	if mu == nil {
		mu = &sync.RWMutex{}
	}
	return &Guard{db: db, dialect: dialect, mu: mu}
}

// DB exposes the underlying handle for lifecycle calls (ping, close).
func (g *Guard) DB() *sqlx.DB { return g.db }

// Dialect reports the SQL flavour of the handle.
func (g *Guard) Dialect() Dialect { return g.dialect }

// Write runs fn inside a transaction while holding the exclusive lock.
func (g *Guard) Write(ctx context.Context, fn func(ctx context.Context, tx sqlx.ExtContext) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return WithTx(ctx, g.db, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, tx)
	})
}

// Read runs fn under the shared lock. fn must not call Write.
func (g *Guard) Read(ctx context.Context, fn func(ctx context.Context, q sqlx.ExtContext) error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(ctx, g.db)
}

// WithTx begins a transaction, runs fn with it, and then commits on success
// or rolls back on error/panic. Panics are rethrown.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
