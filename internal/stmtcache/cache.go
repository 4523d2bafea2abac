// ABOUTME: Named prepared-statement cache with transparent rebuild on failure
// ABOUTME: LRU-bounded; a failing handle is dropped, recompiled and retried exactly once

package stmtcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/2389/coven-chatstore/internal/engine"
	"github.com/2389/coven-chatstore/internal/metrics"
)

// DefaultSize is the number of statements kept when no size is configured.
const DefaultSize = 256

// Preparer compiles statements. engine.Engine satisfies it.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type entry struct {
	query string
	stmt  *sql.Stmt
}

// Cache maps logical statement names to compiled handles.
type Cache struct {
	prep     Preparer
	lru      *lru.Cache
	logger   *slog.Logger
	rebuilds atomic.Int64
}

// New creates a cache of at most size statements. Evicted statements are closed.
func New(prep Preparer, size int, logger *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	l, err := lru.NewWithEvict(size, func(_ interface{}, value interface{}) {
		if e, ok := value.(*entry); ok {
			e.stmt.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating statement cache: %w", err)
	}

	return &Cache{
		prep:   prep,
		lru:    l,
		logger: logger.With("component", "stmtcache"),
	}, nil
}

// get returns the handle for key, compiling it when missing or when the key
// was previously bound to different query text.
func (c *Cache) get(ctx context.Context, key, query string) (*sql.Stmt, error) {
	if v, ok := c.lru.Get(key); ok {
		e := v.(*entry)
		if e.query == query {
			return e.stmt, nil
		}
		c.lru.Remove(key)
	}

	stmt, err := c.prep.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, &entry{query: query, stmt: stmt})
	return stmt, nil
}

// do runs fn against the handle for key. On failure the handle is dropped,
// recompiled and fn is retried once.
func (c *Cache) do(ctx context.Context, key, query string, fn func(*sql.Stmt) error) error {
	stmt, err := c.get(ctx, key, query)
	if err == nil {
		err = fn(stmt)
		if err == nil || !retryable(err) {
			return err
		}
	}
	if ctx.Err() != nil {
		return err
	}

	c.lru.Remove(key)
	c.rebuilds.Add(1)
	metrics.StatementRebuildsTotal.Inc()
	c.logger.Warn("rebuilding statement", "key", key, "error", err)

	stmt, err = c.get(ctx, key, query)
	if err != nil {
		return fmt.Errorf("preparing %s: %w", key, err)
	}
	if err := fn(stmt); err != nil {
		return fmt.Errorf("executing %s: %w", key, err)
	}
	return nil
}

// retryable excludes outcomes a fresh handle cannot change.
func retryable(err error) bool {
	return !errors.Is(err, sql.ErrNoRows) &&
		!engine.IsConstraint(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Run executes a statement that returns no rows.
func (c *Cache) Run(ctx context.Context, key, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := c.do(ctx, key, query, func(stmt *sql.Stmt) error {
		var err error
		res, err = stmt.ExecContext(ctx, args...)
		return err
	})
	return res, err
}

// QueryOne scans the first row into dest. found is false when there are no rows.
func (c *Cache) QueryOne(ctx context.Context, key, query string, args []any, dest ...any) (found bool, err error) {
	err = c.do(ctx, key, query, func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx, args...).Scan(dest...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// QueryAll calls fn for each result row. Only failures raised before the first
// row is handed to fn are retried; errors from fn are returned unchanged.
func (c *Cache) QueryAll(ctx context.Context, key, query string, args []any, fn func(*sql.Rows) error) error {
	var rows *sql.Rows
	err := c.do(ctx, key, query, func(stmt *sql.Stmt) error {
		var err error
		rows, err = stmt.QueryContext(ctx, args...)
		return err
	})
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating %s: %w", key, err)
	}
	return nil
}

// Invalidate closes and drops every cached statement.
func (c *Cache) Invalidate() {
	c.lru.Purge()
}

// Len returns the number of cached statements.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Rebuilds returns how many handles were dropped and recompiled.
func (c *Cache) Rebuilds() int64 {
	return c.rebuilds.Load()
}
