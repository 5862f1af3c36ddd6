package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EvictionOrder is the ordering in which rows are chosen for removal.
type EvictionOrder int

const (
	OrderOldest EvictionOrder = iota
	OrderLeastAccessed
	OrderHybrid
)

var evictionOrderBy = map[EvictionOrder]string{
	OrderOldest:        "created_at_ms ASC, id ASC",
	OrderLeastAccessed: "access_count ASC, COALESCE(last_accessed_at_ms, 0) ASC, id ASC",
	OrderHybrid:        "access_count ASC, created_at_ms ASC, id ASC",
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DeleteOrdered removes up to n rows in the given order and returns how
// many were actually removed.
func (s *SQLiteStore) DeleteOrdered(ctx context.Context, order EvictionOrder, n int64) (int64, error) {
	return deleteOrdered(ctx, s.db, order, n)
}

func deleteOrdered(ctx context.Context, ex sqlExecer, order EvictionOrder, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	by, ok := evictionOrderBy[order]
	if !ok {
		return 0, fmt.Errorf("unknown eviction order %d", order)
	}
	res, err := ex.ExecContext(ctx,
		`DELETE FROM entries WHERE id IN (SELECT id FROM entries ORDER BY `+by+` LIMIT ?)`, n)
	if err != nil {
		return 0, fmt.Errorf("evict entries: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict rows affected: %w", err)
	}
	return removed, nil
}
