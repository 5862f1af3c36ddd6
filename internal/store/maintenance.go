package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

// Vacuum reclaims free pages. A full compaction also merges the FTS
// b-trees and truncates the WAL.
func (s *SQLiteStore) Vacuum(ctx context.Context, full bool) error {
	if full {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO entries_fts(entries_fts) VALUES ('optimize')`); err != nil {
			return fmt.Errorf("optimize fts: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if full {
		if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			return fmt.Errorf("wal checkpoint: %w", err)
		}
	}
	return nil
}

// CopyTo writes a consistent snapshot of the live database to dest, which
// must not exist yet.
func (s *SQLiteStore) CopyTo(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// Sizes reports the database size and the bytes held by the FTS index.
func (s *SQLiteStore) Sizes(ctx context.Context) (storage, index int64, err error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, 0, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, 0, fmt.Errorf("page size: %w", err)
	}
	storage = pageCount * pageSize
	if info, statErr := os.Stat(s.path + "-wal"); statErr == nil {
		storage += info.Size()
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(block)), 0) FROM entries_fts_data`).Scan(&index); err != nil {
		return storage, 0, fmt.Errorf("index size: %w", err)
	}
	return storage, index, nil
}

// VerifyFile opens path on a separate handle and checks that it is an
// intact memory database. The live store is not touched.
func VerifyFile(ctx context.Context, path string) (int64, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var check string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&check); err != nil {
		return 0, fmt.Errorf("quick check: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(check), "ok") {
		return 0, fmt.Errorf("quick check: %s", check)
	}

	var n int64
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("read entries: %w", err)
	}
	var fts int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'entries_fts'`).Scan(&fts); err != nil {
		return 0, fmt.Errorf("read schema: %w", err)
	}
	if fts == 0 {
		return 0, fmt.Errorf("missing full-text index")
	}
	return n, nil
}
