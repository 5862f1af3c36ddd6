package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/agent-memstore/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoRoom is returned by InsertEntry when the in-transaction eviction
// could not free the requested number of rows.
var ErrNoRoom = errors.New("eviction could not free enough room")

// PlaceholderType is reported for rows whose metadata blob cannot be decoded.
const PlaceholderType = "unknown"

const entryColumns = `e.id, e.content, e.metadata_json, e.created_at_ms, e.last_accessed_at_ms, e.access_count`

// Options configure how the database handle is opened.
type Options struct {
	BusyTimeoutMS int
}

// SQLiteStore owns the single database handle for one memory file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

// OpenSQLite opens the database file and ensures the schema exists.
func OpenSQLite(ctx context.Context, dbPath string, opts Options, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, path: dbPath, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string, opts Options) string {
	busy := opts.BusyTimeoutMS
	if busy < 0 {
		busy = 0
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=trusted_schema(1)", path, busy)
}

// schemaVersion is stored in PRAGMA user_version. Version 1 indexes
// folded content.
const schemaVersion = 1

// EnsureSchema creates the entry table, the FTS5 shadow index and the
// triggers that keep them in sync. Safe to call on every startup. Files
// written before folding was introduced get their triggers replaced and
// the index rebuilt from folded content.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("run schema: %w", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	const reindex = `
DROP TRIGGER IF EXISTS entries_ai;
DROP TRIGGER IF EXISTS entries_ad;
DROP TRIGGER IF EXISTS entries_au;
`
	if _, err := tx.ExecContext(ctx, reindex); err != nil {
		return fmt.Errorf("drop index triggers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("run schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO entries_fts(entries_fts) VALUES ('delete-all')`); err != nil {
		return fmt.Errorf("clear text index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO entries_fts(rowid, content) SELECT id, fold_text(content) FROM entries`); err != nil {
		return fmt.Errorf("rebuild text index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewEntry is a row about to be inserted.
type NewEntry struct {
	Content   string
	Metadata  types.MemoryMetadata
	CreatedAt time.Time
}

// InsertResult reports the new row id and the rows evicted to make room.
type InsertResult struct {
	ID      int64
	Evicted int64
}

// InsertEntry inserts one row. When evictOldest > 0 that many of the oldest
// rows are deleted in the same transaction first, and the insert is rolled
// back with ErrNoRoom unless at least need rows were removed.
func (s *SQLiteStore) InsertEntry(ctx context.Context, e NewEntry, evictOldest, need int64) (InsertResult, error) {
	var res InsertResult
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return res, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	if evictOldest > 0 {
		n, err := deleteOrdered(ctx, tx, OrderOldest, evictOldest)
		if err != nil {
			return res, err
		}
		if n < need {
			return res, fmt.Errorf("%w: removed %d of %d", ErrNoRoom, n, need)
		}
		res.Evicted = n
	}

	r, err := tx.ExecContext(ctx,
		`INSERT INTO entries (content, metadata_json, created_at_ms, access_count) VALUES (?, ?, ?, 0)`,
		e.Content, string(metaJSON), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return res, fmt.Errorf("insert entry: %w", err)
	}
	if res.ID, err = r.LastInsertId(); err != nil {
		return res, fmt.Errorf("insert entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit insert: %w", err)
	}
	return res, nil
}

// GetEntry returns sql.ErrNoRows when id does not exist.
func (s *SQLiteStore) GetEntry(ctx context.Context, id int64) (types.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries e WHERE e.id = ?`, id)
	rec, err := scanEntry(row, nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("get entry: %w", err)
	}
	return rec, nil
}

// UpdateMetadata rewrites an entry's metadata inside one transaction.
// fn receives the current metadata and returns the replacement.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id int64, fn func(types.MemoryMetadata) (types.MemoryMetadata, error)) (types.MemoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.MemoryEntry{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries e WHERE e.id = ?`, id), nil)
	if err != nil {
		return rec, err
	}
	meta, err := fn(rec.Metadata)
	if err != nil {
		return rec, err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return rec, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entries SET metadata_json = ? WHERE id = ?`, string(b), id); err != nil {
		return rec, fmt.Errorf("update metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("commit update: %w", err)
	}
	rec.Metadata = meta
	return rec, nil
}

// DeleteEntry returns the number of rows removed (0 or 1).
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return n, nil
}

// DeleteAll removes every entry and returns the number of rows removed.
func (s *SQLiteStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries`)
	if err != nil {
		return 0, fmt.Errorf("delete all entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all rows affected: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes entries created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old rows affected: %w", err)
	}
	return n, nil
}

// Count returns the number of persisted entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// ListParams selects and pages entries. Limit 0 means no limit.
type ListParams struct {
	Where   []Predicate
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

var orderColumns = map[string]string{
	"created_at":       "e.created_at_ms",
	"last_accessed_at": "COALESCE(e.last_accessed_at_ms, 0)",
	"access_count":     "e.access_count",
	"id":               "e.id",
}

// IsOrderColumn reports whether name is accepted as ListParams.OrderBy.
func IsOrderColumn(name string) bool {
	_, ok := orderColumns[name]
	return ok
}

// ListEntries returns entries matching p.
func (s *SQLiteStore) ListEntries(ctx context.Context, p ListParams) ([]types.MemoryEntry, error) {
	col, ok := orderColumns[p.OrderBy]
	if !ok {
		return nil, fmt.Errorf("unsupported order column %q", p.OrderBy)
	}
	if p.Limit < 0 || p.Offset < 0 {
		return nil, fmt.Errorf("negative limit or offset")
	}
	where, args, err := buildWhere(p.Where)
	if err != nil {
		return nil, err
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}
	limit := p.Limit
	if limit == 0 {
		limit = -1
	}

	q := `SELECT ` + entryColumns + ` FROM entries e` + where +
		fmt.Sprintf(` ORDER BY %s %s, e.id %s LIMIT ? OFFSET ?`, col, dir, dir)
	args = append(args, limit, p.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryEntry, 0, max(p.Limit, 0))
	for rows.Next() {
		rec, err := scanEntry(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// CountWhere counts entries matching preds.
func (s *SQLiteStore) CountWhere(ctx context.Context, preds []Predicate) (int64, error) {
	where, args, err := buildWhere(preds)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM entries e`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Batches walks matching entries in id order, batchSize rows at a time,
// so callers never hold the whole table in memory.
func (s *SQLiteStore) Batches(ctx context.Context, preds []Predicate, batchSize int, fn func([]types.MemoryEntry) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	where, args, err := buildWhere(preds)
	if err != nil {
		return err
	}
	if where == "" {
		where = " WHERE e.id > ?"
	} else {
		where += " AND e.id > ?"
	}
	q := `SELECT ` + entryColumns + ` FROM entries e` + where + ` ORDER BY e.id ASC LIMIT ?`

	var last int64
	for {
		batchArgs := append(append([]any(nil), args...), last, batchSize)
		batch, err := s.queryEntries(ctx, q, batchArgs...)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last = batch[len(batch)-1].ID
	}
}

func (s *SQLiteStore) queryEntries(ctx context.Context, q string, args ...any) ([]types.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var items []types.MemoryEntry
	for rows.Next() {
		rec, err := scanEntry(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads entryColumns, plus a trailing score column when score is non-nil.
func scanEntry(sc scanner, score *float64) (types.MemoryEntry, error) {
	var (
		rec          types.MemoryEntry
		metadataJSON sql.NullString
		createdAt    int64
		lastAccessed sql.NullInt64
	)
	dest := []any{&rec.ID, &rec.Content, &metadataJSON, &createdAt, &lastAccessed, &rec.AccessCount}
	if score != nil {
		dest = append(dest, score)
	}
	if err := sc.Scan(dest...); err != nil {
		return rec, err
	}

	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAccessed.Valid {
		t := time.UnixMilli(lastAccessed.Int64).UTC()
		rec.LastAccessedAt = &t
	}
	if !metadataJSON.Valid || strings.TrimSpace(metadataJSON.String) == "" ||
		json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata) != nil {
		rec.Metadata = types.MemoryMetadata{Type: PlaceholderType}
	}
	if rec.Metadata.Type == "" {
		rec.Metadata.Type = PlaceholderType
	}
	if rec.Metadata.Tags == nil {
		rec.Metadata.Tags = []string{}
	}
	return rec, nil
}
