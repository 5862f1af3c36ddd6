package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiy/agent-memstore/pkg/types"
)

// Candidate is a full-text hit with its raw bm25 score (lower is better).
type Candidate struct {
	Entry    types.MemoryEntry
	RawScore float64
}

// BuildMatchQuery quotes each term and ANDs them for FTS5 MATCH.
func BuildMatchQuery(terms []string) string {
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		escaped := strings.ReplaceAll(term, `"`, `""`)
		parts = append(parts, `"`+escaped+`"`)
	}
	return strings.Join(parts, " AND ")
}

// SearchFTS runs an FTS5 MATCH with extra predicates, best matches first.
func (s *SQLiteStore) SearchFTS(ctx context.Context, match string, preds []Predicate, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args, err := buildWhere(preds)
	if err != nil {
		return nil, err
	}
	if where == "" {
		where = " WHERE entries_fts MATCH ?"
	} else {
		where += " AND entries_fts MATCH ?"
	}
	args = append(args, match, limit)

	q := `SELECT ` + entryColumns + `, bm25(entries_fts) AS bm
FROM entries_fts
JOIN entries e ON e.id = entries_fts.rowid` + where + `
ORDER BY bm ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	items := make([]Candidate, 0, limit)
	for rows.Next() {
		var c Candidate
		if c.Entry, err = scanEntry(rows, &c.RawScore); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// TouchAccess bumps access_count and last_accessed_at for all ids in one statement.
func (s *SQLiteStore) TouchAccess(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, now.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET access_count = access_count + 1, last_accessed_at_ms = ? WHERE id IN (`+marks+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}
