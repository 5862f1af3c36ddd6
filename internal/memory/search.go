package memory

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/xiy/agent-memstore/internal/store"
	"github.com/xiy/agent-memstore/pkg/types"
)

var queryOperators = map[string]struct{}{
	"and":  {},
	"or":   {},
	"not":  {},
	"near": {},
}

// SanitizeQuery reduces free text to plain space-separated words so it
// can never be read as FTS5 query syntax. Punctuation becomes a word
// break and boolean operator keywords are dropped. The text is folded the
// same way indexed content is.
func SanitizeQuery(raw string) string {
	s := store.FoldText(raw)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, s)

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if _, op := queryOperators[strings.ToLower(w)]; op {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// similarity maps a bm25 score (lower is better) into [0, 1].
func similarity(raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	s := 1 / (1 + math.Abs(raw))
	return math.Max(0, math.Min(1, s))
}

func searchPredicates(op string, f types.QueryFilters) ([]store.Predicate, error) {
	var preds []store.Predicate
	if f.Type != "" {
		preds = append(preds, store.Equals{Field: store.FieldType, Value: f.Type})
	}
	if f.Source != "" {
		preds = append(preds, store.Equals{Field: store.FieldSource, Value: f.Source})
	}
	if f.AgentID != "" {
		preds = append(preds, store.Equals{Field: store.FieldAgentID, Value: f.AgentID})
	}
	if f.SessionID != "" {
		preds = append(preds, store.Equals{Field: store.FieldSessionID, Value: f.SessionID})
	}
	for _, tag := range f.Tags {
		preds = append(preds, store.ContainsTag{Tag: tag})
	}
	if f.DateRange != nil {
		p, err := dateRangePredicate(op, *f.DateRange)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if f.MinImportance != nil {
		v := *f.MinImportance
		if math.IsNaN(v) || v < 0 || v > 1 {
			return nil, newError(ErrQuery, op, errors.New("minImportance must be within [0, 1]"))
		}
		preds = append(preds, store.Range{Field: store.FieldImportance, Min: v})
	}
	return preds, nil
}

func dateRangePredicate(op string, r types.DateRange) (store.Predicate, error) {
	if !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
		return nil, newError(ErrQuery, op, errors.New("dateRange start is after end"))
	}
	p := store.Range{Field: store.FieldCreatedAt}
	if !r.Start.IsZero() {
		p.Min = r.Start.UnixMilli()
	}
	if !r.End.IsZero() {
		p.Max = r.End.UnixMilli()
	}
	return p, nil
}

// Search ranks entries by full-text relevance to q.Text. Text that
// sanitizes to nothing yields no results rather than an error.
func (m *Manager) Search(ctx context.Context, q types.SearchQuery) ([]types.SearchResult, error) {
	const op = "search"
	if strings.TrimSpace(q.Text) == "" {
		return nil, newError(ErrQuery, op, errors.New("text is required"))
	}
	limit := q.Limit
	switch {
	case limit < 0:
		return nil, newError(ErrQuery, op, errors.New("limit must not be negative"))
	case limit == 0:
		limit = m.cfg.DefaultSearchLimit
	case limit > maxSearchRows:
		limit = maxSearchRows
	}
	if math.IsNaN(q.Threshold) || q.Threshold < 0 || q.Threshold > 1 {
		return nil, newError(ErrQuery, op, errors.New("threshold must be within [0, 1]"))
	}
	preds, err := searchPredicates(op, q.Filters)
	if err != nil {
		return nil, err
	}

	clean := SanitizeQuery(q.Text)
	if clean == "" {
		m.logger.Debug("search text empty after sanitizing", "raw", q.Text)
		return []types.SearchResult{}, nil
	}
	match := store.BuildMatchQuery(strings.Fields(clean))

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}

	cands, err := m.st.SearchFTS(ctx, match, preds, limit)
	if err != nil {
		return nil, storageErr(op, err)
	}

	results := make([]types.SearchResult, 0, len(cands))
	for _, c := range cands {
		sim := similarity(c.RawScore)
		if sim < q.Threshold {
			continue
		}
		results = append(results, types.SearchResult{Entry: c.Entry, Similarity: sim, Distance: 1 - sim})
	}

	if m.cfg.TrackAccess && len(results) > 0 {
		m.touch(ctx, results)
	}
	return results, nil
}

// touch records one access for every result in a single statement. The
// returned entries reflect the update only when it committed.
func (m *Manager) touch(ctx context.Context, results []types.SearchResult) {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Entry.ID
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	if err := m.st.TouchAccess(ctx, ids, now); err != nil {
		m.logger.Warn("access tracking failed", "error", err, "entries", len(ids))
		return
	}
	for i := range results {
		results[i].Entry.AccessCount++
		t := now
		results[i].Entry.LastAccessedAt = &t
	}
}
