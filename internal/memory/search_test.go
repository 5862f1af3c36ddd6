package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/xiy/agent-memstore/pkg/types"
)

func TestSanitizeQuery(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"ignore()me;|pipe":           "ignore me pipe",
		`"quoted" AND col:value*`:    "quoted col value",
		"this or that NEAR/3 thing":  "this that 3 thing",
		"  not   spaced\tout\n ":     "spaced out",
		"(((;;;)))":                  "",
		"ＦＵＬＬ width":                "FULL width",
		"android notation operators": "android notation operators",
	}
	for in, want := range cases {
		if got := SanitizeQuery(in); got != want {
			t.Fatalf("SanitizeQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimilarityIsBounded(t *testing.T) {
	t.Parallel()
	prev := 2.0
	for _, raw := range []float64{0, -0.5, -1, -4, -100} {
		s := similarity(raw)
		if s < 0 || s > 1 {
			t.Fatalf("similarity(%v) = %v out of range", raw, s)
		}
		if s > prev {
			t.Fatalf("similarity must fall as |score| grows: %v after %v", s, prev)
		}
		prev = s
	}
	if similarity(math.NaN()) != 0 {
		t.Fatal("NaN score should map to 0")
	}
}

func TestSearch_FindsEveryEntryByItsContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))

	contents := []string{
		"deploy the payments service to staging",
		"the payments service uses postgres",
		"user prefers dark mode in the editor",
		"tool output: 3 tests failed in package store",
		"invoice １２３ is overdue",
		"the ﬁle was renamed",
		"ＦＵＬＬ width status report",
	}
	ids := make(map[string]int64, len(contents))
	for _, c := range contents {
		ids[c] = mustAdd(t, m, c, note()).ID
	}

	for _, c := range contents {
		res, err := m.Search(ctx, types.SearchQuery{Text: c})
		if err != nil {
			t.Fatalf("Search(%q) error = %v", c, err)
		}
		var hit bool
		for _, r := range res {
			if r.Entry.ID == ids[c] {
				hit = true
			}
			if r.Similarity < 0 || r.Similarity > 1 || math.Abs(r.Distance-(1-r.Similarity)) > 1e-12 {
				t.Fatalf("bad scores %+v", r)
			}
		}
		if !hit {
			t.Fatalf("Search(%q) did not return entry %d", c, ids[c])
		}
	}
}

func TestSearch_SanitizesMetacharacters(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig(t))
	e := mustAdd(t, m, "please ignore me, said the pipe", note())

	res, err := m.Search(context.Background(), types.SearchQuery{Text: "ignore()me;|pipe"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res) != 1 || res[0].Entry.ID != e.ID {
		t.Fatalf("expected the sanitized query to match entry %d, got %+v", e.ID, res)
	}

	res, err = m.Search(context.Background(), types.SearchQuery{Text: "(((;)))"})
	if err != nil {
		t.Fatalf("Search() with only metacharacters error = %v", err)
	}
	if res == nil || len(res) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", res)
	}
}

func TestSearch_AppliesFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, testConfig(t), WithClock(clock.Now))
	hi, lo := 0.9, 0.1

	a := mustAdd(t, m, "release checklist for api", types.MemoryMetadata{
		Type: "note", Source: "chat", AgentID: "planner", SessionID: "s1",
		Tags: []string{"release", "api"}, Importance: &hi,
	})
	clock.Advance(48 * time.Hour)
	mustAdd(t, m, "release checklist for web", types.MemoryMetadata{
		Type: "tool", Source: "cli", AgentID: "coder", SessionID: "s2",
		Tags: []string{"release"}, Importance: &lo,
	})

	cases := []struct {
		name    string
		filters types.QueryFilters
		want    int
	}{
		{"none", types.QueryFilters{}, 2},
		{"type", types.QueryFilters{Type: "note"}, 1},
		{"source", types.QueryFilters{Source: "cli"}, 1},
		{"agent", types.QueryFilters{AgentID: "planner"}, 1},
		{"session", types.QueryFilters{SessionID: "s2"}, 1},
		{"all tags", types.QueryFilters{Tags: []string{"release", "api"}}, 1},
		{"min importance", types.QueryFilters{MinImportance: &hi}, 1},
		{"date range", types.QueryFilters{DateRange: &types.DateRange{End: a.CreatedAt.Add(time.Hour)}}, 1},
		{"no match", types.QueryFilters{Type: "note", AgentID: "coder"}, 0},
	}
	for _, tc := range cases {
		res, err := m.Search(ctx, types.SearchQuery{Text: "release checklist", Filters: tc.filters})
		if err != nil {
			t.Fatalf("%s: Search() error = %v", tc.name, err)
		}
		if len(res) != tc.want {
			t.Fatalf("%s: expected %d results, got %d", tc.name, tc.want, len(res))
		}
	}
}

func TestSearch_ThresholdDropsWeakMatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))
	mustAdd(t, m, "kubernetes upgrade notes", note())
	mustAdd(t, m, "kubernetes upgrade notes and a long tail of unrelated words about lunch", note())

	all, err := m.Search(ctx, types.SearchQuery{Text: "kubernetes upgrade"})
	if err != nil || len(all) != 2 {
		t.Fatalf("Search() = %d results, %v", len(all), err)
	}
	best := math.Max(all[0].Similarity, all[1].Similarity)
	if best >= 1 {
		t.Skip("scores saturated")
	}
	none, err := m.Search(ctx, types.SearchQuery{Text: "kubernetes upgrade", Threshold: math.Nextafter(best, 2)})
	if err != nil {
		t.Fatalf("Search(threshold) error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected every result under the threshold to be dropped, got %d", len(none))
	}
}

func TestSearch_TracksAccessInOneBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, testConfig(t), WithClock(clock.Now))
	a := mustAdd(t, m, "shared keyword alpha", note())
	b := mustAdd(t, m, "shared keyword beta", note())
	clock.Advance(time.Hour)

	res, err := m.Search(ctx, types.SearchQuery{Text: "shared keyword"})
	if err != nil || len(res) != 2 {
		t.Fatalf("Search() = %d results, %v", len(res), err)
	}
	for _, r := range res {
		if r.Entry.AccessCount != 1 || r.Entry.LastAccessedAt == nil || !r.Entry.LastAccessedAt.Equal(clock.Now()) {
			t.Fatalf("result not marked accessed: %+v", r.Entry)
		}
	}
	for _, id := range []int64{a.ID, b.ID} {
		got, _, err := m.Get(ctx, id)
		if err != nil || got.AccessCount != 1 {
			t.Fatalf("stored access count for %d = %d, %v", id, got.AccessCount, err)
		}
	}
}

func TestSearch_NoTrackingLeavesCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TrackAccess = false
	m := newTestManager(t, cfg)
	e := mustAdd(t, m, "untracked read", note())

	if _, err := m.Search(ctx, types.SearchQuery{Text: "untracked"}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	got, _, _ := m.Get(ctx, e.ID)
	if got.AccessCount != 0 || got.LastAccessedAt != nil {
		t.Fatalf("expected no access recorded, got %+v", got)
	}
}

func TestSearch_RejectsMalformedQueries(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig(t))
	neg := -0.1
	now := time.Now()

	bad := []types.SearchQuery{
		{Text: ""},
		{Text: "   "},
		{Text: "x", Limit: -1},
		{Text: "x", Threshold: 1.5},
		{Text: "x", Filters: types.QueryFilters{MinImportance: &neg}},
		{Text: "x", Filters: types.QueryFilters{DateRange: &types.DateRange{Start: now, End: now.Add(-time.Hour)}}},
	}
	for _, q := range bad {
		if _, err := m.Search(context.Background(), q); !errors.Is(err, ErrQuery) {
			t.Fatalf("Search(%+v) expected ErrQuery, got %v", q, err)
		}
	}
}
