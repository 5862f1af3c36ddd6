package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/pkg/types"
)

func discardLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StoragePath = filepath.Join(t.TempDir(), "memory.db")
	return cfg
}

func newTestManager(t *testing.T, cfg config.Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func note(tags ...string) types.MemoryMetadata {
	return types.MemoryMetadata{Type: "note", Tags: tags}
}

func mustAdd(t *testing.T, m *Manager, content string, meta types.MemoryMetadata) types.MemoryEntry {
	t.Helper()
	e, err := m.Add(context.Background(), content, meta)
	if err != nil {
		t.Fatalf("Add(%q) error = %v", content, err)
	}
	return e
}

func assertCounterMatchesRows(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	all, err := m.GetAll(ctx, types.ListFilter{})
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if stats.TotalEntries != int64(len(all)) {
		t.Fatalf("counter %d does not match %d stored rows", stats.TotalEntries, len(all))
	}
}

func TestManager_CounterTracksEveryWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, testConfig(t), WithClock(clock.Now))

	var ids []int64
	for i := 0; i < 6; i++ {
		ids = append(ids, mustAdd(t, m, fmt.Sprintf("entry number %d", i), note()).ID)
		clock.Advance(24 * time.Hour)
	}
	assertCounterMatchesRows(t, m)

	if err := m.Delete(ctx, ids[5]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	assertCounterMatchesRows(t, m)

	clock.Advance(30 * 24 * time.Hour)
	mustAdd(t, m, "fresh entry", note())
	if n, err := m.Cleanup(ctx, 7); err != nil || n != 5 {
		t.Fatalf("Cleanup() = %d, %v; want 5 removed", n, err)
	}
	assertCounterMatchesRows(t, m)

	if _, err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	assertCounterMatchesRows(t, m)
	if m.Count() != 0 {
		t.Fatalf("expected empty store after Clear, got %d", m.Count())
	}
}

func TestManager_CounterSurvivesReopen(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	m, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mustAdd(t, m, "persisted one", note())
	mustAdd(t, m, "persisted two", note())
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newTestManager(t, cfg)
	if reopened.Count() != 2 {
		t.Fatalf("expected counter loaded from disk = 2, got %d", reopened.Count())
	}
}

func TestManager_AddValidatesInput(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig(t))
	tooHigh := 1.5

	cases := []struct {
		name    string
		content string
		meta    types.MemoryMetadata
	}{
		{"empty content", "   ", note()},
		{"missing type", "content", types.MemoryMetadata{}},
		{"importance out of range", "content", types.MemoryMetadata{Type: "note", Importance: &tooHigh}},
		{"empty tag", "content", note("ok", " ")},
		{"extra shadows known field", "content", types.MemoryMetadata{Type: "note", Extra: map[string]any{"tags": "x"}}},
	}
	for _, tc := range cases {
		_, err := m.Add(context.Background(), tc.content, tc.meta)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
	if m.Count() != 0 {
		t.Fatalf("rejected adds must not change the counter, got %d", m.Count())
	}
}

func TestManager_AddNormalizesMetadata(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig(t))
	e := mustAdd(t, m, "normalized", types.MemoryMetadata{
		Type:  " note ",
		Tags:  []string{"a", " a", "b"},
		Extra: map[string]any{"origin": "cli"},
	})
	if e.AccessCount != 0 || e.LastAccessedAt != nil {
		t.Fatalf("new entry should be unaccessed: %+v", e)
	}

	got, found, err := m.Get(context.Background(), e.ID)
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if got.Metadata.Type != "note" || len(got.Metadata.Tags) != 2 {
		t.Fatalf("unexpected stored metadata %+v", got.Metadata)
	}
	if got.Metadata.Extra["origin"] != "cli" {
		t.Fatalf("expected extra field preserved, got %+v", got.Metadata.Extra)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Fatalf("createdAt mismatch: stored %v, returned %v", got.CreatedAt, e.CreatedAt)
	}
}

func TestManager_UpdateMergesMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))
	e := mustAdd(t, m, "immutable content", types.MemoryMetadata{
		Type: "note", Source: "chat", Tags: []string{"x"},
		Extra: map[string]any{"keep": true, "drop": 1.0},
	})

	imp := 0.8
	tags := []string{"y", "z"}
	got, err := m.Update(ctx, e.ID, types.MetadataPatch{
		Importance: &imp,
		Tags:       &tags,
		Extra:      map[string]any{"drop": nil, "added": "v"},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Content != "immutable content" || got.Metadata.Source != "chat" {
		t.Fatalf("update must keep content and untouched fields: %+v", got)
	}
	if got.Metadata.Importance == nil || *got.Metadata.Importance != 0.8 || !got.Metadata.HasTag("z") {
		t.Fatalf("patch not applied: %+v", got.Metadata)
	}
	if _, ok := got.Metadata.Extra["drop"]; ok {
		t.Fatalf("nil extra value should remove the key: %+v", got.Metadata.Extra)
	}
	if got.Metadata.Extra["keep"] != true || got.Metadata.Extra["added"] != "v" {
		t.Fatalf("extra fields not merged: %+v", got.Metadata.Extra)
	}

	empty := ""
	if _, err := m.Update(ctx, e.ID, types.MetadataPatch{Type: &empty}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty type, got %v", err)
	}
	if _, err := m.Update(ctx, 9999, types.MetadataPatch{Importance: &imp}); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestManager_DeleteAndGetMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))
	e := mustAdd(t, m, "short lived", note())

	if err := m.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	err := m.Delete(ctx, e.ID)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	var me *Error
	if !errors.As(err, &me) || me.Op != "delete" {
		t.Fatalf("expected *Error with op delete, got %#v", err)
	}
	if _, found, err := m.Get(ctx, e.ID); err != nil || found {
		t.Fatalf("Get() after delete = found %v, err %v", found, err)
	}
}

func TestManager_GetAllFiltersSortsAndPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, testConfig(t), WithClock(clock.Now))

	var ids []int64
	for i := 0; i < 5; i++ {
		meta := note("even")
		if i%2 == 1 {
			meta = types.MemoryMetadata{Type: "tool", Tags: []string{"odd"}}
		}
		ids = append(ids, mustAdd(t, m, fmt.Sprintf("row %d", i), meta).ID)
		clock.Advance(time.Minute)
	}

	newest, err := m.GetAll(ctx, types.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(newest) != 2 || newest[0].ID != ids[4] || newest[1].ID != ids[3] {
		t.Fatalf("expected newest-first page, got %+v", newest)
	}

	page, err := m.GetAll(ctx, types.ListFilter{Order: types.OrderAsc, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("GetAll(asc) error = %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] {
		t.Fatalf("unexpected ascending page %+v", page)
	}

	tools, err := m.GetAll(ctx, types.ListFilter{Type: "tool", Tags: []string{"odd"}})
	if err != nil {
		t.Fatalf("GetAll(type) error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tool entries, got %d", len(tools))
	}

	bad := []types.ListFilter{
		{Limit: -1},
		{Offset: maxListBound + 1},
		{OrderBy: "content; DROP TABLE entries"},
		{Order: "sideways"},
	}
	for _, f := range bad {
		if _, err := m.GetAll(ctx, f); !errors.Is(err, ErrValidation) {
			t.Fatalf("GetAll(%+v) expected ErrValidation, got %v", f, err)
		}
	}
}

func TestManager_InvalidCleanupConfigFailsStartup(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cleanup.TargetThreshold = 0.95
	if _, err := New(context.Background(), cfg, discardLogger()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for target >= trigger, got %v", err)
	}

	if _, err := NewCleanupConfig("oldest", 0.8, 0.8, 1, 10, 30); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for equal thresholds, got %v", err)
	}
	if _, err := NewCleanupConfig("oldest", 0.9, 0.7, 10, 5, 30); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for max < min, got %v", err)
	}
	if _, err := NewCleanupConfig("newest", 0.9, 0.7, 1, 5, 30); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for unknown strategy, got %v", err)
	}
	if _, err := NewCleanupConfig("least-accessed", 0.9, 0.7, 1, 5, 30); err != nil {
		t.Fatalf("NewCleanupConfig() error = %v", err)
	}
}

func TestManager_ClosedRejectsCalls(t *testing.T) {
	t.Parallel()
	m, err := New(context.Background(), testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", m.State())
	}
	if _, err := m.Add(context.Background(), "late", note()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
