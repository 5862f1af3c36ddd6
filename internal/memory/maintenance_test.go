package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/pkg/types"
)

func TestCleanup_RemovesOnlyExpiredEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, testConfig(t), WithClock(clock.Now))

	old := fillEntries(t, m, clock, 3)
	clock.Advance(10 * 24 * time.Hour)
	recent := fillEntries(t, m, clock, 2)

	n, err := m.Cleanup(ctx, 5)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 3 || m.Count() != 2 {
		t.Fatalf("Cleanup() removed %d, count %d; want 3 and 2", n, m.Count())
	}
	assertGone(t, m, old)
	assertPresent(t, m, recent)

	if _, err := m.Cleanup(ctx, -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for negative days, got %v", err)
	}
}

func TestCleanup_DefaultsToRetentionDays(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	cfg := testConfig(t)
	cfg.Cleanup.RetentionDays = 2
	m := newTestManager(t, cfg, WithClock(clock.Now))

	fillEntries(t, m, clock, 2)
	clock.Advance(3 * 24 * time.Hour)
	if n, err := m.Cleanup(context.Background(), 0); err != nil || n != 2 {
		t.Fatalf("Cleanup(0) = %d, %v; want 2 removed", n, err)
	}
}

func TestBackup_IntoDirectoryAndFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))
	mustAdd(t, m, "backed up entry", note())

	dir := filepath.Join(t.TempDir(), "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	got, err := m.Backup(ctx, dir)
	if err != nil {
		t.Fatalf("Backup(dir) error = %v", err)
	}
	if filepath.Dir(got) != dir || !strings.HasPrefix(filepath.Base(got), "memory-") {
		t.Fatalf("unexpected backup name %q", got)
	}

	nested := filepath.Join(t.TempDir(), "a", "b", "snap.db")
	got, err = m.Backup(ctx, nested)
	if err != nil {
		t.Fatalf("Backup(file) error = %v", err)
	}
	if got != nested {
		t.Fatalf("expected backup at %q, got %q", nested, got)
	}
	if _, err := os.Stat(nested); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(nested), ".*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("staging files left behind: %v", leftovers)
	}
}

func TestBackup_RejectsLiveDatabasePath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	m := newTestManager(t, cfg)
	mustAdd(t, m, "must survive", note())

	rel, err := filepath.Rel(mustGetwd(t), cfg.StoragePath)
	if err != nil {
		t.Fatalf("filepath.Rel() error = %v", err)
	}
	for _, dest := range []string{cfg.StoragePath, rel, filepath.Dir(cfg.StoragePath) + "/./" + filepath.Base(cfg.StoragePath)} {
		if _, err := m.Backup(ctx, dest); !errors.Is(err, ErrValidation) {
			t.Fatalf("Backup(%q) error = %v, want ErrValidation", dest, err)
		}
	}
	res, err := m.Search(ctx, types.SearchQuery{Text: "must survive"})
	if err != nil || len(res) != 1 {
		t.Fatalf("live store damaged: %d results, %v", len(res), err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(cfg.StoragePath), ".*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("staging files left behind: %v", leftovers)
	}
}

func mustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd() error = %v", err)
	}
	return wd
}

func TestRestore_ReplacesLiveDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))
	kept := mustAdd(t, m, "present at backup time", note())

	snap, err := m.Backup(ctx, filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	later := mustAdd(t, m, "added after backup", note())

	if err := m.Restore(ctx, snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected counter reloaded to 1, got %d", m.Count())
	}
	assertPresent(t, m, []int64{kept.ID})
	assertGone(t, m, []int64{later.ID})

	res, err := m.Search(ctx, types.SearchQuery{Text: "present at backup"})
	if err != nil || len(res) != 1 {
		t.Fatalf("restored index not searchable: %d results, %v", len(res), err)
	}
	mustAdd(t, m, "writable after restore", note())
	assertCounterMatchesRows(t, m)
}

func TestRestore_FailureBeforeSwapLeavesStoreIntact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	m := newTestManager(t, cfg)
	mustAdd(t, m, "original one", note())

	snap, err := m.Backup(ctx, filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	mustAdd(t, m, "original two", note())

	injected := errors.New("crash before rename")
	m.beforeSwap = func() error { return injected }

	err = m.Restore(ctx, snap)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, injected) {
		t.Fatalf("expected storage error wrapping the injected failure, got %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("counter changed by failed restore: %d", m.Count())
	}
	res, err := m.Search(ctx, types.SearchQuery{Text: "original"})
	if err != nil || len(res) != 2 {
		t.Fatalf("live store not queryable after failed restore: %d results, %v", len(res), err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(cfg.StoragePath), ".*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("staged copy not discarded: %v", leftovers)
	}
}

func TestRestore_RecoversAfterFailedReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	m := newTestManager(t, cfg)
	kept := mustAdd(t, m, "kept in the snapshot", note())

	snap, err := m.Backup(ctx, filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	// Corrupt the verified staged copy so the swapped-in file cannot be opened.
	m.beforeSwap = func() error {
		staged, _ := filepath.Glob(filepath.Join(filepath.Dir(cfg.StoragePath), ".*.tmp"))
		for _, p := range staged {
			if err := os.WriteFile(p, []byte("not a database at all, just bytes"), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
	if err := m.Restore(ctx, snap); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage from failed reopen, got %v", err)
	}
	if _, err := m.Add(ctx, "no store to write to", note()); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage while the store is unavailable, got %v", err)
	}

	m.beforeSwap = nil
	if err := m.Restore(ctx, snap); err != nil {
		t.Fatalf("Restore() after failed reopen error = %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected counter reloaded to 1, got %d", m.Count())
	}
	assertPresent(t, m, []int64{kept.ID})
	mustAdd(t, m, "writable again", note())
	assertCounterMatchesRows(t, m)
}

func TestRestore_RejectsCorruptSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, testConfig(t))
	mustAdd(t, m, "survivor", note())

	junk := filepath.Join(t.TempDir(), "junk.db")
	if err := os.WriteFile(junk, []byte("this is not a database file at all"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := m.Restore(ctx, junk); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}

	other := newTestManager(t, testConfig(t))
	empty, err := other.Backup(ctx, filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if err := m.Restore(ctx, filepath.Join(t.TempDir(), "missing.db")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage for missing source, got %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("failed restores must not touch the live store, count=%d", m.Count())
	}

	if err := m.Restore(ctx, empty); err != nil {
		t.Fatalf("Restore(empty) error = %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("expected empty store after restoring empty backup, got %d", m.Count())
	}
}

func TestCompactor_Throttle(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	ran := make(chan struct{}, 4)
	c := newCompactor(config.VacuumConfig{MinIntervalMS: 60_000, MinDeletions: 5},
		func(context.Context) error {
			ran <- struct{}{}
			return nil
		}, discardLogger(), clock.Now)
	defer c.Stop()

	if c.MaybeSchedule(4) {
		t.Fatal("expected skip below the deletion minimum")
	}
	if !c.MaybeSchedule(5) {
		t.Fatal("expected compaction to be scheduled")
	}
	waitRun(t, ran)

	if c.MaybeSchedule(50) {
		t.Fatal("expected skip inside the minimum interval")
	}
	clock.Advance(61 * time.Second)
	if !c.MaybeSchedule(50) {
		t.Fatal("expected compaction once the interval passed")
	}
	waitRun(t, ran)
	if !c.LastRun().Equal(clock.Now()) {
		t.Fatalf("LastRun() = %v, want %v", c.LastRun(), clock.Now())
	}
}

func TestCompactor_SkipsAfterManagerClosed(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Vacuum = config.VacuumConfig{MinIntervalMS: 0, MinDeletions: 1}
	m, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.backgroundVacuum(context.Background()); err != nil {
		t.Fatalf("background compaction on closed manager should be a silent no-op, got %v", err)
	}
}

func waitRun(t *testing.T, ran <-chan struct{}) {
	t.Helper()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("compaction did not run")
	}
}
