package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/internal/store"
)

// Cleanup deletes entries created more than days ago. days == 0 uses the
// configured retention. A compaction is scheduled when enough rows went.
func (m *Manager) Cleanup(ctx context.Context, days int) (int64, error) {
	const op = "cleanup"
	if days < 0 {
		return 0, validationf(op, "days must not be negative")
	}
	if days == 0 {
		days = m.cfg.Cleanup.RetentionDays
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(op); err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := m.st.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, storageErr(op, err)
	}
	m.count -= n
	if n > 0 {
		m.logger.Info("removed expired entries", "count", n, "older_than_days", days)
	}
	m.compactor.MaybeSchedule(n)
	return n, nil
}

// Backup writes a consistent snapshot of the database to dest and returns
// the file written. When dest is a directory a timestamped name is used.
func (m *Manager) Backup(ctx context.Context, dest string) (string, error) {
	const op = "backup"
	if strings.TrimSpace(dest) == "" {
		return "", validationf(op, "destination path is required")
	}
	target := backupTarget(config.ExpandPath(dest))
	if samePath(target, m.cfg.StoragePath) {
		return "", validationf(op, "destination is the live database")
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", storageErr(op, fmt.Errorf("create backup dir %s: %w", dir, err))
	}
	tmp := stagingPath(target)

	m.mu.RLock()
	err := m.checkOpen(op)
	if err == nil {
		err = m.st.CopyTo(ctx, tmp)
	}
	m.mu.RUnlock()
	if err != nil {
		removeQuietly(tmp)
		return "", storageErr(op, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		removeQuietly(tmp)
		return "", storageErr(op, fmt.Errorf("move backup into place: %w", err))
	}
	m.logger.Info("backup written", "path", target)
	return target, nil
}

func backupTarget(dest string) string {
	if strings.HasSuffix(dest, string(os.PathSeparator)) {
		return filepath.Join(dest, backupName())
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return filepath.Join(dest, backupName())
	}
	return dest
}

func backupName() string {
	return "memory-" + strings.ToLower(ulid.Make().String()) + ".db"
}

// samePath reports whether a and b name the same file, comparing
// absolute paths.
func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// stagingPath returns a unique sibling of path for write-then-rename.
func stagingPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
}

// Restore replaces the live database with the copy at src. The copy is
// staged next to the live file and verified before anything live is
// touched; the swap itself is a rename. If anything fails before the
// rename, the live database keeps serving unchanged.
func (m *Manager) Restore(ctx context.Context, src string) error {
	const op = "restore"
	if strings.TrimSpace(src) == "" {
		return validationf(op, "source path is required")
	}
	src = config.ExpandPath(src)
	live := m.cfg.StoragePath
	if samePath(src, live) {
		return validationf(op, "source is the live database")
	}

	tmp := stagingPath(live)
	if err := copyFile(src, tmp); err != nil {
		removeQuietly(tmp)
		return storageErr(op, err)
	}
	n, err := store.VerifyFile(ctx, tmp)
	removeQuietly(tmp+"-wal", tmp+"-shm")
	if err != nil {
		removeQuietly(tmp)
		return storageErr(op, fmt.Errorf("verify %s: %w", src, err))
	}
	m.logger.Info("restore source verified", "path", src, "entries", n)

	m.mu.Lock()
	defer m.mu.Unlock()
	// A manager left without a store by a failed reopen can still be restored.
	if m.closed {
		removeQuietly(tmp)
		return newError(ErrClosed, op, nil)
	}
	if m.beforeSwap != nil {
		if err := m.beforeSwap(); err != nil {
			removeQuietly(tmp)
			return storageErr(op, err)
		}
	}

	if m.st != nil {
		if err := m.st.Close(); err != nil {
			removeQuietly(tmp)
			return storageErr(op, errors.Join(fmt.Errorf("close live database: %w", err), m.reopen(ctx)))
		}
		m.st = nil
	}
	removeQuietly(live+"-wal", live+"-shm")

	if err := os.Rename(tmp, live); err != nil {
		removeQuietly(tmp)
		return storageErr(op, errors.Join(fmt.Errorf("swap database file: %w", err), m.reopen(ctx)))
	}
	if err := m.reopen(ctx); err != nil {
		return storageErr(op, err)
	}
	m.logger.Info("database restored", "path", src, "entries", m.count)
	return nil
}

// reopen opens the live path again and reloads the counter. On failure
// the manager is left without a store and reports ErrStorage. Caller
// holds m.mu.
func (m *Manager) reopen(ctx context.Context) error {
	st, err := store.OpenSQLite(ctx, m.cfg.StoragePath, store.Options{BusyTimeoutMS: m.cfg.BusyTimeoutMS}, m.logger)
	if err != nil {
		m.st = nil
		return fmt.Errorf("reopen database: %w", err)
	}
	n, err := st.Count(ctx)
	if err != nil {
		_ = st.Close()
		m.st = nil
		return fmt.Errorf("reload entry count: %w", err)
	}
	m.st = st
	m.count = n
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}

func removeQuietly(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
