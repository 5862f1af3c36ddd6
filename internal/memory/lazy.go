package memory

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/pkg/types"
)

// State is a lifecycle stage of a Manager or Lazy.
type State int

const (
	StateNotInitialized State = iota
	StateInitializing
	StateInitialized
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not_initialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Factory builds the underlying Manager.
type Factory func(ctx context.Context) (*Manager, error)

const initKey = "init"

// Lazy defers opening the database until the first call that needs it.
// Concurrent first callers share one initialization; a failed one is
// retried by the next caller.
type Lazy struct {
	factory Factory
	logger  *log.Logger
	group   singleflight.Group

	mu    sync.Mutex
	mgr   *Manager
	state State
}

// NewLazy returns a Lazy that opens a Manager for cfg on first use.
func NewLazy(cfg config.Config, logger *log.Logger, opts ...Option) *Lazy {
	return NewLazyWithFactory(func(ctx context.Context) (*Manager, error) {
		return New(ctx, cfg, logger, opts...)
	}, logger)
}

// NewLazyWithFactory uses factory to build the Manager.
func NewLazyWithFactory(factory Factory, logger *log.Logger) *Lazy {
	return &Lazy{factory: factory, logger: logger}
}

// IsInitialized reports whether a live Manager is cached.
func (l *Lazy) IsInitialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mgr != nil && l.state == StateInitialized
}

// State reports the wrapper's lifecycle stage.
func (l *Lazy) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lazy) ensureInitialized(ctx context.Context) (*Manager, error) {
	l.mu.Lock()
	switch l.state {
	case StateInitialized:
		mgr := l.mgr
		l.mu.Unlock()
		return mgr, nil
	case StateClosing:
		l.mu.Unlock()
		return nil, newError(ErrClosing, "init", nil)
	case StateClosed:
		l.mu.Unlock()
		return nil, newError(ErrClosed, "init", nil)
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do(initKey, func() (any, error) {
		l.mu.Lock()
		switch l.state {
		case StateInitialized:
			mgr := l.mgr
			l.mu.Unlock()
			return mgr, nil
		case StateClosing, StateClosed:
			l.mu.Unlock()
			return nil, newError(ErrClosing, "init", nil)
		}
		l.state = StateInitializing
		l.mu.Unlock()

		// Shared by every waiter, so one caller's cancellation must not
		// fail the others.
		mgr, err := l.factory(context.WithoutCancel(ctx))

		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			if l.state == StateInitializing {
				l.state = StateNotInitialized
			}
			return nil, err
		}
		if l.state != StateInitializing {
			// Close started while we were opening.
			_ = mgr.Close()
			return nil, newError(ErrClosing, "init", nil)
		}
		l.mgr = mgr
		l.state = StateInitialized
		return mgr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manager), nil
}

// Close waits for an in-flight initialization, then closes the Manager.
// Calls made while closing fail with ErrClosing.
func (l *Lazy) Close() error {
	l.mu.Lock()
	if l.state == StateClosed || l.state == StateClosing {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosing
	l.mu.Unlock()

	// Joins a running initialization, or runs a no-op if none is active.
	// An init that finishes after this point sees Closing and closes its
	// own Manager.
	_, _, _ = l.group.Do(initKey, func() (any, error) { return nil, nil })

	l.mu.Lock()
	mgr := l.mgr
	l.mgr = nil
	l.mu.Unlock()

	var err error
	if mgr != nil {
		err = mgr.Close()
	}

	l.mu.Lock()
	l.state = StateClosed
	l.mu.Unlock()
	return err
}

// Manager returns the initialized Manager, opening it if needed.
func (l *Lazy) Manager(ctx context.Context) (*Manager, error) {
	return l.ensureInitialized(ctx)
}

// Add initializes the store if needed and calls Manager.Add.
func (l *Lazy) Add(ctx context.Context, content string, meta types.MemoryMetadata) (types.MemoryEntry, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return types.MemoryEntry{}, err
	}
	return m.Add(ctx, content, meta)
}

// Get initializes the store if needed and calls Manager.Get.
func (l *Lazy) Get(ctx context.Context, id int64) (types.MemoryEntry, bool, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return types.MemoryEntry{}, false, err
	}
	return m.Get(ctx, id)
}

// Update initializes the store if needed and calls Manager.Update.
func (l *Lazy) Update(ctx context.Context, id int64, patch types.MetadataPatch) (types.MemoryEntry, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return types.MemoryEntry{}, err
	}
	return m.Update(ctx, id, patch)
}

// Delete initializes the store if needed and calls Manager.Delete.
func (l *Lazy) Delete(ctx context.Context, id int64) error {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return err
	}
	return m.Delete(ctx, id)
}

// Search initializes the store if needed and calls Manager.Search.
func (l *Lazy) Search(ctx context.Context, q types.SearchQuery) ([]types.SearchResult, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return nil, err
	}
	return m.Search(ctx, q)
}

// GetAll initializes the store if needed and calls Manager.GetAll.
func (l *Lazy) GetAll(ctx context.Context, f types.ListFilter) ([]types.MemoryEntry, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return nil, err
	}
	return m.GetAll(ctx, f)
}

// Clear initializes the store if needed and calls Manager.Clear.
func (l *Lazy) Clear(ctx context.Context) (int64, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return 0, err
	}
	return m.Clear(ctx)
}

// GetStats initializes the store if needed and calls Manager.GetStats.
func (l *Lazy) GetStats(ctx context.Context) (types.Stats, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return types.Stats{}, err
	}
	return m.GetStats(ctx)
}

// Cleanup initializes the store if needed and calls Manager.Cleanup.
func (l *Lazy) Cleanup(ctx context.Context, days int) (int64, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return 0, err
	}
	return m.Cleanup(ctx, days)
}

// Backup initializes the store if needed and calls Manager.Backup.
func (l *Lazy) Backup(ctx context.Context, dest string) (string, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return "", err
	}
	return m.Backup(ctx, dest)
}

// Restore initializes the store if needed and calls Manager.Restore.
func (l *Lazy) Restore(ctx context.Context, src string) error {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return err
	}
	return m.Restore(ctx, src)
}

// ExportToJSON initializes the store if needed and calls Manager.ExportToJSON.
func (l *Lazy) ExportToJSON(ctx context.Context, path string, opts types.ExportOptions) (types.ExportResult, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return types.ExportResult{}, err
	}
	return m.ExportToJSON(ctx, path, opts)
}

// ImportFromJSON initializes the store if needed and calls Manager.ImportFromJSON.
func (l *Lazy) ImportFromJSON(ctx context.Context, path string, opts types.ImportOptions) (types.ImportResult, error) {
	m, err := l.ensureInitialized(ctx)
	if err != nil {
		return types.ImportResult{}, err
	}
	return m.ImportFromJSON(ctx, path, opts)
}
