package memory

import (
	"context"
	"database/sql"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/internal/embeddings"
	"github.com/xiy/agent-memstore/internal/store"
	"github.com/xiy/agent-memstore/pkg/types"
)

var errNoStore = errors.New("database unavailable after a failed restore")

const (
	maxListBound  = 100000
	defaultOrder  = "created_at"
	maxSearchRows = 1000
)

// Manager owns one memory database and the entry counter that mirrors it.
// All methods are safe for concurrent use.
type Manager struct {
	cfg      config.Config
	logger   *log.Logger
	embedder embeddings.Provider
	now      func() time.Time

	mu     sync.RWMutex
	st     *store.SQLiteStore
	count  int64
	closed bool

	compactor *compactor

	// beforeSwap runs during Restore after the staged copy is verified
	// and before the live file is replaced.
	beforeSwap func() error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEmbeddingProvider attaches an embedding provider. It is kept for
// callers that already have one; search does not use it.
func WithEmbeddingProvider(p embeddings.Provider) Option {
	return func(m *Manager) {
		if p != nil {
			m.embedder = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New validates cfg, opens the database and loads the entry counter.
func New(ctx context.Context, cfg config.Config, logger *log.Logger, opts ...Option) (*Manager, error) {
	const op = "open"
	cfg.FoldLegacy()
	if err := cfg.Validate(); err != nil {
		return nil, newError(ErrConfig, op, err)
	}
	cfg.StoragePath = config.ExpandPath(cfg.StoragePath)

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		embedder: embeddings.Disabled{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	st, err := store.OpenSQLite(ctx, cfg.StoragePath, store.Options{BusyTimeoutMS: cfg.BusyTimeoutMS}, logger)
	if err != nil {
		return nil, storageErr(op, err)
	}
	n, err := st.Count(ctx)
	if err != nil {
		_ = st.Close()
		return nil, storageErr(op, err)
	}
	m.st = st
	m.count = n
	m.compactor = newCompactor(cfg.Vacuum, m.backgroundVacuum, logger, m.now)

	logger.Debug("memory store opened",
		"path", cfg.StoragePath, "entries", n, "max_entries", cfg.MaxEntries,
		"cleanup", cfg.Cleanup.String(), "embeddings", m.embedder.Name())
	return m, nil
}

// Config returns the validated configuration the manager runs with.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// Close stops background work and closes the database. Calling it more
// than once is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// The compaction worker takes the read lock, so stop it unlocked.
	m.compactor.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.st.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}

// State reports Initialized until Close is called.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StateClosed
	}
	return StateInitialized
}

func (m *Manager) checkOpen(op string) error {
	if m.closed {
		return newError(ErrClosed, op, nil)
	}
	if m.st == nil {
		return newError(ErrStorage, op, errNoStore)
	}
	return nil
}

func (m *Manager) backgroundVacuum(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.st == nil {
		return nil
	}
	return m.st.Vacuum(ctx, false)
}

// Add validates and stores a new entry. Smart cleanup runs first when the
// trigger threshold is reached; if the store is still full, the oldest
// entries are evicted in the same transaction as the insert.
func (m *Manager) Add(ctx context.Context, content string, meta types.MemoryMetadata) (types.MemoryEntry, error) {
	const op = "add"
	if err := validateContent(op, content); err != nil {
		return types.MemoryEntry{}, err
	}
	meta, err := normalizeMetadata(op, meta)
	if err != nil {
		return types.MemoryEntry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(op); err != nil {
		return types.MemoryEntry{}, err
	}

	m.smartCleanup(ctx)

	maxEntries := int64(m.cfg.MaxEntries)
	var evict, need int64
	if m.count >= maxEntries {
		need = m.count - maxEntries + 1
		evict = max(need, max(1, maxEntries/10))
		m.logger.Warn("memory store full, evicting oldest entries", "count", m.count, "max_entries", maxEntries, "evict", evict)
	}

	created := m.now().UTC().Truncate(time.Millisecond)
	res, err := m.st.InsertEntry(ctx, store.NewEntry{Content: content, Metadata: meta, CreatedAt: created}, evict, need)
	if err != nil {
		if errors.Is(err, store.ErrNoRoom) {
			return types.MemoryEntry{}, newError(ErrMemoryLimit, op, err)
		}
		return types.MemoryEntry{}, storageErr(op, err)
	}
	m.count += 1 - res.Evicted
	if res.Evicted > 0 {
		m.compactor.MaybeSchedule(res.Evicted)
	}

	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	return types.MemoryEntry{
		ID:        res.ID,
		Content:   content,
		Metadata:  meta,
		CreatedAt: created,
	}, nil
}

// Get returns the entry with id. found is false when it does not exist.
func (m *Manager) Get(ctx context.Context, id int64) (types.MemoryEntry, bool, error) {
	const op = "get"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return types.MemoryEntry{}, false, err
	}
	rec, err := m.st.GetEntry(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MemoryEntry{}, false, nil
	}
	if err != nil {
		return types.MemoryEntry{}, false, storageErr(op, err)
	}
	return rec, true, nil
}

// Update merges patch into the entry's metadata. Content never changes.
func (m *Manager) Update(ctx context.Context, id int64, patch types.MetadataPatch) (types.MemoryEntry, error) {
	const op = "update"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(op); err != nil {
		return types.MemoryEntry{}, err
	}
	rec, err := m.st.UpdateMetadata(ctx, id, func(cur types.MemoryMetadata) (types.MemoryMetadata, error) {
		return normalizeMetadata(op, patch.Apply(cur))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return types.MemoryEntry{}, newError(ErrEntryNotFound, op, nil)
	}
	if err != nil {
		return types.MemoryEntry{}, storageErr(op, err)
	}
	return rec, nil
}

// Delete removes one entry.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	const op = "delete"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(op); err != nil {
		return err
	}
	n, err := m.st.DeleteEntry(ctx, id)
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return newError(ErrEntryNotFound, op, nil)
	}
	m.count -= n
	return nil
}

// GetAll lists entries matching f. Limit and offset are bounded and the
// sort column is checked against a fixed set before any SQL is built.
func (m *Manager) GetAll(ctx context.Context, f types.ListFilter) ([]types.MemoryEntry, error) {
	const op = "list"
	if f.Limit < 0 || f.Limit > maxListBound {
		return nil, validationf(op, "limit must be within [0, %d]", maxListBound)
	}
	if f.Offset < 0 || f.Offset > maxListBound {
		return nil, validationf(op, "offset must be within [0, %d]", maxListBound)
	}
	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = defaultOrder
	}
	if !store.IsOrderColumn(orderBy) {
		return nil, validationf(op, "unsupported orderBy %q", f.OrderBy)
	}
	var desc bool
	switch f.Order {
	case "", types.OrderDesc:
		desc = true
	case types.OrderAsc:
	default:
		return nil, validationf(op, "order must be asc or desc, got %q", f.Order)
	}

	var preds []store.Predicate
	if f.Type != "" {
		preds = append(preds, store.Equals{Field: store.FieldType, Value: f.Type})
	}
	for _, tag := range f.Tags {
		preds = append(preds, store.ContainsTag{Tag: tag})
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	items, err := m.st.ListEntries(ctx, store.ListParams{
		Where:   preds,
		OrderBy: orderBy,
		Desc:    desc,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	return items, nil
}

// Clear removes every entry and compacts the database.
func (m *Manager) Clear(ctx context.Context) (int64, error) {
	const op = "clear"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(op); err != nil {
		return 0, err
	}
	n, err := m.st.DeleteAll(ctx)
	if err != nil {
		return 0, storageErr(op, err)
	}
	m.count = 0
	if err := m.st.Vacuum(ctx, true); err != nil {
		m.logger.Warn("compaction after clear failed", "error", err)
	} else {
		m.compactor.MarkRan()
	}
	m.logger.Info("memory store cleared", "removed", n)
	return n, nil
}

// Count returns the in-memory entry counter.
func (m *Manager) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// GetStats reports counters and on-disk sizes.
func (m *Manager) GetStats(ctx context.Context) (types.Stats, error) {
	const op = "stats"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return types.Stats{}, err
	}
	storage, index, err := m.st.Sizes(ctx)
	if err != nil {
		return types.Stats{}, storageErr(op, err)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := types.Stats{
		TotalEntries:       m.count,
		MaxEntries:         int64(m.cfg.MaxEntries),
		Utilization:        float64(m.count) / float64(m.cfg.MaxEntries),
		StorageSize:        storage,
		IndexSize:          index,
		ProcessMemoryUsage: ms.HeapAlloc,
		Strategy:           string(m.cfg.Cleanup.Strategy),
	}
	if last := m.compactor.LastRun(); !last.IsZero() {
		stats.LastVacuumAt = &last
	}
	return stats, nil
}
