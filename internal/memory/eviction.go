package memory

import (
	"context"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/internal/store"
)

// NewCleanupConfig builds a smart cleanup policy and rejects it with
// ErrConfig when the thresholds or counts are inconsistent.
func NewCleanupConfig(strategy string, trigger, target float64, minCount, maxCount, retentionDays int) (config.CleanupConfig, error) {
	s, err := config.ParseStrategy(strategy)
	if err != nil {
		return config.CleanupConfig{}, newError(ErrConfig, "cleanup config", err)
	}
	c := config.CleanupConfig{
		Enabled:          true,
		Strategy:         s,
		TriggerThreshold: trigger,
		TargetThreshold:  target,
		MinCleanupCount:  minCount,
		MaxCleanupCount:  maxCount,
		RetentionDays:    retentionDays,
	}
	if err := c.Validate(); err != nil {
		return config.CleanupConfig{}, newError(ErrConfig, "cleanup config", err)
	}
	return c, nil
}

// evictionOrder maps the configured strategy onto a delete ordering.
// Least-accessed ordering is meaningless without access tracking, so it
// falls back to oldest-first.
func (m *Manager) evictionOrder() store.EvictionOrder {
	strategy, err := config.ParseStrategy(string(m.cfg.Cleanup.Strategy))
	if err != nil {
		strategy = config.StrategyOldest
	}
	switch strategy {
	case config.StrategyLeastAccessed:
		if !m.cfg.TrackAccess {
			m.logger.Warn("least_accessed cleanup needs access tracking, using oldest instead")
			return store.OrderOldest
		}
		return store.OrderLeastAccessed
	case config.StrategyHybrid:
		return store.OrderHybrid
	default:
		return store.OrderOldest
	}
}

// smartCleanup runs one threshold-triggered pass. Failures are logged and
// never surface to the write that triggered the pass. Caller holds m.mu.
func (m *Manager) smartCleanup(ctx context.Context) int64 {
	want := m.cfg.Cleanup.RemoveCount(m.count, int64(m.cfg.MaxEntries))
	if want == 0 {
		return 0
	}
	order := m.evictionOrder()
	removed, err := m.st.DeleteOrdered(ctx, order, want)
	if err != nil {
		m.logger.Warn("smart cleanup failed", "error", err, "strategy", m.cfg.Cleanup.Strategy, "requested", want)
		return 0
	}
	m.count -= removed
	m.logger.Info("smart cleanup removed entries",
		"removed", removed, "requested", want, "strategy", m.cfg.Cleanup.Strategy, "remaining", m.count)
	m.compactor.MaybeSchedule(removed)
	return removed
}
