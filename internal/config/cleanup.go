package config

import (
	"fmt"
	"math"
	"strings"
)

// Strategy selects which entries smart cleanup removes first.
type Strategy string

const (
	StrategyOldest        Strategy = "oldest"
	StrategyLeastAccessed Strategy = "least_accessed"
	StrategyHybrid        Strategy = "hybrid"
)

// ParseStrategy accepts the yaml spellings plus a few common aliases.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oldest":
		return StrategyOldest, nil
	case "least_accessed", "least-accessed", "leastaccessed", "lru":
		return StrategyLeastAccessed, nil
	case "hybrid":
		return StrategyHybrid, nil
	}
	return "", invalid("unknown cleanup strategy %q", s)
}

// CleanupConfig drives threshold-triggered smart cleanup.
type CleanupConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Strategy         Strategy `yaml:"strategy"`
	TriggerThreshold float64  `yaml:"trigger_threshold"`
	TargetThreshold  float64  `yaml:"target_threshold"`
	MinCleanupCount  int      `yaml:"min_cleanup_count"`
	MaxCleanupCount  int      `yaml:"max_cleanup_count"`
	RetentionDays    int      `yaml:"retention_days"`
}

// DefaultCleanup returns the default smart cleanup policy.
func DefaultCleanup() CleanupConfig {
	return CleanupConfig{
		Enabled:          true,
		Strategy:         StrategyHybrid,
		TriggerThreshold: 0.9,
		TargetThreshold:  0.7,
		MinCleanupCount:  10,
		MaxCleanupCount:  1000,
		RetentionDays:    30,
	}
}

// Validate enforces ranges and threshold ordering.
func (c CleanupConfig) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.TriggerThreshold < 0.5 || c.TriggerThreshold > 1.0 {
		return invalid("cleanup.trigger_threshold must be within [0.5, 1.0], got %v", c.TriggerThreshold)
	}
	if c.TargetThreshold < 0.1 || c.TargetThreshold > 0.9 {
		return invalid("cleanup.target_threshold must be within [0.1, 0.9], got %v", c.TargetThreshold)
	}
	if c.TargetThreshold >= c.TriggerThreshold {
		return invalid("cleanup.target_threshold (%v) must be below trigger_threshold (%v)", c.TargetThreshold, c.TriggerThreshold)
	}
	if c.MinCleanupCount < 1 {
		return invalid("cleanup.min_cleanup_count must be >= 1")
	}
	if c.MaxCleanupCount < c.MinCleanupCount {
		return invalid("cleanup.max_cleanup_count (%d) must be >= min_cleanup_count (%d)", c.MaxCleanupCount, c.MinCleanupCount)
	}
	if c.RetentionDays < 1 {
		return invalid("cleanup.retention_days must be >= 1")
	}
	return nil
}

// RemoveCount returns how many entries a pass should delete for the given
// committed count, or 0 when the trigger is not reached or the target is
// already met.
func (c CleanupConfig) RemoveCount(count, maxEntries int64) int64 {
	if !c.Enabled || maxEntries <= 0 {
		return 0
	}
	if float64(count)/float64(maxEntries) < c.TriggerThreshold {
		return 0
	}
	target := int64(math.Floor(float64(maxEntries)*c.TargetThreshold + 1e-9))
	n := count - target
	if n <= 0 {
		return 0
	}
	n = max(n, int64(c.MinCleanupCount))
	n = min(n, int64(c.MaxCleanupCount))
	return min(n, count)
}

func (c CleanupConfig) String() string {
	return fmt.Sprintf("%s trigger=%.2f target=%.2f", c.Strategy, c.TriggerThreshold, c.TargetThreshold)
}
