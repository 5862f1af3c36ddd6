package memory

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memstore/internal/config"
)

// compactor runs throttled compactions on one background goroutine.
// Requests coalesce: at most one is queued while another runs.
type compactor struct {
	throttle config.VacuumConfig
	run      func(ctx context.Context) error
	logger   *log.Logger
	now      func() time.Time

	requests chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	mu   sync.Mutex
	last time.Time
}

func newCompactor(throttle config.VacuumConfig, run func(ctx context.Context) error, logger *log.Logger, now func() time.Time) *compactor {
	ctx, cancel := context.WithCancel(context.Background())
	c := &compactor{
		throttle: throttle,
		run:      run,
		logger:   logger,
		now:      now,
		requests: make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.loop(ctx)
	return c
}

func (c *compactor) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.requests:
			started := time.Now()
			if err := c.run(ctx); err != nil {
				c.logger.Warn("background compaction failed", "error", err)
				continue
			}
			c.logger.Debug("background compaction finished", "duration", time.Since(started))
		}
	}
}

// MaybeSchedule queues a compaction when enough rows were deleted and the
// last one is old enough. It never blocks.
func (c *compactor) MaybeSchedule(deleted int64) bool {
	c.mu.Lock()
	now := c.now()
	if deleted < int64(c.throttle.MinDeletions) {
		c.mu.Unlock()
		c.logger.Debug("compaction skipped: too few deletions", "deleted", deleted, "min", c.throttle.MinDeletions)
		return false
	}
	if !c.last.IsZero() && now.Sub(c.last) < c.throttle.MinInterval() {
		c.mu.Unlock()
		c.logger.Debug("compaction skipped: ran recently", "last", c.last, "min_interval", c.throttle.MinInterval())
		return false
	}
	c.last = now
	c.mu.Unlock()

	select {
	case c.requests <- struct{}{}:
	default:
	}
	return true
}

// MarkRan records a compaction performed outside the worker.
func (c *compactor) MarkRan() {
	c.mu.Lock()
	c.last = c.now()
	c.mu.Unlock()
}

// LastRun returns the time of the most recent scheduled or forced compaction.
func (c *compactor) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Stop cancels pending work and waits for the worker to exit.
func (c *compactor) Stop() {
	c.cancel()
	<-c.done
}
