package retention

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Cleaner removes entries older than a number of days.
type Cleaner interface {
	Cleanup(ctx context.Context, days int) (int64, error)
}

// Run removes entries older than days every interval until ctx is done.
// A failed pass is logged and retried on the next tick.
func Run(ctx context.Context, logger *log.Logger, interval time.Duration, days int, c Cleaner) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sweep(ctx, logger, days, c)
		}
	}
}

// Sweep runs one retention pass and returns the rows removed.
func Sweep(ctx context.Context, logger *log.Logger, days int, c Cleaner) int64 {
	n, err := c.Cleanup(ctx, days)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("retention cleanup failed", "error", err, "days", days)
		}
		return 0
	}
	if n > 0 {
		logger.Info("retention cleanup removed old entries", "count", n, "older_than_days", days)
	}
	return n
}
