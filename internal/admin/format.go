package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xiy/agent-memstore/pkg/types"
)

func formatStats(s types.Stats) string {
	lastVacuum := "never"
	if s.LastVacuumAt != nil {
		lastVacuum = humanize.Time(*s.LastVacuumAt)
	}
	return fmt.Sprintf(
		"Entries:       %s / %s (%.0f%%)\nStrategy:      %s\nDatabase:      %s\nText index:    %s\nHeap in use:   %s\nLast compact:  %s",
		humanize.Comma(s.TotalEntries),
		humanize.Comma(s.MaxEntries),
		s.Utilization*100,
		s.Strategy,
		humanize.IBytes(uint64(max(s.StorageSize, 0))),
		humanize.IBytes(uint64(max(s.IndexSize, 0))),
		humanize.IBytes(s.ProcessMemoryUsage),
		lastVacuum,
	)
}

func formatEntries(rows []types.MemoryEntry, withHits bool) string {
	if len(rows) == 0 {
		return "(no entries yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, e := range rows {
		prefix := formatClock(e.CreatedAt)
		if withHits {
			prefix = fmt.Sprintf("%4s hits", humanize.Comma(e.AccessCount))
		}
		lines = append(lines, fmt.Sprintf("[%s] #%d %s :: %s",
			prefix,
			e.ID,
			truncateText(e.Metadata.Type, 12),
			truncateText(compactWhitespace(e.Content), 60),
		))
	}
	return strings.Join(lines, "\n")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
