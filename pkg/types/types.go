package types

import "time"

// MemoryEntry represents one persisted memory item.
type MemoryEntry struct {
	ID             int64          `json:"id"`
	Content        string         `json:"content"`
	Metadata       MemoryMetadata `json:"metadata"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt *time.Time     `json:"lastAccessedAt,omitempty"`
	AccessCount    int64          `json:"accessCount"`
}

// SearchQuery is used for keyword search operations.
type SearchQuery struct {
	Text      string       `json:"text"`
	Filters   QueryFilters `json:"filters,omitempty"`
	Limit     int          `json:"limit,omitempty"`
	Threshold float64      `json:"threshold,omitempty"`
}

// QueryFilters are conjunctive metadata predicates applied to a search.
type QueryFilters struct {
	Type          string     `json:"type,omitempty"`
	Source        string     `json:"source,omitempty"`
	AgentID       string     `json:"agentId,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	DateRange     *DateRange `json:"dateRange,omitempty"`
	MinImportance *float64   `json:"minImportance,omitempty"`
}

// DateRange bounds createdAt; zero ends are open.
type DateRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// SearchResult is a ranked item from search.
type SearchResult struct {
	Entry      MemoryEntry `json:"entry"`
	Similarity float64     `json:"similarity"`
	Distance   float64     `json:"distance"`
}

// Order is a sort direction for listings.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ListFilter selects, sorts and paginates entries for GetAll.
// A zero Limit means no limit.
type ListFilter struct {
	Type    string   `json:"type,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
	OrderBy string   `json:"orderBy,omitempty"`
	Order   Order    `json:"order,omitempty"`
}

// Stats summarizes store counters for dashboards and callers.
type Stats struct {
	TotalEntries       int64      `json:"totalEntries"`
	MaxEntries         int64      `json:"maxEntries"`
	Utilization        float64    `json:"utilization"`
	StorageSize        int64      `json:"storageSize"`
	IndexSize          int64      `json:"indexSize"`
	ProcessMemoryUsage uint64     `json:"processMemoryUsage"`
	Strategy           string     `json:"strategy"`
	LastVacuumAt       *time.Time `json:"lastVacuumAt,omitempty"`
}
