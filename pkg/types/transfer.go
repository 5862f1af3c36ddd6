package types

import "time"

// ExportFormatVersion is written into every export document.
const ExportFormatVersion = "1.0"

// ExportFilters narrow an export.
type ExportFilters struct {
	Type      string     `json:"type,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	DateRange *DateRange `json:"dateRange,omitempty"`
}

// ExportOptions controls ExportToJSON.
type ExportOptions struct {
	IncludeEmbeddings bool
	Filters           ExportFilters
	BatchSize         int
	Pretty            bool
}

// ExportResult reports what an export wrote.
type ExportResult struct {
	Path    string `json:"path"`
	Entries int64  `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// ImportOptions controls ImportFromJSON.
type ImportOptions struct {
	SkipDuplicates bool
	BatchSize      int
	Validate       bool
	ClearExisting  bool
}

// DefaultImportOptions skips duplicates and validates records.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{SkipDuplicates: true, BatchSize: 500, Validate: true}
}

// ImportError describes one record that could not be imported.
type ImportError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// ImportResult accumulates per-entry outcomes of an import.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// ExportDocument is the on-disk JSON layout of an export.
type ExportDocument struct {
	Version  string         `json:"version"`
	Metadata ExportMetadata `json:"metadata"`
	Entries  []ExportEntry  `json:"entries"`
}

// ExportMetadata describes an export document.
type ExportMetadata struct {
	ExportedAt         time.Time `json:"exportedAt"`
	TotalEntries       int64     `json:"totalEntries"`
	IncludesEmbeddings bool      `json:"includesEmbeddings"`
}

// ExportEntry is one serialized entry.
type ExportEntry struct {
	ID             int64          `json:"id"`
	Content        string         `json:"content"`
	Metadata       MemoryMetadata `json:"metadata"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt *time.Time     `json:"lastAccessedAt,omitempty"`
	AccessCount    int64          `json:"accessCount"`
}

// ToExportEntry converts an entry to its export shape.
func (e MemoryEntry) ToExportEntry() ExportEntry {
	return ExportEntry{
		ID:             e.ID,
		Content:        e.Content,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
	}
}
