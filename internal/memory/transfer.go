package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/internal/store"
	"github.com/xiy/agent-memstore/pkg/types"
)

const (
	defaultTransferBatch = 500
	fingerprintRunes     = 50
)

var supportedImportVersions = map[string]struct{}{
	types.ExportFormatVersion: {},
}

// ExportToJSON streams the matching entries into a JSON document at path.
// The file is written under a temporary name and renamed when complete.
func (m *Manager) ExportToJSON(ctx context.Context, path string, opts types.ExportOptions) (types.ExportResult, error) {
	const op = "export"
	var res types.ExportResult
	if strings.TrimSpace(path) == "" {
		return res, validationf(op, "path is required")
	}
	batch, err := transferBatch(op, opts.BatchSize)
	if err != nil {
		return res, err
	}
	preds, err := exportPredicates(op, opts.Filters)
	if err != nil {
		return res, err
	}
	if opts.IncludeEmbeddings {
		m.logger.Warn("embeddings are not stored, exporting without them", "provider", m.embedder.Name())
	}

	target := config.ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return res, storageErr(op, fmt.Errorf("create export dir: %w", err))
	}
	tmp := stagingPath(target)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return res, storageErr(op, fmt.Errorf("create export file: %w", err))
	}
	cw := &countingWriter{w: f}
	w := newExportWriter(cw, opts.Pretty)

	written, err := m.streamExport(ctx, w, preds, batch)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		removeQuietly(tmp)
		return res, storageErr(op, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		removeQuietly(tmp)
		return res, storageErr(op, fmt.Errorf("move export into place: %w", err))
	}

	res = types.ExportResult{Path: target, Entries: written, Bytes: cw.n}
	m.logger.Info("export written", "path", target, "entries", written, "bytes", cw.n)
	return res, nil
}

func (m *Manager) streamExport(ctx context.Context, w *exportWriter, preds []store.Predicate, batch int) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("export"); err != nil {
		return 0, err
	}
	total, err := m.st.CountWhere(ctx, preds)
	if err != nil {
		return 0, err
	}
	if err := w.Header(types.ExportMetadata{
		ExportedAt:   m.now().UTC(),
		TotalEntries: total,
	}); err != nil {
		return 0, err
	}
	err = m.st.Batches(ctx, preds, batch, func(entries []types.MemoryEntry) error {
		for _, e := range entries {
			if err := w.Entry(e.ToExportEntry()); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return w.entries, err
	}
	return w.entries, w.Close()
}

func exportPredicates(op string, f types.ExportFilters) ([]store.Predicate, error) {
	var preds []store.Predicate
	if f.Type != "" {
		preds = append(preds, store.Equals{Field: store.FieldType, Value: f.Type})
	}
	for _, tag := range f.Tags {
		preds = append(preds, store.ContainsTag{Tag: tag})
	}
	if r := f.DateRange; r != nil {
		if !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
			return nil, validationf(op, "dateRange start is after end")
		}
		p, err := dateRangePredicate(op, *r)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func transferBatch(op string, n int) (int, error) {
	switch {
	case n < 0:
		return 0, validationf(op, "batchSize must not be negative")
	case n == 0:
		return defaultTransferBatch, nil
	case n > maxListBound:
		return 0, validationf(op, "batchSize must be at most %d", maxListBound)
	}
	return n, nil
}

// ImportFromJSON adds the entries of an export document through Add, so
// capacity and cleanup rules apply as for any other write. A bad record
// is reported in the result and does not stop the import.
func (m *Manager) ImportFromJSON(ctx context.Context, path string, opts types.ImportOptions) (types.ImportResult, error) {
	const op = "import"
	var res types.ImportResult
	if strings.TrimSpace(path) == "" {
		return res, validationf(op, "path is required")
	}
	batch, err := transferBatch(op, opts.BatchSize)
	if err != nil {
		return res, err
	}
	b, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return res, storageErr(op, fmt.Errorf("read import file: %w", err))
	}
	if !gjson.ValidBytes(b) {
		return res, validationf(op, "import file is not valid JSON")
	}
	doc := gjson.ParseBytes(b)
	version := doc.Get("version")
	if version.Type != gjson.String {
		return res, validationf(op, "import file has no version")
	}
	if _, ok := supportedImportVersions[version.Str]; !ok {
		return res, validationf(op, "unsupported export version %q", version.Str)
	}
	entries := doc.Get("entries")
	if !entries.IsArray() {
		return res, validationf(op, "import file has no entries array")
	}

	if opts.ClearExisting {
		if _, err := m.Clear(ctx); err != nil {
			return res, err
		}
	}
	var seen map[string]struct{}
	if opts.SkipDuplicates {
		if seen, err = m.fingerprints(ctx, batch); err != nil {
			return res, err
		}
	}

	fail := func(i int, err error) {
		res.Failed++
		res.Errors = append(res.Errors, types.ImportError{Index: i, Message: err.Error()})
	}
	var (
		idx     int
		stopErr error
	)
	entries.ForEach(func(_, v gjson.Result) bool {
		i := idx
		idx++
		if err := ctx.Err(); err != nil {
			stopErr = err
			return false
		}

		var e types.ExportEntry
		if err := json.Unmarshal([]byte(v.Raw), &e); err != nil {
			fail(i, fmt.Errorf("decode entry: %w", err))
			return true
		}
		if opts.Validate {
			if err := validateImportEntry(e); err != nil {
				fail(i, err)
				return true
			}
		} else if strings.TrimSpace(e.Metadata.Type) == "" {
			e.Metadata.Type = store.PlaceholderType
		}

		fp := fingerprint(e.Content)
		if seen != nil {
			if _, dup := seen[fp]; dup {
				res.Skipped++
				return true
			}
		}
		if _, err := m.Add(ctx, e.Content, e.Metadata); err != nil {
			fail(i, err)
			return true
		}
		if seen != nil {
			seen[fp] = struct{}{}
		}
		res.Imported++
		if res.Imported%batch == 0 {
			m.logger.Debug("import progress", "imported", res.Imported, "skipped", res.Skipped, "failed", res.Failed)
		}
		return true
	})

	m.logger.Info("import finished",
		"path", path, "imported", res.Imported, "skipped", res.Skipped, "failed", res.Failed)
	if stopErr != nil {
		return res, storageErr(op, stopErr)
	}
	return res, nil
}

func validateImportEntry(e types.ExportEntry) error {
	const op = "import"
	if err := validateContent(op, e.Content); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		return validationf(op, "entry %d has no createdAt", e.ID)
	}
	if e.AccessCount < 0 {
		return validationf(op, "entry %d has a negative accessCount", e.ID)
	}
	_, err := normalizeMetadata(op, e.Metadata)
	return err
}

// fingerprints collects the duplicate keys of every stored entry, one
// batch at a time.
func (m *Manager) fingerprints(ctx context.Context, batch int) (map[string]struct{}, error) {
	const op = "import"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, m.count)
	err := m.st.Batches(ctx, nil, batch, func(entries []types.MemoryEntry) error {
		for _, e := range entries {
			seen[fingerprint(e.Content)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	return seen, nil
}

// fingerprint is a coarse duplicate key: byte length plus the leading and
// trailing runes of the content.
func fingerprint(content string) string {
	r := []rune(content)
	head := r[:min(len(r), fingerprintRunes)]
	tail := r[max(0, len(r)-fingerprintRunes):]
	return fmt.Sprintf("%d:%s:%s", len(content), string(head), string(tail))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// exportWriter emits the export document piecewise so entries never have
// to be held in memory together.
type exportWriter struct {
	w       *bufio.Writer
	pretty  bool
	entries int64
}

func newExportWriter(w io.Writer, pretty bool) *exportWriter {
	return &exportWriter{w: bufio.NewWriter(w), pretty: pretty}
}

func (x *exportWriter) marshal(v any, prefix string) ([]byte, error) {
	if x.pretty {
		return json.MarshalIndent(v, prefix, "  ")
	}
	return json.Marshal(v)
}

func (x *exportWriter) Header(meta types.ExportMetadata) error {
	version, _ := json.Marshal(types.ExportFormatVersion)
	mb, err := x.marshal(meta, "  ")
	if err != nil {
		return fmt.Errorf("encode export metadata: %w", err)
	}
	if x.pretty {
		_, err = fmt.Fprintf(x.w, "{\n  \"version\": %s,\n  \"metadata\": %s,\n  \"entries\": [", version, mb)
	} else {
		_, err = fmt.Fprintf(x.w, `{"version":%s,"metadata":%s,"entries":[`, version, mb)
	}
	return err
}

func (x *exportWriter) Entry(e types.ExportEntry) error {
	b, err := x.marshal(e, "    ")
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.ID, err)
	}
	sep := ""
	if x.entries > 0 {
		sep = ","
	}
	if x.pretty {
		sep += "\n    "
	}
	if _, err := x.w.WriteString(sep); err != nil {
		return err
	}
	if _, err := x.w.Write(b); err != nil {
		return err
	}
	x.entries++
	return nil
}

func (x *exportWriter) Close() error {
	tail := "]}\n"
	if x.pretty {
		tail = "\n  ]\n}\n"
		if x.entries == 0 {
			tail = "]\n}\n"
		}
	}
	_, err := x.w.WriteString(tail)
	return err
}

func (x *exportWriter) Flush() error {
	return x.w.Flush()
}
