package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xiy/agent-memstore/pkg/types"
)

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func (a *app) statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.mem.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, s)
			}
			fmt.Fprintf(out, "Entries:     %s / %s (%.1f%%)\n", humanize.Comma(s.TotalEntries), humanize.Comma(s.MaxEntries), s.Utilization*100)
			fmt.Fprintf(out, "Strategy:    %s\n", s.Strategy)
			fmt.Fprintf(out, "Database:    %s\n", humanize.IBytes(uint64(max(s.StorageSize, 0))))
			fmt.Fprintf(out, "Text index:  %s\n", humanize.IBytes(uint64(max(s.IndexSize, 0))))
			if s.LastVacuumAt != nil {
				fmt.Fprintf(out, "Compacted:   %s\n", humanize.Time(*s.LastVacuumAt))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func (a *app) addCmd() *cobra.Command {
	var (
		meta       types.MemoryMetadata
		importance float64
	)
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("importance") {
				meta.Importance = &importance
			}
			e, err := a.mem.Add(cmd.Context(), strings.Join(args, " "), meta)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringVarP(&meta.Type, "type", "t", "", "Memory type (required)")
	cmd.Flags().StringVar(&meta.Source, "source", "", "Source of the memory")
	cmd.Flags().StringVar(&meta.AgentID, "agent", "", "Agent id")
	cmd.Flags().StringVar(&meta.SessionID, "session", "", "Session id")
	cmd.Flags().StringSliceVar(&meta.Tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().Float64Var(&importance, "importance", 0, "Importance in [0,1]")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	var q types.SearchQuery
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search memories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Text = strings.Join(args, " ")
			results, err := a.mem.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "Maximum results (0 uses the configured default)")
	cmd.Flags().Float64Var(&q.Threshold, "threshold", 0, "Minimum similarity in [0,1]")
	cmd.Flags().StringVarP(&q.Filters.Type, "type", "t", "", "Filter by type")
	cmd.Flags().StringSliceVar(&q.Filters.Tags, "tag", nil, "Require tag (repeatable)")
	cmd.Flags().StringVar(&q.Filters.AgentID, "agent", "", "Filter by agent id")
	cmd.Flags().StringVar(&q.Filters.SessionID, "session", "", "Filter by session id")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, ok, err := a.mem.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("memory %d not found", id)
			}
			return writeJSON(cmd.OutOrStdout(), e)
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.mem.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		f     types.ListFilter
		order string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Order = types.Order(order)
			rows, err := a.mem.GetAll(cmd.Context(), f)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVarP(&f.Type, "type", "t", "", "Filter by type")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "Require tag (repeatable)")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum rows (0 for all)")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Rows to skip")
	cmd.Flags().StringVar(&f.OrderBy, "order-by", "created_at", "Sort column")
	cmd.Flags().StringVar(&order, "order", "desc", "Sort direction: asc or desc")
	return cmd
}

func (a *app) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete memories older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.mem.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s entries\n", humanize.Comma(n))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (0 uses cleanup.retention_days)")
	return cmd
}

func (a *app) backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the database",
		Long:  "Write a consistent copy of the database. A directory destination gets a generated file name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.mem.Backup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <src>",
		Short: "Replace the database with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.mem.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored from %s\n", args[0])
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var opts types.ExportOptions
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export memories as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mem.ExportToJSON(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %s entries (%s) to %s\n",
				humanize.Comma(res.Entries), humanize.IBytes(uint64(max(res.Bytes, 0))), res.Path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Pretty, "pretty", false, "Indent the output")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 0, "Rows read per batch")
	cmd.Flags().StringVarP(&opts.Filters.Type, "type", "t", "", "Only export this type")
	cmd.Flags().StringSliceVar(&opts.Filters.Tags, "tag", nil, "Only export entries with tag (repeatable)")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	opts := types.DefaultImportOptions()
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import memories from a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mem.ImportFromJSON(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&opts.SkipDuplicates, "skip-duplicates", opts.SkipDuplicates, "Skip entries whose content is already stored")
	cmd.Flags().BoolVar(&opts.Validate, "validate", opts.Validate, "Reject malformed records")
	cmd.Flags().BoolVar(&opts.ClearExisting, "clear", false, "Delete every entry before importing")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", opts.BatchSize, "Rows read per batch when collecting fingerprints")
	return cmd
}
