package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/localrank/internal/export"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/store"
)

var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Inspect and export scan history",
}

// -- scans list --

var scansListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's scans, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		keyword, _ := cmd.Flags().GetString("keyword")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		records, err := st.ListScans(ctx, store.ScanFilter{ProjectID: args[0], Keyword: keyword, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "scans list")
		}
		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No scans found.")
			return nil
		}
		formatScanList(os.Stdout, records)
		return nil
	},
}

// -- scans show --

var scansShowCmd = &cobra.Command{
	Use:   "show <scan-id>",
	Short: "Print a stored scan as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrap(err, "scans show: invalid scan id")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := st.GetScan(ctx, id)
		if err != nil {
			return eris.Wrap(err, "scans show")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

// -- scans export --

var scansExportCmd = &cobra.Command{
	Use:   "export <scan-id>",
	Short: "Export a stored scan as XLSX or GeoJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrap(err, "scans export: invalid scan id")
		}
		if out == "" {
			out = fmt.Sprintf("scan-%s.%s", id, format)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := st.GetScan(ctx, id)
		if err != nil {
			return eris.Wrap(err, "scans export")
		}

		switch format {
		case "xlsx":
			err = export.SaveXLSX(out, sum)
		case "geojson":
			var data []byte
			data, err = export.GeoJSON(sum)
			if err == nil {
				err = os.WriteFile(out, data, 0o644)
			}
		default:
			return eris.Errorf("scans export: unknown format %q", format)
		}
		if err != nil {
			return eris.Wrap(err, "scans export")
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", out)
		return nil
	},
}

// -- scans save --

var scansSaveCmd = &cobra.Command{
	Use:   "save <summary-file>",
	Short: "Store a scan summary that a failed save left on disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		summary, err := readSummaryFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := buildScanner(cfg, st, nil).Persist(ctx, summary); err != nil {
			return eris.Wrap(err, "scans save")
		}
		_, _ = fmt.Fprintf(os.Stdout, "saved scan %s\n", summary.ID)
		return nil
	},
}

// writeSummaryFile writes summary as JSON to dir/scan-<id>.json.
func writeSummaryFile(dir string, summary *heatmap.ScanSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "encode scan summary")
	}
	path := filepath.Join(dir, "scan-"+summary.ID.String()+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", eris.Wrapf(err, "write %s", path)
	}
	return path, nil
}

func readSummaryFile(path string) (*heatmap.ScanSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	var summary heatmap.ScanSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, eris.Wrapf(err, "decode %s", path)
	}
	if summary.ID == uuid.Nil || summary.ProjectID == "" {
		return nil, eris.Errorf("%s is not a scan summary", path)
	}
	return &summary, nil
}

func formatScanList(out io.Writer, records []store.ScanRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEYWORD\tGRID\tAVG\tRANKED\tCOST\tSCANNED\tFLAGS")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t---\t------\t----\t-------\t-----")

	for _, r := range records {
		keyword := r.KeywordCombination
		if len(keyword) > 30 {
			keyword = keyword[:27] + "..."
		}
		flags := ""
		if r.Partial {
			flags += "P"
		}
		if r.Truncated {
			flags += "T"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%dx%d\t%d\t%d/%d\t$%s\t%s\t%s\n",
			truncateID(r.ID.String()),
			keyword,
			r.GridSize, r.GridSize,
			r.AveragePosition,
			r.RankedCount, r.RankedCount+r.NotRankedCount,
			r.CostUSD.StringFixed(2),
			r.ScannedAt.Format("2006-01-02 15:04"),
			flags,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	scansListCmd.Flags().String("keyword", "", "filter by keyword combination")
	scansListCmd.Flags().Int("limit", store.DefaultListLimit, "max number of scans to display")
	scansExportCmd.Flags().String("format", "xlsx", "export format (xlsx, geojson)")
	scansExportCmd.Flags().String("out", "", "output path (default scan-<id>.<format>)")
	scansCmd.AddCommand(scansListCmd, scansShowCmd, scansExportCmd, scansSaveCmd)
	rootCmd.AddCommand(scansCmd)
}
