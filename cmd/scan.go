package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/workflow"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a heat-map scan for a project",
	Long:  "Checks the project's local ranking at every point of a grid around a center. Repeat --keyword to scan several keyword combinations concurrently.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		reqs, err := scanRequestsFromFlags(cmd)
		if err != nil {
			return err
		}

		if async, _ := cmd.Flags().GetBool("async"); async {
			return startScanWorkflows(cmd, reqs)
		}

		env, err := initScanEnv(ctx, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(reqs) == 1 {
			res, err := env.Scanner.Scan(ctx, reqs[0])
			if err != nil {
				return describeScanError(err, ".")
			}
			formatScanResult(os.Stdout, reqs[0], res)
			return nil
		}

		var failed int
		for _, item := range env.Scanner.ScanMany(ctx, reqs, cfg.Heatmap.MaxConcurrentScans) {
			if item.Err != nil {
				failed++
				item.Err = describeScanError(item.Err, ".")
				zap.L().Error("scan failed",
					zap.String("keyword", item.Request.KeywordCombination),
					zap.String("category", heatmap.Category(item.Err)),
					zap.Error(item.Err),
				)
				continue
			}
			formatScanResult(os.Stdout, item.Request, item.Result)
		}
		if failed > 0 {
			return eris.Errorf("scan: %d of %d scans failed", failed, len(reqs))
		}
		return nil
	},
}

func scanRequestsFromFlags(cmd *cobra.Command) ([]heatmap.ScanRequest, error) {
	project, _ := cmd.Flags().GetString("project")
	keywords, _ := cmd.Flags().GetStringArray("keyword")
	lat, _ := cmd.Flags().GetFloat64("lat")
	lng, _ := cmd.Flags().GetFloat64("lng")
	grid, _ := cmd.Flags().GetInt("grid")
	radius, _ := cmd.Flags().GetFloat64("radius")
	layout, _ := cmd.Flags().GetString("layout")
	depth, _ := cmd.Flags().GetInt("depth")

	if project == "" {
		return nil, eris.New("scan: --project is required")
	}
	if len(keywords) == 0 {
		return nil, eris.New("scan: at least one --keyword is required")
	}

	reqs := make([]heatmap.ScanRequest, 0, len(keywords))
	for _, kw := range keywords {
		reqs = append(reqs, heatmap.ScanRequest{
			ProjectID:          project,
			KeywordCombination: kw,
			CenterLat:          lat,
			CenterLng:          lng,
			GridSize:           grid,
			RadiusKm:           radius,
			Layout:             geogrid.Layout(layout),
			Depth:              depth,
		})
	}
	return reqs, nil
}

func startScanWorkflows(cmd *cobra.Command, reqs []heatmap.ScanRequest) error {
	ctx := cmd.Context()
	wait, _ := cmd.Flags().GetBool("wait")

	c, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	runs := make([]client.WorkflowRun, 0, len(reqs))
	for _, req := range reqs {
		run, err := workflow.StartScan(ctx, c, cfg.Temporal.TaskQueue, req)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "started %s (run %s) for %q\n", run.GetID(), run.GetRunID(), req.KeywordCombination)
		runs = append(runs, run)
	}
	if !wait {
		return nil
	}

	for i, run := range runs {
		var res heatmap.Result
		if err := run.Get(ctx, &res); err != nil {
			return eris.Wrapf(err, "scan: workflow %s", run.GetID())
		}
		formatScanResult(os.Stdout, reqs[i], &res)
	}
	return nil
}

// describeScanError adds a category hint so CLI users can tell a quota
// problem from a provider outage. A scan that ran but was not saved has its
// summary written under dir so "scans save" can store it later without
// spending checks again.
func describeScanError(err error, dir string) error {
	var perr *heatmap.PersistenceError
	if !errors.As(err, &perr) {
		return eris.Wrapf(err, "scan failed (%s)", heatmap.Category(err))
	}
	path, werr := writeSummaryFile(dir, perr.Summary)
	if werr != nil {
		zap.L().Error("could not write unsaved scan summary",
			zap.String("scan_id", perr.Summary.ID.String()),
			zap.Error(werr),
		)
		return eris.Wrapf(err, "scan %s ran but was not saved", perr.Summary.ID)
	}
	return eris.Wrapf(err, "scan %s ran but was not saved; summary written to %s, store it with \"localrank scans save %s\"",
		perr.Summary.ID, path, path)
}

func formatScanResult(out io.Writer, req heatmap.ScanRequest, res *heatmap.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Scan:\t%s\n", res.ScanID)
	_, _ = fmt.Fprintf(w, "Keyword:\t%s\n", req.KeywordCombination)
	_, _ = fmt.Fprintf(w, "Average position:\t%d\n", res.AveragePosition)
	_, _ = fmt.Fprintf(w, "Ranked / not ranked:\t%d / %d\n", res.RankedCount, res.NotRankedCount)
	_, _ = fmt.Fprintf(w, "Remaining checks:\t%d\n", res.RemainingChecks)
	if res.Partial {
		_, _ = fmt.Fprintln(w, "Partial:\tscan deadline reached before every point was checked")
	}
	if res.Truncated {
		_, _ = fmt.Fprintln(w, "Truncated:\tgrid cut to remaining quota")
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out, renderGrid(res.Positions, req.GridSize))
	for _, wl := range res.WeakLocations {
		pos := "not ranked"
		if wl.Position != nil {
			pos = "#" + strconv.Itoa(*wl.Position)
		}
		_, _ = fmt.Fprintf(out, "  weak: %s %s\n", wl.Name, pos)
	}
}

// renderGrid draws positions north-up; "--" marks points without a rank.
func renderGrid(positions []*int, gridSize int) string {
	if gridSize <= 0 || len(positions) != gridSize*gridSize {
		return ""
	}
	var b strings.Builder
	for y := gridSize - 1; y >= 0; y-- {
		for x := 0; x < gridSize; x++ {
			if x > 0 {
				b.WriteByte(' ')
			}
			if p := positions[y*gridSize+x]; p != nil {
				fmt.Fprintf(&b, "%2d", *p)
			} else {
				b.WriteString("--")
			}
		}
		if y > 0 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func init() {
	scanCmd.Flags().String("project", "", "project id")
	scanCmd.Flags().StringArray("keyword", nil, "keyword combination (repeatable)")
	scanCmd.Flags().Float64("lat", 0, "grid center latitude")
	scanCmd.Flags().Float64("lng", 0, "grid center longitude")
	scanCmd.Flags().Int("grid", 5, "points per side of the grid")
	scanCmd.Flags().Float64("radius", 5, "half the grid side in kilometers")
	scanCmd.Flags().String("layout", "square", "grid layout (square, hex)")
	scanCmd.Flags().Int("depth", 0, "results per point (default from config)")
	scanCmd.Flags().Bool("async", false, "submit as a Temporal workflow instead of running inline")
	scanCmd.Flags().Bool("wait", false, "with --async, wait for the workflows to finish")
	rootCmd.AddCommand(scanCmd)
}
