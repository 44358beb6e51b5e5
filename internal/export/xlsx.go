// Package export renders stored heat-map scans as spreadsheets and GeoJSON.
package export

import (
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/localrank/internal/heatmap"
)

// Sheet names written by WriteXLSX.
const (
	SheetSummary = "Summary"
	SheetGrid    = "Grid"
	SheetWeak    = "Weak Locations"
)

// NotRankedLabel fills position cells where the business was not found.
const NotRankedLabel = "not ranked"

var gridHeader = []string{"X", "Y", "Latitude", "Longitude", "Position", "Businesses", "Status", "Matched Title"}

// WriteXLSX writes a workbook with summary, grid and weak-location sheets.
func WriteXLSX(w io.Writer, s *heatmap.ScanSummary) error {
	f, err := buildWorkbook(s)
	if err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

// SaveXLSX writes the workbook to path.
func SaveXLSX(path string, s *heatmap.ScanSummary) error {
	f, err := buildWorkbook(s)
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save xlsx %s", path)
	}
	return nil
}

func buildWorkbook(s *heatmap.ScanSummary) (*xlsx.File, error) {
	if s == nil {
		return nil, eris.New("export: nil scan")
	}
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	for _, kv := range summaryRows(s) {
		addStrings(summary.AddRow(), kv[0], kv[1])
	}

	grid, err := f.AddSheet(SheetGrid)
	if err != nil {
		return nil, eris.Wrap(err, "export: add grid sheet")
	}
	addStrings(grid.AddRow(), gridHeader...)
	for _, p := range s.GridData {
		row := grid.AddRow()
		row.AddCell().SetInt(p.Point.X)
		row.AddCell().SetInt(p.Point.Y)
		row.AddCell().SetFloat(p.Point.Latitude)
		row.AddCell().SetFloat(p.Point.Longitude)
		setOptionalInt(row.AddCell(), p.Position, NotRankedLabel)
		setOptionalInt(row.AddCell(), p.BusinessCount, "")
		row.AddCell().SetString(string(p.Status))
		row.AddCell().SetString(p.MatchedTitle)
	}

	weak, err := f.AddSheet(SheetWeak)
	if err != nil {
		return nil, eris.Wrap(err, "export: add weak locations sheet")
	}
	addStrings(weak.AddRow(), "Name", "Position", "Latitude", "Longitude")
	for _, wl := range s.WeakLocations {
		row := weak.AddRow()
		row.AddCell().SetString(wl.Name)
		setOptionalInt(row.AddCell(), wl.Position, NotRankedLabel)
		row.AddCell().SetFloat(wl.Latitude)
		row.AddCell().SetFloat(wl.Longitude)
	}

	return f, nil
}

func summaryRows(s *heatmap.ScanSummary) [][2]string {
	return [][2]string{
		{"Scan ID", s.ID.String()},
		{"Project", s.ProjectID},
		{"Keyword", s.KeywordCombination},
		{"Scanned At", s.ScannedAt.UTC().Format(time.RFC3339)},
		{"Grid Size", strconv.Itoa(s.GridSize)},
		{"Radius (km)", strconv.FormatFloat(s.RadiusKm, 'f', -1, 64)},
		{"Layout", string(s.Layout)},
		{"Average Position", strconv.Itoa(s.AveragePosition)},
		{"Ranked Points", strconv.Itoa(s.RankedCount)},
		{"Not Ranked Points", strconv.Itoa(s.NotRankedCount)},
		{"Points Checked", strconv.Itoa(s.PointsChecked)},
		{"Provider Calls", strconv.Itoa(s.ProviderCalls)},
		{"Cost (USD)", s.CostUSD.StringFixed(4)},
		{"Partial", strconv.FormatBool(s.Partial)},
		{"Truncated", strconv.FormatBool(s.Truncated)},
	}
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func setOptionalInt(c *xlsx.Cell, v *int, empty string) {
	if v == nil {
		c.SetString(empty)
		return
	}
	c.SetInt(*v)
}
