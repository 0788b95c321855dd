package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/portal-harvester/internal/harvester"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// printResult renders the per-entity outcome and any skipped points.
func printResult(w io.Writer, res harvester.Result) error {
	if _, err := fmt.Fprintf(w, "run %s finished in %s\n", res.RunID, res.Elapsed.Round(time.Millisecond)); err != nil {
		return err
	}
	if res.RawManifest != "" {
		if _, err := fmt.Fprintf(w, "raw tables: %s\n", res.RawManifest); err != nil {
			return err
		}
	}

	entities := newTable(w)
	entities.SetTitle("Entities")
	entities.AppendHeader(table.Row{"Entity", "Points", "Rows", "Columns", "Flagged", "Unchanged", "Notified", "File", "SHA-256"})
	rows := 0
	for _, e := range res.Entities {
		rows += e.Rows
		entities.AppendRow(table.Row{e.Label, e.Points, e.Rows, e.Columns, e.Flagged, e.Unchanged, e.Notified, e.URI, shortHash(e.SHA256)})
	}
	entities.AppendFooter(table.Row{"Total", len(res.Sweep.Succeeded), rows, "", res.Flagged(), "", "", "", ""})
	entities.Render()

	if len(res.Sweep.Failed) == 0 {
		return nil
	}
	failed := newTable(w)
	failed.SetTitle("Skipped points")
	failed.AppendHeader(table.Row{"Point", "Attempts", "Exhausted", "Cause"})
	for _, f := range res.Sweep.Failed {
		cause := ""
		if f.Cause != nil {
			cause = f.Cause.Error()
		}
		failed.AppendRow(table.Row{f.Point.Key(), f.Attempts, f.Exhausted, cause})
	}
	failed.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
