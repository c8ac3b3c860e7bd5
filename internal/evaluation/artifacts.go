package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteResults writes results.json: the raw per-fixture responses.
func WriteResults(dir string, run *RunRecord) error {
	queries := run.Queries
	if queries == nil {
		queries = []QueryRun{}
	}
	return writeJSON(filepath.Join(dir, ResultsFile), queries)
}

// WriteArtifacts writes metrics.json and summary.md for a summarized run.
func WriteArtifacts(dir string, summary *Summary) error {
	if err := writeJSON(filepath.Join(dir, MetricsFile), summary); err != nil {
		return err
	}
	path := filepath.Join(dir, SummaryFile)
	if err := os.WriteFile(path, []byte(RenderReport(summary)), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// RenderTable renders the rank-1 view of a run as a console table.
func RenderTable(testCase string, summary *Summary) string {
	tw := table.NewWriter()
	tw.SetTitle(testCase)
	tw.AppendHeader(table.Row{"Query", "Rank 1", "Score", "Hits"})
	for _, q := range summary.Queries {
		if q.Rank1DocumentID == nil {
			tw.AppendRow(table.Row{q.QueryID, "(no results)", "-", 0})
			continue
		}
		tw.AppendRow(table.Row{q.QueryID, *q.Rank1CorpusPath, FormatScore(*q.Rank1Score), len(q.Results)})
	}

	mean := "-"
	if summary.Totals.MeanRank1Score != nil {
		mean = fmt.Sprintf("%.4f", *summary.Totals.MeanRank1Score)
	}
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%d queries", summary.Totals.Queries),
		fmt.Sprintf("%d with results", summary.Totals.WithResults),
		mean,
		"",
	})
	tw.SetStyle(table.StyleLight)
	return tw.Render()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
