package evaluation

import (
	"math"
	"strconv"
	"strings"

	"github.com/ricesearch/rag-bench/internal/state"
)

// Summarize builds the rank-1 summary of a run. Document ids are mapped to
// corpus paths through seed; unmapped ids stand in for their own path.
func Summarize(run *RunRecord, seed *state.SeedState) *Summary {
	paths := map[string]string{}
	if seed != nil {
		paths = seed.PathByID()
	}

	summary := &Summary{Queries: make([]QuerySummary, 0, len(run.Queries))}

	var scoreSum float64
	for _, q := range run.Queries {
		qs := QuerySummary{
			QueryID: q.ID,
			Results: make([]RankedHit, 0, len(q.Response.Results)),
		}

		for _, r := range q.Response.Results {
			qs.Results = append(qs.Results, RankedHit{DocumentID: r.DocumentID, Score: r.Score})
		}

		if len(q.Response.Results) > 0 {
			top := q.Response.Results[0]
			docID := top.DocumentID
			score := top.Score
			path, ok := paths[docID]
			if !ok {
				path = docID
			}
			qs.Rank1DocumentID = &docID
			qs.Rank1Score = &score
			qs.Rank1CorpusPath = &path

			summary.Totals.WithResults++
			scoreSum += score
		}

		summary.Queries = append(summary.Queries, qs)
	}

	summary.Totals.Queries = len(run.Queries)
	if summary.Totals.WithResults > 0 {
		mean := scoreSum / float64(summary.Totals.WithResults)
		summary.Totals.MeanRank1Score = &mean
	}

	return summary
}

// RenderReport renders the markdown report: one bullet per fixture.
func RenderReport(summary *Summary) string {
	lines := make([]string, 0, len(summary.Queries))
	for _, q := range summary.Queries {
		lines = append(lines, ReportLine(q))
	}
	return "# Run summary\n\n" + strings.Join(lines, "\n") + "\n"
}

// ReportLine renders a single fixture's bullet.
func ReportLine(q QuerySummary) string {
	if q.Rank1DocumentID == nil {
		return "- **" + q.QueryID + "**: no results"
	}
	return "- **" + q.QueryID + "**: rank 1 = " + *q.Rank1CorpusPath + " (score=" + FormatScore(*q.Rank1Score) + ")"
}

// FormatScore renders a score as the shortest string that round-trips.
// Integral values keep a trailing ".0" (1 -> "1.0"), and magnitudes below
// 1e-4 or from 1e16 up use exponent form (1e-05).
func FormatScore(s float64) string {
	switch {
	case math.IsNaN(s):
		return "nan"
	case math.IsInf(s, 1):
		return "inf"
	case math.IsInf(s, -1):
		return "-inf"
	}

	if abs := math.Abs(s); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(s, 'e', -1, 64)
	}

	out := strconv.FormatFloat(s, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}
