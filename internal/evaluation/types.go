// Package evaluation reduces a run's raw query results into rank-1 summaries
// and writes the run artifacts.
package evaluation

import "github.com/ricesearch/rag-bench/internal/client"

// Artifact file names inside a run directory.
const (
	ResultsFile = "results.json"
	MetricsFile = "metrics.json"
	SummaryFile = "summary.md"
)

// RunRecord is one execution of every query fixture for a test case.
type RunRecord struct {
	// ID is the run's UTC timestamp (YYYYMMDDTHHMMSS), also its directory name.
	ID      string
	Dir     string
	Queries []QueryRun
}

// QueryRun is one fixture and the pipeline's response to it.
type QueryRun struct {
	ID       string   `json:"id"`
	Query    string   `json:"query"`
	Response Response `json:"response"`
}

// Response wraps the ranked results as returned by the pipeline.
type Response struct {
	Results []client.QueryResult `json:"results"`
}

// RankedHit is the condensed form of a result kept in metrics.json.
type RankedHit struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// QuerySummary is the rank-1 view of one fixture. Rank-1 fields are nil
// when the pipeline returned nothing.
type QuerySummary struct {
	QueryID         string      `json:"query_id"`
	Rank1DocumentID *string     `json:"rank1_document_id"`
	Rank1Score      *float64    `json:"rank1_score"`
	Rank1CorpusPath *string     `json:"rank1_corpus_path"`
	Results         []RankedHit `json:"results"`
}

// Totals aggregates across fixtures.
type Totals struct {
	Queries        int      `json:"queries"`
	WithResults    int      `json:"with_results"`
	MeanRank1Score *float64 `json:"mean_rank1_score"`
}

// Summary is the structured form written to metrics.json.
type Summary struct {
	Queries []QuerySummary `json:"queries"`
	Totals  Totals         `json:"totals"`
}
