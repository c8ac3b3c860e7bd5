package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ricesearch/rag-bench/internal/bus"
	"github.com/ricesearch/rag-bench/internal/client"
	"github.com/ricesearch/rag-bench/internal/evaluation"
	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/hash"
	"github.com/ricesearch/rag-bench/internal/state"
	"github.com/ricesearch/rag-bench/internal/testcase"
)

// RunIDLayout names run directories by UTC second.
const RunIDLayout = "20060102T150405"

// RunsDir is the directory inside a test case that holds run directories.
const RunsDir = "runs"

const historyTimeout = 5 * time.Second

// Query runs every query fixture against a seeded test case's documents and
// writes results.json, metrics.json and summary.md into a new run directory.
//
// Querying an unseeded test case is a precondition error. A failed query
// call aborts the run before results.json is written.
func (r *Runner) Query(ctx context.Context, name string) (*evaluation.RunRecord, *evaluation.Summary, error) {
	dir := r.TestCaseDir(name)
	log := r.log.WithTestCase(name)

	statePath := state.Path(dir)
	seeded := r.store.Read(statePath)
	if seeded.Degraded() {
		log.Warn("State file unusable, treating as not seeded",
			"path", statePath,
			"status", seeded.Status.String(),
			"error", seeded.Err.Error(),
		)
	}
	if !seeded.Seeded() {
		return nil, nil, errors.PreconditionError(
			fmt.Sprintf("run seed first for test '%s': missing or not uploaded: %s", name, statePath),
		).WithPath(statePath)
	}

	cfg, err := testcase.LoadConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	if stored := seeded.State.CorpusFingerprint; stored != "" && stored != hash.CorpusFingerprint(cfg.CorpusPaths) {
		log.Warn("Corpus paths changed since last seed; querying the previously seeded documents",
			"path", statePath,
		)
	}

	queries, err := testcase.LoadQueries(dir)
	if err != nil {
		return nil, nil, err
	}

	docIDs := seeded.State.DocumentIDs()

	runAt := r.now().UTC()
	run := &evaluation.RunRecord{
		ID:      runAt.Format(RunIDLayout),
		Queries: make([]evaluation.QueryRun, 0, len(queries)),
	}
	run.Dir = filepath.Join(dir, RunsDir, run.ID)
	log = log.WithRun(run.ID)

	if err := os.MkdirAll(run.Dir, 0755); err != nil {
		return nil, nil, errors.InternalError("failed to create run directory", err).WithPath(run.Dir)
	}

	for i, q := range queries {
		results, err := r.pipeline.Query(ctx, client.QueryRequest{
			Query:       q.Text,
			TopK:        cfg.TopK,
			DocumentIDs: docIDs,
		})
		if err != nil {
			return nil, nil, err
		}

		log.Debug("Query completed", "index", i, "query_id", q.ID, "results", len(results))
		run.Queries = append(run.Queries, evaluation.QueryRun{
			ID:       q.ID,
			Query:    q.Text,
			Response: evaluation.Response{Results: results},
		})
	}

	if err := evaluation.WriteResults(run.Dir, run); err != nil {
		return nil, nil, errors.InternalError("failed to write results", err).WithPath(run.Dir)
	}

	summary := evaluation.Summarize(run, seeded.State)
	if err := evaluation.WriteArtifacts(run.Dir, summary); err != nil {
		return nil, nil, errors.InternalError("failed to write metrics", err).WithPath(run.Dir)
	}

	log.Info("Run completed",
		"dir", run.Dir,
		"queries", summary.Totals.Queries,
		"with_results", summary.Totals.WithResults,
	)

	r.recordHistory(ctx, name, run, summary, runAt)
	r.publish(ctx, bus.TopicRunCompleted, bus.RunPayload{
		TestCase:       name,
		RunID:          run.ID,
		RunDir:         run.Dir,
		Queries:        summary.Totals.Queries,
		WithResults:    summary.Totals.WithResults,
		MeanRank1Score: summary.Totals.MeanRank1Score,
	})

	return run, summary, nil
}

// recordHistory is best-effort: the run's artifacts are already on disk.
func (r *Runner) recordHistory(ctx context.Context, name string, run *evaluation.RunRecord, summary *evaluation.Summary, at time.Time) {
	if r.history == nil {
		return
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if err := r.history.Record(hctx, name, run, summary, at); err != nil {
		r.log.WithTestCase(name).Warn("Failed to record run history", "run", run.ID, "error", err.Error())
	}
}
