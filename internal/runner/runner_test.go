package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricesearch/rag-bench/internal/bus"
	"github.com/ricesearch/rag-bench/internal/client"
	"github.com/ricesearch/rag-bench/internal/evaluation"
	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/logger"
	"github.com/ricesearch/rag-bench/internal/state"
)

// fakePipeline records calls and assigns sequential document ids.
type fakePipeline struct {
	mu      sync.Mutex
	uploads []client.UploadRequest
	queries []client.QueryRequest
	nextID  int

	// failUploadAt and failQueryAt are 1-based call numbers that fail; 0 never.
	failUploadAt int
	failQueryAt  int

	results map[string][]client.QueryResult
}

func (p *fakePipeline) Upload(ctx context.Context, req client.UploadRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploads = append(p.uploads, req)
	if p.failUploadAt > 0 && len(p.uploads) == p.failUploadAt {
		return "", errors.TransportError("upload failed", fmt.Errorf("HTTP 500"))
	}
	p.nextID++
	return fmt.Sprintf("D%d", p.nextID), nil
}

func (p *fakePipeline) Query(ctx context.Context, req client.QueryRequest) ([]client.QueryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queries = append(p.queries, req)
	if p.failQueryAt > 0 && len(p.queries) == p.failQueryAt {
		return nil, errors.TransportError("query failed", fmt.Errorf("HTTP 502"))
	}
	if res, ok := p.results[req.Query]; ok {
		return res, nil
	}
	return []client.QueryResult{}, nil
}

// recordingBus delivers synchronously so tests can assert on order.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *recordingBus) Publish(ctx context.Context, topic string, event bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

type recordedRun struct {
	testCase string
	runID    string
}

type fakeHistory struct {
	err  error
	runs []recordedRun
}

func (h *fakeHistory) Record(ctx context.Context, testCase string, run *evaluation.RunRecord, summary *evaluation.Summary, at time.Time) error {
	h.runs = append(h.runs, recordedRun{testCase: testCase, runID: run.ID})
	return h.err
}

type fixture struct {
	root     string
	cases    string
	pipeline *fakePipeline
	bus      *recordingBus
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:     root,
		cases:    filepath.Join(root, "test-cases"),
		pipeline: &fakePipeline{results: map[string][]client.QueryResult{}},
		bus:      &recordingBus{},
	}
	require.NoError(t, os.MkdirAll(f.cases, 0755))

	f.runner = New(Config{
		RepoRoot:      root,
		TestCasesRoot: f.cases,
		CorrelationID: "corr-test",
	}, f.pipeline, f.bus, logger.Discard())
	f.runner.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC) }
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// addCase writes a test case whose corpus files exist under corpus/.
func (f *fixture) addCase(t *testing.T, name string, corpus []string, queries string) {
	t.Helper()
	for _, c := range corpus {
		f.write(t, c, "content of "+c)
	}
	cfg, err := json.Marshal(map[string]any{"name": name, "corpus_paths": corpus, "top_k": 3})
	require.NoError(t, err)
	f.write(t, filepath.Join("test-cases", name, "config.json"), string(cfg))
	if queries == "" {
		queries = `[{"id": "q1", "text": "first question"}]`
	}
	f.write(t, filepath.Join("test-cases", name, "queries", "queries.json"), queries)
}

func (f *fixture) statePath(name string) string {
	return state.Path(filepath.Join(f.cases, name))
}

func TestSeed_UploadsInOrderAndWritesState(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "policy", []string{"corpus/policy_trust_docs.txt", "corpus/b.md"}, "")

	res, err := f.runner.Seed(context.Background(), "policy")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Documents)

	require.Len(t, f.pipeline.uploads, 2)
	first := f.pipeline.uploads[0]
	assert.Equal(t, SourceTypeManual, first.SourceType)
	assert.Equal(t, "content of corpus/policy_trust_docs.txt", first.RawContent)
	require.NotNil(t, first.Title)
	assert.Equal(t, "policy_trust_docs", *first.Title)
	assert.Equal(t, "corpus/policy_trust_docs.txt", first.Metadata["corpus_path"])
	assert.Equal(t, "policy", first.Metadata["test_case"])
	assert.Equal(t, "b", *f.pipeline.uploads[1].Title)

	read := state.NewStore().Read(f.statePath("policy"))
	require.True(t, read.Seeded())
	assert.Equal(t, []state.Document{
		{CorpusPath: "corpus/policy_trust_docs.txt", DocumentID: "D1"},
		{CorpusPath: "corpus/b.md", DocumentID: "D2"},
	}, read.State.Documents)
	_, err = time.Parse(time.RFC3339Nano, read.State.SeededAt)
	assert.NoError(t, err, "seeded_at is ISO-8601")
	assert.NotEmpty(t, read.State.CorpusFingerprint)

	assert.Equal(t, []string{bus.TopicSeedCompleted}, f.bus.topics())
	assert.Equal(t, "corr-test", f.bus.events[0].CorrelationID)
}

func TestSeed_ChunkingKnobsForwarded(t *testing.T) {
	f := newFixture(t)
	f.write(t, "corpus/a.txt", "alpha")
	f.write(t, "test-cases/chunked/config.json", `{"corpus_paths": ["corpus/a.txt"], "chunk_size": 256, "chunk_overlap": 32}`)

	_, err := f.runner.Seed(context.Background(), "chunked")
	require.NoError(t, err)

	require.Len(t, f.pipeline.uploads, 1)
	assert.Equal(t, 256, *f.pipeline.uploads[0].ChunkSize)
	assert.Equal(t, 32, *f.pipeline.uploads[0].ChunkOverlap)
}

func TestSeed_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/a.txt"}, "")

	_, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, f.pipeline.uploads, 1)

	res, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, res.Documents)
	assert.Len(t, f.pipeline.uploads, 1, "second seed must not upload")

	assert.Equal(t, []string{bus.TopicSeedCompleted, bus.TopicSeedSkipped}, f.bus.topics())
}

func TestSeed_ResumeFromScratch(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/1.txt", "corpus/2.txt", "corpus/3.txt"}, "")
	f.pipeline.failUploadAt = 2

	_, err := f.runner.Seed(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))

	_, statErr := os.Stat(f.statePath("a"))
	assert.True(t, os.IsNotExist(statErr), "no state may be written after a failed seed")

	f.pipeline.failUploadAt = 0
	before := len(f.pipeline.uploads)

	_, err = f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 3, len(f.pipeline.uploads)-before, "retry re-uploads every document")
}

func TestSeed_CorruptStateBehavesLikeMissing(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/1.txt", "corpus/2.txt"}, "")
	f.write(t, "test-cases/a/state/corpus_used.json", "\x89PNG not json")

	res, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, f.pipeline.uploads, 2)
	assert.True(t, state.NewStore().Read(f.statePath("a")).Seeded())
}

func TestSeed_NotUploadedFlagReseeds(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/1.txt"}, "")
	f.write(t, "test-cases/a/state/corpus_used.json", `{"hasUploaded": false, "documents": []}`)

	res, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, f.pipeline.uploads, 1)
}

func TestSeed_ChangedCorpusListReseeds(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/1.txt"}, "")

	_, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)

	f.addCase(t, "a", []string{"corpus/1.txt", "corpus/2.txt"}, "")
	res, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, f.pipeline.uploads, 3, "1 initial + 2 on re-seed")

	read := state.NewStore().Read(f.statePath("a"))
	assert.Len(t, read.State.Documents, 2)
}

func TestSeed_LegacyStateWithoutFingerprintIsTrusted(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/1.txt", "corpus/2.txt"}, "")
	f.write(t, "test-cases/a/state/corpus_used.json",
		`{"hasUploaded": true, "documents": [{"corpus_path": "corpus/1.txt", "document_id": "OLD"}]}`)

	res, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.pipeline.uploads)
}

func TestSeed_TraversalRejected(t *testing.T) {
	f := newFixture(t)
	f.write(t, "test-cases/evil/config.json", `{"corpus_paths": ["../../etc/passwd"]}`)

	_, err := f.runner.Seed(context.Background(), "evil")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err), "got %v", err)
	assert.Empty(t, f.pipeline.uploads)
}

func TestSeed_MissingCorpusFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, "test-cases/a/config.json", `{"corpus_paths": ["corpus/missing.txt"]}`)

	_, err := f.runner.Seed(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func TestQuery_RequiresSeed(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/1.txt"}, "")

	_, _, err := f.runner.Query(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.IsPrecondition(err))
	assert.Contains(t, err.Error(), "run seed first for test 'a'")
	assert.Contains(t, err.Error(), f.statePath("a"))
	assert.Empty(t, f.pipeline.queries)
}

func TestQuery_WritesArtifacts(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/a.txt", "corpus/b.txt"}, `[
		{"id": "q1", "text": "first question"},
		{"id": "q2", "text": "second question"}
	]`)
	f.pipeline.results["first question"] = []client.QueryResult{
		{DocumentID: "D1", Text: "alpha", Score: 0.9},
		{DocumentID: "D2", Text: "beta", Score: 0.5},
	}

	_, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)

	run, summary, err := f.runner.Query(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, "20260301T123045", run.ID)
	assert.Equal(t, filepath.Join(f.cases, "a", "runs", "20260301T123045"), run.Dir)

	require.Len(t, f.pipeline.queries, 2)
	assert.Equal(t, client.QueryRequest{Query: "first question", TopK: 3, DocumentIDs: []string{"D1", "D2"}}, f.pipeline.queries[0])
	assert.Equal(t, "second question", f.pipeline.queries[1].Query)

	require.Len(t, summary.Queries, 2)
	assert.Equal(t, "corpus/a.txt", *summary.Queries[0].Rank1CorpusPath)
	assert.Nil(t, summary.Queries[1].Rank1DocumentID)

	for _, file := range []string{evaluation.ResultsFile, evaluation.MetricsFile, evaluation.SummaryFile} {
		assert.FileExists(t, filepath.Join(run.Dir, file))
	}
	report, err := os.ReadFile(filepath.Join(run.Dir, evaluation.SummaryFile))
	require.NoError(t, err)
	assert.Equal(t, "# Run summary\n\n- **q1**: rank 1 = corpus/a.txt (score=0.9)\n- **q2**: no results\n", string(report))

	assert.Equal(t, []string{bus.TopicSeedCompleted, bus.TopicRunCompleted}, f.bus.topics())
	payload := f.bus.events[1].Payload.(bus.RunPayload)
	assert.Equal(t, "20260301T123045", payload.RunID)
	assert.Equal(t, 2, payload.Queries)
	assert.Equal(t, 1, payload.WithResults)
}

func TestQuery_FailureLeavesNoResults(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/a.txt"}, `[{"id": "q1", "text": "one"}, {"id": "q2", "text": "two"}, {"id": "q3", "text": "three"}]`)
	_, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)

	f.pipeline.failQueryAt = 2
	_, _, err = f.runner.Query(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.Len(t, f.pipeline.queries, 2, "remaining queries are not attempted")

	runDir := filepath.Join(f.cases, "a", "runs", "20260301T123045")
	assert.DirExists(t, runDir)
	assert.NoFileExists(t, filepath.Join(runDir, evaluation.ResultsFile))
}

func TestQuery_RecordsHistoryBestEffort(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/a.txt"}, "")
	_, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)

	h := &fakeHistory{err: fmt.Errorf("redis down")}
	f.runner.SetHistory(h)

	run, _, err := f.runner.Query(context.Background(), "a")
	require.NoError(t, err, "history failure must not fail the run")
	assert.Equal(t, []recordedRun{{testCase: "a", runID: run.ID}}, h.runs)
}

func TestResolveTestCases(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"zeta", "alpha", ".hidden", "mid"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0644))

	t.Run("all is sorted and skips hidden and files", func(t *testing.T) {
		got, err := ResolveTestCases(root, nil, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, got)
	})

	t.Run("explicit names keep order", func(t *testing.T) {
		got, err := ResolveTestCases(root, []string{"zeta", "alpha"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"zeta", "alpha"}, got)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := ResolveTestCases(root, []string{"alpha", "nope"}, false)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("file is not a test case", func(t *testing.T) {
		_, err := ResolveTestCases(root, []string{"README.md"}, false)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("no names without all", func(t *testing.T) {
		_, err := ResolveTestCases(root, nil, false)
		require.Error(t, err)
		assert.True(t, errors.IsUsage(err))
		assert.Equal(t, 2, errors.ExitCode(err))
	})

	t.Run("path-like names", func(t *testing.T) {
		for _, name := range []string{"../alpha", "a/b", "..", ""} {
			_, err := ResolveTestCases(root, []string{name}, false)
			assert.True(t, errors.IsValidation(err), "name %q: %v", name, err)
		}
	})

	t.Run("missing root", func(t *testing.T) {
		_, err := ResolveTestCases(filepath.Join(root, "absent"), nil, true)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("empty root with all", func(t *testing.T) {
		_, err := ResolveTestCases(t.TempDir(), nil, true)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
		assert.Contains(t, err.Error(), "No test case directories found")
	})
}

func TestRunAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.write(t, "test-cases/broken/config.json", `{"corpus_paths": ["corpus/missing.txt"]}`)
	f.addCase(t, "good", []string{"corpus/g.txt"}, "")

	outcomes, err := f.runner.RunAll(context.Background(), []string{"broken", "good"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), "joined error keeps its class: %v", err)
	assert.Equal(t, 1, errors.ExitCode(err))

	require.Len(t, outcomes, 2)
	assert.Equal(t, PhaseSeed, outcomes[0].Phase)
	assert.Nil(t, outcomes[0].Run, "failed seed is not queried")

	assert.False(t, outcomes[1].Failed())
	require.NotNil(t, outcomes[1].Run)
	assert.Len(t, f.pipeline.queries, 1)

	assert.Equal(t, []string{bus.TopicTestCaseFailed, bus.TopicSeedCompleted, bus.TopicRunCompleted}, f.bus.topics())
}

func TestQueryAll_ContinuesAfterPreconditionFailure(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "unseeded", []string{"corpus/u.txt"}, "")
	f.addCase(t, "seeded", []string{"corpus/s.txt"}, "")
	_, err := f.runner.Seed(context.Background(), "seeded")
	require.NoError(t, err)

	outcomes, err := f.runner.QueryAll(context.Background(), []string{"unseeded", "seeded"})
	require.Error(t, err)
	assert.True(t, errors.IsPrecondition(err))

	require.Len(t, outcomes, 2)
	assert.Equal(t, PhaseQuery, outcomes[0].Phase)
	assert.NotNil(t, outcomes[1].Run)
}

func TestSeedAll_StopsOnCanceledContext(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/a.txt"}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := f.runner.SeedAll(ctx, []string{"a"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, outcomes)
	assert.Empty(t, f.pipeline.uploads)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.addCase(t, "a", []string{"corpus/a.txt"}, "")

	st := f.runner.Status("a")
	assert.Equal(t, state.Absent, st.State.Status)
	assert.Empty(t, st.LatestRun())

	_, err := f.runner.Seed(context.Background(), "a")
	require.NoError(t, err)
	_, _, err = f.runner.Query(context.Background(), "a")
	require.NoError(t, err)

	st = f.runner.Status("a")
	assert.True(t, st.State.Seeded())
	assert.False(t, st.Stale)
	assert.Equal(t, "20260301T123045", st.LatestRun())

	f.addCase(t, "a", []string{"corpus/a.txt", "corpus/b.txt"}, "")
	assert.True(t, f.runner.Status("a").Stale)
}

// fakeService is a minimal pipeline speaking the HTTP contract.
type fakeService struct {
	mu      sync.Mutex
	uploads []map[string]any
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/upload":
		s.mu.Lock()
		s.uploads = append(s.uploads, body)
		id := fmt.Sprintf("doc-%d", len(s.uploads))
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"document_id": id})
	case "/query":
		ids, _ := body["document_ids"].([]any)
		results := []map[string]any{}
		if len(ids) > 0 {
			results = append(results, map[string]any{
				"document_id": ids[0],
				"chunk_id":    "c-1",
				"text":        "matched text",
				"score":       0.87,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	default:
		http.NotFound(w, r)
	}
}

func TestRunAll_EndToEnd(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	f := newFixture(t)
	f.addCase(t, "e2e", []string{"corpus/only.txt"}, `[{"id": "q1", "text": "what is in the corpus?"}]`)
	f.runner.pipeline = client.New(client.Config{BaseURL: srv.URL, Logger: logger.Discard()})

	outcomes, err := f.runner.RunAll(context.Background(), []string{"e2e"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	runs, err := os.ReadDir(filepath.Join(f.cases, "e2e", "runs"))
	require.NoError(t, err)
	require.Len(t, runs, 1, "exactly one run directory")

	runDir := filepath.Join(f.cases, "e2e", "runs", runs[0].Name())
	for _, file := range []string{evaluation.ResultsFile, evaluation.MetricsFile, evaluation.SummaryFile} {
		assert.FileExists(t, filepath.Join(runDir, file))
	}

	read := state.NewStore().Read(f.statePath("e2e"))
	require.True(t, read.Seeded())
	require.Len(t, read.State.Documents, 1)
	assert.Equal(t, "corpus/only.txt", read.State.Documents[0].CorpusPath)
	assert.Equal(t, "doc-1", read.State.Documents[0].DocumentID)

	require.Len(t, svc.uploads, 1)
	assert.Equal(t, "manual", svc.uploads[0]["source_type"])
	assert.Equal(t, "only", svc.uploads[0]["title"])

	var metrics struct {
		Queries []struct {
			QueryID         string   `json:"query_id"`
			Rank1CorpusPath *string  `json:"rank1_corpus_path"`
			Rank1Score      *float64 `json:"rank1_score"`
		} `json:"queries"`
	}
	raw, err := os.ReadFile(filepath.Join(runDir, evaluation.MetricsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &metrics))
	require.Len(t, metrics.Queries, 1)
	assert.Equal(t, "corpus/only.txt", *metrics.Queries[0].Rank1CorpusPath)
	assert.Equal(t, 0.87, *metrics.Queries[0].Rank1Score)
}
