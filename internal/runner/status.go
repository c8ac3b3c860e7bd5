package runner

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/ricesearch/rag-bench/internal/pkg/hash"
	"github.com/ricesearch/rag-bench/internal/state"
	"github.com/ricesearch/rag-bench/internal/testcase"
)

// TestCaseStatus is a read-only snapshot of a test case on disk.
type TestCaseStatus struct {
	Name  string
	State state.ReadResult

	// Stale is true when the stored corpus fingerprint no longer matches
	// config.json.
	Stale bool

	// ConfigErr is set when config.json cannot be loaded.
	ConfigErr error

	// Runs lists run ids, oldest first.
	Runs []string
}

// LatestRun returns the newest run id, or "" when there are none.
func (s *TestCaseStatus) LatestRun() string {
	if len(s.Runs) == 0 {
		return ""
	}
	return s.Runs[len(s.Runs)-1]
}

// Status inspects a test case without contacting the pipeline.
func (r *Runner) Status(name string) *TestCaseStatus {
	dir := r.TestCaseDir(name)
	st := &TestCaseStatus{
		Name:  name,
		State: r.store.Read(state.Path(dir)),
	}

	cfg, err := testcase.LoadConfig(dir)
	if err != nil {
		st.ConfigErr = err
	} else if st.State.Seeded() {
		stored := st.State.State.CorpusFingerprint
		st.Stale = stored != "" && stored != hash.CorpusFingerprint(cfg.CorpusPaths)
	}

	entries, err := os.ReadDir(filepath.Join(dir, RunsDir))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				st.Runs = append(st.Runs, e.Name())
			}
		}
		sort.Strings(st.Runs)
	}

	return st
}
