// Package runner sequences the seed and query stages across test cases.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ricesearch/rag-bench/internal/bus"
	"github.com/ricesearch/rag-bench/internal/client"
	"github.com/ricesearch/rag-bench/internal/evaluation"
	"github.com/ricesearch/rag-bench/internal/history"
	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/logger"
	"github.com/ricesearch/rag-bench/internal/pkg/security"
	"github.com/ricesearch/rag-bench/internal/state"
)

// Source identifies this component on published events.
const Source = "rag-bench"

// Phases named in outcomes and failure events.
const (
	PhaseSeed  = "seed"
	PhaseQuery = "query"
)

// Config holds the paths and limits the runner works with.
type Config struct {
	// RepoRoot is the directory corpus paths are relative to.
	RepoRoot string

	// TestCasesRoot holds one directory per test case.
	TestCasesRoot string

	// MaxDocumentBytes caps a corpus file's size. Zero disables the cap.
	MaxDocumentBytes int

	// CorrelationID is stamped on every event of this invocation.
	CorrelationID string
}

// Runner runs the seed and query stages for test cases.
type Runner struct {
	cfg      Config
	pipeline client.Pipeline
	store    *state.Store
	bus      bus.Bus
	history  history.Recorder
	log      *logger.Logger
	now      func() time.Time
}

// New creates a runner. eventBus may be nil.
func New(cfg Config, pipeline client.Pipeline, eventBus bus.Bus, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		cfg:      cfg,
		pipeline: pipeline,
		store:    state.NewStore(),
		bus:      eventBus,
		log:      log,
		now:      time.Now,
	}
}

// SetHistory enables recording rank-1 history after each run.
func (r *Runner) SetHistory(rec history.Recorder) {
	r.history = rec
}

// TestCaseDir returns the directory for a test case name.
func (r *Runner) TestCaseDir(name string) string {
	return filepath.Join(r.cfg.TestCasesRoot, name)
}

// Outcome is one test case's result in a batch.
type Outcome struct {
	Name string

	// Seed is set when the seed stage completed.
	Seed *SeedResult

	// Run and Summary are set when the query stage completed.
	Run     *evaluation.RunRecord
	Summary *evaluation.Summary

	// Phase is the stage that failed; Err its error.
	Phase string
	Err   error
}

// Failed reports whether any stage failed for the test case.
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// ResolveTestCases turns requested names (or all) into a list of existing
// test case directory names under root.
func ResolveTestCases(root string, names []string, all bool) ([]string, error) {
	if !all && len(names) == 0 {
		return nil, errors.UsageError("Provide test case name(s) or use --all")
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, errors.NotFoundError("test-cases directory", root)
	}

	if all {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, errors.Wrap(errors.CodeNotFound, fmt.Sprintf("test-cases directory unreadable: %s", root), err).WithPath(root)
		}

		var found []string
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			found = append(found, e.Name())
		}
		if len(found) == 0 {
			return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("No test case directories found under %s", root)).WithPath(root)
		}
		sort.Strings(found)
		return found, nil
	}

	resolved := make([]string, 0, len(names))
	for _, name := range names {
		if err := validateName(name); err != nil {
			return nil, err
		}
		dir := filepath.Join(root, name)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, errors.NotFoundError("Test case directory", dir)
		}
		resolved = append(resolved, name)
	}
	return resolved, nil
}

// validateName accepts a single path element.
func validateName(name string) error {
	if err := security.ValidatePath(name); err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid test case name %q: %v", security.SanitizeForLog(name), err))
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.ValidationError(fmt.Sprintf("invalid test case name %q: must be a directory name", security.SanitizeForLog(name)))
	}
	return nil
}

// SeedAll seeds each test case in order. A failure is recorded and the
// batch moves on; the returned error joins every failure.
func (r *Runner) SeedAll(ctx context.Context, names []string) ([]*Outcome, error) {
	outcomes := make([]*Outcome, 0, len(names))
	var errs []error

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		o := &Outcome{Name: name}
		res, err := r.Seed(ctx, name)
		if err != nil {
			r.fail(ctx, o, PhaseSeed, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else {
			o.Seed = res
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, stderrors.Join(errs...)
}

// QueryAll runs the query stage for each test case in order, isolating
// failures the same way SeedAll does.
func (r *Runner) QueryAll(ctx context.Context, names []string) ([]*Outcome, error) {
	outcomes := make([]*Outcome, 0, len(names))
	var errs []error

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		o := &Outcome{Name: name}
		if err := r.queryInto(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, stderrors.Join(errs...)
}

// RunAll seeds every test case, then queries each one whose seed succeeded.
func (r *Runner) RunAll(ctx context.Context, names []string) ([]*Outcome, error) {
	outcomes, seedErr := r.SeedAll(ctx, names)
	errs := []error{seedErr}

	for _, o := range outcomes {
		if o.Failed() {
			r.log.WithTestCase(o.Name).Warn("Skipping queries: seed failed")
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.queryInto(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Name, err))
		}
	}

	return outcomes, stderrors.Join(errs...)
}

func (r *Runner) queryInto(ctx context.Context, o *Outcome) error {
	run, summary, err := r.Query(ctx, o.Name)
	if err != nil {
		r.fail(ctx, o, PhaseQuery, err)
		return err
	}
	o.Run = run
	o.Summary = summary
	return nil
}

func (r *Runner) fail(ctx context.Context, o *Outcome, phase string, err error) {
	o.Phase = phase
	o.Err = err

	r.log.WithTestCase(o.Name).WithError(err).Error("Test case failed", "phase", phase)
	r.publish(ctx, bus.TopicTestCaseFailed, bus.FailurePayload{
		TestCase: o.Name,
		Phase:    phase,
		Code:     errors.CodeOf(err),
		Message:  err.Error(),
	})
}

// publish is best-effort: a bus failure never fails a test case.
func (r *Runner) publish(ctx context.Context, topic string, payload any) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(topic, Source, r.cfg.CorrelationID, payload)
	if err := r.bus.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		r.log.Warn("Failed to publish event", "topic", topic, "error", err.Error())
	}
}
