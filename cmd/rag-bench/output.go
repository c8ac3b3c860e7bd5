package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ricesearch/rag-bench/internal/bus"
	"github.com/ricesearch/rag-bench/internal/evaluation"
	apperrors "github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/runner"
)

// outcomeView is the JSON form of a runner.Outcome.
type outcomeView struct {
	TestCase string              `json:"test_case"`
	Seed     *seedView           `json:"seed,omitempty"`
	Run      *runView            `json:"run,omitempty"`
	Summary  *evaluation.Summary `json:"summary,omitempty"`
	Phase    string              `json:"failed_phase,omitempty"`
	Code     string              `json:"error_code,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type seedView struct {
	Skipped   bool   `json:"skipped"`
	Documents int    `json:"documents"`
	StatePath string `json:"state_path"`
}

type runView struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

func viewOf(o *runner.Outcome) outcomeView {
	v := outcomeView{TestCase: o.Name, Summary: o.Summary, Phase: o.Phase}
	if o.Seed != nil {
		v.Seed = &seedView{Skipped: o.Seed.Skipped, Documents: o.Seed.Documents, StatePath: o.Seed.StatePath}
	}
	if o.Run != nil {
		v.Run = &runView{ID: o.Run.ID, Dir: o.Run.Dir}
	}
	if o.Err != nil {
		v.Code = apperrors.CodeOf(o.Err)
		v.Error = o.Err.Error()
	}
	return v
}

func (a *app) printOutcomes(outcomes []*runner.Outcome) error {
	if a.format == "json" {
		views := make([]outcomeView, 0, len(outcomes))
		for _, o := range outcomes {
			views = append(views, viewOf(o))
		}
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	for _, o := range outcomes {
		switch {
		case o.Seed != nil && o.Seed.Skipped:
			fmt.Fprintf(a.out, "%s: already seeded (%d documents)\n", o.Name, o.Seed.Documents)
		case o.Seed != nil:
			fmt.Fprintf(a.out, "%s: seeded %d documents -> %s\n", o.Name, o.Seed.Documents, o.Seed.StatePath)
		}
		if o.Run != nil && o.Summary != nil {
			fmt.Fprintln(a.out, evaluation.RenderTable(o.Name, o.Summary))
			fmt.Fprintf(a.out, "%s: run written to %s\n", o.Name, o.Run.Dir)
		}
		if o.Err != nil {
			fmt.Fprintf(a.out, "%s: %s failed\n", o.Name, o.Phase)
		}
	}
	return nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [test ...]",
		Short: "Show seed state and run history on disk for test cases",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			names, err := runner.ResolveTestCases(a.cfg.TestCasesRoot(), args, all || len(args) == 0)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(a.out)
			tw.AppendHeader(table.Row{"Test case", "Seeded", "Documents", "Seeded at", "Stale", "Runs", "Latest run"})
			for _, name := range names {
				st := a.runner.Status(name)

				seeded, docs, seededAt := st.State.Status.String(), 0, ""
				if st.State.State != nil {
					docs = len(st.State.State.Documents)
					seededAt = st.State.State.SeededAt
				}
				if st.State.Seeded() {
					seeded = "yes"
				}

				stale := ""
				switch {
				case st.ConfigErr != nil:
					stale = "config error"
				case st.Stale:
					stale = "yes"
				}

				tw.AppendRow(table.Row{name, seeded, docs, seededAt, stale, len(st.Runs), st.LatestRun()})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "show every test case (default when no names are given)")
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List lifecycle events from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Bus.EventLog == "" {
				return apperrors.UsageError("event log is not configured (set RAG_BENCH_EVENT_LOG)")
			}

			events, err := bus.ReadEvents(a.cfg.Bus.EventLog, time.Now().Add(-since), limit)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeInternal, "failed to read event log", err).WithPath(a.cfg.Bus.EventLog)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(a.out)
			tw.AppendHeader(table.Row{"Time", "Topic", "Test case", "Event ID"})
			for _, e := range events {
				testCase := ""
				if p, ok := e.Event.Payload.(map[string]any); ok {
					testCase, _ = p["test_case"].(string)
				}
				tw.AppendRow(table.Row{e.Timestamp.UTC().Format(time.RFC3339), e.Topic, testCase, e.Event.ID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Duration("since", 24*time.Hour, "show events newer than this")
	cmd.Flags().Int("limit", 0, "maximum number of events (0 = no limit)")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <test>",
		Short: "Show rank-1 score history recorded in Redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryID, _ := cmd.Flags().GetString("query")
			since, _ := cmd.Flags().GetDuration("since")
			clearAll, _ := cmd.Flags().GetBool("clear")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.history == nil {
				return apperrors.New(apperrors.CodeUnavailable, "run history is not available (set RAG_BENCH_REDIS_URL)")
			}

			ctx := cmd.Context()
			name := args[0]

			if clearAll {
				if err := a.history.DeleteTestCase(ctx, name); err != nil {
					return apperrors.Wrap(apperrors.CodeUnavailable, "failed to clear history", err)
				}
				fmt.Fprintf(a.out, "%s: history cleared\n", name)
				return nil
			}

			ids := []string{queryID}
			if !cmd.Flags().Changed("query") {
				ids, err = a.history.Queries(ctx, name)
				if err != nil {
					return apperrors.Wrap(apperrors.CodeUnavailable, "failed to list history", err)
				}
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(a.out)
			tw.SetTitle(name)
			tw.AppendHeader(table.Row{"Query", "Run", "Rank 1", "Score", "Hits"})
			for _, id := range ids {
				points, err := a.history.History(ctx, name, id, time.Now().Add(-since))
				if err != nil {
					return apperrors.Wrap(apperrors.CodeUnavailable, "failed to load history", err)
				}
				for _, p := range points {
					score := "-"
					if p.Rank1Score != nil {
						score = evaluation.FormatScore(*p.Rank1Score)
					}
					tw.AppendRow(table.Row{id, p.RunID, p.Rank1CorpusPath, score, p.Hits})
				}
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().String("query", "", "only show this query id")
	cmd.Flags().Duration("since", 30*24*time.Hour, "show points newer than this")
	cmd.Flags().Bool("clear", false, "delete all history for the test case")
	return cmd
}
