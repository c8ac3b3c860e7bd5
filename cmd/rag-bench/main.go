// Package main provides the rag-bench CLI: seed test cases into a retrieval
// pipeline, run their query fixtures, and record the results.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ricesearch/rag-bench/internal/bus"
	"github.com/ricesearch/rag-bench/internal/client"
	"github.com/ricesearch/rag-bench/internal/config"
	"github.com/ricesearch/rag-bench/internal/history"
	apperrors "github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/logger"
	"github.com/ricesearch/rag-bench/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usageLine = "<seed|query|run> [test1 ...] | --all"

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rag-bench",
		Short: "Benchmark harness for a RAG retrieval pipeline",
		Long: `rag-bench seeds named test cases into a retrieval pipeline, runs their
query fixtures, and writes reproducible run artifacts.

Usage: rag-bench ` + usageLine + `

Each test case lives in test-cases/<name>/ with config.json and
queries/queries.json. Seeding records uploaded document ids in
state/corpus_used.json; each query run writes runs/<UTC timestamp>/.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return apperrors.UsageError(fmt.Sprintf("unknown command %q; usage: %s", args[0], usageLine))
			}
			return apperrors.UsageError("usage: " + usageLine)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.UsageError(err.Error())
	})

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		benchCmd("seed", "Upload each test case's corpus once and record document ids", stageSeed),
		benchCmd("query", "Run each seeded test case's queries and write run artifacts", stageQuery),
		benchCmd("run", "Seed, then query, every selected test case", stageRun),
		statusCmd(),
		eventsCmd(),
		historyCmd(),
		versionCmd(),
	)

	return rootCmd
}

type stage int

const (
	stageSeed stage = iota
	stageQuery
	stageRun
)

func benchCmd(name, short string, st stage) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " [test ...]",
		Short: short,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			names, err := runner.ResolveTestCases(a.cfg.TestCasesRoot(), args, all)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var outcomes []*runner.Outcome
			switch st {
			case stageSeed:
				outcomes, err = a.runner.SeedAll(ctx, names)
			case stageQuery:
				outcomes, err = a.runner.QueryAll(ctx, names)
			default:
				outcomes, err = a.runner.RunAll(ctx, names)
			}

			if perr := a.printOutcomes(outcomes); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().Bool("all", false, "operate on every test case directory")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rag-bench %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// app holds everything a command needs, built once from configuration.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	bus     bus.Bus
	history *history.RedisStore
	runner  *runner.Runner
	out     io.Writer
	format  string
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	format, _ := cmd.Flags().GetString("format")

	if format != "text" && format != "json" {
		return nil, apperrors.UsageError(fmt.Sprintf("invalid --format %q (must be text or json)", format))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.Log.Level
	if verbose {
		logLevel = "debug"
	}
	log := logger.New(logLevel, cfg.Log.Format)

	eventBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	if cfg.Bus.Type == "memory" {
		subscribeDebug(cmd.Context(), eventBus, log)
	}

	pipeline := client.New(client.Config{
		BaseURL:       cfg.Pipeline.URL,
		UploadTimeout: cfg.Pipeline.UploadTimeout,
		QueryTimeout:  cfg.Pipeline.QueryTimeout,
		RateLimit:     cfg.Pipeline.RateLimit,
		Logger:        log,
	})

	r := runner.New(runner.Config{
		RepoRoot:         cfg.Bench.RepoRoot,
		TestCasesRoot:    cfg.TestCasesRoot(),
		MaxDocumentBytes: cfg.Bench.MaxDocumentBytes,
		CorrelationID:    uuid.NewString(),
	}, pipeline, eventBus, log)

	a := &app{
		cfg:    cfg,
		log:    log,
		bus:    eventBus,
		runner: r,
		out:    cmd.OutOrStdout(),
		format: format,
	}

	if cfg.HistoryEnabled() {
		store, err := history.NewRedisStore(cfg.History.RedisURL)
		if err != nil {
			log.Warn("Run history disabled", "error", err.Error())
		} else {
			store.SetPrefix(cfg.History.KeyPrefix)
			store.SetRetention(cfg.History.Retention)
			a.history = store
			r.SetHistory(store)
		}
	}

	log.Debug("Configured",
		"pipeline", pipeline.BaseURL(),
		"repo_root", cfg.Bench.RepoRoot,
		"test_cases", cfg.TestCasesRoot(),
		"bus", cfg.Bus.Type,
		"history", a.history != nil,
	)

	return a, nil
}

// subscribeDebug logs every lifecycle event at debug level. A failed
// subscription is logged and otherwise ignored.
func subscribeDebug(ctx context.Context, b bus.Bus, log *logger.Logger) {
	for _, topic := range bus.Topics {
		err := b.Subscribe(ctx, topic, func(ctx context.Context, event bus.Event) error {
			log.Debug("Event", "topic", event.Type, "id", event.ID, "correlation_id", event.CorrelationID)
			return nil
		})
		if err != nil {
			log.Warn("Failed to subscribe event logger", "topic", topic, "error", err.Error())
		}
	}
}

// Close releases the bus and history connections.
func (a *app) Close() {
	if err := a.bus.Close(); err != nil {
		a.log.Warn("Failed to close event bus", "error", err.Error())
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("Failed to close history store", "error", err.Error())
		}
	}
}
