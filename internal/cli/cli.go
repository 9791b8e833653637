// Package cli is the slurp command line: submit a workflow rule, reconcile the scheduler
// with the status table, and inspect or correct production bookkeeping.
//
// Commands:
//
//	slurp submit      match a rule against the catalogs and dispatch the jobs
//	slurp reconcile   record held jobs, optionally remove them and move the cursor
//	slurp cursor      get or set a production cursor
//	slurp status      show the newest status row of one output
//	slurp unblock     delete status rows that block resubmission
//	slurp invalid-run add or list run exclusions
//
// Connections and toggles come from the environment (DATABASE_URL, CATALOG_DATABASE_URL,
// CONDOR_*, KAFKA_*, PUSHGATEWAY_*, SLURP_BATCH, SLURP_TESTBED, LOG_LEVEL).
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sphenix-prod/slurp/internal/events"
	"github.com/sphenix-prod/slurp/internal/metrics"
	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/storage"
)

// Version is stamped at build time.
var Version = "0.1.0-dev"

var (
	// ErrUsage is returned for arguments cobra accepts but the command cannot use.
	ErrUsage = errors.New("invalid arguments")

	// ErrAborted is returned when the operator declines a confirmation.
	ErrAborted = errors.New("aborted by operator")
)

// globalFlags are shared by every command.
type globalFlags struct {
	batch   bool
	testbed bool
	unblock []string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "slurp",
		Short: "slurp: sPHENIX DST production submission",
		Long: `slurp matches workflow rules against the file catalog, records every dispatched
job in the production status table and submits the jobs to HTCondor.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&g.batch, "batch", false, "never prompt; warnings replace confirmations")
	rootCmd.PersistentFlags().BoolVar(&g.testbed, "testbed", false, "relax reproducibility checks and mangle directories")
	rootCmd.PersistentFlags().StringSliceVarP(&g.unblock, "unblock-state", "u", nil,
		"statuses that no longer block submission (submitting always blocks)")

	rootCmd.AddCommand(buildSubmitCommand(g))
	rootCmd.AddCommand(buildReconcileCommand(g))
	rootCmd.AddCommand(buildCursorCommand(g))
	rootCmd.AddCommand(buildStatusCommand(g))
	rootCmd.AddCommand(buildUnblockCommand(g))
	rootCmd.AddCommand(buildInvalidRunCommand(g))

	return rootCmd
}

// Execute runs the root command and reports a failure on stderr.
func Execute(ctx context.Context, args []string) int {
	cmd := BuildCLI()
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "slurp: %v\n", err)

		return 1
	}

	return 0
}

// orchestratorContext builds the invocation context from the environment and flags.
func (g *globalFlags) orchestratorContext(opts ...orchestrator.Option) (*orchestrator.Context, error) {
	states, err := orchestrator.ParseStatuses(g.unblock)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	base := []orchestrator.Option{orchestrator.WithBlocking(orchestrator.DefaultBlocking().Unblock(states...))}
	if g.batch {
		base = append(base, orchestrator.WithBatch(true))
	}

	if g.testbed {
		base = append(base, orchestrator.WithTestbed(true))
	}

	return orchestrator.FromEnv(append(base, opts...)...), nil
}

// session holds the connections of one invocation.
type session struct {
	oc        *orchestrator.Context
	conn      *storage.Connection
	status    *storage.StatusStore
	cursors   *storage.CursorStore
	invalid   *storage.InvalidRunStore
	setups    *storage.SetupStore
	publisher events.Publisher
	metrics   *metrics.Collector
}

func openSession(ctx context.Context, g *globalFlags) (*session, error) {
	oc, err := g.orchestratorContext()
	if err != nil {
		return nil, err
	}

	cfg := storage.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("status database: %w", err)
	}

	conn, err := storage.Open(ctx, cfg, oc.Logger)
	if err != nil {
		return nil, err
	}

	s := &session{oc: oc, conn: conn, metrics: metrics.NewCollector()}

	s.status, err = storage.NewStatusStore(conn,
		storage.WithSubmissionHost(oc.Host),
		storage.WithStatusLogger(oc.Logger))
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	s.cursors, err = storage.NewCursorStore(conn, oc.Logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	if s.invalid, err = storage.NewInvalidRunStore(conn); err != nil {
		_ = conn.Close()

		return nil, err
	}

	if s.setups, err = storage.NewSetupStore(conn); err != nil {
		_ = conn.Close()

		return nil, err
	}

	s.publisher = events.FromEnv(oc.Logger)

	oc.Logger.Debug("Opened status database", slog.String("database", cfg.MaskDatabaseURL()))

	return s, nil
}

// Close pushes metrics and releases every connection.
func (s *session) Close(ctx context.Context) error {
	s.metrics.PushIfEnabled(ctx, metrics.LoadConfig(), s.oc.Host, s.oc.Logger)

	return errors.Join(s.publisher.Close(), s.conn.Close())
}
