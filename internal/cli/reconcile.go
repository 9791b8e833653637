package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sphenix-prod/slurp/internal/reconcile"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/storage"
)

type reconcileFlags struct {
	removeHeld    bool
	advanceCursor bool
	ratchetCursor bool
	cursor        cursorFlags
}

func buildReconcileCommand(g *globalFlags) *cobra.Command {
	f := &reconcileFlags{}

	cmd := &cobra.Command{
		Use:   "reconcile PATTERN",
		Short: "Record held jobs of the productions matching PATTERN",
		Long: `Query the scheduler for running and held jobs whose dst type starts with PATTERN,
move the status rows of held jobs to "held", and optionally remove the held jobs and
move the production cursor. The cursor dst type defaults to PATTERN.`,
		Example: `  slurp reconcile DST_CALO_run2pp --remove-held
  slurp reconcile DST_CALO_run2pp --advance-cursor --build ana464 --dbtag 2024p011`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), g, f, args[0])
		},
	}

	cmd.Flags().BoolVar(&f.removeHeld, "remove-held", false, "remove held jobs from the queue after recording them")
	cmd.Flags().BoolVar(&f.advanceCursor, "advance-cursor", false, "move the cursor to the oldest running run")
	cmd.Flags().BoolVar(&f.ratchetCursor, "ratchet-cursor", false, "move the cursor forward to the newest submitted run")
	f.cursor.register(cmd, false)
	cmd.MarkFlagsMutuallyExclusive("advance-cursor", "ratchet-cursor")

	return cmd
}

func runReconcile(ctx context.Context, out io.Writer, g *globalFlags, f *reconcileFlags, pattern string) (err error) {
	s, err := openSession(ctx, g)
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, s.Close(ctx)) }()

	opts := reconcile.Options{RemoveHeld: f.removeHeld, AdvanceCursor: f.advanceCursor, RatchetCursor: f.ratchetCursor}
	if f.advanceCursor || f.ratchetCursor {
		opts.Cursor = f.cursor.key(pattern)
	}

	condor := scheduler.NewCondor(scheduler.LoadConfig(), scheduler.WithCondorLogger(s.oc.Logger))

	rec := reconcile.New(s.oc, condor, s.status, s.cursors,
		reconcile.WithPublisher(s.publisher),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithThrottle(reconcile.NewThrottle(reconcile.LoadThrottleConfig())))

	report, err := rec.Reconcile(ctx, pattern, opts)
	if report != nil {
		printReport(out, pattern, report)
	}

	return err
}

func printReport(out io.Writer, pattern string, r *reconcile.Report) {
	fmt.Fprintf(out, "%s: %d running, %d held, %d rows updated, %d removed\n",
		pattern, r.Running, r.Held, r.Updated, r.Removed)

	if len(r.RunningRuns) > 0 {
		fmt.Fprintf(out, "running runs: %v\n", r.RunningRuns)
	}

	if r.Cursor != nil {
		fmt.Fprintf(out, "cursor -> %d\n", *r.Cursor)
	}
}

// cursorFlags identify a production cursor besides its dst type.
type cursorFlags struct {
	build   string
	dbtag   string
	version string
}

func (c *cursorFlags) register(cmd *cobra.Command, required bool) {
	cmd.Flags().StringVar(&c.build, "build", "", "build without dots, e.g. ana464")
	cmd.Flags().StringVar(&c.dbtag, "dbtag", "", "database tag, e.g. 2024p011")
	cmd.Flags().StringVar(&c.version, "dst-version", "", "output version, e.g. v001")

	if required {
		_ = cmd.MarkFlagRequired("build")
		_ = cmd.MarkFlagRequired("dbtag")
	}
}

func (c *cursorFlags) key(dstType string) storage.CursorKey {
	return storage.CursorKey{DstType: dstType, Build: c.build, DBTag: c.dbtag, Version: c.version}
}
