package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sphenix-prod/slurp/internal/catalog"
	"github.com/sphenix-prod/slurp/internal/matcher"
	"github.com/sphenix-prod/slurp/internal/reconcile"
	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/setup"
	"github.com/sphenix-prod/slurp/internal/storage"
	"github.com/sphenix-prod/slurp/internal/submission"
)

type submitFlags struct {
	config        string
	rule          string
	runs          []string
	segments      []string
	limit         int
	maxJobs       int
	resubmit      bool
	dump          string
	mode          string
	dbtag         string
	mem           string
	disk          string
	nevents       int
	neventsPer    int
	advanceCursor bool
	ratchetCursor bool
}

func buildSubmitCommand(g *globalFlags) *cobra.Command {
	f := &submitFlags{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Match a workflow rule and submit its jobs",
		Long: `Match a workflow rule against the file catalog and submit one job per new output.

--runs takes one run, two runs (an inclusive range), three or more runs (a list), or
"cursor" optionally followed by a window width, comma or space separated. Without --runs
the production cursor is used. --segments follows the same shape.`,
		Example: `  slurp submit --config run3auau.yaml --rule DST_CALOFITTING_run3auau --runs 54000,54100
  slurp submit --config run3auau.yaml --rule DST_CALOFITTING_run3auau --runs cursor,50 --ratchet-cursor --batch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), g, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "", "workflow YAML file")
	flags.StringVar(&f.rule, "rule", "", "rule in the workflow file")
	flags.StringSliceVar(&f.runs, "runs", nil, "runs: one, an inclusive range, a list, or cursor [window]")
	flags.StringSliceVar(&f.segments, "segments", nil, "segments: one, an inclusive range or a list")
	flags.IntVar(&f.limit, "limit", 0, "limit on catalog rows (0 for none)")
	flags.IntVar(&f.maxJobs, "maxjobs", 0, "maximum number of jobs to submit (0 for all)")
	flags.BoolVarP(&f.resubmit, "resubmit", "r", false, "overwrite existing outputs and replace prior status rows")
	flags.StringVar(&f.dump, "dump", "", "write submit.job and submit.in to this directory instead of submitting")
	flags.StringVar(&f.mode, "experiment-mode", "physics", "experiment mode for direct input paths")
	flags.StringVar(&f.dbtag, "dbtag", "", "override the rule's database tag")
	flags.StringVar(&f.mem, "mem", "", "override the memory request")
	flags.StringVar(&f.disk, "disk", "", "override the disk request")
	flags.IntVarP(&f.nevents, "nevents", "n", 0, "events per job (0 for all)")
	flags.IntVar(&f.neventsPer, "neventsper", 0, "override events per input segment")
	flags.BoolVar(&f.advanceCursor, "advance-cursor", false, "move the cursor to the oldest running run after submitting")
	flags.BoolVar(&f.ratchetCursor, "ratchet-cursor", false, "move the cursor forward to the newest submitted run")

	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("rule")
	cmd.MarkFlagsMutuallyExclusive("advance-cursor", "ratchet-cursor")

	return cmd
}

// loadOptions translates the flags into workflow rendering options.
func (f *submitFlags) loadOptions(mangle string, cursor rule.CursorFunc) (rule.LoadOptions, error) {
	runs, err := rule.ParseRunSelection(splitArgs(f.runs))
	if err != nil {
		return rule.LoadOptions{}, err
	}

	segments, err := rule.ParseSegmentSelection(splitArgs(f.segments))
	if err != nil {
		return rule.LoadOptions{}, err
	}

	pwd, _ := os.Getwd()

	return rule.LoadOptions{
		Runs:       runs,
		Segments:   segments,
		Limit:      f.limit,
		Cursor:     cursor,
		Mode:       f.mode,
		Mangle:     mangle,
		PWD:        pwd,
		Resubmit:   f.resubmit,
		DBTag:      f.dbtag,
		Mem:        f.mem,
		NEventsPer: f.neventsPer,
	}, nil
}

// splitArgs also accepts space separated values inside one flag.
func splitArgs(values []string) []string {
	var out []string

	for _, v := range values {
		out = append(out, strings.Fields(v)...)
	}

	return out
}

func runSubmit(ctx context.Context, out io.Writer, g *globalFlags, f *submitFlags) (err error) {
	s, err := openSession(ctx, g)
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, s.Close(ctx)) }()

	opts, err := f.loadOptions(s.oc.Mangle(), cursorLookup(s.cursors, s.oc.Logger))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	r, err := rule.LoadFile(ctx, f.config, f.rule, opts)
	if err != nil {
		return err
	}

	catalogs := catalog.LoadRegistry(s.oc.Logger)
	defer func() { _ = catalogs.Close() }()

	m := matcher.New(s.oc, catalogs, s.status, setup.NewRegistry(s.setups, setup.WithLogger(s.oc.Logger)),
		matcher.WithInvalidRuns(s.invalid))

	coordinatorOpts := []submission.Option{submission.WithPublisher(s.publisher), submission.WithMetrics(s.metrics)}
	if f.dump != "" {
		coordinatorOpts = append(coordinatorOpts, submission.WithDump(f.dump))
	}

	condor := scheduler.NewCondor(scheduler.LoadConfig(), scheduler.WithCondorLogger(s.oc.Logger))

	dispatched, err := submission.New(s.oc, m, submission.NewStore(s.status), condor, coordinatorOpts...).
		Submit(ctx, r, f.maxJobs, rule.MatchOptions{Mem: f.mem, Disk: f.disk, NEvents: f.nevents})
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	if err := printDispatched(out, dispatched); err != nil {
		return err
	}

	if f.dump != "" || (!f.advanceCursor && !f.ratchetCursor) {
		return nil
	}

	return moveCursorAfterSubmit(ctx, out, s, condor, r, f, dispatched)
}

func moveCursorAfterSubmit(
	ctx context.Context,
	out io.Writer,
	s *session,
	sched scheduler.Scheduler,
	r rule.Rule,
	f *submitFlags,
	dispatched []submission.Dispatched,
) error {
	runs := make([]int, 0, len(dispatched))
	for _, d := range dispatched {
		runs = append(runs, d.Run)
	}

	rec := reconcile.New(s.oc, sched, s.status, s.cursors,
		reconcile.WithPublisher(s.publisher),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithThrottle(reconcile.NewThrottle(reconcile.LoadThrottleConfig())))

	report, err := rec.Reconcile(ctx, productionPattern(r.Name()), reconcile.Options{
		AdvanceCursor: f.advanceCursor,
		RatchetCursor: f.ratchetCursor,
		Cursor:        cursorKey(r),
		Submitted:     runs,
	})
	if err != nil {
		return fmt.Errorf("rule %s: cursor: %w", r.Name(), err)
	}

	if report.Cursor != nil {
		fmt.Fprintf(out, "cursor %s -> %d\n", r.Name(), *report.Cursor)
	}

	return nil
}

// productionPattern matches every dst type the rule produces, whatever its stream.
func productionPattern(name string) string {
	prefix, _, _ := strings.Cut(name, rule.StreamPlaceholder)

	return regexp.QuoteMeta(prefix)
}

func cursorKey(r rule.Rule) storage.CursorKey {
	return storage.CursorKey{DstType: r.Name(), Build: r.Build(), DBTag: r.DBTag(), Version: r.Version()}
}

type cursorGetter interface {
	Get(ctx context.Context, key storage.CursorKey) (int, error)
}

// cursorLookup resolves the "cursor" run selection through the cursor store.
// A production without a cursor starts from run 0.
func cursorLookup(cursors cursorGetter, logger *slog.Logger) rule.CursorFunc {
	return func(ctx context.Context, dstType, build, dbtag, version string) (int, error) {
		key := storage.CursorKey{DstType: dstType, Build: build, DBTag: dbtag, Version: version}

		run, err := cursors.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("No cursor recorded, selecting runs from 0",
				slog.String("dsttype", dstType),
				slog.String("build", build),
				slog.String("dbtag", dbtag))

			return 0, nil
		}

		return run, err
	}
}

func printDispatched(out io.Writer, dispatched []submission.Dispatched) error {
	if len(dispatched) == 0 {
		_, err := fmt.Fprintln(out, "no jobs submitted")

		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSEGMENT\tSTATUS ID\tJOB\tOUTPUT")

	for _, d := range dispatched {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d.%d\t%s\n", d.Run, d.Segment, d.StatusID, d.Cluster, d.Process, d.DstFile)
	}

	return w.Flush()
}
