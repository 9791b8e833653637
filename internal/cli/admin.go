package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/storage"
)

func buildCursorCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Get or set a production cursor",
	}

	var get cursorFlags

	getCmd := &cobra.Command{
		Use:   "get DSTTYPE",
		Short: "Print the cursor of a production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), g, func(ctx context.Context, s *session) error {
				run, err := s.cursors.Get(ctx, get.key(args[0]))
				if err != nil {
					return err
				}

				_, err = fmt.Fprintln(cmd.OutOrStdout(), run)

				return err
			})
		},
	}
	get.register(getCmd, true)

	var set cursorFlags

	setCmd := &cobra.Command{
		Use:   "set DSTTYPE RUN",
		Short: "Move the cursor of a production to RUN",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := strconv.Atoi(args[1])
			if err != nil || run < 0 {
				return fmt.Errorf("%w: run %q", ErrUsage, args[1])
			}

			return withSession(cmd.Context(), g, func(ctx context.Context, s *session) error {
				return s.cursors.Set(ctx, set.key(args[0]), run)
			})
		},
	}
	set.register(setCmd, true)

	cmd.AddCommand(getCmd, setCmd)

	return cmd
}

func buildStatusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status DSTNAME RUN [SEGMENT]",
		Short: "Show the newest status row of one output",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := atois(args[1:])
			if err != nil {
				return err
			}

			segment := 0
			if len(nums) == 2 {
				segment = nums[1]
			}

			return withSession(cmd.Context(), g, func(ctx context.Context, s *session) error {
				st, err := s.status.LatestStatus(ctx, args[0], nums[0], segment)
				if err != nil {
					return err
				}

				return printStatus(cmd.OutOrStdout(), st)
			})
		},
	}
}

func printStatus(out io.Writer, st *storage.ProductionStatus) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "id\t%d\n", st.ID)
	fmt.Fprintf(w, "dstfile\t%s\n", st.DstFile)
	fmt.Fprintf(w, "status\t%s\n", st.Status)
	fmt.Fprintf(w, "job\t%d.%d\n", st.Cluster, st.Process)
	fmt.Fprintf(w, "host\t%s\n", st.SubmissionHost)

	for _, ts := range []struct {
		name string
		at   *time.Time
	}{
		{"submitting", st.Submitting},
		{"submitted", st.Submitted},
		{"started", st.Started},
		{"running", st.Running},
		{"ended", st.Ended},
	} {
		if ts.at != nil {
			fmt.Fprintf(w, "%s\t%s\n", ts.name, ts.at.UTC().Format(time.RFC3339))
		}
	}

	if st.Message != "" {
		fmt.Fprintf(w, "message\t%s\n", st.Message)
	}

	return w.Flush()
}

type unblockFlags struct {
	runs   []string
	states []string
}

func buildUnblockCommand(g *globalFlags) *cobra.Command {
	f := &unblockFlags{}

	cmd := &cobra.Command{
		Use:     "unblock DSTNAME",
		Short:   "Delete status rows in the given states so their outputs can be resubmitted",
		Example: `  slurp unblock DST_CALO_run2pp_ana464_2024p011 --runs 54000,54100 --state failed,evicted`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnblock(cmd.Context(), cmd.OutOrStdout(), g, f, args[0])
		},
	}

	cmd.Flags().StringSliceVar(&f.runs, "runs", nil, "one run or an inclusive run range")
	cmd.Flags().StringSliceVar(&f.states, "state", nil, "statuses to delete")
	_ = cmd.MarkFlagRequired("runs")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

func runUnblock(ctx context.Context, out io.Writer, g *globalFlags, f *unblockFlags, dstName string) error {
	first, last, err := runRange(splitArgs(f.runs))
	if err != nil {
		return err
	}

	states, err := orchestrator.ParseStatuses(splitArgs(f.states))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	return withSession(ctx, g, func(ctx context.Context, s *session) error {
		if !s.oc.Batch {
			ok, err := s.oc.Prompter.Confirm(ctx,
				fmt.Sprintf("Delete %v rows of %s in runs %d-%d?", states, dstName, first, last))
			if err != nil {
				return err
			}

			if !ok {
				return ErrAborted
			}
		}

		n, err := s.status.Unblock(ctx, dstName, states, first, last)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "deleted %d rows\n", n)

		return err
	})
}

type invalidRunFlags struct {
	runs     []string
	segments []string
	reason   string
	until    string
}

func buildInvalidRunCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalid-run",
		Short: "Manage runs excluded from production",
	}

	f := &invalidRunFlags{}

	addCmd := &cobra.Command{
		Use:   "add DSTNAME",
		Short: "Exclude a run range (DSTNAME ALL applies to every production)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := f.entry(args[0])
			if err != nil {
				return err
			}

			return withSession(cmd.Context(), g, func(ctx context.Context, s *session) error {
				id, err := s.invalid.Add(ctx, entry)
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "added invalid run entry %d\n", id)

				return err
			})
		},
	}

	addCmd.Flags().StringSliceVar(&f.runs, "runs", nil, "one run or an inclusive run range")
	addCmd.Flags().StringSliceVar(&f.segments, "segments", nil, "one segment or an inclusive range (default all)")
	addCmd.Flags().StringVar(&f.reason, "reason", "", "why the runs are excluded")
	addCmd.Flags().StringVar(&f.until, "until", "", "RFC 3339 time the exclusion expires (default never)")
	_ = addCmd.MarkFlagRequired("runs")

	listCmd := &cobra.Command{
		Use:   "list DSTNAME",
		Short: "List the exclusions in force for a production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), g, func(ctx context.Context, s *session) error {
				entries, err := s.invalid.Active(ctx, args[0], s.oc.Now())
				if err != nil {
					return err
				}

				return printInvalidRuns(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd)

	return cmd
}

const maxSegment = 99999

func (f *invalidRunFlags) entry(dstName string) (storage.InvalidRun, error) {
	first, last, err := runRange(splitArgs(f.runs))
	if err != nil {
		return storage.InvalidRun{}, err
	}

	entry := storage.InvalidRun{DstName: dstName, FirstRun: first, LastRun: last, LastSeg: maxSegment, Reason: f.reason}

	if len(f.segments) > 0 {
		entry.FirstSeg, entry.LastSeg, err = runRange(splitArgs(f.segments))
		if err != nil {
			return storage.InvalidRun{}, err
		}
	}

	if f.until != "" {
		until, err := time.Parse(time.RFC3339, f.until)
		if err != nil {
			return storage.InvalidRun{}, fmt.Errorf("%w: --until: %w", ErrUsage, err)
		}

		entry.ExpiresAt = &until
	}

	return entry, nil
}

func printInvalidRuns(out io.Writer, entries []storage.InvalidRun) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDSTNAME\tRUNS\tSEGMENTS\tEXPIRES\tREASON")

	for _, e := range entries {
		expires := "-"
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.UTC().Format(time.RFC3339)
		}

		runs := fmt.Sprintf("%d-%d", e.FirstRun, e.LastRun)
		if e.LastRun == storage.OpenRange {
			runs = fmt.Sprintf("%d-", e.FirstRun)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d-%d\t%s\t%s\n",
			e.ID, e.DstName, runs, e.FirstSeg, e.LastSeg, expires, e.Reason)
	}

	return w.Flush()
}

// runRange parses one value or an inclusive pair.
func runRange(args []string) (int, int, error) {
	nums, err := atois(args)
	if err != nil {
		return 0, 0, err
	}

	switch len(nums) {
	case 1:
		return nums[0], nums[0], nil
	case 2:
		if nums[0] > nums[1] {
			return 0, 0, fmt.Errorf("%w: range %d > %d", ErrUsage, nums[0], nums[1])
		}

		return nums[0], nums[1], nil
	default:
		return 0, 0, fmt.Errorf("%w: expected one value or a range, got %d values", ErrUsage, len(nums))
	}
}

func atois(args []string) ([]int, error) {
	out := make([]int, len(args))

	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q is not a run or segment number", ErrUsage, a)
		}

		out[i] = n
	}

	return out, nil
}

// withSession runs fn with an open session and closes it afterwards.
func withSession(ctx context.Context, g *globalFlags, fn func(context.Context, *session) error) (err error) {
	s, err := openSession(ctx, g)
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, s.Close(ctx)) }()

	return fn(ctx, s)
}
