package reconcile

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/storage"
	"github.com/sphenix-prod/slurp/internal/submission"
)

var heldAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStatus struct {
	held    []storage.HeldUpdate
	jobs    map[[2]int][]int // cluster.process -> row ids
	running []int
	exprs   []string
}

func (f *fakeStatus) MarkHeld(_ context.Context, updates []storage.HeldUpdate) (int64, error) {
	f.held = append(f.held, updates...)

	return int64(len(updates)), nil
}

func (f *fakeStatus) IDByJob(_ context.Context, cluster, process int) (int, error) {
	switch ids := f.jobs[[2]int{cluster, process}]; len(ids) {
	case 0:
		return 0, storage.ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return 0, storage.ErrAmbiguousJob
	}
}

func (f *fakeStatus) RunningRuns(_ context.Context, expr string) ([]int, error) {
	f.exprs = append(f.exprs, expr)

	return f.running, nil
}

type fakeCursors struct {
	run  int
	set  []int
	none bool
}

func (f *fakeCursors) Get(context.Context, storage.CursorKey) (int, error) {
	if f.none {
		return 0, storage.ErrNotFound
	}

	return f.run, nil
}

func (f *fakeCursors) Set(_ context.Context, _ storage.CursorKey, run int) error {
	f.set = append(f.set, run)
	f.run = run
	f.none = false

	return nil
}

// submitJobs queues one job per run with status ids firstID, firstID+1 and so on.
func submitJobs(t *testing.T, sched *scheduler.Memory, name string, firstID int, runs ...int) {
	t.Helper()

	r, err := rule.New(rule.Params{
		Name: name, Script: "run.sh", Build: "ana.464", DBTag: "2024p011",
		Input: rule.Input{Query: "select 1"},
		Filesystem: rule.Filesystem{
			Outdir: "/out", Logdir: "/log", Histdir: "/hist", Condor: "/condor",
		},
	})
	require.NoError(t, err)

	items := make([]scheduler.Item, len(runs))

	for i, run := range runs {
		m := rule.NewMatch(r, rule.Candidate{Run: run}, []string{"/physics/in.root"}, rule.MatchOptions{})
		items[i] = submission.Item(m, submission.DirectoriesFor(r.Filesystem(), m), firstID+i)
	}

	_, err = sched.Submit(context.Background(), submission.Description(r, uuid.New()), items)
	require.NoError(t, err)
}

func newReconciler(sched scheduler.Scheduler, status StatusStore, cursors CursorStore) *Reconciler {
	oc := orchestrator.New(orchestrator.WithLogger(discardLogger()), orchestrator.WithPrompter(orchestrator.Static(false)))

	return New(oc, sched, status, cursors, WithThrottle(NewThrottle(ThrottleConfig{})))
}

func TestReconcileHeld(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	sched := scheduler.NewMemory(500)
	sched.Now = func() time.Time { return heldAt }

	submitJobs(t, sched, "DST_CALO_run2pp", 10, 100, 101, 102)
	submitJobs(t, sched, "DST_TRKR_run2pp", 20, 100)

	sched.SetStatus(500, 0, scheduler.JobRunning, "")
	sched.SetStatus(500, 1, scheduler.JobHeld, "Job exceeded memory 'limit'")
	sched.SetStatus(501, 0, scheduler.JobHeld, "other production")

	status := &fakeStatus{}

	report, err := newReconciler(sched, status, &fakeCursors{}).Reconcile(ctx, "DST_CALO", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Running)
	assert.Equal(t, 1, report.Held)
	assert.Equal(t, int64(1), report.Updated)
	assert.Equal(t, []int{100}, report.RunningRuns)
	assert.Nil(t, report.Cursor)

	require.Len(t, status.held, 1)
	assert.Equal(t, 11, status.held[0].ID)
	assert.Equal(t, "Job exceeded memory  limit  $", status.held[0].Message)
	assert.Equal(t, heldAt, status.held[0].Ended)

	assert.Equal(t, 4, sched.Jobs(), "nothing removed without the option")
}

func TestReconcileRemoveHeld(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sched := scheduler.NewMemory(500)
	submitJobs(t, sched, "DST_CALO_run2pp", 10, 100, 101)
	sched.SetStatus(500, 0, scheduler.JobHeld, "")
	sched.SetStatus(500, 1, scheduler.JobHeld, "disk")

	status := &fakeStatus{}

	report, err := newReconciler(sched, status, &fakeCursors{}).Reconcile(context.Background(), "DST_CALO_run2pp", Options{RemoveHeld: true})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Removed)
	assert.Zero(t, sched.Jobs())
	assert.Equal(t, "unknown $", status.held[0].Message)

	actions := sched.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "ClusterId == 500 && ProcId == 1", actions[1].Constraint)
}

func TestReconcileWithoutStatusID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	held := func(cluster, proc int, userLog string) scheduler.Ad {
		return scheduler.Ad{
			"ClusterId": cluster, "ProcId": proc, "JobStatus": scheduler.JobHeld, "HoldReason": "evicted",
			"EnteredCurrentStatus": heldAt.Unix(), submission.AttrRun: 100, submission.AttrSegment: 3,
			"UserLog": userLog,
		}
	}

	const userLog = "/condor/DST_CALO_run2pp_ana464_2024p011-00000100-00003.condor"

	sched := &staticScheduler{ads: []scheduler.Ad{
		held(9, 0, userLog),
		held(9, 1, "/condor/garbage.log"),
		held(9, 2, userLog),
		held(12, 0, userLog),
	}}

	// Rows 77 to 79 and a newer resubmission, row 88, all write the same output file.
	// Only the row that recorded job 9.0 may be marked.
	status := &fakeStatus{
		jobs: map[[2]int][]int{
			{9, 0}:  {77},
			{9, 2}:  {78, 79},
			{14, 0}: {88},
		},
	}

	report, err := newReconciler(sched, status, &fakeCursors{}).Reconcile(context.Background(), "DST_CALO", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Held)
	require.Len(t, status.held, 1)
	assert.Equal(t, 77, status.held[0].ID)

	for _, u := range status.held {
		assert.NotEqual(t, 88, u.ID, "the newest row of the output file is never marked")
	}
}

type staticScheduler struct {
	ads []scheduler.Ad
}

func (s *staticScheduler) Submit(context.Context, rule.JobTemplate, []scheduler.Item) (int, error) {
	return 0, scheduler.ErrSubmitFailed
}

func (s *staticScheduler) Query(context.Context, string, []string) ([]scheduler.Ad, error) {
	return s.ads, nil
}

func (s *staticScheduler) Act(context.Context, scheduler.Action, string) error {
	return nil
}

func TestReconcileCursor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key := storage.CursorKey{DstType: "DST_CALO_run2pp", Build: "ana464", DBTag: "2024p011"}

	tests := []struct {
		name    string
		running []int // runs with a running job
		opts    Options
		rows    []int
		cursor  int
		want    []int
	}{
		{name: "AdvanceSticksToOldestRunning", running: []int{105, 103}, opts: Options{AdvanceCursor: true, Submitted: []int{110}}, cursor: 100, want: []int{103}},
		{name: "AdvanceWithoutRunningUsesSubmitted", opts: Options{AdvanceCursor: true, Submitted: []int{108, 110}}, cursor: 100, want: []int{110}},
		{name: "RatchetForward", running: []int{103}, opts: Options{RatchetCursor: true, Submitted: []int{110}}, cursor: 100, want: []int{110}},
		{name: "RatchetNeverBackward", opts: Options{RatchetCursor: true, Submitted: []int{90}}, cursor: 100},
		{name: "RatchetFromStatusRows", opts: Options{RatchetCursor: true}, rows: []int{101, 107}, cursor: 100, want: []int{107}},
		{name: "NothingToMoveTo", opts: Options{AdvanceCursor: true}, cursor: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := scheduler.NewMemory(1)
			if len(tt.running) > 0 {
				submitJobs(t, sched, "DST_CALO_run2pp", 10, tt.running...)

				for i := range tt.running {
					sched.SetStatus(1, i, scheduler.JobRunning, "")
				}
			}

			cursors := &fakeCursors{run: tt.cursor}
			opts := tt.opts
			opts.Cursor = key

			status := &fakeStatus{running: tt.rows}

			report, err := newReconciler(sched, status, cursors).Reconcile(context.Background(), "DST_CALO_run2pp", opts)
			require.NoError(t, err)

			if len(opts.Submitted) == 0 {
				assert.Equal(t, []string{"^DST_CALO_run2pp$"}, status.exprs)
			}

			assert.Equal(t, tt.want, cursors.set)

			if len(tt.want) > 0 {
				require.NotNil(t, report.Cursor)
				assert.Equal(t, tt.want[0], *report.Cursor)
			} else {
				assert.Nil(t, report.Cursor)
			}
		})
	}
}

func TestReconcileStreamCursor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key := storage.CursorKey{DstType: "DST_STREAMING_EVENT_$(streamname)_run3auau", Build: "new", DBTag: "2025p000"}
	status := &fakeStatus{running: []int{66000, 66010}}
	cursors := &fakeCursors{run: 65000}

	report, err := newReconciler(scheduler.NewMemory(1), status, cursors).
		Reconcile(context.Background(), "DST_STREAMING_EVENT_", Options{RatchetCursor: true, Cursor: key})
	require.NoError(t, err)

	assert.Equal(t, []string{`^DST_STREAMING_EVENT_.+_run3auau$`}, status.exprs)
	require.NotNil(t, report.Cursor)
	assert.Equal(t, 66010, *report.Cursor)
}

func TestReconcileValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newReconciler(scheduler.NewMemory(1), &fakeStatus{}, &fakeCursors{})

	_, err := r.Reconcile(context.Background(), "", Options{})
	require.ErrorIs(t, err, ErrBadPattern)

	_, err = r.Reconcile(context.Background(), `DST"`, Options{})
	require.ErrorIs(t, err, ErrBadPattern)

	_, err = r.Reconcile(context.Background(), "DST_(", Options{})
	require.ErrorIs(t, err, ErrBadPattern)

	_, err = r.Reconcile(context.Background(), "DST_CALO", Options{AdvanceCursor: true})
	require.ErrorIs(t, err, ErrNoCursorKey)
}

func TestHoldMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "unknown $", HoldMessage(""))
	assert.Equal(t, "short $", HoldMessage("short"))

	long := HoldMessage(strings.Repeat("x", 2000))
	assert.Len(t, long, messageLimit)
	assert.False(t, strings.HasSuffix(long, " $"), "the column limit cuts the terminator of very long reasons")
}

func TestConstraint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, `regexp("^DST_CALO", SlurpDstType) && (JobStatus == 2 || JobStatus == 5)`, Constraint("DST_CALO"))
}

func TestThrottle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, 10, computeBurstCapacity(5, 0))
	assert.Equal(t, 3, computeBurstCapacity(5, 3))

	th := NewThrottle(ThrottleConfig{ActionsPerSecond: 1, Burst: 1})
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, th.Wait(ctx), "second token is a second away")

	unlimited := NewThrottle(ThrottleConfig{})
	for range 100 {
		require.NoError(t, unlimited.Wait(context.Background()))
	}
}
