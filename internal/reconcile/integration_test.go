package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphenix-prod/slurp/internal/config"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/storage"
)

func TestReconcileAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := storage.Open(ctx, storage.NewConfig(storage.DriverPostgres, testDB.URL), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	status, err := storage.NewStatusStore(conn, storage.WithStatusLogger(discardLogger()))
	require.NoError(t, err)

	cursors, err := storage.NewCursorStore(conn, discardLogger())
	require.NoError(t, err)

	setups, err := storage.NewSetupStore(conn)
	require.NoError(t, err)

	key := storage.SetupKey{Name: "DST_CALO_run2pp", Build: "ana.464", DBTag: "2024p011", Hash: "a1b2c3d"}
	require.NoError(t, setups.Create(ctx, key, "https://github.com/sPHENIX-Collaboration/ProdFlow.git", "/prod/run2pp/calo"))

	setup, err := setups.Find(ctx, key)
	require.NoError(t, err)

	const dstName = "DST_CALO_run2pp_ana464_2024p011"

	tx, err := status.Begin(ctx)
	require.NoError(t, err)

	ids, err := tx.InsertSubmitting(ctx, *setup, []storage.StatusInsert{
		{DstType: "DST_CALO_run2pp", DstName: dstName, DstFile: dstName + "-00000100-00000", Run: 100, NSegments: 1},
		{DstType: "DST_CALO_run2pp", DstName: dstName, DstFile: dstName + "-00000101-00000", Run: 101, NSegments: 1},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, []int{ids[0], ids[0] + 1}, ids)

	sched := scheduler.NewMemory(500)
	submitJobs(t, sched, "DST_CALO_run2pp", ids[0], 100, 101)

	_, err = status.UpdateSubmitted(ctx, []storage.SubmittedUpdate{
		{ID: ids[0], Cluster: 500, Process: 0},
		{ID: ids[1], Cluster: 500, Process: 1},
	})
	require.NoError(t, err)

	sched.SetStatus(500, 0, scheduler.JobRunning, "")
	sched.SetStatus(500, 1, scheduler.JobHeld, "Job has gone over memory limit of 4096 megabytes")

	cursorKey := storage.CursorKey{DstType: "DST_CALO_run2pp", Build: "ana464", DBTag: "2024p011"}
	require.NoError(t, cursors.Set(ctx, cursorKey, 90))

	report, err := newReconciler(sched, status, cursors).Reconcile(ctx, "DST_CALO", Options{RemoveHeld: true, AdvanceCursor: true, Cursor: cursorKey})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Running)
	assert.Equal(t, int64(1), report.Updated)
	assert.Equal(t, 1, report.Removed)

	held, err := status.LatestStatus(ctx, dstName, 101, 0)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusHeld, held.Status)
	assert.Equal(t, "Job has gone over memory limit of 4096 megabytes $", held.Message)
	assert.Equal(t, storage.HeldFlag, held.Flags)

	running, err := status.LatestStatus(ctx, dstName, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSubmitted, running.Status, "running jobs are left to the job wrapper")

	run, err := cursors.Get(ctx, cursorKey)
	require.NoError(t, err)
	assert.Equal(t, 100, run, "the cursor sticks to the oldest running run")
}
