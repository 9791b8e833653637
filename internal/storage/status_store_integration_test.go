package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDstName = "DST_CALO_run2pp_ana464_2024p011"

func testInserts(run int, segments ...int) []StatusInsert {
	rows := make([]StatusInsert, 0, len(segments))
	for _, seg := range segments {
		rows = append(rows, StatusInsert{
			DstType: "DST_CALO_run2pp",
			DstName: testDstName,
			DstFile: fmt.Sprintf("%s-%08d-%05d", testDstName, run, seg),
			Run:     run,
			Segment: seg,
			Inputs:  fmt.Sprintf("DST_TRIGGERED_EVENT_seb00_run2pp_new_nocdbtag_v001-%08d-%05d.root", run, seg),
		})
	}

	return rows
}

func TestStatusStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	clock := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	store, err := NewStatusStore(conn,
		WithSubmissionHost("sphnxprod01"),
		WithClock(func() time.Time { return clock }),
		WithStatusLogger(discardLogger()))
	require.NoError(t, err)

	setup := createTestSetup(ctx, t, conn, "a1b2c3d")

	t.Run("InsertSubmittingIsInvisibleUntilCommit", testInsertVisibility(ctx, store, setup))
	t.Run("RollbackDiscardsRows", testRollback(ctx, store, setup))
	t.Run("UpdateSubmittedRespectsWorkerProgress", testUpdateSubmitted(ctx, store, conn, setup))
	t.Run("MarkHeldAndFailed", testMarkHeld(ctx, store, conn, setup))
	t.Run("StatusByFileNewestFirst", testStatusByFile(ctx, store, setup))
	t.Run("DeleteAndUnblock", testDeleteAndUnblock(ctx, store, setup))
	t.Run("RunningRuns", testRunningRuns(ctx, store, setup))
	t.Run("IDByJob", testIDByJob(ctx, store, conn, setup))
}

func insertCommitted(ctx context.Context, t *testing.T, store *StatusStore, setup ProductionSetup, rows []StatusInsert) []int {
	t.Helper()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	ids, err := tx.InsertSubmitting(ctx, setup, rows)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return ids
}

func testInsertVisibility(ctx context.Context, store *StatusStore, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		rows := testInserts(54321, 0, 1, 2)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)

		ids, err := tx.InsertSubmitting(ctx, setup, rows)
		require.NoError(t, err)
		require.Len(t, ids, 3)
		assert.Less(t, ids[0], ids[1])
		assert.Less(t, ids[1], ids[2])

		_, err = store.LatestStatus(ctx, testDstName, 54321, 1)
		assert.ErrorIs(t, err, ErrNotFound, "uncommitted rows must not be visible")

		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

		st, err := store.LatestStatus(ctx, testDstName, 54321, 1)
		require.NoError(t, err)
		assert.Equal(t, ids[1], st.ID)
		assert.Equal(t, StatusSubmitting, st.Status)
		assert.Equal(t, setup.ID, st.ProdID)
		assert.Equal(t, "sphnxprod01", st.SubmissionHost)
		require.NotNil(t, st.Submitting)
		assert.True(t, st.Submitting.Equal(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)))

		id, err := store.LatestID(ctx, testDstName, 54321, 2)
		require.NoError(t, err)
		assert.Equal(t, ids[2], id)
	}
}

func testRollback(ctx context.Context, store *StatusStore, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)

		_, err = tx.InsertSubmitting(ctx, setup, testInserts(54322, 0))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = store.LatestStatus(ctx, testDstName, 54322, 0)
		assert.ErrorIs(t, err, ErrNotFound)

		tx, err = store.Begin(ctx)
		require.NoError(t, err)

		dup := append(testInserts(54322, 0), testInserts(54322, 0)...)
		_, err = tx.InsertSubmitting(ctx, setup, dup)
		assert.ErrorIs(t, err, ErrStatusStoreFailed)
		require.NoError(t, tx.Rollback())
	}
}

func testUpdateSubmitted(ctx context.Context, store *StatusStore, conn *Connection, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		ids := insertCommitted(ctx, t, store, setup, testInserts(54323, 0, 1))

		// the worker for segment 1 reports in before the submitter records the cluster
		_, err := conn.ExecContext(ctx, `UPDATE production_status SET status = 'started' WHERE id = $1`, ids[1])
		require.NoError(t, err)

		n, err := store.UpdateSubmitted(ctx, []SubmittedUpdate{
			{ID: ids[0], Cluster: 777, Process: 0},
			{ID: ids[1], Cluster: 777, Process: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		st, err := store.LatestStatus(ctx, testDstName, 54323, 0)
		require.NoError(t, err)
		assert.Equal(t, StatusSubmitted, st.Status)
		assert.Equal(t, 777, st.Cluster)
		require.NotNil(t, st.Submitted)

		st, err = store.LatestStatus(ctx, testDstName, 54323, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusStarted, st.Status, "status must never regress")
		assert.Equal(t, 0, st.Cluster)
	}
}

func testMarkHeld(ctx context.Context, store *StatusStore, conn *Connection, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		ids := insertCommitted(ctx, t, store, setup, testInserts(54324, 0, 1, 2))

		_, err := conn.ExecContext(ctx, `UPDATE production_status SET status = 'finished' WHERE id = $1`, ids[2])
		require.NoError(t, err)

		heldAt := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)

		n, err := store.MarkHeld(ctx, []HeldUpdate{
			{ID: ids[0], Message: "Job has gone over memory limit of 4096 megabytes. $", Ended: heldAt},
			{ID: ids[2], Message: "late hold", Ended: heldAt},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		st, err := store.LatestStatus(ctx, testDstName, 54324, 0)
		require.NoError(t, err)
		assert.Equal(t, StatusHeld, st.Status)
		assert.Equal(t, HeldFlag, st.Flags)
		assert.Equal(t, "Job has gone over memory limit of 4096 megabytes. $", st.Message)
		require.NotNil(t, st.Ended)
		assert.True(t, st.Ended.Equal(heldAt))

		st, err = store.LatestStatus(ctx, testDstName, 54324, 2)
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, st.Status)

		n, err = store.MarkFailed(ctx, []int{ids[1]}, "input file missing", heldAt)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		st, err = store.LatestStatus(ctx, testDstName, 54324, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, st.Status)
		assert.Equal(t, "input file missing", st.Message)
	}
}

func testStatusByFile(ctx context.Context, store *StatusStore, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		first := insertCommitted(ctx, t, store, setup, testInserts(54325, 0))
		second := insertCommitted(ctx, t, store, setup, testInserts(54325, 0))

		byFile, err := store.StatusByFile(ctx, []string{testDstName}, 54325, 54325)
		require.NoError(t, err)

		rows := byFile[fmt.Sprintf("%s-%08d-%05d", testDstName, 54325, 0)]
		require.Len(t, rows, 2)
		assert.Equal(t, second[0], rows[0].ID)
		assert.Equal(t, first[0], rows[1].ID)

		empty, err := store.StatusByFile(ctx, nil, 0, 1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	}
}

func testDeleteAndUnblock(ctx context.Context, store *StatusStore, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		ids := insertCommitted(ctx, t, store, setup, testInserts(54326, 0, 1, 2))

		n, err := store.DeleteByID(ctx, ids[:1])
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.MarkFailed(ctx, ids[1:2], "segfault", time.Now())
		require.NoError(t, err)

		n, err = store.Unblock(ctx, testDstName, []Status{StatusFailed}, 54326, 54326)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		st, err := store.LatestStatus(ctx, testDstName, 54326, 2)
		require.NoError(t, err)
		assert.Equal(t, StatusSubmitting, st.Status, "rows outside the chosen states survive")
	}
}

func testRunningRuns(ctx context.Context, store *StatusStore, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		runs, err := store.RunningRuns(ctx, "^DST_CALO_run2pp$")
		require.NoError(t, err)
		assert.Contains(t, runs, 54321)
		assert.NotContains(t, runs, 54322)

		streams := make([]StatusInsert, 0, 2)

		for i, stream := range []string{"ebdc00", "ebdc01"} {
			dstType := "DST_STREAMING_EVENT_" + stream + "_run3auau"
			dstName := dstType + "_new_2025p000"
			streams = append(streams, StatusInsert{
				DstType: dstType, DstName: dstName, DstFile: fmt.Sprintf("%s-%08d-%05d", dstName, 66000+i, 0),
				Run: 66000 + i, NSegments: 1,
			})
		}

		insertCommitted(ctx, t, store, setup, streams)

		runs, err = store.RunningRuns(ctx, `^DST_STREAMING_EVENT_.+_run3auau$`)
		require.NoError(t, err)
		assert.Equal(t, []int{66000, 66001}, runs)

		runs, err = store.RunningRuns(ctx, `^DST_STREAMING_EVENT_$`)
		require.NoError(t, err)
		assert.Empty(t, runs)
	}
}

func testIDByJob(ctx context.Context, store *StatusStore, conn *Connection, setup ProductionSetup) func(*testing.T) {
	return func(t *testing.T) {
		ids := insertCommitted(ctx, t, store, setup, testInserts(54400, 0, 1, 2))

		_, err := store.UpdateSubmitted(ctx, []SubmittedUpdate{
			{ID: ids[0], Cluster: 7100, Process: 0},
			{ID: ids[1], Cluster: 7100, Process: 1},
			{ID: ids[2], Cluster: 7100, Process: 2},
		})
		require.NoError(t, err)

		id, err := store.IDByJob(ctx, 7100, 1)
		require.NoError(t, err)
		assert.Equal(t, ids[1], id)

		// A resubmission of the same output is newer but carries another job.
		newer := insertCommitted(ctx, t, store, setup, testInserts(54400, 1))
		_, err = store.UpdateSubmitted(ctx, []SubmittedUpdate{{ID: newer[0], Cluster: 7101, Process: 0}})
		require.NoError(t, err)

		id, err = store.IDByJob(ctx, 7100, 1)
		require.NoError(t, err)
		assert.Equal(t, ids[1], id)

		latest, err := store.LatestID(ctx, testDstName, 54400, 1)
		require.NoError(t, err)
		assert.Equal(t, newer[0], latest)

		_, err = store.MarkFailed(ctx, ids[2:], "exit 1", time.Now())
		require.NoError(t, err)

		_, err = store.IDByJob(ctx, 7100, 2)
		require.ErrorIs(t, err, ErrNotFound, "failed rows are skipped")

		_, err = store.IDByJob(ctx, 7100, 9)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = store.IDByJob(ctx, 0, 0)
		require.ErrorIs(t, err, ErrNotFound)

		other, err := NewStatusStore(conn, WithSubmissionHost("sphnxprod02"), WithStatusLogger(discardLogger()))
		require.NoError(t, err)

		_, err = other.IDByJob(ctx, 7100, 1)
		require.ErrorIs(t, err, ErrNotFound, "cluster ids of another schedd")

		dup := insertCommitted(ctx, t, store, setup, testInserts(54401, 0))
		_, err = store.UpdateSubmitted(ctx, []SubmittedUpdate{{ID: dup[0], Cluster: 7100, Process: 0}})
		require.NoError(t, err)

		_, err = store.IDByJob(ctx, 7100, 0)
		require.ErrorIs(t, err, ErrAmbiguousJob)
	}
}

func TestSetupStoreConcurrentCreate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	setups, err := NewSetupStore(conn)
	require.NoError(t, err)

	revision := 1
	key := SetupKey{Name: "DST_STREAMING_EVENT__X__run2pp", Build: "ana.464", DBTag: "2024p011", Hash: "f00dfee", Revision: &revision}

	var wg sync.WaitGroup

	errs := make(chan error, 8)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs <- setups.Create(ctx, key, "repo", "dir")
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM production_setup WHERE hash = 'f00dfee'`).Scan(&count))
	assert.Equal(t, 1, count)

	found, err := setups.Find(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found.Revision)
	assert.Equal(t, 1, *found.Revision)

	_, err = setups.Find(ctx, SetupKey{Name: key.Name, Build: key.Build, DBTag: key.DBTag, Hash: key.Hash})
	assert.ErrorIs(t, err, ErrNotFound, "unversioned key is distinct from revision 1")
}

func TestCursorStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	cursors, err := NewCursorStore(conn, discardLogger())
	require.NoError(t, err)

	p011 := CursorKey{DstType: "DST_CALO_run2pp", Build: "ana464", DBTag: "2024p011", Version: "v001"}
	p012 := CursorKey{DstType: "DST_CALO_run2pp", Build: "ana464", DBTag: "2024p012", Version: "v001"}

	_, err = cursors.Get(ctx, p011)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cursors.Set(ctx, p011, 53000))
	require.NoError(t, cursors.Set(ctx, p011, 53500))

	run, err := cursors.Get(ctx, p011)
	require.NoError(t, err)
	assert.Equal(t, 53500, run)

	run, err = cursors.Get(ctx, p012)
	require.NoError(t, err)
	assert.Equal(t, 53500, run, "new tag adopts the cursor of the same production")

	require.NoError(t, cursors.Set(ctx, p011, 54000))

	run, err = cursors.Get(ctx, p012)
	require.NoError(t, err)
	assert.Equal(t, 53500, run, "adopted cursor is now independent")

	var lastrun int

	require.NoError(t, conn.QueryRowContext(ctx, `SELECT lastrun FROM production_cursor
		WHERE dsttype = $1 AND build = $2 AND tag = $3 AND version = $4
		ORDER BY id DESC LIMIT 1`, "DST_CALO_run2pp", "ana464", "2024p012", "v001").Scan(&lastrun))
	assert.Equal(t, 53500, lastrun)
}

func TestInvalidRunStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	invalid, err := NewInvalidRunStore(conn)
	require.NoError(t, err)

	now := time.Now()
	past := now.Add(-time.Hour)

	_, err = invalid.Add(ctx, InvalidRun{DstName: testDstName, FirstRun: 100, LastRun: 200, LastSeg: 9999, Reason: "bad calibration"})
	require.NoError(t, err)

	_, err = invalid.Add(ctx, InvalidRun{DstName: AllProductions, FirstRun: 300, LastRun: 300, LastSeg: 0, Reason: "magnet trip"})
	require.NoError(t, err)

	_, err = invalid.Add(ctx, InvalidRun{DstName: "all", FirstRun: 500, LastRun: OpenRange, LastSeg: 0})
	require.NoError(t, err)

	_, err = invalid.Add(ctx, InvalidRun{DstName: AllProductions, FirstRun: 400, LastRun: 400, CreatedAt: past.Add(-time.Hour), ExpiresAt: &past})
	require.NoError(t, err)

	_, err = invalid.Add(ctx, InvalidRun{DstName: "DST_TRKR_run2pp_ana464_2024p011", FirstRun: 150, LastRun: 150})
	require.NoError(t, err)

	_, err = invalid.Add(ctx, InvalidRun{DstName: AllProductions, FirstRun: 10, LastRun: 5})
	assert.Error(t, err)

	active, err := invalid.Active(ctx, testDstName, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, 100, active[0].FirstRun)
	assert.Equal(t, 300, active[1].FirstRun)
	assert.Equal(t, 500, active[2].FirstRun)
	assert.True(t, active[0].Covers(testDstName, 150, 12, now.Add(time.Second)))
	assert.True(t, active[2].Covers(testDstName, 54000, 0, now.Add(time.Second)))

	var columns []string

	rows, err := conn.QueryContext(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_name = 'invalid_run_list' ORDER BY ordinal_position`)
	require.NoError(t, err)

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		columns = append(columns, c)
	}

	require.NoError(t, rows.Err())
	assert.Subset(t, columns, []string{"id", "dstname", "first_run", "last_run", "first_segment", "last_segment", "created_at", "expires_at"})
}
