package matcher

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphenix-prod/slurp/internal/catalog"
	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/setup"
	"github.com/sphenix-prod/slurp/internal/storage"
	"github.com/sphenix-prod/slurp/migrations"
)

const inputQuery = `SELECT 'filecatalog/datasets' AS source, runnumber, segment, filename AS files
	FROM datasets WHERE dsttype = 'DST_TRIGGERED_EVENT_run2pp' ORDER BY runnumber, segment`

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inputFile(run int) string {
	return rule.OutputBase("DST_TRIGGERED_EVENT_run2pp_new_2024p001", run, 0) + ".root"
}

// setupCatalogs creates one SQLite database holding inputs for runs 100-102 and the
// already produced output of run 101, registered as both file catalog and run list source.
func setupCatalogs(ctx context.Context, t *testing.T) (*catalog.Registry, *storage.Connection) {
	t.Helper()

	conn, err := storage.Open(ctx, storage.NewConfig(storage.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db")), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	schema, err := fs.ReadFile(migrations.NewEmbedded(nil).FS(), "002_file_catalog.up.sql")
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, string(schema))
	require.NoError(t, err)

	for _, run := range []int{100, 101, 102} {
		_, err = conn.ExecContext(ctx, `INSERT INTO datasets (filename, runnumber, segment, dataset, dsttype)
			VALUES (?, ?, 0, 'new_2024p001', 'DST_TRIGGERED_EVENT_run2pp')`, inputFile(run), run)
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx, `INSERT INTO files (lfn, full_file_path) VALUES (?, ?)`,
			inputFile(run), "/sphenix/lustre01/physics/"+inputFile(run))
		require.NoError(t, err)
	}

	_, err = conn.ExecContext(ctx, `INSERT INTO datasets (filename, runnumber, segment, dataset, dsttype)
		VALUES ('DST_CALO_run2pp_ana464_2024p011-00000101-00000.root', 101, 0, 'ana464_2024p011', 'DST_CALO_run2pp')`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `CREATE TABLE run_info (runnumber INTEGER NOT NULL)`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO run_info (runnumber) VALUES (100), (101)`)
	require.NoError(t, err)

	c := catalog.New(catalog.FileCatalog, conn, discardLogger())

	reg := catalog.NewRegistry(nil, discardLogger())
	require.NoError(t, reg.Register(catalog.FileCatalog, c))
	require.NoError(t, reg.Register(catalog.DAQ, c))

	return reg, conn
}

type fakeStatus map[string][]storage.ProductionStatus

func (f fakeStatus) StatusByFile(_ context.Context, _ []string, runMin, runMax int) (map[string][]storage.ProductionStatus, error) {
	out := make(map[string][]storage.ProductionStatus)
	for file, rows := range f {
		for _, r := range rows {
			if r.Run >= runMin && r.Run <= runMax {
				out[file] = append(out[file], r)
			}
		}
	}

	return out, nil
}

type fakeSetups struct {
	calls int
}

func (f *fakeSetups) Resolve(_ context.Context, req setup.Request) (*storage.ProductionSetup, error) {
	f.calls++

	return &storage.ProductionSetup{ID: 7, Name: req.Name, Build: req.Build, DBTag: req.DBTag, IsClean: true, IsCurrent: true}, nil
}

type fakeInvalid []storage.InvalidRun

func (f fakeInvalid) Active(_ context.Context, _ string, _ time.Time) ([]storage.InvalidRun, error) {
	return f, nil
}

func caloRule(t *testing.T, mutate func(p *rule.Params)) rule.Rule {
	t.Helper()

	p := rule.Params{
		Name:    "DST_CALO_run2pp",
		Script:  "run_calo.sh",
		Build:   "ana.464",
		DBTag:   "2024p011",
		Payload: "./ProdFlow/run2pp/calo",
		Input:   rule.Input{Query: inputQuery, DB: "fc"},
	}
	if mutate != nil {
		mutate(&p)
	}

	r, err := rule.New(p)
	require.NoError(t, err)

	return r
}

func newMatcher(reg *catalog.Registry, status StatusLookup, setups SetupResolver, opts ...orchestrator.Option) *Matcher {
	base := []orchestrator.Option{
		orchestrator.WithLogger(discardLogger()),
		orchestrator.WithClock(func() time.Time { return fixedNow }),
		orchestrator.WithPrompter(orchestrator.Static(true)),
	}

	return New(orchestrator.New(append(base, opts...)...), reg, status, setups)
}

func statusRow(id, run int, st storage.Status) storage.ProductionStatus {
	return storage.ProductionStatus{
		ID:      id,
		DstName: "DST_CALO_run2pp_ana464_2024p011",
		DstFile: rule.OutputBase("DST_CALO_run2pp_ana464_2024p011", run, 0),
		Run:     run,
		Status:  st,
	}
}

func runs(matches []rule.Match) []int {
	out := make([]int, len(matches))
	for i, m := range matches {
		out[i] = m.Run
	}

	return out
}

func TestMatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	reg, _ := setupCatalogs(ctx, t)

	t.Run("ExistingOutputExcluded", func(t *testing.T) {
		setups := &fakeSetups{}
		res, err := newMatcher(reg, fakeStatus{}, setups).Match(ctx, caloRule(t, nil), rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{100, 102}, runs(res.Matches))
		assert.Equal(t, []int{100, 102}, res.Runs)
		require.Len(t, res.Skipped, 1)
		assert.Equal(t, ReasonOutputExists, res.Skipped[0].Reason)
		assert.Equal(t, 101, res.Skipped[0].Run)
		require.NotNil(t, res.Setup)
		assert.Equal(t, 7, res.Setup.ID)
		assert.Equal(t, 1, setups.calls)

		m := res.Matches[0]
		assert.Equal(t, "DST_CALO_run2pp_ana464_2024p011-00000100-00000.root", m.DST)
		assert.Equal(t, []string{"/sphenix/lustre01/physics/" + inputFile(100)}, m.Inputs)
		assert.Equal(t, "physics", m.RunType)
		assert.Equal(t, "00000100_00000200", m.RunGroup)
	})

	t.Run("ResubmitOverwritesExistingOutput", func(t *testing.T) {
		r := caloRule(t, func(p *rule.Params) { p.Resubmit = true })

		res, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)
		assert.Equal(t, []int{100, 101, 102}, runs(res.Matches))
	})

	t.Run("Limit", func(t *testing.T) {
		r := caloRule(t, func(p *rule.Params) { p.Limit = 1 })

		res, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)
		assert.Equal(t, []int{100}, runs(res.Matches))
	})

	t.Run("MatchOptions", func(t *testing.T) {
		res, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, caloRule(t, nil), rule.MatchOptions{Mem: "8192MB", NEvents: 10})
		require.NoError(t, err)
		require.NotEmpty(t, res.Matches)
		assert.Equal(t, "8192MB", res.Matches[0].Mem)
		assert.Equal(t, 10, res.Matches[0].NEvents)
	})

	t.Run("EmptyCandidates", func(t *testing.T) {
		setups := &fakeSetups{}
		r := caloRule(t, func(p *rule.Params) { p.Input.Query = inputQuery + " LIMIT 0" })

		res, err := newMatcher(reg, fakeStatus{}, setups).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)
		assert.True(t, res.Empty())
		assert.Nil(t, res.Setup)
		assert.Zero(t, setups.calls)
	})
}

func TestMatchBlocking(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	reg, _ := setupCatalogs(ctx, t)

	file100 := rule.OutputBase("DST_CALO_run2pp_ana464_2024p011", 100, 0)

	t.Run("BlockedByHeld", func(t *testing.T) {
		status := fakeStatus{file100: {statusRow(5, 100, storage.StatusHeld)}}

		res, err := newMatcher(reg, status, &fakeSetups{}).Match(ctx, caloRule(t, nil), rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{102}, runs(res.Matches))
		counts := CountByReason(res.Skipped)
		assert.Equal(t, 1, counts[ReasonBlocked])
		assert.Equal(t, 1, counts[ReasonOutputExists])
		assert.Empty(t, res.Unblock)
	})

	t.Run("UnblockedPolicy", func(t *testing.T) {
		status := fakeStatus{file100: {statusRow(5, 100, storage.StatusFailed)}}
		policy := orchestrator.DefaultBlocking().Unblock(storage.StatusFailed)

		res, err := newMatcher(reg, status, &fakeSetups{}, orchestrator.WithBlocking(policy)).
			Match(ctx, caloRule(t, nil), rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{100, 102}, runs(res.Matches))
		assert.Empty(t, res.Unblock, "rows outside the blocking set are left alone")
	})

	t.Run("ResubmitQueuesPriorRows", func(t *testing.T) {
		status := fakeStatus{file100: {statusRow(9, 100, storage.StatusFailed), statusRow(5, 100, storage.StatusHeld)}}
		r := caloRule(t, func(p *rule.Params) { p.Resubmit = true })

		res, err := newMatcher(reg, status, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{100, 101, 102}, runs(res.Matches))
		assert.Equal(t, []int{9, 5}, res.Unblock)
	})

	t.Run("SubmittingNeverOverridden", func(t *testing.T) {
		status := fakeStatus{file100: {statusRow(9, 100, storage.StatusSubmitting)}}
		r := caloRule(t, func(p *rule.Params) { p.Resubmit = true })

		res, err := newMatcher(reg, status, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{101, 102}, runs(res.Matches))
		assert.Empty(t, res.Unblock)
		require.NotEmpty(t, res.Skipped)
		assert.Equal(t, storage.StatusSubmitting, res.Skipped[0].Status)
	})

	t.Run("OlderSubmittingRowBlocksResubmit", func(t *testing.T) {
		status := fakeStatus{file100: {statusRow(9, 100, storage.StatusFailed), statusRow(5, 100, storage.StatusSubmitting)}}
		r := caloRule(t, func(p *rule.Params) { p.Resubmit = true })

		res, err := newMatcher(reg, status, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)
		assert.NotContains(t, runs(res.Matches), 100)
	})
}

func TestMatchExclusions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	reg, conn := setupCatalogs(ctx, t)

	t.Run("InvalidRun", func(t *testing.T) {
		oc := orchestrator.New(orchestrator.WithLogger(discardLogger()), orchestrator.WithClock(func() time.Time { return fixedNow }))
		invalid := fakeInvalid{{DstName: storage.AllProductions, FirstRun: 100, LastRun: 100, FirstSeg: 0, LastSeg: 99999, Reason: "bad calibration", CreatedAt: fixedNow.Add(-time.Hour)}}

		m := New(oc, reg, fakeStatus{}, &fakeSetups{}, WithInvalidRuns(invalid))

		res, err := m.Match(ctx, caloRule(t, nil), rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{102}, runs(res.Matches))
		assert.Equal(t, 1, CountByReason(res.Skipped)[ReasonInvalidRun])
	})

	t.Run("RunList", func(t *testing.T) {
		r := caloRule(t, func(p *rule.Params) { p.RunListQuery = "SELECT runnumber FROM run_info" })

		res, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{100}, runs(res.Matches))
		assert.Equal(t, 1, CountByReason(res.Skipped)[ReasonNotInRunList])
	})

	t.Run("PartialResolution", func(t *testing.T) {
		_, err := conn.ExecContext(ctx, `DELETE FROM files WHERE lfn = ?`, inputFile(102))
		require.NoError(t, err)

		t.Cleanup(func() {
			_, _ = conn.ExecContext(ctx, `INSERT INTO files (lfn, full_file_path) VALUES (?, ?)`,
				inputFile(102), "/sphenix/lustre01/physics/"+inputFile(102))
		})

		res, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, caloRule(t, nil), rule.MatchOptions{})
		require.NoError(t, err)

		assert.Equal(t, []int{100}, runs(res.Matches))
		assert.Equal(t, 1, CountByReason(res.Skipped)[ReasonInputMismatch])
	})
}

func TestMatchFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	reg, _ := setupCatalogs(ctx, t)

	t.Run("DuplicateRunSegment", func(t *testing.T) {
		r := caloRule(t, func(p *rule.Params) {
			p.Input.Query = `SELECT 'x' AS source, 100 AS runnumber, 0 AS segment, 'a.root' AS files
				UNION ALL SELECT 'x', 100, 0, 'b.root'`
		})

		_, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateRunSegment)
		assert.Contains(t, err.Error(), "DST_CALO_run2pp")
	})

	t.Run("NothingResolves", func(t *testing.T) {
		r := caloRule(t, func(p *rule.Params) {
			p.Input.Query = `SELECT 'x' AS source, 200 AS runnumber, 0 AS segment, 'DST_UNKNOWN_run2pp_new_2024p001-00000200-00000.root' AS files`
		})

		_, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		assert.ErrorIs(t, err, ErrUnresolvedInputs)
	})

	t.Run("UnknownInputCatalog", func(t *testing.T) {
		r := caloRule(t, func(p *rule.Params) { p.Input.DB = "nosuchdb" })

		_, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
		assert.ErrorIs(t, err, catalog.ErrUnknownCatalog)
	})

	t.Run("SetupFailure", func(t *testing.T) {
		_, err := newMatcher(reg, fakeStatus{}, failingSetups{}).Match(ctx, caloRule(t, nil), rule.MatchOptions{})
		assert.ErrorIs(t, err, errSetup)
	})
}

var errSetup = errors.New("setup unavailable")

type failingSetups struct{}

func (failingSetups) Resolve(context.Context, setup.Request) (*storage.ProductionSetup, error) {
	return nil, errSetup
}

func TestMatchDirect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	reg, _ := setupCatalogs(ctx, t)

	dir := t.TempDir()
	for _, run := range []int{100, 102} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, inputFile(run)), nil, 0o600))
	}

	r := caloRule(t, func(p *rule.Params) { p.Input.Direct = dir })

	res, err := newMatcher(reg, fakeStatus{}, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int{100, 102}, runs(res.Matches))
	assert.Equal(t, filepath.Join(dir, inputFile(100)), res.Matches[0].Inputs[0])
}

func TestResultTruncate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	reg, _ := setupCatalogs(ctx, t)

	file100 := rule.OutputBase("DST_CALO_run2pp_ana464_2024p011", 100, 0)
	file102 := rule.OutputBase("DST_CALO_run2pp_ana464_2024p011", 102, 0)
	status := fakeStatus{
		file100: {statusRow(4, 100, storage.StatusFailed)},
		file102: {statusRow(6, 102, storage.StatusFailed)},
	}
	r := caloRule(t, func(p *rule.Params) { p.Resubmit = true })

	res, err := newMatcher(reg, status, &fakeSetups{}).Match(ctx, r, rule.MatchOptions{})
	require.NoError(t, err)
	require.Equal(t, []int{4, 6}, res.Unblock)

	res.Truncate(2)
	assert.Equal(t, []int{100, 101}, runs(res.Matches))
	assert.Equal(t, []int{100, 101}, res.Runs)
	assert.Equal(t, []int{4}, res.Unblock, "rows of dropped matches stay")

	res.Truncate(0)
	assert.Len(t, res.Matches, 2)
}
