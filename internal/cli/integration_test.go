package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphenix-prod/slurp/internal/config"
	"github.com/sphenix-prod/slurp/internal/storage"
)

// run executes one slurp command line and returns its stdout.
func run(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := BuildCLI()
	cmd.SetArgs(append([]string{"--batch"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.ExecuteContext(ctx)

	return out.String(), err
}

func TestCommandsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Setenv("DATABASE_URL", testDB.URL)
	t.Setenv("DATABASE_DRIVER", storage.DriverPostgres)
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("PUSHGATEWAY_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	const dstName = "DST_CALO_run2pp_ana464_2024p011"

	t.Run("Cursor", func(t *testing.T) {
		_, err := run(ctx, t, "cursor", "get", "DST_CALO_run2pp", "--build", "ana464", "--dbtag", "2024p011")
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = run(ctx, t, "cursor", "set", "DST_CALO_run2pp", "54000", "--build", "ana464", "--dbtag", "2024p011")
		require.NoError(t, err)

		out, err := run(ctx, t, "cursor", "get", "DST_CALO_run2pp", "--build", "ana464", "--dbtag", "2024p011")
		require.NoError(t, err)
		assert.Equal(t, "54000", strings.TrimSpace(out))

		out, err = run(ctx, t, "cursor", "get", "DST_CALO_run2pp", "--build", "ana464", "--dbtag", "2024p012")
		require.NoError(t, err)
		assert.Equal(t, "54000", strings.TrimSpace(out), "a new tag adopts the cursor of the build")
	})

	t.Run("InvalidRuns", func(t *testing.T) {
		out, err := run(ctx, t, "invalid-run", "add", dstName, "--runs", "54010,54020", "--reason", "bad calibration")
		require.NoError(t, err)
		assert.Contains(t, out, "added invalid run entry")

		_, err = run(ctx, t, "invalid-run", "add", "ALL", "--runs", "54100", "--segments", "3")
		require.NoError(t, err)

		out, err = run(ctx, t, "invalid-run", "list", dstName)
		require.NoError(t, err)
		assert.Contains(t, out, "54010-54020")
		assert.Contains(t, out, "bad calibration")
		assert.Contains(t, out, "54100-54100")

		out, err = run(ctx, t, "invalid-run", "list", "DST_TRKR_run2pp_ana464_2024p011")
		require.NoError(t, err)
		assert.NotContains(t, out, "bad calibration")
	})

	t.Run("StatusAndUnblock", func(t *testing.T) {
		conn, err := storage.Open(ctx, storage.NewConfig(storage.DriverPostgres, testDB.URL), slog.Default())
		require.NoError(t, err)

		t.Cleanup(func() { _ = conn.Close() })

		setups, err := storage.NewSetupStore(conn)
		require.NoError(t, err)

		key := storage.SetupKey{Name: "DST_CALO_run2pp", Build: "ana.464", DBTag: "2024p011", Hash: "a1b2c3d"}
		require.NoError(t, setups.Create(ctx, key, "https://github.com/sPHENIX-Collaboration/ProdFlow.git", "/prod/run2pp/calo"))

		setup, err := setups.Find(ctx, key)
		require.NoError(t, err)

		status, err := storage.NewStatusStore(conn)
		require.NoError(t, err)

		tx, err := status.Begin(ctx)
		require.NoError(t, err)

		ids, err := tx.InsertSubmitting(ctx, *setup, []storage.StatusInsert{
			{DstType: "DST_CALO_run2pp", DstName: dstName, DstFile: dstName + "-00054000-00000", Run: 54000, NSegments: 1},
			{DstType: "DST_CALO_run2pp", DstName: dstName, DstFile: dstName + "-00054001-00000", Run: 54001, NSegments: 1},
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = status.MarkFailed(ctx, ids[:1], "exit 1", time.Now())
		require.NoError(t, err)

		out, err := run(ctx, t, "status", dstName, "54000")
		require.NoError(t, err)
		assert.Contains(t, out, "failed")
		assert.Contains(t, out, "exit 1")

		out, err = run(ctx, t, "unblock", dstName, "--runs", "54000,54001", "--state", "failed,evicted")
		require.NoError(t, err)
		assert.Contains(t, out, "deleted 1 rows")

		_, err = run(ctx, t, "status", dstName, "54000", "0")
		require.ErrorIs(t, err, storage.ErrNotFound)

		out, err = run(ctx, t, "status", dstName, "54001")
		require.NoError(t, err)
		assert.Contains(t, out, "submitting", "rows in other states are kept")
	})

	_, err := run(ctx, t, "status", dstName, "99999")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
