package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sphenix-prod/slurp/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestConnection starts a migrated PostgreSQL container and connects to it.
func setupTestConnection(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := Open(ctx, NewConfig(DriverPostgres, testDB.URL), discardLogger())
	require.NoError(t, err, "failed to connect to test database")

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func createTestSetup(ctx context.Context, t *testing.T, conn *Connection, hash string) ProductionSetup {
	t.Helper()

	setups, err := NewSetupStore(conn)
	require.NoError(t, err)

	key := SetupKey{Name: "DST_CALO_run2pp", Build: "ana.464", DBTag: "2024p011", Hash: hash}
	require.NoError(t, setups.Create(ctx, key, "https://github.com/sPHENIX-Collaboration/ProdFlow.git", "/prod/run2pp/calo"))

	setup, err := setups.Find(ctx, key)
	require.NoError(t, err)

	return *setup
}
