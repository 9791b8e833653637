package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sphenix-prod/slurp/migrations"
)

// TestMigratorCommands drives every command against an empty PostgreSQL database.
func TestMigratorCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("migrator_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgContainer) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	runner, err := migrations.Open(ctx, connStr, migrations.DefaultTable, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	t.Cleanup(func() { _ = runner.Close() })

	exec := func(command, input string) string {
		t.Helper()

		var out bytes.Buffer
		require.NoError(t, executeCommand(command, runner, strings.NewReader(input), &out))

		return out.String()
	}

	assert.Contains(t, exec("status", ""), "schema version 0")

	exec("up", "")
	assert.Contains(t, exec("version", ""), "schema version 2 (dirty: false), binary supports 2")

	exec("up", "")

	exec("down", "")
	assert.Contains(t, exec("status", ""), "schema version 1")

	assert.Contains(t, exec("drop", "n\n"), "Operation cancelled.")
	assert.Contains(t, exec("status", ""), "schema version 1", "declined drop leaves the schema")

	exec("drop", "y\n")

	err = executeCommand("sideways", runner, strings.NewReader(""), io.Discard)
	require.ErrorIs(t, err, ErrUnknownCommand)
}
