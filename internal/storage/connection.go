package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sphenix-prod/slurp/internal/retry"
)

const healthCheckTimeout = 5 * time.Second

var (
	// ErrConnectionFailed is returned when the database stays unreachable after every retry.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMutatingQuery is returned when a statement handed to the read-only query path contains "delete".
	ErrMutatingQuery = errors.New("refusing to run a mutating statement on the read-only path")
)

// Connection wraps a database handle together with the driver it was opened with.
type Connection struct {
	*sql.DB
	driver string
	retry  retry.Policy
}

// NewConnection opens and pings the database described by cfg, retrying connection-class
// failures with bounded randomized backoff.
func NewConnection(cfg *Config) (*Connection, error) {
	return Open(context.Background(), cfg, slog.Default())
}

// Open is NewConnection with an explicit context and logger.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.ConnectAttempts
	policy.Retryable = IsConnectionError

	var db *sql.DB

	err := retry.Do(ctx, policy, func() error {
		candidate, err := sql.Open(cfg.Driver, cfg.databaseURL)
		if err != nil {
			return err
		}

		if err := candidate.PingContext(ctx); err != nil {
			_ = candidate.Close()

			return err
		}

		db = candidate

		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("Database connection attempt failed",
			slog.String("database", cfg.MaskDatabaseURL()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.MaskDatabaseURL(), err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &Connection{DB: db, driver: cfg.Driver, retry: policy}, nil
}

// Driver returns the driver name the connection was opened with.
func (c *Connection) Driver() string {
	return c.driver
}

// HealthCheck pings the database with a short timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return c.PingContext(ctx)
}

// WithRetry runs op under the connection's retry policy. Only connection-class errors are retried.
func (c *Connection) WithRetry(ctx context.Context, op func() error) error {
	return retry.Do(ctx, c.retry, op, nil)
}

// ReadQuery runs a read-only statement. Statements containing "delete" are rejected.
func (c *Connection) ReadQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if strings.Contains(strings.ToLower(query), "delete") {
		return nil, ErrMutatingQuery
	}

	query, args = c.Rebind(query, args)

	var rows *sql.Rows

	err := c.WithRetry(ctx, func() error {
		var err error

		rows, err = c.QueryContext(ctx, query, args...)

		return err
	})

	return rows, err
}

// Rebind rewrites PostgreSQL $N placeholders for drivers that only take positional "?",
// reordering and repeating args to match. Postgres queries are returned unchanged.
func (c *Connection) Rebind(query string, args []any) (string, []any) {
	if c.driver != DriverSQLite {
		return query, args
	}

	var (
		out   strings.Builder
		bound = make([]any, 0, len(args))
	)

	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			out.WriteByte(query[i])

			continue
		}

		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}

		n, err := strconv.Atoi(query[i+1 : j])
		if err != nil || n < 1 || n > len(args) {
			out.WriteByte(query[i])

			continue
		}

		out.WriteByte('?')

		bound = append(bound, args[n-1])
		i = j - 1
	}

	return out.String(), bound
}

// IsConnectionError reports whether err indicates a lost or unreachable database.
// PostgreSQL class 08 errors, bad driver connections and network errors qualify.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
