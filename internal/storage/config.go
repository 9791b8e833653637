package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sphenix-prod/slurp/internal/config"
	"github.com/sphenix-prod/slurp/internal/retry"
)

const (
	defaultMaxOpenConns    = 4
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	// DriverPostgres selects lib/pq.
	DriverPostgres = "postgres"
	// DriverSQLite selects modernc.org/sqlite, used for testbed catalogs.
	DriverSQLite = "sqlite"
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrUnsupportedDriver is returned for a driver other than postgres or sqlite.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Config holds connection configuration for one database.
type Config struct {
	databaseURL     string
	Driver          string        // postgres or sqlite
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
	ConnectAttempts int           // Bounded retries when opening the connection
}

// LoadConfig loads the production status database configuration from the environment.
func LoadConfig() *Config {
	return LoadConfigWithPrefix("DATABASE")
}

// LoadConfigWithPrefix loads a configuration whose variables share prefix, e.g.
// CATALOG_DATABASE_URL and CATALOG_DATABASE_DRIVER for prefix CATALOG_DATABASE.
func LoadConfigWithPrefix(prefix string) *Config {
	return &Config{
		databaseURL:     config.GetEnvStr(prefix+"_URL", ""), // private so it never lands in a log line
		Driver:          config.GetEnvStr(prefix+"_DRIVER", DriverPostgres),
		MaxOpenConns:    config.GetEnvInt(prefix+"_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt(prefix+"_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration(prefix+"_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration(prefix+"_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		ConnectAttempts: config.GetEnvInt(prefix+"_CONNECT_ATTEMPTS", retry.DefaultAttempts),
	}
}

// NewConfig returns a configuration for url with defaults for everything else.
func NewConfig(driver, url string) *Config {
	return &Config{
		databaseURL:     url,
		Driver:          driver,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		ConnectAttempts: retry.DefaultAttempts,
	}
}

// Configured reports whether a URL was provided.
func (c *Config) Configured() bool {
	return strings.TrimSpace(c.databaseURL) != ""
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Configured() {
		return ErrDatabaseURLEmpty
	}

	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 || colonIndex == len(userInfo)-1 {
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://" + userInfo[:colonIndex] + ":***" + afterScheme[lastAtIndex:]
}
