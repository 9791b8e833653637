// Package main provides the database migration tool for the slurp production status database.
//
// The schema is embedded in the binary, so the tool needs nothing but DATABASE_URL.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sphenix-prod/slurp/internal/config"
	"github.com/sphenix-prod/slurp/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

// ErrUnknownCommand is returned for a command the tool does not implement.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *configHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := migrations.Open(context.Background(), cfg.DatabaseURL, cfg.MigrationTable, config.NewLogger())
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	err = executeCommand(flag.Arg(0), runner, os.Stdin, os.Stdout)

	_ = runner.Close()

	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, runner *migrations.Runner, in io.Reader, out io.Writer) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status", "version":
		ver, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "schema version %d (dirty: %t), binary supports %d\n", ver, dirty, runner.Supported())

		return err
	case "drop":
		fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

		response, _ := bufio.NewReader(in).ReadString('\n')
		if strings.EqualFold(strings.TrimSpace(response), "y") {
			return runner.Drop()
		}

		_, err := fmt.Fprintln(out, "Operation cancelled.")

		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

// printUsage displays usage information.
func printUsage(out io.Writer) {
	fmt.Fprintf(out, `%s v%s - slurp production database migrations

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Roll back the last migration
    status  Show the applied and the supported schema version
    version Same as status
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE Name of migration tracking table (default: schema_migrations)
    LOG_LEVEL       debug, info, warn or error (default: info)
`, name, version, name)
}
