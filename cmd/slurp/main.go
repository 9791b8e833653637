// Package main provides the slurp production submission tool.
//
// slurp matches workflow rules against the sPHENIX file catalog, records every job in the
// production status table and submits the jobs to HTCondor.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sphenix-prod/slurp/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := cli.Execute(ctx, os.Args[1:])

	stop()
	os.Exit(code)
}
