package scheduler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sphenix-prod/slurp/internal/rule"
)

// Dump file names.
const (
	DumpJobFile   = "submit.job"
	DumpItemsFile = "submit.in"
)

// DumpOrder is the column order of the dumped item list.
var DumpOrder = []string{
	"script", "name", "nevents", "run", "seg", "lfn", "indir", "dst", "outdir",
	"buildarg", "tag", "stdout", "stderr", "condor", "mem",
}

var macroNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrBadSubmitFile is returned when a description or item cannot be written as a submit file.
var ErrBadSubmitFile = errors.New("cannot render submit file")

// WriteSubmit renders a submit file that queues one job per item. Each job is preceded by
// its macro definitions, so values may contain commas and spaces.
func WriteSubmit(w io.Writer, desc rule.JobTemplate, items []Item) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	bw := bufio.NewWriter(w)

	if err := writeDescription(bw, desc); err != nil {
		return err
	}

	for i, item := range items {
		_, _ = fmt.Fprintf(bw, "\n# job %d\n", i)

		for _, k := range item.Keys() {
			if !macroNameRegex.MatchString(k) {
				return fmt.Errorf("%w: macro name %q", ErrBadSubmitFile, k)
			}

			if strings.ContainsAny(item[k], "\r\n") {
				return fmt.Errorf("%w: macro %s contains a newline", ErrBadSubmitFile, k)
			}

			_, _ = fmt.Fprintf(bw, "%s = %s\n", k, item[k])
		}

		_, _ = fmt.Fprintln(bw, "queue 1")
	}

	return bw.Flush()
}

func writeDescription(w io.Writer, desc rule.JobTemplate) error {
	for _, e := range desc.Entries() {
		if strings.ContainsAny(e.Value, "\r\n") {
			return fmt.Errorf("%w: %s contains a newline", ErrBadSubmitFile, e.Key)
		}

		if _, err := fmt.Fprintf(w, "%s = %s\n", e.Key, e.Value); err != nil {
			return err
		}
	}

	return nil
}

// Dump writes the description and the item list to dir for inspection or a manual
// submission, without contacting the scheduler. Items are written in DumpOrder.
func Dump(dir string, desc rule.JobTemplate, items []Item) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSubmitFile, err)
	}

	var job strings.Builder

	if err := writeDescription(&job, desc); err != nil {
		return err
	}

	job.WriteString("queue " + strings.Join(DumpOrder, ", ") + " from " + DumpItemsFile + "\n")

	var in strings.Builder

	for _, item := range items {
		row := make([]string, len(DumpOrder))
		for i, k := range DumpOrder {
			row[i] = item[k]
		}

		in.WriteString(strings.Join(row, ",") + "\n")
	}

	if err := os.WriteFile(filepath.Join(dir, DumpJobFile), []byte(job.String()), 0o644); err != nil { // #nosec G306 - submit files are shared with the batch system
		return fmt.Errorf("%w: %w", ErrBadSubmitFile, err)
	}

	if err := os.WriteFile(filepath.Join(dir, DumpItemsFile), []byte(in.String()), 0o644); err != nil { // #nosec G306
		return fmt.Errorf("%w: %w", ErrBadSubmitFile, err)
	}

	return nil
}
