package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a confirmation is needed but nobody can answer it.
var ErrNotInteractive = errors.New("confirmation required but input is not a terminal")

// Prompter asks the operator a yes/no question. The default answer is no.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// TerminalPrompter reads answers from a terminal.
type TerminalPrompter struct {
	in          io.Reader
	out         io.Writer
	interactive bool
}

// NewTerminalPrompter prompts on out and reads from in. Reading is refused unless in is a terminal.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	return &TerminalPrompter{in: in, out: out, interactive: interactive}
}

// NewScriptedPrompter reads answers from in without a terminal check.
func NewScriptedPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out, interactive: true}
}

// Confirm asks question until it gets y, yes, n, no or an empty line (no).
func (p *TerminalPrompter) Confirm(ctx context.Context, question string) (bool, error) {
	if !p.interactive {
		return false, fmt.Errorf("%w: %s", ErrNotInteractive, question)
	}

	type answer struct {
		yes bool
		err error
	}

	done := make(chan answer, 1)

	go func() {
		reader := bufio.NewReader(p.in)

		for {
			_, _ = fmt.Fprintf(p.out, "%s [y/N] ", question)

			line, err := reader.ReadString('\n')

			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				done <- answer{yes: true}

				return
			case "", "n", "no":
				if err != nil && !errors.Is(err, io.EOF) {
					done <- answer{err: err}

					return
				}

				done <- answer{}

				return
			}

			if err != nil {
				done <- answer{}

				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-done:
		return a.yes, a.err
	}
}

// Static answers every question the same way.
type Static bool

// Confirm returns the fixed answer.
func (s Static) Confirm(context.Context, string) (bool, error) {
	return bool(s), nil
}
