package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sphenix-prod/slurp/internal/config"
	"github.com/sphenix-prod/slurp/internal/retry"
	"github.com/sphenix-prod/slurp/internal/rule"
)

// transientMarkers identify scheduler errors worth retrying: the schedd could not be
// reached, so nothing was queued.
var transientMarkers = []string{
	"Failed to connect",
	"Can't find address",
	"connect to the schedd",
	"SECMAN:",
	"timed out",
}

// Config locates the condor command line tools.
type Config struct {
	SubmitBin  string
	QBin       string
	RmBin      string
	HoldBin    string
	ReleaseBin string
	Schedd     string // empty means the local schedd
	Attempts   int
}

// LoadConfig reads the condor configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		SubmitBin:  config.GetEnvStr("CONDOR_SUBMIT_BIN", "condor_submit"),
		QBin:       config.GetEnvStr("CONDOR_Q_BIN", "condor_q"),
		RmBin:      config.GetEnvStr("CONDOR_RM_BIN", "condor_rm"),
		HoldBin:    config.GetEnvStr("CONDOR_HOLD_BIN", "condor_hold"),
		ReleaseBin: config.GetEnvStr("CONDOR_RELEASE_BIN", "condor_release"),
		Schedd:     config.GetEnvStr("CONDOR_SCHEDD", ""),
		Attempts:   config.GetEnvInt("CONDOR_ATTEMPTS", retry.DefaultAttempts),
	}
}

// CommandRunner runs a program with stdin and returns its stdout.
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) (string, error)

// CommandError describes a failed tool invocation.
type CommandError struct {
	Command string
	Code    int
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit %d: %v: %s", e.Command, e.Code, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecCommand runs name from PATH.
func ExecCommand(ctx context.Context, stdin []byte, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}

		return stdout.String(), &CommandError{Command: name, Code: code, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	return stdout.String(), nil
}

// IsTransient reports whether err means the scheduler could not be reached.
func IsTransient(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}

	for _, m := range transientMarkers {
		if strings.Contains(cmdErr.Stderr, m) {
			return true
		}
	}

	return false
}

// Condor drives HTCondor through its command line tools.
type Condor struct {
	cfg    *Config
	run    CommandRunner
	policy retry.Policy
	logger *slog.Logger
}

// CondorOption configures Condor.
type CondorOption func(*Condor)

// WithCommandRunner replaces how tools are executed.
func WithCommandRunner(r CommandRunner) CondorOption {
	return func(c *Condor) { c.run = r }
}

// WithRetryPolicy replaces the retry policy for unreachable schedds.
func WithRetryPolicy(p retry.Policy) CondorOption {
	return func(c *Condor) { c.policy = p }
}

// WithCondorLogger sets the logger.
func WithCondorLogger(l *slog.Logger) CondorOption {
	return func(c *Condor) { c.logger = l }
}

// NewCondor returns a scheduler backed by the condor tools.
func NewCondor(cfg *Config, opts ...CondorOption) *Condor {
	policy := retry.DefaultPolicy()
	if cfg.Attempts > 0 {
		policy.Attempts = cfg.Attempts
	}

	policy.Retryable = IsTransient

	c := &Condor{cfg: cfg, run: ExecCommand, policy: policy, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ Scheduler = (*Condor)(nil)

// Submit pipes the submit file to condor_submit and parses the cluster from -terse output.
func (c *Condor) Submit(ctx context.Context, desc rule.JobTemplate, items []Item) (int, error) {
	var file bytes.Buffer
	if err := WriteSubmit(&file, desc, items); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	args := append(c.scheddArgs(), "-terse")

	var out string

	err := c.retry(ctx, "submit", func() error {
		var err error

		out, err = c.run(ctx, file.Bytes(), c.cfg.SubmitBin, args...)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	cluster, err := parseTerse(out)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	c.logger.Info("Submitted jobs",
		slog.Int("cluster", cluster),
		slog.Int("jobs", len(items)))

	return cluster, nil
}

// parseTerse reads "123.0 - 123.4" as cluster 123.
func parseTerse(out string) (int, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	first, _, _ := strings.Cut(line, " ")
	cluster, _, _ := strings.Cut(first, ".")

	n, err := strconv.Atoi(cluster)
	if err != nil {
		return 0, fmt.Errorf("unexpected condor_submit output %q", out)
	}

	return n, nil
}

// Query runs condor_q with a JSON projection.
func (c *Condor) Query(ctx context.Context, constraint string, projection []string) ([]Ad, error) {
	args := append(c.scheddArgs(), "-json", "-constraint", constraint)
	if len(projection) > 0 {
		args = append(args, "-attributes", strings.Join(projection, ","))
	}

	var out string

	err := c.retry(ctx, "query", func() error {
		var err error

		out, err = c.run(ctx, nil, c.cfg.QBin, args...)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	var ads []Ad
	if err := json.Unmarshal([]byte(out), &ads); err != nil {
		return nil, fmt.Errorf("%w: decode condor_q output: %w", ErrQueryFailed, err)
	}

	return ads, nil
}

// Act runs condor_rm, condor_hold or condor_release on the jobs matching constraint.
func (c *Condor) Act(ctx context.Context, action Action, constraint string) error {
	var bin string

	switch action {
	case ActionRemove:
		bin = c.cfg.RmBin
	case ActionHold:
		bin = c.cfg.HoldBin
	case ActionRelease:
		bin = c.cfg.ReleaseBin
	default:
		return fmt.Errorf("%w: unknown action %q", ErrActionFailed, action)
	}

	args := append(c.scheddArgs(), "-constraint", constraint)

	err := c.retry(ctx, string(action), func() error {
		_, err := c.run(ctx, nil, bin, args...)

		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrActionFailed, action, err)
	}

	return nil
}

func (c *Condor) scheddArgs() []string {
	if c.cfg.Schedd == "" {
		return nil
	}

	return []string{"-name", c.cfg.Schedd}
}

func (c *Condor) retry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(ctx, c.policy, fn, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("Scheduler unreachable, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
	})
}
