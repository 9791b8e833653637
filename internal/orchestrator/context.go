// Package orchestrator carries the per-invocation state shared by the matcher, the
// submission coordinator and the reconciler: logger, blocking policy, batch flag,
// confirmation prompter, clock and identity of the invocation.
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sphenix-prod/slurp/internal/config"
	"github.com/sphenix-prod/slurp/internal/storage"
)

// Context is created once per invocation and passed explicitly.
type Context struct {
	InvocationID uuid.UUID
	Host         string
	Batch        bool // skip every confirmation
	Testbed      bool // relax reproducibility checks and mangle directories
	Blocking     BlockingPolicy
	Prompter     Prompter
	Logger       *slog.Logger
	Now          func() time.Time
}

// Option configures a Context.
type Option func(*Context)

// WithBatch sets batch mode.
func WithBatch(batch bool) Option {
	return func(c *Context) { c.Batch = batch }
}

// WithTestbed sets testbed mode.
func WithTestbed(testbed bool) Option {
	return func(c *Context) { c.Testbed = testbed }
}

// WithBlocking replaces the blocking policy.
func WithBlocking(p BlockingPolicy) Option {
	return func(c *Context) { c.Blocking = p }
}

// WithPrompter replaces the prompter.
func WithPrompter(p Prompter) Option {
	return func(c *Context) { c.Prompter = p }
}

// WithLogger replaces the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.Logger = l }
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.Now = now }
}

// WithHost sets the submission host.
func WithHost(host string) Option {
	return func(c *Context) { c.Host = host }
}

// New returns a context with a fresh invocation id, the default blocking policy, an
// interactive terminal prompter and the configured logger.
func New(opts ...Option) *Context {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	c := &Context{
		InvocationID: uuid.New(),
		Host:         strings.Split(host, ".")[0],
		Blocking:     DefaultBlocking(),
		Prompter:     NewTerminalPrompter(os.Stdin, os.Stderr),
		Logger:       slog.Default(),
		Now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Logger = c.Logger.With(slog.String("invocation", c.InvocationID.String()))

	return c
}

// FromEnv returns a context configured by SLURP_BATCH and SLURP_TESTBED. A working
// directory containing "testbed" also selects testbed mode.
func FromEnv(opts ...Option) *Context {
	testbed := config.GetEnvBool("SLURP_TESTBED", false)
	if wd, err := os.Getwd(); err == nil && strings.Contains(wd, "testbed") {
		testbed = true
	}

	base := []Option{
		WithBatch(config.GetEnvBool("SLURP_BATCH", false)),
		WithTestbed(testbed),
		WithLogger(config.NewLogger()),
	}

	return New(append(base, opts...)...)
}

// Mangle is the replacement for "production" in directory templates, or "" outside testbeds.
func (c *Context) Mangle() string {
	if c.Testbed {
		return "production-testbed"
	}

	return ""
}

// BlockingPolicy decides which existing statuses prevent a new submission.
type BlockingPolicy struct {
	blocking map[storage.Status]bool
}

// DefaultBlocking blocks on every state, finished included: a finished job's output may
// not be registered in the catalog yet.
func DefaultBlocking() BlockingPolicy {
	return NewBlockingPolicy(storage.AllStatuses()...)
}

// NewBlockingPolicy blocks on exactly states.
func NewBlockingPolicy(states ...storage.Status) BlockingPolicy {
	p := BlockingPolicy{blocking: make(map[storage.Status]bool, len(states))}
	for _, s := range states {
		p.blocking[s] = true
	}

	return p
}

// Unblock returns a copy that no longer blocks on states. A submitting row stays blocking:
// its submission may still be in flight.
func (p BlockingPolicy) Unblock(states ...storage.Status) BlockingPolicy {
	out := BlockingPolicy{blocking: make(map[storage.Status]bool, len(p.blocking))}
	for s, b := range p.blocking {
		out.blocking[s] = b
	}

	for _, s := range states {
		if s == storage.StatusSubmitting {
			continue
		}

		delete(out.blocking, s)
	}

	return out
}

// Blocks reports whether a row in state s prevents a new submission.
func (p BlockingPolicy) Blocks(s storage.Status) bool {
	return p.blocking[s]
}

// Overridable reports whether resubmission may replace a row in state s. Only a
// submitting row is never overridable.
func (p BlockingPolicy) Overridable(s storage.Status) bool {
	return s != storage.StatusSubmitting
}

// States returns the blocking states in lifecycle order.
func (p BlockingPolicy) States() []storage.Status {
	var out []storage.Status

	for _, s := range storage.AllStatuses() {
		if p.blocking[s] {
			out = append(out, s)
		}
	}

	return out
}

// ParseStatuses parses operator supplied state names.
func ParseStatuses(names []string) ([]storage.Status, error) {
	out := make([]storage.Status, 0, len(names))

	for _, n := range names {
		s, err := storage.ParseStatus(strings.ToLower(strings.TrimSpace(n)))
		if err != nil {
			return nil, fmt.Errorf("unblock state: %w", err)
		}

		out = append(out, s)
	}

	return out, nil
}
