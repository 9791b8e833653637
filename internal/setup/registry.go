// Package setup resolves the production setup a submission is recorded against: the
// (name, build, dbtag, hash, revision) record tying outputs to a payload commit.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/storage"
	"github.com/sphenix-prod/slurp/internal/vcs"
)

// streamWildcard stands in for the stream placeholder in setup names, so all streams of a
// rule share one setup.
const streamWildcard = "_X_"

// ErrResolveFailed wraps failures to resolve a setup.
var ErrResolveFailed = errors.New("production setup resolution failed")

// Store persists setups.
type Store interface {
	Find(ctx context.Context, key storage.SetupKey) (*storage.ProductionSetup, error)
	Create(ctx context.Context, key storage.SetupKey, repo, dir string) error
}

// WorkingCopy reports the live state of a payload checkout.
type WorkingCopy interface {
	State(ctx context.Context) (vcs.State, error)
}

// Request identifies the setup of one rule.
type Request struct {
	Name    string // rule name, may contain the stream placeholder
	Build   string // verbatim build, e.g. ana.464
	DBTag   string
	Version string // "vNNN" or empty
	Payload string
}

// RequestFor builds the request of r.
func RequestFor(r rule.Rule) Request {
	return Request{Name: r.Name(), Build: r.BuildArg(), DBTag: r.DBTag(), Version: r.Version(), Payload: r.Payload()}
}

// Registry resolves setups. It holds no cache: cleanliness and currency come from the
// working copy on every call.
type Registry struct {
	store  Store
	open   func(dir string) WorkingCopy
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithWorkingCopies replaces how payload directories are inspected.
func WithWorkingCopies(open func(dir string) WorkingCopy) Option {
	return func(r *Registry) {
		r.open = open
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		open:   func(dir string) WorkingCopy { return vcs.Open(dir) },
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve returns the setup for req at the payload's current commit, creating it on first
// use. Concurrent callers with the same key converge on a single row.
func (r *Registry) Resolve(ctx context.Context, req Request) (*storage.ProductionSetup, error) {
	state, err := r.open(req.Payload).State(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolveFailed, req.Payload, err)
	}

	key, err := keyFor(req, state.Hash)
	if err != nil {
		return nil, err
	}

	setup, err := r.store.Find(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if err := r.store.Create(ctx, key, state.Repo, req.Payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResolveFailed, err)
		}

		r.logger.Info("Created production setup",
			slog.String("name", key.Name),
			slog.String("build", key.Build),
			slog.String("dbtag", key.DBTag),
			slog.String("hash", key.Hash),
			slog.String("repo", state.Repo))

		setup, err = r.store.Find(ctx, key)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}

	setup.IsClean = state.IsClean
	setup.IsCurrent = state.IsCurrent

	return setup, nil
}

func keyFor(req Request, hash string) (storage.SetupKey, error) {
	key := storage.SetupKey{
		Name:  strings.ReplaceAll(req.Name, rule.StreamPlaceholder, streamWildcard),
		Build: req.Build,
		DBTag: req.DBTag,
		Hash:  hash,
	}

	if req.Version != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(req.Version, "v"))
		if err != nil {
			return storage.SetupKey{}, fmt.Errorf("%w: version %q", ErrResolveFailed, req.Version)
		}

		key.Revision = &n
	}

	return key, nil
}
