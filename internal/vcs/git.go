// Package vcs inspects the git working copy a production payload is shipped from.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrGitFailed wraps a failing git invocation.
	ErrGitFailed = errors.New("git command failed")

	// ErrNotRepository is returned when the payload directory is not a git working copy.
	ErrNotRepository = errors.New("payload directory is not a git repository")
)

// Runner executes git with args in dir and returns stdout.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecRunner runs the git binary found on PATH.
func ExecRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}

		return stdout.String(), &CommandError{Args: args, Code: code, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	return stdout.String(), nil
}

// CommandError describes a failed git invocation.
type CommandError struct {
	Args   []string
	Code   int // exit status, -1 when git did not run to completion
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %v: %s", strings.Join(e.Args, " "), e.Code, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// State is what a production setup needs to know about a working copy.
type State struct {
	Hash      string // abbreviated HEAD commit
	Repo      string // origin URL
	Branch    string
	IsClean   bool // no modified tracked files
	IsCurrent bool // HEAD is contained in the remote branch
}

// Repository reads the state of one working copy. Nothing is cached: every call runs git.
type Repository struct {
	dir string
	run Runner
}

// Option configures a Repository.
type Option func(*Repository)

// WithRunner replaces the git runner.
func WithRunner(r Runner) Option {
	return func(repo *Repository) {
		repo.run = r
	}
}

// Open returns the repository rooted at or above dir.
func Open(dir string, opts ...Option) *Repository {
	r := &Repository{dir: dir, run: ExecRunner}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Dir is the payload directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Hash returns the abbreviated HEAD commit.
func (r *Repository) Hash(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNotRepository, r.dir, err)
	}

	return out, nil
}

// RemoteURL returns the URL of origin, or "" when no origin is configured.
func (r *Repository) RemoteURL(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "config", "--get", "remote.origin.url")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}

		return "", err
	}

	return out, nil
}

// Branch returns the checked out branch, or "" on a detached HEAD.
func (r *Repository) Branch(ctx context.Context) (string, error) {
	return r.git(ctx, "branch", "--show-current")
}

// IsClean reports whether no tracked file is modified. Untracked files are ignored.
func (r *Repository) IsClean(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "-c", "color.status=no", "status", "-uno", "--short")
	if err != nil {
		return false, err
	}

	return out == "", nil
}

// IsCurrent reports whether HEAD is an ancestor of origin/branch, meaning the commit has
// been pushed. A detached HEAD or missing remote branch is never current.
func (r *Repository) IsCurrent(ctx context.Context, branch string) (bool, error) {
	if branch == "" {
		return false, nil
	}

	_, err := r.git(ctx, "merge-base", "--is-ancestor", "HEAD", "origin/"+branch)
	if err == nil {
		return true, nil
	}

	// 1: not an ancestor, 128: unknown revision
	if code := exitCode(err); code == 1 || code == 128 {
		return false, nil
	}

	return false, err
}

// State collects everything at once.
func (r *Repository) State(ctx context.Context) (State, error) {
	var (
		s   State
		err error
	)

	if s.Hash, err = r.Hash(ctx); err != nil {
		return State{}, err
	}

	if s.Repo, err = r.RemoteURL(ctx); err != nil {
		return State{}, err
	}

	if s.Branch, err = r.Branch(ctx); err != nil {
		return State{}, err
	}

	if s.IsClean, err = r.IsClean(ctx); err != nil {
		return State{}, err
	}

	if s.IsCurrent, err = r.IsCurrent(ctx, s.Branch); err != nil {
		return State{}, err
	}

	return s, nil
}

func (r *Repository) git(ctx context.Context, args ...string) (string, error) {
	out, err := r.run(ctx, r.dir, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGitFailed, err)
	}

	return strings.TrimSpace(out), nil
}

func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}

	return -1
}
