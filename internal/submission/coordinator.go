// Package submission turns the matches of a rule into scheduler jobs with status rows:
// rows are inserted as "submitting" in a transaction that commits only when the
// scheduler accepted the jobs, then updated with the scheduler's identifiers.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sphenix-prod/slurp/internal/events"
	"github.com/sphenix-prod/slurp/internal/matcher"
	"github.com/sphenix-prod/slurp/internal/metrics"
	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/storage"
)

var (
	// ErrAborted is returned when the operator declines a confirmation.
	ErrAborted = errors.New("submission aborted by operator")

	// ErrCommitFailed is returned when the status rows could not be committed after the
	// scheduler accepted the jobs. The cluster has been removed again.
	ErrCommitFailed = errors.New("status rows could not be committed")
)

// queryProjection is what the submission reads back from the scheduler.
var queryProjection = []string{"ClusterId", "ProcId", "UserLog", AttrStatusID}

// Matcher matches a rule.
type Matcher interface {
	Match(ctx context.Context, r rule.Rule, o rule.MatchOptions) (*matcher.Result, error)
}

// Dispatched is one job handed to the scheduler.
type Dispatched struct {
	Run      int
	Segment  int
	DstFile  string
	StatusID int
	Cluster  int
	Process  int
}

// Coordinator submits rules.
type Coordinator struct {
	oc        *orchestrator.Context
	matcher   Matcher
	store     Store
	scheduler scheduler.Scheduler
	publisher events.Publisher
	metrics   *metrics.Collector
	dumpDir   string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher publishes a submitted event per job.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithMetrics records match and submission counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithDump writes the submit files to dir instead of submitting. Nothing is written to
// the status database.
func WithDump(dir string) Option {
	return func(c *Coordinator) { c.dumpDir = dir }
}

// New returns a coordinator.
func New(oc *orchestrator.Context, m Matcher, store Store, sched scheduler.Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		oc:        oc,
		matcher:   m,
		store:     store,
		scheduler: sched,
		publisher: events.Nop{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit matches r and submits at most maxJobs of the matches (0 for all).
func (c *Coordinator) Submit(ctx context.Context, r rule.Rule, maxJobs int, o rule.MatchOptions) ([]Dispatched, error) {
	start := time.Now()
	logger := c.oc.Logger.With(slog.String("rule", r.Name()))

	res, err := c.matcher.Match(ctx, r, o)
	if err != nil {
		return nil, err
	}

	c.recordMatch(r, res)

	if res.Empty() {
		logger.Info("No jobs to submit")

		return nil, nil
	}

	res.Truncate(maxJobs)

	if err := c.confirm(ctx, logger, r, res); err != nil {
		return nil, err
	}

	desc := Description(r, c.oc.InvocationID)
	dirs := make([]Directories, len(res.Matches))

	for i, m := range res.Matches {
		dirs[i] = DirectoriesFor(r.Filesystem(), m)
	}

	if c.dumpDir != "" {
		return c.dump(logger, desc, res.Matches, dirs)
	}

	if err := makeDirectories(dirs); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	dispatched, err := c.submit(ctx, logger, res, desc, dirs)

	if c.metrics != nil {
		c.metrics.RecordSubmission(r.Name(), len(dispatched), err)
		c.metrics.ObserveDuration("submit", start)
	}

	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	if n, err := c.store.DeleteByID(ctx, res.Unblock); err != nil {
		logger.Error("Failed to remove replaced status rows",
			slog.Any("ids", res.Unblock),
			slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("Removed replaced status rows", slog.Int64("rows", n))
	}

	c.publish(ctx, logger, res.Matches, dispatched)
	logDispatch(logger, dispatched)

	return dispatched, nil
}

func (c *Coordinator) recordMatch(r rule.Rule, res *matcher.Result) {
	if c.metrics == nil || res == nil {
		return
	}

	skipped := make(map[string]int)
	for reason, n := range matcher.CountByReason(res.Skipped) {
		skipped[string(reason)] = n
	}

	c.metrics.RecordMatch(r.Name(), len(res.Matches), skipped)
}

// confirm asks before resubmitting and before using a setup that cannot be reproduced.
// Batch invocations only warn.
func (c *Coordinator) confirm(ctx context.Context, logger *slog.Logger, r rule.Rule, res *matcher.Result) error {
	if r.Resubmit() {
		question := fmt.Sprintf("Resubmitting %d jobs of %s replaces %d status rows and may overwrite existing output. Continue?",
			len(res.Matches), r.Name(), len(res.Unblock))
		if err := c.ask(ctx, logger, question); err != nil {
			return err
		}
	}

	s := res.Setup
	if s == nil || (s.IsClean && s.IsCurrent) {
		return nil
	}

	if s.IsClean && c.oc.Testbed {
		logger.Warn("Production setup is not current with its upstream branch", slog.String("hash", s.Hash))

		return nil
	}

	question := fmt.Sprintf("Production setup %s (%s) is clean=%t current=%t and cannot be reproduced. Continue?",
		s.Name, s.Hash, s.IsClean, s.IsCurrent)

	return c.ask(ctx, logger, question)
}

func (c *Coordinator) ask(ctx context.Context, logger *slog.Logger, question string) error {
	if c.oc.Batch {
		logger.Warn(question + " (batch mode, continuing)")

		return nil
	}

	ok, err := c.oc.Prompter.Confirm(ctx, question)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}

	if !ok {
		return ErrAborted
	}

	return nil
}

func (c *Coordinator) dump(logger *slog.Logger, desc rule.JobTemplate, matches []rule.Match, dirs []Directories) ([]Dispatched, error) {
	items := make([]scheduler.Item, len(matches))
	out := make([]Dispatched, len(matches))

	for i, m := range matches {
		items[i] = Item(m, dirs[i], 0)
		out[i] = Dispatched{Run: m.Run, Segment: m.Segment, DstFile: m.DstFile()}
	}

	if err := scheduler.Dump(c.dumpDir, desc, items); err != nil {
		return nil, err
	}

	logger.Info("Wrote submit files", slog.String("dir", c.dumpDir), slog.Int("jobs", len(items)))

	return out, nil
}

func makeDirectories(dirs []Directories) error {
	seen := make(map[string]bool)

	for _, d := range dirs {
		for _, p := range d.Local() {
			if seen[p] {
				continue
			}

			seen[p] = true

			if err := os.MkdirAll(p, 0o775); err != nil { // #nosec G301 - production directories are group writable
				return fmt.Errorf("create %s: %w", p, err)
			}
		}
	}

	return nil
}

// submit inserts the rows, submits the cluster and records the scheduler identifiers.
func (c *Coordinator) submit(ctx context.Context, logger *slog.Logger, res *matcher.Result, desc rule.JobTemplate, dirs []Directories) ([]Dispatched, error) {
	inserts := make([]storage.StatusInsert, len(res.Matches))
	for i, m := range res.Matches {
		inserts[i] = statusInsert(m)
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := tx.InsertSubmitting(ctx, *res.Setup, inserts)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}

	items := make([]scheduler.Item, len(res.Matches))
	for i, m := range res.Matches {
		items[i] = Item(m, dirs[i], ids[i])
	}

	cluster, err := c.scheduler.Submit(ctx, desc, items)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		constraint := fmt.Sprintf("ClusterId == %d", cluster)
		if actErr := c.scheduler.Act(ctx, scheduler.ActionRemove, constraint); actErr != nil {
			logger.Error("Failed to remove cluster after commit failure",
				slog.Int("cluster", cluster),
				slog.String("error", actErr.Error()))
		}

		return nil, fmt.Errorf("%w: cluster %d: %w", ErrCommitFailed, cluster, err)
	}

	logger.Info("Submitted cluster", slog.Int("cluster", cluster), slog.Int("jobs", len(items)))

	dispatched := c.identify(ctx, logger, cluster, res.Matches, ids)

	updates := make([]storage.SubmittedUpdate, len(dispatched))
	for i, d := range dispatched {
		updates[i] = storage.SubmittedUpdate{ID: d.StatusID, Cluster: d.Cluster, Process: d.Process}
	}

	if _, err := c.store.UpdateSubmitted(ctx, updates); err != nil {
		logger.Error("Jobs were submitted but their status rows remain submitting",
			slog.Int("cluster", cluster),
			slog.String("error", err.Error()))
	}

	return dispatched, nil
}

// identify assigns each inserted row its scheduler job. Ads are joined by the status id
// attribute, then by the user log basename; rows neither finds keep their queue position,
// which is the order items were submitted in.
func (c *Coordinator) identify(ctx context.Context, logger *slog.Logger, cluster int, matches []rule.Match, ids []int) []Dispatched {
	out := make([]Dispatched, len(matches))
	byID := make(map[int]int, len(ids))
	byFile := make(map[string]int, len(matches))

	for i, m := range matches {
		out[i] = Dispatched{Run: m.Run, Segment: m.Segment, DstFile: m.DstFile(), StatusID: ids[i], Cluster: cluster, Process: i}
		byID[ids[i]] = i
		byFile[strings.ToLower(m.DstFile())] = i
	}

	ads, err := c.scheduler.Query(ctx, fmt.Sprintf("ClusterId == %d", cluster), queryProjection)
	if err != nil {
		logger.Warn("Could not read back the submitted jobs, using queue order",
			slog.Int("cluster", cluster),
			slog.String("error", err.Error()))

		return out
	}

	for _, ad := range ads {
		proc, ok := ad.Int("ProcId")
		if !ok {
			continue
		}

		i, found := -1, false

		if id, ok := ad.Int(AttrStatusID); ok {
			i, found = byID[id]
		}

		if !found {
			i, found = byFile[logBase(ad.String("UserLog"))]
		}

		if !found {
			logger.Error("Submitted job matches no status row",
				slog.Int("cluster", cluster),
				slog.Int("process", proc),
				slog.String("log", ad.String("UserLog")))

			continue
		}

		out[i].Process = proc
	}

	return out
}

// logBase is the lowercased user log filename up to its first dot.
func logBase(userLog string) string {
	base := strings.ToLower(filepath.Base(userLog))
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}

	return base
}

func (c *Coordinator) publish(ctx context.Context, logger *slog.Logger, matches []rule.Match, dispatched []Dispatched) {
	evts := make([]events.Event, len(dispatched))

	for i, d := range dispatched {
		e := events.New(events.KindSubmitted, c.oc.InvocationID, c.oc.Now())
		e.Host = c.oc.Host
		e.DstName = matches[i].DstName
		e.DstFile = d.DstFile
		e.Run = d.Run
		e.Segment = d.Segment
		e.StatusID = d.StatusID
		e.Cluster = d.Cluster
		e.Process = d.Process
		evts[i] = e
	}

	if err := c.publisher.Publish(ctx, evts...); err != nil {
		logger.Warn("Failed to publish submission events", slog.String("error", err.Error()))
	}
}

// logDispatch logs the dispatched segments of each run.
func logDispatch(logger *slog.Logger, dispatched []Dispatched) {
	var runs []int

	segments := make(map[int][]int)

	for _, d := range dispatched {
		if _, ok := segments[d.Run]; !ok {
			runs = append(runs, d.Run)
		}

		segments[d.Run] = append(segments[d.Run], d.Segment)
	}

	slices.Sort(runs)

	for _, run := range runs {
		logger.Info("Dispatched run", slog.Int("run", run), slog.Any("segments", segments[run]))
	}
}
