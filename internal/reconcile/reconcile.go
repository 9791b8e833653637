// Package reconcile brings the status table in line with the scheduler: held jobs are
// recorded (and optionally removed), and the production cursor is moved.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sphenix-prod/slurp/internal/events"
	"github.com/sphenix-prod/slurp/internal/metrics"
	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/storage"
	"github.com/sphenix-prod/slurp/internal/submission"
)

const (
	holdReasonLimit = 1022
	messageLimit    = 512
)

var (
	// ErrBadPattern is returned for a production pattern that is empty or not a valid expression.
	ErrBadPattern = errors.New("invalid production pattern")

	// ErrNoCursorKey is returned when a cursor option is set without a cursor key.
	ErrNoCursorKey = errors.New("cursor update requested without a cursor key")
)

// projection is what the reconciler reads from the scheduler.
var projection = []string{
	"ClusterId", "ProcId", "JobStatus", "HoldReason", "EnteredCurrentStatus", "UserLog",
	submission.AttrStatusID, submission.AttrDstType, submission.AttrRun, submission.AttrSegment,
}

// dstFileRegex splits a dstfile into dstname, run and segment.
var dstFileRegex = regexp.MustCompile(`^(.+)-(\d{8})-(\d{5})$`)

// StatusStore is the part of the status store the reconciler writes to.
type StatusStore interface {
	MarkHeld(ctx context.Context, updates []storage.HeldUpdate) (int64, error)
	IDByJob(ctx context.Context, cluster, process int) (int, error)
	RunningRuns(ctx context.Context, dstTypeExpr string) ([]int, error)
}

// CursorStore reads and moves production cursors.
type CursorStore interface {
	Get(ctx context.Context, key storage.CursorKey) (int, error)
	Set(ctx context.Context, key storage.CursorKey, run int) error
}

// Options select the optional reconcile actions.
type Options struct {
	RemoveHeld bool
	// AdvanceCursor moves the cursor to the oldest run still running, or to the newest
	// submitted run when nothing runs.
	AdvanceCursor bool
	// RatchetCursor moves the cursor forward to the newest submitted run.
	RatchetCursor bool
	Cursor        storage.CursorKey
	// Submitted are the runs dispatched by this invocation. When empty, runs with
	// unfinished status rows are used.
	Submitted []int
}

// Report summarizes one reconcile.
type Report struct {
	Running     int
	Held        int
	Updated     int64
	Removed     int
	RunningRuns []int
	Cursor      *int // set when the cursor moved
}

// Reconciler reconciles one production at a time.
type Reconciler struct {
	oc        *orchestrator.Context
	scheduler scheduler.Scheduler
	status    StatusStore
	cursors   CursorStore
	throttle  *Throttle
	publisher events.Publisher
	metrics   *metrics.Collector
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithThrottle bounds the rate of removals.
func WithThrottle(t *Throttle) Option {
	return func(r *Reconciler) { r.throttle = t }
}

// WithPublisher publishes held and removed events.
func WithPublisher(p events.Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithMetrics records reconcile counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New returns a reconciler.
func New(oc *orchestrator.Context, sched scheduler.Scheduler, status StatusStore, cursors CursorStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		oc:        oc,
		scheduler: sched,
		status:    status,
		cursors:   cursors,
		throttle:  NewThrottle(ThrottleConfig{ActionsPerSecond: defaultActionsPerSecond}),
		publisher: events.Nop{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Constraint selects the running and held jobs whose dst type starts with pattern.
func Constraint(pattern string) string {
	return fmt.Sprintf(`regexp("^%s", %s) && (JobStatus == %d || JobStatus == %d)`,
		pattern, submission.AttrDstType, scheduler.JobRunning, scheduler.JobHeld)
}

type heldJob struct {
	update  storage.HeldUpdate
	cluster int
	process int
	dstFile string
	run     int
	segment int
}

// Reconcile records held jobs of the productions matching pattern, optionally removes
// them, and moves the cursor when asked. Only rows named by a job's status id, or recorded
// with its cluster and process, are touched.
func (r *Reconciler) Reconcile(ctx context.Context, pattern string, o Options) (*Report, error) {
	start := time.Now()
	logger := r.oc.Logger.With(slog.String("production", pattern))

	if pattern == "" || strings.ContainsAny(pattern, `"`) {
		return nil, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}

	if _, err := regexp.Compile("^" + pattern); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrBadPattern, pattern, err)
	}

	if (o.AdvanceCursor || o.RatchetCursor) && o.Cursor.DstType == "" {
		return nil, ErrNoCursorKey
	}

	ads, err := r.scheduler.Query(ctx, Constraint(pattern), projection)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	var held []heldJob

	for _, ad := range ads {
		status, _ := ad.Int("JobStatus")

		switch status {
		case scheduler.JobRunning:
			report.Running++

			if run, ok := ad.Int(submission.AttrRun); ok && !slices.Contains(report.RunningRuns, run) {
				report.RunningRuns = append(report.RunningRuns, run)
			}
		case scheduler.JobHeld:
			job, ok := r.heldJob(ctx, logger, ad)
			if ok {
				held = append(held, job)
			}
		}
	}

	slices.Sort(report.RunningRuns)
	report.Held = len(held)

	updates := make([]storage.HeldUpdate, len(held))
	for i, h := range held {
		updates[i] = h.update
	}

	report.Updated, err = r.status.MarkHeld(ctx, updates)
	if err != nil {
		return nil, err
	}

	logger.Info("Reconciled production",
		slog.Int("running", report.Running),
		slog.Int("held", report.Held),
		slog.Int64("updated", report.Updated))

	r.publishHeld(ctx, logger, events.KindHeld, held)

	if o.RemoveHeld {
		removed, err := r.removeHeld(ctx, logger, held)
		report.Removed = len(removed)

		r.publishHeld(ctx, logger, events.KindRemoved, removed)

		if err != nil {
			return report, err
		}
	}

	if err := r.moveCursor(ctx, logger, o, report); err != nil {
		return report, err
	}

	if r.metrics != nil {
		r.metrics.RecordReconcile(pattern, report.Running, report.Held, report.Removed)
		r.metrics.ObserveDuration("reconcile", start)
	}

	return report, nil
}

// heldJob builds the status update of one held job.
func (r *Reconciler) heldJob(ctx context.Context, logger *slog.Logger, ad scheduler.Ad) (heldJob, bool) {
	cluster, _ := ad.Int("ClusterId")
	process, _ := ad.Int("ProcId")
	run, _ := ad.Int(submission.AttrRun)
	segment, _ := ad.Int(submission.AttrSegment)

	job := heldJob{cluster: cluster, process: process, run: run, segment: segment}
	job.update.Message = HoldMessage(ad.String("HoldReason"))

	if entered, ok := ad.Int("EnteredCurrentStatus"); ok {
		job.update.Ended = time.Unix(int64(entered), 0).UTC()
	} else {
		job.update.Ended = r.oc.Now().UTC()
	}

	base := filepath.Base(ad.String("UserLog"))
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}

	job.dstFile = base

	if id, ok := ad.Int(submission.AttrStatusID); ok && id > 0 {
		job.update.ID = id

		return job, true
	}

	id, err := r.status.IDByJob(ctx, cluster, process)
	if err != nil {
		logger.Error("Held job has no status id and no recorded row",
			slog.Int("cluster", cluster),
			slog.Int("process", process),
			slog.String("dst", base),
			slog.String("error", err.Error()))

		return job, false
	}

	job.update.ID = id

	return job, true
}

// HoldMessage stores at most 1022 characters of the reason, terminated by " $", within
// the 512 character message column.
func HoldMessage(reason string) string {
	if reason == "" {
		reason = "unknown"
	}

	msg := truncate(reason, holdReasonLimit) + " $"

	return truncate(strings.ReplaceAll(msg, "'", " "), messageLimit)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n])
}

func (r *Reconciler) removeHeld(ctx context.Context, logger *slog.Logger, held []heldJob) ([]heldJob, error) {
	var removed []heldJob

	for _, h := range held {
		if err := r.throttle.Wait(ctx); err != nil {
			return removed, err
		}

		constraint := fmt.Sprintf("ClusterId == %d && ProcId == %d", h.cluster, h.process)
		if err := r.scheduler.Act(ctx, scheduler.ActionRemove, constraint); err != nil {
			logger.Error("Failed to remove held job",
				slog.Int("cluster", h.cluster),
				slog.Int("process", h.process),
				slog.String("error", err.Error()))

			continue
		}

		removed = append(removed, h)
	}

	logger.Info("Removed held jobs", slog.Int("removed", len(removed)), slog.Int("held", len(held)))

	return removed, nil
}

func (r *Reconciler) moveCursor(ctx context.Context, logger *slog.Logger, o Options, report *Report) error {
	if !o.AdvanceCursor && !o.RatchetCursor {
		return nil
	}

	submitted := o.Submitted
	if len(submitted) == 0 {
		runs, err := r.status.RunningRuns(ctx, rule.DstTypeExpr(o.Cursor.DstType))
		if err != nil {
			return err
		}

		submitted = runs
	}

	current, err := r.cursors.Get(ctx, o.Cursor)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	target, ok := 0, false

	switch {
	case o.AdvanceCursor && len(report.RunningRuns) > 0:
		target, ok = report.RunningRuns[0], true
	case len(submitted) > 0:
		target, ok = slices.Max(submitted), true
	}

	if !ok {
		logger.Info("No runs to move the cursor to", slog.Int("cursor", current))

		return nil
	}

	if o.RatchetCursor && !o.AdvanceCursor && target <= current {
		return nil
	}

	if target == current {
		return nil
	}

	if err := r.cursors.Set(ctx, o.Cursor, target); err != nil {
		return err
	}

	logger.Info("Moved production cursor", slog.Int("from", current), slog.Int("to", target))

	report.Cursor = &target

	return nil
}

func (r *Reconciler) publishHeld(ctx context.Context, logger *slog.Logger, kind events.Kind, jobs []heldJob) {
	if len(jobs) == 0 {
		return
	}

	evts := make([]events.Event, len(jobs))

	for i, h := range jobs {
		e := events.New(kind, r.oc.InvocationID, r.oc.Now())
		e.Host = r.oc.Host
		e.DstFile = h.dstFile
		e.Run = h.run
		e.Segment = h.segment
		e.StatusID = h.update.ID
		e.Cluster = h.cluster
		e.Process = h.process
		e.Message = h.update.Message

		if m := dstFileRegex.FindStringSubmatch(h.dstFile); m != nil {
			e.DstName = m[1]
		}

		evts[i] = e
	}

	if err := r.publisher.Publish(ctx, evts...); err != nil {
		logger.Warn("Failed to publish events", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}
}
