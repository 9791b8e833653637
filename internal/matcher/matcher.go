// Package matcher turns a rule into the jobs that still need to run: it reads the rule's
// input query, resolves input files, and filters candidates against the status table,
// existing outputs, the invalid run list and an optional run list.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/sphenix-prod/slurp/internal/catalog"
	"github.com/sphenix-prod/slurp/internal/orchestrator"
	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/setup"
	"github.com/sphenix-prod/slurp/internal/storage"
)

// RunListCatalog is the connection run list queries are executed on.
const RunListCatalog = "daqdb"

var (
	// ErrDuplicateRunSegment is returned when an input query yields the same key twice.
	ErrDuplicateRunSegment = errors.New("input query returned the same run and segment twice")

	// ErrUnresolvedInputs is returned when none of the requested input files has a physical location.
	ErrUnresolvedInputs = errors.New("no requested input file could be resolved to a physical file")
)

// Catalogs hands out named catalog connections.
type Catalogs interface {
	Get(ctx context.Context, name string) (*catalog.Catalog, error)
}

// StatusLookup reads existing status rows.
type StatusLookup interface {
	StatusByFile(ctx context.Context, dstNames []string, runMin, runMax int) (map[string][]storage.ProductionStatus, error)
}

// SetupResolver resolves the production setup of a rule.
type SetupResolver interface {
	Resolve(ctx context.Context, req setup.Request) (*storage.ProductionSetup, error)
}

// InvalidRuns lists active exclusions.
type InvalidRuns interface {
	Active(ctx context.Context, dstName string, now time.Time) ([]storage.InvalidRun, error)
}

// Result is the outcome of matching one rule.
type Result struct {
	Matches []rule.Match
	Setup   *storage.ProductionSetup
	Runs    []int // distinct runs of the matches, in match order
	Skipped []Skip
	// Unblock holds the ids of prior status rows that resubmission replaces. They are
	// deleted only after the new submission succeeded.
	Unblock []int
	// Replaces maps a match's dstfile to the prior row ids it replaces.
	Replaces map[string][]int
}

// Empty reports whether there is nothing to submit.
func (r *Result) Empty() bool {
	return r == nil || len(r.Matches) == 0
}

// Truncate keeps the first n matches and drops the runs and replaced rows of the rest.
// n <= 0 keeps everything.
func (r *Result) Truncate(n int) {
	if n <= 0 || len(r.Matches) <= n {
		return
	}

	r.Matches = r.Matches[:n]
	r.Runs = r.Runs[:0]
	r.Unblock = r.Unblock[:0]

	for _, m := range r.Matches {
		if !slices.Contains(r.Runs, m.Run) {
			r.Runs = append(r.Runs, m.Run)
		}

		r.Unblock = append(r.Unblock, r.Replaces[m.DstFile()]...)
	}
}

// Matcher evaluates rules.
type Matcher struct {
	oc       *orchestrator.Context
	catalogs Catalogs
	status   StatusLookup
	setups   SetupResolver
	invalid  InvalidRuns
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithInvalidRuns consults the invalid run list.
func WithInvalidRuns(l InvalidRuns) Option {
	return func(m *Matcher) { m.invalid = l }
}

// New returns a matcher.
func New(oc *orchestrator.Context, catalogs Catalogs, status StatusLookup, setups SetupResolver, opts ...Option) *Matcher {
	m := &Matcher{oc: oc, catalogs: catalogs, status: status, setups: setups}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// candidate is an input row with its output names computed.
type candidate struct {
	rule.Candidate
	name    string // dst type with the stream substituted
	dstName string
	dst     string // output filename
	dstFile string
}

// Match evaluates r. An empty candidate set yields an empty result and no setup.
func (m *Matcher) Match(ctx context.Context, r rule.Rule, o rule.MatchOptions) (*Result, error) {
	logger := m.oc.Logger.With(slog.String("rule", r.Name()))

	input, err := m.catalogs.Get(ctx, r.Input().DB)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	rows, err := input.Candidates(ctx, r.Input().Query)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	cands, err := prepare(r, rows)
	if err != nil {
		return nil, err
	}

	logger.Info("Built candidate inputs", slog.Int("candidates", len(cands)))

	if len(cands) == 0 {
		return &Result{}, nil
	}

	runMin, runMax := runRange(cands)

	lfn2pfn, err := m.resolve(ctx, r, rows, runMin, runMax)
	if err != nil {
		return nil, err
	}

	fc, err := m.catalogs.Get(ctx, catalog.FileCatalog)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	dstNames, datasets := outputNames(r, cands)

	existing, err := fc.ExistingOutputs(ctx, datasets, runMin, runMax)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	statuses, err := m.status.StatusByFile(ctx, dstNames, runMin, runMax)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	invalid, err := m.invalidRuns(ctx, dstNames)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	runList, err := m.runList(ctx, r)
	if err != nil {
		return nil, err
	}

	prodSetup, err := m.setups.Resolve(ctx, setup.RequestFor(r))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	res := &Result{Setup: prodSetup, Replaces: make(map[string][]int)}
	now := m.oc.Now()

	for _, c := range cands {
		skip, unblock := m.evaluate(r, c, lfn2pfn, existing, statuses[c.dstFile], invalid, runList, now)
		if skip != nil {
			res.Skipped = append(res.Skipped, *skip)
			m.logSkip(logger, *skip)

			continue
		}

		if _, ok := existing[c.dst]; ok {
			logger.Warn("Output exists and will be overwritten", slog.String("dst", c.dst))
		}

		res.Matches = append(res.Matches, rule.NewMatch(r, c.Candidate, pfns(c.Inputs, lfn2pfn), o))
		if len(unblock) > 0 {
			res.Unblock = append(res.Unblock, unblock...)
			res.Replaces[c.dstFile] = unblock
		}

		if !slices.Contains(res.Runs, c.Run) {
			res.Runs = append(res.Runs, c.Run)
		}

		if r.Limit() > 0 && len(res.Matches) >= r.Limit() {
			break
		}
	}

	logger.Info("Matched jobs to the rule",
		slog.Int("matches", len(res.Matches)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("unblock", len(res.Unblock)))

	return res, nil
}

func prepare(r rule.Rule, rows []rule.Candidate) ([]candidate, error) {
	seen := make(map[string]bool, len(rows))
	out := make([]candidate, 0, len(rows))

	for _, row := range rows {
		key := row.Key()
		if seen[key] {
			return nil, fmt.Errorf("%w: rule %s, key %s, query: %s", ErrDuplicateRunSegment, r.Name(), key, r.Input().Query)
		}

		seen[key] = true

		name := rule.SubstituteStream(r.Name(), row.StreamName)
		dstName := rule.DSTName(name, r.Build(), r.DBTag(), r.Version())
		dstFile := rule.OutputBase(dstName, row.Run, row.Segment)

		out = append(out, candidate{
			Candidate: row,
			name:      name,
			dstName:   dstName,
			dst:       dstFile + ".root",
			dstFile:   dstFile,
		})
	}

	return out, nil
}

func runRange(cands []candidate) (int, int) {
	runMin, runMax := cands[0].Run, cands[0].Run
	for _, c := range cands[1:] {
		runMin = min(runMin, c.Run)
		runMax = max(runMax, c.Run)
	}

	return runMin, runMax
}

func outputNames(r rule.Rule, cands []candidate) ([]string, []catalog.DatasetKey) {
	var (
		names    []string
		datasets []catalog.DatasetKey
	)

	for _, c := range cands {
		if slices.Contains(names, c.dstName) {
			continue
		}

		names = append(names, c.dstName)
		datasets = append(datasets, catalog.DatasetKey{DstType: c.name, Dataset: r.Dataset()})
	}

	return names, datasets
}

// resolve builds the lfn to pfn map and fails when nothing requested resolves.
func (m *Matcher) resolve(ctx context.Context, r rule.Rule, rows []rule.Candidate, runMin, runMax int) (map[string]string, error) {
	var (
		lfn2pfn map[string]string
		err     error
	)

	if dir := r.Input().Direct; dir != "" {
		lfn2pfn, err = catalog.ResolveDirect(dir)
	} else {
		var fc *catalog.Catalog

		fc, err = m.catalogs.Get(ctx, catalog.FileCatalog)
		if err == nil {
			lfn2pfn, err = fc.Resolve(ctx, catalog.InputDatasets(rows), runMin, runMax)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name(), err)
	}

	requested, resolved := 0, 0

	for _, row := range rows {
		for _, lfn := range row.Inputs {
			requested++

			if _, ok := lfn2pfn[lfn]; ok {
				resolved++
			}
		}
	}

	if requested > 0 && resolved == 0 {
		return nil, fmt.Errorf("%w: rule %s requested %d files (direct path %q)", ErrUnresolvedInputs, r.Name(), requested, r.Input().Direct)
	}

	return lfn2pfn, nil
}

func (m *Matcher) invalidRuns(ctx context.Context, dstNames []string) (map[string][]storage.InvalidRun, error) {
	out := make(map[string][]storage.InvalidRun, len(dstNames))
	if m.invalid == nil {
		return out, nil
	}

	for _, name := range dstNames {
		entries, err := m.invalid.Active(ctx, name, m.oc.Now())
		if err != nil {
			return nil, err
		}

		out[name] = entries
	}

	return out, nil
}

func (m *Matcher) runList(ctx context.Context, r rule.Rule) (map[int]struct{}, error) {
	if r.RunListQuery() == "" {
		return nil, nil
	}

	daq, err := m.catalogs.Get(ctx, RunListCatalog)
	if err != nil {
		return nil, fmt.Errorf("rule %s: run list: %w", r.Name(), err)
	}

	runs, err := daq.RunList(ctx, r.RunListQuery())
	if err != nil {
		return nil, fmt.Errorf("rule %s: run list: %w", r.Name(), err)
	}

	return runs, nil
}

// evaluate decides one candidate. It returns the skip, or the prior row ids to remove
// when the candidate is accepted as a resubmission.
func (m *Matcher) evaluate(
	r rule.Rule,
	c candidate,
	lfn2pfn map[string]string,
	existing map[string]struct{},
	prior []storage.ProductionStatus,
	invalid map[string][]storage.InvalidRun,
	runList map[int]struct{},
	now time.Time,
) (*Skip, []int) {
	skip := func(reason Reason, detail string) *Skip {
		return &Skip{Run: c.Run, Segment: c.Segment, StreamName: c.StreamName, DstFile: c.dstFile, Reason: reason, Detail: detail}
	}

	var unblock []int

	if len(prior) > 0 && m.oc.Blocking.Blocks(prior[0].Status) {
		if !r.Resubmit() || !overridable(m.oc.Blocking, prior) {
			s := skip(ReasonBlocked, string(prior[0].Status))
			s.Status = prior[0].Status

			return s, nil
		}

		for _, p := range prior {
			unblock = append(unblock, p.ID)
		}
	}

	if _, ok := existing[c.dst]; ok && !r.Resubmit() {
		return skip(ReasonOutputExists, c.dst), nil
	}

	for _, inv := range invalid[c.dstName] {
		if inv.Covers(c.dstName, c.Run, c.Segment, now) {
			return skip(ReasonInvalidRun, inv.Reason), nil
		}
	}

	if runList != nil {
		if _, ok := runList[c.Run]; !ok {
			return skip(ReasonNotInRunList, ""), nil
		}
	}

	if diff := inputDiff(c.Inputs, lfn2pfn); diff != "" {
		return skip(ReasonInputMismatch, diff), nil
	}

	return nil, unblock
}

// overridable reports whether every prior row may be replaced.
func overridable(p orchestrator.BlockingPolicy, prior []storage.ProductionStatus) bool {
	for _, row := range prior {
		if !p.Overridable(row.Status) {
			return false
		}
	}

	return true
}

func pfns(lfns []string, lfn2pfn map[string]string) []string {
	out := make([]string, 0, len(lfns))

	for _, lfn := range lfns {
		if pfn, ok := lfn2pfn[lfn]; ok {
			out = append(out, pfn)
		}
	}

	return out
}

// inputDiff describes why the resolved inputs differ from the requested ones, or returns
// "" when every requested file resolved to a file of the same name.
func inputDiff(lfns []string, lfn2pfn map[string]string) string {
	resolved := pfns(lfns, lfn2pfn)

	var missing, foreign []string

	for _, lfn := range lfns {
		if _, ok := lfn2pfn[lfn]; !ok {
			missing = append(missing, lfn)
		}
	}

	for _, pfn := range resolved {
		if !slices.Contains(lfns, filepath.Base(pfn)) {
			foreign = append(foreign, pfn)
		}
	}

	if len(lfns) <= len(resolved) && len(foreign) == 0 {
		return ""
	}

	return fmt.Sprintf("requested %d resolved %d missing=%v unexpected=%v", len(lfns), len(resolved), missing, foreign)
}

func (m *Matcher) logSkip(logger *slog.Logger, s Skip) {
	level := slog.LevelWarn
	if m.oc.Batch {
		level = slog.LevelDebug
	}

	logger.Log(context.Background(), level, "Skipping candidate",
		slog.String("dst", s.DstFile),
		slog.Int("run", s.Run),
		slog.Int("segment", s.Segment),
		slog.String("reason", string(s.Reason)),
		slog.String("detail", s.Detail))
}
