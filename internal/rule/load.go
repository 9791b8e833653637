package rule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrRuleNotFound is returned when a workflow file has no rule of the requested name.
var ErrRuleNotFound = errors.New("rule not found in workflow file")

// CursorFunc looks up the production cursor of a rule.
type CursorFunc func(ctx context.Context, dstType, build, dbtag, version string) (int, error)

// RunSelection is the --runs argument: a single run, an inclusive range, a list, or the
// production cursor with an optional window.
type RunSelection struct {
	Runs   []int
	Range  bool
	Cursor bool
	Window int
}

// SegmentSelection is the --segments argument: a single segment, an inclusive range or a list.
type SegmentSelection struct {
	Segments []int
	Range    bool
}

// ParseRunSelection interprets run arguments: one value is a run, two an inclusive range,
// three or more a list. A leading "cursor" starts at the production cursor, optionally
// followed by a window width.
func ParseRunSelection(args []string) (RunSelection, error) {
	if len(args) == 0 {
		return RunSelection{Cursor: true}, nil
	}

	if args[0] == "cursor" {
		sel := RunSelection{Cursor: true}

		switch len(args) {
		case 1:
		case 2:
			w, err := strconv.Atoi(args[1])
			if err != nil || w < 0 {
				return RunSelection{}, fmt.Errorf("%w: cursor window %q", ErrInvalidRule, args[1])
			}

			sel.Window = w
		default:
			return RunSelection{}, fmt.Errorf("%w: cursor takes at most one window argument", ErrInvalidRule)
		}

		return sel, nil
	}

	runs, err := parseInts(args)
	if err != nil {
		return RunSelection{}, err
	}

	sel := RunSelection{Runs: runs, Range: len(runs) == 2}
	if sel.Range && runs[0] > runs[1] {
		return RunSelection{}, fmt.Errorf("%w: run range %d > %d", ErrInvalidRule, runs[0], runs[1])
	}

	return sel, nil
}

// ParseSegmentSelection interprets segment arguments with the same shape rules as runs.
func ParseSegmentSelection(args []string) (SegmentSelection, error) {
	segs, err := parseInts(args)
	if err != nil {
		return SegmentSelection{}, err
	}

	return SegmentSelection{Segments: segs, Range: len(segs) == 2}, nil
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, 0, len(args))

	for _, a := range args {
		n, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q is not a run or segment number", ErrInvalidRule, a)
		}

		out = append(out, n)
	}

	return out, nil
}

// condition renders an integer-only SQL condition on column.
func condition(column string, values []int, isRange bool) string {
	switch {
	case len(values) == 0:
		return ""
	case len(values) == 1:
		return fmt.Sprintf("and %s=%d", column, values[0])
	case isRange:
		return fmt.Sprintf("and %s>=%d and %s<=%d", column, values[0], column, values[1])
	default:
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.Itoa(v)
		}

		return fmt.Sprintf("and %s in ( %s )", column, strings.Join(parts, ","))
	}
}

// LoadOptions control how a workflow rule is rendered.
type LoadOptions struct {
	Runs       RunSelection
	Segments   SegmentSelection
	Limit      int
	Cursor     CursorFunc
	Mode       string // experiment mode substituted for {mode} in direct paths
	Mangle     string // replaces "production" in directories when set
	PWD        string
	Resubmit   bool
	DBTag      string // overrides params.dbtag when set
	Dataset    string // overrides params.dataset when set
	Mem        string // overrides params.mem when set
	NEventsPer int
}

type workflowParams struct {
	Name       string `yaml:"name"`
	Build      string `yaml:"build"`
	BuildName  string `yaml:"build_name"`
	DBTag      string `yaml:"dbtag"`
	Version    string `yaml:"version"`
	Script     string `yaml:"script"`
	Payload    string `yaml:"payload"`
	Mem        string `yaml:"mem"`
	Disk       string `yaml:"disk"`
	Dataset    string `yaml:"dataset"`
	Rsync      string `yaml:"rsync"`
	RunName    string `yaml:"runname"`
	NEventsPer int    `yaml:"neventsper"`
	Resubmit   bool   `yaml:"resubmit"`
}

type workflowInput struct {
	DB         string `yaml:"db"`
	Query      string `yaml:"query"`
	DirectPath string `yaml:"direct_path"`
}

type workflowRule struct {
	Params       workflowParams `yaml:"params"`
	Input        workflowInput  `yaml:"input"`
	RunListQuery string         `yaml:"runlist_query"`
	Filesystem   Filesystem     `yaml:"filesystem"`
	Job          JobTemplate    `yaml:"job"`
}

// RuleNames lists the rules defined in a workflow file.
func RuleNames(path string) ([]string, error) {
	doc, err := readWorkflow(path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

// LoadFile reads the workflow at path and renders rule ruleName.
func LoadFile(ctx context.Context, path, ruleName string, opts LoadOptions) (Rule, error) {
	doc, err := readWorkflow(path)
	if err != nil {
		return Rule{}, err
	}

	return render(ctx, doc, ruleName, opts)
}

// Load is LoadFile over a reader.
func Load(ctx context.Context, r io.Reader, ruleName string, opts LoadOptions) (Rule, error) {
	doc, err := decodeWorkflow(r)
	if err != nil {
		return Rule{}, err
	}

	return render(ctx, doc, ruleName, opts)
}

func readWorkflow(path string) (map[string]workflowRule, error) {
	f, err := os.Open(path) // #nosec G304 - operator supplied workflow file
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}

	defer func() { _ = f.Close() }()

	return decodeWorkflow(f)
}

func decodeWorkflow(r io.Reader) (map[string]workflowRule, error) {
	var doc map[string]workflowRule
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode workflow: %w", ErrInvalidRule, err)
	}

	return doc, nil
}

func render(ctx context.Context, doc map[string]workflowRule, ruleName string, opts LoadOptions) (Rule, error) {
	wr, ok := doc[ruleName]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleName)
	}

	p := wr.Params
	if opts.DBTag != "" {
		p.DBTag = opts.DBTag
	}

	if opts.Dataset != "" {
		p.Dataset = opts.Dataset
	}

	if opts.Mem != "" {
		p.Mem = opts.Mem
	}

	version, err := normalizeVersion(p.Version)
	if err != nil {
		return Rule{}, fmt.Errorf("%w %q: %w", ErrInvalidRule, ruleName, err)
	}

	runCondition, err := runCondition(ctx, opts, p, version)
	if err != nil {
		return Rule{}, err
	}

	limitCondition := ""
	if opts.Limit > 0 {
		limitCondition = fmt.Sprintf("limit %d", opts.Limit)
	}

	vars := map[string]string{
		"name":            p.Name,
		"build":           p.Build,
		"build_name":      valueOr(p.BuildName, NormalizeBuild(p.Build)),
		"dbtag":           p.DBTag,
		"version":         version,
		"dataset":         p.Dataset,
		"mem":             p.Mem,
		"payload":         p.Payload,
		"rsync":           p.Rsync,
		"PWD":             opts.PWD,
		"mode":            valueOr(opts.Mode, "physics"),
		"run_condition":   runCondition,
		"seg_condition":   condition("segment", opts.Segments.Segments, opts.Segments.Range),
		"limit_condition": limitCondition,
	}

	fs := DefaultFilesystem().Merge(wr.Filesystem)
	if opts.Mangle != "" {
		fs = fs.Mangle(opts.Mangle)
	}

	for k, v := range map[string]string{
		"outdir": fs.Outdir, "logdir": fs.Logdir, "histdir": fs.Histdir, "calibdir": fs.Calibdir, "condor": fs.Condor,
	} {
		vars[k] = v
	}

	job := DefaultJob(DefaultWrapper).Merge(wr.Job).Render(vars)

	nEventsPer := p.NEventsPer
	if opts.NEventsPer > 0 {
		nEventsPer = opts.NEventsPer
	}

	return New(Params{
		Name:    p.Name,
		Script:  p.Script,
		Build:   p.Build,
		DBTag:   p.DBTag,
		Version: version,
		Payload: p.Payload,
		Input: Input{
			Query:  renderBraces(wr.Input.Query, vars),
			DB:     wr.Input.DB,
			Direct: renderBraces(wr.Input.DirectPath, vars),
		},
		RunListQuery: renderBraces(wr.RunListQuery, vars),
		Resubmit:     p.Resubmit || opts.Resubmit,
		Limit:        opts.Limit,
		RunName:      p.RunName,
		Mem:          p.Mem,
		Disk:         p.Disk,
		NEventsPer:   nEventsPer,
		Job:          job,
		Filesystem:   fs,
	})
}

func runCondition(ctx context.Context, opts LoadOptions, p workflowParams, version string) (string, error) {
	sel := opts.Runs
	if !sel.Cursor {
		return condition("runnumber", sel.Runs, sel.Range), nil
	}

	if opts.Cursor == nil {
		return "", fmt.Errorf("%w: run selection uses the cursor but no cursor lookup is configured", ErrInvalidRule)
	}

	start, err := opts.Cursor(ctx, p.Name, valueOr(p.BuildName, NormalizeBuild(p.Build)), p.DBTag, version)
	if err != nil {
		return "", fmt.Errorf("production cursor for %s: %w", p.Name, err)
	}

	if sel.Window > 0 {
		return condition("runnumber", []int{start, start + sel.Window}, true), nil
	}

	return fmt.Sprintf("and runnumber>=%d", start), nil
}

func renderBraces(s string, vars map[string]string) string {
	if s == "" {
		return s
	}

	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}

	return strings.NewReplacer(pairs...).Replace(s)
}
