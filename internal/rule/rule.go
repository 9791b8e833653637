// Package rule defines production rules and the candidate jobs (matches) they produce,
// together with the sPHENIX file naming conventions.
package rule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultMem is the memory request of a match when neither rule nor override sets one.
	DefaultMem = "4096MB"
	// DefaultDisk is the disk request of a match when neither rule nor override sets one.
	DefaultDisk = "10GB"
	// DefaultCatalog is the catalog connection queried when a rule names none.
	DefaultCatalog = "filecatalog"
)

var versionRegex = regexp.MustCompile(`^v\d{3}$`)

// ErrInvalidRule is returned when a rule definition is unusable.
var ErrInvalidRule = errors.New("invalid rule")

// Input says where a rule's input files come from. Query runs on the catalog connection
// named by DB (default "filecatalog"); Direct, when set, resolves physical files by
// globbing that directory instead of joining the catalog.
type Input struct {
	Query  string
	DB     string
	Direct string
}

// Filesystem holds the directory templates of a production.
type Filesystem struct {
	Outdir   string `yaml:"outdir"`
	Logdir   string `yaml:"logdir"`
	Histdir  string `yaml:"histdir"`
	Calibdir string `yaml:"calibdir"`
	Condor   string `yaml:"condor"`
}

// DefaultFilesystem returns the standard production directory layout.
func DefaultFilesystem() Filesystem {
	const tail = "$(runname)/$(runtype)/$(build)_$(tag)_$(version)/{leafdir}/run_$(rungroup)"

	return Filesystem{
		Outdir:   "/sphenix/lustre01/sphnxpro/production/" + tail + "/dst",
		Logdir:   "file:///sphenix/data/data02/sphnxpro/production/" + tail + "/log",
		Histdir:  "/sphenix/data/data02/sphnxpro/production/" + tail + "/hist",
		Calibdir: "/sphenix/data/data02/sphnxpro/production/" + tail + "/calib",
		Condor:   "/tmp/production/" + tail + "/log",
	}
}

// Merge overlays the non-empty fields of other.
func (f Filesystem) Merge(other Filesystem) Filesystem {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}

		return a
	}

	return Filesystem{
		Outdir:   pick(f.Outdir, other.Outdir),
		Logdir:   pick(f.Logdir, other.Logdir),
		Histdir:  pick(f.Histdir, other.Histdir),
		Calibdir: pick(f.Calibdir, other.Calibdir),
		Condor:   pick(f.Condor, other.Condor),
	}
}

// Mangle replaces "production" in every directory, used to keep testbeds apart.
func (f Filesystem) Mangle(replacement string) Filesystem {
	r := func(s string) string { return strings.ReplaceAll(s, "production", replacement) }

	return Filesystem{r(f.Outdir), r(f.Logdir), r(f.Histdir), r(f.Calibdir), r(f.Condor)}
}

// Params are the inputs to New.
type Params struct {
	Name         string
	Script       string
	Build        string
	DBTag        string
	Version      string // "v001", a bare number, or empty
	Payload      string
	Input        Input
	RunListQuery string
	Resubmit     bool
	Limit        int
	RunName      string
	Mem          string
	Disk         string
	NEventsPer   int
	Job          JobTemplate
	Filesystem   Filesystem
}

// Rule is an immutable production rule. Build the value with New.
type Rule struct {
	name         string
	script       string
	build        string
	buildArg     string
	dbTag        string
	version      string
	payload      string
	input        Input
	runListQuery string
	resubmit     bool
	limit        int
	runName      string
	mem          string
	disk         string
	nEventsPer   int
	job          JobTemplate
	filesystem   Filesystem
}

// New validates p and returns the rule.
func New(p Params) (Rule, error) {
	var problems []string

	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}

	if strings.TrimSpace(p.Script) == "" {
		problems = append(problems, "script is required")
	}

	if p.Build == "" || strings.Contains(p.Build, "_") {
		problems = append(problems, fmt.Sprintf("build %q must be set and contain no underscore", p.Build))
	}

	if p.DBTag == "" || strings.Contains(p.DBTag, "_") {
		problems = append(problems, fmt.Sprintf("dbtag %q must be set and contain no underscore", p.DBTag))
	}

	if strings.TrimSpace(p.Input.Query) == "" {
		problems = append(problems, "input query is required")
	}

	if p.Limit < 0 {
		problems = append(problems, "limit cannot be negative")
	}

	version, err := normalizeVersion(p.Version)
	if err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return Rule{}, fmt.Errorf("%w %q: %s", ErrInvalidRule, p.Name, strings.Join(problems, "; "))
	}

	runName := p.RunName
	if runName == "" {
		runName = RunNameOf(p.Name)
	}

	input := p.Input
	if input.DB == "" {
		input.DB = DefaultCatalog
	}

	job := p.Job
	if len(job.entries) == 0 {
		job = DefaultJob(DefaultWrapper)
	}

	return Rule{
		name:         p.Name,
		script:       p.Script,
		build:        NormalizeBuild(p.Build),
		buildArg:     p.Build,
		dbTag:        p.DBTag,
		version:      version,
		payload:      p.Payload,
		input:        input,
		runListQuery: p.RunListQuery,
		resubmit:     p.Resubmit,
		limit:        p.Limit,
		runName:      runName,
		mem:          valueOr(p.Mem, DefaultMem),
		disk:         valueOr(p.Disk, DefaultDisk),
		nEventsPer:   p.NEventsPer,
		job:          job,
		filesystem:   DefaultFilesystem().Merge(p.Filesystem),
	}, nil
}

func normalizeVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}

	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < 1000 {
		return fmt.Sprintf("v%03d", n), nil
	}

	if !versionRegex.MatchString(v) {
		return "", fmt.Errorf("version %q must look like v001", v)
	}

	return v, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}

	return v
}

// Name is the dst type, possibly containing the stream placeholder.
func (r Rule) Name() string { return r.name }

// Script is the user job script.
func (r Rule) Script() string { return r.script }

// Build is the build with separators stripped, as used in filenames.
func (r Rule) Build() string { return r.build }

// BuildArg is the build exactly as configured, as passed to jobs.
func (r Rule) BuildArg() string { return r.buildArg }

// DBTag is the conditions database tag.
func (r Rule) DBTag() string { return r.dbTag }

// Version is "vNNN" or empty.
func (r Rule) Version() string { return r.version }

// Revision is the numeric version, or nil when unversioned.
func (r Rule) Revision() *int {
	if r.version == "" {
		return nil
	}

	n, _ := strconv.Atoi(strings.TrimPrefix(r.version, "v"))

	return &n
}

// Payload is the directory shipped with each job.
func (r Rule) Payload() string { return r.payload }

// Input returns the input specification.
func (r Rule) Input() Input { return r.input }

// RunListQuery is the optional run list cross-check query.
func (r Rule) RunListQuery() string { return r.runListQuery }

// Resubmit reports whether existing outputs and blocking rows may be overridden.
func (r Rule) Resubmit() bool { return r.resubmit }

// Limit caps the number of matches; 0 means unlimited.
func (r Rule) Limit() int { return r.limit }

// RunName is e.g. run2pp.
func (r Rule) RunName() string { return r.runName }

// Mem is the default memory request.
func (r Rule) Mem() string { return r.mem }

// Disk is the default disk request.
func (r Rule) Disk() string { return r.disk }

// NEventsPer is the events-per-segment hint passed to jobs.
func (r Rule) NEventsPer() int { return r.nEventsPer }

// Job returns the submit description template.
func (r Rule) Job() JobTemplate { return r.job }

// Filesystem returns the directory templates.
func (r Rule) Filesystem() Filesystem { return r.filesystem }

// HasStreams reports whether the name carries the stream placeholder.
func (r Rule) HasStreams() bool { return strings.Contains(r.name, StreamPlaceholder) }

// DstName is the production name for stream: {name}_{build}_{dbtag}[_{version}].
func (r Rule) DstName(stream string) string {
	return DSTName(SubstituteStream(r.name, stream), r.build, r.dbTag, r.version)
}

// Dataset is the catalog dataset of the outputs.
func (r Rule) Dataset() string { return Dataset(r.build, r.dbTag, r.version) }

// WithResubmit returns a copy with the resubmit flag set.
func (r Rule) WithResubmit(resubmit bool) Rule {
	r.resubmit = resubmit

	return r
}

// WithLimit returns a copy with a new limit.
func (r Rule) WithLimit(limit int) Rule {
	if limit >= 0 {
		r.limit = limit
	}

	return r
}
