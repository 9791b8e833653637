package submission

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/scheduler"
	"github.com/sphenix-prod/slurp/internal/storage"
)

// Job attributes every production job carries. The reconciler selects and joins on them.
const (
	AttrStatusID   = "SlurpStatusId"
	AttrDstType    = "SlurpDstType"
	AttrRun        = "SlurpRun"
	AttrSegment    = "SlurpSegment"
	AttrBuild      = "SlurpBuild"
	AttrTag        = "SlurpTag"
	AttrInvocation = "SlurpInvocation"
)

// Description renders the submit description shared by every job of r. The standard
// wrapper gets the user script as its first argument, and every job gets its status row
// id as last argument.
func Description(r rule.Rule, invocation uuid.UUID) rule.JobTemplate {
	job := r.Job()

	args, _ := job.Get("arguments")
	args = strings.TrimSpace(strings.ReplaceAll(args, "{leafdir}", "$(leafdir)"))

	if exe, _ := job.Get("executable"); filepath.Base(exe) == rule.DefaultWrapper && !strings.HasPrefix(args, "$(script)") {
		args = strings.TrimSpace("$(script) " + args)
	}

	job = job.With("arguments", args+" $(cupsid)")

	if log, ok := job.Get("log"); ok {
		job = job.With("log", strings.ReplaceAll(log, "{leafdir}", "$(leafdir)"))
	}

	if _, ok := job.Get("output"); !ok {
		job = job.With("output", "$(stdout)")
	}

	if _, ok := job.Get("error"); !ok {
		job = job.With("error", "$(stderr)")
	}

	return job.
		With("My."+AttrStatusID, "$(cupsid)").
		With("My."+AttrDstType, `"$(dsttype)"`).
		With("My."+AttrRun, "$(run)").
		With("My."+AttrSegment, "$(seg)").
		With("My."+AttrBuild, `"$(build)"`).
		With("My."+AttrTag, `"$(tag)"`).
		With("My."+AttrInvocation, `"`+invocation.String()+`"`)
}

// Directories are the expanded directory templates of one match.
type Directories struct {
	Outdir  string
	Logdir  string
	Histdir string
	Condor  string
}

// DirectoriesFor expands fs for m.
func DirectoriesFor(fs rule.Filesystem, m rule.Match) Directories {
	f := m.PathFields()

	return Directories{
		Outdir:  rule.ExpandPath(fs.Outdir, f),
		Logdir:  rule.ExpandPath(fs.Logdir, f),
		Histdir: rule.ExpandPath(fs.Histdir, f),
		Condor:  rule.ExpandPath(fs.Condor, f),
	}
}

// Local lists the directories that live on a mounted filesystem. Remote URLs and paths
// still holding scheduler macros are left out.
func (d Directories) Local() []string {
	var out []string

	for _, p := range []string{d.Outdir, d.Logdir, d.Histdir, d.Condor} {
		if p == "" || strings.Contains(p, "$(") {
			continue
		}

		if strings.Contains(p, "://") && !strings.HasPrefix(p, "file:") {
			continue
		}

		out = append(out, rule.LocalPath(p))
	}

	return out
}

// Item returns the per-job macros of m. statusID is 0 when no row was inserted.
func Item(m rule.Match, dirs Directories, statusID int) scheduler.Item {
	lfns := make([]string, len(m.Inputs))
	for i, pfn := range m.Inputs {
		lfns[i] = filepath.Base(pfn)
	}

	indir := ""
	if len(m.Inputs) > 0 {
		indir = filepath.Dir(m.Inputs[0])
	}

	logdir := rule.LocalPath(dirs.Logdir)
	base := m.DstFile()

	item := scheduler.Item{
		"script":     m.Script,
		"name":       m.Name,
		"dsttype":    m.Name,
		"dstname":    m.DstName,
		"dstfile":    base,
		"nevents":    strconv.Itoa(m.NEvents),
		"neventsper": strconv.Itoa(m.NEventsPer),
		"run":        strconv.Itoa(m.Run),
		"seg":        strconv.Itoa(m.Segment),
		"lfn":        strings.Join(lfns, ","),
		"pfn":        strings.Join(m.Inputs, ","),
		"indir":      indir,
		"ranges":     strings.Join(m.Ranges, ","),
		"dst":        m.DST,
		"outdir":     dirs.Outdir,
		"logdir":     dirs.Logdir,
		"histdir":    dirs.Histdir,
		"condor":     dirs.Condor,
		"buildarg":   m.BuildArg,
		"build":      m.Build,
		"tag":        m.Tag,
		"version":    m.Version,
		"mem":        m.Mem,
		"disk":       m.Disk,
		"payload":    m.Payload,
		"stdout":     filepath.Join(logdir, base+".out"),
		"stderr":     filepath.Join(logdir, base+".err"),
		"cupsid":     strconv.Itoa(statusID),
		"leafdir":    m.LeafDir,
		"rungroup":   m.RunGroup,
		"runtype":    m.RunType,
		"firstevent": strconv.Itoa(m.FirstEvent),
		"lastevent":  strconv.Itoa(m.LastEvent),
	}

	if m.StreamName != "" {
		item["streamname"] = m.StreamName
		item["streamfile"] = m.StreamFile
	}

	return item
}

// statusInsert is the "submitting" row of m.
func statusInsert(m rule.Match) storage.StatusInsert {
	lfns := make([]string, len(m.Inputs))
	for i, pfn := range m.Inputs {
		lfns[i] = filepath.Base(pfn)
	}

	return storage.StatusInsert{
		DstType:   m.Name,
		DstName:   m.DstName,
		DstFile:   m.DstFile(),
		Run:       m.Run,
		Segment:   m.Segment,
		NSegments: 1,
		Inputs:    strings.Join(lfns, " "),
		Ranges:    strings.Join(m.Ranges, " "),
	}
}
