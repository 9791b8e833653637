package rule

import (
	"fmt"
	"strings"
)

// Candidate is one row of a rule's input query: a run/segment and the logical inputs it needs.
type Candidate struct {
	Run           int
	Segment       int
	StreamName    string
	StreamFile    string
	Source        string
	Inputs        []string
	Ranges        []string
	FirstEvent    int
	LastEvent     int
	RunsLastEvent int
	NEventsPer    int
}

// Key identifies a candidate within one rule.
func (c Candidate) Key() string {
	if c.StreamName == "" {
		return fmt.Sprintf("%d/%d", c.Run, c.Segment)
	}

	return fmt.Sprintf("%d/%d/%s", c.Run, c.Segment, c.StreamName)
}

// MatchOptions override per-match resource requests.
type MatchOptions struct {
	Mem     string
	Disk    string
	NEvents int
}

// Match is one job to submit. It is a value computed from a rule and a candidate and is
// never stored on its own.
type Match struct {
	Name          string // dst type with the stream substituted
	DstName       string
	DST           string // output filename
	Script        string
	Source        string
	Run           int
	Segment       int
	Build         string
	BuildArg      string
	Tag           string
	Version       string
	Mem           string
	Disk          string
	Payload       string
	Inputs        []string // physical input files
	Ranges        []string
	RunGroup      string
	RunType       string
	RunName       string
	LeafDir       string
	StreamName    string
	StreamFile    string
	FirstEvent    int
	LastEvent     int
	RunsLastEvent int
	NEventsPer    int
	NEvents       int
}

// NewMatch builds the match for candidate c of rule r whose inputs resolved to pfns.
func NewMatch(r Rule, c Candidate, pfns []string, o MatchOptions) Match {
	name := SubstituteStream(r.Name(), c.StreamName)
	dstName := DSTName(name, r.Build(), r.DBTag(), r.Version())

	nEventsPer := c.NEventsPer
	if nEventsPer == 0 {
		nEventsPer = r.NEventsPer()
	}

	return Match{
		Name:          name,
		DstName:       dstName,
		DST:           OutputBase(dstName, c.Run, c.Segment) + ".root",
		Script:        r.Script(),
		Source:        c.Source,
		Run:           c.Run,
		Segment:       c.Segment,
		Build:         r.Build(),
		BuildArg:      r.BuildArg(),
		Tag:           r.DBTag(),
		Version:       r.Version(),
		Mem:           valueOr(o.Mem, r.Mem()),
		Disk:          valueOr(o.Disk, r.Disk()),
		Payload:       r.Payload(),
		Inputs:        append([]string(nil), pfns...),
		Ranges:        append([]string(nil), c.Ranges...),
		RunGroup:      RunGroup(c.Run),
		RunType:       RunType(pfns),
		RunName:       r.RunName(),
		LeafDir:       LeafDir(name, r.RunName()),
		StreamName:    c.StreamName,
		StreamFile:    c.StreamFile,
		FirstEvent:    c.FirstEvent,
		LastEvent:     c.LastEvent,
		RunsLastEvent: c.RunsLastEvent,
		NEventsPer:    nEventsPer,
		NEvents:       o.NEvents,
	}
}

// DstFile is the output filename without extension; status rows are keyed by it.
func (m Match) DstFile() string {
	return strings.TrimSuffix(m.DST, ".root")
}

// PathFields returns the values directory templates are expanded with.
func (m Match) PathFields() PathFields {
	return PathFields{
		Name:       m.Name,
		RunName:    m.RunName,
		RunType:    m.RunType,
		RunGroup:   m.RunGroup,
		Build:      m.Build,
		Tag:        m.Tag,
		Version:    m.Version,
		StreamName: m.StreamName,
		LeafDir:    m.LeafDir,
	}
}
