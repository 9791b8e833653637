package rule

import (
	"fmt"
	"regexp"
	"strings"
)

// StreamPlaceholder marks where a per-stream name is substituted into a rule name.
const StreamPlaceholder = "$(streamname)"

// runGroupWidth is the number of runs sharing one output directory.
const runGroupWidth = 100

// datasetRegex splits an input DST filename into dst type, build_dbtag and optional version:
// DST_CALO_run2pp_ana464_2024p011_v001-00054321-00000.root.
var datasetRegex = regexp.MustCompile(`^(DST_[A-Z0-9_]+_[a-z0-9]+)_([a-z0-9]+_(?:\d{4}p\d{3}|nocdbtag))_*(v\d{3})?`)

// runTypeMarkers are checked in order and the last one found wins.
var runTypeMarkers = []struct{ marker, runType string }{
	{"/physics/", "physics"},
	{"/beam/", "beam"},
	{"/cosmics/", "cosmics"},
	{"/calib/", "calib"},
}

// NormalizeBuild strips the separators from a build name for use in filenames: ana.464 -> ana464.
func NormalizeBuild(build string) string {
	return strings.ReplaceAll(build, ".", "")
}

// DSTName joins the production name parts: {name}_{build}_{dbtag}[_{version}].
func DSTName(name, build, dbtag, version string) string {
	parts := []string{name, NormalizeBuild(build), dbtag}
	if version != "" {
		parts = append(parts, version)
	}

	return strings.Join(parts, "_")
}

// Dataset is the catalog dataset of a production: {build}_{dbtag}[_{version}].
func Dataset(build, dbtag, version string) string {
	if version == "" {
		return NormalizeBuild(build) + "_" + dbtag
	}

	return NormalizeBuild(build) + "_" + dbtag + "_" + version
}

// OutputBase is the output filename without extension: {dstname}-{run:08d}-{segment:05d}.
func OutputBase(dstName string, run, segment int) string {
	return fmt.Sprintf("%s-%08d-%05d", dstName, run, segment)
}

// RunGroup names the directory bucket of run: the [floor, floor+100) block, zero padded.
func RunGroup(run int) string {
	lo := runGroupWidth * (run / runGroupWidth)

	return fmt.Sprintf("%08d_%08d", lo, lo+runGroupWidth)
}

// SubstituteStream replaces the stream placeholder in name.
func SubstituteStream(name, stream string) string {
	return strings.ReplaceAll(name, StreamPlaceholder, stream)
}

// DstTypeExpr is an anchored regular expression matching the dst types produced under
// name, with any stream in place of the stream placeholder.
func DstTypeExpr(name string) string {
	parts := strings.Split(name, StreamPlaceholder)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}

	return "^" + strings.Join(parts, ".+") + "$"
}

// RunNameOf returns the last underscore-separated component of name: DST_CALO_run2pp -> run2pp.
func RunNameOf(name string) string {
	if i := strings.LastIndex(name, "_"); i >= 0 {
		return name[i+1:]
	}

	return name
}

// LeafDir is the rule name without its run name suffix: DST_CALO_run2pp -> DST_CALO.
func LeafDir(name, runName string) string {
	return strings.Replace(name, "_"+runName, "", 1)
}

// ParseDataset extracts dst type and dataset from a DST filename.
func ParseDataset(filename string) (dstType, dataset string, ok bool) {
	m := datasetRegex.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false
	}

	dataset = m[2]
	if m[3] != "" {
		dataset += "_" + m[3]
	}

	return m[1], dataset, true
}

// RunType guesses the run type from the directory of the input files. It returns "none"
// when no marker matches.
func RunType(inputs []string) string {
	joined := strings.Join(inputs, " ")
	runType := "none"

	for _, m := range runTypeMarkers {
		if strings.Contains(joined, m.marker) {
			runType = m.runType
		}
	}

	return runType
}
