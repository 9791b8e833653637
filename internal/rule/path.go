package rule

import (
	"path/filepath"
	"strings"
)

// PathFields are the named values a directory template may reference.
type PathFields struct {
	Name       string
	RunName    string
	RunType    string
	RunGroup   string
	Build      string
	Tag        string
	Version    string
	StreamName string
	LeafDir    string
}

// ExpandPath substitutes $(rungroup), $(build), $(tag), $(name), $(version), $(runname),
// $(runtype), $(streamname) and {leafdir} in tmpl. Unknown macros are left for the scheduler.
func ExpandPath(tmpl string, f PathFields) string {
	return strings.NewReplacer(
		"$(name)", f.Name,
		"$(runname)", f.RunName,
		"$(runtype)", f.RunType,
		"$(rungroup)", f.RunGroup,
		"$(build)", f.Build,
		"$(tag)", f.Tag,
		"$(dbtag)", f.Tag,
		"$(version)", f.Version,
		"$(streamname)", f.StreamName,
		"{leafdir}", f.LeafDir,
	).Replace(tmpl)
}

// LocalPath turns a template result into a filesystem path: file:/ URLs lose their scheme
// and doubled separators collapse.
func LocalPath(p string) string {
	if rest, ok := strings.CutPrefix(p, "file:/"); ok {
		p = "/" + strings.TrimLeft(rest, "/")
	}

	return filepath.Clean(p)
}
