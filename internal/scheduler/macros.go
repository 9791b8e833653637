package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	macroRegex    = regexp.MustCompile(`\$\(([A-Za-z_][A-Za-z0-9_.]*)\)`)
	intMacroRegex = regexp.MustCompile(`\$INT\(([A-Za-z_][A-Za-z0-9_]*),([^)]*)\)`)
)

// ExpandMacros resolves $(name) and $INT(name,format) references the way the scheduler
// does at queue time. References to undefined macros are left in place.
func ExpandMacros(value string, macros map[string]string) string {
	value = intMacroRegex.ReplaceAllStringFunc(value, func(ref string) string {
		m := intMacroRegex.FindStringSubmatch(ref)

		raw, ok := lookup(macros, m[1])
		if !ok {
			return ref
		}

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return ref
		}

		return fmt.Sprintf(m[2], n)
	})

	return macroRegex.ReplaceAllStringFunc(value, func(ref string) string {
		name := macroRegex.FindStringSubmatch(ref)[1]
		if v, ok := lookup(macros, name); ok {
			return v
		}

		return ref
	})
}

// Macro names are case-insensitive.
func lookup(macros map[string]string, name string) (string, bool) {
	if v, ok := macros[name]; ok {
		return v, true
	}

	for k, v := range macros {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}

	return "", false
}
