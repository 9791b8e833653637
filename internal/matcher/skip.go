package matcher

import (
	"fmt"

	"github.com/sphenix-prod/slurp/internal/storage"
)

// Reason says why a candidate was not matched.
type Reason string

// Skip reasons.
const (
	ReasonBlocked       Reason = "blocked by production status"
	ReasonOutputExists  Reason = "output already produced"
	ReasonInvalidRun    Reason = "run is on the invalid run list"
	ReasonNotInRunList  Reason = "run is not on the run list"
	ReasonInputMismatch Reason = "requested and resolved inputs differ"
)

// Skip records a candidate that was not matched. Skips are not errors: the remaining
// candidates are still evaluated.
type Skip struct {
	Run        int
	Segment    int
	StreamName string
	DstFile    string
	Reason     Reason
	Status     storage.Status // set for ReasonBlocked
	Detail     string
}

func (s Skip) String() string {
	return fmt.Sprintf("%s: %s (%s)", s.DstFile, s.Reason, s.Detail)
}

// CountByReason tallies skips.
func CountByReason(skips []Skip) map[Reason]int {
	out := make(map[Reason]int)
	for _, s := range skips {
		out[s.Reason]++
	}

	return out
}
