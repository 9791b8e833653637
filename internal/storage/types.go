// Package storage persists production bookkeeping: setups, per-job status rows,
// production cursors and the invalid run list.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of one production job. Values are ordered; the
// database enum compares in the same order.
type Status string

// Job lifecycle states in enum order.
const (
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusStarted    Status = "started"
	StatusRunning    Status = "running"
	StatusEvicted    Status = "evicted"
	StatusHeld       Status = "held"
	StatusFailed     Status = "failed"
	StatusFinished   Status = "finished"
)

// HeldFlag is stored in the flags column when the scheduler holds a job.
const HeldFlag = 5

var (
	// ErrUnknownStatus is returned when a string does not name a lifecycle state.
	ErrUnknownStatus = errors.New("unknown production status")

	// ErrStatusStoreFailed wraps failures of the status store.
	ErrStatusStoreFailed = errors.New("status store operation failed")

	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousJob is returned when more than one status row carries the same scheduler job.
	ErrAmbiguousJob = errors.New("scheduler job recorded on more than one status row")
)

var statusOrder = map[Status]int{
	StatusSubmitting: 0,
	StatusSubmitted:  1,
	StatusStarted:    2,
	StatusRunning:    3,
	StatusEvicted:    4,
	StatusHeld:       5,
	StatusFailed:     6,
	StatusFinished:   7,
}

// AllStatuses returns every state in enum order.
func AllStatuses() []Status {
	return []Status{
		StatusSubmitting, StatusSubmitted, StatusStarted, StatusRunning,
		StatusEvicted, StatusHeld, StatusFailed, StatusFinished,
	}
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusOrder[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}

	return st, nil
}

// Before reports whether s precedes other in the lifecycle.
func (s Status) Before(other Status) bool {
	return statusOrder[s] < statusOrder[other]
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return !s.Before(StatusEvicted)
}

// ProductionSetup is the reproducibility record a status row points at.
// IsClean and IsCurrent are computed from the working copy on every lookup and never stored.
type ProductionSetup struct {
	ID        int
	Name      string
	Build     string
	DBTag     string
	Hash      string
	Revision  *int
	Repo      string
	Dir       string
	IsClean   bool
	IsCurrent bool
}

// SetupKey identifies a production setup.
type SetupKey struct {
	Name     string
	Build    string
	DBTag    string
	Hash     string
	Revision *int
}

// ProductionStatus is one row of production_status.
type ProductionStatus struct {
	ID             int
	DstType        string
	DstName        string
	DstFile        string
	Run            int
	Segment        int
	NSegments      int
	Inputs         string
	Ranges         string
	ProdID         int
	Cluster        int
	Process        int
	Status         Status
	Submitting     *time.Time
	Submitted      *time.Time
	Started        *time.Time
	Running        *time.Time
	Ended          *time.Time
	SubmissionHost string
	ExecutionNode  string
	Message        string
	Flags          int
	ExitCode       *int
	NEvents        int
	LogSize        int
}

// StatusInsert is the content of a new "submitting" row.
type StatusInsert struct {
	DstType   string
	DstName   string
	DstFile   string
	Run       int
	Segment   int
	NSegments int
	Inputs    string
	Ranges    string
}

// SubmittedUpdate records the scheduler's identifiers for one inserted row.
type SubmittedUpdate struct {
	ID      int
	Cluster int
	Process int
}

// HeldUpdate moves one row to "held".
type HeldUpdate struct {
	ID      int
	Message string
	Ended   time.Time
}

// CursorKey identifies a production cursor.
type CursorKey struct {
	DstType string
	Build   string
	DBTag   string
	Version string
}

// AllProductions is the invalid run list dstname that applies to every production.
const AllProductions = "ALL"

// OpenRange as LastRun extends an exclusion to every later run.
const OpenRange = -1

// InvalidRun excludes a run/segment range from production until it expires.
type InvalidRun struct {
	ID        int
	DstName   string
	FirstRun  int
	LastRun   int
	FirstSeg  int
	LastSeg   int
	Reason    string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Covers reports whether the entry excludes run/segment of dstName at time now.
func (r InvalidRun) Covers(dstName string, run, segment int, now time.Time) bool {
	if !strings.EqualFold(r.DstName, AllProductions) && r.DstName != dstName {
		return false
	}

	if now.Before(r.CreatedAt) || (r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)) {
		return false
	}

	if run < r.FirstRun || (r.LastRun != OpenRange && run > r.LastRun) {
		return false
	}

	return segment >= r.FirstSeg && segment <= r.LastSeg
}
