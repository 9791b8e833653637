// Package scheduler is the boundary to the batch system. Jobs are described by a submit
// description whose values may reference per-job macros, and one item of macro values
// per job. All jobs of one submission share a cluster.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/sphenix-prod/slurp/internal/rule"
)

// Job status codes as reported in the JobStatus attribute.
const (
	JobIdle      = 1
	JobRunning   = 2
	JobRemoved   = 3
	JobCompleted = 4
	JobHeld      = 5
)

var (
	// ErrSubmitFailed is returned when the scheduler rejects a submission.
	ErrSubmitFailed = errors.New("scheduler submission failed")

	// ErrQueryFailed is returned when the job queue cannot be read.
	ErrQueryFailed = errors.New("scheduler query failed")

	// ErrActionFailed is returned when a bulk job action fails.
	ErrActionFailed = errors.New("scheduler action failed")

	// ErrNoItems is returned for a submission without jobs.
	ErrNoItems = errors.New("submission has no items")
)

// Action is a bulk operation on the jobs matching a constraint.
type Action string

// Supported actions.
const (
	ActionRemove  Action = "remove"
	ActionHold    Action = "hold"
	ActionRelease Action = "release"
)

// Item holds the macro values of one job.
type Item map[string]string

// Keys returns the macro names in sorted order.
func (it Item) Keys() []string {
	keys := make([]string, 0, len(it))
	for k := range it {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Ad is a projection of one job's attributes.
type Ad map[string]any

// Int returns an integer attribute.
func (a Ad) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}

		return int(v), true
	case string:
		n, err := strconv.Atoi(v)

		return n, err == nil
	default:
		return 0, false
	}
}

// String returns a string attribute, formatting other values.
func (a Ad) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Scheduler submits, inspects and acts on batch jobs.
type Scheduler interface {
	// Submit queues one job per item and returns the cluster id.
	Submit(ctx context.Context, desc rule.JobTemplate, items []Item) (int, error)
	// Query returns the projected attributes of the jobs matching constraint.
	Query(ctx context.Context, constraint string, projection []string) ([]Ad, error)
	// Act applies action to every job matching constraint.
	Act(ctx context.Context, action Action, constraint string) error
}
