package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sphenix-prod/slurp/internal/rule"
)

// Submission is one call to Memory.Submit.
type Submission struct {
	Cluster     int
	Description rule.JobTemplate
	Items       []Item
}

// ActionCall is one call to Memory.Act.
type ActionCall struct {
	Action     Action
	Constraint string
}

// Memory is an in-process scheduler for tests. Submitted jobs become ads carrying the
// standard identifiers, the expanded Args, UserLog and Out, and every custom My.* attribute.
// Constraints support conjunctions of equality tests, parenthesized disjunctions and regexp().
type Memory struct {
	mu      sync.Mutex
	next    int
	jobs    []Ad
	history []Submission
	actions []ActionCall

	SubmitErr error
	QueryErr  error
	ActErr    error
	Now       func() time.Time
}

var _ Scheduler = (*Memory)(nil)

// NewMemory returns an empty queue whose first cluster is first.
func NewMemory(first int) *Memory {
	return &Memory{next: first, Now: time.Now}
}

// Submit queues the items under a new cluster.
func (m *Memory) Submit(_ context.Context, desc rule.JobTemplate, items []Item) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubmitErr != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, m.SubmitErr)
	}

	if len(items) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, ErrNoItems)
	}

	cluster := m.next
	m.next++

	for proc, item := range items {
		macros := map[string]string{"ClusterId": strconv.Itoa(cluster), "ProcId": strconv.Itoa(proc)}
		for k, v := range item {
			macros[k] = v
		}

		ad := Ad{
			"ClusterId":            cluster,
			"ProcId":               proc,
			"JobStatus":            JobIdle,
			"EnteredCurrentStatus": m.Now().Unix(),
		}

		for _, e := range desc.Entries() {
			value := ExpandMacros(e.Value, macros)

			switch key := strings.ToLower(e.Key); {
			case key == "arguments":
				ad["Args"] = value
			case key == "log":
				ad["UserLog"] = value
			case key == "output":
				ad["Out"] = value
			case strings.HasPrefix(key, "my."):
				ad[e.Key[3:]] = literal(value)
			case strings.HasPrefix(key, "+"):
				ad[e.Key[1:]] = literal(value)
			}
		}

		m.jobs = append(m.jobs, ad)
	}

	m.history = append(m.history, Submission{Cluster: cluster, Description: desc, Items: append([]Item(nil), items...)})

	return cluster, nil
}

// Query returns copies of the matching ads, restricted to projection when given.
func (m *Memory) Query(_ context.Context, constraint string, projection []string) ([]Ad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, m.QueryErr)
	}

	var out []Ad

	for _, ad := range m.jobs {
		ok, err := evaluate(constraint, ad)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
		}

		if !ok {
			continue
		}

		cp := Ad{}

		if len(projection) == 0 {
			for k, v := range ad {
				cp[k] = v
			}
		} else {
			for _, k := range projection {
				if v, present := ad[k]; present {
					cp[k] = v
				}
			}
		}

		out = append(out, cp)
	}

	return out, nil
}

// Act records the call and applies it to the matching jobs.
func (m *Memory) Act(_ context.Context, action Action, constraint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.actions = append(m.actions, ActionCall{Action: action, Constraint: constraint})

	if m.ActErr != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, m.ActErr)
	}

	kept := m.jobs[:0]

	for _, ad := range m.jobs {
		ok, err := evaluate(constraint, ad)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrActionFailed, err)
		}

		switch {
		case !ok:
		case action == ActionRemove:
			continue
		case action == ActionHold:
			ad["JobStatus"] = JobHeld
		case action == ActionRelease:
			ad["JobStatus"] = JobIdle
		}

		kept = append(kept, ad)
	}

	m.jobs = kept

	return nil
}

// SetStatus changes the state of one job, recording reason as its HoldReason.
func (m *Memory) SetStatus(cluster, proc, status int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ad := range m.jobs {
		c, _ := ad.Int("ClusterId")
		p, _ := ad.Int("ProcId")

		if c == cluster && p == proc {
			ad["JobStatus"] = status
			ad["EnteredCurrentStatus"] = m.Now().Unix()

			if reason != "" {
				ad["HoldReason"] = reason
			}
		}
	}
}

// Submissions returns every successful submission in order.
func (m *Memory) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Submission(nil), m.history...)
}

// Actions returns every Act call in order.
func (m *Memory) Actions() []ActionCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]ActionCall(nil), m.actions...)
}

// Jobs returns the number of queued jobs.
func (m *Memory) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobs)
}

func literal(v string) any {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}

	return strings.Trim(v, `"`)
}

var (
	equalityRegex = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*==\s*(.+)$`)
	regexpRegex   = regexp.MustCompile(`^regexp\(\s*"((?:[^"\\]|\\.)*)"\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
)

// evaluate understands the constraint shapes used in this module: terms joined by &&, each
// a comparison, a regexp() call, true, or a parenthesized || of such terms.
func evaluate(constraint string, ad Ad) (bool, error) {
	for _, term := range splitTop(constraint, "&&") {
		ok, err := evaluateTerm(term, ad)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

func evaluateTerm(term string, ad Ad) (bool, error) {
	term = strings.TrimSpace(term)

	if strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")") {
		for _, alt := range splitTop(term[1:len(term)-1], "||") {
			ok, err := evaluate(alt, ad)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	}

	if strings.EqualFold(term, "true") || term == "" {
		return true, nil
	}

	if m := regexpRegex.FindStringSubmatch(term); m != nil {
		re, err := regexp.Compile(strings.ReplaceAll(m[1], `\"`, `"`))
		if err != nil {
			return false, err
		}

		return re.MatchString(ad.String(m[2])), nil
	}

	if m := equalityRegex.FindStringSubmatch(term); m != nil {
		want := strings.TrimSpace(m[2])
		if strings.HasPrefix(want, `"`) {
			return ad.String(m[1]) == strings.Trim(want, `"`), nil
		}

		n, err := strconv.Atoi(want)
		if err != nil {
			return false, fmt.Errorf("unsupported comparison %q", term)
		}

		got, ok := ad.Int(m[1])

		return ok && got == n, nil
	}

	return false, fmt.Errorf("unsupported constraint term %q", term)
}

// splitTop splits s on sep outside parentheses and string literals.
func splitTop(s, sep string) []string {
	var (
		parts    []string
		depth    int
		inString bool
		start    int
	)

	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"' && (i == 0 || s[i-1] != '\\'):
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}

	return append(parts, s[start:])
}
