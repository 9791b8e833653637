package rule

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultWrapper is the standard job wrapper. When it is the executable, the user
// script becomes its first argument.
const DefaultWrapper = "jobwrapper.sh"

// JobEntry is one submit description command.
type JobEntry struct {
	Key   string
	Value string
}

// JobTemplate is an ordered scheduler submit description. Values may reference per-job
// macros such as $(run) that the scheduler expands.
type JobTemplate struct {
	entries []JobEntry
}

// DefaultJob returns the submit description every production starts from.
func DefaultJob(wrapper string) JobTemplate {
	return NewJobTemplate(
		JobEntry{"universe", "vanilla"},
		JobEntry{"executable", wrapper},
		JobEntry{"arguments", "$(nevents) $(run) $(seg) $(lfn) $(indir) $(dst) $(outdir) $(buildarg) $(tag) $(ClusterId) $(ProcId)"},
		JobEntry{"batch_name", "$(name)_$(build)_$(tag)_$(version)"},
		JobEntry{"log", "$(condor)/$(dstname)-$INT(run,%08d)-$INT(seg,%05d).condor"},
		JobEntry{"periodic_hold", "(NumJobStarts>=1 && JobStatus == 1)"},
		JobEntry{"priority", "1958"},
		JobEntry{"job_lease_duration", "3600"},
		JobEntry{"request_cpus", "1"},
		JobEntry{"request_memory", "$(mem)"},
		JobEntry{"request_disk", "$(disk)"},
		JobEntry{"should_transfer_files", "YES"},
		JobEntry{"output_destination", "file://./output/"},
		JobEntry{"when_to_transfer_output", "ON_EXIT"},
		JobEntry{"transfer_output_files", `""`},
		JobEntry{"transferout", "false"},
		JobEntry{"transfererr", "false"},
	)
}

// NewJobTemplate returns a template with entries in the given order.
func NewJobTemplate(entries ...JobEntry) JobTemplate {
	return JobTemplate{entries: append([]JobEntry(nil), entries...)}
}

// Entries returns a copy of the entries in order.
func (j JobTemplate) Entries() []JobEntry {
	return append([]JobEntry(nil), j.entries...)
}

// Get returns the value of key. Submit commands are case-insensitive.
func (j JobTemplate) Get(key string) (string, bool) {
	for _, e := range j.entries {
		if strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}

	return "", false
}

// With returns a copy with key set to value, replacing an existing entry in place.
func (j JobTemplate) With(key, value string) JobTemplate {
	out := j.Entries()

	for i, e := range out {
		if strings.EqualFold(e.Key, key) {
			out[i].Value = value

			return JobTemplate{entries: out}
		}
	}

	return JobTemplate{entries: append(out, JobEntry{Key: key, Value: value})}
}

// Merge returns a copy with every entry of other applied through With.
func (j JobTemplate) Merge(other JobTemplate) JobTemplate {
	out := j
	for _, e := range other.entries {
		out = out.With(e.Key, e.Value)
	}

	return out
}

// Render substitutes {key} references from vars in every value. Unknown references stay.
func (j JobTemplate) Render(vars map[string]string) JobTemplate {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}

	r := strings.NewReplacer(pairs...)
	out := j.Entries()

	for i := range out {
		out[i].Value = r.Replace(out[i].Value)
	}

	return JobTemplate{entries: out}
}

// UnmarshalYAML keeps the mapping order of a job block.
func (j *JobTemplate) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: job block must be a mapping (line %d)", ErrInvalidRule, node.Line)
	}

	entries := make([]JobEntry, 0, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("%w: job.%s must be a scalar (line %d)", ErrInvalidRule, key.Value, value.Line)
		}

		entries = append(entries, JobEntry{Key: key.Value, Value: value.Value})
	}

	j.entries = entries

	return nil
}
