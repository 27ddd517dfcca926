// Package matrix expands job declarations into independent job instances.
package matrix

import (
	"fmt"
	"sort"
	"strings"
	"time"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// Instance is one independently schedulable unit of work. Instances share no
// mutable state: maps are copied at expansion time.
type Instance struct {
	Stage      string
	Job        string
	ID         string            // "job" or "job.entry"
	Entry      string            // Matrix entry name; empty for single instances
	Assignment map[string]string // Matrix variables of this entry
	Env        map[string]string // Pipeline, stage, job and matrix variables merged in that order
	Pool       string
	Timeout    time.Duration // Zero means no job-level timeout
	Steps      []pipeline.Step
}

// Describe renders the instance with its variable assignment for failure messages,
// e.g. "Main/linux.py39 (DISTRIB=minimal, PYTHON_VERSION=3.9)".
func (i Instance) Describe() string {
	s := i.Stage + "/" + i.ID
	if len(i.Assignment) == 0 {
		return s
	}
	return s + " (" + FormatAssignment(i.Assignment) + ")"
}

// FormatAssignment renders variables as sorted k=v pairs.
func FormatAssignment(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+vars[k])
	}
	return strings.Join(parts, ", ")
}

// Expand produces one instance per declared matrix entry in declaration order,
// or exactly one instance when the job has no matrix. A matrix that is present
// but empty is a configuration error.
func Expand(p *pipeline.Pipeline, stage *pipeline.Stage, job *pipeline.Job) ([]Instance, error) {
	base := merge(p.Variables, stage.Variables, job.Variables)
	timeout := time.Duration(job.TimeoutInMinutes) * time.Minute

	if job.Matrix == nil {
		return []Instance{newInstance(stage.Name, job, job.Name, "", nil, base, timeout)}, nil
	}
	if job.Matrix.Len() == 0 {
		return nil, foundationerrors.ConfigurationError(fmt.Sprintf("job %q declares a matrix with zero entries", job.Name)).
			WithStage(stage.Name).
			WithContext("job", job.Name).
			Build()
	}

	instances := make([]Instance, 0, job.Matrix.Len())
	for _, entry := range job.Matrix.Entries {
		id := job.Name + "." + entry.Name
		instances = append(instances, newInstance(stage.Name, job, id, entry.Name, entry.Variables, base, timeout))
	}
	return instances, nil
}

// ExpandStage expands every job of a stage, preserving job order.
func ExpandStage(p *pipeline.Pipeline, stage *pipeline.Stage) ([]Instance, error) {
	var all []Instance
	for j := range stage.Jobs {
		instances, err := Expand(p, stage, &stage.Jobs[j])
		if err != nil {
			return nil, err
		}
		all = append(all, instances...)
	}
	return all, nil
}

func newInstance(stage string, job *pipeline.Job, id, entry string, assignment, base map[string]string, timeout time.Duration) Instance {
	steps := make([]pipeline.Step, len(job.Steps))
	copy(steps, job.Steps)
	var assigned map[string]string
	if assignment != nil {
		assigned = merge(assignment)
	}
	return Instance{
		Stage:      stage,
		Job:        job.Name,
		ID:         id,
		Entry:      entry,
		Assignment: assigned,
		Env:        merge(base, assignment),
		Pool:       job.Pool,
		Timeout:    timeout,
		Steps:      steps,
	}
}

func merge(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
