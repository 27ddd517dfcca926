package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// Built-in task names.
const (
	TaskPublishArtifact  = "PublishArtifact"
	TaskDownloadArtifact = "DownloadArtifact"
	TaskSetOutput        = "SetOutput"
)

// TaskRequest is passed to a named task. Inputs have already been expanded
// against Env.
type TaskRequest struct {
	Stage    string
	Instance string
	Inputs   map[string]string
	Env      map[string]string
	WorkDir  string
}

// TaskFunc implements a named reusable task.
type TaskFunc func(ctx context.Context, req TaskRequest) (StepOutcome, error)

// TaskRegistry resolves step task names. Safe for concurrent use.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]TaskFunc)}
}

// NewDefaultTaskRegistry returns a registry with the built-in tasks bound to store.
func NewDefaultTaskRegistry(store artifacts.Store) *TaskRegistry {
	r := NewTaskRegistry()
	r.Register(TaskPublishArtifact, publishArtifactTask(store))
	r.Register(TaskDownloadArtifact, downloadArtifactTask(store))
	r.Register(TaskSetOutput, setOutputTask)
	return r
}

// Register adds or replaces a task.
func (r *TaskRegistry) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Lookup returns a task by name.
func (r *TaskRegistry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Names lists registered tasks, sorted.
func (r *TaskRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate reports steps referencing unregistered tasks as configuration errors.
func (r *TaskRegistry) Validate(p *pipeline.Pipeline) error {
	var errs []error
	for _, s := range p.Stages {
		for _, j := range s.Jobs {
			for i, step := range j.Steps {
				if step.Task == "" {
					continue
				}
				if _, ok := r.Lookup(step.Task); !ok {
					errs = append(errs, foundationerrors.ConfigurationError(
						fmt.Sprintf("job %q step %q uses unknown task %q (known: %s)", j.Name, step.Label(i), step.Task, strings.Join(r.Names(), ", "))).
						WithStage(s.Name).
						Build())
				}
			}
		}
	}
	return errors.Join(errs...)
}

func requireInputs(req TaskRequest, names ...string) error {
	var missing []string
	for _, n := range names {
		if strings.TrimSpace(req.Inputs[n]) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required inputs: %s", strings.Join(missing, ", "))
	}
	return nil
}

func resolvePath(workDir, p string) string {
	if filepath.IsAbs(p) || workDir == "" {
		return p
	}
	return filepath.Join(workDir, p)
}

func publishArtifactTask(store artifacts.Store) TaskFunc {
	return func(ctx context.Context, req TaskRequest) (StepOutcome, error) {
		if err := requireInputs(req, "artifact", "path"); err != nil {
			return StepOutcome{ExitCode: 1}, err
		}
		src := resolvePath(req.WorkDir, req.Inputs["path"])
		if err := store.Publish(ctx, req.Inputs["artifact"], src); err != nil {
			return StepOutcome{ExitCode: 1}, err
		}
		return StepOutcome{Output: fmt.Sprintf("published artifact %s from %s\n", req.Inputs["artifact"], src)}, nil
	}
}

func downloadArtifactTask(store artifacts.Store) TaskFunc {
	return func(ctx context.Context, req TaskRequest) (StepOutcome, error) {
		if err := requireInputs(req, "artifact", "path"); err != nil {
			return StepOutcome{ExitCode: 1}, err
		}
		dest := resolvePath(req.WorkDir, req.Inputs["path"])
		if err := store.Fetch(ctx, req.Inputs["artifact"], dest); err != nil {
			return StepOutcome{ExitCode: 1}, err
		}
		return StepOutcome{Output: fmt.Sprintf("downloaded artifact %s to %s\n", req.Inputs["artifact"], dest)}, nil
	}
}

func setOutputTask(_ context.Context, req TaskRequest) (StepOutcome, error) {
	if err := requireInputs(req, "name"); err != nil {
		return StepOutcome{ExitCode: 1}, err
	}
	return StepOutcome{Output: FormatOutput(req.Inputs["name"], req.Inputs["value"]) + "\n"}, nil
}

// expandInputs substitutes $VAR and ${VAR} references from env.
func expandInputs(inputs, env map[string]string) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		out[k] = os.Expand(v, func(name string) string { return env[name] })
	}
	return out
}
