package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// killGracePeriod bounds how long Run waits for output pipes after the step's
// process group has been killed.
const killGracePeriod = 5 * time.Second

// StepRequest asks an execution environment to run one script.
type StepRequest struct {
	Stage    string
	Instance string
	Step     string
	Pool     string
	Script   string
	Env      map[string]string
	WorkDir  string
}

// StepOutcome is what the execution environment reports back.
type StepOutcome struct {
	ExitCode int
	Output   string // Combined stdout and stderr
}

// Executor runs a script step in an execution environment. A non-nil error means
// the step failed; the outcome is still populated with whatever was captured.
type Executor interface {
	Run(ctx context.Context, req StepRequest) (StepOutcome, error)
}

// ShellExecutor runs scripts locally with "<shell> -c".
type ShellExecutor struct {
	Shell string
	// InheritEnv passes the orchestrator's own environment to steps.
	InheritEnv bool
}

// NewShellExecutor returns an executor using shell, inheriting the process environment.
func NewShellExecutor(shell string) *ShellExecutor {
	if shell == "" {
		shell = "sh"
	}
	return &ShellExecutor{Shell: shell, InheritEnv: true}
}

func (e *ShellExecutor) Run(ctx context.Context, req StepRequest) (StepOutcome, error) {
	// #nosec G204 -- running pipeline-defined scripts is the purpose of this executor
	cmd := exec.CommandContext(ctx, e.Shell, "-c", req.Script)
	cmd.Dir = req.WorkDir
	cmd.Env = e.environ(req.Env)
	// Cancellation kills the whole process group so children holding the
	// output pipe cannot outlive the step.
	setProcessGroup(cmd)
	cmd.WaitDelay = killGracePeriod

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	outcome := StepOutcome{Output: out.String()}
	if err == nil {
		return outcome, nil
	}
	outcome.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fmt.Errorf("%w: %w", ctxErr, err)
	}
	if exitErr != nil {
		return outcome, fmt.Errorf("exit status %d", outcome.ExitCode)
	}
	return outcome, err
}

func (e *ShellExecutor) environ(vars map[string]string) []string {
	var env []string
	if e.InheritEnv {
		env = os.Environ()
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}
