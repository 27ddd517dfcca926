package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/docpipe/internal/config"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

// Request describes one deploy to a publish action.
type Request struct {
	RunID        string    `json:"run_id"`
	Pipeline     string    `json:"pipeline"`
	Target       string    `json:"target"`
	Ref          string    `json:"ref"`
	Commit       string    `json:"commit,omitempty"`
	Artifact     string    `json:"artifact,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

// Env renders the request as DEPLOY_* variables.
func (r Request) Env() map[string]string {
	return map[string]string{
		"DEPLOY_RUN_ID":        r.RunID,
		"DEPLOY_PIPELINE":      r.Pipeline,
		"DEPLOY_TARGET":        r.Target,
		"DEPLOY_REF":           r.Ref,
		"DEPLOY_COMMIT":        r.Commit,
		"DEPLOY_ARTIFACT":      r.Artifact,
		"DEPLOY_ARTIFACT_PATH": r.ArtifactPath,
	}
}

// Action is an external publish mechanism. Its protocol is opaque to the router.
type Action interface {
	Publish(ctx context.Context, req Request) error
}

// ShellAction runs a command with the DEPLOY_* variables in its environment.
type ShellAction struct {
	Command  string
	Executor runner.Executor
}

func (a *ShellAction) Publish(ctx context.Context, req Request) error {
	out, err := a.Executor.Run(ctx, runner.StepRequest{
		Stage:  "deploy",
		Step:   req.Target,
		Script: a.Command,
		Env:    req.Env(),
	})
	if err != nil {
		return fmt.Errorf("%w: %s", err, lastLines(out.Output, 5))
	}
	return nil
}

// Publisher publishes a message on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSAction publishes the deploy request as a JSON event.
type NATSAction struct {
	Subject   string
	Publisher Publisher
}

func (a *NATSAction) Publish(ctx context.Context, req Request) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal deploy request: %w", err)
	}
	return a.Publisher.Publish(ctx, a.Subject, data)
}

// BuildActions instantiates configured publish actions. pub may be nil when no
// NATS action is configured.
func BuildActions(cfg config.DeployConfig, exec runner.Executor, pub Publisher) (map[string]Action, error) {
	actions := make(map[string]Action, len(cfg.Actions))
	for name, ac := range cfg.Actions {
		switch ac.Type {
		case config.ActionTypeNATS:
			if pub == nil {
				return nil, fmt.Errorf("deploy action %q needs a NATS connection", name)
			}
			actions[name] = &NATSAction{Subject: ac.Subject, Publisher: pub}
		default:
			actions[name] = &ShellAction{Command: ac.Command, Executor: exec}
		}
	}
	return actions, nil
}

// NeedsNATS reports whether any configured action publishes over NATS.
func NeedsNATS(cfg config.DeployConfig) bool {
	for _, ac := range cfg.Actions {
		if ac.Type == config.ActionTypeNATS {
			return true
		}
	}
	return false
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
