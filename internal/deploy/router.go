// Package deploy selects at most one deploy target for a run and invokes its
// publish action with the prerequisite stage's artifact.
package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/workspace"
)

// Selection explains the routing outcome for a ref.
type Selection struct {
	Target *pipeline.DeployTarget
	Reason string
}

// Router picks deploy targets by ref and prerequisite success.
type Router struct {
	stage    string
	targets  []pipeline.DeployTarget
	store    artifacts.Store
	actions  map[string]Action
	recorder metrics.Recorder
}

// NewRouter builds a router for spec. A nil spec yields a router without targets.
func NewRouter(spec *pipeline.DeploySpec, store artifacts.Store, actions map[string]Action, recorder metrics.Recorder) *Router {
	r := &Router{stage: pipeline.DefaultDeployStage, store: store, actions: actions, recorder: metrics.OrNoop(recorder)}
	if spec != nil {
		r.stage = spec.Stage
		r.targets = append(r.targets, spec.Targets...)
	}
	return r
}

// Stage returns the deploy stage name failures are attributed to.
func (r *Router) Stage() string { return r.stage }

// Targets returns the configured targets.
func (r *Router) Targets() []pipeline.DeployTarget {
	return append([]pipeline.DeployTarget(nil), r.targets...)
}

// Route returns the selected target, if any, with a human readable reason.
func (r *Router) Route(ref runctx.Ref, results map[string]pipeline.Status) Selection {
	if ref.IsZero() {
		return Selection{Reason: "no triggering ref"}
	}
	for i := range r.targets {
		t := &r.targets[i]
		if !Matches(*t, ref) {
			continue
		}
		if results != nil {
			if status := results[t.Requires]; status != pipeline.StatusSucceeded {
				if status == "" {
					status = pipeline.StatusPending
				}
				return Selection{Reason: fmt.Sprintf("target %q matches %s but prerequisite stage %q is %s", t.Name, ref, t.Requires, status)}
			}
		}
		return Selection{Target: t, Reason: fmt.Sprintf("target %q matches %s", t.Name, ref)}
	}
	return Selection{Reason: fmt.Sprintf("no target matches %s", ref)}
}

// Select returns at most one target whose rule matches ref and whose
// prerequisite stage succeeded. No match is not an error.
func (r *Router) Select(ref runctx.Ref, results map[string]pipeline.Status) (*pipeline.DeployTarget, bool) {
	sel := r.Route(ref, results)
	return sel.Target, sel.Target != nil
}

// Deploy fetches the target's artifact and invokes its publish action. Every
// failure is an ExternalActionFailure attributed to the deploy stage.
func (r *Router) Deploy(ctx context.Context, target *pipeline.DeployTarget, rc *runctx.RunContext) (err error) {
	log := slog.With(logfields.Stage(r.stage), logfields.Target(target.Name), logfields.RunID(rc.RunID))
	defer func() {
		status := pipeline.StatusSucceeded
		if err != nil {
			status = pipeline.StatusFailed
		}
		r.recorder.IncDeployResult(target.Name, string(status))
	}()

	action, ok := r.actions[target.ActionName()]
	if !ok {
		return r.failure(target, fmt.Sprintf("publish action %q is not configured", target.ActionName()), nil)
	}

	req := Request{
		RunID:    rc.RunID,
		Pipeline: rc.Pipeline,
		Target:   target.Name,
		Ref:      rc.Ref.String(),
		Commit:   rc.CommitHash,
		Artifact: target.Artifact,
	}

	if target.Artifact != "" {
		if r.store == nil {
			return r.failure(target, "no artifact store configured", nil)
		}
		ws := workspace.NewManager("")
		if mkErr := ws.Create("deploy"); mkErr != nil {
			return r.failure(target, "cannot create artifact staging directory", mkErr)
		}
		defer func() {
			if cerr := ws.Cleanup(); cerr != nil {
				log.Warn("Failed to remove deploy staging directory", logfields.Error(cerr))
			}
		}()
		req.ArtifactPath, _ = ws.Join(target.Artifact)
		if fetchErr := r.store.Fetch(ctx, target.Artifact, req.ArtifactPath); fetchErr != nil {
			return r.failure(target, fmt.Sprintf("cannot fetch artifact %q", target.Artifact), fetchErr)
		}
		log.Info("Fetched deploy artifact", logfields.Artifact(target.Artifact), logfields.Path(req.ArtifactPath))
	}

	if pubErr := action.Publish(ctx, req); pubErr != nil {
		return r.failure(target, fmt.Sprintf("publish action %q failed", target.ActionName()), pubErr)
	}
	log.Info("Deploy published", logfields.Ref(req.Ref))
	return nil
}

func (r *Router) failure(target *pipeline.DeployTarget, msg string, cause error) error {
	b := foundationerrors.ExternalActionFailure(msg).
		WithStage(r.stage).
		WithContext("target", target.Name)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}
