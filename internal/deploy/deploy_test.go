package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	"git.home.luguber.info/inful/docpipe/internal/config"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

func gallerySpec() *pipeline.DeploySpec {
	return &pipeline.DeploySpec{
		Stage: pipeline.DefaultDeployStage,
		Targets: []pipeline.DeployTarget{
			{Name: "dev", Branch: "master", Requires: "Docs", Artifact: "html", Action: "push-dev"},
			{Name: "stable", Tags: pipeline.TagRuleSemver, Requires: "Docs", Artifact: "html", Action: "push-stable"},
		},
	}
}

func TestIsStableTag(t *testing.T) {
	cases := map[string]bool{
		"v1.2.3":       true,
		"v0.10.0":      true,
		"1.2.3":        false,
		"v1.2":         false,
		"v1.2.3-rc1":   false,
		"v1.2.3+build": false,
		"v01.2.3":      false,
		"release":      false,
		"":             false,
	}
	for tag, want := range cases {
		assert.Equal(t, want, IsStableTag(tag), tag)
	}
}

func TestSelect(t *testing.T) {
	r := NewRouter(gallerySpec(), nil, nil, nil)
	docsOK := map[string]pipeline.Status{"Docs": pipeline.StatusSucceeded}

	target, ok := r.Select(runctx.ParseRef("refs/heads/master"), docsOK)
	require.True(t, ok)
	assert.Equal(t, "dev", target.Name)

	target, ok = r.Select(runctx.ParseRef("refs/tags/v1.2.3"), docsOK)
	require.True(t, ok)
	assert.Equal(t, "stable", target.Name)

	_, ok = r.Select(runctx.ParseRef("refs/tags/v1.2"), docsOK)
	assert.False(t, ok)

	_, ok = r.Select(runctx.ParseRef("refs/heads/feature"), docsOK)
	assert.False(t, ok)

	// A tag named like the branch never matches a branch rule.
	_, ok = r.Select(runctx.TagRef("master"), docsOK)
	assert.False(t, ok)
}

func TestSelectRequiresSucceededPrerequisite(t *testing.T) {
	r := NewRouter(gallerySpec(), nil, nil, nil)
	for _, status := range []pipeline.Status{pipeline.StatusFailed, pipeline.StatusSkipped, pipeline.StatusCanceled} {
		_, ok := r.Select(runctx.BranchRef("master"), map[string]pipeline.Status{"Docs": status})
		assert.False(t, ok, status)
	}
	sel := r.Route(runctx.BranchRef("master"), map[string]pipeline.Status{})
	assert.Nil(t, sel.Target)
	assert.Contains(t, sel.Reason, "pending")
}

func TestRouteWithoutResultsIgnoresPrerequisite(t *testing.T) {
	r := NewRouter(gallerySpec(), nil, nil, nil)
	sel := r.Route(runctx.TagRef("v2.0.0"), nil)
	require.NotNil(t, sel.Target)
	assert.Equal(t, "stable", sel.Target.Name)
	assert.Equal(t, "no triggering ref", r.Route(runctx.Ref{}, nil).Reason)
}

type recordingAction struct {
	reqs  []Request
	files []string
	err   error
}

func (a *recordingAction) Publish(_ context.Context, req Request) error {
	a.reqs = append(a.reqs, req)
	if req.ArtifactPath != "" {
		b, err := os.ReadFile(filepath.Join(req.ArtifactPath, "index.html"))
		if err == nil {
			a.files = append(a.files, string(b))
		}
	}
	return a.err
}

func publishSite(t *testing.T, store artifacts.Store) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "html")
	require.NoError(t, os.MkdirAll(src, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.html"), []byte("site"), 0o600))
	require.NoError(t, store.Publish(t.Context(), "html", src))
}

func TestDeployFetchesArtifactAndPublishes(t *testing.T) {
	store := artifacts.NewLocalStore(t.TempDir())
	publishSite(t, store)
	action := &recordingAction{}
	r := NewRouter(gallerySpec(), store, map[string]Action{"push-dev": action}, nil)

	rc := runctx.New("gallery", runctx.BranchRef("master"), nil)
	rc.CommitHash = "abc123"
	target, ok := r.Select(rc.Ref, map[string]pipeline.Status{"Docs": pipeline.StatusSucceeded})
	require.True(t, ok)
	require.NoError(t, r.Deploy(t.Context(), target, rc))

	require.Len(t, action.reqs, 1)
	req := action.reqs[0]
	assert.Equal(t, "dev", req.Target)
	assert.Equal(t, rc.RunID, req.RunID)
	assert.Equal(t, "abc123", req.Commit)
	assert.Equal(t, "html", req.Artifact)
	assert.Equal(t, []string{"site"}, action.files)

	_, err := os.Stat(req.ArtifactPath)
	assert.True(t, os.IsNotExist(err), "staging directory is removed after deploy")
}

func TestDeployFailuresAreExternalActionFailures(t *testing.T) {
	store := artifacts.NewLocalStore(t.TempDir())
	rc := runctx.New("gallery", runctx.BranchRef("master"), nil)
	spec := gallerySpec()

	t.Run("missing artifact", func(t *testing.T) {
		r := NewRouter(spec, store, map[string]Action{"push-dev": &recordingAction{}}, nil)
		err := r.Deploy(t.Context(), &spec.Targets[0], rc)
		assertExternal(t, err)
	})

	t.Run("action error", func(t *testing.T) {
		publishSite(t, store)
		r := NewRouter(spec, store, map[string]Action{"push-dev": &recordingAction{err: errors.New("rejected")}}, nil)
		err := r.Deploy(t.Context(), &spec.Targets[0], rc)
		assertExternal(t, err)
		assert.ErrorContains(t, err, "rejected")
	})

	t.Run("unconfigured action", func(t *testing.T) {
		r := NewRouter(spec, store, nil, nil)
		err := r.Deploy(t.Context(), &spec.Targets[0], rc)
		assertExternal(t, err)
	})
}

func assertExternal(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	classified, ok := foundationerrors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, foundationerrors.CategoryExternal, classified.Category())
	assert.Equal(t, pipeline.DefaultDeployStage, foundationerrors.StageOf(err))
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return nil
}

func TestNATSActionPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	action := &NATSAction{Subject: "docpipe.deploy.stable", Publisher: pub}
	require.NoError(t, action.Publish(t.Context(), Request{RunID: "r1", Target: "stable", Ref: "refs/tags/v1.0.0"}))

	assert.Equal(t, "docpipe.deploy.stable", pub.subject)
	var got Request
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "stable", got.Target)
	assert.False(t, got.RequestedAt.IsZero())
}

type envExecutor struct{ got runner.StepRequest }

func (e *envExecutor) Run(_ context.Context, req runner.StepRequest) (runner.StepOutcome, error) {
	e.got = req
	return runner.StepOutcome{}, nil
}

func TestBuildActions(t *testing.T) {
	cfg := config.DeployConfig{Actions: map[string]config.ActionConfig{
		"push-dev":    {Type: config.ActionTypeShell, Command: "rsync -a $DEPLOY_ARTIFACT_PATH/ host:/dev"},
		"push-stable": {Type: config.ActionTypeNATS, Subject: "deploy.stable"},
	}}
	assert.True(t, NeedsNATS(cfg))

	_, err := BuildActions(cfg, &envExecutor{}, nil)
	require.Error(t, err)

	exec := &envExecutor{}
	actions, err := BuildActions(cfg, exec, &fakePublisher{})
	require.NoError(t, err)
	require.IsType(t, &ShellAction{}, actions["push-dev"])
	require.IsType(t, &NATSAction{}, actions["push-stable"])

	require.NoError(t, actions["push-dev"].Publish(t.Context(), Request{Target: "dev", ArtifactPath: "/tmp/x"}))
	assert.Equal(t, "dev", exec.got.Env["DEPLOY_TARGET"])
	assert.Equal(t, "/tmp/x", exec.got.Env["DEPLOY_ARTIFACT_PATH"])
}
