package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	"git.home.luguber.info/inful/docpipe/internal/broker"
	"git.home.luguber.info/inful/docpipe/internal/config"
	"git.home.luguber.info/inful/docpipe/internal/deploy"
	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

// DefaultHistorySize bounds the in-memory run history projection.
const DefaultHistorySize = 100

// Resources holds the long-lived backends shared by every run of a process.
// Optional fields are nil when the corresponding feature is disabled.
type Resources struct {
	Executor   runner.Executor
	Store      artifacts.Store
	Actions    map[string]deploy.Action
	Broker     *broker.Client
	Events     *eventstore.SQLiteStore
	Projection *eventstore.RunHistoryProjection
	Registry   *prom.Registry
	Recorder   metrics.Recorder
}

// OpenResources connects the backends selected by cfg. Close must be called on
// the result even when a later step of the caller fails.
func OpenResources(ctx context.Context, cfg *config.Config) (*Resources, error) {
	res := &Resources{
		Executor: runner.NewShellExecutor(cfg.Execution.Shell),
		Recorder: metrics.NoopRecorder{},
	}

	if cfg.Artifacts.Backend == config.ArtifactBackendNATS || deploy.NeedsNATS(cfg.Deploy) {
		client, err := broker.Connect(cfg.Artifacts.NATS.URL)
		if err != nil {
			return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to connect to NATS").
				WithContext("url", cfg.Artifacts.NATS.URL).
				Build()
		}
		res.Broker = client
	}

	store, err := openArtifactStore(ctx, cfg.Artifacts, res.Broker)
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	res.Store = store

	var pub deploy.Publisher
	if res.Broker != nil {
		pub = res.Broker
	}
	actions, err := deploy.BuildActions(cfg.Deploy, res.Executor, pub)
	if err != nil {
		_ = res.Close()
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "invalid deploy actions").Build()
	}
	res.Actions = actions

	if cfg.Metrics.Enabled {
		res.Registry = prom.NewRegistry()
		res.Recorder = metrics.NewPrometheusRecorder(res.Registry)
	}

	if cfg.History.Enabled {
		if err := res.openHistory(ctx, cfg.History.Path); err != nil {
			_ = res.Close()
			return nil, err
		}
	}
	return res, nil
}

func openArtifactStore(ctx context.Context, cfg config.ArtifactsConfig, client *broker.Client) (artifacts.Store, error) {
	if cfg.Backend != config.ArtifactBackendNATS {
		return artifacts.NewLocalStore(cfg.Dir), nil
	}
	bucket, err := client.ObjectStore(ctx, cfg.NATS.Bucket)
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to open artifact bucket").
			WithContext("bucket", cfg.NATS.Bucket).
			Build()
	}
	return artifacts.NewNATSStore(bucket), nil
}

func (r *Resources) openHistory(ctx context.Context, path string) error {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return foundationerrors.FileSystemError("failed to create history directory").
				WithCause(err).
				WithContext("path", path).
				Build()
		}
	}
	store, err := eventstore.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	r.Events = store
	r.Projection = eventstore.NewRunHistoryProjection(store, DefaultHistorySize)
	if err := r.Projection.Rebuild(ctx); err != nil {
		slog.Warn("Failed to rebuild run history", "path", path, "error", err)
	}
	return nil
}

// Observers returns the run observers backed by these resources, labelled with trigger.
func (r *Resources) Observers(trigger string) []Observer {
	if r.Events == nil {
		return nil
	}
	return []Observer{eventstore.NewRecorder(r.Events, r.Projection, trigger)}
}

// Close releases every opened backend.
func (r *Resources) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Events != nil {
		if err := r.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	r.Broker.Close()
	return errors.Join(errs...)
}
