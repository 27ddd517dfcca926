// Package daemon runs docpipe as a long-lived service: scheduled runs of a
// configured ref, manual triggers over the admin API and reloads of the
// pipeline definition when it changes on disk.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docpipe/internal/api"
	"git.home.luguber.info/inful/docpipe/internal/build"
	"git.home.luguber.info/inful/docpipe/internal/config"
	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// Runner plans and executes runs. *build.DefaultService satisfies it.
type Runner interface {
	Run(ctx context.Context, req build.Request) (*scheduler.RunResult, error)
	Plan(p *pipeline.Pipeline) (*pipeline.Plan, error)
}

// Daemon owns the current pipeline definition and serializes runs: at most
// one run is in flight at any time.
type Daemon struct {
	cfg      *config.Config
	runner   Runner
	server   *api.Server
	onResult func(*scheduler.RunResult)

	mu       sync.RWMutex
	pipeline *pipeline.Pipeline

	// lifecycle orders run admission against shutdown so runs.Add never
	// races runs.Wait.
	lifecycle sync.Mutex
	busy      atomic.Bool
	runs      sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc

	schedule *Schedule
	watcher  *PipelineWatcher
}

// Option customizes a Daemon.
type Option func(*Daemon, *api.Options)

// WithHistory exposes run history on the admin API.
func WithHistory(history api.RunHistory, events eventstore.Store) Option {
	return func(_ *Daemon, o *api.Options) {
		o.History = history
		o.Events = events
	}
}

// WithMetrics serves h on the admin API's /metrics route.
func WithMetrics(h http.Handler) Option {
	return func(_ *Daemon, o *api.Options) { o.Metrics = h }
}

// WithResultHandler registers fn to receive every finished run.
func WithResultHandler(fn func(*scheduler.RunResult)) Option {
	return func(d *Daemon, _ *api.Options) { d.onResult = fn }
}

// New loads and validates the pipeline definition named by cfg.
func New(cfg *config.Config, runner Runner, opts ...Option) (*Daemon, error) {
	if _, err := runctx.ParseQualifiedRef(cfg.Daemon.Ref); err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "invalid daemon.ref").
			UserAction().
			Build()
	}
	d := &Daemon{cfg: cfg, runner: runner}
	d.baseCtx, d.cancel = context.WithCancel(context.Background())

	apiOpts := api.Options{Trigger: d}
	for _, opt := range opts {
		opt(d, &apiOpts)
	}
	if cfg.Daemon.AdminAddr != "" {
		d.server = api.NewServer(cfg.Daemon.AdminAddr, apiOpts)
	}

	p, err := d.load()
	if err != nil {
		d.cancel()
		return nil, err
	}
	d.pipeline = p
	return d, nil
}

// Pipeline returns the current pipeline definition.
func (d *Daemon) Pipeline() *pipeline.Pipeline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pipeline
}

// Server returns the admin API server, or nil when no admin address is configured.
func (d *Daemon) Server() *api.Server { return d.server }

// Busy reports whether a run is in flight.
func (d *Daemon) Busy() bool { return d.busy.Load() }

// Reload re-reads the pipeline definition. An invalid definition is rejected
// and the previous one stays active.
func (d *Daemon) Reload() error {
	p, err := d.load()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pipeline = p
	d.mu.Unlock()
	slog.Info("Pipeline definition reloaded", logfields.Pipeline(p.Name), logfields.Path(d.cfg.Pipeline.Path))
	return nil
}

func (d *Daemon) load() (*pipeline.Pipeline, error) {
	p, err := pipeline.Load(d.cfg.Pipeline.Path)
	if err != nil {
		return nil, err
	}
	if _, err := d.runner.Plan(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Trigger starts a run of ref in the background and returns its run ID. An
// empty ref selects the configured daemon ref. It implements api.RunTrigger.
func (d *Daemon) Trigger(_ context.Context, ref string) (string, error) {
	return d.start(build.TriggerAPI, ref)
}

func (d *Daemon) start(trigger, ref string) (string, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.baseCtx.Err() != nil {
		return "", foundationerrors.DaemonError("daemon is shutting down").Build()
	}
	if ref == "" {
		ref = d.cfg.Daemon.Ref
	}
	parsed, err := runctx.ParseQualifiedRef(ref)
	if err != nil {
		return "", err
	}
	if !d.busy.CompareAndSwap(false, true) {
		return "", foundationerrors.DaemonError("a run is already in progress").
			WithContext("ref", ref).
			Build()
	}

	req := build.Request{
		Pipeline: d.Pipeline(),
		Ref:      parsed,
		Trigger:  trigger,
		RunID:    uuid.NewString(),
	}
	d.runs.Add(1)
	go func() {
		defer d.runs.Done()
		defer d.busy.Store(false)
		d.execute(req)
	}()
	return req.RunID, nil
}

func (d *Daemon) execute(req build.Request) {
	log := slog.With(logfields.RunID(req.RunID), logfields.Ref(req.Ref.String()), slog.String("trigger", req.Trigger))
	res, err := d.runner.Run(d.baseCtx, req)
	switch {
	case err != nil:
		log.Error("Run could not execute", logfields.Error(err))
	case res.Status == pipeline.RunFailed:
		log.Warn("Run failed", logfields.Error(res.Err))
	default:
		log.Info("Run finished", logfields.Status(string(res.Status)))
	}
	if d.onResult != nil && res != nil {
		d.onResult(res)
	}
}

func (d *Daemon) scheduledRun() {
	if _, err := d.start(build.TriggerSchedule, d.cfg.Daemon.Ref); err != nil {
		slog.Warn("Skipping scheduled run", logfields.Error(err))
	}
}

// Run starts the schedule, the pipeline watcher and the admin server, and
// blocks until ctx is canceled or the server fails. In-flight runs are
// canceled and awaited before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.shutdown()

	if interval := d.cfg.Daemon.IntervalDuration(); interval > 0 {
		s, err := NewSchedule()
		if err != nil {
			return err
		}
		if _, err := s.Every(interval, "scheduled-run", d.scheduledRun); err != nil {
			return err
		}
		s.Start()
		d.schedule = s
	}

	if d.cfg.Daemon.Watch {
		w, err := NewPipelineWatcher(d.cfg.Pipeline.Path, d.Reload)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		d.watcher = w
	}

	serverErr := make(chan error, 1)
	if d.server != nil {
		go func() {
			slog.Info("Admin server listening", slog.String("addr", d.server.Addr))
			if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- foundationerrors.WrapError(err, foundationerrors.CategoryDaemon, "admin server failed").
					WithContext("addr", d.server.Addr).
					Build()
			}
		}()
	}

	slog.Info("Daemon started",
		logfields.Pipeline(d.Pipeline().Name),
		slog.String("interval", d.cfg.Daemon.Interval),
		slog.Bool("watch", d.cfg.Daemon.Watch))

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return err
	}
}

func (d *Daemon) shutdown() {
	slog.Info("Daemon stopping")
	if d.schedule != nil {
		if err := d.schedule.Stop(); err != nil {
			slog.Warn("Failed to stop schedule", logfields.Error(err))
		}
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			slog.Warn("Failed to stop admin server", logfields.Error(err))
		}
		cancel()
	}
	d.lifecycle.Lock()
	d.cancel()
	d.lifecycle.Unlock()
	d.runs.Wait()
}
