package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/docpipe/internal/build"
	"git.home.luguber.info/inful/docpipe/internal/daemon"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Addr     string `help:"Admin API listen address, overrides daemon.admin_addr"`
	Interval string `help:"Run interval (e.g. 30m), overrides daemon.interval"`
	Ref      string `help:"Fully qualified ref for scheduled runs (refs/heads/<branch>), overrides daemon.ref"`
	Watch    bool   `help:"Reload the pipeline definition when it changes"`
}

func (c *ServeCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Daemon.AdminAddr = c.Addr
	}
	if c.Interval != "" {
		cfg.Daemon.Interval = c.Interval
	}
	if c.Ref != "" {
		cfg.Daemon.Ref = c.Ref
	}
	if c.Watch {
		cfg.Daemon.Watch = true
	}
	// History backs the admin API's /runs endpoints.
	cfg.History.Enabled = true

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := build.OpenResources(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := res.Close(); cerr != nil {
			slog.Warn("Failed to release resources", "error", cerr)
		}
	}()

	opts := []daemon.Option{daemon.WithHistory(res.Projection, res.Events)}
	if res.Registry != nil {
		opts = append(opts, daemon.WithMetrics(metrics.HTTPHandler(res.Registry)))
	}
	d, err := daemon.New(cfg, build.NewService(cfg, res), opts...)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
