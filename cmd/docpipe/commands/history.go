package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"git.home.luguber.info/inful/docpipe/internal/build"
	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/report"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	RunID string `arg:"" optional:"" help:"Show a single run"`
	Limit int    `short:"n" help:"Number of runs to list" default:"20"`
	JSON  bool   `help:"Print JSON instead of a table"`
}

func (c *HistoryCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	out := g.stdout()
	if _, err := os.Stat(cfg.History.Path); errors.Is(err, os.ErrNotExist) {
		report.History(out, nil)
		return nil
	}

	store, err := eventstore.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	projection := eventstore.NewRunHistoryProjection(store, max(c.Limit, build.DefaultHistorySize))
	if err := projection.Rebuild(context.Background()); err != nil {
		return err
	}

	if c.RunID != "" {
		run, ok := projection.Run(c.RunID)
		if !ok {
			return foundationerrors.NotFoundError("run not found").WithContext("run_id", c.RunID).Build()
		}
		return writeJSON(out, run)
	}

	runs := projection.History()
	if c.Limit > 0 && len(runs) > c.Limit {
		runs = runs[:c.Limit]
	}
	if c.JSON {
		return writeJSON(out, runs)
	}
	report.History(out, runs)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
