package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/docpipe/internal/config"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

// LogLevelEnv overrides the configured log level.
const LogLevelEnv = "DOCPIPE_LOG_LEVEL"

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
	Out    io.Writer // Command output; nil means stdout
}

func (g *Global) stdout() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// CLI definition & global flags.
type CLI struct {
	Config      string           `short:"c" help:"Configuration file path (default docpipe.yaml when present)"`
	Pipeline    string           `short:"p" help:"Pipeline definition path, overrides pipeline.path"`
	Verbose     bool             `short:"v" help:"Enable verbose logging"`
	ShowVersion kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run      RunCmd      `cmd:"" help:"Run the pipeline for a ref"`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and pipeline definition"`
	Plan     PlanCmd     `cmd:"" help:"Print the stage order and expanded job instances"`
	Gate     GateCmd     `cmd:"" help:"Evaluate the commit gate"`
	Route    RouteCmd    `cmd:"" help:"Print the deploy target a ref would select"`
	History  HistoryCmd  `cmd:"" help:"Show recorded runs"`
	Serve    ServeCmd    `cmd:"" help:"Run as a daemon with scheduled runs and an admin API"`
	Version  VersionCmd  `cmd:"" help:"Print version and build information"`
}

// AfterApply runs after flag parsing; it installs the bootstrap logger used
// until the configuration is loaded.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply(g *Global) error {
	g.Logger = newLogger(parseLogLevel(c.Verbose, ""), config.LogFormatText)
	slog.SetDefault(g.Logger)
	return nil
}

// ExitStatus is returned by commands that finish without an error but must
// report a non-zero exit code, such as a run canceled by the commit gate.
type ExitStatus int

func (e ExitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) (int, bool) {
	var status ExitStatus
	if errors.As(err, &status) {
		return int(status), true
	}
	return 0, false
}

// parseLogLevel resolves the level from --verbose, DOCPIPE_LOG_LEVEL and the configured level, in that order.
func parseLogLevel(verbose bool, configured config.LogLevel) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	raw := os.Getenv(LogLevelEnv)
	if raw == "" {
		raw = string(configured)
	}
	switch config.NormalizeLogLevel(raw) {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Level, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig loads the configuration and reconfigures logging from it.
func loadConfig(g *Global, root *CLI) (*config.Config, error) {
	path, explicit := root.Config, root.Config != ""
	if !explicit {
		path = config.DefaultPath
	}
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to load configuration").
			WithContext("path", path).
			UserAction().
			Build()
	}
	if root.Pipeline != "" {
		cfg.Pipeline.Path = root.Pipeline
	}
	g.Logger = newLogger(parseLogLevel(root.Verbose, cfg.Logging.Level), cfg.Logging.Format)
	slog.SetDefault(g.Logger)
	return cfg, nil
}

func loadPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	p, err := pipeline.Load(cfg.Pipeline.Path)
	if err != nil {
		if foundationerrors.IsClassified(err) {
			return nil, err
		}
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to load pipeline definition").
			WithContext("path", cfg.Pipeline.Path).
			Build()
	}
	return p, nil
}

// RefFlags selects the triggering ref.
type RefFlags struct {
	Ref    string `help:"Fully qualified ref (refs/heads/<branch> or refs/tags/<tag>)" xor:"ref"`
	Branch string `short:"b" help:"Branch name" xor:"ref"`
	Tag    string `short:"t" help:"Tag name" xor:"ref"`
}

// Resolve returns the selected ref, or a zero ref when none was given. --ref
// must be fully qualified.
func (f RefFlags) Resolve() (runctx.Ref, error) {
	switch {
	case f.Branch != "":
		return runctx.BranchRef(strings.TrimSpace(f.Branch)), nil
	case f.Tag != "":
		return runctx.TagRef(strings.TrimSpace(f.Tag)), nil
	case f.Ref != "":
		return runctx.ParseQualifiedRef(f.Ref)
	default:
		return runctx.Ref{}, nil
	}
}
