package main

import (
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/docpipe/cmd/docpipe/commands"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/version"
)

func main() {
	cli := &commands.CLI{}
	global := &commands.Global{}
	parser := kong.Parse(cli,
		kong.Name("docpipe"),
		kong.Description("Gated, matrix-expanding build pipelines for documentation projects."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(global),
	)

	err := parser.Run(cli)
	if err == nil {
		return
	}
	if code, ok := commands.ExitCode(err); ok {
		os.Exit(code)
	}
	foundationerrors.NewCLIErrorAdapter(cli.Verbose, global.Logger).HandleError(err)
}
