package commands

import (
	"fmt"

	"git.home.luguber.info/inful/docpipe/internal/version"
)

// VersionCmd implements the 'version' command.
type VersionCmd struct{}

func (v *VersionCmd) Run(g *Global) error {
	fmt.Fprintln(g.stdout(), version.String())
	return nil
}
