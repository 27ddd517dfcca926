// Package version holds build metadata injected with -ldflags, e.g.
// -X git.home.luguber.info/inful/docpipe/internal/version.Version=v0.3.0.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "unknown"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the version line printed by the CLI.
func String() string {
	return fmt.Sprintf("docpipe %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, runtime.Version())
}
