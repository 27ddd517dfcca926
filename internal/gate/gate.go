// Package gate decides from a commit message whether a pipeline run proceeds.
package gate

import (
	"context"
	"fmt"
	"strings"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/git"
)

// DefaultSkip inspects the commit before the tip. Whether skipping the tip is
// meant to ignore a merge commit is unknown; the observed behavior is kept.
const DefaultSkip = 1

// DefaultMarkers returns the case-sensitive markers that skip a run.
func DefaultMarkers() []string {
	return []string{"[skip ci]", "[ci skip]", "[skip azp]", "[azp skip]"}
}

// HistoryReader returns the commit skip positions before the tip.
type HistoryReader interface {
	CommitAt(ctx context.Context, skip int) (git.Commit, error)
}

// Decision is the gate's verdict for one run.
type Decision struct {
	Proceed bool
	Commit  git.Commit
	Marker  string // Marker that matched when Proceed is false
	Skip    int
}

// Gate evaluates skip markers.
type Gate struct {
	markers []string
	skip    int
}

// New returns a gate. Empty markers select DefaultMarkers; a negative skip selects DefaultSkip.
func New(markers []string, skip int) *Gate {
	if len(markers) == 0 {
		markers = DefaultMarkers()
	}
	if skip < 0 {
		skip = DefaultSkip
	}
	return &Gate{markers: append([]string(nil), markers...), skip: skip}
}

// Markers returns the configured markers.
func (g *Gate) Markers() []string { return append([]string(nil), g.markers...) }

// Skip returns how many commits before the tip are skipped.
func (g *Gate) Skip() int { return g.skip }

// Decide returns true unless message contains any marker.
func (g *Gate) Decide(message string) bool {
	_, matched := g.match(message)
	return !matched
}

func (g *Gate) match(message string) (string, bool) {
	for _, m := range g.markers {
		if strings.Contains(message, m) {
			return m, true
		}
	}
	return "", false
}

// Evaluate reads the inspected commit from history and decides. A history that
// cannot be read is a fatal GateReadError.
func (g *Gate) Evaluate(ctx context.Context, history HistoryReader) (Decision, error) {
	commit, err := history.CommitAt(ctx, g.skip)
	if err != nil {
		return Decision{}, foundationerrors.GateReadError(fmt.Sprintf("cannot read the commit %d before the tip", g.skip)).
			WithCause(err).
			WithContext("skip", g.skip).
			Build()
	}
	marker, matched := g.match(commit.Message)
	return Decision{Proceed: !matched, Commit: commit, Marker: marker, Skip: g.skip}, nil
}
