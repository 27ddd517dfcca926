package gate

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/docpipe/internal/git"
)

// GitHistory reads commits from a local repository with go-git.
type GitHistory struct {
	Path string
}

func (h GitHistory) CommitAt(ctx context.Context, skip int) (git.Commit, error) {
	return git.CommitAt(ctx, h.Path, skip)
}

// StaticHistory is an in-memory history, newest commit first.
type StaticHistory []git.Commit

func (h StaticHistory) CommitAt(_ context.Context, skip int) (git.Commit, error) {
	if skip < 0 || skip >= len(h) {
		return git.Commit{}, fmt.Errorf("%w: wanted commit %d before the tip, have %d", git.ErrHistoryTooShort, skip, len(h))
	}
	return h[skip], nil
}

// MessageOverride returns message regardless of skip; used when the trigger
// supplies the commit message directly.
type MessageOverride string

func (m MessageOverride) CommitAt(context.Context, int) (git.Commit, error) {
	return git.Commit{Message: string(m)}, nil
}
