package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Commit is the subset of commit data the orchestrator consumes.
type Commit struct {
	Hash    string
	Message string
}

// Open opens the repository containing path, searching parent directories.
func Open(path string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, &HistoryError{Op: "open", Path: path, Err: err}
	}
	return repo, nil
}

// CommitAt returns the commit skip positions before HEAD in `git log` order
// (newest committer time first). skip=0 is HEAD itself.
func CommitAt(ctx context.Context, path string, skip int) (Commit, error) {
	if skip < 0 {
		return Commit{}, fmt.Errorf("skip must be >= 0, got %d", skip)
	}
	repo, err := Open(path)
	if err != nil {
		return Commit{}, err
	}
	head, err := repo.Head()
	if err != nil {
		return Commit{}, &HistoryError{Op: "resolve HEAD", Path: path, Err: err}
	}
	iter, err := repo.Log(&gogit.LogOptions{From: head.Hash(), Order: gogit.LogOrderCommitterTime})
	if err != nil {
		return Commit{}, &HistoryError{Op: "log", Path: path, Err: err}
	}
	defer iter.Close()

	var found *object.Commit
	seen := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if seen == skip {
			found = c
			return storer.ErrStop
		}
		seen++
		return nil
	})
	if err != nil {
		return Commit{}, &HistoryError{Op: "walk history", Path: path, Err: err}
	}
	if found == nil {
		return Commit{}, &HistoryError{
			Op:   "walk history",
			Path: path,
			Err:  fmt.Errorf("%w: wanted commit %d before HEAD, repository has %d", ErrHistoryTooShort, skip, seen),
		}
	}
	return Commit{Hash: found.Hash.String(), Message: strings.TrimRight(found.Message, "\n")}, nil
}

// CurrentRef returns the fully qualified ref HEAD points at. A detached HEAD
// resolves to a tag pointing at the same commit when one exists, otherwise to
// the bare commit hash.
func CurrentRef(path string) (string, error) {
	repo, err := Open(path)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", &HistoryError{Op: "resolve HEAD", Path: path, Err: err}
	}
	if head.Name().IsBranch() {
		return head.Name().String(), nil
	}

	tags, err := repo.Tags()
	if err != nil {
		return "", &HistoryError{Op: "list tags", Path: path, Err: err}
	}
	defer tags.Close()
	var tagRef string
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if tagObj, tagErr := repo.TagObject(target); tagErr == nil {
			target = tagObj.Target
		} else if !errors.Is(tagErr, plumbing.ErrObjectNotFound) {
			return tagErr
		}
		if target == head.Hash() {
			tagRef = ref.Name().String()
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return "", &HistoryError{Op: "list tags", Path: path, Err: err}
	}
	if tagRef != "" {
		return tagRef, nil
	}
	return head.Hash().String(), nil
}
