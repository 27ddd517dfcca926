package helpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// SetupTestGitRepo initializes a temporary git repository for testing.
// Returns the repository, its worktree, and the absolute path to the temporary directory.
func SetupTestGitRepo(t *testing.T) (*git.Repository, *git.Worktree, string) {
	t.Helper()

	tempDir := t.TempDir()

	repo, err := git.PlainInit(tempDir, false)
	if err != nil {
		t.Fatalf("failed to initialize git repo: %v", err)
	}

	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}

	return repo, w, tempDir
}

// AddCommit writes a file, stages it and commits with msg. Commits get strictly
// increasing timestamps so log order is deterministic.
func AddCommit(t *testing.T, repo *git.Repository, repoPath, filename, content, msg string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	full := filepath.Join(repoPath, filename)
	if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := wt.Add(filename); err != nil {
		t.Fatalf("add: %v", err)
	}
	when := time.Now()
	if head, err := repo.Head(); err == nil {
		if prev, err := repo.CommitObject(head.Hash()); err == nil && !when.After(prev.Committer.When) {
			when = prev.Committer.When.Add(time.Second)
		}
	}
	sig := &object.Signature{Name: "tester", Email: "t@example.com", When: when}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}

// RemoveObject deletes a loose object, simulating a shallow clone that lacks it.
func RemoveObject(t *testing.T, repoPath string, hash plumbing.Hash) {
	t.Helper()
	h := hash.String()
	if err := os.Remove(filepath.Join(repoPath, ".git", "objects", h[:2], h[2:])); err != nil {
		t.Fatalf("remove object: %v", err)
	}
}
