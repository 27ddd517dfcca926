package artifacts

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// LocalStore keeps one directory per artifact under Root.
type LocalStore struct {
	Root string

	// mu guards swapping a staged copy into place against readers.
	mu sync.RWMutex
}

// NewLocalStore returns a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Root: dir}
}

// Publish replaces the artifact with a copy of srcPath (file or directory).
func (s *LocalStore) Publish(ctx context.Context, name, srcPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return foundationerrors.FileSystemError("artifact source not found").
			WithCause(err).
			WithContext("artifact", name).
			WithContext("path", srcPath).
			Build()
	}

	if err := os.MkdirAll(s.Root, 0o750); err != nil {
		return foundationerrors.FileSystemError("failed to create artifact root").
			WithCause(err).
			WithContext("path", s.Root).
			Build()
	}
	// Each publish stages in its own directory so concurrent publishers of
	// the same name never share a copy in progress.
	staging, err := os.MkdirTemp(s.Root, ".staging-"+name+"-*")
	if err == nil {
		err = os.Chmod(staging, 0o750)
	}
	if err == nil {
		if info.IsDir() {
			err = copyDir(srcPath, staging)
		} else {
			err = copyFile(srcPath, filepath.Join(staging, filepath.Base(srcPath)))
		}
	}
	if err == nil {
		err = s.swap(staging, filepath.Join(s.Root, name))
	}
	if err != nil {
		if staging != "" {
			_ = os.RemoveAll(staging)
		}
		return foundationerrors.FileSystemError("failed to publish artifact").
			WithCause(err).
			WithContext("artifact", name).
			Build()
	}
	return nil
}

// swap replaces target with staging. The last publisher wins.
func (s *LocalStore) swap(staging, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(staging, target)
}

// Fetch copies the artifact contents into destPath.
func (s *LocalStore) Fetch(ctx context.Context, name, destPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := filepath.Join(s.Root, name)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return foundationerrors.NotFoundError("artifact not found").
			WithContext("artifact", name).
			Build()
	}
	if err := copyDir(src, destPath); err != nil {
		return foundationerrors.FileSystemError("failed to fetch artifact").
			WithCause(err).
			WithContext("artifact", name).
			WithContext("path", destPath).
			Build()
	}
	return nil
}

// copyDir recursively copies a directory tree.
func copyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	// #nosec G304 -- paths come from the artifact store layout
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	// #nosec G304 -- see above
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
