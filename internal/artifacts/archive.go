package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// writeTarGz streams srcPath (file or directory) as a deterministic gzipped tar.
// Entry names are relative to srcPath; a single file is stored under its base name.
func writeTarGz(w io.Writer, srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}

	type entry struct{ name, path string }
	var files []entry
	if info.IsDir() {
		err = filepath.WalkDir(srcPath, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, relErr := filepath.Rel(srcPath, path)
			if relErr != nil {
				return relErr
			}
			files = append(files, entry{name: filepath.ToSlash(rel), path: path})
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		files = append(files, entry{name: filepath.Base(srcPath), path: srcPath})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	gw := gzip.NewWriter(w)
	gw.ModTime = time.Unix(0, 0).UTC()
	tw := tar.NewWriter(gw)

	for _, f := range files {
		fi, err := os.Stat(f.path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     f.name,
			Mode:     int64(fi.Mode().Perm()),
			Size:     fi.Size(),
			ModTime:  time.Unix(0, 0).UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		// #nosec G304 -- walking the artifact source tree
		src, err := os.Open(f.path)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(tw, src)
		_ = src.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// extractTarGz unpacks regular files from r into dstDir, rejecting entries that
// would escape it.
func extractTarGz(r io.Reader, dstDir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = gzr.Close() }()

	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return err
	}
	root := filepath.Clean(dstDir)
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimLeft(strings.TrimSpace(hdr.Name), "/")
		target := filepath.Join(root, filepath.FromSlash(name))
		if name == "" || !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("invalid tar entry path %q", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		// #nosec G304 -- target is confined to dstDir above
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}
		// #nosec G110 -- artifacts are produced by our own pipeline
		_, copyErr := io.Copy(out, tr)
		closeErr := out.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
}
