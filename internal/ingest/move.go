package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hyperjump/kagami/internal/fileid"
)

// uniquePath returns a path in dir for name that neither exists nor is
// reserved: name, then stem_1.ext, stem_2.ext and so on.
func uniquePath(dir, name string, reserved map[string]struct{}) (string, error) {
	stem, ext := fileid.SplitName(name)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, ok := reserved[path]; ok {
			continue
		}
		_, err := os.Lstat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
}

// moveUnique moves src into dir without overwriting and returns the new path.
func moveUnique(src, dir string) (string, error) {
	dst, err := uniquePath(dir, filepath.Base(src), nil)
	if err != nil {
		return "", err
	}
	if err := moveFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// moveFile renames src to dst, falling back to copy and remove when the two
// are on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// listVideos returns the regular files in dir whose extension is recognized,
// sorted by name. A missing dir yields nothing.
func listVideos(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !fileid.MatchExtension(e.Name(), extensions) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
