// Package mirror reads and mutates the local copy of the remote repository. Paths handed
// to and returned from a Mirror are slash-separated and relative to its root.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/schaermu/addonsyncd/internal/atomicfile"
	"github.com/schaermu/addonsyncd/internal/syncerr"
)

// Mirror is a directory tree mirroring the remote repository layout.
type Mirror struct {
	root   string
	ignore []string
}

// New returns a Mirror rooted at root. ignore holds doublestar patterns of paths that
// pruning must never delete.
func New(root string, ignore []string) (*Mirror, error) {
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	return &Mirror{root: filepath.Clean(root), ignore: ignore}, nil
}

// Root returns the mirror's root directory.
func (m *Mirror) Root() string { return m.root }

// Ignored reports whether rel matches an ignore pattern.
func (m *Mirror) Ignored(rel string) bool {
	for _, p := range m.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Abs resolves rel below the root. Absolute paths and paths escaping the root are refused.
func (m *Mirror) Abs(rel string) (string, error) {
	native := filepath.FromSlash(rel)
	if rel == "" || !filepath.IsLocal(native) {
		return "", syncerr.WithPath(syncerr.LocalIO, "resolve", rel, errors.New("path escapes mirror root"))
	}
	return filepath.Join(m.root, native), nil
}

// Same reports whether the file at rel exists and holds exactly data.
func (m *Mirror) Same(rel string, data []byte) bool {
	current, err := m.Read(rel)
	if err != nil {
		return false
	}
	return bytes.Equal(current, data)
}

// Exists reports whether a regular file exists at rel.
func (m *Mirror) Exists(rel string) bool {
	path, err := m.Abs(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Read returns the content at rel.
func (m *Mirror) Read(rel string) ([]byte, error) {
	path, err := m.Abs(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.WithPath(syncerr.LocalIO, "read", rel, err)
	}
	return data, nil
}

// Write replaces the file at rel with data. Parent directories are created as needed and
// the content lands through a temp file and rename, so the final path never holds a
// partial write.
func (m *Mirror) Write(rel string, data []byte) error {
	dst, err := m.Abs(rel)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(dst, data, 0644); err != nil {
		return syncerr.WithPath(syncerr.LocalIO, "write", rel, err)
	}
	return nil
}

// Remove deletes the file at rel. It reports false when there was nothing to delete.
func (m *Mirror) Remove(rel string) (bool, error) {
	path, err := m.Abs(rel)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, syncerr.WithPath(syncerr.LocalIO, "delete", rel, err)
	}
	return true, nil
}

// Files lists every regular file below the root, sorted. A missing root is empty.
func (m *Mirror) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == m.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(m.root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.WithPath(syncerr.LocalIO, "walk", m.root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Prune deletes every file that is neither ignored nor in keep, then removes directories
// left empty, deepest first. The root itself is never removed. Failures are per path: the
// walk continues and all failures are returned joined. Cancellation is checked between
// deletions.
func (m *Mirror) Prune(ctx context.Context, keep map[string]bool) ([]string, error) {
	var files, dirs []string
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == m.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			if path != m.root {
				dirs = append(dirs, rel)
			}
		default:
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.WithPath(syncerr.LocalIO, "walk", m.root, err)
	}

	var removed []string
	var errs []error
	for _, rel := range files {
		if m.Ignored(rel) || keep[rel] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(append(errs, err)...)
		}
		ok, err := m.Remove(rel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed = append(removed, rel)
		}
	}

	// WalkDir yields parents before children; walk backwards to empty bottom-up.
	for i := len(dirs) - 1; i >= 0; i-- {
		rel := dirs[i]
		if m.Ignored(rel) {
			continue
		}
		path := filepath.Join(m.root, filepath.FromSlash(rel))
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, syncerr.WithPath(syncerr.LocalIO, "rmdir", rel, err))
		}
	}

	return removed, errors.Join(errs...)
}
