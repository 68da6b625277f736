// Package host resolves the media center's virtual paths and reports which add-ons it has
// installed.
package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/addonsyncd/internal/addon"
)

const specialScheme = "special://"

// Host describes the local media center installation.
type Host struct {
	homeDir    string
	profileDir string
	addonsDir  string
}

// New creates a Host. addonsDir holds one directory per installed add-on.
func New(homeDir, profileDir, addonsDir string) *Host {
	return &Host{homeDir: homeDir, profileDir: profileDir, addonsDir: addonsDir}
}

// TranslatePath maps special://home/... and special://profile/... onto the local
// filesystem. Other paths are returned cleaned.
func (h *Host) TranslatePath(p string) (string, error) {
	if !strings.HasPrefix(p, specialScheme) {
		return filepath.Clean(p), nil
	}

	rest := strings.TrimPrefix(p, specialScheme)
	root, sub, _ := strings.Cut(rest, "/")

	var base string
	switch root {
	case "home":
		base = h.homeDir
	case "profile", "masterprofile":
		base = h.profileDir
	default:
		return "", fmt.Errorf("unsupported special path root %q in %s", root, p)
	}
	if base == "" {
		return "", fmt.Errorf("special://%s is not configured", root)
	}

	sub = filepath.FromSlash(strings.Trim(sub, "/"))
	if sub != "" && !filepath.IsLocal(sub) {
		return "", fmt.Errorf("path escapes special://%s: %s", root, p)
	}
	return filepath.Join(base, sub), nil
}

// InstalledVersion returns the version of an installed add-on. installed is false when the
// add-on has no manifest below the add-ons directory. A manifest that exists but cannot be
// parsed is reported as installed together with the parse error.
func (h *Host) InstalledVersion(id string) (version string, installed bool, err error) {
	if !filepath.IsLocal(id) {
		return "", false, fmt.Errorf("invalid add-on id %q", id)
	}

	manifest, err := addon.ReadFile(filepath.Join(h.addonsDir, id, addon.ManifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", true, err
	}
	return manifest.Version, true, nil
}

// IsInstalled reports whether the add-on has a manifest below the add-ons directory.
func (h *Host) IsInstalled(id string) bool {
	info, err := os.Stat(filepath.Join(h.addonsDir, id, addon.ManifestName))
	return err == nil && info.Mode().IsRegular()
}
