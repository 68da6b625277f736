// Package addon reads add-on manifests (addon.xml) from disk and from zip archives.
package addon

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ManifestName is the file name of an add-on manifest.
const ManifestName = "addon.xml"

// ErrNoManifest is returned when an archive contains no addon.xml.
var ErrNoManifest = errors.New("no addon.xml found")

// Manifest holds the root attributes of an addon.xml.
type Manifest struct {
	XMLName  xml.Name `xml:"addon"`
	ID       string   `xml:"id,attr"`
	Name     string   `xml:"name,attr"`
	Version  string   `xml:"version,attr"`
	Provider string   `xml:"provider-name,attr"`
}

// Parse decodes a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := xml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestName, err)
	}
	return &m, nil
}

// ReadFile parses the manifest at path.
func ReadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Parse(f)
}

// ReadZip parses the manifest inside the archive at path. Archives usually wrap the add-on
// in a top-level folder; the shallowest addon.xml wins.
func ReadZip(path string) (*Manifest, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer func() {
		_ = r.Close()
	}()

	var best *zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || baseName(f.Name) != ManifestName {
			continue
		}
		if best == nil || depth(f.Name) < depth(best.Name) {
			best = f
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoManifest)
	}

	rc, err := best.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s in %s: %w", best.Name, path, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	return Parse(rc)
}

func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

func depth(name string) int {
	return strings.Count(strings.Trim(strings.ReplaceAll(name, "\\", "/"), "/"), "/")
}
