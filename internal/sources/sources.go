// Package sources edits the media center's file-source registry (sources.xml).
package sources

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/schaermu/addonsyncd/internal/atomicfile"
)

const pathVersion = "1"

// Document is the sources.xml root. Elements the store does not model are kept verbatim.
type Document struct {
	XMLName  xml.Name  `xml:"sources"`
	Programs *Section  `xml:"programs"`
	Video    *Section  `xml:"video"`
	Music    *Section  `xml:"music"`
	Pictures *Section  `xml:"pictures"`
	Files    *Section  `xml:"files"`
	Extra    []element `xml:",any"`
}

// Section is one media section.
type Section struct {
	Default *Default  `xml:"default"`
	Sources []Source  `xml:"source"`
	Extra   []element `xml:",any"`
}

// Default is the section's default source.
type Default struct {
	PathVersion string `xml:"pathversion,attr,omitempty"`
	Value       string `xml:",chardata"`
}

// Source is a registered source.
type Source struct {
	Name         string    `xml:"name"`
	Paths        []Path    `xml:"path"`
	AllowSharing string    `xml:"allowsharing,omitempty"`
	Extra        []element `xml:",any"`
}

// Path is a source location.
type Path struct {
	PathVersion string `xml:"pathversion,attr,omitempty"`
	Value       string `xml:",chardata"`
}

type element struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// HasPath reports whether one of the source's locations equals p.
func (s Source) HasPath(p string) bool {
	for _, sp := range s.Paths {
		if strings.TrimSpace(sp.Value) == p {
			return true
		}
	}
	return false
}

// newDocument returns a registry with every media section and its default entry.
func newDocument() *Document {
	doc := &Document{}
	doc.ensureSections()
	return doc
}

func (d *Document) ensureSections() {
	for _, s := range []**Section{&d.Programs, &d.Video, &d.Music, &d.Pictures, &d.Files} {
		if *s == nil {
			*s = &Section{}
		}
		if (*s).Default == nil {
			(*s).Default = &Default{PathVersion: pathVersion}
		}
	}
}

// Store reads and writes a sources.xml file. A missing or unparsable file is replaced by
// an empty registry on the next write.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewStore creates a store for the file at path
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// AddSource registers path under name in the files section. It reports false when a
// source with that path already exists.
func (s *Store) AddSource(name, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for _, src := range doc.Files.Sources {
		if src.HasPath(path) {
			return false, nil
		}
	}

	doc.Files.Sources = append(doc.Files.Sources, Source{
		Name:         name,
		Paths:        []Path{{PathVersion: pathVersion, Value: path}},
		AllowSharing: "true",
	})
	if err := s.save(doc); err != nil {
		return false, err
	}
	s.logger.Info("registered source", "name", name, "path", path)
	return true, nil
}

// RemoveSource drops the first files source registered at path. It reports false when
// nothing matched or the file does not exist.
func (s *Store) RemoveSource(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for i, src := range doc.Files.Sources {
		if !src.HasPath(path) {
			continue
		}
		doc.Files.Sources = append(doc.Files.Sources[:i], doc.Files.Sources[i+1:]...)
		if err := s.save(doc); err != nil {
			return false, err
		}
		s.logger.Info("removed source", "name", src.Name, "path", path)
		return true, nil
	}
	return false, nil
}

// Files returns the sources of the files section
func (s *Store) Files() ([]Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Files.Sources, nil
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newDocument(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("sources file is corrupt, recreating it", "path", s.path, "error", err)
		return newDocument(), nil
	}
	doc.ensureSections()
	return &doc, nil
}

func (s *Store) save(doc *Document) error {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.path, err)
	}
	buf.WriteString("\n")

	if err := atomicfile.Write(s.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}
