package sync

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/schaermu/addonsyncd/internal/atomicfile"
	"github.com/schaermu/addonsyncd/internal/syncerr"
)

// Mode selects how a cycle computes its plan
type Mode string

const (
	// ModeNone means the head did not move and no reconciliation was requested
	ModeNone Mode = "none"
	// ModeBootstrap enumerates the full remote tree because no commit was synchronized yet
	ModeBootstrap Mode = "bootstrap"
	// ModeIncremental applies the compare result between the last and the head commit
	ModeIncremental Mode = "incremental"
	// ModeFull enumerates the full remote tree even though a previous commit is known
	ModeFull Mode = "full"
)

// Plan represents the file operations of one cycle
type Plan struct {
	Mode   Mode
	Write  []string        // paths to fetch and write
	Delete []string        // paths removed remotely
	Remote map[string]bool // every blob path of the target commit
}

// Report summarizes one sync cycle
type Report struct {
	Commit   string   `json:"commit"`
	Previous string   `json:"previous,omitempty"`
	Mode     Mode     `json:"mode"`
	Written  []string `json:"written,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
	Pruned   []string `json:"pruned,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Advanced bool     `json:"advanced"`
}

// Changed reports whether the cycle touched the mirror
func (r *Report) Changed() bool {
	return len(r.Written)+len(r.Deleted)+len(r.Pruned) > 0
}

// Store persists the last synchronized commit id in a single text file
type Store struct {
	path string
}

// NewStore creates a store backed by path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored commit id, or "" when nothing was synchronized yet
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", syncerr.WithPath(syncerr.LocalIO, "load state", s.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save replaces the stored commit id. The file is written to a temp file and renamed, so
// a crash leaves either the old or the new id.
func (s *Store) Save(commit string) error {
	if err := atomicfile.Write(s.path, []byte(commit+"\n"), 0644); err != nil {
		return syncerr.WithPath(syncerr.LocalIO, "save state", s.path, err)
	}
	return nil
}
