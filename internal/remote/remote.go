// Package remote talks to the HTTP API of the repository host that the add-on mirrors.
package remote

import "context"

// Repo identifies the tracked repository and branch.
type Repo struct {
	Owner  string
	Name   string
	Branch string
}

// EntryKind is the type of a tree entry.
type EntryKind string

const (
	KindBlob EntryKind = "blob"
	KindTree EntryKind = "tree"
)

// Entry is one path of a remote tree.
type Entry struct {
	Path string
	Kind EntryKind
}

// Status is the change status reported by the compare endpoint.
type Status string

const (
	StatusAdded     Status = "added"
	StatusModified  Status = "modified"
	StatusRemoved   Status = "removed"
	StatusRenamed   Status = "renamed"
	StatusCopied    Status = "copied"
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
)

// Change is one file entry of a compare result.
type Change struct {
	Path         string
	PreviousPath string // set for renames
	Status       Status
}

// Client provides read access to the remote repository. Failures are *syncerr.Error values
// of kind RateLimited, NotFound, Network or Malformed.
type Client interface {
	// HeadCommit returns the commit id at the head of the tracked branch
	HeadCommit(ctx context.Context) (string, error)
	// Tree returns every entry of the tree at ref
	Tree(ctx context.Context, ref string) ([]Entry, error)
	// Compare returns the files that differ between base and head
	Compare(ctx context.Context, base, head string) ([]Change, error)
	// FetchContent returns the raw bytes of path at ref
	FetchContent(ctx context.Context, ref, path string) ([]byte, error)
}

// BlobPaths returns the paths of all blob entries as a set.
func BlobPaths(entries []Entry) map[string]bool {
	paths := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Kind == KindBlob {
			paths[e.Path] = true
		}
	}
	return paths
}
