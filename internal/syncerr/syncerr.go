// Package syncerr defines the error kinds returned across the remote, mirror and sync
// boundaries. Callers branch on the kind with errors.Is against the sentinel values.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the sync cycle has to react to it.
type Kind int

const (
	// Network covers transport failures, timeouts and unexpected HTTP statuses.
	Network Kind = iota
	// RateLimited means the remote quota is exhausted (HTTP 403).
	RateLimited
	// NotFound means the repository coordinates do not resolve (HTTP 404).
	NotFound
	// LocalIO is a filesystem write, read or delete failure.
	LocalIO
	// Malformed is an API response that could not be decoded or is unusable.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case LocalIO:
		return "local_io"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrNetwork     = &Error{Kind: Network}
	ErrRateLimited = &Error{Kind: RateLimited}
	ErrNotFound    = &Error{Kind: NotFound}
	ErrLocalIO     = &Error{Kind: LocalIO}
	ErrMalformed   = &Error{Kind: Malformed}
)

// Error is a classified failure at an I/O boundary.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "head commit", "write"
	Path string // remote or local path, if any
	Err  error
}

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPath returns a classified error bound to a path.
func WithPath(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or any *Error) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
