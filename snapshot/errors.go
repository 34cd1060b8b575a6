package snapshot

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Open when the source database does not exist.
// It is an environment problem, not a bug: callers surface it as
// "service unavailable".
var ErrNotFound = errors.New("snapshot: source database not found")

// AccessorError wraps an unexpected I/O failure while copying, opening,
// querying or removing a snapshot.
type AccessorError struct {
	Op   string // "stat", "copy", "open", "query", "close", "remove"
	Path string
	Err  error
}

func (e *AccessorError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("snapshot: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *AccessorError) Unwrap() error { return e.Err }

// Wrap returns err as an *AccessorError for op, unless it already is one or
// is ErrNotFound. Nil stays nil.
func Wrap(op, path string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var ae *AccessorError
	if errors.As(err, &ae) {
		return err
	}
	return &AccessorError{Op: op, Path: path, Err: err}
}
