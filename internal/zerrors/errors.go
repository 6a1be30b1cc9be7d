// Package zerrors defines the engine's error kinds (spec.md §7),
// following server/innodb/manager/errors.go's habit of grouping
// sentinel errors by subsystem, generalized to a single typed kind so
// callers can errors.As against it regardless of which package raised it.
package zerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the six error categories of spec.md §7.
type Kind int

const (
	// SlotExhausted: deadlock-avoidance — caller must release locks and retry.
	SlotExhausted Kind = iota
	// OutOfPageSpace: forces a prune attempt, then a non-in-place update.
	OutOfPageSpace
	// SerializationFailure: cross-partition update attempted.
	SerializationFailure
	// LockNotAvailable: wait policy was Skip/Error and the lock was contended.
	LockNotAvailable
	// UndoUnavailable: pointer lies below the discard horizon.
	UndoUnavailable
	// Corruption: an invariant check failed; fatal for the operation.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case SlotExhausted:
		return "slot_exhausted"
	case OutOfPageSpace:
		return "out_of_page_space"
	case SerializationFailure:
		return "serialization_failure"
	case LockNotAvailable:
		return "lock_not_available"
	case UndoUnavailable:
		return "undo_unavailable"
	case Corruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus diagnostic context, wrapped with
// pkg/errors stack context for Corruption's "surfaced with diagnostic
// context" requirement.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err, adding pkg/errors stack context so
// Corruption (and any other kind) carries a trace back to the failed
// invariant check.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, err: errors.WithStack(err)}
}

// Is reports whether err (or something it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			break
		}
		if e.Kind == kind {
			return true
		}
		err = e.err
	}
	return false
}
