// Package errors defines the abstract error kinds shared by every layer of
// the store: the page manager, the freelist, the btree cursor, and the
// merge cursor all report failures through this package so that callers can
// branch on Kind instead of comparing error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds from the error-handling design.
type Kind int

const (
	KeyNotFound Kind = iota + 1
	DuplicateKey
	CursorIsNil
	KeyErasedInTxn
	TxnConflict
	InvIndex
	InvParameter
	OutOfMemory
	IOError
	// LimitsReached is an internal sentinel. It must never cross a public
	// API boundary; MergeCursor uses it to drive dupe-cache fallbacks and
	// translates it to KeyNotFound before returning to the caller.
	LimitsReached
)

func (k Kind) String() string {
	switch k {
	case KeyNotFound:
		return "key not found"
	case DuplicateKey:
		return "duplicate key"
	case CursorIsNil:
		return "cursor is nil"
	case KeyErasedInTxn:
		return "key erased in transaction"
	case TxnConflict:
		return "transaction conflict"
	case InvIndex:
		return "invalid index"
	case InvParameter:
		return "invalid parameter"
	case OutOfMemory:
		return "out of memory"
	case IOError:
		return "i/o error"
	case LimitsReached:
		return "limits reached"
	default:
		return "unknown error"
	}
}

// Error wraps a Kind with a contextual message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, SomeKindSentinel) work without allocating a new
// sentinel per call site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// sentinel returns a zero-message *Error of the given kind, suitable for use
// with errors.Is.
func sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinels for errors.Is comparisons against a bare kind.
var (
	ErrKeyNotFound    = sentinel(KeyNotFound)
	ErrDuplicateKey   = sentinel(DuplicateKey)
	ErrCursorIsNil    = sentinel(CursorIsNil)
	ErrKeyErasedInTxn = sentinel(KeyErasedInTxn)
	ErrTxnConflict    = sentinel(TxnConflict)
	ErrInvIndex       = sentinel(InvIndex)
	ErrInvParameter   = sentinel(InvParameter)
	ErrOutOfMemory    = sentinel(OutOfMemory)
	ErrIOError        = sentinel(IOError)
	ErrLimitsReached  = sentinel(LimitsReached)
)

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinel(kind))
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. The second return is false for plain errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
