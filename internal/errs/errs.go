// Package errs defines the abstract error kinds callers of the cache
// engine can switch on (spec §7). A writer never partially commits: if a
// precheck fails no Store mutation is attempted, and if the Store commit
// fails the cache is left untouched.
package errs

import "fmt"

// Kind is one of the abstract error kinds a caller can recover on.
type Kind int

const (
	// KindInput means the caller supplied a value that failed an
	// adapter or precheck (malformed identifier type, bad ISBN check
	// digit, empty required title, out-of-range enum).
	KindInput Kind = iota + 1
	// KindNotFound means a referenced book_id / item_id / field name is
	// absent from the cache.
	KindNotFound
	// KindInvariant means the write would violate I1-I9 (two primary
	// languages, a negative format slot, conflicting link types).
	KindInvariant
	// KindStore means the Store failed, transiently or permanently.
	KindStore
	// KindFormat means the FSM reported a missing file, hash mismatch,
	// or unreadable format.
	KindFormat
	// KindRowReadOnly means sync() was called on a read-only Row.
	KindRowReadOnly
	// KindConflict means two writers touched the same book concurrently
	// at the Store level. Under the controller's single write lock this
	// should be unreachable; surfacing it is treated as a bug report.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindNotFound:
		return "not_found"
	case KindInvariant:
		return "invariant"
	case KindStore:
		return "store"
	case KindFormat:
		return "format"
	case KindRowReadOnly:
		return "row_read_only"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a structured failure carrying its Kind plus a machine-readable
// context bag (book ids, field name, etc.) so callers don't have to parse
// message text.
type Error struct {
	Kind    Kind
	Field   string
	BookIDs []int64
	ItemIDs []int64
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s", e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" field=%s", e.Field)
	}
	if len(e.BookIDs) > 0 {
		msg += fmt.Sprintf(" books=%v", e.BookIDs)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, errs.New(errs.KindInvariant, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind wrapping err, optionally
// naming the field and affected books.
func New(kind Kind, field string, err error, bookIDs ...int64) *Error {
	return &Error{Kind: kind, Field: field, BookIDs: bookIDs, Err: err}
}

// Input is a convenience constructor for KindInput.
func Input(field string, err error, bookIDs ...int64) *Error {
	return New(KindInput, field, err, bookIDs...)
}

// NotFound is a convenience constructor for KindNotFound.
func NotFound(field string, err error, bookIDs ...int64) *Error {
	return New(KindNotFound, field, err, bookIDs...)
}

// Invariant is a convenience constructor for KindInvariant.
func Invariant(field string, err error, bookIDs ...int64) *Error {
	return New(KindInvariant, field, err, bookIDs...)
}

// Store is a convenience constructor for KindStore.
func Store(err error) *Error { return New(KindStore, "", err) }

// Format is a convenience constructor for KindFormat.
func Format(field string, err error, bookIDs ...int64) *Error {
	return New(KindFormat, field, err, bookIDs...)
}

// RowReadOnly is a convenience constructor for KindRowReadOnly.
func RowReadOnly() *Error { return New(KindRowReadOnly, "", fmt.Errorf("row is read-only")) }

// Conflict is a convenience constructor for KindConflict.
func Conflict(field string, err error) *Error { return New(KindConflict, field, err) }

// Retryable reports whether a KindStore error should be retried with
// backoff rather than treated as a fatal, cache-reloading failure (§4.1:
// StoreError is potentially recoverable; IntegrityError is not).
func (e *Error) Retryable() bool {
	return e.Kind == KindStore
}
