// Package fsm defines the folder-store manager contract: the external
// collaborator that owns on-disk book/cover files. The cache controller
// and writers never touch a filesystem path directly; they go through
// this interface so the on-disk layout (naming, hardlinking, atomic
// moves) stays swappable.
package fsm

import (
	"context"
	"io"
)

// BookLocation identifies where a book's files live on disk relative to
// the library root (§6.1's "path" field).
type BookLocation struct {
	BookID int64
	Path   string
}

// FormatKey names one stored format for a book. Key is either BASE_<k> or
// the bare format extension, matching the priority-slot vocabulary the
// cache controller assigns (§4.4's formats table).
type FormatKey struct {
	BookID int64
	Key    string
}

// FSM is the narrow contract the core consumes. Every method may block on
// file I/O and therefore takes a context for cancellation.
type FSM interface {
	// FormatPath returns the on-disk path of a stored format, or ok=false
	// if no file is materialized for that key.
	FormatPath(ctx context.Context, key FormatKey) (path string, ok bool, err error)

	// AddFormat writes data as the given format for a book, replacing any
	// existing file at that slot, and returns its size and content hash.
	AddFormat(ctx context.Context, key FormatKey, ext string, data io.Reader) (size int64, hash string, err error)

	// CopyFormatTo streams a stored format's bytes to dst.
	CopyFormatTo(ctx context.Context, key FormatKey, dst io.Writer) error

	// RemoveFormats deletes the on-disk files for the given keys. Missing
	// files are not an error.
	RemoveFormats(ctx context.Context, keys []FormatKey) error

	// MoveFormat atomically re-keys a stored format (priority-slot
	// shifts when a higher slot is inserted or a middle slot removed).
	MoveFormat(ctx context.Context, from, to FormatKey) error

	// SaveOriginalFormat hardlinks (or copies, if hardlinking is
	// unavailable across the two locations) the current file for key
	// aside as an ORIGINAL_<priority> backup slot and returns that slot's
	// key.
	SaveOriginalFormat(ctx context.Context, key FormatKey) (FormatKey, error)

	// RestoreOriginalFormat moves a previously saved ORIGINAL_<priority>
	// slot back over the live format it was saved from.
	RestoreOriginalFormat(ctx context.Context, original FormatKey) error

	// CoverPath returns the on-disk path of a book's cover, or ok=false if
	// none is materialized.
	CoverPath(ctx context.Context, bookID int64) (path string, ok bool, err error)

	// SetCover writes data as a book's cover image.
	SetCover(ctx context.Context, bookID int64, data io.Reader) error

	// CopyCoverTo streams a book's cover bytes to dst.
	CopyCoverTo(ctx context.Context, bookID int64, dst io.Writer) error

	// RemoveCover deletes a book's cover file, if any.
	RemoveCover(ctx context.Context, bookID int64) error

	// WriteBackup atomically writes an OPF metadata backup for a book.
	WriteBackup(ctx context.Context, bookID int64, opf []byte) error

	// ReadBackup reads back a previously written OPF metadata backup.
	ReadBackup(ctx context.Context, bookID int64) ([]byte, error)

	// UpdatePath re-materializes a book's folder at a new relative path,
	// atomically moving any existing files, and returns the final path
	// (which may differ from requested if a collision was resolved).
	UpdatePath(ctx context.Context, loc BookLocation) (string, error)

	// RemoveBook deletes a book's entire on-disk folder.
	RemoveBook(ctx context.Context, loc BookLocation) error
}
