package table

import (
	"context"
	"fmt"
	"sync"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// IdentifierEntry is one (type, value) pair, kept in insertion order.
// RowID is the backing Store row, so writers can delete/update a single
// entry without issuing SQL of their own.
type IdentifierEntry struct {
	RowID int64
	Type  string
	Value string
}

// Identifiers is the identifiers table specialization (§4.4):
// book_col_map maps a book to an insertion-ordered type->value mapping.
// Unlike the other normalized tables, identifiers has no shared id_map —
// every row belongs to exactly one book (§3.1 "a (type, value) pair").
type Identifiers struct {
	mu   sync.Mutex
	data map[int64][]IdentifierEntry
}

// NewIdentifiers constructs an empty identifiers table.
func NewIdentifiers() *Identifiers {
	return &Identifiers{data: make(map[int64][]IdentifierEntry)}
}

func (t *Identifiers) Name() string { return "identifiers" }

// Read populates data from the Store's identifiers table, ordered by id
// ascending (insertion order, I7).
func (t *Identifiers) Read(ctx context.Context, store Store) error {
	rows, err := store.AllRows(ctx, "identifiers", "id", false)
	if err != nil {
		return errs.Store(fmt.Errorf("identifiers: read: %w", err))
	}
	data := make(map[int64][]IdentifierEntry)
	for _, row := range rows {
		bookID, ok := asInt64(row["book"])
		if !ok {
			continue
		}
		rowID, _ := asInt64(row["id"])
		typ, _ := row["type"].(string)
		val, _ := row["val"].(string)
		data[bookID] = append(data[bookID], IdentifierEntry{RowID: rowID, Type: typ, Value: val})
	}
	t.mu.Lock()
	t.data = data
	t.mu.Unlock()
	return nil
}

// ForBook returns a book's identifier set as an ordered copy.
func (t *Identifiers) ForBook(bookID int64) []IdentifierEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.data[bookID]
	out := make([]IdentifierEntry, len(src))
	copy(out, src)
	return out
}

// HasIdentifier reports whether some non-empty value of type t is linked
// to bookID (I7).
func (t *Identifiers) HasIdentifier(bookID int64, typ string) bool {
	for _, e := range t.ForBook(bookID) {
		if e.Type == typ && e.Value != "" {
			return true
		}
	}
	return false
}

// Replace sets a book's full identifier set, preserving the order given.
// Used by a non-append set_field("identifiers", ...) call.
func (t *Identifiers) Replace(bookID int64, entries []IdentifierEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]IdentifierEntry, len(entries))
	copy(cp, entries)
	t.data[bookID] = cp
}

// Append adds or updates individual (type, value) entries without
// disturbing the existing order of untouched types; updating an existing
// type's value keeps its original position (append-mode identifier
// writes).
func (t *Identifiers) Append(bookID int64, entries []IdentifierEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.data[bookID]
	index := make(map[string]int, len(existing))
	for i, e := range existing {
		index[e.Type] = i
	}
	for _, e := range entries {
		if i, ok := index[e.Type]; ok {
			existing[i].Value = e.Value
			continue
		}
		index[e.Type] = len(existing)
		existing = append(existing, e)
	}
	t.data[bookID] = existing
}

// RemoveBooks drops identifier sets for deleted books.
func (t *Identifiers) RemoveBooks(ids []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.data, id)
	}
}
