// Package row implements the Row handle: a typed, dictionary-like view of
// a single Store row bound to a table, with sync() persistence semantics
// and read-only guards.
package row

import (
	"fmt"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// Store is the narrow slice of the Store Driver Interface a Row needs:
// enough introspection to validate column access, and enough row I/O to
// allocate an id and persist values.
type Store interface {
	UUID() string
	IDColumn(table string) (string, error)
	Columns(table string) ([]string, error)
	BlankRow(table string) (map[string]any, error)
	InsertRow(table string, values map[string]any) (int64, error)
	UpdateRow(table string, idColumn string, values map[string]any) error
}

// Row holds (store, table, row_dict, read_only). Construction computes
// its id column and allowed-column set and rejects unknown columns on
// every subsequent Set.
type Row struct {
	store    Store
	table    string
	idColumn string
	allowed  map[string]bool
	values   map[string]any
	id       *int64
	readOnly bool
}

// New wraps an existing row_dict (e.g. one just read back from the
// Store) for table. If readOnly, Sync always fails with RowReadOnlyError.
func New(store Store, table string, values map[string]any, readOnly bool) (*Row, error) {
	r := &Row{store: store, table: table, readOnly: readOnly}
	if err := r.refresh(values); err != nil {
		return nil, err
	}
	return r, nil
}

// Blank loads a blank row_dict for table from the Store (one with every
// column present and zero/empty-valued) as the basis for a new insert.
func Blank(store Store, table string) (*Row, error) {
	values, err := store.BlankRow(table)
	if err != nil {
		return nil, errs.Store(fmt.Errorf("row: blank row for %s: %w", table, err))
	}
	return New(store, table, values, false)
}

func (r *Row) refresh(values map[string]any) error {
	idColumn, err := r.store.IDColumn(r.table)
	if err != nil {
		return errs.Store(fmt.Errorf("row: id column for %s: %w", r.table, err))
	}
	cols, err := r.store.Columns(r.table)
	if err != nil {
		return errs.Store(fmt.Errorf("row: columns for %s: %w", r.table, err))
	}
	allowed := make(map[string]bool, len(cols))
	for _, c := range cols {
		allowed[c] = true
	}

	local := make(map[string]any, len(values))
	for k, v := range values {
		if !allowed[k] {
			return errs.Input(k, fmt.Errorf("row: %q is not a column of %s", k, r.table))
		}
		local[k] = v
	}

	r.idColumn = idColumn
	r.allowed = allowed
	r.values = local

	if v, ok := local[idColumn]; ok && v != nil {
		id, err := toInt64(v)
		if err != nil {
			return errs.Input(idColumn, fmt.Errorf("row: non-integer id %v: %w", v, err))
		}
		r.id = &id
	} else {
		r.id = nil
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}

// Table returns the owning table name.
func (r *Row) Table() string { return r.table }

// ID returns the row's persistent id, if it has one (false before the
// first successful Sync of a new row).
func (r *Row) ID() (int64, bool) {
	if r.id == nil {
		return 0, false
	}
	return *r.id, true
}

// ReadOnly reports whether Sync on this Row always fails.
func (r *Row) ReadOnly() bool { return r.readOnly }

// MakeReadOnly flips the row into read-only mode in place.
func (r *Row) MakeReadOnly() { r.readOnly = true }

// Get returns the value stored at key, or (nil, false) if key has never
// been set on this row.
func (r *Row) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Set assigns value to key. It rejects keys that are not columns of the
// row's table with an InputError; it does not itself check read-only
// status (that's enforced at Sync, matching the source's lazy
// no_sync substitution).
func (r *Row) Set(key string, value any) error {
	if !r.allowed[key] {
		return errs.Input(key, fmt.Errorf("row: %q is not a column of %s", key, r.table))
	}
	r.values[key] = value
	return nil
}

// Keys returns every column currently present in the row_dict.
func (r *Row) Keys() []string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	return keys
}

// Contains reports whether key has been set on this row.
func (r *Row) Contains(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Sync promotes the row to persistent state: if it has no id yet, it
// allocates one via an insert; otherwise it writes the full row_dict
// back with an update. A read-only Row always returns RowReadOnlyError.
func (r *Row) Sync() error {
	if r.readOnly {
		return errs.RowReadOnly()
	}
	if r.id == nil {
		id, err := r.store.InsertRow(r.table, r.values)
		if err != nil {
			return errs.Store(fmt.Errorf("row: insert into %s: %w", r.table, err))
		}
		r.id = &id
		r.values[r.idColumn] = id
		return nil
	}
	if len(r.values) == 0 {
		return nil
	}
	if err := r.store.UpdateRow(r.table, r.idColumn, r.values); err != nil {
		return errs.Store(fmt.Errorf("row: update %s id=%d: %w", r.table, *r.id, err))
	}
	return nil
}

// key identifies a Row for equality/hash purposes: (store uuid, table, id).
type key struct {
	uuid  string
	table string
	id    int64
}

func (r *Row) key() (key, bool) {
	if r.id == nil {
		return key{}, false
	}
	return key{uuid: r.store.UUID(), table: r.table, id: *r.id}, true
}

// Equal compares two Rows by (store-uuid, table, id). Two Rows without an
// allocated id are never equal, matching the source's hash-by-id scheme.
func (r *Row) Equal(other *Row) bool {
	if other == nil {
		return false
	}
	k1, ok1 := r.key()
	k2, ok2 := other.key()
	return ok1 && ok2 && k1 == k2
}
