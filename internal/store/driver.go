// Package store defines the Store Driver Interface (§4.1): the narrow
// contract any relational backend must satisfy, plus a concrete SQLite
// implementation. Nothing above this package issues SQL directly.
package store

import (
	"context"
	"database/sql"
)

// Driver is the Store Driver Interface. Every operation fails with
// exactly one of StoreError, IntegrityError, or InputError (see
// internal/errs); a failed write leaves the Store in its pre-call state.
//
// IDColumn, Columns, BlankRow, InsertRow, and UpdateRow are the subset
// internal/row.Store also names — a Driver is always usable directly as
// a row.Store.
type Driver interface {
	Open(ctx context.Context) error
	Close() error
	Reopen(ctx context.Context) error

	// UUID identifies this Store instance for Row equality (§4.2).
	UUID() string

	UserVersion(ctx context.Context) (int, error)

	// Tables lists every table name the Store knows about.
	Tables(ctx context.Context) ([]string, error)
	// Columns lists table's column names, id column first.
	Columns(table string) ([]string, error)
	// IDColumn returns the shortest column named "id" or ending "_id".
	IDColumn(table string) (string, error)
	// TimestampColumn returns the column named "datestamp" or ending
	// "_datestamp".
	TimestampColumn(table string) (string, error)
	// LinkTable derives the link-table name joining a and b.
	LinkTable(a, b string) (string, error)
	// LinkColumns derives the two id-column names on a link table.
	LinkColumns(a, b string) (colA, colB string, err error)

	// GetRow reads one row by id, or returns errs.KindNotFound.
	GetRow(ctx context.Context, table string, id int64) (map[string]any, error)
	// BlankRow returns a zero-valued row_dict for table, used to seed a
	// new Row before Sync.
	BlankRow(table string) (map[string]any, error)
	// InsertRow inserts values (a blank or partially-filled row_dict)
	// and returns the allocated id.
	InsertRow(table string, values map[string]any) (int64, error)
	// UpdateRow writes every column in values back to the row identified
	// by values[idColumn].
	UpdateRow(table string, idColumn string, values map[string]any) error
	// DeleteByID removes rows by id; missing ids are not an error.
	DeleteByID(ctx context.Context, table string, ids []int64) error
	// AllRows reads every row of table, optionally ordered.
	AllRows(ctx context.Context, table, orderBy string, desc bool) ([]map[string]any, error)

	// Execute runs one statement.
	Execute(ctx context.Context, query string, args ...any) (sql.Result, error)
	// ExecuteMany runs query once per element of argSets, in one
	// transaction.
	ExecuteMany(ctx context.Context, query string, argSets [][]any) error
	// ExecuteScript runs a multi-statement script outside the normal
	// prepared-statement path (schema DDL, custom-column table creation).
	ExecuteScript(ctx context.Context, script string) error

	// InTransaction runs fn with a row-level Store view whose mutations
	// all share one transaction; fn returning an error rolls everything
	// back (§5.1: a write either commits all of its statements or none).
	InTransaction(ctx context.Context, fn func(tx TxStore) error) error

	// Prefs reads the full preferences table as raw JSON strings keyed by
	// pref name (§6.4); SetPref upserts one.
	Prefs(ctx context.Context) (map[string]string, error)
	SetPref(ctx context.Context, key, raw string) error

	// WasCreated reports whether Open created a fresh database rather
	// than opening an existing one (init applies default prefs only in
	// that case, §4.7 step 1).
	WasCreated() bool

	// Backup writes a consistent snapshot of the database to toPath.
	Backup(ctx context.Context, toPath string) error
	// DumpAndRestore dumps the database to a logical script, recreates
	// the file, and replays the script (or the caller-supplied one).
	DumpAndRestore(ctx context.Context, script string) error
	// Vacuum reclaims free pages and defragments the database file.
	Vacuum(ctx context.Context) error
}

// TxStore is the row-level subset of the Driver available inside an
// InTransaction callback. It is what the table and writer layers consume,
// so a single writer pipeline runs unchanged against the plain Driver or
// a transaction view.
type TxStore interface {
	UUID() string
	IDColumn(table string) (string, error)
	Columns(table string) ([]string, error)
	LinkTable(a, b string) (string, error)
	LinkColumns(a, b string) (colA, colB string, err error)
	GetRow(ctx context.Context, table string, id int64) (map[string]any, error)
	BlankRow(table string) (map[string]any, error)
	InsertRow(table string, values map[string]any) (int64, error)
	UpdateRow(table string, idColumn string, values map[string]any) error
	DeleteByID(ctx context.Context, table string, ids []int64) error
	AllRows(ctx context.Context, table, orderBy string, desc bool) ([]map[string]any, error)
	Execute(ctx context.Context, query string, args ...any) (sql.Result, error)
}
