package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/time/rate"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/telemetry"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// _driverName is the database/sql driver we register with our scalar,
// collation, and aggregate hooks attached. Registration happens once per
// process; hook registration itself is idempotent per connection because
// the ConnectHook runs for every new conn.
const _driverName = "shelfcache_sqlite3"

var _registerOnce sync.Once

func registerDriver() {
	sql.Register(_driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("title_sort", func(s string) string {
				return textutil.TitleSort(s, textutil.OrderArticleToEnd)
			}, true); err != nil {
				return err
			}
			if err := conn.RegisterFunc("author_to_author_sort", func(s string) string {
				return textutil.AuthorSort(s, textutil.SortComma)
			}, true); err != nil {
				return err
			}
			if err := conn.RegisterFunc("uuid4", uuid4, false); err != nil {
				return err
			}
			if err := conn.RegisterFunc("icu_lower", textutil.ICULower, true); err != nil {
				return err
			}
			// Registration-only hooks kept for Store compatibility; they
			// are never consulted at runtime.
			if err := conn.RegisterFunc("books_list_filter", func(int64) int64 { return 1 }, true); err != nil {
				return err
			}
			if err := conn.RegisterFunc("dynamic_filter", func(int64) int64 { return 1 }, true); err != nil {
				return err
			}
			if err := conn.RegisterCollation("nocase_icu", func(a, b string) int {
				return strings.Compare(textutil.ICULower(a), textutil.ICULower(b))
			}); err != nil {
				return err
			}
			if err := conn.RegisterCollation("icu_order", func(a, b string) int {
				return bytes.Compare(textutil.SortKey(a), textutil.SortKey(b))
			}); err != nil {
				return err
			}
			if err := conn.RegisterAggregator("sortconcat", newSortConcat, true); err != nil {
				return err
			}
			return conn.RegisterAggregator("concat_identifiers", newIdentifierConcat, true)
		},
	})
}

// sortConcat is the sorted-concatenation aggregate: values are collected,
// sorted under the icu_order collation, and comma-joined.
type sortConcat struct{ vals []string }

func newSortConcat() *sortConcat { return &sortConcat{} }

func (s *sortConcat) Step(v string) { s.vals = append(s.vals, v) }

func (s *sortConcat) Done() string {
	sort.Slice(s.vals, func(i, j int) bool {
		return bytes.Compare(textutil.SortKey(s.vals[i]), textutil.SortKey(s.vals[j])) < 0
	})
	return strings.Join(s.vals, ",")
}

// identifierConcat joins (type, val) pairs as "type:val" separated by
// commas, preserving step order.
type identifierConcat struct{ pairs []string }

func newIdentifierConcat() *identifierConcat { return &identifierConcat{} }

func (c *identifierConcat) Step(typ, val string) {
	c.pairs = append(c.pairs, typ+":"+val)
}

func (c *identifierConcat) Done() string { return strings.Join(c.pairs, ",") }

// NewUUID returns a fresh v4 uuid, the same generator the Store registers
// as its uuid4 SQL function.
func NewUUID() string { return uuid4() }

func uuid4() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// execer is the intersection of *sql.DB and *sql.Tx the row-level methods
// run against, so one implementation serves both the plain Driver and an
// InTransaction view.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLite is the concrete Store Driver over a metadata.db file (or
// ":memory:"). Transient SQLITE_BUSY failures are retried behind a rate
// limiter; constraint failures map to errs.KindInvariant and everything
// else to errs.KindStore.
type SQLite struct {
	path    string
	uuid    string
	created bool

	mu sync.Mutex // guards db swap during Reopen/DumpAndRestore
	db *sql.DB

	limiter *rate.Limiter
	metrics *telemetry.StoreMetrics

	colMu   sync.Mutex
	columns map[string][]string // table -> ordered column names
	types   map[string][]string // table -> declared column types
}

var _ Driver = (*SQLite)(nil)

// NewSQLite constructs a driver for the database at path. Nothing is
// opened until Open.
func NewSQLite(path string, metrics *telemetry.StoreMetrics) *SQLite {
	_registerOnce.Do(registerDriver)
	return &SQLite{
		path:    path,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		metrics: metrics,
		columns: map[string][]string{},
		types:   map[string][]string{},
	}
}

// Open opens (creating if necessary) the database, applies the schema,
// and resolves the library uuid.
func (s *SQLite) Open(ctx context.Context) error {
	created := s.path == ":memory:"
	if !created {
		if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
			created = true
		}
	}
	dsn := s.path
	if dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	dsn += "?_busy_timeout=10000&_foreign_keys=on"
	if s.path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=10000&_foreign_keys=on"
	}

	db, err := sql.Open(_driverName, dsn)
	if err != nil {
		return errs.Store(fmt.Errorf("sqlite: open %s: %w", s.path, err))
	}
	// A single writer connection sidesteps in-process SQLITE_BUSY
	// contention; the controller's write lock serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, _schema); err != nil {
		_ = db.Close()
		return errs.Store(fmt.Errorf("sqlite: apply schema: %w", err))
	}

	s.mu.Lock()
	s.db = db
	s.created = created
	s.mu.Unlock()

	uuid, err := s.libraryUUID(ctx)
	if err != nil {
		return err
	}
	s.uuid = uuid
	return nil
}

func (s *SQLite) libraryUUID(ctx context.Context) (string, error) {
	var id string
	err := s.database().QueryRowContext(ctx, `SELECT val FROM preferences WHERE key = 'library_uuid'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid4()
		_, err = s.database().ExecContext(ctx, `INSERT INTO preferences (key, val) VALUES ('library_uuid', ?)`, id)
	}
	if err != nil {
		return "", errs.Store(fmt.Errorf("sqlite: library uuid: %w", err))
	}
	return id, nil
}

func (s *SQLite) database() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Close closes the underlying pool.
func (s *SQLite) Close() error {
	db := s.database()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Reopen closes and reopens the database file, dropping the column cache.
func (s *SQLite) Reopen(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return errs.Store(fmt.Errorf("sqlite: reopen close: %w", err))
	}
	s.colMu.Lock()
	s.columns = map[string][]string{}
	s.types = map[string][]string{}
	s.colMu.Unlock()
	return s.Open(ctx)
}

// UUID identifies this Store instance for Row equality.
func (s *SQLite) UUID() string { return s.uuid }

// WasCreated reports whether Open created a fresh database.
func (s *SQLite) WasCreated() bool { return s.created }

// UserVersion reads PRAGMA user_version.
func (s *SQLite) UserVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.database().QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, errs.Store(fmt.Errorf("sqlite: user_version: %w", err))
	}
	return v, nil
}

// Tables lists every user table.
func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.database().QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errs.Store(fmt.Errorf("sqlite: tables: %w", err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Store(err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) tableInfo(table string) (cols, types []string, err error) {
	s.colMu.Lock()
	if c, ok := s.columns[table]; ok {
		t := s.types[table]
		s.colMu.Unlock()
		return c, t, nil
	}
	s.colMu.Unlock()

	rows, err := s.database().Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, nil, errs.Store(fmt.Errorf("sqlite: table_info %s: %w", table, err))
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, nil, errs.Store(err)
		}
		cols = append(cols, name)
		types = append(types, strings.ToUpper(typ))
	}
	if len(cols) == 0 {
		return nil, nil, errs.NotFound("", fmt.Errorf("sqlite: no such table %s", table))
	}
	s.colMu.Lock()
	s.columns[table] = cols
	s.types[table] = types
	s.colMu.Unlock()
	return cols, types, nil
}

// Columns lists a table's column names, id column first.
func (s *SQLite) Columns(table string) ([]string, error) {
	cols, _, err := s.tableInfo(table)
	if err != nil {
		return nil, err
	}
	idCol, err := s.IDColumn(table)
	if err != nil {
		return nil, err
	}
	out := []string{idCol}
	for _, c := range cols {
		if c != idCol {
			out = append(out, c)
		}
	}
	return out, nil
}

// IDColumn returns the shortest column named "id" or ending "_id" (§6.2).
func (s *SQLite) IDColumn(table string) (string, error) {
	cols, _, err := s.tableInfo(table)
	if err != nil {
		return "", err
	}
	best := ""
	for _, c := range cols {
		lc := strings.ToLower(c)
		if lc != "id" && !strings.HasSuffix(lc, "_id") {
			continue
		}
		if best == "" || len(c) < len(best) {
			best = c
		}
	}
	if best == "" {
		return "", errs.Store(fmt.Errorf("sqlite: table %s has no id column", table))
	}
	return best, nil
}

// TimestampColumn returns the column named "datestamp" or ending
// "_datestamp" (§6.2).
func (s *SQLite) TimestampColumn(table string) (string, error) {
	cols, _, err := s.tableInfo(table)
	if err != nil {
		return "", err
	}
	for _, c := range cols {
		lc := strings.ToLower(c)
		if lc == "datestamp" || strings.HasSuffix(lc, "_datestamp") {
			return c, nil
		}
	}
	return "", errs.Store(fmt.Errorf("sqlite: table %s has no datestamp column", table))
}

// _singular maps an entity table to its link-table id-column name; tables
// not listed fall back to trimming a trailing "s".
var _singular = map[string]string{
	"authors":    "author",
	"series":     "series",
	"publishers": "publisher",
	"tags":       "tag",
	"subjects":   "subject",
	"genre":      "genre",
	"synopses":   "synopsis",
	"languages":  "language",
	"ratings":    "rating",
	"books":      "book",
}

func singular(table string) string {
	if s, ok := _singular[table]; ok {
		return s
	}
	if strings.HasPrefix(table, "custom_column_") {
		return "value"
	}
	return strings.TrimSuffix(table, "s")
}

func itemTableOf(a, b string) (string, error) {
	switch {
	case a == "books":
		return b, nil
	case b == "books":
		return a, nil
	default:
		return "", errs.Store(fmt.Errorf("sqlite: no link-table convention for %s<->%s", a, b))
	}
}

// _inlineLinked lists item tables whose rows carry the book id directly
// (one-to-many) rather than going through a separate link table.
var _inlineLinked = map[string]bool{"comments": true, "identifiers": true, "data": true}

// LinkTable derives the link-table name joining a and b per the §6.2
// naming convention.
func (s *SQLite) LinkTable(a, b string) (string, error) {
	item, err := itemTableOf(a, b)
	if err != nil {
		return "", err
	}
	if _inlineLinked[item] {
		return item, nil
	}
	return "books_" + item + "_link", nil
}

// LinkColumns derives the two id-column names on the link table for a and
// b, returned in (a, b) order.
func (s *SQLite) LinkColumns(a, b string) (string, string, error) {
	item, err := itemTableOf(a, b)
	if err != nil {
		return "", "", err
	}
	itemCol := singular(item)
	if _inlineLinked[item] {
		itemCol = "id"
	}
	if a == "books" {
		return "book", itemCol, nil
	}
	return itemCol, "book", nil
}

// conn implements the row-level TxStore operations against either the
// pooled DB or a live transaction.
type conn struct {
	s *SQLite
	q execer
}

var _ TxStore = (*conn)(nil)

func (c *conn) UUID() string                                   { return c.s.uuid }
func (c *conn) IDColumn(table string) (string, error)          { return c.s.IDColumn(table) }
func (c *conn) Columns(table string) ([]string, error)         { return c.s.Columns(table) }
func (c *conn) LinkTable(a, b string) (string, error)          { return c.s.LinkTable(a, b) }
func (c *conn) LinkColumns(a, b string) (string, string, error) { return c.s.LinkColumns(a, b) }

func (c *conn) GetRow(ctx context.Context, table string, id int64) (map[string]any, error) {
	idCol, err := c.s.IDColumn(table)
	if err != nil {
		return nil, err
	}
	rows, err := c.query(ctx, fmt.Sprintf(`SELECT * FROM %q WHERE %q = ?`, table, idCol), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.NotFound("", fmt.Errorf("sqlite: %s id=%d", table, id))
	}
	return rows[0], nil
}

func (c *conn) BlankRow(table string) (map[string]any, error) {
	cols, types, err := c.s.tableInfo(table)
	if err != nil {
		return nil, err
	}
	idCol, err := c.s.IDColumn(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, col := range cols {
		if col == idCol {
			out[col] = nil
			continue
		}
		switch {
		case strings.Contains(types[i], "INT"):
			out[col] = int64(0)
		case strings.Contains(types[i], "REAL") || strings.Contains(types[i], "FLOA"):
			out[col] = float64(0)
		default:
			out[col] = ""
		}
	}
	return out, nil
}

func (c *conn) InsertRow(table string, values map[string]any) (int64, error) {
	ctx := context.Background()
	idCol, err := c.s.IDColumn(table)
	if err != nil {
		return 0, err
	}
	cols := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for k, v := range values {
		if k == idCol && v == nil {
			continue
		}
		cols = append(cols, k)
		args = append(args, v)
	}
	sort.SliceStable(cols, func(i, j int) bool { return cols[i] < cols[j] })
	// Re-gather args in the sorted column order.
	args = args[:0]
	for _, k := range cols {
		args = append(args, values[k])
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, k := range cols {
		quoted[i] = fmt.Sprintf("%q", k)
		marks[i] = "?"
	}
	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Store(fmt.Errorf("sqlite: insert %s: %w", table, err))
	}
	c.s.metrics.OpInc(table, "insert")
	return id, nil
}

func (c *conn) UpdateRow(table string, idColumn string, values map[string]any) error {
	ctx := context.Background()
	id, ok := values[idColumn]
	if !ok || id == nil {
		return errs.Input("", fmt.Errorf("sqlite: update %s without %s", table, idColumn))
	}
	cols := make([]string, 0, len(values))
	for k := range values {
		if k != idColumn {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, k := range cols {
		sets[i] = fmt.Sprintf("%q = ?", k)
		args = append(args, values[k])
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE %q SET %s WHERE %q = ?`, table, strings.Join(sets, ", "), idColumn)
	if _, err := c.exec(ctx, query, args...); err != nil {
		return err
	}
	c.s.metrics.OpInc(table, "update")
	return nil
}

func (c *conn) DeleteByID(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	idCol, err := c.s.IDColumn(table)
	if err != nil {
		return err
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM %q WHERE %q IN (%s)`, table, idCol, strings.Join(marks, ", "))
	if _, err := c.exec(ctx, query, args...); err != nil {
		return err
	}
	c.s.metrics.OpInc(table, "delete")
	return nil
}

func (c *conn) AllRows(ctx context.Context, table, orderBy string, desc bool) ([]map[string]any, error) {
	query := fmt.Sprintf(`SELECT * FROM %q`, table)
	if orderBy != "" {
		query += fmt.Sprintf(` ORDER BY %q`, orderBy)
		if desc {
			query += " DESC"
		}
	}
	return c.query(ctx, query)
}

func (c *conn) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.exec(ctx, query, args...)
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := c.s.withRetry(ctx, func() error {
		var err error
		res, err = c.q.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (c *conn) query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.s.withRetry(ctx, func() error {
		rows, err := c.q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		out = nil
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			m := make(map[string]any, len(cols))
			for i, col := range cols {
				if b, ok := vals[i].([]byte); ok {
					m[col] = string(b)
					continue
				}
				m[col] = vals[i]
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// withRetry retries transient SQLITE_BUSY/LOCKED failures behind the
// limiter (§6.2 busy/retry) and maps terminal failures to error kinds:
// constraint violations are IntegrityError-shaped (KindInvariant),
// everything else KindStore.
func (s *SQLite) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		var serr sqlite3.Error
		if !errors.As(err, &serr) {
			break
		}
		if serr.Code == sqlite3.ErrConstraint {
			return errs.Invariant("", err)
		}
		if serr.Code != sqlite3.ErrBusy && serr.Code != sqlite3.ErrLocked {
			break
		}
		s.metrics.RetryInc()
		if werr := s.limiter.Wait(ctx); werr != nil {
			return errs.Store(werr)
		}
	}
	if e := new(errs.Error); errors.As(err, &e) {
		return err
	}
	return errs.Store(err)
}

// Row-level methods on the plain driver delegate to a non-transactional
// conn.
func (s *SQLite) conn() *conn { return &conn{s: s, q: s.database()} }

func (s *SQLite) GetRow(ctx context.Context, table string, id int64) (map[string]any, error) {
	return s.conn().GetRow(ctx, table, id)
}
func (s *SQLite) BlankRow(table string) (map[string]any, error) { return s.conn().BlankRow(table) }
func (s *SQLite) InsertRow(table string, values map[string]any) (int64, error) {
	return s.conn().InsertRow(table, values)
}
func (s *SQLite) UpdateRow(table string, idColumn string, values map[string]any) error {
	return s.conn().UpdateRow(table, idColumn, values)
}
func (s *SQLite) DeleteByID(ctx context.Context, table string, ids []int64) error {
	return s.conn().DeleteByID(ctx, table, ids)
}
func (s *SQLite) AllRows(ctx context.Context, table, orderBy string, desc bool) ([]map[string]any, error) {
	return s.conn().AllRows(ctx, table, orderBy, desc)
}
func (s *SQLite) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn().Execute(ctx, query, args...)
}

// ExecuteMany runs query once per element of argSets in one transaction.
func (s *SQLite) ExecuteMany(ctx context.Context, query string, argSets [][]any) error {
	return s.InTransaction(ctx, func(tx TxStore) error {
		for _, args := range argSets {
			if _, err := tx.Execute(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExecuteScript runs a multi-statement script (schema DDL, custom-column
// table creation).
func (s *SQLite) ExecuteScript(ctx context.Context, script string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.database().ExecContext(ctx, script)
		return err
	})
	return err
}

// InTransaction runs fn against a transaction view; an error from fn (or
// the commit) rolls the whole thing back.
func (s *SQLite) InTransaction(ctx context.Context, fn func(tx TxStore) error) error {
	tx, err := s.database().BeginTx(ctx, nil)
	if err != nil {
		return errs.Store(fmt.Errorf("sqlite: begin: %w", err))
	}
	if err := fn(&conn{s: s, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errs.Store(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

// Prefs reads the full preferences table as raw JSON strings.
func (s *SQLite) Prefs(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn().query(ctx, `SELECT key, val FROM preferences`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		k, _ := r["key"].(string)
		v, _ := r["val"].(string)
		out[k] = v
	}
	return out, nil
}

// SetPref upserts one preference.
func (s *SQLite) SetPref(ctx context.Context, key, raw string) error {
	_, err := s.Execute(ctx,
		`INSERT INTO preferences (key, val) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET val = excluded.val`,
		key, raw)
	return err
}

// Backup writes a consistent snapshot of the database file to toPath via
// VACUUM INTO.
func (s *SQLite) Backup(ctx context.Context, toPath string) error {
	_ = os.Remove(toPath)
	err := s.withRetry(ctx, func() error {
		_, err := s.database().ExecContext(ctx, `VACUUM INTO ?`, toPath)
		return err
	})
	return err
}

// Vacuum reclaims free pages and defragments the database file.
func (s *SQLite) Vacuum(ctx context.Context) error {
	return s.withRetry(ctx, func() error {
		_, err := s.database().ExecContext(ctx, `VACUUM`)
		return err
	})
}

// Dump writes a zstd-compressed logical dump (schema plus INSERT
// statements) to w, suitable for DumpAndRestore or export_library.
func (s *SQLite) Dump(ctx context.Context, w io.Writer) error {
	script, err := s.dumpScript(ctx)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return errs.Store(fmt.Errorf("sqlite: dump compressor: %w", err))
	}
	if _, err := io.WriteString(zw, script); err != nil {
		_ = zw.Close()
		return errs.Store(fmt.Errorf("sqlite: dump write: %w", err))
	}
	return zw.Close()
}

// ReadDump decompresses a dump produced by Dump back into a SQL script.
func ReadDump(r io.Reader) (string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return "", errs.Store(fmt.Errorf("sqlite: dump reader: %w", err))
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		return "", errs.Store(fmt.Errorf("sqlite: dump read: %w", err))
	}
	return string(b), nil
}

func (s *SQLite) dumpScript(ctx context.Context) (string, error) {
	var sb strings.Builder
	sb.WriteString("PRAGMA foreign_keys = OFF;\nBEGIN;\n")

	schemas, err := s.conn().query(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type IN ('table','index') AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL ORDER BY type DESC, name`)
	if err != nil {
		return "", err
	}
	var tables []string
	for _, row := range schemas {
		stmt, _ := row["sql"].(string)
		sb.WriteString(stmt)
		sb.WriteString(";\n")
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "CREATE TABLE") {
			if name, ok := row["name"].(string); ok {
				tables = append(tables, name)
			}
		}
	}
	for _, t := range tables {
		rows, err := s.conn().AllRows(ctx, t, "", false)
		if err != nil {
			return "", err
		}
		for _, row := range rows {
			cols := make([]string, 0, len(row))
			for k := range row {
				cols = append(cols, k)
			}
			sort.Strings(cols)
			vals := make([]string, len(cols))
			quoted := make([]string, len(cols))
			for i, k := range cols {
				quoted[i] = fmt.Sprintf("%q", k)
				vals[i] = sqlLiteral(row[k])
			}
			fmt.Fprintf(&sb, "INSERT INTO %q (%s) VALUES (%s);\n", t, strings.Join(quoted, ", "), strings.Join(vals, ", "))
		}
	}
	sb.WriteString("COMMIT;\nPRAGMA foreign_keys = ON;\n")
	return sb.String(), nil
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", x), "'", "''") + "'"
	}
}

// DumpAndRestore dumps the database to a logical script (or uses the
// caller-supplied one), recreates the file, and replays the script. It is
// the recovery path for low-level corruption the Store can't repair in
// place.
func (s *SQLite) DumpAndRestore(ctx context.Context, script string) error {
	if script == "" {
		var err error
		script, err = s.dumpScript(ctx)
		if err != nil {
			return err
		}
	}
	if err := s.Close(); err != nil {
		return errs.Store(fmt.Errorf("sqlite: restore close: %w", err))
	}
	if s.path != ":memory:" {
		if err := os.Rename(s.path, s.path+".corrupt"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errs.Store(fmt.Errorf("sqlite: restore move aside: %w", err))
		}
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	// The dump carries CREATE statements for tables the fresh schema
	// already made; drop them first so the replay starts clean.
	tables, err := s.Tables(ctx)
	if err != nil {
		return err
	}
	var drops strings.Builder
	drops.WriteString("PRAGMA foreign_keys = OFF;\n")
	for _, t := range tables {
		fmt.Fprintf(&drops, "DROP TABLE IF EXISTS %q;\n", t)
	}
	if err := s.ExecuteScript(ctx, drops.String()); err != nil {
		return err
	}
	return s.ExecuteScript(ctx, script)
}
