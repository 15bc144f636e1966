// Package writer implements the per-field update pipelines (§4.6). A
// Writer maps a user-level value change into coordinated mutations of the
// Store and the in-memory tables: adapt, preflight, precheck, Store
// mutation, cache mutation. Writers never partially commit — a failed
// precheck touches nothing, and the caller runs the Store mutation inside
// one transaction so a failed commit leaves the cache untouched too.
package writer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
)

// Result reports what a completed write changed. The cache delta is held
// as deferred commits: the caller invokes Apply only after the Store
// transaction has committed, so a reader holding the read lock never sees
// the cache advanced past the Store (§5).
type Result struct {
	// Affected holds the book ids whose cached value actually changed;
	// an idempotent re-write reports none (P2).
	Affected []int64

	commits []func()
}

func (r *Result) onCommit(fn func()) { r.commits = append(r.commits, fn) }

// Apply commits the in-memory delta. Call it exactly once, after the
// Store transaction commits; never call it on error.
func (r *Result) Apply() {
	for _, fn := range r.commits {
		fn()
	}
}

// Merge folds another field's result into this one (set_metadata spans
// several writers in one transaction).
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Affected = append(r.Affected, other.Affected...)
	r.commits = append(r.commits, other.commits...)
}

// Writer is the update protocol for one field. tx is the row-level Store
// view the caller opened a transaction on; the writer commits its cache
// delta only after every Store call has succeeded.
type Writer interface {
	Name() string
	Set(ctx context.Context, tx table.Store, vals map[int64]any, allowCaseChange bool) (*Result, error)
}

// Deps carries the cross-field hooks a few writers need: title writes
// also rewrite sort, uuid writes update the controller's reverse lookup,
// author allocation computes sort strings.
type Deps struct {
	// Sort is the titles-resident "sort" column cache, rewritten by the
	// title writer.
	Sort *table.OneToOneTitles
	// SeriesIndex is the titles-resident "series_index" column cache; the
	// series writer leaves it untouched across link changes.
	SeriesIndex *table.OneToOneTitles
	// OnUUIDChange maintains the controller's uuid -> book reverse map.
	OnUUIDChange func(bookID int64, old, next string)
}

// _refused is the set of fields the generic dispatch refuses: they need
// custom handling (formats go through the format lifecycle API, size and
// path are derived, composites are rendered).
var _refused = map[string]bool{
	"composite": true,
	"size":      true,
	"path":      true,
	"formats":   true,
	"news":      true,
	"ondevice":  true,
}

// For is the dispatch factory (§4.6): keyed on field name, shape, and
// custom flag rather than per-class virtual dispatch. tbl is the concrete
// table instance the controller owns for this field.
func For(fm *fieldmeta.FieldMeta, tbl any, deps Deps) (Writer, error) {
	name := fm.Name
	if _refused[name] || fm.Datatype == fieldmeta.Composite {
		return &dummyWriter{name: name}, nil
	}
	if fm.IsCustom && strings.HasSuffix(name, "_index") {
		owner, ok := tbl.(*table.Linked)
		if !ok {
			return nil, fmt.Errorf("writer: custom index %q needs its owning series table, got %T", name, tbl)
		}
		return &customSeriesIndexWriter{name: name, owner: owner}, nil
	}
	switch name {
	case "identifiers":
		t, ok := tbl.(*table.Identifiers)
		if !ok {
			return nil, fmt.Errorf("writer: identifiers needs *table.Identifiers, got %T", tbl)
		}
		return &identifiersWriter{tbl: t}, nil
	case "languages":
		t, ok := tbl.(*table.Linked)
		if !ok {
			return nil, fmt.Errorf("writer: languages needs *table.Linked, got %T", tbl)
		}
		return &languagesWriter{fm: fm, tbl: t}, nil
	case "cover":
		t, ok := tbl.(*table.OneToOneTitles)
		if !ok {
			return nil, fmt.Errorf("writer: cover needs *table.OneToOneTitles, got %T", tbl)
		}
		return &coversWriter{tbl: t}, nil
	case "uuid":
		t, ok := tbl.(*table.OneToOneTitles)
		if !ok {
			return nil, fmt.Errorf("writer: uuid needs *table.OneToOneTitles, got %T", tbl)
		}
		return &uuidWriter{tbl: t, onChange: deps.OnUUIDChange}, nil
	case "title":
		t, ok := tbl.(*table.OneToOneTitles)
		if !ok {
			return nil, fmt.Errorf("writer: title needs *table.OneToOneTitles, got %T", tbl)
		}
		return &titleWriter{tbl: t, sort: deps.Sort}, nil
	case "author_sort":
		t, ok := tbl.(*table.OneToOneTitles)
		if !ok {
			return nil, fmt.Errorf("writer: author_sort needs *table.OneToOneTitles, got %T", tbl)
		}
		return &oneToOneWriter{name: name, column: fm.Column, booksTable: fm.Table, tbl: t, adapt: adaptText}, nil
	case "authors":
		t, ok := tbl.(*table.Authors)
		if !ok {
			return nil, fmt.Errorf("writer: authors needs *table.Authors, got %T", tbl)
		}
		return &authorsWriter{linkedWriter: linkedWriter{fm: fm, tbl: t.Linked}, authors: t}, nil
	case "comments":
		t, ok := tbl.(*table.Linked)
		if !ok {
			return nil, fmt.Errorf("writer: comments needs *table.Linked, got %T", tbl)
		}
		return &oneToManyWriter{fm: fm, tbl: t}, nil
	}

	switch t := tbl.(type) {
	case *table.OneToOneTitles:
		return &oneToOneWriter{name: name, column: fm.Column, booksTable: fm.Table, tbl: t, adapt: adapterFor(fm)}, nil
	case *table.Linked:
		if t.IsManyToOne() {
			if fm.Datatype == fieldmeta.Series {
				return &seriesWriter{linkedWriter: linkedWriter{fm: fm, tbl: t}, index: deps.SeriesIndex}, nil
			}
			return &manyToOneWriter{linkedWriter: linkedWriter{fm: fm, tbl: t}}, nil
		}
		return &manyToManyWriter{linkedWriter: linkedWriter{fm: fm, tbl: t}}, nil
	default:
		return nil, fmt.Errorf("writer: no writer for field %q over %T", name, tbl)
	}
}

// dummyWriter refuses all writes for fields that can only be changed
// through their dedicated lifecycle (formats, size, path, composites).
type dummyWriter struct{ name string }

func (w *dummyWriter) Name() string { return w.name }

func (w *dummyWriter) Set(context.Context, table.Store, map[int64]any, bool) (*Result, error) {
	return nil, errs.Input(w.name, fmt.Errorf("writer: field %q cannot be written directly", w.name))
}

// adapterFor selects the per-datatype input adapter (§4.6 step 1).
func adapterFor(fm *fieldmeta.FieldMeta) func(any) (any, error) {
	switch fm.Datatype {
	case fieldmeta.DateTime:
		return adaptDatetime
	case fieldmeta.Int:
		return adaptInt
	case fieldmeta.Float, fieldmeta.Series:
		return adaptFloat
	case fieldmeta.Bool:
		return adaptBool
	case fieldmeta.Rating:
		return adaptRating
	default:
		return adaptText
	}
}

func adaptText(v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(s), nil
	default:
		return fmt.Sprintf("%v", s), nil
	}
}

// _datetimeLayouts are the accepted input forms, widest first.
var _datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func adaptDatetime(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", nil
		}
		for _, layout := range _datetimeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, errs.Input("", fmt.Errorf("writer: unparseable datetime %q", s))
	default:
		return nil, errs.Input("", fmt.Errorf("writer: unsupported datetime value %T", v))
	}
}

func adaptInt(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return int64(0), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return nil, errs.Input("", fmt.Errorf("writer: non-integer value %T", v))
	}
}

func adaptFloat(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return float64(0), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return nil, errs.Input("", fmt.Errorf("writer: non-numeric value %T", v))
	}
}

func adaptBool(v any) (any, error) {
	switch b := v.(type) {
	case nil:
		return int64(0), nil
	case bool:
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case int64:
		return b, nil
	default:
		return nil, errs.Input("", fmt.Errorf("writer: non-bool value %T", v))
	}
}

func adaptRating(v any) (any, error) {
	n, err := adaptInt(v)
	if err != nil {
		return nil, err
	}
	r := n.(int64)
	if r < 0 || r > 10 {
		return nil, errs.Input("", fmt.Errorf("writer: rating %d out of range 0-10", r))
	}
	return r, nil
}
