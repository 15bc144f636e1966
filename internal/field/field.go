// Package field implements Fields (§4.5): polymorphic read accessors over
// a single Table plus a datatype policy, created by a factory keyed on
// field name and datatype (§9 "Polymorphic fields" design note — a
// tagged sum over the field-shape enumeration rather than deep
// inheritance).
package field

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// Shape is the field-shape enumeration writers and readers dispatch on.
type Shape int

const (
	ShapeOneToOneTitles Shape = iota
	ShapeManyToOne
	ShapeManyToMany
	ShapeOneToMany
	ShapeComposite
	ShapeVirtual
	ShapeIdentifiers
	ShapeFormats
)

// Field wraps one Table (or none, for virtual/composite fields) with the
// read-only accessor surface §4.5 names.
type Field struct {
	Meta  *fieldmeta.FieldMeta
	Shape Shape

	oneToOne    *table.OneToOneTitles
	linked      *table.Linked
	authors     *table.Authors
	composite   *table.Composite
	virtual     *table.Virtual
	identifiers *table.Identifiers
	formats     *table.Formats

	// indexOf is set on a series-like field to the name of its companion
	// "<col>_index" field (the subkey it sorts by).
	indexOf string
}

// New constructs a Field factory-style: the caller supplies the Table
// instance appropriate to fm.Datatype/fm.Normalized/fm.IsMultiple and New
// picks the Shape.
func New(fm *fieldmeta.FieldMeta, t any) (*Field, error) {
	f := &Field{Meta: fm}
	switch v := t.(type) {
	case *table.OneToOneTitles:
		f.Shape, f.oneToOne = ShapeOneToOneTitles, v
	case *table.Authors:
		f.Shape, f.authors, f.linked = ShapeManyToMany, v, v.Linked
	case *table.Linked:
		if v.IsManyToOne() {
			f.Shape = ShapeManyToOne
		} else if fm.Name == "comments" {
			f.Shape = ShapeOneToMany
		} else {
			f.Shape = ShapeManyToMany
		}
		f.linked = v
	case *table.Composite:
		f.Shape, f.composite = ShapeComposite, v
	case *table.Virtual:
		f.Shape, f.virtual = ShapeVirtual, v
	case *table.Identifiers:
		f.Shape, f.identifiers = ShapeIdentifiers, v
	case *table.Formats:
		f.Shape, f.formats = ShapeFormats, v
	default:
		return nil, fmt.Errorf("field: unsupported table type %T for %q", t, fm.Name)
	}
	return f, nil
}

// Name returns the field's name.
func (f *Field) Name() string { return f.Meta.Name }

// BindIndex marks this field ("series", or a custom series-like column)
// as owning an index subfield, e.g. "series_index" (§4.4 design note /
// init step 7 cross-linking).
func (f *Field) BindIndex(indexFieldName string) { f.indexOf = indexFieldName }

// multiDefault returns the empty value appropriate to the field's
// multiplicity when a book has no value at all.
func (f *Field) multiDefault(deflt any) any {
	if deflt != nil {
		return deflt
	}
	if f.Meta.IsMultiple {
		return []string{}
	}
	return nil
}

// ForBook returns the book's value with multiplicity-aware defaults
// (§4.5).
func (f *Field) ForBook(bookID int64, deflt any) any {
	switch f.Shape {
	case ShapeOneToOneTitles:
		if v, ok := f.oneToOne.ForBook(bookID); ok {
			return v
		}
		return deflt
	case ShapeManyToOne:
		ids := f.linked.IDsForBook(bookID)
		if len(ids) == 0 {
			return f.multiDefault(deflt)
		}
		name, _ := f.linked.ItemName(ids[0])
		return name
	case ShapeManyToMany:
		ids := f.linked.IDsForBook(bookID)
		if len(ids) == 0 {
			return f.multiDefault(deflt)
		}
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if name, ok := f.linked.ItemName(id); ok {
				out = append(out, name)
			}
		}
		return out
	case ShapeOneToMany:
		ids := f.linked.IDsForBook(bookID)
		if len(ids) == 0 {
			return f.multiDefault(deflt)
		}
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if name, ok := f.linked.ItemName(id); ok {
				out = append(out, name)
			}
		}
		return out
	case ShapeComposite:
		if v, ok := f.composite.Get(bookID); ok {
			return v
		}
		return deflt
	case ShapeVirtual:
		if v, ok := f.virtual.ForBook(bookID); ok {
			return v
		}
		return deflt
	case ShapeIdentifiers:
		entries := f.identifiers.ForBook(bookID)
		if len(entries) == 0 {
			return map[string]string{}
		}
		out := make(map[string]string, len(entries))
		for _, e := range entries {
			out[e.Type] = e.Value
		}
		return out
	case ShapeFormats:
		codes := f.formats.PriorityCodes(bookID)
		if len(codes) == 0 {
			return []string{}
		}
		return codes
	default:
		return deflt
	}
}

// IdsForBook returns the tuple of linked item ids in link order.
func (f *Field) IdsForBook(bookID int64) []int64 {
	if f.linked == nil {
		return nil
	}
	return f.linked.IDsForBook(bookID)
}

// BooksFor returns the set of books for that item.
func (f *Field) BooksFor(itemID int64) map[int64]bool {
	if f.linked == nil {
		return nil
	}
	return f.linked.BooksFor(itemID)
}

// SortKeysForBooks returns a callable mapping book_id to a comparable
// sort tuple, respecting per-field sort rules: title-sort override,
// author-sort, a series index subkey, and language normalization.
//
// getIndex returns a book's series index for the series-index subkey
// lookup; langMap normalizes a language code to its display order
// key. Either may be nil when the field doesn't need them.
func (f *Field) SortKeysForBooks(getIndex func(bookID int64) (float64, bool), langMap map[string]int) func(bookID int64) []any {
	switch f.Meta.Name {
	case "series":
		return func(bookID int64) []any {
			name, _ := f.ForBook(bookID, "").(string)
			idx := 0.0
			if getIndex != nil {
				if v, ok := getIndex(bookID); ok {
					idx = v
				}
			}
			return []any{textutil.SortKey(name), idx}
		}
	case "authors":
		return func(bookID int64) []any {
			ids := f.IdsForBook(bookID)
			keys := make([]string, 0, len(ids))
			for _, id := range ids {
				if f.authors != nil {
					if s, ok := f.authors.SortFor(id); ok {
						keys = append(keys, s)
						continue
					}
				}
				if name, ok := f.linked.ItemName(id); ok {
					keys = append(keys, name)
				}
			}
			return []any{textutil.SortKey(strings.Join(keys, " & "))}
		}
	case "languages":
		return func(bookID int64) []any {
			ids := f.IdsForBook(bookID)
			if len(ids) == 0 {
				return []any{0}
			}
			name, _ := f.linked.ItemName(ids[0])
			return []any{langMap[name]}
		}
	default:
		return func(bookID int64) []any {
			v := f.ForBook(bookID, "")
			switch vv := v.(type) {
			case string:
				return []any{textutil.SortKey(vv)}
			case []string:
				return []any{textutil.SortKey(strings.Join(vv, ", "))}
			default:
				return []any{fmt.Sprintf("%v", vv)}
			}
		}
	}
}

// IterSearchableValues yields (value, set(book_ids)) pairs for search
// indexing, restricted to bookIDs if non-nil.
func (f *Field) IterSearchableValues(bookIDs map[int64]bool) map[string]map[int64]bool {
	out := make(map[string]map[int64]bool)
	if f.linked == nil {
		return out
	}
	for _, id := range f.linked.AllItemIDs() {
		name, ok := f.linked.ItemName(id)
		if !ok {
			continue
		}
		for book := range f.linked.BooksFor(id) {
			if bookIDs != nil && !bookIDs[book] {
				continue
			}
			if out[name] == nil {
				out[name] = make(map[int64]bool)
			}
			out[name][book] = true
		}
	}
	return out
}

// UsageCount returns how many books reference itemID, for the cache
// controller's get_usage_count_by_id.
func (f *Field) UsageCount(itemID int64) int {
	if f.linked == nil {
		return 0
	}
	return f.linked.UsageCount(itemID)
}

// AllItemIDs returns every registered item id for a normalized field.
func (f *Field) AllItemIDs() []int64 {
	if f.linked == nil {
		return nil
	}
	ids := f.linked.AllItemIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
