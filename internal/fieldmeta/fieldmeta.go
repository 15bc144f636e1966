// Package fieldmeta is the Field Metadata Registry: the static and
// dynamic description of every field the cache exposes (builtin and
// custom), consulted by the table, field, and writer layers instead of
// hardcoding per-field behavior.
package fieldmeta

import (
	"fmt"
	"sort"
	"strings"
)

// Datatype is one of the scalar shapes a field's values can take.
type Datatype string

const (
	Text        Datatype = "text"
	Int         Datatype = "int"
	Float       Datatype = "float"
	Bool        Datatype = "bool"
	Rating      Datatype = "rating"
	DateTime    Datatype = "datetime"
	Series      Datatype = "series"
	Composite   Datatype = "composite"
	Enumeration Datatype = "enumeration"
	Identifiers Datatype = "identifiers"
	Languages   Datatype = "languages"
)

// Separators is the three-string separator policy a multi-valued field
// needs: how its cache representation splits into a list, how a UI-typed
// string splits into a list, and how a list rejoins for UI display.
type Separators struct {
	CacheToList string
	UIToList    string
	ListToUI    string
}

// DefaultSeparators splits on "," and displays with ", ", the common case
// for simple multi-valued fields (tags, languages).
var DefaultSeparators = Separators{CacheToList: ",", UIToList: ",", ListToUI: ", "}

// AuthorSeparators is the authors field's special-cased policy: "&" for
// display splitting, "|" as the escape-safe storage separator (§4.3).
var AuthorSeparators = Separators{CacheToList: "|", UIToList: "&", ListToUI: " & "}

// Display carries rendering hints: sort order and an optional composite
// template. Kept loose (map form) since custom columns may add
// display keys the core never interprets itself.
type Display map[string]any

// FieldMeta is one field's full static description.
type FieldMeta struct {
	Name       string
	Datatype   Datatype
	IsMultiple bool
	Separators Separators
	Normalized bool
	Display    Display

	IsCustom   bool
	CustomNum  int
	Column     string
	Table      string
	LinkColumn string
	LinkTable  string

	IsCategory  bool
	ClearUnused bool
}

// Registry is the Field Metadata Registry: every field's static
// description plus the dynamic @-prefixed user-category and
// grouped-search-term labels reconstructed from preferences.
type Registry struct {
	fields map[string]*FieldMeta

	userCategories     map[string][]string
	groupedSearchTerms map[string]string
}

// New returns a Registry pre-populated with the builtin fields the data
// model names in §3: Book/Title, Creator, Series, Publisher/Imprint,
// Tag/Subject/Genre, Language, Identifier, Note/Comment/Synopsis,
// Format/File, Cover.
func New() *Registry {
	r := &Registry{
		fields:             make(map[string]*FieldMeta),
		userCategories:     make(map[string][]string),
		groupedSearchTerms: make(map[string]string),
	}
	for _, fm := range builtinFields() {
		r.fields[fm.Name] = fm
	}
	return r
}

func builtinFields() []*FieldMeta {
	return []*FieldMeta{
		{Name: "title", Datatype: Text, Table: "books", Column: "title"},
		{Name: "sort", Datatype: Text, Table: "books", Column: "sort", Display: Display{"description": "title sort key"}},
		{Name: "authors", Datatype: Text, IsMultiple: true, Separators: AuthorSeparators, Normalized: true, IsCategory: true, ClearUnused: true, Table: "authors", LinkTable: "books_authors_link"},
		{Name: "author_sort", Datatype: Text, Table: "books", Column: "author_sort"},
		{Name: "series", Datatype: Series, Normalized: true, IsCategory: true, ClearUnused: true, Table: "series", LinkTable: "books_series_link"},
		{Name: "series_index", Datatype: Float, Table: "books", Column: "series_index"},
		{Name: "publisher", Datatype: Text, Normalized: true, IsCategory: true, ClearUnused: true, Table: "publishers", LinkTable: "books_publishers_link"},
		{Name: "tags", Datatype: Text, IsMultiple: true, Separators: DefaultSeparators, Normalized: true, IsCategory: true, ClearUnused: true, Table: "tags", LinkTable: "books_tags_link"},
		{Name: "subjects", Datatype: Text, Normalized: true, IsCategory: true, ClearUnused: true, Table: "subjects", LinkTable: "books_subjects_link"},
		{Name: "genre", Datatype: Text, Normalized: true, IsCategory: true, ClearUnused: true, Table: "genre", LinkTable: "books_genre_link"},
		{Name: "synopses", Datatype: Text, Normalized: true, Table: "synopses", LinkTable: "books_synopses_link"},
		{Name: "notes", Datatype: Text, Table: "books", Column: "notes"},
		{Name: "languages", Datatype: Languages, IsMultiple: true, Separators: DefaultSeparators, Normalized: true, IsCategory: true, Table: "languages", LinkTable: "books_languages_link"},
		{Name: "identifiers", Datatype: Identifiers, IsMultiple: true, Table: "identifiers"},
		{Name: "comments", Datatype: Text, Table: "comments"},
		{Name: "rating", Datatype: Rating, Normalized: true, IsCategory: true, ClearUnused: true, Table: "ratings", LinkTable: "books_ratings_link"},
		{Name: "pubdate", Datatype: DateTime, Table: "books", Column: "pubdate"},
		{Name: "timestamp", Datatype: DateTime, Table: "books", Column: "timestamp"},
		{Name: "last_modified", Datatype: DateTime, Table: "books", Column: "last_modified"},
		{Name: "uuid", Datatype: Text, Table: "books", Column: "uuid"},
		{Name: "path", Datatype: Text, Table: "books", Column: "path"},
		{Name: "cover", Datatype: Bool, Table: "books", Column: "has_cover"},
		{Name: "formats", Datatype: Text, IsMultiple: true, Table: "data"},
		{Name: "size", Datatype: Int, Display: Display{"description": "max size over formats"}},
		{Name: "identical_books", Datatype: Composite},
	}
}

// Get returns the field's metadata, or (nil, false) if it is not
// registered (neither builtin nor custom).
func (r *Registry) Get(name string) (*FieldMeta, bool) {
	fm, ok := r.fields[name]
	return fm, ok
}

// MustGet is Get with a panic on an unregistered field, for call sites
// that only ever reference fields they've already validated.
func (r *Registry) MustGet(name string) *FieldMeta {
	fm, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("fieldmeta: unregistered field %q", name))
	}
	return fm
}

// All returns every registered field, builtin and custom, sorted by name.
func (r *Registry) All() []*FieldMeta {
	out := make([]*FieldMeta, 0, len(r.fields))
	for _, fm := range r.fields {
		out = append(out, fm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Categories returns every field that participates in the tag browser.
func (r *Registry) Categories() []*FieldMeta {
	var out []*FieldMeta
	for _, fm := range r.All() {
		if fm.IsCategory {
			out = append(out, fm)
		}
	}
	return out
}

// RegisterCustomColumn injects a new custom field at runtime, along with
// the table/link-table names it is backed by. label is the user-facing
// name without the "#" prefix; the registry stores it with the prefix so
// it cannot collide with a builtin field name. The column number is
// auto-assigned; callers restoring columns from a Store registry should
// use RegisterCustomColumnNum with the persisted number so table names
// stay stable across restarts.
func (r *Registry) RegisterCustomColumn(label string, datatype Datatype, isMultiple bool, display Display) (*FieldMeta, error) {
	num := 0
	for _, fm := range r.fields {
		if fm.IsCustom && fm.CustomNum >= num {
			num = fm.CustomNum + 1
		}
	}
	return r.RegisterCustomColumnNum(label, datatype, isMultiple, display, num)
}

// RegisterCustomColumnNum registers a custom field backed by the tables
// named for an explicit column number.
func (r *Registry) RegisterCustomColumnNum(label string, datatype Datatype, isMultiple bool, display Display, num int) (*FieldMeta, error) {
	name := "#" + label
	if _, exists := r.fields[name]; exists {
		return nil, fmt.Errorf("fieldmeta: custom column %q already exists", label)
	}
	fm := &FieldMeta{
		Name:        name,
		Datatype:    datatype,
		IsMultiple:  isMultiple,
		Separators:  DefaultSeparators,
		Normalized:  datatype != Composite,
		Display:     display,
		IsCustom:    true,
		CustomNum:   num,
		Column:      "value",
		Table:       fmt.Sprintf("custom_column_%d", num),
		ClearUnused: true,
	}
	if datatype != Composite {
		fm.LinkTable = fmt.Sprintf("books_custom_column_%d_link", num)
		fm.IsCategory = true
	}
	r.fields[name] = fm
	return fm, nil
}

// DeleteCustomColumn removes a previously registered custom field. It is
// a no-op error to delete a builtin field.
func (r *Registry) DeleteCustomColumn(label string) error {
	name := "#" + label
	fm, ok := r.fields[name]
	if !ok || !fm.IsCustom {
		return fmt.Errorf("fieldmeta: no custom column %q", label)
	}
	delete(r.fields, name)
	return nil
}

// ReloadUserCategories replaces the @-prefixed user-category label set
// from a preferences snapshot (label -> member field/item names),
// matching a "user_categories" prefs key reload.
func (r *Registry) ReloadUserCategories(prefs map[string][]string) {
	next := make(map[string][]string, len(prefs))
	for label, members := range prefs {
		label = strings.TrimPrefix(label, "@")
		cp := make([]string, len(members))
		copy(cp, members)
		next["@"+label] = cp
	}
	r.userCategories = next
}

// UserCategories returns the current @-prefixed user-category labels.
func (r *Registry) UserCategories() map[string][]string {
	return r.userCategories
}

// ReloadGroupedSearchTerms replaces the grouped-search-term category
// expressions from a preferences snapshot (label -> search expression).
func (r *Registry) ReloadGroupedSearchTerms(prefs map[string]string) {
	next := make(map[string]string, len(prefs))
	for k, v := range prefs {
		next[k] = v
	}
	r.groupedSearchTerms = next
}

// GroupedSearchTerms returns the current grouped-search-term expressions.
func (r *Registry) GroupedSearchTerms() map[string]string {
	return r.groupedSearchTerms
}
