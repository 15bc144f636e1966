package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
)

// memStore is an in-memory table.Store for exercising writers without
// SQL. Rows live as maps keyed by an auto-assigned "id".
type memStore struct {
	rows   map[string][]map[string]any
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{rows: map[string][]map[string]any{}, nextID: 1}
}

func (m *memStore) UUID() string                          { return "test" }
func (m *memStore) IDColumn(string) (string, error)       { return "id", nil }
func (m *memStore) Columns(string) ([]string, error)      { return nil, nil }
func (m *memStore) LinkTable(a, b string) (string, error) { return "books_" + b + "_link", nil }
func (m *memStore) LinkColumns(a, b string) (string, string, error) {
	switch b {
	case "authors":
		return "book", "author", nil
	case "series":
		return "book", "series", nil
	case "comments":
		return "book", "id", nil
	case "languages":
		return "book", "language", nil
	default:
		return "book", "tag", nil
	}
}

func (m *memStore) AllRows(ctx context.Context, tbl, orderBy string, desc bool) ([]map[string]any, error) {
	return m.rows[tbl], nil
}

func (m *memStore) GetRow(ctx context.Context, tbl string, id int64) (map[string]any, error) {
	for _, r := range m.rows[tbl] {
		if r["id"] == id {
			return r, nil
		}
	}
	return nil, errs.NotFound("", nil)
}

func (m *memStore) InsertRow(tbl string, values map[string]any) (int64, error) {
	id := m.nextID
	m.nextID++
	cp := map[string]any{"id": id}
	for k, v := range values {
		if k != "id" || v != nil {
			cp[k] = v
		}
	}
	cp["id"] = id
	m.rows[tbl] = append(m.rows[tbl], cp)
	return id, nil
}

func (m *memStore) UpdateRow(tbl string, idColumn string, values map[string]any) error {
	for _, r := range m.rows[tbl] {
		if r[idColumn] == values[idColumn] {
			for k, v := range values {
				r[k] = v
			}
			return nil
		}
	}
	return errs.NotFound("", nil)
}

func (m *memStore) DeleteByID(ctx context.Context, tbl string, ids []int64) error {
	keep := m.rows[tbl][:0]
	drop := map[int64]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	for _, r := range m.rows[tbl] {
		if id, ok := r["id"].(int64); !ok || !drop[id] {
			keep = append(keep, r)
		}
	}
	m.rows[tbl] = keep
	return nil
}

func (m *memStore) count(tbl string) int { return len(m.rows[tbl]) }

func tagsMeta() *fieldmeta.FieldMeta {
	return &fieldmeta.FieldMeta{
		Name: "tags", IsMultiple: true, Separators: fieldmeta.DefaultSeparators,
		Normalized: true, ClearUnused: true, Table: "tags", LinkTable: "books_tags_link",
	}
}

func setTags(t *testing.T, w Writer, store table.Store, vals map[int64]any) *Result {
	t.Helper()
	res, err := w.Set(context.Background(), store, vals, true)
	require.NoError(t, err)
	res.Apply()
	return res
}

func TestManyToManyRoundTrip(t *testing.T) {
	store := newMemStore()
	tags := table.NewLinked("tags", "books", "tags", "books_tags_link", table.ShapePlain, 0, true, false)
	w, err := For(tagsMeta(), tags, Deps{})
	require.NoError(t, err)

	res := setTags(t, w, store, map[int64]any{10: "SciFi, History"})
	assert.Equal(t, []int64{10}, res.Affected)

	ids := tags.IDsForBook(10)
	require.Len(t, ids, 2)
	name, _ := tags.ItemName(ids[0])
	assert.Equal(t, "SciFi", name)
	assert.Equal(t, 2, store.count("tags"))
	assert.Equal(t, 2, store.count("books_tags_link"))
}

func TestManyToManyIdempotent(t *testing.T) {
	store := newMemStore()
	tags := table.NewLinked("tags", "books", "tags", "books_tags_link", table.ShapePlain, 0, true, false)
	w, err := For(tagsMeta(), tags, Deps{})
	require.NoError(t, err)

	setTags(t, w, store, map[int64]any{10: []string{"SciFi"}})
	res := setTags(t, w, store, map[int64]any{10: []string{"SciFi"}})
	assert.Empty(t, res.Affected)
	assert.Equal(t, 1, store.count("books_tags_link"))
}

func TestManyToManyCaseEquivalence(t *testing.T) {
	store := newMemStore()
	tags := table.NewLinked("tags", "books", "tags", "books_tags_link", table.ShapePlain, 0, true, false)
	w, err := For(tagsMeta(), tags, Deps{})
	require.NoError(t, err)

	setTags(t, w, store, map[int64]any{10: []string{"tag"}})
	res := setTags(t, w, store, map[int64]any{11: []string{"TAG"}})
	assert.Equal(t, []int64{10, 11}, res.Affected)

	// One id serves both books; the display form is the latest casing.
	assert.Equal(t, 1, store.count("tags"))
	id, ok := tags.ItemID("tag")
	require.True(t, ok)
	name, _ := tags.ItemName(id)
	assert.Equal(t, "TAG", name)
}

func TestManyToManyClearUnused(t *testing.T) {
	store := newMemStore()
	tags := table.NewLinked("tags", "books", "tags", "books_tags_link", table.ShapePlain, 0, true, false)
	w, err := For(tagsMeta(), tags, Deps{})
	require.NoError(t, err)

	setTags(t, w, store, map[int64]any{10: []string{"Orphan"}})
	setTags(t, w, store, map[int64]any{10: []string{"Kept"}})

	_, ok := tags.ItemID("Orphan")
	assert.False(t, ok)
	assert.Equal(t, 1, store.count("tags"))
}

func TestAuthorsWriterAllocatesSort(t *testing.T) {
	store := newMemStore()
	authors := table.NewAuthors()
	fm := &fieldmeta.FieldMeta{
		Name: "authors", IsMultiple: true, Separators: fieldmeta.AuthorSeparators,
		Normalized: true, ClearUnused: true, Table: "authors", LinkTable: "books_authors_link",
	}
	w, err := For(fm, authors, Deps{})
	require.NoError(t, err)

	res, err := w.Set(context.Background(), store, map[int64]any{1: "James S.A. Corey"}, true)
	require.NoError(t, err)
	res.Apply()

	ids := authors.IDsForBook(1)
	require.Len(t, ids, 1)
	sortStr, ok := authors.SortFor(ids[0])
	require.True(t, ok)
	assert.Equal(t, "Corey, James S.A.", sortStr)

	row, err := store.GetRow(context.Background(), "authors", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Corey, James S.A.", row["sort"])
}

func TestAuthorsWriterSplitsAnd(t *testing.T) {
	store := newMemStore()
	authors := table.NewAuthors()
	fm := &fieldmeta.FieldMeta{Name: "authors", IsMultiple: true, Normalized: true, Table: "authors"}
	w, err := For(fm, authors, Deps{})
	require.NoError(t, err)

	res, err := w.Set(context.Background(), store, map[int64]any{1: "Terry Pratchett and Neil Gaiman"}, true)
	require.NoError(t, err)
	res.Apply()

	ids := authors.IDsForBook(1)
	require.Len(t, ids, 2)
	first, _ := authors.ItemName(ids[0])
	second, _ := authors.ItemName(ids[1])
	assert.Equal(t, "Terry Pratchett", first)
	assert.Equal(t, "Neil Gaiman", second)
}

func TestSeriesWriterPreservesLinkOnRepoint(t *testing.T) {
	store := newMemStore()
	series := table.NewLinked("series", "books", "series", "books_series_link", table.ShapePriority, 1, true, false)
	fm := &fieldmeta.FieldMeta{Name: "series", Datatype: fieldmeta.Series, Normalized: true, ClearUnused: true, Table: "series"}
	w, err := For(fm, series, Deps{})
	require.NoError(t, err)

	res, err := w.Set(context.Background(), store, map[int64]any{7: "Foundation"}, true)
	require.NoError(t, err)
	res.Apply()
	require.Len(t, series.IDsForBook(7), 1)

	res, err = w.Set(context.Background(), store, map[int64]any{7: "Robot"}, true)
	require.NoError(t, err)
	res.Apply()

	ids := series.IDsForBook(7)
	require.Len(t, ids, 1)
	name, _ := series.ItemName(ids[0])
	assert.Equal(t, "Robot", name)
	// Foundation lost its only book and clear_unused removed it.
	_, ok := series.ItemID("Foundation")
	assert.False(t, ok)
}

func TestIdentifiersWriterNormalizesISBN(t *testing.T) {
	store := newMemStore()
	idents := table.NewIdentifiers()
	fm := &fieldmeta.FieldMeta{Name: "identifiers", Datatype: fieldmeta.Identifiers, IsMultiple: true, Table: "identifiers"}
	w, err := For(fm, idents, Deps{})
	require.NoError(t, err)

	res, err := w.Set(context.Background(), store, map[int64]any{
		3: map[string]string{"ISBN": "978-0-316-12908-4"},
	}, true)
	require.NoError(t, err)
	res.Apply()

	entries := idents.ForBook(3)
	require.Len(t, entries, 1)
	assert.Equal(t, "isbn", entries[0].Type)
	assert.Equal(t, "9780316129084", entries[0].Value)
}

func TestIdentifiersWriterRejectsBadISBN(t *testing.T) {
	store := newMemStore()
	idents := table.NewIdentifiers()
	fm := &fieldmeta.FieldMeta{Name: "identifiers", Datatype: fieldmeta.Identifiers, IsMultiple: true, Table: "identifiers"}
	w, err := For(fm, idents, Deps{})
	require.NoError(t, err)

	_, err = w.Set(context.Background(), store, map[int64]any{
		3: map[string]string{"isbn": "978-0-316-12908-5"},
	}, true)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInput, e.Kind)
}

func TestLanguagesWriterPrimaryUniqueness(t *testing.T) {
	store := newMemStore()
	langs := table.NewLinked("languages", "books", "languages", "books_languages_link", table.ShapeTyped, 0, false, false)
	fm := &fieldmeta.FieldMeta{Name: "languages", Datatype: fieldmeta.Languages, IsMultiple: true, Normalized: true, Table: "languages"}
	w, err := For(fm, langs, Deps{})
	require.NoError(t, err)

	_, err = w.Set(context.Background(), store, map[int64]any{
		5: []Lang{{Code: "en", Type: LangPrimary}, {Code: "fr", Type: LangPrimary}},
	}, true)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInvariant, e.Kind)
	assert.Empty(t, langs.IDsForBook(5))

	res, err := w.Set(context.Background(), store, map[int64]any{5: "en, fr"}, true)
	require.NoError(t, err)
	res.Apply()
	ids := langs.IDsForBook(5)
	require.Len(t, ids, 2)
	m, _ := langs.MetaFor(5, ids[0])
	assert.Equal(t, LangPrimary, m.Type)
}

func TestTitleWriterRewritesSort(t *testing.T) {
	store := newMemStore()
	titles := table.NewOneToOneTitles("title", "books", "title")
	sorts := table.NewOneToOneTitles("sort", "books", "sort")
	titles.InternalUpdateCache(1, "Unknown")
	sorts.InternalUpdateCache(1, "Unknown")
	_, err := store.InsertRow("books", map[string]any{"title": "Unknown"})
	require.NoError(t, err)

	fm := &fieldmeta.FieldMeta{Name: "title", Table: "books", Column: "title"}
	w, err := For(fm, titles, Deps{Sort: sorts})
	require.NoError(t, err)

	res, err := w.Set(context.Background(), store, map[int64]any{1: "The Expanse"}, true)
	require.NoError(t, err)
	res.Apply()

	v, _ := titles.ForBook(1)
	assert.Equal(t, "The Expanse", v)
	v, _ = sorts.ForBook(1)
	assert.Equal(t, "Expanse, The", v)
}

func TestDummyWriterRefuses(t *testing.T) {
	fm := &fieldmeta.FieldMeta{Name: "formats"}
	w, err := For(fm, nil, Deps{})
	require.NoError(t, err)

	_, err = w.Set(context.Background(), newMemStore(), map[int64]any{1: "EPUB"}, false)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInput, e.Kind)
}
