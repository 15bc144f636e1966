package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory Store good enough to exercise Read and
// the link-shape introspection calls the table package needs.
type fakeStore struct {
	idCols  map[string]string
	rows    map[string][]map[string]any
	linkTab map[string]string
	linkCol map[string][2]string
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		idCols:  map[string]string{"tags": "id", "books": "id"},
		rows:    map[string][]map[string]any{},
		linkTab: map[string]string{"books:tags": "books_tags_link"},
		linkCol: map[string][2]string{"books:tags": {"book", "tag"}},
		nextID:  1,
	}
}

func (f *fakeStore) IDColumn(table string) (string, error) { return f.idCols[table], nil }
func (f *fakeStore) Columns(table string) ([]string, error) { return nil, nil }
func (f *fakeStore) LinkTable(a, b string) (string, error)  { return f.linkTab[a+":"+b], nil }
func (f *fakeStore) LinkColumns(a, b string) (string, string, error) {
	c := f.linkCol[a+":"+b]
	return c[0], c[1], nil
}
func (f *fakeStore) AllRows(ctx context.Context, table, orderBy string, desc bool) ([]map[string]any, error) {
	return f.rows[table], nil
}
func (f *fakeStore) GetRow(ctx context.Context, table string, id int64) (map[string]any, error) {
	for _, r := range f.rows[table] {
		if v, _ := asInt64(r[f.idCols[table]]); v == id {
			return r, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) InsertRow(table string, values map[string]any) (int64, error) {
	id := f.nextID
	f.nextID++
	values[f.idCols[table]] = id
	f.rows[table] = append(f.rows[table], values)
	return id, nil
}
func (f *fakeStore) UpdateRow(table string, idColumn string, values map[string]any) error { return nil }
func (f *fakeStore) DeleteByID(ctx context.Context, table string, ids []int64) error        { return nil }
func (f *fakeStore) Execute(ctx context.Context, query string, args ...any) (int64, error)  { return 0, nil }
func (f *fakeStore) ExecuteMany(ctx context.Context, query string, argSets [][]any) error    { return nil }

func TestLinkedReadAndLookup(t *testing.T) {
	store := newFakeStore()
	store.rows["tags"] = []map[string]any{
		{"id": int64(1), "name": "SciFi"},
		{"id": int64(2), "name": "History"},
	}
	store.rows["books_tags_link"] = []map[string]any{
		{"book": int64(10), "tag": int64(1)},
		{"book": int64(10), "tag": int64(2)},
	}

	tags := NewLinked("tags", "books", "tags", "", ShapePlain, 0, true, false)
	require.NoError(t, tags.Read(context.Background(), store))

	ids := tags.IDsForBook(10)
	assert.ElementsMatch(t, []int64{1, 2}, ids)

	id, ok := tags.ItemID("scifi")
	assert.True(t, ok)
	assert.EqualValues(t, 1, id)

	name, ok := tags.ItemName(1)
	assert.True(t, ok)
	assert.Equal(t, "SciFi", name)
}

func TestLinkedInternalUpdateCacheAndMerge(t *testing.T) {
	tags := NewLinked("tags", "books", "tags", "", ShapePlain, 0, true, false)
	tags.InternalUpdateCache(Delta{
		NewItems:    map[string]int64{"SciFi": 1, "History": 2},
		BookItemIDs: map[int64][]int64{10: {1, 2}, 11: {1}},
	})

	assert.ElementsMatch(t, []int64{1, 2}, tags.IDsForBook(10))
	assert.True(t, tags.BooksFor(1)[10])
	assert.True(t, tags.BooksFor(1)[11])

	tags.Merge(1, 2, false)
	assert.ElementsMatch(t, []int64{1}, tags.IDsForBook(10))
	_, ok := tags.ItemName(2)
	assert.False(t, ok)
}

func TestLinkedUpdatePrecheckManyToOne(t *testing.T) {
	series := NewLinked("series", "books", "series", "", ShapePriority, 1, true, false)
	err := series.UpdatePrecheck(map[int64][]int64{10: {1, 2}})
	assert.Error(t, err)

	err = series.UpdatePrecheck(map[int64][]int64{10: {1}})
	assert.NoError(t, err)
}

func TestFormatsAddInsertsAtHighestPriority(t *testing.T) {
	f := NewFormats()
	code1, err := f.Add(1, "EPUB", 100, false)
	require.NoError(t, err)
	assert.Equal(t, "EPUB_1", code1)

	code2, err := f.Add(1, "EPUB", 200, false)
	require.NoError(t, err)
	assert.Equal(t, "EPUB_1", code2)

	codes := f.PriorityCodes(1)
	assert.Equal(t, []string{"EPUB_1", "EPUB_2"}, codes)
	assert.EqualValues(t, 200, f.MaxSize(1))
}

func TestFormatsRemoveDensifies(t *testing.T) {
	f := NewFormats()
	_, _ = f.Add(1, "EPUB", 10, false)
	_, _ = f.Add(1, "EPUB", 20, false)
	_, _ = f.Add(1, "EPUB", 30, false)

	// Slots before removal: EPUB_1 (30), EPUB_2 (20), EPUB_3 (10). The
	// former EPUB_3 densifies into EPUB_2 once EPUB_2 is removed.
	newMax, err := f.Remove(1, "EPUB_2")
	require.NoError(t, err)
	assert.EqualValues(t, 30, newMax)
	assert.Equal(t, []string{"EPUB_1", "EPUB_2"}, f.PriorityCodes(1))
}

func TestIdentifiersPreservesOrder(t *testing.T) {
	ids := NewIdentifiers()
	ids.Replace(1, []IdentifierEntry{{Type: "isbn", Value: "9780316129084"}, {Type: "asin", Value: "B01"}})
	got := ids.ForBook(1)
	assert.Equal(t, "isbn", got[0].Type)
	assert.Equal(t, "asin", got[1].Type)
	assert.True(t, ids.HasIdentifier(1, "isbn"))
	assert.False(t, ids.HasIdentifier(1, "doi"))
}

func TestCompositeInvalidation(t *testing.T) {
	c := NewComposite("identical_books", "title", "authors")
	c.Set(1, "rendered")
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "rendered", v)

	c.Invalidate(1)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.True(t, c.References("title"))
	assert.False(t, c.References("tags"))
}
