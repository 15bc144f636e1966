package cache

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fsm"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/writer"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	driver := store.NewSQLite(filepath.Join(dir, "metadata.db"), nil)
	require.NoError(t, driver.Open(context.Background()))

	files, err := fsm.NewLocal(filepath.Join(dir, "library"))
	require.NoError(t, err)

	c := New(driver, files, nil)
	require.NoError(t, c.Init(context.Background(), nil))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestCreateBookEntryDerivedSorts(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "The Expanse", Authors: "James S.A. Corey"})
	require.NoError(t, err)

	v, err := c.FieldFor("sort", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "Expanse, The", v)

	v, err = c.FieldFor("author_sort", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "Corey, James S.A.", v)

	authors, err := c.FieldFor("authors", id, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"James S.A. Corey"}, authors)
}

func TestSetFieldRoundTripAndIdempotence(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Dune"})
	require.NoError(t, err)

	affected, err := c.SetField(ctx, "tags", map[int64]any{id: []string{"SciFi", "Classic"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, affected)

	v, err := c.FieldFor("tags", id, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"SciFi", "Classic"}, v)

	// Second identical call reports no affected books (P2).
	affected, err = c.SetField(ctx, "tags", map[int64]any{id: []string{"SciFi", "Classic"}})
	require.NoError(t, err)
	assert.Empty(t, affected)
}

func TestSetFieldSurvivesReload(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Dune"})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "tags", map[int64]any{id: "Desert, Politics"})
	require.NoError(t, err)

	// I1: the cache agrees with the Store after a full reload.
	require.NoError(t, c.ReloadFromDB(ctx, true))
	v, err := c.FieldFor("tags", id, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Desert", "Politics"}, v)
}

func TestIdentifiersRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Leviathan Wakes"})
	require.NoError(t, err)

	_, err = c.SetField(ctx, "identifiers", map[int64]any{
		id: map[string]string{"ISBN": "978-0-316-12908-4"},
	})
	require.NoError(t, err)

	v, err := c.FieldFor("identifiers", id, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"isbn": "9780316129084"}, v)
	assert.True(t, c.HasIdentifier(id, "isbn"))
}

func TestSeriesDefaultsAndIndexPreservation(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Foundation and Empire"})
	require.NoError(t, err)

	_, err = c.SetField(ctx, "series", map[int64]any{id: "Foundation"})
	require.NoError(t, err)
	v, err := c.FieldFor("series", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "Foundation", v)
	idx, err := c.FieldFor("series_index", id, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mustFloat(t, idx), 1e-9)

	// Bump the index, switch series: the index survives (I9/S5).
	_, err = c.SetField(ctx, "series_index", map[int64]any{id: 3.0})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "series", map[int64]any{id: "Robot"})
	require.NoError(t, err)
	idx, err = c.FieldFor("series_index", id, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, mustFloat(t, idx), 1e-9)
}

func mustFloat(t *testing.T, v any) float64 {
	t.Helper()
	f, ok := asFloat(v)
	require.True(t, ok, "not a number: %#v", v)
	return f
}

func TestRenameItemsMergesCaseVariants(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	b1, err := c.CreateBookEntry(ctx, BookEntry{Title: "One"})
	require.NoError(t, err)
	b2, err := c.CreateBookEntry(ctx, BookEntry{Title: "Two"})
	require.NoError(t, err)

	_, err = c.SetField(ctx, "tags", map[int64]any{b1: []string{"SciFi"}})
	require.NoError(t, err)
	scifiID, ok := c.GetItemID("tags", "SciFi")
	require.True(t, ok)

	// A second id differing only in case can't exist through the writer
	// (I2), so simulate an imported duplicate via a direct item id
	// rename to the surviving spelling.
	_, err = c.SetField(ctx, "tags", map[int64]any{b2: []string{"Space Opera"}})
	require.NoError(t, err)
	operaID, ok := c.GetItemID("tags", "Space Opera")
	require.True(t, ok)

	affected, finals, err := c.RenameItems(ctx, "tags", map[int64]string{operaID: "SciFi"}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{b1, b2}, affected)
	assert.Equal(t, scifiID, finals[operaID])

	// Both books now carry the surviving tag; the merged id is gone (S4).
	for _, b := range []int64{b1, b2} {
		v, err := c.FieldFor("tags", b, nil)
		require.NoError(t, err)
		assert.Contains(t, v, "SciFi")
	}
	_, ok = c.GetItemID("tags", "Space Opera")
	assert.False(t, ok)
	names, err := c.AllFieldNames("tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"SciFi"}, names)
}

func TestFormatsLifecycle(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Formats"})
	require.NoError(t, err)

	code, err := c.AddFormat(ctx, id, "EPUB", strings.NewReader("stream one"), false)
	require.NoError(t, err)
	assert.Equal(t, "EPUB_1", code)

	// A second bare-base add takes the top slot (S2).
	code, err = c.AddFormat(ctx, id, "EPUB", strings.NewReader("stream two!"), false)
	require.NoError(t, err)
	assert.Equal(t, "EPUB_1", code)
	codes, err := c.Formats(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"EPUB_1", "EPUB_2"}, codes)

	_, err = c.AddFormat(ctx, id, "PDF", strings.NewReader("a pdf payload"), false)
	require.NoError(t, err)

	// size is the max over all slots.
	v, err := c.FieldFor("size", id, nil)
	require.NoError(t, err)
	assert.EqualValues(t, int64(13), v)

	// Removing a middle slot densifies (P5).
	_, err = c.AddFormat(ctx, id, "EPUB", strings.NewReader("s3"), false)
	require.NoError(t, err)
	require.NoError(t, c.RemoveFormats(ctx, id, []string{"EPUB_2"}))
	codes, err = c.Formats(ctx, id, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"EPUB_1", "EPUB_2", "PDF_1"}, codes)
}

func TestDirtyTracking(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Dirty"})
	require.NoError(t, err)
	before := c.DirtyQueueLength()

	_, err = c.SetField(ctx, "tags", map[int64]any{id: "x"})
	require.NoError(t, err)
	assert.Equal(t, before, c.DirtyQueueLength()) // same book re-dirtied, set unchanged in size

	book, seq, ok := c.GetADirtiedBook()
	require.True(t, ok)
	assert.Equal(t, id, book)

	// A stale sequence does not clear (P8).
	assert.False(t, c.ClearDirtied(book, seq-1))
	assert.True(t, c.ClearDirtied(book, seq))
	assert.Equal(t, before-1, c.DirtyQueueLength())
}

func TestRemoveBooksTrimsEverything(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Doomed", Authors: "A B", Tags: []string{"gone"}})
	require.NoError(t, err)
	uuidV, err := c.FieldFor("uuid", id, nil)
	require.NoError(t, err)

	require.NoError(t, c.RemoveBooks(ctx, []int64{id}, true))

	_, err = c.FieldFor("title", id, nil)
	require.NoError(t, err) // unknown book yields the default, not an error
	v, _ := c.FieldFor("title", id, "absent")
	assert.Equal(t, "absent", v)

	_, ok := c.LookupByUUID(uuidV.(string))
	assert.False(t, ok)

	// clear_unused semantics are writer-side; remove_books leaves the
	// orphan scan to the maintainer, but the reverse maps must be gone.
	books, err := c.BooksForField("tags", 1)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestConcurrentTagWrites(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	const n = 8
	ids := make([]int64, n)
	for i := range ids {
		id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Book"})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	errc := make(chan error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, err := c.SetField(ctx, "tags", map[int64]any{id: []string{tagName(i)}})
			errc <- err
		}(i, id)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	// P9: every book kept its tag; the union survives.
	names, err := c.AllFieldNames("tags")
	require.NoError(t, err)
	assert.Len(t, names, n)
	for i, id := range ids {
		v, err := c.FieldFor("tags", id, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{tagName(i)}, v)
	}
}

func tagName(i int) string { return string(rune('a'+i)) + "-tag" }

func TestCompositeInvalidation(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Composite", Authors: "X Y"})
	require.NoError(t, err)

	v1, err := c.CompositeFor(ctx, "identical_books", id)
	require.NoError(t, err)
	assert.Contains(t, v1, "Composite")

	// A title write invalidates the cached render (P6).
	_, err = c.SetField(ctx, "title", map[int64]any{id: "Renamed"})
	require.NoError(t, err)
	v2, err := c.CompositeFor(ctx, "identical_books", id)
	require.NoError(t, err)
	assert.Contains(t, v2, "Renamed")
	assert.NotEqual(t, v1, v2)
}

func TestLanguagesPrimaryInvariant(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Langs"})
	require.NoError(t, err)

	_, err = c.SetField(ctx, "languages", map[int64]any{id: "en, fr"})
	require.NoError(t, err)

	_, err = c.SetField(ctx, "languages", map[int64]any{id: nil})
	require.NoError(t, err)
	v, err := c.FieldFor("languages", id, nil)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = c.SetField(ctx, "languages", map[int64]any{
		id: []writer.Lang{{Code: "en", Type: "primary"}, {Code: "de", Type: "primary"}},
	})
	require.Error(t, err)
}

func TestCustomColumnLifecycle(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	fm, err := c.CreateCustomColumn(ctx, "shelf", "text", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "#shelf", fm.Name)

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Custom"})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "#shelf", map[int64]any{id: []string{"to-read", "favorites"}})
	require.NoError(t, err)

	v, err := c.FieldFor("#shelf", id, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"to-read", "favorites"}, v)

	require.NoError(t, c.DeleteCustomColumn(ctx, "shelf"))
	_, err = c.FieldFor("#shelf", id, nil)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindNotFound, e.Kind)
}

func TestMultisortByTitle(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	b1, err := c.CreateBookEntry(ctx, BookEntry{Title: "The Zebra"})
	require.NoError(t, err)
	b2, err := c.CreateBookEntry(ctx, BookEntry{Title: "Aardvark"})
	require.NoError(t, err)

	got, err := c.Multisort([]SortSpec{{Field: "sort"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{b2, b1}, got) // "Aardvark" < "Zebra, The"
}

func TestSearchFallback(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	b1, err := c.CreateBookEntry(ctx, BookEntry{Title: "Neuromancer", Tags: []string{"Cyberpunk"}})
	require.NoError(t, err)
	_, err = c.CreateBookEntry(ctx, BookEntry{Title: "Persuasion"})
	require.NoError(t, err)

	hits, err := c.Search(ctx, "tags:cyberpunk", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{b1: true}, hits)

	hits, err = c.Search(ctx, "neuro", "", nil)
	require.NoError(t, err)
	assert.True(t, hits[b1])
}

func TestGetMetadataAssemblesEverything(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{
		Title:   "The Dispossessed",
		Authors: "Ursula K. Le Guin",
		Tags:    []string{"SciFi"},
		Identifiers: map[string]string{
			"isbn": "9780060512750",
		},
	})
	require.NoError(t, err)

	md, err := c.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "The Dispossessed", md.Title)
	assert.Equal(t, "Dispossessed, The", md.TitleSort)
	assert.Equal(t, []string{"Ursula K. Le Guin"}, md.Authors)
	assert.Equal(t, []string{"SciFi"}, md.Tags)
	assert.Equal(t, "9780060512750", md.Identifiers["isbn"])
	assert.NotEmpty(t, md.UUID)

	proxy := c.GetProxyMetadata(id)
	assert.Equal(t, "The Dispossessed", proxy.Get("title"))
}

func TestSetMetadataSpansFieldsInOneCall(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Draft"})
	require.NoError(t, err)

	affected, err := c.SetMetadata(ctx, id, map[string]any{
		"title":     "A Memory Called Empire",
		"authors":   "Arkady Martine",
		"tags":      []string{"SciFi", "Hugo"},
		"publisher": "Tor",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, affected)

	md, err := c.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "A Memory Called Empire", md.Title)
	assert.Equal(t, "Memory Called Empire, A", md.TitleSort)
	assert.Equal(t, []string{"Arkady Martine"}, md.Authors)
	assert.Equal(t, "Tor", md.Publisher)
	assert.ElementsMatch(t, []string{"SciFi", "Hugo"}, md.Tags)
}

func TestSetMetadataUnknownFieldTouchesNothing(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Untouched"})
	require.NoError(t, err)

	_, err = c.SetMetadata(ctx, id, map[string]any{
		"title":    "Changed",
		"no_such":  "x",
	})
	require.Error(t, err)

	v, err := c.FieldFor("title", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "Untouched", v)
}

func TestNextSeriesIndex(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	assert.InDelta(t, 1.0, c.NextSeriesIndex("Unseen"), 1e-9)

	b1, err := c.CreateBookEntry(ctx, BookEntry{Title: "First"})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "series", map[int64]any{b1: "Culture"})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "series_index", map[int64]any{b1: 2.5})
	require.NoError(t, err)

	assert.InDelta(t, 3.0, c.NextSeriesIndex("Culture"), 1e-9)
}

func TestCustomSeriesIndexWriter(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, err := c.CreateCustomColumn(ctx, "arc", "series", false, nil)
	require.NoError(t, err)

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Arc One"})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "#arc", map[int64]any{id: "First Arc"})
	require.NoError(t, err)

	affected, err := c.SetField(ctx, "#arc_index", map[int64]any{id: 4.0})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, affected)

	// Setting the index before any series link is an error, not a
	// silent no-op.
	other, err := c.CreateBookEntry(ctx, BookEntry{Title: "No Arc"})
	require.NoError(t, err)
	_, err = c.SetField(ctx, "#arc_index", map[int64]any{other: 1.0})
	require.Error(t, err)
}

func TestUpdatePathRecordsFinalLocation(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id, err := c.CreateBookEntry(ctx, BookEntry{Title: "Placed", Authors: "Ann Leckie"})
	require.NoError(t, err)
	require.NoError(t, c.UpdatePath(ctx, id))

	v, err := c.FieldFor("path", id, nil)
	require.NoError(t, err)
	path, _ := v.(string)
	assert.Contains(t, path, "Ann Leckie")
	assert.Contains(t, path, "Placed")
}
