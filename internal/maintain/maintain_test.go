package maintain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/store"
)

func openTestEngine(t *testing.T) (*cache.Cache, *Maintainer) {
	t.Helper()
	driver := store.NewSQLite(filepath.Join(t.TempDir(), "metadata.db"), nil)
	require.NoError(t, driver.Open(context.Background()))

	c := cache.New(driver, nil, nil)
	require.NoError(t, c.Init(context.Background(), nil))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, New(c, 0, nil)
}

func TestMergeUnionsBooks(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	b1, err := c.CreateBookEntry(ctx, cache.BookEntry{Title: "One", Tags: []string{"Alpha"}})
	require.NoError(t, err)
	b2, err := c.CreateBookEntry(ctx, cache.BookEntry{Title: "Two", Tags: []string{"Beta"}})
	require.NoError(t, err)

	alpha, ok := c.GetItemID("tags", "Alpha")
	require.True(t, ok)
	beta, ok := c.GetItemID("tags", "Beta")
	require.True(t, ok)

	require.NoError(t, m.Merge(ctx, "tags", alpha, beta))

	// P7: the keeper's book set is the pre-merge union, the merged id is
	// gone from the id map.
	books, err := c.BooksForField("tags", alpha)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{b1: true, b2: true}, books)
	_, err = c.GetItemName("tags", beta)
	require.Error(t, err)

	require.NoError(t, c.ReloadFromDB(ctx, true))
	books, err = c.BooksForField("tags", alpha)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{b1: true, b2: true}, books)
}

func TestMergeCollapsesDuplicateLinks(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	b, err := c.CreateBookEntry(ctx, cache.BookEntry{Title: "Doubled", Tags: []string{"Kept", "Doomed"}})
	require.NoError(t, err)

	kept, _ := c.GetItemID("tags", "Kept")
	doomed, _ := c.GetItemID("tags", "Doomed")
	require.NoError(t, m.Merge(ctx, "tags", kept, doomed))

	v, err := c.FieldFor("tags", b, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Kept"}, v)

	require.NoError(t, c.ReloadFromDB(ctx, true))
	v, err = c.FieldFor("tags", b, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Kept"}, v)
}

func TestFixDuplicatesMergesNocase(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	// Two case-variant tag rows can't arrive through the writers (I2),
	// so fake an imported duplicate directly in the Store.
	b, err := c.CreateBookEntry(ctx, cache.BookEntry{Title: "Books", Tags: []string{"scifi"}})
	require.NoError(t, err)
	dupID, err := c.Store().InsertRow("tags", map[string]any{"name": "SCIFI "})
	require.NoError(t, err)
	_, err = c.Store().InsertRow("books_tags_link", map[string]any{"book": b, "tag": dupID})
	require.NoError(t, err)
	require.NoError(t, c.ReloadFromDB(ctx, true))

	merged, err := m.FixDuplicates(ctx, "tags", "name", "nocase")
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	require.NoError(t, c.ReloadFromDB(ctx, true))
	names, err := c.AllFieldNames("tags")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestCleanRemovesOrphans(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	_, err := c.Store().InsertRow("tags", map[string]any{"name": "orphan"})
	require.NoError(t, err)
	_, err = c.CreateBookEntry(ctx, cache.BookEntry{Title: "Holder", Tags: []string{"held"}})
	require.NoError(t, err)

	removed, err := m.Clean(ctx, "tags", nil)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	require.NoError(t, c.ReloadFromDB(ctx, true))
	names, err := c.AllFieldNames("tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"held"}, names)
}

func TestCleanRefusesBooks(t *testing.T) {
	_, m := openTestEngine(t)
	_, err := m.Clean(context.Background(), "books", nil)
	require.Error(t, err)
}

func TestSeriesLineWalksParents(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	top, err := c.Store().InsertRow("series", map[string]any{"name": "Cosmere"})
	require.NoError(t, err)
	_, err = c.Store().InsertRow("series", map[string]any{"name": "Mistborn", "parent": top})
	require.NoError(t, err)
	require.NoError(t, c.ReloadFromDB(ctx, true))

	line, err := m.seriesLine(ctx, "Mistborn")
	require.NoError(t, err)
	assert.Equal(t, "Cosmere: Mistborn", line)
}

func TestSeriesLineDetectsCycles(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	a, err := c.Store().InsertRow("series", map[string]any{"name": "A"})
	require.NoError(t, err)
	bID, err := c.Store().InsertRow("series", map[string]any{"name": "B", "parent": a})
	require.NoError(t, err)
	require.NoError(t, c.Store().UpdateRow("series", "id", map[string]any{"id": a, "parent": bID}))
	require.NoError(t, c.ReloadFromDB(ctx, true))

	_, err = m.seriesLine(ctx, "B")
	require.Error(t, err)
}

func TestEnsureCreatorSorts(t *testing.T) {
	c, m := openTestEngine(t)
	ctx := context.Background()

	id, err := c.Store().InsertRow("authors", map[string]any{"name": "Iain M. Banks", "sort": ""})
	require.NoError(t, err)
	require.NoError(t, c.ReloadFromDB(ctx, true))

	require.NoError(t, m.EnsureCreatorSorts(ctx))

	row, err := c.Store().GetRow(ctx, "authors", id)
	require.NoError(t, err)
	assert.Equal(t, "Banks, Iain M.", row["sort"])
}

func TestSmartMergePrefersNewerNonNil(t *testing.T) {
	a := map[string]any{"id": int64(1), "priority": int64(2), "type": nil, "datestamp": "2024-01-01"}
	b := map[string]any{"id": int64(2), "priority": nil, "type": "authors", "datestamp": "2025-01-01"}

	out := smartMerge(a, b)
	assert.Equal(t, int64(2), out["id"])          // newer row wins identity
	assert.Equal(t, "authors", out["type"])       // newer non-nil kept
	assert.Equal(t, int64(2), out["priority"])    // nil backfilled from older
	assert.Equal(t, "2025-01-01", out["datestamp"])
}
