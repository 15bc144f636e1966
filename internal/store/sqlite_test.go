package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s := NewSQLite(filepath.Join(t.TempDir(), "metadata.db"), nil)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)
	assert.True(t, s.WasCreated())
	assert.NotEmpty(t, s.UUID())

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tables, "books")
	assert.Contains(t, tables, "books_authors_link")
	assert.Contains(t, tables, "preferences")
}

func TestSQLiteIntrospection(t *testing.T) {
	s := openTestStore(t)

	idCol, err := s.IDColumn("books")
	require.NoError(t, err)
	assert.Equal(t, "id", idCol)

	tsCol, err := s.TimestampColumn("books")
	require.NoError(t, err)
	assert.Equal(t, "datestamp", tsCol)

	link, err := s.LinkTable("books", "tags")
	require.NoError(t, err)
	assert.Equal(t, "books_tags_link", link)

	bookCol, tagCol, err := s.LinkColumns("books", "tags")
	require.NoError(t, err)
	assert.Equal(t, "book", bookCol)
	assert.Equal(t, "tag", tagCol)

	cols, err := s.Columns("books")
	require.NoError(t, err)
	assert.Equal(t, "id", cols[0])
	assert.Contains(t, cols, "title")
}

func TestSQLiteRowRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRow("books", map[string]any{"title": "The Expanse", "path": ""})
	require.NoError(t, err)
	require.Positive(t, id)

	row, err := s.GetRow(ctx, "books", id)
	require.NoError(t, err)
	assert.Equal(t, "The Expanse", row["title"])

	row["title"] = "Leviathan Wakes"
	require.NoError(t, s.UpdateRow("books", "id", row))

	row, err = s.GetRow(ctx, "books", id)
	require.NoError(t, err)
	assert.Equal(t, "Leviathan Wakes", row["title"])

	require.NoError(t, s.DeleteByID(ctx, "books", []int64{id}))
	_, err = s.GetRow(ctx, "books", id)
	assert.Error(t, err)
}

func TestSQLiteBlankRow(t *testing.T) {
	s := openTestStore(t)
	blank, err := s.BlankRow("books")
	require.NoError(t, err)
	assert.Nil(t, blank["id"])
	assert.Equal(t, "", blank["title"])
	assert.Equal(t, int64(0), blank["has_cover"])
}

func TestSQLiteTransactionRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTransaction(ctx, func(tx TxStore) error {
		if _, err := tx.InsertRow("tags", map[string]any{"name": "SciFi"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	rows, err := s.AllRows(ctx, "tags", "", false)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLiteRegisteredFunctions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows, err := s.conn().query(ctx, `SELECT title_sort('The Stand') AS ts, author_to_author_sort('Arthur C. Clarke') AS as_`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Stand, The", rows[0]["ts"])
	assert.Equal(t, "Clarke, Arthur C.", rows[0]["as_"])

	rows, err = s.conn().query(ctx, `SELECT uuid4() AS u`)
	require.NoError(t, err)
	assert.Len(t, rows[0]["u"], 36)
}

func TestSQLiteNocaseCollation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRow("tags", map[string]any{"name": "SciFi"})
	require.NoError(t, err)

	// The UNIQUE(name) constraint uses the nocase_icu collation, so a
	// case-variant insert must fail as an integrity error.
	_, err = s.InsertRow("tags", map[string]any{"name": "scifi"})
	require.Error(t, err)

	rows, err := s.conn().query(ctx, `SELECT id FROM tags WHERE name = 'SCIFI'`)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSQLitePrefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPref(ctx, "bools_are_tristate", "true"))
	require.NoError(t, s.SetPref(ctx, "bools_are_tristate", "false"))

	prefs, err := s.Prefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "false", prefs["bools_are_tristate"])
	assert.NotEmpty(t, prefs["library_uuid"])
}

func TestSQLiteSortConcatAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "midway"} {
		_, err := s.InsertRow("tags", map[string]any{"name": name})
		require.NoError(t, err)
	}
	rows, err := s.conn().query(ctx, `SELECT sortconcat(name) AS joined FROM tags`)
	require.NoError(t, err)
	assert.Equal(t, "alpha,midway,zeta", rows[0]["joined"])
}

func TestSQLiteDumpAndRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRow("books", map[string]any{"title": "Dune", "path": ""})
	require.NoError(t, err)

	require.NoError(t, s.DumpAndRestore(ctx, ""))

	row, err := s.GetRow(ctx, "books", id)
	require.NoError(t, err)
	assert.Equal(t, "Dune", row["title"])
}
