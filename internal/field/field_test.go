package field

import (
	"testing"

	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldForBookManyToMany(t *testing.T) {
	tagsTable := table.NewLinked("tags", "books", "tags", "", table.ShapePlain, 0, true, false)
	tagsTable.InternalUpdateCache(table.Delta{
		NewItems:    map[string]int64{"SciFi": 1, "History": 2},
		BookItemIDs: map[int64][]int64{10: {1, 2}},
	})

	fm := &fieldmeta.FieldMeta{Name: "tags", IsMultiple: true}
	f, err := New(fm, tagsTable)
	require.NoError(t, err)

	got := f.ForBook(10, nil)
	assert.Equal(t, []string{"SciFi", "History"}, got)

	assert.Equal(t, []string{}, f.ForBook(99, nil))
}

func TestFieldForBookManyToOne(t *testing.T) {
	series := table.NewLinked("series", "books", "series", "", table.ShapePriority, 1, true, false)
	series.InternalUpdateCache(table.Delta{
		NewItems:    map[string]int64{"Foundation": 1},
		BookItemIDs: map[int64][]int64{10: {1}},
	})
	fm := &fieldmeta.FieldMeta{Name: "series"}
	f, err := New(fm, series)
	require.NoError(t, err)

	assert.Equal(t, "Foundation", f.ForBook(10, nil))
	assert.Nil(t, f.ForBook(11, nil))
}

func TestFieldIdentifiers(t *testing.T) {
	idTable := table.NewIdentifiers()
	idTable.Replace(1, []table.IdentifierEntry{{Type: "isbn", Value: "9780316129084"}})
	fm := &fieldmeta.FieldMeta{Name: "identifiers", Datatype: fieldmeta.Identifiers}
	f, err := New(fm, idTable)
	require.NoError(t, err)

	got := f.ForBook(1, nil).(map[string]string)
	assert.Equal(t, "9780316129084", got["isbn"])
}
