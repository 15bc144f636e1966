package row

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcache/shelfcache/internal/errs"
)

type fakeStore struct {
	uuid    string
	idCols  map[string]string
	cols    map[string][]string
	blanks  map[string]map[string]any
	rows    map[string]map[int64]map[string]any
	nextID  int64
	updated []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uuid: "11111111-1111-1111-1111-111111111111",
		idCols: map[string]string{
			"tags": "tag_id",
		},
		cols: map[string][]string{
			"tags": {"tag_id", "name"},
		},
		blanks: map[string]map[string]any{
			"tags": {"tag_id": nil, "name": ""},
		},
		rows:   map[string]map[int64]map[string]any{"tags": {}},
		nextID: 1,
	}
}

func (f *fakeStore) UUID() string { return f.uuid }

func (f *fakeStore) IDColumn(table string) (string, error) {
	c, ok := f.idCols[table]
	if !ok {
		return "", errors.New("unknown table")
	}
	return c, nil
}

func (f *fakeStore) Columns(table string) ([]string, error) {
	c, ok := f.cols[table]
	if !ok {
		return nil, errors.New("unknown table")
	}
	return c, nil
}

func (f *fakeStore) BlankRow(table string) (map[string]any, error) {
	b, ok := f.blanks[table]
	if !ok {
		return nil, errors.New("unknown table")
	}
	out := make(map[string]any, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) InsertRow(table string, values map[string]any) (int64, error) {
	id := f.nextID
	f.nextID++
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	cp[f.idCols[table]] = id
	f.rows[table][id] = cp
	return id, nil
}

func (f *fakeStore) UpdateRow(table string, idColumn string, values map[string]any) error {
	id, err := toInt64(values[idColumn])
	if err != nil {
		return err
	}
	f.updated = append(f.updated, table)
	f.rows[table][id] = values
	return nil
}

func TestRowSetRejectsUnknownColumn(t *testing.T) {
	store := newFakeStore()
	r, err := Blank(store, "tags")
	require.NoError(t, err)

	err = r.Set("not_a_column", "x")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInput, e.Kind)
}

func TestRowSyncAllocatesIDOnInsert(t *testing.T) {
	store := newFakeStore()
	r, err := Blank(store, "tags")
	require.NoError(t, err)

	_, ok := r.ID()
	assert.False(t, ok)

	require.NoError(t, r.Set("name", "fiction"))
	require.NoError(t, r.Sync())

	id, ok := r.ID()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "fiction", store.rows["tags"][1]["name"])
}

func TestRowSyncUpdatesExisting(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, "tags", map[string]any{"tag_id": int64(7), "name": "old"}, false)
	require.NoError(t, err)

	require.NoError(t, r.Set("name", "new"))
	require.NoError(t, r.Sync())

	assert.Equal(t, []string{"tags"}, store.updated)
	assert.Equal(t, "new", store.rows["tags"][7]["name"])
}

func TestRowReadOnlySyncFails(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, "tags", map[string]any{"tag_id": int64(1), "name": "x"}, true)
	require.NoError(t, err)

	err = r.Sync()
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindRowReadOnly, e.Kind)
}

func TestRowEqualityByStoreTableID(t *testing.T) {
	store := newFakeStore()
	a, err := New(store, "tags", map[string]any{"tag_id": int64(1), "name": "a"}, false)
	require.NoError(t, err)
	b, err := New(store, "tags", map[string]any{"tag_id": int64(1), "name": "b"}, false)
	require.NoError(t, err)
	c, err := New(store, "tags", map[string]any{"tag_id": int64(2), "name": "a"}, false)
	require.NoError(t, err)

	assert.True(t, a.Equal(b), "same table/id should be equal regardless of other values")
	assert.False(t, a.Equal(c))
}
