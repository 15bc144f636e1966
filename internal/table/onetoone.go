package table

import (
	"context"
	"fmt"
	"sync"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// OneToOneTitles is the shape for scalar fields stored directly as a
// column of the titles/books row (title, sort, author_sort, uuid,
// pubdate, timestamp, path, last_modified, has_cover, series_index):
// book_col_map only, no item table (§4.4 "OneToOne in titles").
type OneToOneTitles struct {
	name   string
	table  string
	column string

	mu         sync.Mutex
	bookColMap map[int64]any
}

func NewOneToOneTitles(name, titlesTable, column string) *OneToOneTitles {
	return &OneToOneTitles{
		name:       name,
		table:      titlesTable,
		column:     column,
		bookColMap: make(map[int64]any),
	}
}

func (t *OneToOneTitles) Name() string { return t.name }

// Column returns the books-table column this field projects.
func (t *OneToOneTitles) Column() string { return t.column }

// Read populates book_col_map from every row of the titles table.
func (t *OneToOneTitles) Read(ctx context.Context, store Store) error {
	rows, err := store.AllRows(ctx, t.table, "", false)
	if err != nil {
		return errs.Store(fmt.Errorf("onetoone %s: read %s: %w", t.name, t.table, err))
	}
	idCol, err := store.IDColumn(t.table)
	if err != nil {
		return errs.Store(fmt.Errorf("onetoone %s: id column: %w", t.name, err))
	}
	m := make(map[int64]any, len(rows))
	for _, row := range rows {
		id, ok := asInt64(row[idCol])
		if !ok {
			continue
		}
		m[id] = row[t.column]
	}
	t.mu.Lock()
	t.bookColMap = m
	t.mu.Unlock()
	return nil
}

// ForBook returns the book's scalar value, or (nil, false) if the book is
// unknown to the cache.
func (t *OneToOneTitles) ForBook(bookID int64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.bookColMap[bookID]
	return v, ok
}

// InternalUpdateCache commits a precomputed value for bookID (§4.6 step 6).
func (t *OneToOneTitles) InternalUpdateCache(bookID int64, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bookColMap[bookID] = value
}

// RemoveBooks trims book_col_map for deleted books (the titles row itself
// is removed by the Store's cascade).
func (t *OneToOneTitles) RemoveBooks(ids []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.bookColMap, id)
	}
}

// AllBookIDs returns every book id currently tracked.
func (t *OneToOneTitles) AllBookIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.bookColMap))
	for id := range t.bookColMap {
		out = append(out, id)
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
