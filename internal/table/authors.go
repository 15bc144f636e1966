package table

import (
	"context"
	"fmt"
	"sync"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// Authors is the authors table specialization (§4.4 "Special tables"): a
// ManyToMany/typed+prio Linked table plus the extra asort_map (item id ->
// sort string) and alink_map (item id -> external link URL) the writer
// layer keeps in step with display-case changes.
type Authors struct {
	*Linked

	mu      sync.Mutex
	asort   map[int64]string
	alink   map[int64]string
}

// NewAuthors constructs the authors table over the standard creator<->
// title link shape (typed+priority: role and display rank).
func NewAuthors() *Authors {
	return &Authors{
		Linked: NewLinked("authors", "books", "authors", "books_authors_link", ShapeTypedPriority, 0, true, false),
		asort:  make(map[int64]string),
		alink:  make(map[int64]string),
	}
}

// Read loads the link shape via the embedded Linked.Read, then populates
// asort_map/alink_map from the authors table's extra columns.
func (a *Authors) Read(ctx context.Context, store Store) error {
	if err := a.Linked.Read(ctx, store); err != nil {
		return err
	}
	rows, err := store.AllRows(ctx, "authors", "", false)
	if err != nil {
		return errs.Store(fmt.Errorf("authors: read sort/link columns: %w", err))
	}
	idCol, err := store.IDColumn("authors")
	if err != nil {
		return errs.Store(fmt.Errorf("authors: id column: %w", err))
	}
	asort := make(map[int64]string, len(rows))
	alink := make(map[int64]string, len(rows))
	for _, row := range rows {
		id, ok := asInt64(row[idCol])
		if !ok {
			continue
		}
		if v, ok := row["sort"].(string); ok {
			asort[id] = v
		}
		if v, ok := row["link"].(string); ok {
			alink[id] = v
		}
	}
	a.mu.Lock()
	a.asort, a.alink = asort, alink
	a.mu.Unlock()
	return nil
}

// SortFor returns an author's cached sort string.
func (a *Authors) SortFor(id int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.asort[id]
	return v, ok
}

// SetSort updates an author's cached sort string (the writer has already
// persisted it to the Store).
func (a *Authors) SetSort(id int64, sort string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asort[id] = sort
}

// LinkFor returns an author's cached external link URL.
func (a *Authors) LinkFor(id int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.alink[id]
	return v, ok
}

// SetLink updates an author's cached external link URL.
func (a *Authors) SetLink(id int64, link string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alink[id] = link
}

// AuthorData returns (name, sort, link, ok) for an author id, matching the cache
// controller's author_data read-api.
func (a *Authors) AuthorData(id int64) (name, sort, link string, ok bool) {
	name, ok = a.ItemName(id)
	if !ok {
		return "", "", "", false
	}
	s, _ := a.SortFor(id)
	l, _ := a.LinkFor(id)
	return name, s, l, true
}
