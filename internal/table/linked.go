package table

import (
	"context"
	"fmt"
	"sort"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// Linked implements the ManyToOne / ManyToMany / OneToMany shapes (§4.4):
// each maintains Base's id_map/folded-id plus book_col_map (book -> its
// linked item ids, in link order) and col_book_map (item -> set of
// books). ManyToMany and typed/prioritized ManyToOne relations (series,
// publisher) additionally keep per-link LinkMeta (priority/type/index).
//
// Whether a given book may link at most one item (ManyToOne: series,
// publisher) or many (ManyToMany: tags, authors, languages; OneToMany:
// comments) is controlled by MaxPerBook; 0 means unbounded.
type Linked struct {
	Base

	itemTable   string
	bookTable   string
	linkTable   string
	bookCol     string
	itemCol     string
	shape       LinkShape
	maxPerBook  int
	selfLinkable bool

	bookColMap map[int64][]int64
	colBookMap map[int64]map[int64]bool
	linkMeta   map[int64]map[int64]LinkMeta // book -> item -> meta
}

// NewLinked constructs a Linked table. maxPerBook=1 gives ManyToOne
// semantics (series, publisher); maxPerBook=0 gives ManyToMany/OneToMany
// (tags, authors, languages, comments).
func NewLinked(name, bookTable, itemTable, linkTable string, shape LinkShape, maxPerBook int, clearUnused, selfLinkable bool) *Linked {
	return &Linked{
		Base:         newBase(name, shape, clearUnused),
		itemTable:    itemTable,
		bookTable:    bookTable,
		linkTable:    linkTable,
		shape:        shape,
		maxPerBook:   maxPerBook,
		selfLinkable: selfLinkable,
		bookColMap:   make(map[int64][]int64),
		colBookMap:   make(map[int64]map[int64]bool),
		linkMeta:     make(map[int64]map[int64]LinkMeta),
	}
}

// Read populates id_map from the item table and book_col_map/col_book_map
// (plus link meta) from the link table, in one pass each.
func (l *Linked) Read(ctx context.Context, store Store) error {
	itemRows, err := store.AllRows(ctx, l.itemTable, "", false)
	if err != nil {
		return errs.Store(fmt.Errorf("linked %s: read items %s: %w", l.Name(), l.itemTable, err))
	}
	itemIDCol, err := store.IDColumn(l.itemTable)
	if err != nil {
		return errs.Store(fmt.Errorf("linked %s: item id column: %w", l.Name(), err))
	}
	valueCol := defaultValueColumn(l.itemTable)

	l.Base.mu.Lock()
	l.Base.idMap = make(map[int64]string, len(itemRows))
	l.Base.foldedID = make(map[string]int64, len(itemRows))
	l.Base.mu.Unlock()

	for _, row := range itemRows {
		id, ok := asInt64(row[itemIDCol])
		if !ok {
			continue
		}
		val := fmt.Sprintf("%v", row[valueCol])
		l.applyCaseChange(id, val)
		l.Base.mu.Lock()
		l.Base.foldedID[foldKey(val)] = id
		l.Base.mu.Unlock()
	}

	if err := l.ResolveLink(store); err != nil {
		return err
	}

	orderCol := ""
	if l.shape == ShapePriority || l.shape == ShapeTypedPriority {
		orderCol = "priority" //nolint:goconst // matches the Store's conventional link-row column name.
	}
	linkRows, err := store.AllRows(ctx, l.linkTable, orderCol, false)
	if err != nil {
		return errs.Store(fmt.Errorf("linked %s: read links %s: %w", l.Name(), l.linkTable, err))
	}
	linkIDCol, err := store.IDColumn(l.linkTable)
	if err != nil {
		return errs.Store(fmt.Errorf("linked %s: link id column: %w", l.Name(), err))
	}

	bookColMap := make(map[int64][]int64)
	colBookMap := make(map[int64]map[int64]bool)
	linkMeta := make(map[int64]map[int64]LinkMeta)
	for _, row := range linkRows {
		bookID, ok1 := asInt64(row[l.bookCol])
		itemID, ok2 := asInt64(row[l.itemCol])
		if !ok1 || !ok2 {
			continue
		}
		bookColMap[bookID] = append(bookColMap[bookID], itemID)
		if colBookMap[itemID] == nil {
			colBookMap[itemID] = make(map[int64]bool)
		}
		colBookMap[itemID][bookID] = true

		var meta LinkMeta
		if rid, ok := asInt64(row[linkIDCol]); ok {
			meta.RowID = rid
		}
		if p, ok := row["priority"]; ok {
			if n, ok := asInt64(p); ok {
				meta.Priority = int(n)
			}
		}
		if t, ok := row["type"]; ok {
			if s, ok := t.(string); ok {
				meta.Type = s
			}
		}
		if idx, ok := row["series_index"]; ok {
			if f, ok := asFloat64(idx); ok {
				meta.Index, meta.HasIndex = f, true
			}
		}
		if linkMeta[bookID] == nil {
			linkMeta[bookID] = make(map[int64]LinkMeta)
		}
		linkMeta[bookID][itemID] = meta
	}
	for book, items := range bookColMap {
		if l.shape == ShapePriority || l.shape == ShapeTypedPriority {
			meta := linkMeta[book]
			sort.Slice(items, func(i, j int) bool { return meta[items[i]].Priority < meta[items[j]].Priority })
			bookColMap[book] = items
		}
	}

	l.mu.Lock()
	l.bookColMap = bookColMap
	l.colBookMap = colBookMap
	l.linkMeta = linkMeta
	l.mu.Unlock()
	return nil
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func foldKey(s string) string { return textutil.ICULower(s) }

// ResolveLink fills in the link-table name and its two id columns from
// the Store's naming convention if the constructor left them blank.
func (l *Linked) ResolveLink(store Store) error {
	if l.bookCol != "" && l.itemCol != "" {
		return nil
	}
	linkTable := l.linkTable
	var err error
	if linkTable == "" {
		linkTable, err = store.LinkTable(l.bookTable, l.itemTable)
		if err != nil {
			return errs.Store(fmt.Errorf("linked %s: link table: %w", l.Name(), err))
		}
	}
	bookCol, itemCol, err := store.LinkColumns(l.bookTable, l.itemTable)
	if err != nil {
		return errs.Store(fmt.Errorf("linked %s: link columns: %w", l.Name(), err))
	}
	l.linkTable, l.bookCol, l.itemCol = linkTable, bookCol, itemCol
	return nil
}

// IsManyToOne reports whether this table allows at most one link per
// book (series, publisher) versus many (tags, authors, languages).
func (l *Linked) IsManyToOne() bool { return l.maxPerBook == 1 }

// Shape returns the table's link shape.
func (l *Linked) Shape() LinkShape { return l.shape }

// ItemTable returns the normalized item table's name.
func (l *Linked) ItemTable() string { return l.itemTable }

// BookTable returns the book-side table's name.
func (l *Linked) BookTable() string { return l.bookTable }

// LinkTableName returns the link table's name and its book-id and item-id
// column names; the column names are empty until ResolveLink (run by
// Read) has populated them.
func (l *Linked) LinkTableName() (string, string, string) { return l.linkTable, l.bookCol, l.itemCol }

// IDsForBook returns the ordered item ids linked to a book (link order:
// priority-ascending for priority/typed+priority shapes).
func (l *Linked) IDsForBook(bookID int64) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.bookColMap[bookID]
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

// BooksFor returns the set of books linked to itemID.
func (l *Linked) BooksFor(itemID int64) map[int64]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64]bool, len(l.colBookMap[itemID]))
	for b := range l.colBookMap[itemID] {
		out[b] = true
	}
	return out
}

// MetaFor returns the per-link auxiliary data for (bookID, itemID).
func (l *Linked) MetaFor(bookID, itemID int64) (LinkMeta, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.linkMeta[bookID][itemID]
	return m, ok
}

// UpdatePrecheck rejects logically-impossible updates before any Store
// write (§4.4). For maxPerBook=1 tables it rejects any book given more
// than one item; every other update passes. Callers needing I3's
// primary-uniqueness or I4's slot-contiguity checks perform them in the
// writer, which knows the field-specific rule.
func (l *Linked) UpdatePrecheck(bookItemIDs map[int64][]int64) error {
	if l.maxPerBook == 1 {
		for book, items := range bookItemIDs {
			if len(items) > 1 {
				return errs.Invariant(l.Name(), fmt.Errorf("book %d: table %s allows at most one link per book, got %d", book, l.Name(), len(items)))
			}
		}
	}
	return nil
}

// InternalUpdateCache applies a writer-computed delta (§4.6 step 6): it
// repoints book_col_map/col_book_map, applies display-case changes to
// id_map, records per-link meta, and appends newly allocated items.
func (l *Linked) InternalUpdateCache(delta Delta) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for value, id := range delta.NewItems {
		l.Base.idMap[id] = value
		l.Base.foldedID[foldKey(value)] = id
	}
	for id, display := range delta.IDMapUpdate {
		l.Base.idMap[id] = display
		l.Base.foldedID[foldKey(display)] = id
	}

	for book, items := range delta.BookItemIDs {
		old := l.bookColMap[book]
		for _, id := range old {
			if set := l.colBookMap[id]; set != nil {
				delete(set, book)
				if len(set) == 0 {
					delete(l.colBookMap, id)
				}
			}
		}
		if len(items) == 0 {
			delete(l.bookColMap, book)
			delete(l.linkMeta, book)
			continue
		}
		cp := make([]int64, len(items))
		copy(cp, items)
		l.bookColMap[book] = cp
		for _, id := range cp {
			if l.colBookMap[id] == nil {
				l.colBookMap[id] = make(map[int64]bool)
			}
			l.colBookMap[id][book] = true
		}
	}
	for book, metas := range delta.LinkMeta {
		if l.linkMeta[book] == nil {
			l.linkMeta[book] = make(map[int64]LinkMeta)
		}
		for item, m := range metas {
			l.linkMeta[book][item] = m
		}
	}
	for _, id := range delta.RemovedItems {
		delete(l.Base.idMap, id)
		delete(l.colBookMap, id)
		for f, fid := range l.Base.foldedID {
			if fid == id {
				delete(l.Base.foldedID, f)
			}
		}
	}
}

// RemoveBooks trims every forward/reverse map entry for deleted books
// (§3.4 "Row deletion ... the cache trims forward/reverse maps").
func (l *Linked) RemoveBooks(ids []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, book := range ids {
		for _, item := range l.bookColMap[book] {
			if set := l.colBookMap[item]; set != nil {
				delete(set, book)
				if len(set) == 0 {
					delete(l.colBookMap, item)
				}
			}
		}
		delete(l.bookColMap, book)
		delete(l.linkMeta, book)
	}
}

// RemoveItems deletes items (e.g. orphaned tags after clear_unused, or an
// explicit rename-to-merge). If restrictToBookIDs is non-nil, only the
// links from those books are broken; the item itself is only fully
// deleted from id_map when it has no remaining linked books.
func (l *Linked) RemoveItems(ids []int64, restrictToBookIDs map[int64]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range ids {
		books := l.colBookMap[item]
		for book := range books {
			if restrictToBookIDs != nil && !restrictToBookIDs[book] {
				continue
			}
			l.bookColMap[book] = removeFromSlice(l.bookColMap[book], item)
			if metas := l.linkMeta[book]; metas != nil {
				delete(metas, item)
			}
			delete(books, book)
		}
		if len(books) == 0 {
			delete(l.colBookMap, item)
			delete(l.Base.idMap, item)
			for f, id := range l.Base.foldedID {
				if id == item {
					delete(l.Base.foldedID, f)
				}
			}
		}
	}
}

func removeFromSlice(s []int64, v int64) []int64 {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// UsageCount returns how many books reference itemID.
func (l *Linked) UsageCount(itemID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.colBookMap[itemID])
}

// AllItemIDs returns every item id currently in id_map.
func (l *Linked) AllItemIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.Base.idMap))
	for id := range l.Base.idMap {
		out = append(out, id)
	}
	return out
}

// Merge repoints every link row from idMerge onto idKeep in the cache
// (the Store-side repoint is performed by the maintainer/cache
// controller caller before this is invoked). Duplicate (book, idKeep)
// links that result are collapsed, preferring idKeep's existing meta
// unless idMerge's is newer per the caller-supplied preference.
func (l *Linked) Merge(idKeep, idMerge int64, preferMerge bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	books := l.colBookMap[idMerge]
	for book := range books {
		items := l.bookColMap[book]
		hasKeep := false
		for _, id := range items {
			if id == idKeep {
				hasKeep = true
				break
			}
		}
		if hasKeep {
			if preferMerge {
				if metas := l.linkMeta[book]; metas != nil {
					if m, ok := metas[idMerge]; ok {
						metas[idKeep] = m
					}
				}
			}
			l.bookColMap[book] = removeFromSlice(items, idMerge)
		} else {
			l.bookColMap[book] = replaceInSlice(items, idMerge, idKeep)
			if metas := l.linkMeta[book]; metas != nil {
				if m, ok := metas[idMerge]; ok {
					metas[idKeep] = m
					delete(metas, idMerge)
				}
			}
		}
		if set := l.colBookMap[idKeep]; set == nil {
			l.colBookMap[idKeep] = map[int64]bool{book: true}
		} else {
			set[book] = true
		}
		if metas := l.linkMeta[book]; metas != nil {
			delete(metas, idMerge)
		}
	}
	delete(l.colBookMap, idMerge)
	delete(l.Base.idMap, idMerge)
	for f, id := range l.Base.foldedID {
		if id == idMerge {
			delete(l.Base.foldedID, f)
		}
	}
}

func replaceInSlice(s []int64, old, next int64) []int64 {
	out := make([]int64, len(s))
	for i, v := range s {
		if v == old {
			out[i] = next
		} else {
			out[i] = v
		}
	}
	return out
}
