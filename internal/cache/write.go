package cache

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fsm"
	"github.com/shelfcache/shelfcache/internal/row"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/telemetry"
	"github.com/shelfcache/shelfcache/internal/textutil"
	"github.com/shelfcache/shelfcache/internal/writer"
)

// SetField applies one field's value changes for one or more books in a
// single Store transaction (§5.1) and returns the affected book ids.
func (c *Cache) SetField(ctx context.Context, name string, vals map[int64]any) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setFieldLocked(ctx, name, vals, true)
}

func (c *Cache) setFieldLocked(ctx context.Context, name string, vals map[int64]any, allowCaseChange bool) ([]int64, error) {
	w, err := c.writerFor(name)
	if err != nil {
		return nil, err
	}
	var res *writer.Result
	err = c.store.InTransaction(ctx, func(tx store.TxStore) error {
		var err error
		res, err = w.Set(ctx, tx, vals, allowCaseChange)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := c.applyGuarded(ctx, res); err != nil {
		return nil, err
	}
	c.touchLocked(name, res.Affected)
	return res.Affected, nil
}

// SetMetadata applies several fields for one book in a single Store
// transaction; on a Store failure the transaction rolls back and the
// cache reloads before the error returns (I1 restoration, §5.1).
func (c *Cache) SetMetadata(ctx context.Context, bookID int64, fields map[string]any) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, err := c.writerFor(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	// Apply in FIELD_MAP order so derived fields see their inputs
	// (title before sort, authors before author_sort).
	sort.Slice(names, func(i, j int) bool {
		pi, iok := c.fieldMap[names[i]]
		pj, jok := c.fieldMap[names[j]]
		if iok && jok {
			return pi < pj
		}
		if iok != jok {
			return iok
		}
		return names[i] < names[j]
	})

	total := &writer.Result{}
	perField := map[string][]int64{}
	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		for _, name := range names {
			w, _ := c.writerFor(name)
			res, err := w.Set(ctx, tx, map[int64]any{bookID: fields[name]}, true)
			if err != nil {
				return err
			}
			perField[name] = res.Affected
			total.Merge(res)
		}
		return nil
	})
	if err != nil {
		if rerr := c.reloadLocked(ctx, true); rerr != nil {
			telemetry.Log(ctx).Error("cache reload after failed set_metadata", "err", rerr)
		}
		return nil, err
	}
	if err := c.applyGuarded(ctx, total); err != nil {
		return nil, err
	}
	for name, affected := range perField {
		c.touchLocked(name, affected)
	}
	return dedupeIDs(total.Affected), nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := map[int64]bool{}
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BookEntry is the caller-facing payload for creating a book.
type BookEntry struct {
	Title       string
	Authors     any // string or []string
	Series      string
	SeriesIndex float64
	Tags        []string
	Languages   []string
	Identifiers map[string]string
	Pubdate     time.Time
	Cover       []byte
}

// CreateBookEntry allocates a new book row through the Row handle,
// populates the scalar caches, then routes the linked fields through
// their writers (§3.4 row creation).
func (c *Cache) CreateBookEntry(ctx context.Context, entry BookEntry) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	title := strings.TrimSpace(entry.Title)
	if title == "" {
		title = "Unknown"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	uuid := store.NewUUID()

	r, err := row.Blank(c.store, "books")
	if err != nil {
		return 0, err
	}
	for col, v := range map[string]any{
		"title":         title,
		"sort":          textutil.TitleSort(title, textutil.OrderArticleToEnd),
		"author_sort":   "",
		"series_index":  1.0,
		"timestamp":     now,
		"pubdate":       "",
		"last_modified": now,
		"uuid":          uuid,
		"path":          "",
		"has_cover":     int64(0),
	} {
		if err := r.Set(col, v); err != nil {
			return 0, err
		}
	}
	if !entry.Pubdate.IsZero() {
		if err := r.Set("pubdate", entry.Pubdate.UTC().Format(time.RFC3339)); err != nil {
			return 0, err
		}
	}
	if entry.SeriesIndex > 0 {
		if err := r.Set("series_index", entry.SeriesIndex); err != nil {
			return 0, err
		}
	}
	if err := r.Sync(); err != nil {
		return 0, err
	}
	bookID, _ := r.ID()

	for name := range _titlesResident {
		t := c.titles[name]
		if v, ok := r.Get(t.Column()); ok {
			t.InternalUpdateCache(bookID, v)
		}
	}
	c.uuidMap[uuid] = bookID

	fields := map[string]any{}
	if entry.Authors != nil {
		fields["authors"] = entry.Authors
	}
	if entry.Series != "" {
		fields["series"] = entry.Series
	}
	if len(entry.Tags) > 0 {
		fields["tags"] = entry.Tags
	}
	if len(entry.Languages) > 0 {
		fields["languages"] = entry.Languages
	}
	if len(entry.Identifiers) > 0 {
		fields["identifiers"] = entry.Identifiers
	}
	for _, name := range []string{"authors", "series", "tags", "languages", "identifiers"} {
		v, ok := fields[name]
		if !ok {
			continue
		}
		if _, err := c.setFieldLocked(ctx, name, map[int64]any{bookID: v}, true); err != nil {
			return 0, err
		}
	}
	if entry.Authors != nil {
		if err := c.refreshAuthorSortLocked(ctx, bookID); err != nil {
			return 0, err
		}
	}
	if len(entry.Cover) > 0 {
		if c.files != nil {
			if err := c.files.SetCover(ctx, bookID, bytes.NewReader(entry.Cover)); err != nil {
				return 0, errs.Format("cover", fmt.Errorf("cache: write cover for book %d: %w", bookID, err), bookID)
			}
		}
		if _, err := c.setFieldLocked(ctx, "cover", map[int64]any{bookID: int64(1)}, true); err != nil {
			return 0, err
		}
	}

	c.markDirtyLocked([]int64{bookID})
	c.lastMod = time.Now().UTC()
	return bookID, nil
}

// refreshAuthorSortLocked recomputes the denormalized books.author_sort
// string from the book's linked creators (§4.6: dependent derived
// fields).
func (c *Cache) refreshAuthorSortLocked(ctx context.Context, bookID int64) error {
	ids := c.authors.IDsForBook(bookID)
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.authors.SortFor(id); ok && s != "" {
			keys = append(keys, s)
			continue
		}
		if name, ok := c.authors.ItemName(id); ok {
			keys = append(keys, textutil.AuthorSort(name, textutil.SortComma))
		}
	}
	_, err := c.setFieldLocked(ctx, "author_sort", map[int64]any{bookID: strings.Join(keys, " & ")}, true)
	return err
}

// AddBooks creates several book entries, returning their ids in order.
func (c *Cache) AddBooks(ctx context.Context, entries []BookEntry) ([]int64, error) {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		id, err := c.CreateBookEntry(ctx, e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveBooks deletes books: one transaction deletes the books rows (link
// rows cascade), the FSM delete is dispatched, and every field's
// forward/reverse maps are trimmed (S6). permanent=false skips the FSM
// delete so the folder can be recycled by the caller.
func (c *Cache) RemoveBooks(ctx context.Context, ids []int64, permanent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := map[int64]string{}
	for _, id := range ids {
		if v, ok := c.titles["path"].ForBook(id); ok {
			paths[id], _ = v.(string)
		}
	}

	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		return tx.DeleteByID(ctx, "books", ids)
	})
	if err != nil {
		return err
	}

	if permanent && c.files != nil {
		for _, id := range ids {
			err := c.files.RemoveBook(ctx, fsm.BookLocation{BookID: id, Path: paths[id]})
			if err != nil {
				telemetry.Log(ctx).Warn("fsm delete during remove_books", "book", id, "err", err)
			}
		}
	}

	for _, t := range c.titles {
		t.RemoveBooks(ids)
	}
	for _, l := range c.linked {
		l.RemoveBooks(ids)
	}
	for _, comp := range c.composites {
		comp.RemoveBooks(ids)
	}
	c.identifiers.RemoveBooks(ids)
	for _, id := range ids {
		c.formats.RemoveAll(id)
		delete(c.dirtied, id)
		delete(c.fmtMetaCache, id)
		for cc := range c.coverCaches {
			cc.InvalidateCover(id)
		}
	}
	for uuid, book := range c.uuidMap {
		for _, id := range ids {
			if book == id {
				delete(c.uuidMap, uuid)
			}
		}
	}
	c.invalidateSearchLocked()
	c.lastMod = time.Now().UTC()
	return nil
}

// RenameItems renames items of a normalized field. A rename that
// collides case-insensitively with an existing item merges the two:
// links repoint to the survivor and the renamed id is deleted (S4).
// Returns the affected book ids and the id each renamed item ended up
// with.
func (c *Cache) RenameItems(ctx context.Context, fieldName string, renames map[int64]string, restrictToBookIDs map[int64]bool) ([]int64, map[int64]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tbl, ok := c.linked[fieldName]
	if !ok {
		return nil, nil, errs.NotFound(fieldName, fmt.Errorf("cache: field %q has no normalized table", fieldName))
	}
	if err := tbl.ResolveLink(c.store); err != nil {
		return nil, nil, err
	}
	linkTable, _, itemCol := tbl.LinkTableName()
	itemTable := tbl.ItemTable()
	valueCol := table.ValueColumn(itemTable)

	var affected []int64
	finalIDs := map[int64]int64{}

	itemIDs := make([]int64, 0, len(renames))
	for id := range renames {
		itemIDs = append(itemIDs, id)
	}
	sort.Slice(itemIDs, func(i, j int) bool { return itemIDs[i] < itemIDs[j] })

	for _, id := range itemIDs {
		newName := strings.TrimSpace(renames[id])
		if newName == "" {
			return nil, nil, errs.Input(fieldName, fmt.Errorf("cache: empty rename for item %d", id))
		}
		oldName, ok := tbl.ItemName(id)
		if !ok {
			return nil, nil, errs.NotFound(fieldName, fmt.Errorf("cache: item %d not in %s", id, fieldName))
		}
		existing, exists := tbl.ItemID(newName)

		if exists && existing != id {
			// Merge into the existing item.
			if err := c.mergeItemsLocked(ctx, tbl, linkTable, itemCol, itemTable, existing, id, restrictToBookIDs); err != nil {
				return nil, nil, err
			}
			if !textutil.NoCaseEqual(oldName, newName) || newNameDiffers(tbl, existing, newName) {
				err := c.store.UpdateRow(itemTable, mustIDColumn(c.store, itemTable), map[string]any{mustIDColumn(c.store, itemTable): existing, valueCol: newName})
				if err != nil {
					return nil, nil, err
				}
				tbl.InternalUpdateCache(table.Delta{IDMapUpdate: map[int64]string{existing: newName}})
			}
			for book := range tbl.BooksFor(existing) {
				affected = append(affected, book)
			}
			finalIDs[id] = existing
			continue
		}

		// Plain rename (possibly case-only).
		idCol := mustIDColumn(c.store, itemTable)
		update := map[string]any{idCol: id, valueCol: newName}
		if fieldName == "authors" {
			update["sort"] = textutil.AuthorSort(newName, textutil.SortComma)
		}
		if err := c.store.UpdateRow(itemTable, idCol, update); err != nil {
			return nil, nil, err
		}
		tbl.InternalUpdateCache(table.Delta{IDMapUpdate: map[int64]string{id: newName}})
		if fieldName == "authors" {
			c.authors.SetSort(id, textutil.AuthorSort(newName, textutil.SortComma))
		}
		for book := range tbl.BooksFor(id) {
			affected = append(affected, book)
		}
		finalIDs[id] = id
	}

	affected = dedupeIDs(affected)
	c.touchLocked(fieldName, affected)
	return affected, finalIDs, nil
}

func newNameDiffers(tbl *table.Linked, id int64, name string) bool {
	cur, _ := tbl.ItemName(id)
	return cur != name
}

func mustIDColumn(s interface{ IDColumn(string) (string, error) }, tbl string) string {
	col, err := s.IDColumn(tbl)
	if err != nil {
		return "id"
	}
	return col
}

// mergeItemsLocked repoints every link row from idMerge onto idKeep and
// deletes the merged item row (P7 merge semantics, minus the maintainer's
// smart-merge of auxiliary columns, which only applies to timestamped
// duplicates).
func (c *Cache) mergeItemsLocked(ctx context.Context, tbl *table.Linked, linkTable, itemCol, itemTable string, idKeep, idMerge int64, restrictToBookIDs map[int64]bool) error {
	linkIDCol := mustIDColumn(c.store, linkTable)

	books := tbl.BooksFor(idMerge)
	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		for book := range books {
			if restrictToBookIDs != nil && !restrictToBookIDs[book] {
				continue
			}
			meta, ok := tbl.MetaFor(book, idMerge)
			if !ok || meta.RowID == 0 {
				continue
			}
			hasKeep := false
			for _, id := range tbl.IDsForBook(book) {
				if id == idKeep {
					hasKeep = true
					break
				}
			}
			if hasKeep {
				if err := tx.DeleteByID(ctx, linkTable, []int64{meta.RowID}); err != nil {
					return err
				}
				continue
			}
			err := tx.UpdateRow(linkTable, linkIDCol, map[string]any{linkIDCol: meta.RowID, itemCol: idKeep})
			if err != nil {
				return err
			}
		}
		if restrictToBookIDs == nil {
			return tx.DeleteByID(ctx, itemTable, []int64{idMerge})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if restrictToBookIDs == nil {
		tbl.Merge(idKeep, idMerge, false)
	} else {
		tbl.RemoveItems([]int64{idMerge}, restrictToBookIDs)
	}
	return nil
}

// RemoveItems breaks item links (optionally only from some books) and
// deletes fully unlinked items.
func (c *Cache) RemoveItems(ctx context.Context, fieldName string, itemIDs []int64, restrictToBookIDs map[int64]bool) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tbl, ok := c.linked[fieldName]
	if !ok {
		return nil, errs.NotFound(fieldName, fmt.Errorf("cache: field %q has no normalized table", fieldName))
	}
	if err := tbl.ResolveLink(c.store); err != nil {
		return nil, err
	}
	linkTable, _, _ := tbl.LinkTableName()
	itemTable := tbl.ItemTable()

	var affected []int64
	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		for _, item := range itemIDs {
			fullyUnlinked := true
			for book := range tbl.BooksFor(item) {
				if restrictToBookIDs != nil && !restrictToBookIDs[book] {
					fullyUnlinked = false
					continue
				}
				if meta, ok := tbl.MetaFor(book, item); ok && meta.RowID != 0 {
					if err := tx.DeleteByID(ctx, linkTable, []int64{meta.RowID}); err != nil {
						return err
					}
				}
				affected = append(affected, book)
			}
			if fullyUnlinked && linkTable != itemTable {
				if err := tx.DeleteByID(ctx, itemTable, []int64{item}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tbl.RemoveItems(itemIDs, restrictToBookIDs)
	affected = dedupeIDs(affected)
	c.touchLocked(fieldName, affected)
	return affected, nil
}

// SetSortForAuthors rewrites creator sort strings and refreshes the
// denormalized author_sort of every affected book.
func (c *Cache) SetSortForAuthors(ctx context.Context, sorts map[int64]string) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var affected []int64
	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		for id, s := range sorts {
			if err := tx.UpdateRow("authors", "id", map[string]any{"id": id, "sort": s}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for id, s := range sorts {
		c.authors.SetSort(id, s)
		for book := range c.authors.BooksFor(id) {
			affected = append(affected, book)
		}
	}
	affected = dedupeIDs(affected)
	for _, book := range affected {
		if err := c.refreshAuthorSortLocked(ctx, book); err != nil {
			return nil, err
		}
	}
	c.touchLocked("authors", affected)
	return affected, nil
}

// SetLinkForAuthors rewrites creator external links.
func (c *Cache) SetLinkForAuthors(ctx context.Context, links map[int64]string) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		for id, l := range links {
			if err := tx.UpdateRow("authors", "id", map[string]any{"id": id, "link": l}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var affected []int64
	for id, l := range links {
		c.authors.SetLink(id, l)
		for book := range c.authors.BooksFor(id) {
			affected = append(affected, book)
		}
	}
	affected = dedupeIDs(affected)
	c.touchLocked("authors", affected)
	return affected, nil
}

// UpdatePath re-materializes a book's folder through the FSM and records
// the final path (§6.1: the Store's path column is the system of record).
func (c *Cache) UpdatePath(ctx context.Context, bookID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	titleV, ok := c.titles["title"].ForBook(bookID)
	if !ok {
		return errs.NotFound("path", fmt.Errorf("cache: book %d not in cache", bookID))
	}
	title, _ := titleV.(string)
	authorName := "Unknown"
	if ids := c.authors.IDsForBook(bookID); len(ids) > 0 {
		if n, ok := c.authors.ItemName(ids[0]); ok {
			authorName = n
		}
	}
	want := fmt.Sprintf("%s/%s (%d)", sanitizePathComponent(authorName), sanitizePathComponent(title), bookID)

	final := want
	if c.files != nil {
		var err error
		final, err = c.files.UpdatePath(ctx, fsm.BookLocation{BookID: bookID, Path: want})
		if err != nil {
			return errs.Format("path", fmt.Errorf("cache: update path for book %d: %w", bookID, err))
		}
	}
	// path is refused by the generic dispatch (§4.6); this is its one
	// sanctioned mutation.
	err := c.store.InTransaction(ctx, func(tx store.TxStore) error {
		return tx.UpdateRow("books", "id", map[string]any{"id": bookID, "path": final})
	})
	if err != nil {
		return err
	}
	c.titles["path"].InternalUpdateCache(bookID, final)
	c.touchLocked("path", []int64{bookID})
	return nil
}

func sanitizePathComponent(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		default:
			return r
		}
	}, s)
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return s
}

// LookupByUUID resolves a book id from its uuid.
func (c *Cache) LookupByUUID(uuid string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.uuidMap[uuid]
	return id, ok
}

// UpdateLastModified stamps last_modified=now on the given books.
func (c *Cache) UpdateLastModified(ctx context.Context, bookIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLastModifiedLocked(ctx, bookIDs)
}

func (c *Cache) updateLastModifiedLocked(ctx context.Context, bookIDs []int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	vals := make(map[int64]any, len(bookIDs))
	for _, id := range bookIDs {
		vals[id] = now
	}
	_, err := c.setFieldLocked(ctx, "last_modified", vals, true)
	return err
}

// NextSeriesIndex computes the index a new link to the named series
// should get: floor(max)+1 over the series' existing links, or 1.0 for
// an unused series.
func (c *Cache) NextSeriesIndex(seriesName string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tbl := c.linked["series"]
	id, ok := tbl.ItemID(seriesName)
	if !ok {
		return 1.0
	}
	max := 0.0
	found := false
	for book := range tbl.BooksFor(id) {
		if v, ok := c.titles["series_index"].ForBook(book); ok {
			if f, ok := asFloat(v); ok && (!found || f > max) {
				max, found = f, true
			}
		}
	}
	if !found {
		return 1.0
	}
	return math.Floor(max) + 1
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// applyGuarded commits a writer's cache delta. If the mutation panics
// after the Store has already committed, the cache is flagged stale and
// reloaded from the Store before the write lock is released (§7
// propagation policy).
func (c *Cache) applyGuarded(ctx context.Context, res *writer.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.staleOnce = true
			err = errs.Store(fmt.Errorf("cache: mutation failed after commit: %v", r))
			if rerr := c.reloadLocked(ctx, true); rerr != nil {
				telemetry.Log(ctx).Error("cache reload after failed mutation", "err", rerr)
			}
		}
	}()
	res.Apply()
	return nil
}
