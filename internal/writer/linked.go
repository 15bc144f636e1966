package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// itemRef is one requested link target: either an existing item id (an
// int input is always already-an-id) or a display value needing lookup or
// allocation (a string input is looked up first and allocated only when
// no item matches; numeric-looking strings are values, never ids).
type itemRef struct {
	id    int64
	value string
	isID  bool
}

// desiredLink is one resolved link a book should end up with, in order.
type desiredLink struct {
	ref itemRef
	typ string
}

// linkedWriter is the shared engine behind the ManyToOne, ManyToMany,
// OneToMany-via-link, series, languages, and authors writers. Subtypes
// parse input into per-book desiredLink lists and hand off to apply.
type linkedWriter struct {
	fm  *fieldmeta.FieldMeta
	tbl *table.Linked
}

func (w *linkedWriter) Name() string { return w.fm.Name }

// parseRefs turns one book's raw input into ordered itemRefs. split is
// applied to bare strings (nil means the value is taken whole).
func (w *linkedWriter) parseRefs(raw any, split func(string) []string) ([]itemRef, error) {
	single := func(s string) []string {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if split != nil {
			return split(s)
		}
		return []string{s}
	}
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var refs []itemRef
		for _, s := range single(v) {
			refs = append(refs, itemRef{value: s})
		}
		return refs, nil
	case []string:
		var refs []itemRef
		for _, s := range v {
			s = strings.TrimSpace(s)
			if s != "" {
				refs = append(refs, itemRef{value: s})
			}
		}
		return refs, nil
	case int:
		return []itemRef{{id: int64(v), isID: true}}, nil
	case int64:
		return []itemRef{{id: v, isID: true}}, nil
	case []int64:
		refs := make([]itemRef, len(v))
		for i, id := range v {
			refs[i] = itemRef{id: id, isID: true}
		}
		return refs, nil
	case []any:
		var refs []itemRef
		for _, e := range v {
			sub, err := w.parseRefs(e, split)
			if err != nil {
				return nil, err
			}
			refs = append(refs, sub...)
		}
		return refs, nil
	default:
		return nil, errs.Input(w.fm.Name, fmt.Errorf("writer: unsupported value type %T", raw))
	}
}

// allocHook customizes item allocation: extra returns additional columns
// for a freshly inserted item row; caseChange persists a display-case
// rewrite beyond the value column and returns the deferred cache commit.
type allocHook struct {
	extra      func(value string) map[string]any
	caseChange func(tx table.Store, id int64, display string) (func(), error)
}

// apply runs steps 2-6 of the common write protocol for every book in
// desired: preflight item allocation, precheck, Store link mutation by
// shape, deferred cache mutation, and clear_unused item removal.
func (w *linkedWriter) apply(ctx context.Context, tx table.Store, desired map[int64][]desiredLink, allowCaseChange bool, hook allocHook) (*Result, error) {
	if err := w.tbl.ResolveLink(tx); err != nil {
		return nil, err
	}
	linkTable, bookCol, itemCol := w.tbl.LinkTableName()
	itemTable := w.tbl.ItemTable()
	valueCol := table.ValueColumn(itemTable)
	itemIDCol, err := tx.IDColumn(itemTable)
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer %s: item id column: %w", w.fm.Name, err))
	}
	linkIDCol, err := tx.IDColumn(linkTable)
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer %s: link id column: %w", w.fm.Name, err))
	}

	res := &Result{}
	delta := table.Delta{
		BookItemIDs: map[int64][]int64{},
		IDMapUpdate: map[int64]string{},
		LinkMeta:    map[int64]map[int64]table.LinkMeta{},
		NewItems:    map[string]int64{},
	}

	// Preflight: resolve every distinct value to an item id, allocating
	// missing items and applying display-case changes (§4.6 steps 2+4).
	resolved := map[string]int64{} // folded value -> id
	caseTouched := map[int64]bool{}
	for _, links := range desired {
		for i, l := range links {
			if l.ref.isID {
				if _, ok := w.tbl.ItemName(l.ref.id); !ok {
					return nil, errs.NotFound(w.fm.Name, fmt.Errorf("item %d not in cache", l.ref.id))
				}
				continue
			}
			folded := textutil.ICULower(l.ref.value)
			if id, ok := resolved[folded]; ok {
				links[i].ref.id, links[i].ref.isID = id, true
				continue
			}
			id, ok := w.tbl.ItemID(l.ref.value)
			if ok {
				cur, _ := w.tbl.ItemName(id)
				if cur != l.ref.value && allowCaseChange {
					update := map[string]any{itemIDCol: id, valueCol: l.ref.value}
					if err := tx.UpdateRow(itemTable, itemIDCol, update); err != nil {
						return nil, err
					}
					delta.IDMapUpdate[id] = l.ref.value
					caseTouched[id] = true
					if hook.caseChange != nil {
						commit, err := hook.caseChange(tx, id, l.ref.value)
						if err != nil {
							return nil, err
						}
						if commit != nil {
							res.onCommit(commit)
						}
					}
				}
			} else {
				row := map[string]any{valueCol: l.ref.value}
				if hook.extra != nil {
					for k, v := range hook.extra(l.ref.value) {
						row[k] = v
					}
				}
				id, err = tx.InsertRow(itemTable, row)
				if err != nil {
					return nil, err
				}
				delta.NewItems[l.ref.value] = id
			}
			resolved[folded] = id
			links[i].ref.id, links[i].ref.isID = id, true
		}
	}

	// Precheck before any link-row mutation (§4.6 step 3).
	precheck := make(map[int64][]int64, len(desired))
	for book, links := range desired {
		ids := make([]int64, 0, len(links))
		seen := map[int64]bool{}
		for _, l := range links {
			if !seen[l.ref.id] {
				ids = append(ids, l.ref.id)
				seen[l.ref.id] = true
			}
		}
		precheck[book] = ids
	}
	if err := w.tbl.UpdatePrecheck(precheck); err != nil {
		return nil, err
	}

	// Track usage drift for clear_unused: net = adds - drops per item.
	usageDrift := map[int64]int{}

	hasPriority := w.tbl.Shape() == table.ShapePriority || w.tbl.Shape() == table.ShapeTypedPriority
	hasType := w.tbl.Shape() == table.ShapeTyped || w.tbl.Shape() == table.ShapeTypedPriority

	for book, links := range desired {
		ids := precheck[book]
		typeOf := map[int64]string{}
		for _, l := range links {
			if _, ok := typeOf[l.ref.id]; !ok {
				typeOf[l.ref.id] = l.typ
			}
		}

		current := w.tbl.IDsForBook(book)
		changed := !sameIDs(current, ids)
		if !changed && hasType {
			for _, id := range ids {
				if m, ok := w.tbl.MetaFor(book, id); ok && m.Type != typeOf[id] {
					changed = true
					break
				}
			}
		}
		if !changed {
			// A pure case change still affects every linked book (P3).
			for _, id := range ids {
				if caseTouched[id] {
					res.Affected = append(res.Affected, book)
					break
				}
			}
			continue
		}

		currentSet := map[int64]bool{}
		for _, id := range current {
			currentSet[id] = true
		}
		nextSet := map[int64]bool{}
		for _, id := range ids {
			nextSet[id] = true
		}

		// (a) break obsolete links.
		var dropRows []int64
		for _, id := range current {
			if !nextSet[id] {
				if m, ok := w.tbl.MetaFor(book, id); ok && m.RowID != 0 {
					dropRows = append(dropRows, m.RowID)
				}
				usageDrift[id]--
			}
		}
		if err := tx.DeleteByID(ctx, linkTable, dropRows); err != nil {
			return nil, err
		}

		// (b) repoint preserved links; (c) insert new ones.
		meta := map[int64]table.LinkMeta{}
		for pos, id := range ids {
			if currentSet[id] {
				m, _ := w.tbl.MetaFor(book, id)
				update := map[string]any{linkIDCol: m.RowID}
				dirty := false
				if hasPriority && m.Priority != pos {
					update["priority"] = pos
					m.Priority = pos
					dirty = true
				}
				if hasType && m.Type != typeOf[id] {
					update["type"] = typeOf[id]
					m.Type = typeOf[id]
					dirty = true
				}
				if dirty && m.RowID != 0 {
					if err := tx.UpdateRow(linkTable, linkIDCol, update); err != nil {
						return nil, err
					}
				}
				meta[id] = m
				continue
			}
			row := map[string]any{bookCol: book, itemCol: id}
			m := table.LinkMeta{}
			if hasPriority {
				row["priority"] = pos
				m.Priority = pos
			}
			if hasType {
				row["type"] = typeOf[id]
				m.Type = typeOf[id]
			}
			rowID, err := tx.InsertRow(linkTable, row)
			if err != nil {
				return nil, err
			}
			m.RowID = rowID
			meta[id] = m
			usageDrift[id]++
		}

		delta.BookItemIDs[book] = ids
		delta.LinkMeta[book] = meta
		res.Affected = append(res.Affected, book)
	}

	// (d) remove now-unused items when clear_unused is set.
	if w.fm.ClearUnused {
		var orphans []int64
		for id, drift := range usageDrift {
			if drift >= 0 {
				continue
			}
			if len(w.tbl.BooksFor(id))+drift <= 0 {
				orphans = append(orphans, id)
			}
		}
		if err := tx.DeleteByID(ctx, itemTable, orphans); err != nil {
			return nil, err
		}
		delta.RemovedItems = orphans
	}

	// A display-case change affects every book linked to the item, not
	// just the ones named in this write (P3).
	affected := map[int64]bool{}
	for _, book := range res.Affected {
		affected[book] = true
	}
	for id := range caseTouched {
		for book := range w.tbl.BooksFor(id) {
			affected[book] = true
		}
	}
	for book := range delta.BookItemIDs {
		affected[book] = true
	}
	res.Affected = res.Affected[:0]
	for book := range affected {
		res.Affected = append(res.Affected, book)
	}

	res.onCommit(func() { w.tbl.InternalUpdateCache(delta) })
	sortIDs(res.Affected)
	return res, nil
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// manyToManyWriter is the generic set-semantics writer (tags, subjects,
// genre, ratings, custom multi-valued columns).
type manyToManyWriter struct {
	linkedWriter
}

func (w *manyToManyWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, allowCaseChange bool) (*Result, error) {
	split := func(s string) []string {
		sep := w.fm.Separators.UIToList
		if sep == "" || !w.fm.IsMultiple {
			return []string{s}
		}
		parts := strings.Split(s, sep)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	desired := make(map[int64][]desiredLink, len(vals))
	for book, raw := range vals {
		refs, err := w.parseRefs(raw, split)
		if err != nil {
			return nil, err
		}
		links := make([]desiredLink, len(refs))
		for i, r := range refs {
			links[i] = desiredLink{ref: r}
		}
		desired[book] = links
	}
	return w.apply(ctx, tx, desired, allowCaseChange, allocHook{})
}

// manyToOneWriter handles single-item links (publisher, custom non-multi
// normalized columns).
type manyToOneWriter struct {
	linkedWriter
}

func (w *manyToOneWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, allowCaseChange bool) (*Result, error) {
	desired := make(map[int64][]desiredLink, len(vals))
	for book, raw := range vals {
		refs, err := w.parseRefs(raw, nil)
		if err != nil {
			return nil, err
		}
		if len(refs) > 1 {
			return nil, errs.Input(w.fm.Name, fmt.Errorf("book %d: field %q takes a single value", book, w.fm.Name))
		}
		links := make([]desiredLink, len(refs))
		for i, r := range refs {
			links[i] = desiredLink{ref: r}
		}
		desired[book] = links
	}
	return w.apply(ctx, tx, desired, allowCaseChange, allocHook{})
}

// seriesWriter is manyToOne plus index preservation (§4.6, I9): a series
// change never touches the book's stored series_index, so promotion and
// demotion keep the position; a brand-new link inherits the current index
// (1.0 by default).
type seriesWriter struct {
	linkedWriter
	index *table.OneToOneTitles
}

func (w *seriesWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, allowCaseChange bool) (*Result, error) {
	desired := make(map[int64][]desiredLink, len(vals))
	for book, raw := range vals {
		refs, err := w.parseRefs(raw, nil)
		if err != nil {
			return nil, err
		}
		if len(refs) > 1 {
			return nil, errs.Input(w.fm.Name, fmt.Errorf("book %d: a book links at most one %s", book, w.fm.Name))
		}
		links := make([]desiredLink, len(refs))
		for i, r := range refs {
			links[i] = desiredLink{ref: r}
		}
		desired[book] = links
	}
	return w.apply(ctx, tx, desired, allowCaseChange, allocHook{})
}

// oneToManyWriter replaces a book's dependent rows wholesale (comments):
// the item table carries the book id directly, so old rows are deleted
// and new ones inserted rather than repointing link rows.
type oneToManyWriter struct {
	fm  *fieldmeta.FieldMeta
	tbl *table.Linked
}

func (w *oneToManyWriter) Name() string { return w.fm.Name }

func (w *oneToManyWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	if err := w.tbl.ResolveLink(tx); err != nil {
		return nil, err
	}
	itemTable := w.tbl.ItemTable()
	valueCol := table.ValueColumn(itemTable)

	res := &Result{}
	delta := table.Delta{
		BookItemIDs: map[int64][]int64{},
		NewItems:    map[string]int64{},
	}
	for book, raw := range vals {
		var texts []string
		switch v := raw.(type) {
		case nil:
		case string:
			if s := strings.TrimSpace(v); s != "" {
				texts = append(texts, textutil.SanitizeRichText(s))
			}
		case []string:
			for _, s := range v {
				if s = strings.TrimSpace(s); s != "" {
					texts = append(texts, textutil.SanitizeRichText(s))
				}
			}
		default:
			return nil, errs.Input(w.fm.Name, fmt.Errorf("book %d: unsupported value type %T", book, raw))
		}

		current := w.tbl.IDsForBook(book)
		if sameValues(w.tbl, current, texts) {
			continue
		}

		if err := tx.DeleteByID(ctx, itemTable, current); err != nil {
			return nil, err
		}
		delta.RemovedItems = append(delta.RemovedItems, current...)

		ids := make([]int64, len(texts))
		for i, text := range texts {
			id, err := tx.InsertRow(itemTable, map[string]any{"book": book, valueCol: text})
			if err != nil {
				return nil, err
			}
			ids[i] = id
			delta.NewItems[text] = id
		}
		delta.BookItemIDs[book] = ids
		res.Affected = append(res.Affected, book)
	}

	res.onCommit(func() { w.tbl.InternalUpdateCache(delta) })
	sortIDs(res.Affected)
	return res, nil
}

func sameValues(tbl *table.Linked, ids []int64, texts []string) bool {
	if len(ids) != len(texts) {
		return false
	}
	for i, id := range ids {
		v, ok := tbl.ItemName(id)
		if !ok || v != texts[i] {
			return false
		}
	}
	return true
}

// authorsWriter layers creator allocation on the linked engine: input
// strings are split with the configured author regex, title-cased, and
// new creators get a surname-first sort string; a display-case change
// rewrites the stored sort too.
type authorsWriter struct {
	linkedWriter
	authors *table.Authors
}

func (w *authorsWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, allowCaseChange bool) (*Result, error) {
	desired := make(map[int64][]desiredLink, len(vals))
	for book, raw := range vals {
		refs, err := w.parseRefs(raw, textutil.SplitAuthors)
		if err != nil {
			return nil, err
		}
		links := make([]desiredLink, len(refs))
		for i, r := range refs {
			links[i] = desiredLink{ref: r, typ: "authors"}
		}
		desired[book] = links
	}

	hook := allocHook{
		extra: func(value string) map[string]any {
			return map[string]any{"sort": textutil.AuthorSort(value, textutil.SortComma)}
		},
		caseChange: func(tx table.Store, id int64, display string) (func(), error) {
			sortStr := textutil.AuthorSort(display, textutil.SortComma)
			err := tx.UpdateRow("authors", "id", map[string]any{"id": id, "sort": sortStr})
			if err != nil {
				return nil, err
			}
			return func() { w.authors.SetSort(id, sortStr) }, nil
		},
	}
	res, err := w.apply(ctx, tx, desired, allowCaseChange, hook)
	if err != nil {
		return nil, err
	}
	// Freshly allocated creators also need their sort cached.
	res.onCommit(func() {
		for _, links := range desired {
			for _, l := range links {
				if _, ok := w.authors.SortFor(l.ref.id); !ok {
					name, _ := w.authors.ItemName(l.ref.id)
					if name != "" {
						w.authors.SetSort(l.ref.id, textutil.AuthorSort(name, textutil.SortComma))
					}
				}
			}
		}
	})
	return res, nil
}
