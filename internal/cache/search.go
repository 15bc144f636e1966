package cache

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// SortSpec names one multisort key.
type SortSpec struct {
	Field string
	Desc  bool
}

// Multisort orders book ids by the given field keys in sequence; series
// fields contribute their index as a secondary subkey (§4.5).
func (c *Cache) Multisort(specs []SortSpec, bookIDs []int64) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if bookIDs == nil {
		bookIDs = c.allBookIDsLocked()
	}
	type keyed struct {
		id   int64
		keys [][]any
	}
	rows := make([]keyed, len(bookIDs))

	for _, spec := range specs {
		if _, err := c.fieldFor(spec.Field); err != nil {
			return nil, err
		}
	}
	keyFns := make([]func(int64) []any, len(specs))
	for i, spec := range specs {
		f := c.fields[spec.Field]
		getIndex := func(bookID int64) (float64, bool) {
			if f.Meta != nil && f.Meta.IsCustom {
				// Custom series indexes live on the link row.
				tbl, ok := c.linked[f.Meta.Name]
				if !ok {
					return 0, false
				}
				items := tbl.IDsForBook(bookID)
				if len(items) == 0 {
					return 0, false
				}
				m, ok := tbl.MetaFor(bookID, items[0])
				return m.Index, ok && m.HasIndex
			}
			t, ok := c.titles["series_index"]
			if !ok {
				return 0, false
			}
			v, ok := t.ForBook(bookID)
			if !ok {
				return 0, false
			}
			n, ok := asFloat(v)
			return n, ok
		}
		keyFns[i] = f.SortKeysForBooks(getIndex, nil)
	}

	for i, id := range bookIDs {
		keys := make([][]any, len(specs))
		for j, fn := range keyFns {
			keys[j] = fn(id)
		}
		rows[i] = keyed{id: id, keys: keys}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for k, spec := range specs {
			cmp := compareKeys(rows[i].keys[k], rows[j].keys[k])
			if cmp == 0 {
				continue
			}
			if spec.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return rows[i].id < rows[j].id
	})

	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out, nil
}

func compareKeys(a, b []any) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if cmp := compareOne(a[i], b[i]); cmp != 0 {
			return cmp
		}
	}
	return len(a) - len(b)
}

func compareOne(a, b any) int {
	switch av := a.(type) {
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv)
		}
	case float64:
		if bv, ok := asFloat(b); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case int:
		if bv, ok := b.(int); ok {
			return av - bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// Search evaluates a query against the library, scoped to restriction
// and bookIDs when given. With an external evaluator installed it
// delegates; otherwise a built-in matcher handles "field:value" and bare
// substring terms by walking each book's metadata tree.
func (c *Cache) Search(ctx context.Context, query, restriction string, bookIDs map[int64]bool) (map[int64]bool, error) {
	c.mu.RLock()
	searcher := c.searcher
	c.mu.RUnlock()
	if searcher != nil {
		return searcher.Search(ctx, query, restriction, bookIDs)
	}

	scope := bookIDs
	if restriction != "" {
		restricted, err := c.fallbackSearch(ctx, restriction, scope)
		if err != nil {
			return nil, err
		}
		scope = restricted
	}
	return c.fallbackSearch(ctx, query, scope)
}

// fallbackSearch matches one term. "field:value" terms are resolved as a
// jsonpath over the book's serialized metadata, so nested values
// (identifiers.isbn) match the same way flat ones do.
func (c *Cache) fallbackSearch(ctx context.Context, query string, scope map[int64]bool) (map[int64]bool, error) {
	query = strings.TrimSpace(query)
	out := map[int64]bool{}
	if query == "" {
		for _, id := range c.AllBookIDs() {
			if scope == nil || scope[id] {
				out[id] = true
			}
		}
		return out, nil
	}

	fieldName, value := "", query
	if i := strings.IndexByte(query, ':'); i > 0 {
		fieldName, value = query[:i], query[i+1:]
	}
	folded := textutil.ICULower(value)

	var path jp.Expr
	if fieldName != "" {
		var err error
		path, err = jp.ParseString("$." + fieldName)
		if err != nil {
			return nil, errs.Input(fieldName, fmt.Errorf("cache: bad search term %q: %w", query, err))
		}
	}

	for _, id := range c.AllBookIDs() {
		if scope != nil && !scope[id] {
			continue
		}
		payload, err := c.GetMetadataForDump(ctx, id)
		if err != nil {
			continue
		}
		node, err := oj.Parse(payload)
		if err != nil {
			continue
		}
		if fieldName == "" {
			if strings.Contains(textutil.ICULower(string(payload)), folded) {
				out[id] = true
			}
			continue
		}
		for _, got := range path.Get(node) {
			if matchNode(got, folded) {
				out[id] = true
				break
			}
		}
	}
	return out, nil
}

func matchNode(v any, folded string) bool {
	switch n := v.(type) {
	case string:
		return strings.Contains(textutil.ICULower(n), folded)
	case []any:
		for _, e := range n {
			if matchNode(e, folded) {
				return true
			}
		}
		return false
	case map[string]any:
		for _, e := range n {
			if matchNode(e, folded) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(textutil.ICULower(fmt.Sprintf("%v", n)), folded)
	}
}

// BooksInVirtualLibrary resolves a named virtual library (a saved search)
// to its book set, optionally further restricted.
func (c *Cache) BooksInVirtualLibrary(ctx context.Context, vl, restriction string) (map[int64]bool, error) {
	expr := c.prefs.VirtualLibraries()[vl]
	if expr == "" {
		return nil, errs.NotFound("", fmt.Errorf("cache: unknown virtual library %q", vl))
	}
	return c.Search(ctx, expr, restriction, nil)
}

// VirtualLibrariesForBooks reports, for each book, the virtual libraries
// containing it.
func (c *Cache) VirtualLibrariesForBooks(ctx context.Context, bookIDs []int64) (map[int64][]string, error) {
	vls := c.prefs.VirtualLibraries()
	labels := make([]string, 0, len(vls))
	for l := range vls {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	out := make(map[int64][]string, len(bookIDs))
	for _, label := range labels {
		members, err := c.Search(ctx, vls[label], "", nil)
		if err != nil {
			return nil, err
		}
		for _, id := range bookIDs {
			if members[id] {
				out[id] = append(out[id], label)
			}
		}
	}
	return out, nil
}

// UserCategoriesForBooks reports, for each book, the @-prefixed user
// categories that contain one of its items.
func (c *Cache) UserCategoriesForBooks(bookIDs []int64) map[int64][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cats := c.reg.UserCategories()
	labels := make([]string, 0, len(cats))
	for l := range cats {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	out := make(map[int64][]string, len(bookIDs))
	for _, id := range bookIDs {
		values := map[string]bool{}
		for _, tbl := range c.linked {
			for _, itemID := range tbl.IDsForBook(id) {
				if v, ok := tbl.ItemName(itemID); ok {
					values[textutil.ICULower(v)] = true
				}
			}
		}
		for _, label := range labels {
			for _, member := range cats[label] {
				if values[textutil.ICULower(member)] {
					out[id] = append(out[id], label)
					break
				}
			}
		}
	}
	return out
}

// CategoryItem is one tag-browser entry.
type CategoryItem struct {
	ID    int64
	Name  string
	Count int
}

// GetCategories returns the tag-browser contents: every category field's
// items with usage counts, sorted by name (or first letter when
// firstLetterSort groups by initial).
func (c *Cache) GetCategories(bookIDs map[int64]bool, firstLetterSort bool) map[string][]CategoryItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := map[string][]CategoryItem{}
	for _, fm := range c.reg.Categories() {
		tbl, ok := c.linked[fm.Name]
		if !ok {
			continue
		}
		var items []CategoryItem
		for id, name := range tbl.IDMap() {
			count := 0
			for book := range tbl.BooksFor(id) {
				if bookIDs == nil || bookIDs[book] {
					count++
				}
			}
			if count > 0 {
				items = append(items, CategoryItem{ID: id, Name: name, Count: count})
			}
		}
		sort.Slice(items, func(i, j int) bool {
			a, b := items[i].Name, items[j].Name
			if firstLetterSort {
				af, bf := firstLetter(a), firstLetter(b)
				if af != bf {
					return af < bf
				}
			}
			return bytes.Compare(textutil.SortKey(a), textutil.SortKey(b)) < 0
		})
		out[fm.Name] = items
	}
	return out
}

func firstLetter(s string) string {
	for _, r := range textutil.ICULower(s) {
		return string(r)
	}
	return ""
}

// GetBooksForCategory returns the books carrying one category item.
func (c *Cache) GetBooksForCategory(fieldName string, itemID int64) (map[int64]bool, error) {
	return c.BooksForField(fieldName, itemID)
}
