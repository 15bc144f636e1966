package cache

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// FieldFor returns a book's value for a field with multiplicity-aware
// defaults.
func (c *Cache) FieldFor(name string, bookID int64, deflt any) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.fieldFor(name)
	if err != nil {
		return nil, err
	}
	c.metrics.OpInc(name, "read")
	return f.ForBook(bookID, deflt), nil
}

// FastFieldFor is FieldFor without the metrics bump or error wrapping,
// for tight loops that already validated the field name.
func (c *Cache) FastFieldFor(name string, bookID int64, deflt any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.fields[name]
	if !ok {
		return deflt
	}
	return f.ForBook(bookID, deflt)
}

// AllFieldFor returns every book's value for a field in one pass under a
// single read-lock acquisition.
func (c *Cache) AllFieldFor(name string, bookIDs []int64, deflt any) (map[int64]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.fieldFor(name)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]any, len(bookIDs))
	for _, id := range bookIDs {
		out[id] = f.ForBook(id, deflt)
	}
	return out, nil
}

// CompositeFor renders a composite field's value for a book, evaluating
// and caching it when absent or invalidated (I5).
func (c *Cache) CompositeFor(ctx context.Context, name string, bookID int64) (string, error) {
	c.mu.RLock()
	comp, ok := c.composites[name]
	c.mu.RUnlock()
	if !ok {
		return "", errs.NotFound(name, fmt.Errorf("cache: unknown composite %q", name))
	}
	if v, ok := comp.Get(bookID); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(fmt.Sprintf("composite:%s:%d", name, bookID), func() (any, error) {
		rendered := c.renderComposite(name, bookID)
		comp.Set(bookID, rendered)
		return rendered, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// renderComposite joins the referenced fields' display values. A full
// template engine lives with the formatter collaborator; the core's
// builtin composites only need field joins.
func (c *Cache) renderComposite(name string, bookID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp := c.composites[name]
	var parts []string
	for _, fname := range comp.ReferencedFields() {
		f, ok := c.fields[fname]
		if !ok {
			continue
		}
		switch v := f.ForBook(bookID, nil).(type) {
		case nil:
		case string:
			if v != "" {
				parts = append(parts, v)
			}
		case []string:
			parts = append(parts, v...)
		case map[string]string:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, k+":"+v[k])
			}
		default:
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	var sb bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			sb.WriteString(" :: ")
		}
		sb.WriteString(p)
	}
	return sb.String()
}

// FieldIDsFor returns the ordered item ids linked to a book.
func (c *Cache) FieldIDsFor(name string, bookID int64) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.fieldFor(name)
	if err != nil {
		return nil, err
	}
	return f.IdsForBook(bookID), nil
}

// BooksForField returns the set of books linked to an item.
func (c *Cache) BooksForField(name string, itemID int64) (map[int64]bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.fieldFor(name)
	if err != nil {
		return nil, err
	}
	return f.BooksFor(itemID), nil
}

// AllBookIDs returns every book id known to the cache, sorted.
func (c *Cache) AllBookIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allBookIDsLocked()
}

func (c *Cache) allBookIDsLocked() []int64 {
	ids := c.titles["title"].AllBookIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllFieldIDs returns every item id of a normalized field.
func (c *Cache) AllFieldIDs(name string) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.fieldFor(name)
	if err != nil {
		return nil, err
	}
	return f.AllItemIDs(), nil
}

// AllFieldNames returns every display value of a normalized field.
func (c *Cache) AllFieldNames(name string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.linked[name]
	if !ok {
		return nil, errs.NotFound(name, fmt.Errorf("cache: field %q has no normalized table", name))
	}
	idMap := tbl.IDMap()
	out := make([]string, 0, len(idMap))
	for _, v := range idMap {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(textutil.SortKey(out[i]), textutil.SortKey(out[j])) < 0
	})
	return out, nil
}

// GetIDMap returns a snapshot of item id -> display value for a field.
func (c *Cache) GetIDMap(name string) (map[int64]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.linked[name]
	if !ok {
		return nil, errs.NotFound(name, fmt.Errorf("cache: field %q has no normalized table", name))
	}
	return tbl.IDMap(), nil
}

// GetItemName resolves an item's display value (I6 reverse lookup).
func (c *Cache) GetItemName(name string, itemID int64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.linked[name]
	if !ok {
		return "", errs.NotFound(name, fmt.Errorf("cache: field %q has no normalized table", name))
	}
	v, ok := tbl.ItemName(itemID)
	if !ok {
		return "", errs.NotFound(name, fmt.Errorf("cache: item %d not in %s", itemID, name))
	}
	return v, nil
}

// GetItemID resolves an item id by value, case-insensitively (I6).
func (c *Cache) GetItemID(name, value string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.linked[name]
	if !ok {
		return 0, false
	}
	return tbl.ItemID(value)
}

// GetItemIDs resolves several values at once; missing values map to -1.
func (c *Cache) GetItemIDs(name string, values []string) map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(values))
	tbl, ok := c.linked[name]
	for _, v := range values {
		out[v] = -1
		if ok {
			if id, found := tbl.ItemID(v); found {
				out[v] = id
			}
		}
	}
	return out
}

// GetUsageCountByID returns how many books reference each item of a
// field.
func (c *Cache) GetUsageCountByID(name string) (map[int64]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.fieldFor(name)
	if err != nil {
		return nil, err
	}
	out := map[int64]int{}
	for _, id := range f.AllItemIDs() {
		out[id] = f.UsageCount(id)
	}
	return out, nil
}

// AuthorData returns (name, sort, link) for creator ids; all creators
// when ids is nil.
func (c *Cache) AuthorData(ids []int64) map[int64][3]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ids == nil {
		ids = c.authors.AllItemIDs()
	}
	out := make(map[int64][3]string, len(ids))
	for _, id := range ids {
		if name, sortStr, link, ok := c.authors.AuthorData(id); ok {
			out[id] = [3]string{name, sortStr, link}
		}
	}
	return out
}

// HasIdentifier reports whether a non-empty identifier of the given type
// is linked to the book (I7).
func (c *Cache) HasIdentifier(bookID int64, typ string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identifiers.HasIdentifier(bookID, typ)
}

// FieldMapPosition returns the stable integer position assigned to a
// field (§4.7 step 6), or -1 for an unknown field.
func (c *Cache) FieldMapPosition(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pos, ok := c.fieldMap[name]; ok {
		return pos
	}
	return -1
}
