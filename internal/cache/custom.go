package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/field"
	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/writer"
)

// compositeRefs extracts the field names a composite template reads from
// its display config ("composite_fields" list, or none).
func compositeRefs(display fieldmeta.Display) []string {
	raw, ok := display["composite_fields"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return nil
	}
}

// loadCustomColumnsLocked reads declared custom columns from the Store's
// registry table, drops the ones marked for deletion (including their
// backing tables), and registers the rest (§4.7 init steps 2+4).
func (c *Cache) loadCustomColumnsLocked(ctx context.Context) error {
	rows, err := c.store.AllRows(ctx, "custom_columns", "id", false)
	if err != nil {
		return err
	}
	for _, r := range rows {
		label, _ := r["label"].(string)
		datatype, _ := r["datatype"].(string)
		isMultiple := truthy(r["is_multiple"])
		marked := truthy(r["mark_for_delete"])
		num, _ := asFloat(r["id"])

		if marked {
			if err := c.dropCustomColumnStorageLocked(ctx, int(num), label); err != nil {
				return err
			}
			continue
		}

		var display fieldmeta.Display
		if raw, ok := r["display"].(string); ok && raw != "" {
			_ = sonic.UnmarshalString(raw, &display)
		}
		if _, err := c.reg.RegisterCustomColumnNum(label, fieldmeta.Datatype(datatype), isMultiple, display, int(num)); err != nil {
			return errs.Input(label, err)
		}
	}
	return nil
}

func truthy(v any) bool {
	switch n := v.(type) {
	case int64:
		return n != 0
	case bool:
		return n
	case float64:
		return n != 0
	default:
		return false
	}
}

func (c *Cache) dropCustomColumnStorageLocked(ctx context.Context, num int, label string) error {
	script := fmt.Sprintf(`
DROP TABLE IF EXISTS %q;
DROP TABLE IF EXISTS %q;
DELETE FROM custom_columns WHERE label = '%s';
`, fmt.Sprintf("books_custom_column_%d_link", num), fmt.Sprintf("custom_column_%d", num),
		strings.ReplaceAll(label, "'", "''"))
	return c.store.ExecuteScript(ctx, script)
}

// CreateCustomColumn injects a user-defined field at runtime: it creates
// the custom value table and its link table (the link table carries a
// series_index column for series-like columns; composite columns get
// neither table), records the declaration, and wires the field, table,
// and writer (§3.1 Custom Column).
func (c *Cache) CreateCustomColumn(ctx context.Context, label string, datatype fieldmeta.Datatype, isMultiple bool, display fieldmeta.Display) (*fieldmeta.FieldMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	label = strings.TrimSpace(strings.TrimPrefix(label, "#"))
	if label == "" || strings.ContainsAny(label, " \t/#") {
		return nil, errs.Input(label, fmt.Errorf("cache: invalid custom column label %q", label))
	}

	// The registry row's id doubles as the column number so the backing
	// table names survive restarts.
	displayJSON, _ := sonic.MarshalString(display)
	normalized := datatype != fieldmeta.Composite
	num, err := c.store.InsertRow("custom_columns", map[string]any{
		"label": label, "name": label, "datatype": string(datatype),
		"is_multiple": boolInt(isMultiple), "normalized": boolInt(normalized),
		"display": displayJSON,
	})
	if err != nil {
		return nil, err
	}

	fm, err := c.reg.RegisterCustomColumnNum(label, datatype, isMultiple, display, int(num))
	if err != nil {
		_ = c.store.DeleteByID(ctx, "custom_columns", []int64{num})
		return nil, errs.Input(label, err)
	}

	if datatype != fieldmeta.Composite {
		indexCol := ""
		if datatype == fieldmeta.Series {
			indexCol = ",\n    series_index REAL NOT NULL DEFAULT 1.0"
		}
		script := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
    id        INTEGER PRIMARY KEY,
    value     TEXT NOT NULL COLLATE nocase_icu,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(value)
);
CREATE TABLE IF NOT EXISTS %q (
    id        INTEGER PRIMARY KEY,
    book      INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    value     INTEGER NOT NULL REFERENCES %q(id),
    priority  INTEGER NOT NULL DEFAULT 0%s,
    datestamp TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(book, value)
);
`, fm.Table, linkTableName(fm), fm.Table, indexCol)
		if err := c.store.ExecuteScript(ctx, script); err != nil {
			_ = c.reg.DeleteCustomColumn(label)
			return nil, err
		}
	}

	if err := c.wireCustomColumnLocked(fm); err != nil {
		return nil, err
	}
	c.lastMod = c.lastMod.UTC()
	return fm, nil
}

func linkTableName(fm *fieldmeta.FieldMeta) string {
	if fm.LinkTable != "" {
		return fm.LinkTable
	}
	return fmt.Sprintf("books_custom_column_%d_link", fm.CustomNum)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (c *Cache) wireCustomColumnLocked(fm *fieldmeta.FieldMeta) error {
	if fm.Datatype == fieldmeta.Composite {
		comp := table.NewComposite(fm.Name, compositeRefs(fm.Display)...)
		c.composites[fm.Name] = comp
		f, err := field.New(fm, comp)
		if err != nil {
			return err
		}
		c.fields[fm.Name] = f
		w, err := writer.For(fm, comp, writer.Deps{})
		if err != nil {
			return err
		}
		c.writers[fm.Name] = w
		return nil
	}

	shape := table.ShapePlain
	max := 1
	if fm.IsMultiple {
		max = 0
	}
	if fm.Datatype == fieldmeta.Series {
		shape, max = table.ShapePriority, 1
	}
	tbl := table.NewLinked(fm.Name, "books", fm.Table, linkTableName(fm), shape, max, fm.ClearUnused, false)
	c.linked[fm.Name] = tbl

	f, err := field.New(fm, tbl)
	if err != nil {
		return err
	}
	c.fields[fm.Name] = f

	deps := writer.Deps{Sort: c.titles["sort"], SeriesIndex: c.titles["series_index"]}
	w, err := writer.For(fm, tbl, deps)
	if err != nil {
		return err
	}
	c.writers[fm.Name] = w

	pos := len(c.fieldMap)
	c.fieldMap[fm.Name] = pos
	if fm.Datatype == fieldmeta.Series {
		c.fields[fm.Name].BindIndex(fm.Name + "_index")
		c.fieldMap[fm.Name+"_index"] = pos + 1
		idxMeta := &fieldmeta.FieldMeta{
			Name: fm.Name + "_index", Datatype: fieldmeta.Float,
			IsCustom: true, CustomNum: fm.CustomNum,
		}
		iw, err := writer.For(idxMeta, tbl, deps)
		if err != nil {
			return err
		}
		c.writers[idxMeta.Name] = iw
	}
	return nil
}

// SetCustomColumnMetadata updates a custom column's display config.
func (c *Cache) SetCustomColumnMetadata(ctx context.Context, label string, display fieldmeta.Display) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := "#" + strings.TrimPrefix(label, "#")
	fm, ok := c.reg.Get(name)
	if !ok || !fm.IsCustom {
		return errs.NotFound(name, fmt.Errorf("cache: no custom column %q", label))
	}
	displayJSON, err := sonic.MarshalString(display)
	if err != nil {
		return errs.Input(name, err)
	}
	_, err = c.store.Execute(ctx, `UPDATE custom_columns SET display = ? WHERE label = ?`, displayJSON, strings.TrimPrefix(label, "#"))
	if err != nil {
		return err
	}
	fm.Display = display
	return nil
}

// DeleteCustomColumn marks a custom column for deletion; its backing
// tables are dropped on the next Init (§4.7 step 4), matching the
// restart-bound lifecycle of schema changes.
func (c *Cache) DeleteCustomColumn(ctx context.Context, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := "#" + strings.TrimPrefix(label, "#")
	fm, ok := c.reg.Get(name)
	if !ok || !fm.IsCustom {
		return errs.NotFound(name, fmt.Errorf("cache: no custom column %q", label))
	}
	_, err := c.store.Execute(ctx, `UPDATE custom_columns SET mark_for_delete = 1 WHERE label = ?`, strings.TrimPrefix(label, "#"))
	if err != nil {
		return err
	}
	delete(c.fields, fm.Name)
	delete(c.writers, fm.Name)
	delete(c.writers, fm.Name+"_index")
	delete(c.linked, fm.Name)
	delete(c.composites, fm.Name)
	return c.reg.DeleteCustomColumn(strings.TrimPrefix(label, "#"))
}
