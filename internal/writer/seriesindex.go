package writer

import (
	"context"
	"fmt"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/table"
)

// customSeriesIndexWriter updates the per-link numeric index of a custom
// series-like column ("#<name>_index"). The index lives on the link row,
// so the book must already be linked to a series value; the owning
// "#<name>" field's writer creates the link itself.
type customSeriesIndexWriter struct {
	name  string
	owner *table.Linked
}

func (w *customSeriesIndexWriter) Name() string { return w.name }

func (w *customSeriesIndexWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	if err := w.owner.ResolveLink(tx); err != nil {
		return nil, err
	}
	linkTable, _, _ := w.owner.LinkTableName()
	linkIDCol, err := tx.IDColumn(linkTable)
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer %s: link id column: %w", w.name, err))
	}

	res := &Result{}
	delta := table.Delta{LinkMeta: map[int64]map[int64]table.LinkMeta{}}
	for book, raw := range vals {
		v, err := adaptFloat(raw)
		if err != nil {
			return nil, errs.Input(w.name, fmt.Errorf("book %d: %w", book, unwrapOrSelf(err)))
		}
		idx := v.(float64)

		items := w.owner.IDsForBook(book)
		if len(items) == 0 {
			return nil, errs.NotFound(w.name, fmt.Errorf("book %d has no %s link to index", book, w.owner.Name()))
		}
		item := items[0]
		meta, _ := w.owner.MetaFor(book, item)
		if meta.HasIndex && meta.Index == idx {
			continue
		}
		if meta.RowID == 0 {
			return nil, errs.Store(fmt.Errorf("writer %s: book %d link row unknown", w.name, book))
		}
		err = tx.UpdateRow(linkTable, linkIDCol, map[string]any{linkIDCol: meta.RowID, "series_index": idx})
		if err != nil {
			return nil, err
		}
		meta.Index, meta.HasIndex = idx, true
		delta.LinkMeta[book] = map[int64]table.LinkMeta{item: meta}
		res.Affected = append(res.Affected, book)
	}

	res.onCommit(func() { w.owner.InternalUpdateCache(delta) })
	sortIDs(res.Affected)
	return res, nil
}
