package writer

import (
	"context"
	"fmt"
	"sort"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// oneToOneWriter handles scalar fields stored directly on the titles row
// (author_sort, pubdate, timestamp, series_index, notes, ...).
type oneToOneWriter struct {
	name       string
	column     string
	booksTable string
	tbl        *table.OneToOneTitles
	adapt      func(any) (any, error)
}

func (w *oneToOneWriter) Name() string { return w.name }

func (w *oneToOneWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	idCol, err := tx.IDColumn(w.booksTable)
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer %s: id column: %w", w.name, err))
	}

	type pending struct {
		book int64
		val  any
	}
	var commits []pending
	for book, raw := range vals {
		v, err := w.adapt(raw)
		if err != nil {
			return nil, errs.Input(w.name, fmt.Errorf("book %d: %w", book, unwrapOrSelf(err)))
		}
		if cur, ok := w.tbl.ForBook(book); !ok {
			return nil, errs.NotFound(w.name, fmt.Errorf("book %d not in cache", book))
		} else if scalarEqual(cur, v) {
			continue
		}
		commits = append(commits, pending{book: book, val: v})
	}

	res := &Result{}
	for _, p := range commits {
		if err := tx.UpdateRow(w.booksTable, idCol, map[string]any{idCol: p.book, w.column: p.val}); err != nil {
			return nil, err
		}
		p := p
		res.onCommit(func() { w.tbl.InternalUpdateCache(p.book, p.val) })
		res.Affected = append(res.Affected, p.book)
	}
	sortIDs(res.Affected)
	return res, nil
}

// titleWriter writes the title and recomputes the derived sort column in
// the same transaction (§4.6: a title write also rewrites sort).
type titleWriter struct {
	tbl  *table.OneToOneTitles
	sort *table.OneToOneTitles
}

func (w *titleWriter) Name() string { return "title" }

func (w *titleWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	idCol, err := tx.IDColumn("books")
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer title: id column: %w", err))
	}

	type pending struct {
		book        int64
		title, sort string
	}
	var commits []pending
	for book, raw := range vals {
		v, err := adaptText(raw)
		if err != nil {
			return nil, err
		}
		title := v.(string)
		if title == "" {
			return nil, errs.Input("title", fmt.Errorf("book %d: empty title", book))
		}
		if cur, ok := w.tbl.ForBook(book); !ok {
			return nil, errs.NotFound("title", fmt.Errorf("book %d not in cache", book))
		} else if scalarEqual(cur, title) {
			continue
		}
		commits = append(commits, pending{book: book, title: title, sort: textutil.TitleSort(title, textutil.OrderArticleToEnd)})
	}

	res := &Result{}
	for _, p := range commits {
		err := tx.UpdateRow("books", idCol, map[string]any{idCol: p.book, "title": p.title, "sort": p.sort})
		if err != nil {
			return nil, err
		}
		p := p
		res.onCommit(func() {
			w.tbl.InternalUpdateCache(p.book, p.title)
			if w.sort != nil {
				w.sort.InternalUpdateCache(p.book, p.sort)
			}
		})
		res.Affected = append(res.Affected, p.book)
	}
	sortIDs(res.Affected)
	return res, nil
}

// uuidWriter writes the uuid column and keeps the controller's reverse
// lookup in step.
type uuidWriter struct {
	tbl      *table.OneToOneTitles
	onChange func(bookID int64, old, next string)
}

func (w *uuidWriter) Name() string { return "uuid" }

func (w *uuidWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	idCol, err := tx.IDColumn("books")
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer uuid: id column: %w", err))
	}

	type pending struct {
		book      int64
		old, next string
	}
	var commits []pending
	for book, raw := range vals {
		v, err := adaptText(raw)
		if err != nil {
			return nil, err
		}
		next := v.(string)
		if next == "" {
			return nil, errs.Input("uuid", fmt.Errorf("book %d: empty uuid", book))
		}
		cur, ok := w.tbl.ForBook(book)
		if !ok {
			return nil, errs.NotFound("uuid", fmt.Errorf("book %d not in cache", book))
		}
		old, _ := cur.(string)
		if old == next {
			continue
		}
		commits = append(commits, pending{book: book, old: old, next: next})
	}

	res := &Result{}
	for _, p := range commits {
		if err := tx.UpdateRow("books", idCol, map[string]any{idCol: p.book, "uuid": p.next}); err != nil {
			return nil, err
		}
		p := p
		res.onCommit(func() {
			w.tbl.InternalUpdateCache(p.book, p.next)
			if w.onChange != nil {
				w.onChange(p.book, p.old, p.next)
			}
		})
		res.Affected = append(res.Affected, p.book)
	}
	sortIDs(res.Affected)
	return res, nil
}

// coversWriter flips the has_cover flag. The cover bytes themselves go
// through the controller's cover lifecycle and the FSM; this writer only
// reconciles the flag column.
type coversWriter struct {
	tbl *table.OneToOneTitles
}

func (w *coversWriter) Name() string { return "cover" }

func (w *coversWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	idCol, err := tx.IDColumn("books")
	if err != nil {
		return nil, errs.Store(fmt.Errorf("writer cover: id column: %w", err))
	}

	type pending struct {
		book int64
		flag int64
	}
	var commits []pending
	for book, raw := range vals {
		v, err := adaptBool(raw)
		if err != nil {
			return nil, errs.Input("cover", unwrapOrSelf(err))
		}
		flag := v.(int64)
		if cur, ok := w.tbl.ForBook(book); !ok {
			return nil, errs.NotFound("cover", fmt.Errorf("book %d not in cache", book))
		} else if scalarEqual(cur, flag) {
			continue
		}
		commits = append(commits, pending{book: book, flag: flag})
	}

	res := &Result{}
	for _, p := range commits {
		if err := tx.UpdateRow("books", idCol, map[string]any{idCol: p.book, "has_cover": p.flag}); err != nil {
			return nil, err
		}
		p := p
		res.onCommit(func() { w.tbl.InternalUpdateCache(p.book, p.flag) })
		res.Affected = append(res.Affected, p.book)
	}
	sortIDs(res.Affected)
	return res, nil
}

func scalarEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if ai, aok := toI64(a); aok {
		if bi, bok := toI64(b); bok {
			return ai == bi
		}
	}
	if af, aok := toF64(a); aok {
		if bf, bok := toF64(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toI64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toF64(v any) (float64, bool) {
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

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func unwrapOrSelf(err error) error {
	if e, ok := err.(*errs.Error); ok && e.Err != nil {
		return e.Err
	}
	return err
}
