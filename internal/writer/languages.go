package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/table"
)

// Lang is one typed language link: a canonical code plus its role
// ("primary" or "original"/"secondary", §3.1).
type Lang struct {
	Code string
	Type string
}

// LangPrimary is the role at most one language per book may carry (I3).
const LangPrimary = "primary"

// languagesWriter enforces the primary-language discipline over the
// typed languages link table: plain string/list input makes the first
// entry primary and the rest secondary; explicit []Lang input is taken
// as-is and rejected when it names two primaries.
type languagesWriter struct {
	fm  *fieldmeta.FieldMeta
	tbl *table.Linked
}

func (w *languagesWriter) Name() string { return "languages" }

func canonLang(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "", nil
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return "", errs.Input("languages", fmt.Errorf("malformed language code %q", code))
		}
	}
	if len(code) < 2 || len(code) > 3 {
		return "", errs.Input("languages", fmt.Errorf("language code %q is not a 2- or 3-letter code", code))
	}
	return code, nil
}

func (w *languagesWriter) langsFor(bookID int64, raw any) ([]Lang, error) {
	var langs []Lang
	push := func(code, typ string) error {
		c, err := canonLang(code)
		if err != nil {
			return err
		}
		if c != "" {
			langs = append(langs, Lang{Code: c, Type: typ})
		}
		return nil
	}
	switch v := raw.(type) {
	case nil:
	case string:
		for i, part := range strings.Split(v, ",") {
			typ := "secondary"
			if i == 0 {
				typ = LangPrimary
			}
			if err := push(part, typ); err != nil {
				return nil, err
			}
		}
	case []string:
		for i, part := range v {
			typ := "secondary"
			if i == 0 {
				typ = LangPrimary
			}
			if err := push(part, typ); err != nil {
				return nil, err
			}
		}
	case []Lang:
		for _, l := range v {
			typ := l.Type
			if typ == "" {
				typ = "secondary"
			}
			if err := push(l.Code, typ); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errs.Input("languages", fmt.Errorf("book %d: unsupported value type %T", bookID, raw))
	}
	return langs, nil
}

func (w *languagesWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, allowCaseChange bool) (*Result, error) {
	lw := &linkedWriter{tbl: w.tbl, fm: w.fm}
	desired := make(map[int64][]desiredLink, len(vals))
	for book, raw := range vals {
		langs, err := w.langsFor(book, raw)
		if err != nil {
			return nil, err
		}
		primaries := 0
		for _, l := range langs {
			if l.Type == LangPrimary {
				primaries++
			}
		}
		if primaries > 1 {
			return nil, errs.Invariant("languages", fmt.Errorf("book %d: %d primary languages, at most one allowed", book, primaries), book)
		}
		links := make([]desiredLink, len(langs))
		for i, l := range langs {
			links[i] = desiredLink{ref: itemRef{value: l.Code}, typ: l.Type}
		}
		desired[book] = links
	}
	return lw.apply(ctx, tx, desired, allowCaseChange, allocHook{})
}
