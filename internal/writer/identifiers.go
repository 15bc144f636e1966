package writer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// identifiersWriter replaces a book's full identifier set (I7: the cached
// mapping is insertion-ordered per book). Input is either an ordered
// []table.IdentifierEntry or a map[string]string; map input keeps the
// book's existing key order for retained types and appends new types in
// sorted order, since a Go map carries no insertion order of its own.
type identifiersWriter struct {
	tbl *table.Identifiers
}

func (w *identifiersWriter) Name() string { return "identifiers" }

// CleanIdentifierType sanitizes an identifier key: trimmed, lowered, and
// stripped of everything but ascii letters, digits, hyphen, underscore.
func CleanIdentifierType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	var sb strings.Builder
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (w *identifiersWriter) entriesFor(bookID int64, raw any) ([]table.IdentifierEntry, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []table.IdentifierEntry:
		out := make([]table.IdentifierEntry, 0, len(v))
		for _, e := range v {
			e.Type = CleanIdentifierType(e.Type)
			e.Value = strings.TrimSpace(e.Value)
			out = append(out, e)
		}
		return out, nil
	case map[string]string:
		cleaned := make(map[string]string, len(v))
		for k, val := range v {
			cleaned[CleanIdentifierType(k)] = strings.TrimSpace(val)
		}
		var out []table.IdentifierEntry
		seen := map[string]bool{}
		for _, e := range w.tbl.ForBook(bookID) {
			if val, ok := cleaned[e.Type]; ok {
				out = append(out, table.IdentifierEntry{Type: e.Type, Value: val})
				seen[e.Type] = true
			}
		}
		fresh := make([]string, 0, len(cleaned))
		for k := range cleaned {
			if !seen[k] {
				fresh = append(fresh, k)
			}
		}
		sort.Strings(fresh)
		for _, k := range fresh {
			out = append(out, table.IdentifierEntry{Type: k, Value: cleaned[k]})
		}
		return out, nil
	default:
		return nil, errs.Input("identifiers", fmt.Errorf("book %d: unsupported value type %T", bookID, raw))
	}
}

func (w *identifiersWriter) Set(ctx context.Context, tx table.Store, vals map[int64]any, _ bool) (*Result, error) {
	res := &Result{}
	for book, raw := range vals {
		entries, err := w.entriesFor(book, raw)
		if err != nil {
			return nil, err
		}
		// Adapt: drop empty keys/values, normalize ISBNs; a malformed
		// ISBN is a caller error, not silently droppable (§7).
		kept := entries[:0]
		for _, e := range entries {
			if e.Type == "" || e.Value == "" {
				continue
			}
			if e.Type == "isbn" {
				isbn, ok := textutil.NormalizeISBN(e.Value)
				if !ok {
					return nil, errs.Input("identifiers", fmt.Errorf("book %d: invalid isbn %q", book, e.Value), book)
				}
				e.Value = isbn
			}
			kept = append(kept, e)
		}
		entries = kept

		current := w.tbl.ForBook(book)
		if identifiersEqual(current, entries) {
			continue
		}

		// Retain row ids for types that survive; update in place so the
		// Store row keeps its identity, delete the rest, insert the new.
		currentByType := make(map[string]table.IdentifierEntry, len(current))
		for _, e := range current {
			currentByType[e.Type] = e
		}
		nextTypes := map[string]bool{}
		for i, e := range entries {
			nextTypes[e.Type] = true
			if old, ok := currentByType[e.Type]; ok {
				entries[i].RowID = old.RowID
				if old.Value != e.Value {
					err := tx.UpdateRow("identifiers", "id", map[string]any{"id": old.RowID, "val": e.Value})
					if err != nil {
						return nil, err
					}
				}
				continue
			}
			rowID, err := tx.InsertRow("identifiers", map[string]any{"book": book, "type": e.Type, "val": e.Value})
			if err != nil {
				return nil, err
			}
			entries[i].RowID = rowID
		}
		var drop []int64
		for _, e := range current {
			if !nextTypes[e.Type] {
				drop = append(drop, e.RowID)
			}
		}
		if err := tx.DeleteByID(ctx, "identifiers", drop); err != nil {
			return nil, err
		}

		book, entries := book, entries
		res.onCommit(func() { w.tbl.Replace(book, entries) })
		res.Affected = append(res.Affected, book)
	}
	sortIDs(res.Affected)
	return res, nil
}

func identifiersEqual(a, b []table.IdentifierEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}
