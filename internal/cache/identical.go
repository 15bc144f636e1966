package cache

import (
	"context"
	"strings"

	"github.com/shelfcache/shelfcache/internal/textutil"
)

// IdenticalBookData is the per-book signature find_identical_books
// compares: folded title plus the folded creator set plus any isbn.
type IdenticalBookData struct {
	Title   string
	Authors map[string]bool
	ISBN    string
}

// DataForFindIdenticalBooks snapshots the signature of every book, to be
// kept by callers running repeated duplicate scans.
func (c *Cache) DataForFindIdenticalBooks() map[int64]IdenticalBookData {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := map[int64]IdenticalBookData{}
	for _, id := range c.titles["title"].AllBookIDs() {
		out[id] = c.identicalDataLocked(id)
	}
	return out
}

func (c *Cache) identicalDataLocked(bookID int64) IdenticalBookData {
	d := IdenticalBookData{Authors: map[string]bool{}}
	if v, ok := c.titles["title"].ForBook(bookID); ok {
		d.Title = textutil.ICULower(strings.TrimSpace(anyString(v)))
	}
	for _, aid := range c.authors.IDsForBook(bookID) {
		if name, ok := c.authors.ItemName(aid); ok {
			d.Authors[textutil.ICULower(name)] = true
		}
	}
	for _, e := range c.identifiers.ForBook(bookID) {
		if e.Type == "isbn" {
			d.ISBN = e.Value
			break
		}
	}
	return d
}

func anyString(v any) string {
	s, _ := v.(string)
	return s
}

// UpdateDataForFindIdenticalBooks refreshes the snapshot entries for the
// given books in place (books deleted since drop out).
func (c *Cache) UpdateDataForFindIdenticalBooks(data map[int64]IdenticalBookData, bookIDs []int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range bookIDs {
		if _, ok := c.titles["title"].ForBook(id); !ok {
			delete(data, id)
			continue
		}
		data[id] = c.identicalDataLocked(id)
	}
}

// FindIdenticalBooks returns the books logically equal to the candidate:
// matching isbn wins outright; otherwise the folded title and the full
// creator set must both match.
func (c *Cache) FindIdenticalBooks(ctx context.Context, candidate IdenticalBookData, data map[int64]IdenticalBookData) []int64 {
	if data == nil {
		data = c.DataForFindIdenticalBooks()
	}
	title := textutil.ICULower(strings.TrimSpace(candidate.Title))
	var out []int64
	for id, d := range data {
		if candidate.ISBN != "" && d.ISBN == candidate.ISBN {
			out = append(out, id)
			continue
		}
		if d.Title != title || len(d.Authors) != len(candidate.Authors) {
			continue
		}
		match := true
		for a := range candidate.Authors {
			if !d.Authors[textutil.ICULower(a)] {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	return dedupeIDs(out)
}
