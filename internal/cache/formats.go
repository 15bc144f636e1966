package cache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/fsm"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/table"
)

// FormatMetadata is the cached per-slot file metadata (§4.7
// format_metadata_cache).
type FormatMetadata struct {
	Size  int64
	Path  string
	MTime time.Time
	Hash  string
}

// Formats returns a book's ordered priority-format codes. With verify
// set, slots whose backing file the FSM can't locate are skipped.
func (c *Cache) Formats(ctx context.Context, bookID int64, verify bool) ([]string, error) {
	c.mu.RLock()
	codes := c.formats.PriorityCodes(bookID)
	c.mu.RUnlock()
	if !verify || c.files == nil {
		return codes, nil
	}
	out := codes[:0]
	for _, code := range codes {
		_, ok, err := c.files.FormatPath(ctx, fsm.FormatKey{BookID: bookID, Key: code})
		if err != nil {
			return nil, errs.Format("formats", err, bookID)
		}
		if ok {
			out = append(out, code)
		}
	}
	return out, nil
}

// FormatAbspath resolves a priority code to its on-disk path. The
// reserved __COVER_INTERNAL__ sentinel diverts to cover retrieval
// (§6.3).
func (c *Cache) FormatAbspath(ctx context.Context, bookID int64, code string) (string, error) {
	if c.files == nil {
		return "", errs.Format("formats", fmt.Errorf("cache: no folder store configured"), bookID)
	}
	if code == "__COVER_INTERNAL__" {
		path, ok, err := c.files.CoverPath(ctx, bookID)
		if err != nil || !ok {
			return "", errs.Format("cover", fmt.Errorf("cache: no cover for book %d: %w", bookID, err), bookID)
		}
		return path, nil
	}
	path, ok, err := c.files.FormatPath(ctx, fsm.FormatKey{BookID: bookID, Key: normalizeFormatInput(code)})
	if err != nil {
		return "", errs.Format("formats", err, bookID)
	}
	if !ok {
		return "", errs.NotFound("formats", fmt.Errorf("cache: no file for %s of book %d", code, bookID), bookID)
	}
	return path, nil
}

// normalizeFormatInput upper-cases a caller-supplied code and resolves a
// bare base code to its highest-priority slot suffix.
func normalizeFormatInput(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, _, ok := table.ParsePriorityCode(code); ok {
		return code
	}
	return code + "_1"
}

// CopyFormatTo streams a stored format's bytes to dst.
func (c *Cache) CopyFormatTo(ctx context.Context, bookID int64, code string, dst io.Writer) error {
	if c.files == nil {
		return errs.Format("formats", fmt.Errorf("cache: no folder store configured"), bookID)
	}
	err := c.files.CopyFormatTo(ctx, fsm.FormatKey{BookID: bookID, Key: normalizeFormatInput(code)}, dst)
	if err != nil {
		return errs.Format("formats", fmt.Errorf("cache: copy %s of book %d: %w", code, bookID, err), bookID)
	}
	return nil
}

// FormatHash returns the stored content hash for a format slot.
func (c *Cache) FormatHash(ctx context.Context, bookID int64, code string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if meta, ok := c.fmtMetaCache[bookID][normalizeFormatInput(code)]; ok && meta.Hash != "" {
		return meta.Hash, nil
	}
	return "", errs.NotFound("formats", fmt.Errorf("cache: no hash recorded for %s of book %d", code, bookID), bookID)
}

// FormatMetadataFor reads a slot's cached {size, path, mtime}.
func (c *Cache) FormatMetadataFor(bookID int64, code string) (FormatMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.fmtMetaCache[bookID][normalizeFormatInput(code)]
	return meta, ok
}

// AddFormat stores a file for a book (§4.6 formats-add): a bare base
// code lands in the highest slot shifting the rest down, an unknown
// priority code appends at the lowest slot, and a known priority code
// with replace=true overwrites in place. The data-table update and the
// derived size recomputation share one transaction (§5.1).
func (c *Cache) AddFormat(ctx context.Context, bookID int64, code string, data io.Reader, replace bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.titles["title"].ForBook(bookID); !ok {
		return "", errs.NotFound("formats", fmt.Errorf("cache: book %d not in cache", bookID), bookID)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	base := code
	bare := true
	if b, _, ok := table.ParsePriorityCode(code); ok {
		base, bare = b, false
	} else if !isBaseCode(code) {
		return "", errs.Input("formats", fmt.Errorf("cache: malformed format code %q", code), bookID)
	}

	existing := c.formats.PriorityCodes(bookID)
	baseCount := 0
	slotExists := false
	for _, ec := range existing {
		if b, _, _ := table.ParsePriorityCode(ec); b == base {
			baseCount++
		}
		if strings.EqualFold(ec, code) {
			slotExists = true
		}
	}
	if !bare && slotExists && !replace {
		return "", errs.Input("formats", fmt.Errorf("cache: slot %s already exists for book %d", code, bookID), bookID)
	}

	// Resolve the on-disk slot before writing: a bare-base add lands in
	// slot 1 after shifting existing slots down; an unknown priority
	// code appends at the lowest slot; a known one overwrites in place.
	writeKey := code
	switch {
	case bare:
		writeKey = base + "_1"
		if c.files != nil {
			for k := baseCount; k >= 1; k-- {
				err := c.files.MoveFormat(ctx,
					fsm.FormatKey{BookID: bookID, Key: fmt.Sprintf("%s_%d", base, k)},
					fsm.FormatKey{BookID: bookID, Key: fmt.Sprintf("%s_%d", base, k+1)})
				if err != nil {
					return "", errs.Format("formats", fmt.Errorf("cache: shift slots for book %d: %w", bookID, err), bookID)
				}
			}
		}
	case !slotExists:
		writeKey = fmt.Sprintf("%s_%d", base, baseCount+1)
	}

	// The file lands first: a Store failure afterwards leaves an orphan
	// file (harmless, re-collected by the FSM) rather than a dangling
	// row.
	var size int64
	var hash string
	if c.files != nil {
		var err error
		size, hash, err = c.files.AddFormat(ctx, fsm.FormatKey{BookID: bookID, Key: writeKey}, strings.ToLower(base), data)
		if err != nil {
			return "", errs.Format("formats", fmt.Errorf("cache: store file for book %d: %w", bookID, err), bookID)
		}
	} else if data != nil {
		n, err := io.Copy(io.Discard, data)
		if err != nil {
			return "", errs.Format("formats", err, bookID)
		}
		size = n
	}

	finalCode, err := c.formats.Add(bookID, code, size, replace)
	if err != nil {
		return "", err
	}
	if err := c.persistFormatsLocked(ctx, bookID); err != nil {
		_ = c.formats.Read(ctx, c.store)
		return "", err
	}

	if c.fmtMetaCache[bookID] == nil {
		c.fmtMetaCache[bookID] = map[string]FormatMetadata{}
	}
	c.fmtMetaCache[bookID][finalCode] = FormatMetadata{Size: size, MTime: time.Now().UTC(), Hash: hash}
	c.touchLocked("formats", []int64{bookID})
	c.touchLocked("size", []int64{bookID})
	return finalCode, nil
}

func isBaseCode(code string) bool {
	if code == "" {
		return false
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// persistFormatsLocked rewrites the data table's rows for one book from
// the in-memory slot state, in one transaction.
func (c *Cache) persistFormatsLocked(ctx context.Context, bookID int64) error {
	codes := c.formats.PriorityCodes(bookID)
	return c.store.InTransaction(ctx, func(tx store.TxStore) error {
		rows, err := tx.AllRows(ctx, "data", "", false)
		if err != nil {
			return err
		}
		var stale []int64
		for _, r := range rows {
			if b, ok := r["book"].(int64); ok && b == bookID {
				if id, ok := r["id"].(int64); ok {
					stale = append(stale, id)
				}
			}
		}
		if err := tx.DeleteByID(ctx, "data", stale); err != nil {
			return err
		}
		for i, code := range codes {
			base, k, _ := table.ParsePriorityCode(code)
			size := c.formats.SizeAt(bookID, i)
			_, err := tx.InsertRow("data", map[string]any{
				"book": bookID, "format": base, "priority": k,
				"uncompressed_size": size, "name": table.FormatFname(code),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveFormats deletes format slots; remaining slots of each base
// densify to 1..N (I4) and size recomputes as the max over what's left
// (P5).
func (c *Cache) RemoveFormats(ctx context.Context, bookID int64, codes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, code := range codes {
		norm := normalizeFormatInput(code)
		base, k, ok := table.ParsePriorityCode(norm)
		if !ok {
			return errs.Input("formats", fmt.Errorf("cache: malformed format code %q", code), bookID)
		}
		baseCount := 0
		for _, ec := range c.formats.PriorityCodes(bookID) {
			if b, _, _ := table.ParsePriorityCode(ec); b == base {
				baseCount++
			}
		}
		if _, err := c.formats.Remove(bookID, norm); err != nil {
			return err
		}
		delete(c.fmtMetaCache[bookID], norm)
		if c.files == nil {
			continue
		}
		if err := c.files.RemoveFormats(ctx, []fsm.FormatKey{{BookID: bookID, Key: norm}}); err != nil {
			return errs.Format("formats", fmt.Errorf("cache: remove file for book %d: %w", bookID, err), bookID)
		}
		// Shift higher slots of the same base down so on-disk keys track
		// the densified 1..N sequence (I4).
		for j := k + 1; j <= baseCount; j++ {
			err := c.files.MoveFormat(ctx,
				fsm.FormatKey{BookID: bookID, Key: fmt.Sprintf("%s_%d", base, j)},
				fsm.FormatKey{BookID: bookID, Key: fmt.Sprintf("%s_%d", base, j-1)})
			if err != nil {
				return errs.Format("formats", fmt.Errorf("cache: shift slots for book %d: %w", bookID, err), bookID)
			}
		}
	}
	if err := c.persistFormatsLocked(ctx, bookID); err != nil {
		_ = c.formats.Read(ctx, c.store)
		return err
	}
	c.touchLocked("formats", []int64{bookID})
	c.touchLocked("size", []int64{bookID})
	return nil
}

// SaveOriginalFormat copies a slot aside under ORIGINAL_<priority>
// before a conversion overwrites it.
func (c *Cache) SaveOriginalFormat(ctx context.Context, bookID int64, code string) (string, error) {
	if c.files == nil {
		return "", errs.Format("formats", fmt.Errorf("cache: no folder store configured"), bookID)
	}
	norm := normalizeFormatInput(code)
	c.mu.RLock()
	has := c.formats.HasPriorityFmt(bookID, norm)
	c.mu.RUnlock()
	if !has {
		return "", errs.NotFound("formats", fmt.Errorf("cache: no slot %s for book %d", code, bookID), bookID)
	}
	saved, err := c.files.SaveOriginalFormat(ctx, fsm.FormatKey{BookID: bookID, Key: norm})
	if err != nil {
		return "", errs.Format("formats", fmt.Errorf("cache: save original of %s for book %d: %w", code, bookID, err), bookID)
	}
	return saved.Key, nil
}

// RestoreOriginalFormat moves a saved ORIGINAL_<priority> copy back over
// the live slot and removes the saved entry.
func (c *Cache) RestoreOriginalFormat(ctx context.Context, bookID int64, originalCode string) error {
	if c.files == nil {
		return errs.Format("formats", fmt.Errorf("cache: no folder store configured"), bookID)
	}
	if !strings.HasPrefix(strings.ToUpper(originalCode), "ORIGINAL_") {
		return errs.Input("formats", fmt.Errorf("cache: %q is not an ORIGINAL_ code", originalCode), bookID)
	}
	err := c.files.RestoreOriginalFormat(ctx, fsm.FormatKey{BookID: bookID, Key: strings.ToUpper(originalCode)})
	if err != nil {
		return errs.Format("formats", fmt.Errorf("cache: restore %s for book %d: %w", originalCode, bookID, err), bookID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked("formats", []int64{bookID})
	return nil
}

// HasPriorityFmt reports whether a priority slot exists for a book.
func (c *Cache) HasPriorityFmt(bookID int64, code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.formats.HasPriorityFmt(bookID, normalizeFormatInput(code))
}
