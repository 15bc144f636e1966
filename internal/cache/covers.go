package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// Cover streams a book's cover bytes, or nil when it has none.
func (c *Cache) Cover(ctx context.Context, bookID int64) ([]byte, error) {
	c.mu.RLock()
	hasCover := c.hasCoverLocked(bookID)
	c.mu.RUnlock()
	if !hasCover || c.files == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := c.files.CopyCoverTo(ctx, bookID, &buf); err != nil {
		return nil, errs.Format("cover", fmt.Errorf("cache: read cover for book %d: %w", bookID, err), bookID)
	}
	return buf.Bytes(), nil
}

func (c *Cache) hasCoverLocked(bookID int64) bool {
	v, ok := c.titles["cover"].ForBook(bookID)
	if !ok {
		return false
	}
	n, _ := asFloat(v)
	return n != 0
}

// CoverPath resolves the cover's on-disk path.
func (c *Cache) CoverPath(ctx context.Context, bookID int64) (string, bool, error) {
	if c.files == nil {
		return "", false, nil
	}
	return c.files.CoverPath(ctx, bookID)
}

// CoverOrCache returns the cover only if it changed after ts, so callers
// keeping their own thumbnail caches can skip unchanged covers.
func (c *Cache) CoverOrCache(ctx context.Context, bookID int64, ts time.Time) ([]byte, bool, error) {
	mtime, err := c.CoverLastModified(ctx, bookID)
	if err != nil {
		return nil, false, err
	}
	if !mtime.IsZero() && !mtime.After(ts) {
		return nil, false, nil
	}
	b, err := c.Cover(ctx, bookID)
	return b, b != nil, err
}

// CoverLastModified reports the cover file's mtime, zero when absent.
func (c *Cache) CoverLastModified(ctx context.Context, bookID int64) (time.Time, error) {
	if c.files == nil {
		return time.Time{}, nil
	}
	path, ok, err := c.files.CoverPath(ctx, bookID)
	if err != nil || !ok {
		return time.Time{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, nil
	}
	return st.ModTime(), nil
}

// CopyCoverTo streams the cover to dst; ok=false when the book has no
// cover.
func (c *Cache) CopyCoverTo(ctx context.Context, bookID int64, dst io.Writer) (bool, error) {
	c.mu.RLock()
	hasCover := c.hasCoverLocked(bookID)
	c.mu.RUnlock()
	if !hasCover || c.files == nil {
		return false, nil
	}
	if err := c.files.CopyCoverTo(ctx, bookID, dst); err != nil {
		return false, errs.Format("cover", fmt.Errorf("cache: copy cover for book %d: %w", bookID, err), bookID)
	}
	return true, nil
}

// SetCover writes cover bytes through the FSM (nil data removes the
// cover), flips the has_cover flag, and invalidates registered cover
// caches (I3: the flag is the single primary-cover marker).
func (c *Cache) SetCover(ctx context.Context, bookID int64, data io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.titles["title"].ForBook(bookID); !ok {
		return errs.NotFound("cover", fmt.Errorf("cache: book %d not in cache", bookID), bookID)
	}

	flag := int64(0)
	if data != nil {
		if c.files != nil {
			if err := c.files.SetCover(ctx, bookID, data); err != nil {
				return errs.Format("cover", fmt.Errorf("cache: write cover for book %d: %w", bookID, err), bookID)
			}
		}
		flag = 1
	} else if c.files != nil {
		if err := c.files.RemoveCover(ctx, bookID); err != nil {
			return errs.Format("cover", fmt.Errorf("cache: remove cover for book %d: %w", bookID, err), bookID)
		}
	}

	if _, err := c.setFieldLocked(ctx, "cover", map[int64]any{bookID: flag}, true); err != nil {
		return err
	}
	for cc := range c.coverCaches {
		cc.InvalidateCover(bookID)
	}
	return nil
}

// AddCoverCache registers a consumer-side cover cache for invalidation.
func (c *Cache) AddCoverCache(cc CoverCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coverCaches[cc] = true
}

// RemoveCoverCache unregisters a cover cache.
func (c *Cache) RemoveCoverCache(cc CoverCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.coverCaches, cc)
}
