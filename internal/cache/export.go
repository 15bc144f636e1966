package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/telemetry"
)

// LastReadPosition is one device's reading position for a format.
type LastReadPosition struct {
	Format  string
	User    string
	Device  string
	CFI     string
	Epoch   float64
	PosFrac float64
}

// GetLastReadPositions reads every recorded position for a book+format.
func (c *Cache) GetLastReadPositions(ctx context.Context, bookID int64, format string) ([]LastReadPosition, error) {
	rows, err := c.store.AllRows(ctx, "last_read_positions", "id", false)
	if err != nil {
		return nil, err
	}
	var out []LastReadPosition
	for _, r := range rows {
		b, _ := r["book"].(int64)
		f, _ := r["format"].(string)
		if b != bookID || (format != "" && f != format) {
			continue
		}
		pos := LastReadPosition{Format: f}
		pos.User, _ = r["user"].(string)
		pos.Device, _ = r["device"].(string)
		pos.CFI, _ = r["cfi"].(string)
		pos.Epoch, _ = asFloat(r["epoch"])
		pos.PosFrac, _ = asFloat(r["pos_frac"])
		out = append(out, pos)
	}
	return out, nil
}

// SetLastReadPosition upserts a reading position keyed by
// (book, format, user, device).
func (c *Cache) SetLastReadPosition(ctx context.Context, bookID int64, pos LastReadPosition) error {
	_, err := c.store.Execute(ctx, `
INSERT INTO last_read_positions (book, format, user, device, cfi, epoch, pos_frac)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(book, format, user, device)
DO UPDATE SET cfi = excluded.cfi, epoch = excluded.epoch, pos_frac = excluded.pos_frac`,
		bookID, pos.Format, pos.User, pos.Device, pos.CFI, pos.Epoch, pos.PosFrac)
	return err
}

// EmbedMetadata pushes each book's current metadata into its stored
// format files via the metadata-writer collaborator; the core's part is
// assembling the payload and walking the slots.
func (c *Cache) EmbedMetadata(ctx context.Context, bookIDs []int64, embed func(bookID int64, code string, payload []byte) error, abort *atomic.Bool, progress func(bookID int64, err error)) error {
	for _, id := range bookIDs {
		if abort != nil && abort.Load() {
			return ctx.Err()
		}
		payload, err := c.GetMetadataForDump(ctx, id)
		if err == nil {
			codes, ferr := c.Formats(ctx, id, false)
			if ferr != nil {
				err = ferr
			} else {
				for _, code := range codes {
					if eerr := embed(id, code, payload); eerr != nil {
						err = eerr
						break
					}
				}
			}
		}
		if err != nil {
			telemetry.Log(ctx).Warn("embed_metadata", "book", id, "err", err)
		}
		if progress != nil {
			progress(id, err)
		}
	}
	return nil
}

// ExportLibrary writes a portable snapshot into dir: a compressed logical
// dump of the Store plus every book's metadata backup payload. abort is
// polled between books (§5 cancellation).
func (c *Cache) ExportLibrary(ctx context.Context, dir string, abort *atomic.Bool, progress func(bookID int64, err error)) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Format("", fmt.Errorf("cache: export dir: %w", err))
	}

	dumper, ok := c.store.(interface {
		Dump(ctx context.Context, w io.Writer) error
	})
	f, err := os.Create(filepath.Join(dir, "metadata.sql.zst"))
	if err != nil {
		return errs.Format("", fmt.Errorf("cache: export dump: %w", err))
	}
	if ok {
		err = dumper.Dump(ctx, f)
	} else {
		err = c.store.Backup(ctx, filepath.Join(dir, "metadata.db"))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	for _, id := range c.AllBookIDs() {
		if abort != nil && abort.Load() {
			return ctx.Err()
		}
		payload, err := c.GetMetadataForDump(ctx, id)
		if err == nil {
			err = os.WriteFile(filepath.Join(dir, fmt.Sprintf("book_%d.json", id)), payload, 0o644)
		}
		if err != nil {
			telemetry.Log(ctx).Warn("export_library", "book", id, "err", err)
		}
		if progress != nil {
			progress(id, err)
		}
	}
	return nil
}
