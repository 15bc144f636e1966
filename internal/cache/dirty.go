package cache

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/telemetry"
)

// MarkAsDirty records books whose persisted metadata has diverged from
// their last backup (I8).
func (c *Cache) MarkAsDirty(bookIDs []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markDirtyLocked(bookIDs)
}

func (c *Cache) markDirtyLocked(bookIDs []int64) {
	for _, id := range bookIDs {
		c.dirtySeq++
		c.dirtied[id] = c.dirtySeq
	}
	c.metrics.DirtyQueueSet(len(c.dirtied))

	// Mirror to the durable ledger off the lock path; best-effort, the
	// in-memory set is authoritative within one run.
	ids := append([]int64(nil), bookIDs...)
	go func() {
		ctx := context.Background()
		for _, id := range ids {
			if err := c.dirtyLedger.Persist(ctx, id, nil); err != nil {
				telemetry.Log(ctx).Debug("dirty ledger persist", "book", id, "err", err)
				return
			}
		}
	}()
}

// DirtyQueueLength reports how many books await a metadata backup.
func (c *Cache) DirtyQueueLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirtied)
}

// GetADirtiedBook returns the dirtied book with the lowest sequence number,
// without removing it, together with the sequence number to pass back to
// ClearDirtied.
func (c *Cache) GetADirtiedBook() (bookID int64, seq uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, s := range c.dirtied {
		if !ok || s < seq {
			bookID, seq, ok = id, s, true
		}
	}
	return bookID, seq, ok
}

// ClearDirtied removes a book from the dirty set only if its sequence
// still matches: a book re-dirtied after the caller snapshotted it stays
// queued (P8).
func (c *Cache) ClearDirtied(bookID int64, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.dirtied[bookID]; !ok || cur != seq {
		return false
	}
	delete(c.dirtied, bookID)
	c.metrics.DirtyQueueSet(len(c.dirtied))
	go func() {
		if err := c.dirtyLedger.Delete(context.Background(), bookID); err != nil {
			telemetry.Log(context.Background()).Debug("dirty ledger delete", "book", bookID, "err", err)
		}
	}()
	return true
}

// CommitDirtyCache flushes a metadata backup for every dirtied book.
func (c *Cache) CommitDirtyCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitDirtyLocked(ctx)
}

func (c *Cache) commitDirtyLocked(ctx context.Context) error {
	ids := make([]int64, 0, len(c.dirtied))
	for id := range c.dirtied {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return c.dirtied[ids[i]] < c.dirtied[ids[j]] })

	var flushed []int64
	for _, id := range ids {
		seq := c.dirtied[id]
		md, err := c.metadataLocked(id)
		if err != nil {
			// The book vanished between dirtying and flush; drop it.
			delete(c.dirtied, id)
			flushed = append(flushed, id)
			continue
		}
		if err := c.writeBackupLocked(ctx, id, md); err != nil {
			return err
		}
		if cur, ok := c.dirtied[id]; ok && cur == seq {
			delete(c.dirtied, id)
			flushed = append(flushed, id)
		}
	}
	c.metrics.DirtyQueueSet(len(c.dirtied))
	go func() {
		for _, id := range flushed {
			_ = c.dirtyLedger.Delete(context.Background(), id)
		}
	}()
	return nil
}

// WriteBackup serializes one book's metadata through the FSM.
func (c *Cache) WriteBackup(ctx context.Context, bookID int64) error {
	c.mu.RLock()
	md, err := c.metadataLocked(bookID)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.writeBackup(ctx, bookID, md)
}

func (c *Cache) writeBackupLocked(ctx context.Context, bookID int64, md *Metadata) error {
	return c.writeBackup(ctx, bookID, md)
}

func (c *Cache) writeBackup(ctx context.Context, bookID int64, md *Metadata) error {
	if c.files == nil {
		return nil
	}
	payload, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	if err := c.files.WriteBackup(ctx, bookID, payload); err != nil {
		return errs.Format("", fmt.Errorf("cache: backup book %d: %w", bookID, err), bookID)
	}
	return nil
}

// ReadBackup returns the raw bytes of a book's last metadata backup.
func (c *Cache) ReadBackup(ctx context.Context, bookID int64) ([]byte, error) {
	if c.files == nil {
		return nil, errs.Format("", fmt.Errorf("cache: no folder store configured"))
	}
	b, err := c.files.ReadBackup(ctx, bookID)
	if err != nil {
		return nil, errs.Format("", fmt.Errorf("cache: read backup for book %d: %w", bookID, err), bookID)
	}
	return b, nil
}

// DumpMetadata writes backups for the given books (all when nil),
// polling abort between iterations and reporting per-book progress
// without aborting the batch on individual failures (§5 cancellation, §7
// user-visible failures).
func (c *Cache) DumpMetadata(ctx context.Context, bookIDs []int64, abort *atomic.Bool, progress func(bookID int64, err error)) error {
	if bookIDs == nil {
		bookIDs = c.AllBookIDs()
	}
	for _, id := range bookIDs {
		if abort != nil && abort.Load() {
			return ctx.Err()
		}
		err := c.WriteBackup(ctx, id)
		if err != nil {
			telemetry.Log(ctx).Warn("dump_metadata", "book", id, "err", err)
		} else {
			seq := func() (uint64, bool) {
				c.mu.RLock()
				defer c.mu.RUnlock()
				s, ok := c.dirtied[id]
				return s, ok
			}
			if s, ok := seq(); ok {
				c.ClearDirtied(id, s)
			}
		}
		if progress != nil {
			progress(id, err)
		}
	}
	return nil
}
