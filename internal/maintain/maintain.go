// Package maintain implements the maintenance/consistency layer (§4.8):
// a daemon draining dirtied-record queues, recomputing derived aggregate
// rows, backfilling creator sort strings, and merging or cleaning
// logically equivalent entities.
package maintain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/telemetry"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// DirtyRecord is one row-mutation event fed by the Store-side hooks.
type DirtyRecord struct {
	Table string
	RowID int64
}

// InterlinkRecord is one link-row mutation event.
type InterlinkRecord struct {
	UpdateType string
	Table1     string
	Table2     string
	ID1        int64
	ID2        int64
}

// Maintainer runs the background loop. Work is coalesced per (table,
// row) so a burst of mutations against one book costs one recompute.
type Maintainer struct {
	cache  *cache.Cache
	driver store.Driver

	interval time.Duration
	metrics  *telemetry.MaintainMetrics

	mu        sync.Mutex
	dirty     map[DirtyRecord]bool
	interlink []InterlinkRecord
	dirtyC    chan DirtyRecord
	interC    chan InterlinkRecord

	// g bounds concurrent sweep tasks so a huge backlog can't starve
	// the request path.
	g errgroup.Group

	stop chan struct{}
	done chan struct{}
}

// DefaultInterval is the loop period.
const DefaultInterval = 2 * time.Second

// New wires a maintainer over a cache controller.
func New(c *cache.Cache, interval time.Duration, reg *prometheus.Registry) *Maintainer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Maintainer{
		cache:    c,
		driver:   c.Store(),
		interval: interval,
		metrics:  telemetry.NewMaintainMetrics(reg),
		dirty:    map[DirtyRecord]bool{},
		dirtyC:   make(chan DirtyRecord, 256),
		interC:   make(chan InterlinkRecord, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.g.SetLimit(4)
	return m
}

// RecordDirty enqueues a row-mutation event.
func (m *Maintainer) RecordDirty(rec DirtyRecord) {
	select {
	case m.dirtyC <- rec:
	default:
		// Queue full: coalesce synchronously rather than dropping.
		m.mu.Lock()
		m.dirty[rec] = true
		m.mu.Unlock()
	}
}

// RecordInterlink enqueues a link-mutation event.
func (m *Maintainer) RecordInterlink(rec InterlinkRecord) {
	select {
	case m.interC <- rec:
	default:
		m.mu.Lock()
		m.interlink = append(m.interlink, rec)
		m.mu.Unlock()
	}
}

// Run loops until Stop, draining both queues each tick. The duplicate
// sweep runs every tenth tick to bound its cost.
func (m *Maintainer) Run(ctx context.Context) {
	ctx = context.WithValue(ctx, middleware.RequestIDKey, "maintainer")
	defer close(m.done)

	tick := 0
	timer := time.NewTicker(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case rec := <-m.dirtyC:
			m.mu.Lock()
			m.dirty[rec] = true
			m.mu.Unlock()
		case rec := <-m.interC:
			m.mu.Lock()
			m.interlink = append(m.interlink, rec)
			m.mu.Unlock()
		case <-timer.C:
			tick++
			m.sweep(ctx, tick%10 == 0)
		}
	}
}

// Stop halts the loop and waits for the in-flight sweep.
func (m *Maintainer) Stop() {
	close(m.stop)
	<-m.done
	_ = m.g.Wait()
}

func (m *Maintainer) sweep(ctx context.Context, withDuplicates bool) {
	m.mu.Lock()
	dirty := m.dirty
	inter := m.interlink
	m.dirty = map[DirtyRecord]bool{}
	m.interlink = nil
	m.mu.Unlock()

	m.metrics.PendingSet(len(dirty) + len(inter))
	if len(dirty) == 0 && len(inter) == 0 && !withDuplicates {
		return
	}

	books := map[int64]bool{}
	for rec := range dirty {
		if rec.Table == "books" {
			books[rec.RowID] = true
		}
	}
	for _, rec := range inter {
		if rec.Table1 == "books" {
			books[rec.ID1] = true
		}
		if rec.Table2 == "books" {
			books[rec.ID2] = true
		}
	}

	if len(books) > 0 {
		ids := make([]int64, 0, len(books))
		for id := range books {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		m.g.Go(func() error {
			m.metrics.SweepInc("aggregate")
			if err := m.RecomputeAggregates(ctx, ids); err != nil {
				telemetry.Log(ctx).Warn("aggregate recompute", "err", err)
			}
			return nil
		})
	}

	m.g.Go(func() error {
		m.metrics.SweepInc("creator_sort")
		if err := m.EnsureCreatorSorts(ctx); err != nil {
			telemetry.Log(ctx).Warn("creator sort backfill", "err", err)
		}
		return nil
	})

	if withDuplicates {
		m.g.Go(func() error {
			m.metrics.SweepInc("fix_duplicates")
			if _, err := m.FixDuplicates(ctx, "authors", "name", "nocase"); err != nil {
				telemetry.Log(ctx).Warn("duplicate author merge", "err", err)
			}
			return nil
		})
	}
}

// Aggregate is one book's derived display strings (the titles_aggregate
// row of §4.8): the priority-ordered series and genre strings, the book's
// own tags (TitleTags), the identifier map, and the publisher string.
// Creator and series tag unions are not collected.
type Aggregate struct {
	BookID      int64
	SeriesLine  string
	GenreLine   string
	Publisher   string
	TitleTags   []string
	Identifiers map[string]string
}

// RecomputeAggregates computes the derived strings for the given books
// through AggregateFor; the computed aggregates are not stored.
// Series lines walk the series tree upward (parent chain, cycle-checked)
// and join linearly, never recursively (§9 cyclic-graph note).
func (m *Maintainer) RecomputeAggregates(ctx context.Context, bookIDs []int64) error {
	for _, id := range bookIDs {
		if _, err := m.AggregateFor(ctx, id); err != nil {
			var e *errs.Error
			if !errors.As(err, &e) || e.Kind != errs.KindNotFound {
				return err
			}
		}
	}
	return nil
}

// AggregateFor computes one book's aggregate from the live cache.
func (m *Maintainer) AggregateFor(ctx context.Context, bookID int64) (*Aggregate, error) {
	agg := &Aggregate{BookID: bookID}

	if v, err := m.cache.FieldFor("series", bookID, nil); err == nil {
		if name, ok := v.(string); ok && name != "" {
			line, err := m.seriesLine(ctx, name)
			if err != nil {
				return nil, err
			}
			agg.SeriesLine = line
		}
	}
	if v, err := m.cache.FieldFor("genre", bookID, nil); err == nil {
		agg.GenreLine, _ = v.(string)
	}
	if v, err := m.cache.FieldFor("publisher", bookID, nil); err == nil {
		agg.Publisher, _ = v.(string)
	}
	if v, err := m.cache.FieldFor("tags", bookID, nil); err == nil {
		agg.TitleTags, _ = v.([]string)
	}
	if v, err := m.cache.FieldFor("identifiers", bookID, nil); err == nil {
		agg.Identifiers, _ = v.(map[string]string)
	}
	return agg, nil
}

// seriesLine renders "Grandparent: Parent: Series" by walking parent ids
// until null, collecting display values, then reversing. A revisited
// node means a cycle, which is a data fault surfaced as InvariantError.
func (m *Maintainer) seriesLine(ctx context.Context, seriesName string) (string, error) {
	id, ok := m.cache.GetItemID("series", seriesName)
	if !ok {
		return seriesName, nil
	}

	var chain []string
	visited := map[int64]bool{}
	cur := id
	for {
		if visited[cur] {
			return "", errs.Invariant("series", fmt.Errorf("maintain: series parent cycle at id %d", cur))
		}
		visited[cur] = true

		row, err := m.driver.GetRow(ctx, "series", cur)
		if err != nil {
			return "", err
		}
		name, _ := row["name"].(string)
		chain = append(chain, name)

		parent, ok := row["parent"].(int64)
		if !ok || parent == 0 {
			break
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return strings.Join(chain, ": "), nil
}

// EnsureCreatorSorts backfills a sort string for every creator row whose
// sort is null or empty, derived by author_to_author_sort (§4.8).
func (m *Maintainer) EnsureCreatorSorts(ctx context.Context) error {
	rows, err := m.driver.AllRows(ctx, "authors", "id", false)
	if err != nil {
		return err
	}
	sorts := map[int64]string{}
	for _, r := range rows {
		id, ok := r["id"].(int64)
		if !ok {
			continue
		}
		if s, ok := r["sort"].(string); ok && s != "" {
			continue
		}
		name, _ := r["name"].(string)
		if name == "" {
			continue
		}
		sorts[id] = textutil.AuthorSort(name, textutil.SortComma)
	}
	if len(sorts) == 0 {
		return nil
	}
	_, err = m.cache.SetSortForAuthors(ctx, sorts)
	return err
}

// Clean removes orphan rows from an item table by joining against every
// link table referencing it; books and the titles-resident scalars are
// never cleaned (§4.8).
func (m *Maintainer) Clean(ctx context.Context, tableName string, itemIDs []int64) ([]int64, error) {
	if tableName == "books" || tableName == "titles" {
		return nil, errs.Input(tableName, fmt.Errorf("maintain: refusing to clean %s", tableName))
	}
	linkTable, err := m.driver.LinkTable("books", tableName)
	if err != nil {
		return nil, err
	}
	_, itemCol, err := m.driver.LinkColumns("books", tableName)
	if err != nil {
		return nil, err
	}

	linkRows, err := m.driver.AllRows(ctx, linkTable, "", false)
	if err != nil {
		return nil, err
	}
	used := map[int64]bool{}
	for _, r := range linkRows {
		if id, ok := r[itemCol].(int64); ok {
			used[id] = true
		}
	}

	itemRows, err := m.driver.AllRows(ctx, tableName, "", false)
	if err != nil {
		return nil, err
	}
	restrict := map[int64]bool{}
	for _, id := range itemIDs {
		restrict[id] = true
	}
	var orphans []int64
	for _, r := range itemRows {
		id, ok := r["id"].(int64)
		if !ok || used[id] {
			continue
		}
		if itemIDs != nil && !restrict[id] {
			continue
		}
		orphans = append(orphans, id)
	}
	if len(orphans) == 0 {
		return nil, nil
	}
	if err := m.driver.DeleteByID(ctx, tableName, orphans); err != nil {
		return nil, err
	}
	return orphans, nil
}

// Merge folds idMerge into idKeep in one item table: every link row
// repoints, duplicate link rows resolve by the timestamp-preferring
// smart-merge, self-links between the pair drop, and the merged row is
// deleted (§4.8, P7).
func (m *Maintainer) Merge(ctx context.Context, fieldName string, idKeep, idMerge int64) error {
	tbl, err := m.linkedTable(fieldName)
	if err != nil {
		return err
	}
	if err := tbl.ResolveLink(m.driver); err != nil {
		return err
	}
	linkTable, bookCol, itemCol := tbl.LinkTableName()
	itemTable := tbl.ItemTable()

	rows, err := m.driver.AllRows(ctx, linkTable, "", false)
	if err != nil {
		return err
	}
	// Index the keeper's links by book so duplicates can smart-merge.
	keeperByBook := map[int64]map[string]any{}
	var mergeRows []map[string]any
	for _, r := range rows {
		item, _ := r[itemCol].(int64)
		book, _ := r[bookCol].(int64)
		switch item {
		case idKeep:
			keeperByBook[book] = r
		case idMerge:
			mergeRows = append(mergeRows, r)
		}
	}

	err = m.driver.InTransaction(ctx, func(tx store.TxStore) error {
		linkIDCol, err := tx.IDColumn(linkTable)
		if err != nil {
			return err
		}
		for _, r := range mergeRows {
			book, _ := r[bookCol].(int64)
			rowID, _ := r[linkIDCol].(int64)
			if keeper, dup := keeperByBook[book]; dup {
				// The smart-merged aux columns land on the keeper's row
				// so the (book, item) uniqueness never breaks mid-merge.
				merged := smartMerge(keeper, r)
				merged[linkIDCol] = keeper[linkIDCol]
				merged[itemCol] = idKeep
				merged[bookCol] = book
				if err := tx.DeleteByID(ctx, linkTable, []int64{rowID}); err != nil {
					return err
				}
				if err := tx.UpdateRow(linkTable, linkIDCol, merged); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpdateRow(linkTable, linkIDCol, map[string]any{linkIDCol: rowID, itemCol: idKeep}); err != nil {
				return err
			}
		}
		// Intralinks: a self-linkable table may carry parent pointers
		// between the pair; repoint children of the merged row and drop
		// a parent edge between the two.
		if m.selfLinkable(itemTable) {
			itemRows, err := tx.AllRows(ctx, itemTable, "", false)
			if err != nil {
				return err
			}
			itemIDCol, err := tx.IDColumn(itemTable)
			if err != nil {
				return err
			}
			for _, r := range itemRows {
				parent, ok := r["parent"].(int64)
				if !ok || parent != idMerge {
					continue
				}
				id, _ := r[itemIDCol].(int64)
				next := any(idKeep)
				if id == idKeep {
					next = nil
				}
				err := tx.UpdateRow(itemTable, itemIDCol, map[string]any{itemIDCol: id, "parent": next})
				if err != nil {
					return err
				}
			}
		}
		return tx.DeleteByID(ctx, itemTable, []int64{idMerge})
	})
	if err != nil {
		return err
	}

	tbl.Merge(idKeep, idMerge, false)
	return nil
}

func (m *Maintainer) selfLinkable(itemTable string) bool {
	switch itemTable {
	case "series", "publishers", "genre":
		return true
	default:
		return false
	}
}

func (m *Maintainer) linkedTable(fieldName string) (*table.Linked, error) {
	tbl, ok := m.cache.LinkedTable(fieldName)
	if !ok {
		return nil, errs.NotFound(fieldName, fmt.Errorf("maintain: field %q has no normalized table", fieldName))
	}
	return tbl, nil
}

// smartMerge resolves two duplicate link rows: newer non-nil fields win,
// nil fields take the older row's non-nil value. "Newer" is decided by
// the datestamp column when both carry one.
func smartMerge(a, b map[string]any) map[string]any {
	newer, older := a, b
	at, _ := a["datestamp"].(string)
	bt, _ := b["datestamp"].(string)
	if bt > at {
		newer, older = b, a
	}
	out := make(map[string]any, len(newer))
	for k, v := range newer {
		out[k] = v
	}
	for k, v := range older {
		if out[k] == nil && v != nil {
			out[k] = v
		}
	}
	return out
}

// FixDuplicates finds groups of rows whose column compares equal (case-
// folded when comparison is "nocase", exact otherwise) and merges each group into its lowest-id representative
// (§4.8).
func (m *Maintainer) FixDuplicates(ctx context.Context, fieldName, column, comparison string) (int, error) {
	tbl, err := m.linkedTable(fieldName)
	if err != nil {
		return 0, err
	}
	// The nocase comparison over the value column is exactly the table's
	// own case-duplicate scan; other comparisons group the Store rows
	// directly.
	var dups []table.Dup
	if comparison == "nocase" && column == table.ValueColumn(tbl.ItemTable()) {
		dups = tbl.FixCaseDuplicates()
	} else {
		rows, err := m.driver.AllRows(ctx, tbl.ItemTable(), "id", false)
		if err != nil {
			return 0, err
		}
		groups := map[string][]int64{}
		for _, r := range rows {
			id, ok := r["id"].(int64)
			if !ok {
				continue
			}
			val, _ := r[column].(string)
			key := val
			if comparison == "nocase" {
				key = textutil.ICULower(strings.TrimSpace(val))
			}
			groups[key] = append(groups[key], id)
		}
		for _, ids := range groups {
			if len(ids) < 2 {
				continue
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, dup := range ids[1:] {
				dups = append(dups, table.Dup{Keep: ids[0], Merge: dup})
			}
		}
	}

	merged := 0
	for _, d := range dups {
		if err := m.Merge(ctx, fieldName, d.Keep, d.Merge); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}
