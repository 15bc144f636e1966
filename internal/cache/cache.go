// Package cache implements the Cache Controller (§4.7): the top-level
// object owning the single read/write lock, every Field and Table, the
// writer dispatch, dependent-cache invalidation, and dirtied-book
// tracking. All writes funnel through the write lock; reads traverse the
// in-memory tables only.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/field"
	"github.com/shelfcache/shelfcache/internal/fieldmeta"
	"github.com/shelfcache/shelfcache/internal/fsm"
	"github.com/shelfcache/shelfcache/internal/ledger"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/table"
	"github.com/shelfcache/shelfcache/internal/telemetry"
	"github.com/shelfcache/shelfcache/internal/writer"
)

// SearchCache is the hook the external search/virtual-library evaluator
// registers so the controller can invalidate it on every write (§1: the
// parser itself is out of scope, only its invalidation is consumed).
type SearchCache interface {
	Invalidate()
}

// Searcher evaluates a search expression against the library; it is
// supplied by the external query-parser collaborator.
type Searcher interface {
	Search(ctx context.Context, query, restriction string, bookIDs map[int64]bool) (map[int64]bool, error)
}

// CoverCache is a consumer-side cover cache (e.g. a grid renderer's
// thumbnail store) notified when a book's cover changes or a book goes
// away.
type CoverCache interface {
	InvalidateCover(bookID int64)
}

// Cache is the controller. One instance per library; multiple instances
// may coexist in a process (prefs and collation state are owned values,
// not singletons).
type Cache struct {
	store store.Driver
	files fsm.FSM
	reg   *fieldmeta.Registry

	metrics *telemetry.CacheMetrics

	// mu is the single fair R/W lock (§5). Methods suffixed "Locked"
	// assume it is already held for writing; that convention stands in
	// for writer re-entrancy.
	mu sync.RWMutex

	fields  map[string]*field.Field
	writers map[string]writer.Writer

	titles      map[string]*table.OneToOneTitles // titles-resident scalars by field name
	linked      map[string]*table.Linked
	authors     *table.Authors
	formats     *table.Formats
	identifiers *table.Identifiers
	composites  map[string]*table.Composite

	fieldMap map[string]int // stable integer positions (§4.7 step 6)

	uuidMap map[string]int64

	dirtied   map[int64]uint64
	dirtySeq  uint64
	staleOnce bool // set when a cache mutation failed after a Store commit

	coverCaches  map[CoverCache]bool
	fmtMetaCache map[int64]map[string]FormatMetadata

	searchCaches []SearchCache
	searcher     Searcher

	// dirtyLedger durably mirrors the dirtied set so interrupted backup
	// passes resume after a restart (I8 across reboots).
	dirtyLedger ledger.Persister

	prefs *Prefs

	// group coalesces concurrent identical reads that re-walk the same
	// metadata join (get_metadata bursts from a UI).
	group singleflight.Group

	lastMod time.Time
}

// New wires a controller over a Store driver and an FSM. Call Init before
// anything else.
func New(driver store.Driver, files fsm.FSM, reg *prometheus.Registry) *Cache {
	return &Cache{
		store:        driver,
		files:        files,
		reg:          fieldmeta.New(),
		metrics:      telemetry.NewCacheMetrics(reg),
		fields:       map[string]*field.Field{},
		writers:      map[string]writer.Writer{},
		titles:       map[string]*table.OneToOneTitles{},
		linked:       map[string]*table.Linked{},
		composites:   map[string]*table.Composite{},
		fieldMap:     map[string]int{},
		uuidMap:      map[string]int64{},
		dirtied:      map[int64]uint64{},
		coverCaches:  map[CoverCache]bool{},
		fmtMetaCache: map[int64]map[string]FormatMetadata{},
		dirtyLedger:  &ledger.Nop{},
	}
}

// SetDirtyLedger installs a durable dirty ledger; call before Init so
// interrupted backups recover.
func (c *Cache) SetDirtyLedger(p ledger.Persister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p != nil {
		c.dirtyLedger = p
	}
}

// FieldMetadata exposes the registry (read-only use by callers).
func (c *Cache) FieldMetadata() *fieldmeta.Registry { return c.reg }

// Store exposes the underlying driver to trusted collaborators (the
// maintainer); callers must not mutate through it outside the write lock.
func (c *Cache) Store() store.Driver { return c.store }

// LinkedTable exposes a field's normalized table to the maintainer for
// merge/clean sweeps.
func (c *Cache) LinkedTable(name string) (*table.Linked, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.linked[name]
	return tbl, ok
}

// _titlesResident maps the titles-resident scalar fields to their books
// column (§4.7 step 5: "OneToOne(in titles)").
var _titlesResident = map[string]string{
	"title":         "title",
	"sort":          "sort",
	"author_sort":   "author_sort",
	"series_index":  "series_index",
	"timestamp":     "timestamp",
	"pubdate":       "pubdate",
	"uuid":          "uuid",
	"path":          "path",
	"last_modified": "last_modified",
	"notes":         "notes",
	"cover":         "has_cover",
}

// _fieldOrder fixes FIELD_MAP positions: builtins in declaration order,
// custom columns appended after, index fields immediately after their
// series-like owner (§4.7 step 6).
var _fieldOrder = []string{
	"title", "sort", "authors", "author_sort", "series", "series_index",
	"publisher", "tags", "subjects", "genre", "synopses", "languages",
	"identifiers", "comments", "rating", "pubdate", "timestamp",
	"last_modified", "uuid", "path", "cover", "formats", "size",
	"ondevice",
}

// Init loads prefs and custom-column definitions, populates every table
// from the Store, constructs Fields and Writers, and cross-links derived
// fields (§4.7 init steps 1-8).
func (c *Cache) Init(ctx context.Context, defaults map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ctx, defaults)
}

func (c *Cache) initLocked(ctx context.Context, defaults map[string]any) error {
	// 1. Prefs; defaults apply only to a freshly created Store, minus
	// the blocklist.
	prefs, err := LoadPrefs(ctx, c.store)
	if err != nil {
		return err
	}
	c.prefs = prefs
	if c.store.WasCreated() {
		if err := prefs.ApplyDefaults(ctx, defaults); err != nil {
			return err
		}
	}

	// 2+4. Custom columns: materialize declared ones, drop those marked
	// for deletion.
	if err := c.loadCustomColumnsLocked(ctx); err != nil {
		return err
	}

	// 3. Dynamic pref categories, with the case-merge rename pass.
	c.reg.ReloadUserCategories(prefs.UserCategoriesMerged())
	c.reg.ReloadGroupedSearchTerms(prefs.GroupedSearchTerms())

	// 5. Tables: builtins first, then customs.
	if err := c.buildTablesLocked(); err != nil {
		return err
	}
	if err := c.readTablesLocked(ctx); err != nil {
		return err
	}

	// 6+7. FIELD_MAP positions and Field/Writer construction.
	if err := c.buildFieldsLocked(); err != nil {
		return err
	}

	c.rebuildUUIDMapLocked()
	c.lastMod = time.Now().UTC()

	// Resume any backups that were in-flight at last shutdown.
	if persisted, err := c.dirtyLedger.Persisted(ctx); err != nil {
		telemetry.Log(ctx).Warn("reading dirty ledger", "err", err)
	} else if len(persisted) > 0 {
		c.markDirtyLocked(persisted)
	}

	// 8. One-shot last_modified refresh.
	if prefs.Bool(PrefUpdateAllLastModOnStart) {
		if err := c.updateLastModifiedLocked(ctx, c.allBookIDsLocked()); err != nil {
			return err
		}
		if err := prefs.Set(ctx, PrefUpdateAllLastModOnStart, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) buildTablesLocked() error {
	for name, col := range _titlesResident {
		c.titles[name] = table.NewOneToOneTitles(name, "books", col)
	}

	c.authors = table.NewAuthors()
	c.linked["authors"] = c.authors.Linked

	c.linked["series"] = table.NewLinked("series", "books", "series", "books_series_link", table.ShapePriority, 1, true, true)
	c.linked["publisher"] = table.NewLinked("publisher", "books", "publishers", "books_publishers_link", table.ShapePriority, 1, true, true)
	c.linked["subjects"] = table.NewLinked("subjects", "books", "subjects", "books_subjects_link", table.ShapePlain, 1, true, false)
	c.linked["synopses"] = table.NewLinked("synopses", "books", "synopses", "books_synopses_link", table.ShapePlain, 1, true, false)
	c.linked["genre"] = table.NewLinked("genre", "books", "genre", "books_genre_link", table.ShapePriority, 1, true, true)
	c.linked["tags"] = table.NewLinked("tags", "books", "tags", "books_tags_link", table.ShapePlain, 0, true, false)
	c.linked["languages"] = table.NewLinked("languages", "books", "languages", "books_languages_link", table.ShapeTyped, 0, false, false)
	c.linked["rating"] = table.NewLinked("rating", "books", "ratings", "books_ratings_link", table.ShapePlain, 0, true, false)
	c.linked["comments"] = table.NewLinked("comments", "books", "comments", "comments", table.ShapePlain, 0, false, false)

	c.formats = table.NewFormats()
	c.identifiers = table.NewIdentifiers()

	// identical_books is the builtin composite backing
	// find_identical_books: it renders from title+authors+identifiers
	// and invalidates whenever any of them changes (I5).
	c.composites["identical_books"] = table.NewComposite("identical_books", "title", "authors", "identifiers")

	for _, fm := range c.reg.All() {
		if !fm.IsCustom {
			continue
		}
		if fm.Datatype == fieldmeta.Composite {
			c.composites[fm.Name] = table.NewComposite(fm.Name, compositeRefs(fm.Display)...)
			continue
		}
		shape := table.ShapePlain
		max := 1
		if fm.IsMultiple {
			max = 0
		}
		if fm.Datatype == fieldmeta.Series {
			shape, max = table.ShapePriority, 1
		}
		c.linked[fm.Name] = table.NewLinked(fm.Name, "books", fm.Table, fm.LinkTable, shape, max, fm.ClearUnused, false)
	}
	return nil
}

// readTablesLocked populates every table in one pass over the Store
// (§3.4: one transaction's worth of consistent reads).
func (c *Cache) readTablesLocked(ctx context.Context) error {
	for _, t := range c.titles {
		if err := t.Read(ctx, c.store); err != nil {
			return err
		}
	}
	if err := c.authors.Read(ctx, c.store); err != nil {
		return err
	}
	for name, l := range c.linked {
		if name == "authors" {
			continue
		}
		if err := l.Read(ctx, c.store); err != nil {
			return err
		}
	}
	if err := c.formats.Read(ctx, c.store); err != nil {
		return err
	}
	return c.identifiers.Read(ctx, c.store)
}

func (c *Cache) buildFieldsLocked() error {
	pos := 0
	assign := func(name string) {
		if _, ok := c.fieldMap[name]; !ok {
			c.fieldMap[name] = pos
			pos++
		}
	}
	for _, name := range _fieldOrder {
		assign(name)
	}
	for _, fm := range c.reg.All() {
		if fm.IsCustom {
			assign(fm.Name)
			if fm.Datatype == fieldmeta.Series {
				assign(fm.Name + "_index")
			}
		}
	}

	deps := writer.Deps{
		Sort:        c.titles["sort"],
		SeriesIndex: c.titles["series_index"],
		OnUUIDChange: func(bookID int64, old, next string) {
			delete(c.uuidMap, old)
			c.uuidMap[next] = bookID
		},
	}

	mk := func(fm *fieldmeta.FieldMeta, tbl any) error {
		f, err := field.New(fm, tbl)
		if err != nil {
			return err
		}
		c.fields[fm.Name] = f
		w, err := writer.For(fm, tbl, deps)
		if err != nil {
			return err
		}
		c.writers[fm.Name] = w
		return nil
	}

	for name := range _titlesResident {
		fm, ok := c.reg.Get(name)
		if !ok {
			fm = &fieldmeta.FieldMeta{Name: name, Datatype: fieldmeta.Text, Table: "books"}
		}
		if err := mk(fm, c.titles[name]); err != nil {
			return err
		}
	}
	for name, l := range c.linked {
		if name == "authors" {
			continue
		}
		fm, ok := c.reg.Get(name)
		if !ok {
			fm = &fieldmeta.FieldMeta{Name: name, Datatype: fieldmeta.Text, Normalized: true, Table: l.ItemTable()}
		}
		if err := mk(fm, l); err != nil {
			return err
		}
	}
	if err := mk(c.reg.MustGet("authors"), c.authors); err != nil {
		return err
	}
	if err := mk(c.reg.MustGet("identifiers"), c.identifiers); err != nil {
		return err
	}
	if err := mk(c.reg.MustGet("formats"), c.formats); err != nil {
		return err
	}

	sizeMeta, _ := c.reg.Get("size")
	sizeTbl := table.NewVirtual("size", func(bookID int64) (any, bool) {
		return c.formats.MaxSize(bookID), true
	})
	if err := mk(sizeMeta, sizeTbl); err != nil {
		return err
	}
	ondeviceMeta := &fieldmeta.FieldMeta{Name: "ondevice", Datatype: fieldmeta.Text}
	ondeviceTbl := table.NewVirtual("ondevice", func(int64) (any, bool) { return "", true })
	if err := mk(ondeviceMeta, ondeviceTbl); err != nil {
		return err
	}

	for name, comp := range c.composites {
		fm, ok := c.reg.Get(name)
		if !ok {
			fm = &fieldmeta.FieldMeta{Name: name, Datatype: fieldmeta.Composite}
		}
		if err := mk(fm, comp); err != nil {
			return err
		}
	}

	// Cross-links (§4.7 step 7).
	c.fields["series"].BindIndex("series_index")
	c.fields["title"].BindIndex("sort")
	c.fields["authors"].BindIndex("author_sort")
	for _, fm := range c.reg.All() {
		if fm.IsCustom && fm.Datatype == fieldmeta.Series {
			c.fields[fm.Name].BindIndex(fm.Name + "_index")
			idxMeta := &fieldmeta.FieldMeta{
				Name: fm.Name + "_index", Datatype: fieldmeta.Float,
				IsCustom: true, CustomNum: fm.CustomNum,
			}
			w, err := writer.For(idxMeta, c.linked[fm.Name], deps)
			if err != nil {
				return err
			}
			c.writers[idxMeta.Name] = w
		}
	}
	return nil
}

func (c *Cache) rebuildUUIDMapLocked() {
	c.uuidMap = map[string]int64{}
	uuids := c.titles["uuid"]
	for _, bookID := range uuids.AllBookIDs() {
		if v, ok := uuids.ForBook(bookID); ok {
			if s, ok := v.(string); ok && s != "" {
				c.uuidMap[s] = bookID
			}
		}
	}
}

// Close flushes in-flight dirtied records and closes the Store (§3.4).
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commitDirtyLocked(ctx); err != nil {
		telemetry.Log(ctx).Warn("flushing dirtied records on close", "err", err)
	}
	return c.store.Close()
}

// ReloadFromDB rereads every table from the Store, optionally clearing
// derived caches (I1 restoration after a failed multi-field write).
func (c *Cache) ReloadFromDB(ctx context.Context, clearCaches bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked(ctx, clearCaches)
}

func (c *Cache) reloadLocked(ctx context.Context, clearCaches bool) error {
	if err := c.readTablesLocked(ctx); err != nil {
		return err
	}
	if clearCaches {
		for _, comp := range c.composites {
			comp.InvalidateAll()
		}
		c.fmtMetaCache = map[int64]map[string]FormatMetadata{}
		c.invalidateSearchLocked()
	}
	c.rebuildUUIDMapLocked()
	c.staleOnce = false
	return nil
}

// LastModified reports the most recent completed write.
func (c *Cache) LastModified() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMod
}

// Vacuum defragments the Store.
func (c *Cache) Vacuum(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Vacuum(ctx)
}

// DumpAndRestore rebuilds the Store from a logical dump and reloads the
// cache from the result.
func (c *Cache) DumpAndRestore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DumpAndRestore(ctx, ""); err != nil {
		return err
	}
	return c.reloadLocked(ctx, true)
}

// RegisterSearchCache adds a search-cache invalidation hook.
func (c *Cache) RegisterSearchCache(sc SearchCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchCaches = append(c.searchCaches, sc)
}

// SetSearcher installs the external search evaluator.
func (c *Cache) SetSearcher(s Searcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searcher = s
}

func (c *Cache) invalidateSearchLocked() {
	for _, sc := range c.searchCaches {
		sc.Invalidate()
	}
}

// invalidateCompositesLocked flags every composite referencing one of the
// touched fields stale for the affected books (I5).
func (c *Cache) invalidateCompositesLocked(fieldName string, bookIDs []int64) {
	for _, comp := range c.composites {
		if !comp.References(fieldName) {
			continue
		}
		for _, id := range bookIDs {
			comp.Invalidate(id)
		}
	}
}

// touchLocked records a completed write's side effects: composite and
// search invalidation, last_modified bump, dirty marking (§4.6 steps 7-8).
func (c *Cache) touchLocked(fieldName string, affected []int64) {
	if len(affected) == 0 {
		return
	}
	c.invalidateCompositesLocked(fieldName, affected)
	c.invalidateSearchLocked()
	c.lastMod = time.Now().UTC()
	c.markDirtyLocked(affected)
	c.metrics.OpInc(fieldName, "write")
}

func (c *Cache) fieldFor(name string) (*field.Field, error) {
	f, ok := c.fields[name]
	if !ok {
		return nil, errs.NotFound(name, fmt.Errorf("cache: unknown field %q", name))
	}
	return f, nil
}

func (c *Cache) writerFor(name string) (writer.Writer, error) {
	w, ok := c.writers[name]
	if !ok {
		return nil, errs.NotFound(name, fmt.Errorf("cache: unknown field %q", name))
	}
	return w, nil
}
