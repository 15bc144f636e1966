package table

import (
	"sort"
	"sync"
)

// Composite is a lazily-rendered field with no storage of its own: a
// cache of values keyed by book id, invalidated whenever a write touches
// any field the composite's template references (I5).
type Composite struct {
	name       string
	references map[string]bool // field names this composite's template reads

	mu    sync.Mutex
	cache map[int64]string
	stale map[int64]bool
}

// NewComposite constructs a Composite field referencing the given
// dependent field names (e.g. titles_aggregate references creator_tags,
// series_tags, ...).
func NewComposite(name string, references ...string) *Composite {
	refs := make(map[string]bool, len(references))
	for _, r := range references {
		refs[r] = true
	}
	return &Composite{
		name:       name,
		references: refs,
		cache:      make(map[int64]string),
		stale:      make(map[int64]bool),
	}
}

func (c *Composite) Name() string { return c.name }

// References reports whether this composite's rendered value depends on
// field.
func (c *Composite) References(field string) bool { return c.references[field] }

// ReferencedFields lists the field names this composite reads, sorted.
func (c *Composite) ReferencedFields() []string {
	out := make([]string, 0, len(c.references))
	for f := range c.references {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Get returns the cached rendered value, if present and not invalidated.
func (c *Composite) Get(bookID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale[bookID] {
		return "", false
	}
	v, ok := c.cache[bookID]
	return v, ok
}

// Set stores a freshly rendered value and clears its stale flag.
func (c *Composite) Set(bookID int64, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[bookID] = value
	delete(c.stale, bookID)
}

// Invalidate marks bookID's cached value as unevaluated (I5): any write
// touching a referenced field must call this for every affected book.
func (c *Composite) Invalidate(bookID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale[bookID] = true
}

// InvalidateAll marks every cached value stale (used on bulk reload).
func (c *Composite) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.cache {
		c.stale[id] = true
	}
}

// RemoveBooks drops cached/stale entries for deleted books.
func (c *Composite) RemoveBooks(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.cache, id)
		delete(c.stale, id)
	}
}
