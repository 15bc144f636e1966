package cache

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// Metadata is the full denormalized view of one book, the payload
// get_metadata returns and the backup path serializes.
type Metadata struct {
	ID           int64             `json:"id"`
	UUID         string            `json:"uuid"`
	Title        string            `json:"title"`
	TitleSort    string            `json:"sort"`
	Authors      []string          `json:"authors"`
	AuthorSort   string            `json:"author_sort"`
	Series       string            `json:"series,omitempty"`
	SeriesIndex  float64           `json:"series_index,omitempty"`
	Publisher    string            `json:"publisher,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Subjects     string            `json:"subjects,omitempty"`
	Genre        string            `json:"genre,omitempty"`
	Languages    []string          `json:"languages,omitempty"`
	Identifiers  map[string]string `json:"identifiers,omitempty"`
	Comments     []string          `json:"comments,omitempty"`
	Rating       []string          `json:"rating,omitempty"`
	Pubdate      string            `json:"pubdate,omitempty"`
	Timestamp    string            `json:"timestamp,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	Path         string            `json:"path,omitempty"`
	HasCover     bool              `json:"has_cover,omitempty"`
	Formats      []string          `json:"formats,omitempty"`
	Size         int64             `json:"size,omitempty"`
	Custom       map[string]any    `json:"custom,omitempty"`
}

// GetMetadata assembles the full metadata for a book. Concurrent calls
// for the same book coalesce (the join is O(fields)).
func (c *Cache) GetMetadata(ctx context.Context, bookID int64) (*Metadata, error) {
	v, err, _ := c.group.Do(fmt.Sprintf("md:%d", bookID), func() (any, error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.metadataLocked(bookID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

func (c *Cache) metadataLocked(bookID int64) (*Metadata, error) {
	titleV, ok := c.titles["title"].ForBook(bookID)
	if !ok {
		return nil, errs.NotFound("", fmt.Errorf("cache: book %d not in cache", bookID), bookID)
	}

	str := func(field string) string {
		if v, ok := c.titles[field].ForBook(bookID); ok {
			s, _ := v.(string)
			return s
		}
		return ""
	}
	strs := func(field string) []string {
		f, ok := c.fields[field]
		if !ok {
			return nil
		}
		v, _ := f.ForBook(bookID, nil).([]string)
		return v
	}
	single := func(field string) string {
		f, ok := c.fields[field]
		if !ok {
			return ""
		}
		s, _ := f.ForBook(bookID, nil).(string)
		return s
	}

	md := &Metadata{
		ID:           bookID,
		UUID:         str("uuid"),
		Title:        fmt.Sprintf("%v", titleV),
		TitleSort:    str("sort"),
		Authors:      strs("authors"),
		AuthorSort:   str("author_sort"),
		Series:       single("series"),
		Publisher:    single("publisher"),
		Tags:         strs("tags"),
		Subjects:     single("subjects"),
		Genre:        single("genre"),
		Languages:    strs("languages"),
		Comments:     strs("comments"),
		Rating:       strs("rating"),
		Pubdate:      str("pubdate"),
		Timestamp:    str("timestamp"),
		LastModified: str("last_modified"),
		Path:         str("path"),
		Formats:      c.formats.PriorityCodes(bookID),
		Size:         c.formats.MaxSize(bookID),
	}
	if v, ok := c.titles["series_index"].ForBook(bookID); ok {
		md.SeriesIndex, _ = asFloat(v)
	}
	if v, ok := c.titles["cover"].ForBook(bookID); ok {
		if n, ok := asFloat(v); ok {
			md.HasCover = n != 0
		}
	}
	entries := c.identifiers.ForBook(bookID)
	if len(entries) > 0 {
		md.Identifiers = make(map[string]string, len(entries))
		for _, e := range entries {
			md.Identifiers[e.Type] = e.Value
		}
	}
	for _, fm := range c.reg.All() {
		if !fm.IsCustom {
			continue
		}
		f, ok := c.fields[fm.Name]
		if !ok {
			continue
		}
		if md.Custom == nil {
			md.Custom = map[string]any{}
		}
		md.Custom[fm.Name] = f.ForBook(bookID, nil)
	}
	return md, nil
}

// ProxyMetadata is a lazy view of a book's metadata: fields resolve on
// access, so formatter templates touching two fields don't pay for the
// full join.
type ProxyMetadata struct {
	c      *Cache
	bookID int64
}

// GetProxyMetadata returns the lazy view; it stays valid across writes
// (each access re-reads the live cache).
func (c *Cache) GetProxyMetadata(bookID int64) *ProxyMetadata {
	return &ProxyMetadata{c: c, bookID: bookID}
}

// Get resolves one field on demand.
func (p *ProxyMetadata) Get(field string) any {
	return p.c.FastFieldFor(field, p.bookID, nil)
}

// BookID returns the proxied book's id.
func (p *ProxyMetadata) BookID() int64 { return p.bookID }

func encodeMetadata(md *Metadata) ([]byte, error) {
	b, err := sonic.Marshal(md)
	if err != nil {
		return nil, errs.Input("", fmt.Errorf("cache: encode metadata for book %d: %w", md.ID, err))
	}
	return b, nil
}

// GetMetadataForDump returns the serialized metadata bytes the backup
// path writes through the FSM (the OPF reader/writer collaborator treats
// them as an opaque bytestring).
func (c *Cache) GetMetadataForDump(ctx context.Context, bookID int64) ([]byte, error) {
	md, err := c.GetMetadata(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(md)
}
