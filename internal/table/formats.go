package table

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shelfcache/shelfcache/internal/errs"
)

// priorityCodePat recognizes a priority format code BASE_k (§6.3).
var priorityCodePat = regexp.MustCompile(`^([A-Za-z0-9]+)_(\d+)$`)

// FormatEntry is one stored file slot for a book.
type FormatEntry struct {
	Base string
	Size int64
}

// Formats is the formats table specialization (§4.4): book_col_map maps a
// book to its ordered tuple of priority-format codes, e.g.
// ("EPUB_1","PDF_1","EPUB_2"). Slots per (book, base) must be contiguous
// 1..N after every mutation (I4).
type Formats struct {
	mu    sync.Mutex
	slots map[int64][]FormatEntry // ordered by overall priority, not grouped by base
}

// NewFormats constructs an empty formats table.
func NewFormats() *Formats {
	return &Formats{slots: make(map[int64][]FormatEntry)}
}

func (f *Formats) Name() string { return "formats" }

// Read populates slots from the Store's "data" table, ordered by its
// explicit priority column ascending per book.
func (f *Formats) Read(ctx context.Context, store Store) error {
	rows, err := store.AllRows(ctx, "data", "priority", false)
	if err != nil {
		return errs.Store(fmt.Errorf("formats: read data: %w", err))
	}
	slots := make(map[int64][]FormatEntry)
	for _, row := range rows {
		bookID, ok := asInt64(row["book"])
		if !ok {
			continue
		}
		base, _ := row["format"].(string)
		size, _ := asInt64(row["uncompressed_size"])
		slots[bookID] = append(slots[bookID], FormatEntry{Base: strings.ToUpper(base), Size: size})
	}
	f.mu.Lock()
	f.slots = slots
	f.mu.Unlock()
	return nil
}

// PriorityCodes returns a book's ordered priority-format code tuple,
// grouped per-base into contiguous 1..N slots (I4).
func (f *Formats) PriorityCodes(bookID int64) []string {
	f.mu.Lock()
	entries := append([]FormatEntry(nil), f.slots[bookID]...)
	f.mu.Unlock()
	return codesFor(entries)
}

func codesFor(entries []FormatEntry) []string {
	counts := make(map[string]int)
	out := make([]string, len(entries))
	for i, e := range entries {
		counts[e.Base]++
		out[i] = fmt.Sprintf("%s_%d", e.Base, counts[e.Base])
	}
	return out
}

// HasPriorityFmt reports whether a specific priority code exists for a
// book.
func (f *Formats) HasPriorityFmt(bookID int64, code string) bool {
	for _, c := range f.PriorityCodes(bookID) {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// indexOfCode returns the entry index for a priority code, or -1.
func indexOfCode(codes []string, code string) int {
	for i, c := range codes {
		if strings.EqualFold(c, code) {
			return i
		}
	}
	return -1
}

// ParsePriorityCode splits BASE_k into (base, k, ok).
func ParsePriorityCode(code string) (base string, k int, ok bool) {
	m := priorityCodePat.FindStringSubmatch(strings.ToUpper(code))
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return m[1], n, true
}

// Add applies the formats-add algorithm (§4.6 "Formats add"):
//
//   - a bare base code (no "_k" suffix) is inserted at the highest
//     priority slot for that base, shifting existing slots of the same
//     base down;
//   - a priority code that does not yet exist is appended at the lowest
//     slot;
//   - a priority code that exists and replace=true overwrites that slot
//     in place, reusing it;
//   - a priority code that exists and replace=false is an InputError.
//
// It returns the resulting priority code.
func (f *Formats) Add(bookID int64, input string, size int64, replace bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.slots[bookID]
	codes := codesFor(entries)

	if base, k, ok := ParsePriorityCode(input); ok {
		if idx := indexOfCode(codes, input); idx >= 0 {
			if !replace {
				return "", errs.Input("formats", fmt.Errorf("formats: slot %s already exists for book %d", input, bookID))
			}
			entries[idx].Size = size
			f.slots[bookID] = entries
			return input, nil
		}
		// Append at the lowest slot for this base, ignoring the
		// requested k per the spec.
		_ = k
		entries = append(entries, FormatEntry{Base: strings.ToUpper(base), Size: size})
		f.slots[bookID] = entries
		return codesFor(entries)[len(entries)-1], nil
	}

	// Bare base code: insert at the highest priority slot for that base.
	base := strings.ToUpper(input)
	insertAt := 0
	for i, e := range entries {
		if e.Base == base {
			insertAt = i
			break
		}
		insertAt = i + 1
	}
	next := append(entries[:insertAt:insertAt], append([]FormatEntry{{Base: base, Size: size}}, entries[insertAt:]...)...)
	f.slots[bookID] = next
	return base + "_1", nil
}

// Remove deletes a single priority-format slot and densifies the
// remaining slots of that base so 1..N has no gaps (I4). It returns the
// recomputed max size over the book's remaining formats.
func (f *Formats) Remove(bookID int64, code string) (newMax int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.slots[bookID]
	codes := codesFor(entries)
	idx := indexOfCode(codes, code)
	if idx < 0 {
		return 0, errs.NotFound("formats", fmt.Errorf("formats: no slot %s for book %d", code, bookID))
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	f.slots[bookID] = entries
	return f.maxSizeLocked(bookID), nil
}

// RemoveAll deletes every format slot for a book (used by remove_books).
func (f *Formats) RemoveAll(bookID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.slots, bookID)
}

func (f *Formats) maxSizeLocked(bookID int64) int64 {
	var max int64
	for _, e := range f.slots[bookID] {
		if e.Size > max {
			max = e.Size
		}
	}
	return max
}

// SizeAt returns the size of a book's i-th slot in overall priority
// order, or 0 when out of range.
func (f *Formats) SizeAt(bookID int64, i int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.slots[bookID]
	if i < 0 || i >= len(entries) {
		return 0
	}
	return entries[i].Size
}

// MaxSize returns the max size over every stored format for a book,
// backing the virtual "size" field (§4.4 "size: virtual, derived as
// max(size_over_formats(book_id))").
func (f *Formats) MaxSize(bookID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSizeLocked(bookID)
}

// FormatFname renders the stand-alone filename component (without
// directory) for a priority code, matching the "stand_fmt"/"format_fname"
// helpers (§4.5): lowercase extension, no slot suffix in the visible
// name.
func FormatFname(priorityCode string) string {
	base, _, ok := ParsePriorityCode(priorityCode)
	if !ok {
		base = priorityCode
	}
	return strings.ToLower(base)
}

// sortedBooks is a small helper the cache controller uses when it needs a
// deterministic iteration order for tests and dumps.
func (f *Formats) sortedBooks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.slots))
	for id := range f.slots {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
