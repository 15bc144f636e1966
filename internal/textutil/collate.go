package textutil

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	_collatorOnce sync.Once
	_collator     *collate.Collator
	_lowerCaser   cases.Caser
)

func initLocale() {
	_collator = collate.New(language.Und, collate.IgnoreCase, collate.IgnoreDiacritics)
	_lowerCaser = cases.Lower(language.Und)
}

// SortKey returns a locale-aware collation key suitable for storing
// alongside a denormalized sort column and comparing with bytes.Compare,
// standing in for the ICU-backed sort_key SQL function.
func SortKey(s string) []byte {
	_collatorOnce.Do(initLocale)
	return _collator.Key(&collate.Buffer{}, []byte(norm.NFC.String(s)))
}

// ICULower is a Unicode-aware case fold, standing in for the ICU-backed
// icu_lower SQL function used for case-insensitive item lookups.
func ICULower(s string) string {
	_collatorOnce.Do(initLocale)
	return _lowerCaser.String(norm.NFC.String(s))
}

// NoCaseEqual reports whether two strings are equal under the same
// case-folding rule used by the nocase collation (item de-duplication,
// I2's case-insensitive item-name equivalence).
func NoCaseEqual(a, b string) bool {
	return ICULower(a) == ICULower(b)
}

var sanitizePolicy = bluemonday.StrictPolicy()

// Sanitize strips all markup from ingested free text (Note/Comment/Synopsis
// bodies pulled from an OPF), leaving plain text only.
func Sanitize(s string) string {
	return sanitizePolicy.Sanitize(s)
}

// ugcPolicy, used by SanitizeRichText, is looser than Sanitize: it keeps a small set of inline
// formatting tags for fields that are meant to render as limited HTML
// (long-form Comments), matching calibre's treatment of the comments field.
var ugcPolicy = bluemonday.UGCPolicy()

// SanitizeRichText allows a restricted whitelist of formatting tags through
// (the comments/synopsis long-form fields) rather than stripping to plain
// text.
func SanitizeRichText(s string) string {
	return ugcPolicy.Sanitize(s)
}
