// Package textutil holds the field-normalization algorithms shared by the
// Store driver's scalar functions and the cache controller's writers: title
// sort keys, author sort keys, author-string splitting, identifier
// normalization, locale-aware collation, and ingested-text sanitization.
package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// defaultTitleSortArticles are the leading articles stripped by TitleSort
// when no per-language override applies. English-only; per-language tables
// can be added the same way without changing call sites.
var defaultTitleSortArticles = []string{"A", "The", "An"}

var titleSortPat = buildTitleSortPattern(defaultTitleSortArticles)

func buildTitleSortPattern(articles []string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^(` + strings.Join(articles, "|") + `)\s+`)
}

// ignoreStarts are leading quote/apostrophe characters stripped before the
// article match, mirroring calibre's curly-quote handling.
const ignoreStarts = "'\"‘’‚‛“”′″"

// TitleOrder selects how TitleSort treats leading articles.
type TitleOrder int

const (
	// OrderArticleToEnd moves a leading article ("The Stand" -> "Stand, The").
	OrderArticleToEnd TitleOrder = iota
	// OrderStrictlyAlphabetic leaves the title untouched.
	OrderStrictlyAlphabetic
)

// TitleSort produces the sort key for a title: a leading article (A/An/The,
// case-insensitive) is moved to the end after a comma. A leading curly or
// straight quote is dropped first and re-dropped after the article moves.
func TitleSort(title string, order TitleOrder) string {
	title = strings.TrimSpace(title)
	if order == OrderStrictlyAlphabetic {
		return title
	}
	if title == "" {
		return title
	}
	if r, n := utf8.DecodeRuneInString(title); strings.ContainsRune(ignoreStarts, r) {
		title = title[n:]
	}
	loc := titleSortPat.FindStringIndex(title)
	if loc != nil {
		article := strings.TrimSpace(title[loc[0]:loc[1]])
		rest := title[loc[1]:]
		title = rest + ", " + article
		if r, n := utf8.DecodeRuneInString(title); title != "" && strings.ContainsRune(ignoreStarts, r) {
			title = title[n:]
		}
	}
	return strings.TrimSpace(title)
}
