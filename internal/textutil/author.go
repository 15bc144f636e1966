package textutil

import (
	"regexp"
	"strings"
)

// authorSplitPat is the default author-list splitter: a comma-or-space
// separated "and"/"with" between two names becomes an ampersand before the
// string is split on "&".
var authorSplitPat = regexp.MustCompile(`(?i),?\s+(and|with)\s+`)

// defaultCopyWords are author tokens that force AuthorSort to return the
// name unchanged (bands, corporate authors, "Various").
var defaultCopyWords = map[string]bool{
	"inc":     true,
	"company": true,
	"llc":     true,
	"agency":  true,
	"team":    true,
}

// defaultPrefixes are leading name tokens ignored when picking the surname.
var defaultPrefixes = map[string]bool{
	"von": true, "van": true, "de": true, "the": true, "dr": true, "dr.": true,
}

// defaultSuffixes are trailing name tokens moved to the end of the sort key
// rather than treated as part of the surname.
var defaultSuffixes = map[string]bool{
	"jr": true, "jr.": true, "sr": true, "sr.": true,
	"i": true, "ii": true, "iii": true, "iv": true,
}

// SplitAuthors turns a single encoded author string into a list of author
// names. "&&" is an escaped literal ampersand; any other "&" is the
// inter-author separator produced by JoinAuthors.
func SplitAuthors(raw string) []string {
	if raw == "" {
		return nil
	}
	const sentinel = "￿"
	raw = strings.ReplaceAll(raw, "&&", sentinel)
	raw = authorSplitPat.ReplaceAllString(raw, "&")
	parts := strings.Split(raw, "&")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(strings.TrimSpace(p), sentinel, "&")
		if p != "" {
			out = append(out, TitleCaseName(p))
		}
	}
	return out
}

// JoinAuthors is the inverse of SplitAuthors: authors are "&"-joined, with
// any literal ampersand inside a name doubled so it survives a round trip.
func JoinAuthors(authors []string) string {
	escaped := make([]string, 0, len(authors))
	for _, a := range authors {
		if a == "" {
			continue
		}
		escaped = append(escaped, strings.ReplaceAll(a, "&", "&&"))
	}
	return strings.Join(escaped, " & ")
}

// AuthorSortMethod selects how AuthorSort rewrites a display name.
type AuthorSortMethod int

const (
	// SortComma moves the surname first, separated by a comma: "Clarke, Arthur C.".
	SortComma AuthorSortMethod = iota
	// SortNoComma is the same reordering without the comma.
	SortNoComma
	// SortCopy returns the name unchanged.
	SortCopy
)

// AuthorSort computes the sort key for one author name. Corporate names
// (matching a copy word) and single-token names are returned unchanged;
// honorific prefixes are dropped and generational suffixes (Jr, III, ...)
// are carried to the end rather than treated as the surname.
func AuthorSort(author string, method AuthorSortMethod) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	tokens := strings.Fields(author)
	if len(tokens) < 2 {
		return author
	}

	for _, t := range tokens {
		if defaultCopyWords[strings.ToLower(t)] {
			return author
		}
	}
	if method == SortCopy {
		return author
	}

	for len(tokens) > 0 && defaultPrefixes[strings.ToLower(tokens[0])] {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return author
	}

	var suffix string
	for len(tokens) > 0 && defaultSuffixes[strings.ToLower(tokens[len(tokens)-1])] {
		if suffix == "" {
			suffix = tokens[len(tokens)-1]
		} else {
			suffix = tokens[len(tokens)-1] + " " + suffix
		}
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return author
	}

	if method == SortComma && strings.Contains(strings.Join(tokens, ""), ",") {
		return author
	}

	reordered := append([]string{tokens[len(tokens)-1]}, tokens[:len(tokens)-1]...)
	numToks := len(reordered)
	if suffix != "" {
		reordered = append(reordered, suffix)
	}
	if method == SortComma && numToks > 1 {
		reordered[0] += ","
	}
	return strings.Join(reordered, " ")
}

// AuthorsToSortString joins the per-author AuthorSort keys with " & ",
// matching the display-string separator used by JoinAuthors.
func AuthorsToSortString(authors []string, method AuthorSortMethod) string {
	keys := make([]string, len(authors))
	for i, a := range authors {
		keys[i] = AuthorSort(a, method)
	}
	return strings.Join(keys, " & ")
}

// mcMacPat finds a trailing "Mc"/"Mac" token immediately followed by a
// capitalized word, so TitleCaseName can re-glue them ("Mc Donald" ->
// "McDonald").
var mcMacPat = regexp.MustCompile(`\b([Mm]a?c) ([A-Z]\w*)`)

// TitleCaseName title-cases a raw author token, capitalizing each word
// boundary and re-attaching a split "Mc"/"Mac" prefix to the name that
// follows it. Tokens with a capital after the first letter ("McDonald",
// "S.A.") or with a leading capital and a period ("R.") are left
// untouched; other tokens, lowercase initials included, are recased.
func TitleCaseName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	words := strings.Split(name, " ")
	for i, w := range words {
		if w == "" || keepCasing(w) {
			continue
		}
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + strings.ToLower(string(r[1:]))
	}
	name = strings.Join(words, " ")
	return mcMacPat.ReplaceAllString(name, "$1$2")
}

func keepCasing(w string) bool {
	hasUpper := false
	for i, r := range w {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				return true
			}
			hasUpper = true
		}
	}
	return hasUpper && strings.ContainsRune(w, '.')
}
