package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitAuthors(t *testing.T) {
	assert.Equal(t, []string{"George R. R. Martin"}, SplitAuthors("George R. R. Martin"))
	assert.Equal(t, []string{"Neil Gaiman", "Terry Pratchett"}, SplitAuthors("Neil Gaiman and Terry Pratchett"))
	assert.Equal(t, []string{"Neil Gaiman", "Terry Pratchett"}, SplitAuthors("Neil Gaiman, and Terry Pratchett"))
	assert.Equal(t, []string{"Neil Gaiman", "Terry Pratchett"}, SplitAuthors("Neil Gaiman & Terry Pratchett"))
	assert.Equal(t, []string{"Fire & Ice"}, SplitAuthors("Fire && Ice"))
}

func TestJoinAuthorsRoundTrip(t *testing.T) {
	authors := []string{"Fire & Ice", "Ursula K. Le Guin"}
	joined := JoinAuthors(authors)
	assert.Equal(t, "Fire && Ice & Ursula K. Le Guin", joined)
	assert.Equal(t, authors, SplitAuthors(joined))
}

func TestAuthorSort(t *testing.T) {
	assert.Equal(t, "Clarke, Arthur C.", AuthorSort("Arthur C. Clarke", SortComma))
	assert.Equal(t, "Clarke Arthur C.", AuthorSort("Arthur C. Clarke", SortNoComma))
	assert.Equal(t, "Arthur C. Clarke", AuthorSort("Arthur C. Clarke", SortCopy))
	assert.Equal(t, "Plato", AuthorSort("Plato", SortComma))
	assert.Equal(t, "Tolkien, J.R.R. Jr", AuthorSort("J.R.R. Tolkien Jr", SortComma))
	assert.Equal(t, "Acme Publishing Team", AuthorSort("Acme Publishing Team", SortComma))
}

func TestAuthorsToSortString(t *testing.T) {
	got := AuthorsToSortString([]string{"Arthur C. Clarke", "Isaac Asimov"}, SortComma)
	assert.Equal(t, "Clarke, Arthur C. & Asimov, Isaac", got)
}

func TestTitleCaseNameMcMac(t *testing.T) {
	assert.Equal(t, "McDonald", TitleCaseName("mc donald"))
	assert.Equal(t, "MacLeod", TitleCaseName("mac leod"))
	assert.Equal(t, "Ursula K. Le Guin", TitleCaseName("ursula k. le guin"))
}
