package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitleSort(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"The Stand", "Stand, The"},
		{"A Game of Thrones", "Game of Thrones, A"},
		{"An Unexpected Journey", "Unexpected Journey, An"},
		{"Foundation", "Foundation"},
		{"'Salem's Lot", "Salem's Lot"},
		{"the lowercase article", "lowercase article, the"},
		{"  Leading Space Stand  ", "Leading Space Stand"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TitleSort(c.title, OrderArticleToEnd), c.title)
	}
}

func TestTitleSortStrictlyAlphabetic(t *testing.T) {
	assert.Equal(t, "The Stand", TitleSort("The Stand", OrderStrictlyAlphabetic))
}
