package textutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestICULower(t *testing.T) {
	assert.Equal(t, "café", ICULower("CAFÉ"))
	assert.True(t, NoCaseEqual("Ursula K. Le Guin", "URSULA K. LE GUIN"))
	assert.False(t, NoCaseEqual("Ursula K. Le Guin", "Ursula K. LeGuin"))
}

func TestSortKeyOrdering(t *testing.T) {
	a := SortKey("apple")
	b := SortKey("Apple")
	c := SortKey("banana")
	assert.Equal(t, 0, bytes.Compare(a, b), "case should collate equal")
	assert.True(t, bytes.Compare(a, c) < 0)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "bold text", Sanitize("<p>bold <b>text</b></p>"))
	assert.Equal(t, "", Sanitize(`<script>alert(1)</script>`))
}

func TestSanitizeRichText(t *testing.T) {
	got := SanitizeRichText("<p>Some <em>emphasis</em></p><script>bad()</script>")
	assert.Contains(t, got, "<em>emphasis</em>")
	assert.NotContains(t, got, "<script>")
}
