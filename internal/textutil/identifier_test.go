package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeISBN(t *testing.T) {
	isbn, ok := NormalizeISBN("978-0-13-468599-1")
	assert.True(t, ok)
	assert.Equal(t, "9780134685991", isbn)

	isbn, ok = NormalizeISBN("0-306-40615-2")
	assert.True(t, ok)
	assert.Equal(t, "0306406152", isbn)

	_, ok = NormalizeISBN("0-306-40615-3")
	assert.False(t, ok, "bad checksum must be rejected")

	_, ok = NormalizeISBN("1111111111")
	assert.False(t, ok, "repeated-digit ISBNs are never valid")

	isbn, ok = NormalizeISBN("155860832X")
	assert.True(t, ok)
	assert.Equal(t, "155860832X", isbn)

	_, ok = NormalizeISBN("")
	assert.False(t, ok)
}

func TestFormatISBN(t *testing.T) {
	assert.Equal(t, "978-0-1346-8599-1", FormatISBN("9780134685991"))
	assert.Equal(t, "03-0640-615-2", FormatISBN("0306406152"))
}

func TestNormalizeISSN(t *testing.T) {
	issn, ok := NormalizeISSN("2049-3630")
	assert.True(t, ok)
	assert.Equal(t, "20493630", issn)

	_, ok = NormalizeISSN("2049-3631")
	assert.False(t, ok)
}
