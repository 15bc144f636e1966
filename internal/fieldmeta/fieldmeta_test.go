package fieldmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinFieldsRegistered(t *testing.T) {
	r := New()

	authors, ok := r.Get("authors")
	require.True(t, ok)
	assert.True(t, authors.IsMultiple)
	assert.Equal(t, AuthorSeparators, authors.Separators)
	assert.True(t, authors.IsCategory)

	size, ok := r.Get("size")
	require.True(t, ok)
	assert.Equal(t, Int, size.Datatype)

	_, ok = r.Get("#nope")
	assert.False(t, ok)
}

func TestCategoriesFiltersToTagBrowserFields(t *testing.T) {
	r := New()
	cats := r.Categories()
	names := make(map[string]bool, len(cats))
	for _, c := range cats {
		names[c.Name] = true
		assert.True(t, c.IsCategory)
	}
	assert.True(t, names["tags"])
	assert.True(t, names["series"])
	assert.False(t, names["title"])
}

func TestRegisterCustomColumn(t *testing.T) {
	r := New()

	fm, err := r.RegisterCustomColumn("mood", Text, true, Display{"sort": "asc"})
	require.NoError(t, err)
	assert.Equal(t, "#mood", fm.Name)
	assert.True(t, fm.IsCustom)
	assert.Equal(t, 0, fm.CustomNum)
	assert.NotEmpty(t, fm.LinkTable)

	fm2, err := r.RegisterCustomColumn("rating2", Rating, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fm2.CustomNum)
	assert.NotEmpty(t, fm2.LinkTable)

	comp, err := r.RegisterCustomColumn("derived", Composite, false, nil)
	require.NoError(t, err)
	assert.Empty(t, comp.LinkTable)

	_, err = r.RegisterCustomColumn("mood", Text, true, nil)
	assert.Error(t, err, "duplicate custom column label must fail")

	require.NoError(t, r.DeleteCustomColumn("mood"))
	_, ok := r.Get("#mood")
	assert.False(t, ok)

	err = r.DeleteCustomColumn("title")
	assert.Error(t, err, "cannot delete a builtin field")
}

func TestUserCategoriesAndGroupedSearchTermsReload(t *testing.T) {
	r := New()

	r.ReloadUserCategories(map[string][]string{
		"favorites": {"tags.Sci-Fi", "tags.Fantasy"},
	})
	assert.Equal(t, []string{"tags.Sci-Fi", "tags.Fantasy"}, r.UserCategories()["@favorites"])

	r.ReloadGroupedSearchTerms(map[string]string{
		"allseries": "series:true",
	})
	assert.Equal(t, "series:true", r.GroupedSearchTerms()["allseries"])
}
