package relations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIncludesBasic(t *testing.T) {
	incs, err := ParseIncludes("author, comments")
	require.NoError(t, err)
	require.Len(t, incs, 2)
	assert.Equal(t, "author", incs[0].Name)
	assert.Equal(t, "comments", incs[1].Name)
}

func TestParseIncludesOptions(t *testing.T) {
	incs, err := ParseIncludes(`comments(select:id,body;limit:5;filter:score=gt=10)`)
	require.NoError(t, err)
	require.Len(t, incs, 1)
	inc := incs[0]
	assert.Equal(t, "comments", inc.Name)
	assert.Equal(t, []string{"id", "body"}, inc.Select)
	assert.Equal(t, 5, inc.Limit)
	assert.Equal(t, "score=gt=10", inc.Filter)
}

func TestParseIncludesFilterSwallowsRest(t *testing.T) {
	// A filter expression may contain semicolons; it must come last and
	// takes the remainder verbatim.
	incs, err := ParseIncludes(`comments(limit:2;filter:score=gt=10;status=="ok")`)
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.Equal(t, 2, incs[0].Limit)
	assert.Equal(t, `score=gt=10;status=="ok"`, incs[0].Filter)
}

func TestParseIncludesNested(t *testing.T) {
	incs, err := ParseIncludes("author.posts,author,comments")
	require.NoError(t, err)
	require.Len(t, incs, 2)
	assert.Equal(t, "author", incs[0].Name)
	require.Len(t, incs[0].Nested, 1)
	assert.Equal(t, "posts", incs[0].Nested[0].Name)
	assert.Equal(t, "comments", incs[1].Name)
}

func TestParseIncludesErrors(t *testing.T) {
	_, err := ParseIncludes("comments(limit:zero)")
	assert.Error(t, err)

	_, err = ParseIncludes("comments(limit:5")
	assert.Error(t, err)

	_, err = ParseIncludes("comments(bogus:1)")
	assert.Error(t, err)
}
