package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
)

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("size >= 4")
	require.NoError(t, err)
	assert.Equal(t, models.OpGreaterThanOrEqual, f.Op)
	assert.Equal(t, int64(4), f.Value.IntegerVal())

	f, err = parseFilter("author == ada lovelace")
	require.NoError(t, err)
	assert.Equal(t, "ada lovelace", f.Value.StringVal())

	f, err = parseFilter(`tag in ["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, models.OpIn, f.Op)
	assert.Len(t, f.Value.ArrayVal(), 2)

	f, err = parseFilter("__name__ == rooms/a")
	require.NoError(t, err)
	assert.Equal(t, models.KindReference, f.Value.Kind())
}

func TestParseFilter_Errors(t *testing.T) {
	for _, in := range []string{"size", "size >", "size ~ 3", "tag in a"} {
		_, err := parseFilter(in)
		assert.Error(t, err, in)
	}
}

func TestRefineQuery(t *testing.T) {
	base := models.NewQuery(models.ParseResourcePath("rooms"))

	q, err := refineQuery(base, []string{"size > 1"}, []string{"size:desc"}, 2, false)
	require.NoError(t, err)
	assert.Len(t, q.Filters, 1)
	require.Len(t, q.ExplicitOrderBy, 1)
	assert.Equal(t, models.Descending, q.ExplicitOrderBy[0].Direction)
	assert.Equal(t, 2, q.Limit)
	assert.Equal(t, models.LimitToFirst, q.LimitType)
	assert.Empty(t, base.Filters, "the base query is not modified")

	q, err = refineQuery(base, nil, []string{"size"}, 3, true)
	require.NoError(t, err)
	assert.Equal(t, models.LimitToLast, q.LimitType)

	_, err = refineQuery(base, nil, nil, 3, true)
	assert.Error(t, err)
	_, err = refineQuery(base, nil, []string{"size:sideways"}, 0, false)
	assert.Error(t, err)
	_, err = refineQuery(base, nil, nil, -1, false)
	assert.Error(t, err)
}
