package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
)

func TestParseFields(t *testing.T) {
	data, err := parseFields(`{"name":"lobby","size":3,"ratio":0.5,"open":true,"tags":["a",1],"owner":{"id":"u1"},"note":null}`)
	require.NoError(t, err)

	get := func(path string) models.Value {
		v, ok := data.Get(models.MustFieldPath(path))
		require.True(t, ok, path)
		return v
	}
	assert.Equal(t, "lobby", get("name").StringVal())
	assert.Equal(t, models.KindInteger, get("size").Kind())
	assert.Equal(t, int64(3), get("size").IntegerVal())
	assert.Equal(t, models.KindDouble, get("ratio").Kind())
	assert.True(t, get("open").BoolVal())
	assert.Len(t, get("tags").ArrayVal(), 2)
	assert.Equal(t, "u1", get("owner.id").StringVal())
	assert.True(t, get("note").IsNull())
}

func TestParseFields_RejectsNonObjects(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"x"`, `{"a":1} {"b":2}`, `{`} {
		_, err := parseFields(in)
		assert.Error(t, err, in)
	}
}

func TestParseLiteral(t *testing.T) {
	assert.Equal(t, models.KindInteger, parseLiteral("12").Kind())
	assert.Equal(t, models.KindDouble, parseLiteral("1.5").Kind())
	assert.Equal(t, models.KindBool, parseLiteral("false").Kind())
	assert.Equal(t, models.KindArray, parseLiteral(`["a","b"]`).Kind())
	assert.Equal(t, "ada", parseLiteral("ada").StringVal())
	assert.Equal(t, "two words", parseLiteral("two words").StringVal())
	assert.Equal(t, "quoted", parseLiteral(`"quoted"`).StringVal())
}

func TestFormatFields(t *testing.T) {
	data := models.ObjectValueOf(map[string]models.Value{
		"b":   models.IntegerValue(2),
		"a":   models.StringValue("x"),
		"at":  models.TimestampValue(models.TimestampFromMicros(0)),
		"ref": models.ReferenceValue(models.MustDocumentKey("rooms/a")),
	})
	assert.Equal(t, "{\n  \"a\": \"x\",\n  \"at\": \"1970-01-01T00:00:00Z\",\n  \"b\": 2,\n  \"ref\": \"rooms/a\"\n}", formatFields(data))
	assert.Equal(t, `{"a":"x","at":"1970-01-01T00:00:00Z","b":2,"ref":"rooms/a"}`, compactFields(data))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "1 document", formatCount(1, "document"))
	assert.Equal(t, "0 documents", formatCount(0, "document"))
	assert.Equal(t, "3 batches", formatCount(3, "batch"))
}
