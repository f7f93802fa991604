package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc(path string, fields map[string]Value) *Document {
	return NewFoundDocument(MustDocumentKey(path), Timestamp{Seconds: 1}, ObjectValueOf(fields))
}

// ==================== Query Matching Tests ====================

func TestQuery_MatchesCollectionPath(t *testing.T) {
	q := NewQuery(ParseResourcePath("rooms"))

	assert.True(t, q.Matches(testDoc("rooms/a", nil)))
	assert.False(t, q.Matches(testDoc("rooms/a/messages/m", nil)))
	assert.False(t, q.Matches(NewNoDocument(MustDocumentKey("rooms/b"), Timestamp{})))

	cg := NewCollectionGroupQuery("messages")
	assert.True(t, cg.Matches(testDoc("rooms/a/messages/m", nil)))
	assert.False(t, cg.Matches(testDoc("rooms/a", nil)))
}

func TestFilter_Operators(t *testing.T) {
	doc := testDoc("c/d", map[string]Value{
		"n":    IntegerValue(5),
		"tags": ArrayValue(StringValue("a"), StringValue("b")),
		"nil":  NullValue(),
	})

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"eq int double", FieldFilter(FieldPath{"n"}, OpEqual, DoubleValue(5)), true},
		{"lt", FieldFilter(FieldPath{"n"}, OpLessThan, IntegerValue(6)), true},
		{"gt type mismatch", FieldFilter(FieldPath{"n"}, OpGreaterThan, StringValue("a")), false},
		{"neq other type", FieldFilter(FieldPath{"n"}, OpNotEqual, StringValue("a")), true},
		{"neq null field", FieldFilter(FieldPath{"nil"}, OpNotEqual, IntegerValue(1)), false},
		{"neq missing field", FieldFilter(FieldPath{"missing"}, OpNotEqual, IntegerValue(1)), false},
		{"array-contains", FieldFilter(FieldPath{"tags"}, OpArrayContains, StringValue("b")), true},
		{"array-contains-any", FieldFilter(FieldPath{"tags"}, OpArrayContainsAny, ArrayValue(StringValue("z"), StringValue("a"))), true},
		{"in", FieldFilter(FieldPath{"n"}, OpIn, ArrayValue(IntegerValue(4), IntegerValue(5))), true},
		{"not-in", FieldFilter(FieldPath{"n"}, OpNotIn, ArrayValue(IntegerValue(5))), false},
		{"not-in with null", FieldFilter(FieldPath{"n"}, OpNotIn, ArrayValue(NullValue())), false},
		{"key", FieldFilter(KeyField(), OpEqual, ReferenceValue(MustDocumentKey("c/d"))), true},
		{"or", OrFilter(
			FieldFilter(FieldPath{"n"}, OpEqual, IntegerValue(1)),
			FieldFilter(FieldPath{"n"}, OpEqual, IntegerValue(5)),
		), true},
		{"and", AndFilter(
			FieldFilter(FieldPath{"n"}, OpEqual, IntegerValue(5)),
			FieldFilter(FieldPath{"tags"}, OpArrayContains, StringValue("x")),
		), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.Matches(doc))
		})
	}
}

func TestQuery_NormalizedOrderBy(t *testing.T) {
	q := NewQuery(ParseResourcePath("c")).
		Where(FieldFilter(FieldPath{"b"}, OpGreaterThan, IntegerValue(1))).
		Where(FieldFilter(FieldPath{"a"}, OpNotEqual, IntegerValue(1))).
		OrderBy(FieldPath{"z"}, Descending)

	ob := q.NormalizedOrderBy()
	require.Len(t, ob, 4)
	assert.Equal(t, FieldPath{"z"}, ob[0].Field)
	assert.Equal(t, FieldPath{"a"}, ob[1].Field)
	assert.Equal(t, FieldPath{"b"}, ob[2].Field)
	assert.True(t, ob[3].Field.IsKeyField())
	for _, o := range ob {
		assert.Equal(t, Descending, o.Direction)
	}
}

func TestQuery_LimitToLastFlipsTarget(t *testing.T) {
	q := NewQuery(ParseResourcePath("c")).
		OrderBy(FieldPath{"v"}, Ascending).
		WithStartAt(Bound{Position: []Value{IntegerValue(1)}, Inclusive: true}).
		LimitLast(2)

	target := q.ToTarget()
	assert.Equal(t, Descending, target.OrderBy[0].Direction)
	require.NotNil(t, target.EndAt)
	assert.False(t, target.EndAt.Inclusive)
	assert.Nil(t, target.StartAt)

	first := NewQuery(ParseResourcePath("c")).
		OrderBy(FieldPath{"v"}, Ascending).
		WithStartAt(Bound{Position: []Value{IntegerValue(1)}, Inclusive: true}).
		LimitFirst(2)
	assert.NotEqual(t, q.CanonicalID(), first.CanonicalID())
}

func TestQuery_Bounds(t *testing.T) {
	q := NewQuery(ParseResourcePath("c")).
		OrderBy(FieldPath{"v"}, Ascending).
		WithStartAt(Bound{Position: []Value{IntegerValue(2)}, Inclusive: true}).
		WithEndAt(Bound{Position: []Value{IntegerValue(4)}, Inclusive: false})

	assert.False(t, q.Matches(testDoc("c/1", map[string]Value{"v": IntegerValue(1)})))
	assert.True(t, q.Matches(testDoc("c/2", map[string]Value{"v": IntegerValue(2)})))
	assert.True(t, q.Matches(testDoc("c/3", map[string]Value{"v": IntegerValue(3)})))
	assert.False(t, q.Matches(testDoc("c/4", map[string]Value{"v": IntegerValue(4)})))
	assert.False(t, q.Matches(testDoc("c/5", nil)), "order-by field must exist")
}

func TestTarget_CanonicalIDStructuralEquality(t *testing.T) {
	a := NewQuery(ParseResourcePath("c")).Where(FieldFilter(FieldPath{"x"}, OpEqual, IntegerValue(1))).ToTarget()
	b := NewQuery(ParseResourcePath("c")).Where(FieldFilter(FieldPath{"x"}, OpEqual, IntegerValue(1))).ToTarget()
	c := NewQuery(ParseResourcePath("c")).Where(FieldFilter(FieldPath{"x"}, OpEqual, IntegerValue(2))).ToTarget()

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, NewDocumentTarget(MustDocumentKey("c/d")).IsDocumentTarget())
}

// ==================== DocumentSet Tests ====================

func TestDocumentSet_OrderAndReplace(t *testing.T) {
	q := NewQuery(ParseResourcePath("c")).OrderBy(FieldPath{"v"}, Descending)
	set := NewDocumentSet(q.Comparator())

	set.Add(testDoc("c/a", map[string]Value{"v": IntegerValue(1)}))
	set.Add(testDoc("c/b", map[string]Value{"v": IntegerValue(3)}))
	set.Add(testDoc("c/c", map[string]Value{"v": IntegerValue(2)}))
	require.Equal(t, 3, set.Len())
	assert.Equal(t, "c/b", set.First().Key.String())
	assert.Equal(t, "c/a", set.Last().Key.String())

	clone := set.Clone()
	set.Add(testDoc("c/a", map[string]Value{"v": IntegerValue(9)}))
	assert.Equal(t, "c/a", set.First().Key.String())
	assert.Equal(t, "c/b", clone.First().Key.String())

	set.Delete(MustDocumentKey("c/b"))
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, -1, set.IndexOf(MustDocumentKey("c/b")))
	assert.Equal(t, 1, set.IndexOf(MustDocumentKey("c/c")))
}
