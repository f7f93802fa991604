package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(fields map[string]Value) ObjectValue { return ObjectValueOf(fields) }

func field(t *testing.T, d *Document, path string) Value {
	t.Helper()
	v, ok := d.Field(MustFieldPath(path))
	require.True(t, ok, "field %s missing", path)
	return v
}

// ==================== Transform Tests ====================

func TestIncrement_Saturates(t *testing.T) {
	tr := IncrementTransform(MustFieldPath("n"), IntegerValue(10))
	prev := IntegerValue(math.MaxInt64 - 5)
	got := tr.ApplyToLocalView(&prev, Timestamp{})
	assert.Equal(t, int64(math.MaxInt64), got.IntegerVal())

	dbl := IncrementTransform(MustFieldPath("n"), DoubleValue(0.5))
	prev = IntegerValue(1)
	got = dbl.ApplyToLocalView(&prev, Timestamp{})
	assert.Equal(t, KindDouble, got.Kind())
	assert.Equal(t, 1.5, got.DoubleVal())

	str := StringValue("x")
	got = tr.ApplyToLocalView(&str, Timestamp{})
	assert.Equal(t, int64(10), got.IntegerVal())
}

func TestArrayTransforms(t *testing.T) {
	prev := ArrayValue(IntegerValue(1), IntegerValue(2), IntegerValue(1))
	union := ArrayUnionTransform(MustFieldPath("a"), IntegerValue(2), IntegerValue(3))
	got := union.ApplyToLocalView(&prev, Timestamp{})
	assert.Len(t, got.ArrayVal(), 4)

	remove := ArrayRemoveTransform(MustFieldPath("a"), IntegerValue(1))
	got = remove.ApplyToLocalView(&prev, Timestamp{})
	require.Len(t, got.ArrayVal(), 1)
	assert.Equal(t, int64(2), got.ArrayVal()[0].IntegerVal())
}

func TestServerTimestamp_KeepsOriginalPrevious(t *testing.T) {
	tr := ServerTimestampTransform(MustFieldPath("t"))
	orig := StringValue("before")
	first := tr.ApplyToLocalView(&orig, Timestamp{Seconds: 1})
	second := tr.ApplyToLocalView(&first, Timestamp{Seconds: 2})

	p, ok := second.PreviousValue()
	require.True(t, ok)
	assert.Equal(t, "before", p.StringVal())
}

// ==================== Mutation Tests ====================

func TestSetMutation_LocalAndRemote(t *testing.T) {
	key := MustDocumentKey("rooms/a")
	m := NewSetMutation(key, obj(map[string]Value{"name": StringValue("A")}))

	doc := NewInvalidDocument(key)
	mask := m.ApplyToLocalView(doc, &FieldMask{}, Timestamp{Seconds: 1})
	assert.Nil(t, mask)
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())
	assert.Equal(t, "A", field(t, doc, "name").StringVal())

	remote := NewInvalidDocument(key)
	m.ApplyToRemoteDocument(remote, MutationResult{Version: Timestamp{Seconds: 7}})
	assert.True(t, remote.HasCommittedMutations())
	assert.Equal(t, Timestamp{Seconds: 7}, remote.Version)
}

func TestPatchMutation_RequiresExistence(t *testing.T) {
	key := MustDocumentKey("rooms/a")
	m := NewPatchMutation(key, obj(map[string]Value{"x": IntegerValue(1)}), FieldMask{Fields: []FieldPath{{"x"}}})

	missing := NewNoDocument(key, Timestamp{Seconds: 1})
	mask := m.ApplyToLocalView(missing, &FieldMask{}, Timestamp{})
	assert.True(t, missing.IsNoDocument())
	assert.NotNil(t, mask)
	assert.Empty(t, mask.Fields)

	missing.ConvertToNoDocument(Timestamp{Seconds: 1})
	m.ApplyToRemoteDocument(missing, MutationResult{Version: Timestamp{Seconds: 2}})
	assert.True(t, missing.IsUnknownDocument())
}

func TestPatchMutation_DeletesMaskedFieldsAbsentFromValue(t *testing.T) {
	key := MustDocumentKey("rooms/a")
	doc := NewFoundDocument(key, Timestamp{Seconds: 1}, obj(map[string]Value{
		"keep": IntegerValue(1),
		"drop": IntegerValue(2),
	}))
	m := NewPatchMutation(key, obj(map[string]Value{"add": IntegerValue(3)}),
		FieldMask{Fields: []FieldPath{{"add"}, {"drop"}}})

	mask := m.ApplyToLocalView(doc, &FieldMask{}, Timestamp{})
	require.NotNil(t, mask)
	assert.Len(t, mask.Fields, 2)
	_, ok := doc.Field(FieldPath{"drop"})
	assert.False(t, ok)
	assert.Equal(t, int64(1), field(t, doc, "keep").IntegerVal())
	assert.Equal(t, int64(3), field(t, doc, "add").IntegerVal())
}

func TestCalculateOverlayMutation(t *testing.T) {
	key := MustDocumentKey("rooms/a")
	base := NewFoundDocument(key, Timestamp{Seconds: 1}, obj(map[string]Value{"a": IntegerValue(1)}))

	doc := base.Clone()
	mask := NewPatchMutation(key, obj(map[string]Value{"b": IntegerValue(2)}),
		FieldMask{Fields: []FieldPath{{"b"}}}).ApplyToLocalView(doc, &FieldMask{}, Timestamp{})

	overlay := CalculateOverlayMutation(doc, mask)
	require.NotNil(t, overlay)
	assert.Equal(t, MutationPatch, overlay.Type)
	assert.True(t, overlay.Precondition.IsNone())

	replay := base.Clone()
	overlay.ApplyToLocalView(replay, &FieldMask{}, Timestamp{})
	assert.True(t, replay.Data.Equal(doc.Data))

	assert.Nil(t, CalculateOverlayMutation(base, nil), "no local mutations means no overlay")

	del := base.Clone()
	NewDeleteMutation(key).ApplyToLocalView(del, &FieldMask{}, Timestamp{})
	overlay = CalculateOverlayMutation(del, nil)
	require.NotNil(t, overlay)
	assert.Equal(t, MutationDelete, overlay.Type)
}

// ==================== Batch Tests ====================

func TestMutationBatch_ApplyToLocalDocumentSet(t *testing.T) {
	key := MustDocumentKey("rooms/a")
	batch := &MutationBatch{
		BatchID:        1,
		LocalWriteTime: Timestamp{Seconds: 3},
		Mutations: []Mutation{
			NewSetMutation(key, obj(map[string]Value{"n": IntegerValue(1)})),
			NewPatchMutation(key, NewObjectValue(), FieldMask{}, IncrementTransform(FieldPath{"n"}, IntegerValue(2))),
		},
	}
	docs := map[DocumentKey]*OverlayedDocument{
		key: {Document: NewInvalidDocument(key), MutatedFields: &FieldMask{}},
	}

	overlays := batch.ApplyToLocalDocumentSet(docs, NewDocumentKeySet())
	require.Contains(t, overlays, key)
	assert.Equal(t, MutationSet, overlays[key].Type)
	assert.Equal(t, int64(3), field(t, docs[key].Document, "n").IntegerVal())
}

func TestMutationBatchResult_LengthMismatch(t *testing.T) {
	batch := &MutationBatch{BatchID: 1, Mutations: []Mutation{NewDeleteMutation(MustDocumentKey("a/b"))}}
	_, err := NewMutationBatchResult(batch, Timestamp{}, nil, nil)
	assert.Error(t, err)
}
