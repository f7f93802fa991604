package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
)

func field(name string) models.FieldPath { return models.MustFieldPath(name) }

func roomsQuery() *models.Query { return models.NewQuery(models.ParseResourcePath("rooms")) }

func seedRooms(t *testing.T, p *Persistence) models.DocumentMap {
	t.Helper()
	docs := models.DocumentMap{}
	for _, d := range []*models.Document{
		foundDoc("rooms/a", 1, map[string]models.Value{
			"size": models.IntegerValue(2),
			"tags": models.ArrayValue(models.StringValue("red"), models.StringValue("blue")),
		}),
		foundDoc("rooms/b", 1, map[string]models.Value{
			"size": models.IntegerValue(5),
			"tags": models.ArrayValue(models.StringValue("green")),
		}),
		foundDoc("rooms/c", 1, map[string]models.Value{
			"size": models.DoubleValue(9.5),
			"tags": models.ArrayValue(models.StringValue("red")),
		}),
		foundDoc("rooms/d", 1, map[string]models.Value{"size": models.StringValue("big")}),
		foundDoc("halls/h/rooms/e", 1, map[string]models.Value{"size": models.IntegerValue(5)}),
	} {
		docs[d.Key] = d
	}
	write(t, p, func(tx *Transaction) error { return p.IndexManager().UpdateIndexEntries(tx, docs) })
	return docs
}

func matching(t *testing.T, p *Persistence, target *models.Target) models.DocumentKeySet {
	t.Helper()
	var keys models.DocumentKeySet
	read(t, p, func(tx *Transaction) error {
		var err error
		keys, err = p.IndexManager().GetDocumentsMatchingTarget(tx, target)
		return err
	})
	return keys
}

// ==================== Index Encoding Tests ====================

func TestIndexEncoding_OrdersAcrossTypes(t *testing.T) {
	ordered := []models.Value{
		models.NullValue(),
		models.BoolValue(false),
		models.BoolValue(true),
		models.DoubleValue(-10.5),
		models.IntegerValue(-1),
		models.IntegerValue(0),
		models.DoubleValue(0.5),
		models.IntegerValue(3),
		models.StringValue(""),
		models.StringValue("a"),
		models.StringValue("a\x00b"),
		models.StringValue("ab"),
		models.BytesValue([]byte{0x01}),
	}
	for i := 1; i < len(ordered); i++ {
		lo := encodeIndexValue(ordered[i-1], models.SegmentAscending)
		hi := encodeIndexValue(ordered[i], models.SegmentAscending)
		assert.Negative(t, bytes.Compare(lo, hi), "%v < %v", ordered[i-1], ordered[i])

		dlo := encodeIndexValue(ordered[i-1], models.SegmentDescending)
		dhi := encodeIndexValue(ordered[i], models.SegmentDescending)
		assert.Positive(t, bytes.Compare(dlo, dhi), "descending %v > %v", ordered[i-1], ordered[i])
	}
}

func TestIndexEncoding_IntegerEqualsDouble(t *testing.T) {
	assert.Equal(t,
		encodeIndexValue(models.IntegerValue(2), models.SegmentAscending),
		encodeIndexValue(models.DoubleValue(2), models.SegmentAscending))
}

// ==================== Field Index Configuration Tests ====================

func TestIndexManager_AddFieldIndexDedupes(t *testing.T) {
	p := newTestPersistence(t)
	m := p.IndexManager()
	index := models.FieldIndex{
		CollectionGroup: "rooms",
		Segments:        []models.IndexSegment{{Field: field("size"), Kind: models.SegmentAscending}},
	}

	var first, second, other *models.FieldIndex
	write(t, p, func(tx *Transaction) error {
		var err error
		if first, err = m.AddFieldIndex(tx, index); err != nil {
			return err
		}
		if second, err = m.AddFieldIndex(tx, index); err != nil {
			return err
		}
		other, err = m.AddFieldIndex(tx, models.FieldIndex{
			CollectionGroup: "halls",
			Segments:        []models.IndexSegment{{Field: field("size"), Kind: models.SegmentDescending}},
		})
		return err
	})
	assert.Equal(t, 1, first.IndexID)
	assert.Equal(t, first.IndexID, second.IndexID)
	assert.Equal(t, 2, other.IndexID)
	assert.Equal(t, models.IndexOffsetNone, first.State.Offset)

	read(t, p, func(tx *Transaction) error {
		rooms, err := m.GetFieldIndexes(tx, "rooms")
		require.NoError(t, err)
		assert.Len(t, rooms, 1)
		all, err := m.GetFieldIndexes(tx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	})

	write(t, p, func(tx *Transaction) error { return m.DeleteFieldIndex(tx, first.IndexID) })
	read(t, p, func(tx *Transaction) error {
		rooms, err := m.GetFieldIndexes(tx, "rooms")
		require.NoError(t, err)
		assert.Empty(t, rooms)
		return nil
	})
}

func TestIndexManager_IndexType(t *testing.T) {
	p := newTestPersistence(t)
	m := p.IndexManager()
	eqSize := roomsQuery().Where(models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(5)))
	eqSizeOrdered := eqSize.OrderBy(field("name"), models.Ascending)
	either := roomsQuery().Where(models.OrFilter(
		models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(5)),
		models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(6)),
	))

	write(t, p, func(tx *Transaction) error {
		_, err := m.AddFieldIndex(tx, models.FieldIndex{
			CollectionGroup: "rooms",
			Segments:        []models.IndexSegment{{Field: field("size"), Kind: models.SegmentAscending}},
		})
		return err
	})

	read(t, p, func(tx *Transaction) error {
		got, err := m.GetIndexType(tx, eqSize.ToTarget())
		require.NoError(t, err)
		assert.Equal(t, IndexFull, got)

		got, err = m.GetIndexType(tx, eqSizeOrdered.ToTarget())
		require.NoError(t, err)
		assert.Equal(t, IndexPartial, got)

		got, err = m.GetIndexType(tx, either.ToTarget())
		require.NoError(t, err)
		assert.Equal(t, IndexNone, got)

		got, err = m.GetIndexType(tx, models.NewDocumentTarget(key("rooms/a")))
		require.NoError(t, err)
		assert.Equal(t, IndexNone, got)
		return nil
	})

	write(t, p, func(tx *Transaction) error { return m.CreateTargetIndexes(tx, eqSizeOrdered.ToTarget()) })
	read(t, p, func(tx *Transaction) error {
		got, err := m.GetIndexType(tx, eqSizeOrdered.ToTarget())
		require.NoError(t, err)
		assert.Equal(t, IndexFull, got)

		indexes, err := m.GetFieldIndexes(tx, "rooms")
		require.NoError(t, err)
		require.Len(t, indexes, 2)
		created := indexes[1]
		require.Len(t, created.Segments, 2)
		assert.Equal(t, "size", created.Segments[0].Field.CanonicalString())
		assert.Equal(t, "name", created.Segments[1].Field.CanonicalString())
		return nil
	})
}

func TestIndexManager_CreateTargetIndexesPutsArrayFirst(t *testing.T) {
	p := newTestPersistence(t)
	m := p.IndexManager()
	q := roomsQuery().
		Where(models.FieldFilter(field("size"), models.OpGreaterThan, models.IntegerValue(1))).
		Where(models.FieldFilter(field("tags"), models.OpArrayContains, models.StringValue("red"))).
		Where(models.FieldFilter(field("open"), models.OpEqual, models.BoolValue(true)))

	write(t, p, func(tx *Transaction) error { return m.CreateTargetIndexes(tx, q.ToTarget()) })
	read(t, p, func(tx *Transaction) error {
		indexes, err := m.GetFieldIndexes(tx, "rooms")
		require.NoError(t, err)
		require.Len(t, indexes, 1)
		segs := indexes[0].Segments
		require.Len(t, segs, 3)
		assert.Equal(t, models.SegmentContains, segs[0].Kind)
		assert.Equal(t, "tags", segs[0].Field.CanonicalString())
		assert.Equal(t, "open", segs[1].Field.CanonicalString())
		assert.Equal(t, "size", segs[2].Field.CanonicalString())
		return nil
	})
}

// ==================== Index Entry Tests ====================

func TestIndexManager_MatchingByEqualityAndRange(t *testing.T) {
	p := newTestPersistence(t)
	write(t, p, func(tx *Transaction) error {
		_, err := p.IndexManager().AddFieldIndex(tx, models.FieldIndex{
			CollectionGroup: "rooms",
			Segments:        []models.IndexSegment{{Field: field("size"), Kind: models.SegmentAscending}},
		})
		return err
	})
	seedRooms(t, p)

	eq := roomsQuery().Where(models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(5)))
	assert.True(t, matching(t, p, eq.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/b"))),
		"documents of other parents are excluded")

	group := models.NewCollectionGroupQuery("rooms").
		Where(models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(5)))
	assert.True(t, matching(t, p, group.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/b"), key("halls/h/rooms/e"))))

	gt := roomsQuery().Where(models.FieldFilter(field("size"), models.OpGreaterThan, models.IntegerValue(2)))
	assert.True(t, matching(t, p, gt.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/b"), key("rooms/c"))),
		"range stays within numbers")

	between := roomsQuery().
		Where(models.FieldFilter(field("size"), models.OpGreaterThanOrEqual, models.IntegerValue(2))).
		Where(models.FieldFilter(field("size"), models.OpLessThan, models.IntegerValue(9)))
	assert.True(t, matching(t, p, between.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/a"), key("rooms/b"))))

	in := roomsQuery().Where(models.FieldFilter(field("size"), models.OpIn,
		models.ArrayValue(models.IntegerValue(2), models.StringValue("big"))))
	assert.True(t, matching(t, p, in.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/a"), key("rooms/d"))))
}

func TestIndexManager_MatchingByArrayContains(t *testing.T) {
	p := newTestPersistence(t)
	write(t, p, func(tx *Transaction) error {
		_, err := p.IndexManager().AddFieldIndex(tx, models.FieldIndex{
			CollectionGroup: "rooms",
			Segments:        []models.IndexSegment{{Field: field("tags"), Kind: models.SegmentContains}},
		})
		return err
	})
	docs := seedRooms(t, p)

	red := roomsQuery().Where(models.FieldFilter(field("tags"), models.OpArrayContains, models.StringValue("red")))
	assert.True(t, matching(t, p, red.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/a"), key("rooms/c"))))

	anyOf := roomsQuery().Where(models.FieldFilter(field("tags"), models.OpArrayContainsAny,
		models.ArrayValue(models.StringValue("green"), models.StringValue("blue"))))
	assert.True(t, matching(t, p, anyOf.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/a"), key("rooms/b"))))

	// Rewriting a document replaces its old entries.
	updated := foundDoc("rooms/a", 2, map[string]models.Value{"tags": models.ArrayValue(models.StringValue("green"))})
	docs = models.DocumentMap{updated.Key: updated}
	write(t, p, func(tx *Transaction) error { return p.IndexManager().UpdateIndexEntries(tx, docs) })
	assert.True(t, matching(t, p, red.ToTarget()).Equal(models.NewDocumentKeySet(key("rooms/c"))))

	deleted := models.NewNoDocument(key("rooms/c"), version(3))
	write(t, p, func(tx *Transaction) error {
		return p.IndexManager().UpdateIndexEntries(tx, models.DocumentMap{deleted.Key: deleted})
	})
	assert.Equal(t, 0, matching(t, p, red.ToTarget()).Len())
}

func TestIndexManager_NoIndexReturnsNil(t *testing.T) {
	p := newTestPersistence(t)
	q := roomsQuery().Where(models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(5)))
	assert.Nil(t, matching(t, p, q.ToTarget()))
}

// ==================== Backfill State Tests ====================

func TestIndexManager_BackfillState(t *testing.T) {
	p := newTestPersistence(t)
	m := p.IndexManager()
	write(t, p, func(tx *Transaction) error {
		for _, group := range []string{"rooms", "halls"} {
			if _, err := m.AddFieldIndex(tx, models.FieldIndex{
				CollectionGroup: group,
				Segments:        []models.IndexSegment{{Field: field("size"), Kind: models.SegmentAscending}},
			}); err != nil {
				return err
			}
		}
		return nil
	})

	read(t, p, func(tx *Transaction) error {
		next, err := m.GetNextCollectionGroupToUpdate(tx)
		require.NoError(t, err)
		assert.Equal(t, "halls", next, "ties break by group name")
		return nil
	})

	offset := models.IndexOffset{ReadTime: version(7), DocumentKey: key("halls/x"), LargestBatchID: 3}
	write(t, p, func(tx *Transaction) error { return m.UpdateCollectionGroup(tx, "halls", offset) })

	read(t, p, func(tx *Transaction) error {
		next, err := m.GetNextCollectionGroupToUpdate(tx)
		require.NoError(t, err)
		assert.Equal(t, "rooms", next)

		got, err := m.GetMinOffset(tx, "halls")
		require.NoError(t, err)
		assert.Equal(t, offset, got)

		got, err = m.GetMinOffset(tx, "rooms")
		require.NoError(t, err)
		assert.Equal(t, models.IndexOffsetNone, got)

		got, err = m.GetMinOffset(tx, "unknown")
		require.NoError(t, err)
		assert.Equal(t, models.IndexOffsetNone, got)

		q := models.NewQuery(models.ParseResourcePath("halls")).
			Where(models.FieldFilter(field("size"), models.OpEqual, models.IntegerValue(1)))
		got, err = m.GetMinOffsetForTarget(tx, q.ToTarget())
		require.NoError(t, err)
		assert.Equal(t, offset, got)
		return nil
	})
}
