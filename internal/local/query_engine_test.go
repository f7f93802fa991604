package local

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/store"
)

func strategyCount(strategy string) float64 {
	return testutil.ToFloat64(metrics.QueryStrategy.WithLabelValues(strategy))
}

// listenAndSync allocates a target for q, delivers docs as its current
// result at version v and marks the view as in sync.
func listenAndSync(t *testing.T, ls *LocalStore, q *models.Query, v int64, docs ...*models.Document) *models.TargetData {
	t.Helper()
	td, err := ls.AllocateTarget(q.ToTarget())
	require.NoError(t, err)

	ev := models.NewRemoteEvent(version(v))
	change := models.NewTargetChange([]byte("resume"), true)
	for _, d := range docs {
		change.Added.Add(d.Key)
		ev.DocumentUpdates[d.Key] = d
	}
	ev.TargetChanges[td.TargetID] = change
	_, err = ls.ApplyRemoteEvent(ev)
	require.NoError(t, err)

	keys := models.NewDocumentKeySet()
	for _, d := range docs {
		keys.Add(d.Key)
	}
	require.NoError(t, ls.NotifyLocalViewChanges([]LocalViewChanges{{TargetID: td.TargetID, AddedKeys: keys}}))
	return td
}

func fieldIndex(group string, fieldNames ...string) models.FieldIndex {
	fi := models.FieldIndex{CollectionGroup: group}
	for _, f := range fieldNames {
		fi.Segments = append(fi.Segments, models.IndexSegment{Field: models.MustFieldPath(f), Kind: models.SegmentAscending})
	}
	return fi
}

func newTestBackfiller(ls *LocalStore) *IndexBackfiller {
	b := NewIndexBackfiller(ls.persistence, ls, nil, nil)
	b.limiter = rate.NewLimiter(rate.Inf, 0)
	return b
}

// ==================== Strategy Tests ====================

func TestQueryEngine_UsesPreviousResults(t *testing.T) {
	ls := newTestLocalStore(t)
	listenAndSync(t, ls, openRoomsQuery(), 5, foundDoc("rooms/a", 5, fields("open", true)))

	// Changed after the view was last in sync
	seedRemote(t, ls, foundDoc("rooms/b", 7, fields("open", true)))

	before := strategyCount("previous_results")
	res, err := ls.ExecuteQuery(openRoomsQuery(), true)
	require.NoError(t, err)
	assert.Equal(t, before+1, strategyCount("previous_results"))
	assert.ElementsMatch(t, []models.DocumentKey{key("rooms/a"), key("rooms/b")}, res.Documents.Keys())
	assert.True(t, res.RemoteKeys.Has(key("rooms/a")))
}

func TestQueryEngine_NoLimboFreeVersionScans(t *testing.T) {
	ls := newTestLocalStore(t)
	_, err := ls.AllocateTarget(openRoomsQuery().ToTarget())
	require.NoError(t, err)
	seedRemote(t, ls, foundDoc("rooms/a", 1, fields("open", true)))

	before := strategyCount("collection_scan")
	res, err := ls.ExecuteQuery(openRoomsQuery(), true)
	require.NoError(t, err)
	assert.Equal(t, before+1, strategyCount("collection_scan"))
	assert.Len(t, res.Documents, 1)
}

func TestQueryEngine_LimitEdgeWithPendingWriteScans(t *testing.T) {
	ls := newTestLocalStore(t)
	q := roomsQuery().OrderBy(models.MustFieldPath("v"), models.Ascending).LimitFirst(1)
	listenAndSync(t, ls, q, 5, foundDoc("rooms/a", 5, fields("v", 1)))
	seedRemote(t, ls, foundDoc("rooms/b", 3, fields("v", 2)))

	// Moving the edge document may let rooms/b into the result
	writeLocally(t, ls, patchMutation("rooms/a", fields("v", 10)))

	before := strategyCount("collection_scan")
	res, err := ls.ExecuteQuery(q, true)
	require.NoError(t, err)
	assert.Equal(t, before+1, strategyCount("collection_scan"))
	assert.ElementsMatch(t, []models.DocumentKey{key("rooms/a"), key("rooms/b")}, res.Documents.Keys())
}

func TestQueryEngine_UsesIndex(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls,
		foundDoc("rooms/a", 1, fields("open", true)),
		foundDoc("rooms/b", 1, fields("open", false)),
		foundDoc("rooms/c", 1, fields("open", true)),
	)
	require.NoError(t, ls.ConfigureFieldIndexes([]models.FieldIndex{fieldIndex("rooms", "open")}))

	n, err := newTestBackfiller(ls).Backfill()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	before := strategyCount("index")
	res, err := ls.ExecuteQuery(openRoomsQuery(), false)
	require.NoError(t, err)
	assert.Equal(t, before+1, strategyCount("index"))
	assert.ElementsMatch(t, []models.DocumentKey{key("rooms/a"), key("rooms/c")}, res.Documents.Keys())

	// Documents cached after the backfill are read past the index offset
	seedRemote(t, ls, foundDoc("rooms/d", 2, fields("open", true)))
	writeLocally(t, ls, patchMutation("rooms/a", fields("open", false)))

	res, err = ls.ExecuteQuery(openRoomsQuery(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.DocumentKey{key("rooms/c"), key("rooms/d")}, res.Documents.Keys())
}

func TestQueryEngine_AutoCreatesIndex(t *testing.T) {
	ls := newTestLocalStore(t)
	ls.SetIndexAutoCreationEnabled(true)
	ls.queryEngine.IndexAutoCreationMinCollectionSize = 2

	seedRemote(t, ls,
		foundDoc("rooms/a", 1, fields("open", true)),
		foundDoc("rooms/b", 1, fields("open", false)),
		foundDoc("rooms/c", 1, fields("open", false)),
		foundDoc("rooms/d", 1, fields("open", false)),
		foundDoc("rooms/e", 1, fields("open", false)),
	)

	before := testutil.ToFloat64(metrics.IndexAutoCreations)
	res, err := ls.ExecuteQuery(openRoomsQuery(), false)
	require.NoError(t, err)
	assert.Len(t, res.Documents, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.IndexAutoCreations))

	var indexes []*models.FieldIndex
	require.NoError(t, ls.persistence.RunTransaction("read", store.ReadOnly, func(tx *store.Transaction) error {
		indexes, err = ls.indexes.GetFieldIndexes(tx, "rooms")
		return err
	}))
	assert.Len(t, indexes, 1)
}

func TestQueryEngine_SmallCollectionGetsNoIndex(t *testing.T) {
	ls := newTestLocalStore(t)
	ls.SetIndexAutoCreationEnabled(true)
	seedRemote(t, ls,
		foundDoc("rooms/a", 1, fields("open", true)),
		foundDoc("rooms/b", 1, fields("open", false)),
	)

	_, err := ls.ExecuteQuery(openRoomsQuery(), false)
	require.NoError(t, err)

	var indexes []*models.FieldIndex
	require.NoError(t, ls.persistence.RunTransaction("read", store.ReadOnly, func(tx *store.Transaction) error {
		indexes, err = ls.indexes.GetFieldIndexes(tx, "")
		return err
	}))
	assert.Empty(t, indexes)
}

// ==================== Helper Tests ====================

func TestNeedsRefill(t *testing.T) {
	q := roomsQuery().OrderBy(models.MustFieldPath("v"), models.Ascending).LimitFirst(2)
	a := foundDoc("rooms/a", 3, fields("v", 1))
	b := foundDoc("rooms/b", 3, fields("v", 2))

	previous := models.NewDocumentSet(q.Comparator())
	previous.Add(a)
	previous.Add(b)
	keys := models.NewDocumentKeySet(a.Key, b.Key)

	assert.False(t, needsRefill(q, previous, keys, version(5)))
	assert.False(t, needsRefill(roomsQuery(), previous, keys, version(5)), "no limit")

	// A document left the result
	assert.True(t, needsRefill(q, previous, models.NewDocumentKeySet(a.Key, b.Key, key("rooms/c")), version(5)))

	// The edge changed after the last limbo-free snapshot
	assert.True(t, needsRefill(q, previous, keys, version(2)))

	// Only the first document is the edge of a limit-to-last query
	last := roomsQuery().OrderBy(models.MustFieldPath("v"), models.Ascending).LimitLast(2)
	prevLast := models.NewDocumentSet(last.Comparator())
	prevLast.Add(foundDoc("rooms/a", 1, fields("v", 1)))
	prevLast.Add(foundDoc("rooms/b", 9, fields("v", 2)))
	assert.False(t, needsRefill(last, prevLast, keys, version(5)))
}

func TestOffsetAfter(t *testing.T) {
	o := offsetAfter(models.Timestamp{Seconds: 4, Nanos: 999_999_999})
	assert.Equal(t, models.Timestamp{Seconds: 5}, o.ReadTime)
	assert.Equal(t, models.BatchIDUnknown, o.LargestBatchID)

	o = offsetAfter(version(4))
	assert.Equal(t, models.Timestamp{Seconds: 4, Nanos: 1}, o.ReadTime)
}
