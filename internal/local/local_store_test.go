package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
	"github.com/kilupskalvis/docsync/internal/store"
)

// newTestLocalStore returns a primary local store over bbolt in a temp dir.
func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	engine, err := store.Open(store.EngineBolt, t.TempDir())
	require.NoError(t, err)
	p := store.NewPersistence(engine, nil)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Shutdown() })

	primary, err := p.TryAcquirePrimaryLease()
	require.NoError(t, err)
	require.True(t, primary)
	return NewLocalStore(p, "alice", Options{})
}

func key(path string) models.DocumentKey { return models.MustDocumentKey(path) }

func version(s int64) models.SnapshotVersion { return models.Timestamp{Seconds: s} }

func fields(kv ...any) models.ObjectValue {
	m := make(map[string]models.Value, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		switch v := kv[i+1].(type) {
		case int:
			m[kv[i].(string)] = models.IntegerValue(int64(v))
		case string:
			m[kv[i].(string)] = models.StringValue(v)
		case bool:
			m[kv[i].(string)] = models.BoolValue(v)
		case models.Value:
			m[kv[i].(string)] = v
		}
	}
	return models.ObjectValueOf(m)
}

func foundDoc(path string, v int64, data models.ObjectValue) *models.Document {
	return models.NewFoundDocument(key(path), version(v), data)
}

func setMutation(path string, data models.ObjectValue) models.Mutation {
	return models.NewSetMutation(key(path), data)
}

func patchMutation(path string, data models.ObjectValue) models.Mutation {
	return models.NewPatchMutation(key(path), data, *data.FieldMask())
}

func roomsQuery() *models.Query { return models.NewQuery(models.ParseResourcePath("rooms")) }

func openRoomsQuery() *models.Query {
	return roomsQuery().Where(models.FieldFilter(models.MustFieldPath("open"), models.OpEqual, models.BoolValue(true)))
}

func fieldOf(t *testing.T, doc *models.Document, name string) models.Value {
	t.Helper()
	v, ok := doc.Field(models.MustFieldPath(name))
	require.True(t, ok, "field %s missing from %s", name, doc)
	return v
}

func assertField(t *testing.T, doc *models.Document, name string, want models.Value) {
	t.Helper()
	got := fieldOf(t, doc, name)
	assert.True(t, models.ValuesEqual(want, got), "%s: want %v, got %v", name, want, got)
}

// seedRemote writes docs straight into the remote document cache.
func seedRemote(t *testing.T, ls *LocalStore, docs ...*models.Document) {
	t.Helper()
	require.NoError(t, ls.persistence.RunTransaction("seed", store.ReadWrite, func(tx *store.Transaction) error {
		for _, d := range docs {
			if err := ls.remoteDocuments.Add(tx, d, d.Version); err != nil {
				return err
			}
		}
		return nil
	}))
}

func writeLocally(t *testing.T, ls *LocalStore, mutations ...models.Mutation) *LocalWriteResult {
	t.Helper()
	res, err := ls.WriteLocally(mutations)
	require.NoError(t, err)
	return res
}

func acknowledge(t *testing.T, ls *LocalStore, batchID int, commit int64) (models.DocumentMap, error) {
	t.Helper()
	batch, err := ls.NextMutationBatch(batchID - 1)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, batchID, batch.BatchID)

	results := make([]models.MutationResult, len(batch.Mutations))
	for i := range results {
		results[i] = models.MutationResult{Version: version(commit)}
	}
	result, err := models.NewMutationBatchResult(batch, version(commit), results, []byte("token"))
	require.NoError(t, err)
	return ls.AcknowledgeBatch(result)
}

// ==================== Local Write Tests ====================

func TestWriteLocally_ShowsLocalView(t *testing.T) {
	ls := newTestLocalStore(t)

	res := writeLocally(t, ls, setMutation("rooms/a", fields("name", "A")))
	assert.Equal(t, 1, res.BatchID)

	doc := res.Changes[key("rooms/a")]
	require.NotNil(t, doc)
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())
	assertField(t, doc, "name", models.StringValue("A"))

	read, err := ls.ReadDocument(key("rooms/a"))
	require.NoError(t, err)
	assert.True(t, read.HasLocalMutations())
	assertField(t, read, "name", models.StringValue("A"))

	highest, err := ls.GetHighestUnacknowledgedBatchID()
	require.NoError(t, err)
	assert.Equal(t, 1, highest)
}

func TestWriteLocally_OverlayMatchesBatchFold(t *testing.T) {
	ls := newTestLocalStore(t)
	base := foundDoc("rooms/a", 1, fields("n", 1, "tag", "x"))
	seedRemote(t, ls, base)

	writeLocally(t, ls, patchMutation("rooms/a", fields("n", 2)))
	writeLocally(t, ls, patchMutation("rooms/a", fields("tag", "y")))

	got, err := ls.ReadDocument(key("rooms/a"))
	require.NoError(t, err)

	// Fold every queued batch over the remote document by hand
	want := base.Clone()
	for id := models.BatchIDUnknown; ; {
		batch, err := ls.NextMutationBatch(id)
		require.NoError(t, err)
		if batch == nil {
			break
		}
		batch.ApplyToLocalView(want, nil)
		id = batch.BatchID
	}
	assert.True(t, want.Data.Equal(got.Data), "want %v, got %v", want, got)
	assertField(t, got, "n", models.IntegerValue(2))
	assertField(t, got, "tag", models.StringValue("y"))
}

func TestWriteLocally_IncrementKeepsBaseValue(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls, foundDoc("rooms/a", 1, fields("count", 5)))

	inc := models.NewPatchMutation(key("rooms/a"), models.NewObjectValue(), models.FieldMask{},
		models.IncrementTransform(models.MustFieldPath("count"), models.IntegerValue(1)))
	res := writeLocally(t, ls, inc)
	assertField(t, res.Changes[key("rooms/a")], "count", models.IntegerValue(6))

	batch, err := ls.NextMutationBatch(models.BatchIDUnknown)
	require.NoError(t, err)
	require.Len(t, batch.BaseMutations, 1)
	base, ok := batch.BaseMutations[0].Value.Get(models.MustFieldPath("count"))
	require.True(t, ok)
	assert.True(t, models.ValuesEqual(models.IntegerValue(5), base))

	// A newer remote value does not move the pending local result
	ev := models.NewRemoteEvent(version(2))
	ev.DocumentUpdates[key("rooms/a")] = foundDoc("rooms/a", 2, fields("count", 10))
	changed, err := ls.ApplyRemoteEvent(ev)
	require.NoError(t, err)
	assertField(t, changed[key("rooms/a")], "count", models.IntegerValue(6))
}

// ==================== Acknowledge / Reject Tests ====================

func TestAcknowledgeBatch_AppliesCommitVersion(t *testing.T) {
	ls := newTestLocalStore(t)
	res := writeLocally(t, ls, setMutation("rooms/a", fields("name", "A")))

	changed, err := acknowledge(t, ls, res.BatchID, 10)
	require.NoError(t, err)

	doc := changed[key("rooms/a")]
	require.NotNil(t, doc)
	assert.Equal(t, version(10), doc.Version)
	assert.False(t, doc.HasLocalMutations())
	assert.True(t, doc.HasCommittedMutations())
	assertField(t, doc, "name", models.StringValue("A"))

	token, err := ls.GetLastStreamToken()
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), token)

	highest, err := ls.GetHighestUnacknowledgedBatchID()
	require.NoError(t, err)
	assert.Equal(t, models.BatchIDUnknown, highest)
}

func TestAcknowledgeBatch_OutOfOrderFails(t *testing.T) {
	ls := newTestLocalStore(t)
	writeLocally(t, ls, setMutation("rooms/a", fields("n", 1)))
	writeLocally(t, ls, patchMutation("rooms/a", fields("n", 2)))
	writeLocally(t, ls, setMutation("rooms/a", fields("n", 3)))

	_, err := acknowledge(t, ls, 3, 12)
	require.Error(t, err)
	assert.Equal(t, status.Internal, status.CodeOf(err))

	for i, commit := range []int64{10, 11, 12} {
		_, err := acknowledge(t, ls, i+1, commit)
		require.NoError(t, err, "ack batch %d", i+1)
	}

	doc, err := ls.ReadDocument(key("rooms/a"))
	require.NoError(t, err)
	assert.Equal(t, version(12), doc.Version)
	assert.False(t, doc.HasLocalMutations())
	assertField(t, doc, "n", models.IntegerValue(3))
}

func TestRejectBatch_RevertsLocalView(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls, foundDoc("rooms/a", 1, fields("name", "remote")))

	res := writeLocally(t, ls, patchMutation("rooms/a", fields("name", "local")))
	assertField(t, res.Changes[key("rooms/a")], "name", models.StringValue("local"))

	changed, err := ls.RejectBatch(res.BatchID)
	require.NoError(t, err)
	doc := changed[key("rooms/a")]
	assert.False(t, doc.HasLocalMutations())
	assertField(t, doc, "name", models.StringValue("remote"))

	_, err = ls.RejectBatch(42)
	require.Error(t, err)
	assert.Equal(t, status.Internal, status.CodeOf(err))
}

func TestRejectBatch_LaterBatchSurvives(t *testing.T) {
	ls := newTestLocalStore(t)
	first := writeLocally(t, ls, setMutation("rooms/a", fields("n", 1)))
	writeLocally(t, ls, patchMutation("rooms/a", fields("m", 2)))

	changed, err := ls.RejectBatch(first.BatchID)
	require.NoError(t, err)

	// The patch has no base document left to apply to
	doc := changed[key("rooms/a")]
	assert.False(t, doc.IsFoundDocument())
}

// ==================== Remote Event Tests ====================

func TestApplyRemoteEvent_NewerVersionsWin(t *testing.T) {
	ls := newTestLocalStore(t)
	td, err := ls.AllocateTarget(roomsQuery().ToTarget())
	require.NoError(t, err)

	ev := models.NewRemoteEvent(version(5))
	change := models.NewTargetChange([]byte("resume"), true)
	change.Added.Add(key("rooms/a"))
	ev.TargetChanges[td.TargetID] = change
	ev.DocumentUpdates[key("rooms/a")] = foundDoc("rooms/a", 5, fields("name", "A"))

	changed, err := ls.ApplyRemoteEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, version(5), changed[key("rooms/a")].Version)

	keys, err := ls.GetRemoteDocumentKeys(td.TargetID)
	require.NoError(t, err)
	assert.True(t, keys.Equal(models.NewDocumentKeySet(key("rooms/a"))))

	last, err := ls.GetLastRemoteSnapshotVersion()
	require.NoError(t, err)
	assert.Equal(t, version(5), last)

	// The first resume token is persisted right away
	var persisted *models.TargetData
	require.NoError(t, ls.persistence.RunTransaction("read", store.ReadOnly, func(tx *store.Transaction) error {
		persisted, err = ls.targetCache.GetTargetDataByID(tx, td.TargetID)
		return err
	}))
	require.NotNil(t, persisted)
	assert.Equal(t, []byte("resume"), persisted.ResumeToken)
	assert.Equal(t, version(5), persisted.SnapshotVersion)

	// An older update is ignored
	older := models.NewRemoteEvent(version(6))
	older.DocumentUpdates[key("rooms/a")] = foundDoc("rooms/a", 3, fields("name", "old"))
	changed, err = ls.ApplyRemoteEvent(older)
	require.NoError(t, err)
	assert.Empty(t, changed)

	doc, err := ls.ReadDocument(key("rooms/a"))
	require.NoError(t, err)
	assertField(t, doc, "name", models.StringValue("A"))
}

func TestApplyRemoteEvent_SnapshotRegressFails(t *testing.T) {
	ls := newTestLocalStore(t)

	_, err := ls.ApplyRemoteEvent(models.NewRemoteEvent(version(5)))
	require.NoError(t, err)

	_, err = ls.ApplyRemoteEvent(models.NewRemoteEvent(version(4)))
	require.Error(t, err)
	assert.Equal(t, status.Internal, status.CodeOf(err))
}

func TestApplyRemoteEvent_DeletedDocument(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls, foundDoc("rooms/a", 1, fields("name", "A")))

	ev := models.NewRemoteEvent(version(2))
	ev.DocumentUpdates[key("rooms/a")] = models.NewNoDocument(key("rooms/a"), version(2))
	changed, err := ls.ApplyRemoteEvent(ev)
	require.NoError(t, err)
	assert.True(t, changed[key("rooms/a")].IsNoDocument())
}

func TestApplyRemoteEvent_MismatchClearsTarget(t *testing.T) {
	ls := newTestLocalStore(t)
	td, err := ls.AllocateTarget(roomsQuery().ToTarget())
	require.NoError(t, err)

	ev := models.NewRemoteEvent(version(5))
	change := models.NewTargetChange([]byte("resume"), true)
	change.Added.Add(key("rooms/a"))
	change.Added.Add(key("rooms/b"))
	ev.TargetChanges[td.TargetID] = change
	ev.DocumentUpdates[key("rooms/a")] = foundDoc("rooms/a", 5, fields("n", 1))
	ev.DocumentUpdates[key("rooms/b")] = foundDoc("rooms/b", 5, fields("n", 2))
	_, err = ls.ApplyRemoteEvent(ev)
	require.NoError(t, err)

	reset := models.NewRemoteEvent(version(6))
	reset.TargetChanges[td.TargetID] = models.NewTargetChange(nil, false)
	reset.TargetMismatches[td.TargetID] = models.PurposeExistenceFilterMismatch
	_, err = ls.ApplyRemoteEvent(reset)
	require.NoError(t, err)

	keys, err := ls.GetRemoteDocumentKeys(td.TargetID)
	require.NoError(t, err)
	assert.Equal(t, 0, keys.Len())

	local, err := ls.GetLocalTargetData(roomsQuery().ToTarget())
	require.NoError(t, err)
	assert.Empty(t, local.ResumeToken)
}

func TestShouldPersistTargetData(t *testing.T) {
	target := roomsQuery().ToTarget()
	old := models.NewTargetData(target, 2, models.PurposeListen, 1).WithResumeToken([]byte("a"), version(10))
	empty := models.NewTargetChange(nil, false)

	withChanges := models.NewTargetChange([]byte("b"), true)
	withChanges.Added.Add(key("rooms/a"))

	tests := []struct {
		name     string
		old      *models.TargetData
		updated  *models.TargetData
		change   models.TargetChange
		mismatch bool
		want     bool
	}{
		{"token only, recent", old, old.WithResumeToken([]byte("b"), version(20)), empty, false, false},
		{"token only, stale", old, old.WithResumeToken([]byte("b"), version(10+301)), empty, false, true},
		{"document changes", old, old.WithResumeToken([]byte("b"), version(20)), withChanges, false, true},
		{"mismatch", old, old.WithResumeToken(nil, models.MinVersion), empty, true, true},
		{"first token", models.NewTargetData(target, 2, models.PurposeListen, 1), old, empty, false, true},
		{"no token", old, old.WithResumeToken(nil, version(20)), withChanges, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldPersistTargetData(tt.old, tt.updated, tt.change, tt.mismatch))
		})
	}
}

// ==================== Target Tests ====================

func TestAllocateTarget_ReusesID(t *testing.T) {
	ls := newTestLocalStore(t)

	first, err := ls.AllocateTarget(roomsQuery().ToTarget())
	require.NoError(t, err)
	again, err := ls.AllocateTarget(roomsQuery().ToTarget())
	require.NoError(t, err)
	assert.Equal(t, first.TargetID, again.TargetID)

	other, err := ls.AllocateTarget(openRoomsQuery().ToTarget())
	require.NoError(t, err)
	assert.NotEqual(t, first.TargetID, other.TargetID)
	assert.Equal(t, 0, other.TargetID%2, "local store target ids are even")
}

func TestReleaseTarget(t *testing.T) {
	ls := newTestLocalStore(t)
	td, err := ls.AllocateTarget(roomsQuery().ToTarget())
	require.NoError(t, err)

	require.NoError(t, ls.ReleaseTarget(td.TargetID, false))

	err = ls.ReleaseTarget(td.TargetID, false)
	require.Error(t, err)
	assert.Equal(t, status.Internal, status.CodeOf(err))
}

func TestNotifyLocalViewChanges_AdvancesLimboFreeVersion(t *testing.T) {
	ls := newTestLocalStore(t)
	td, err := ls.AllocateTarget(openRoomsQuery().ToTarget())
	require.NoError(t, err)

	ev := models.NewRemoteEvent(version(5))
	change := models.NewTargetChange([]byte("resume"), true)
	change.Added.Add(key("rooms/a"))
	ev.TargetChanges[td.TargetID] = change
	ev.DocumentUpdates[key("rooms/a")] = foundDoc("rooms/a", 5, fields("open", true))
	_, err = ls.ApplyRemoteEvent(ev)
	require.NoError(t, err)

	// Changes from cache leave the version alone
	require.NoError(t, ls.NotifyLocalViewChanges([]LocalViewChanges{{
		TargetID: td.TargetID, FromCache: true, AddedKeys: models.NewDocumentKeySet(key("rooms/a")),
	}}))
	local, err := ls.GetLocalTargetData(openRoomsQuery().ToTarget())
	require.NoError(t, err)
	assert.True(t, local.LastLimboFreeSnapshotVersion.IsZero())

	require.NoError(t, ls.NotifyLocalViewChanges([]LocalViewChanges{{TargetID: td.TargetID}}))
	local, err = ls.GetLocalTargetData(openRoomsQuery().ToTarget())
	require.NoError(t, err)
	assert.Equal(t, version(5), local.LastLimboFreeSnapshotVersion)
	assert.True(t, ls.localViewReferences.ContainsKey(key("rooms/a")))

	err = ls.NotifyLocalViewChanges([]LocalViewChanges{{TargetID: 99}})
	require.Error(t, err)
}

// ==================== Query Tests ====================

func TestExecuteQuery_IncludesLocalWrites(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls,
		foundDoc("rooms/a", 1, fields("open", true)),
		foundDoc("rooms/b", 1, fields("open", false)),
	)
	writeLocally(t, ls, setMutation("rooms/c", fields("open", true)))
	writeLocally(t, ls, patchMutation("rooms/b", fields("open", true)))

	res, err := ls.ExecuteQuery(openRoomsQuery(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.DocumentKey{key("rooms/a"), key("rooms/b"), key("rooms/c")}, res.Documents.Keys())
	assert.True(t, res.Documents[key("rooms/c")].HasLocalMutations())
	assert.Equal(t, 0, res.RemoteKeys.Len())
}

func TestExecuteQuery_LimitReturnsEveryCandidate(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls,
		foundDoc("rooms/a", 1, fields("v", 1)),
		foundDoc("rooms/b", 1, fields("v", 2)),
	)
	writeLocally(t, ls, setMutation("rooms/c", fields("v", 3)))

	q := roomsQuery().OrderBy(models.MustFieldPath("v"), models.Descending).LimitFirst(1)
	res, err := ls.ExecuteQuery(q, false)
	require.NoError(t, err)

	// The view applies the limit; the store hands it every match
	assert.Len(t, res.Documents, 3)
	assert.True(t, res.Documents[key("rooms/c")].HasPendingWrites())
}

func TestExecuteQuery_CollectionGroup(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls,
		foundDoc("rooms/a", 1, fields("n", 1)),
		foundDoc("halls/h/rooms/b", 1, fields("n", 2)),
		foundDoc("halls/h", 1, fields("n", 3)),
	)
	writeLocally(t, ls, setMutation("floors/f/rooms/c", fields("n", 4)))

	res, err := ls.ExecuteQuery(models.NewCollectionGroupQuery("rooms"), false)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]models.DocumentKey{key("rooms/a"), key("halls/h/rooms/b"), key("floors/f/rooms/c")},
		res.Documents.Keys())
}

func TestExecuteQuery_DocumentQuery(t *testing.T) {
	ls := newTestLocalStore(t)
	seedRemote(t, ls, foundDoc("rooms/a", 1, fields("n", 1)))

	res, err := ls.ExecuteQuery(models.NewQuery(key("rooms/a").Path()), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.DocumentKey{key("rooms/a")}, res.Documents.Keys())

	res, err = ls.ExecuteQuery(models.NewQuery(key("rooms/zz").Path()), false)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
}

// ==================== User Change Tests ====================

func TestHandleUserChange_SwapsQueues(t *testing.T) {
	ls := newTestLocalStore(t)
	writeLocally(t, ls, setMutation("rooms/a", fields("owner", "alice")))

	res, err := ls.HandleUserChange("bob")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.RemovedBatchIDs)
	assert.Empty(t, res.AddedBatchIDs)
	assert.False(t, res.AffectedDocuments[key("rooms/a")].IsFoundDocument())

	doc, err := ls.ReadDocument(key("rooms/a"))
	require.NoError(t, err)
	assert.False(t, doc.IsFoundDocument())

	res, err = ls.HandleUserChange("alice")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.AddedBatchIDs)
	assertField(t, res.AffectedDocuments[key("rooms/a")], "owner", models.StringValue("alice"))
}

// ==================== Bundle Tests ====================

func TestBundles(t *testing.T) {
	ls := newTestLocalStore(t)
	meta := models.BundleMetadata{ID: "rooms-bundle", Version: 1, CreateTime: version(10)}

	newer, err := ls.HasNewerBundle(meta)
	require.NoError(t, err)
	assert.False(t, newer)

	data := fields("name", "bundled")
	changed, err := ls.ApplyBundledDocuments([]models.BundledDocument{
		{Key: key("rooms/a"), ReadTime: version(10), Exists: true, Version: version(9), Data: &data},
		{Key: key("rooms/gone"), ReadTime: version(10)},
	}, meta.ID)
	require.NoError(t, err)
	assertField(t, changed[key("rooms/a")], "name", models.StringValue("bundled"))
	assert.True(t, changed[key("rooms/gone")].IsNoDocument())

	require.NoError(t, ls.SaveBundle(meta))
	newer, err = ls.HasNewerBundle(meta)
	require.NoError(t, err)
	assert.True(t, newer)

	later := meta
	later.CreateTime = version(20)
	newer, err = ls.HasNewerBundle(later)
	require.NoError(t, err)
	assert.False(t, newer)
}

func TestNamedQueries(t *testing.T) {
	ls := newTestLocalStore(t)

	nq := models.NamedQuery{Name: "open-rooms", Query: openRoomsQuery(), ReadTime: version(10)}
	require.NoError(t, ls.SaveNamedQuery(nq, models.NewDocumentKeySet(key("rooms/a"))))

	got, err := ls.GetNamedQuery("open-rooms")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, version(10), got.ReadTime)
	assert.Equal(t, openRoomsQuery().CanonicalID(), got.Query.CanonicalID())

	td, err := ls.GetLocalTargetData(openRoomsQuery().ToTarget())
	require.NoError(t, err)
	assert.Equal(t, version(10), td.SnapshotVersion)
	keys, err := ls.GetRemoteDocumentKeys(td.TargetID)
	require.NoError(t, err)
	assert.True(t, keys.Has(key("rooms/a")))

	missing, err := ls.GetNamedQuery("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
