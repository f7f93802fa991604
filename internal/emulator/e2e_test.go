package emulator_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/core"
	"github.com/kilupskalvis/docsync/internal/emulator"
	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
)

func startEmulator(t *testing.T) string {
	t.Helper()
	store, err := emulator.OpenStore(filepath.Join(t.TempDir(), "emulator.db"))
	require.NoError(t, err)
	srv := emulator.New(store, nil, nil)
	handler, cleanup := srv.Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cleanup()
		store.Close()
	})
	return strings.TrimPrefix(ts.URL, "http://")
}

func newClient(t *testing.T, host string) *core.Client {
	t.Helper()
	return newClientFor(t, remote.DatabaseInfo{ProjectID: "p", Host: host})
}

func newClientFor(t *testing.T, db remote.DatabaseInfo) *core.Client {
	t.Helper()
	c, err := core.NewClient(context.Background(), core.ClientConfig{
		Database:       db,
		PersistenceDir: t.TempDir(),
	}, core.ClientDeps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	return c
}

func rooms() *models.Query { return models.NewQuery(models.ParseResourcePath("rooms")) }

func setRoom(path, name string) models.Mutation {
	return models.NewSetMutation(models.MustDocumentKey(path), models.ObjectValueOf(map[string]models.Value{
		"name": models.StringValue(name),
	}))
}

// nextSnapshot waits for a snapshot satisfying ok.
func nextSnapshot(t *testing.T, snaps <-chan *core.ViewSnapshot, ok func(*core.ViewSnapshot) bool) *core.ViewSnapshot {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for a snapshot")
			return nil
		}
	}
}

func keysOf(snap *core.ViewSnapshot) []string {
	var out []string
	for _, d := range snap.Docs.Docs() {
		out = append(out, d.Key.String())
	}
	return out
}

func TestEndToEnd_WritesReachOtherClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	host := startEmulator(t)
	writer := newClient(t, host)
	reader := newClient(t, host)

	ack, err := writer.Write(ctx, []models.Mutation{setRoom("rooms/a", "lobby")})
	require.NoError(t, err)
	_, err = ack.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.WaitForPendingWrites(ctx))

	snaps := make(chan *core.ViewSnapshot, 16)
	_, err = reader.Listen(ctx, rooms(), core.ListenOptions{}, core.ListenerFuncs{Next: func(s *core.ViewSnapshot) { snaps <- s }})
	require.NoError(t, err)

	synced := nextSnapshot(t, snaps, func(s *core.ViewSnapshot) bool { return !s.FromCache })
	assert.Equal(t, []string{"rooms/a"}, keysOf(synced))

	ack, err = writer.Write(ctx, []models.Mutation{setRoom("rooms/b", "kitchen")})
	require.NoError(t, err)
	_, err = ack.Wait(ctx)
	require.NoError(t, err)
	nextSnapshot(t, snaps, func(s *core.ViewSnapshot) bool { return s.Docs.Has(models.MustDocumentKey("rooms/b")) })

	ack, err = writer.Write(ctx, []models.Mutation{models.NewDeleteMutation(models.MustDocumentKey("rooms/a"))})
	require.NoError(t, err)
	_, err = ack.Wait(ctx)
	require.NoError(t, err)
	final := nextSnapshot(t, snaps, func(s *core.ViewSnapshot) bool { return !s.Docs.Has(models.MustDocumentKey("rooms/a")) })
	assert.Equal(t, []string{"rooms/b"}, keysOf(final))
}

func TestEndToEnd_RejectedWriteIsRolledBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := newClient(t, startEmulator(t))

	ack, err := c.Write(ctx, []models.Mutation{
		setRoom("rooms/a", "lobby").WithPrecondition(models.PreconditionExists(true)),
	})
	require.NoError(t, err)
	_, err = ack.Wait(ctx)
	require.Error(t, err)

	got, err := c.GetDocumentFromLocalCache(ctx, models.MustDocumentKey("rooms/a"))
	if err == nil {
		assert.Nil(t, got, "the rejected write is no longer visible")
	}
}

func TestEndToEnd_Transaction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := newClient(t, startEmulator(t))
	key := models.MustDocumentKey("counters/visits")

	for i := 0; i < 2; i++ {
		err := c.RunTransaction(ctx, func(ctx context.Context, txn *remote.Transaction) error {
			docs, err := txn.Lookup(ctx, []models.DocumentKey{key})
			if err != nil {
				return err
			}
			count := int64(0)
			if docs[0].IsFoundDocument() {
				v, _ := docs[0].Field(models.MustFieldPath("count"))
				count = v.IntegerVal()
			}
			txn.Set(key, models.ObjectValueOf(map[string]models.Value{"count": models.IntegerValue(count + 1)}))
			return nil
		})
		require.NoError(t, err)
	}

	snaps := make(chan *core.ViewSnapshot, 16)
	_, err := c.Listen(ctx, models.NewQuery(key.Path()), core.ListenOptions{}, core.ListenerFuncs{Next: func(s *core.ViewSnapshot) { snaps <- s }})
	require.NoError(t, err)
	snap := nextSnapshot(t, snaps, func(s *core.ViewSnapshot) bool { return !s.FromCache })
	doc := snap.Docs.Get(key)
	require.NotNil(t, doc)
	v, _ := doc.Field(models.MustFieldPath("count"))
	assert.Equal(t, int64(2), v.IntegerVal())
}

func TestEndToEnd_OfflineWriteIsSentOnceOnline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db := remote.DatabaseInfo{ProjectID: "offline-write", Host: startEmulator(t)}
	c := newClientFor(t, db)
	key := models.MustDocumentKey("rooms/a")
	streamCommits := metrics.EmulatorCommits.WithLabelValues(db.Name(), "stream")
	before := testutil.ToFloat64(streamCommits)

	require.NoError(t, c.DisableNetwork(ctx))
	ack, err := c.Write(ctx, []models.Mutation{setRoom("rooms/a", "A")})
	require.NoError(t, err)

	snaps := make(chan *core.ViewSnapshot, 64)
	_, err = c.Listen(ctx, rooms(), core.ListenOptions{IncludeMetadataChanges: true}, core.ListenerFuncs{Next: func(s *core.ViewSnapshot) { snaps <- s }})
	require.NoError(t, err)

	local := nextSnapshot(t, snaps, func(s *core.ViewSnapshot) bool { return s.Docs.Has(key) })
	assert.True(t, local.FromCache)
	assert.True(t, local.Docs.Get(key).HasPendingWrites())
	assert.True(t, local.Docs.Get(key).Version.IsZero())

	batches, err := c.PendingMutationBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, before, testutil.ToFloat64(streamCommits), "nothing is sent while offline")

	require.NoError(t, c.EnableNetwork(ctx))
	_, err = ack.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, c.WaitForPendingWrites(ctx))

	batches, err = c.PendingMutationBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, before+1, testutil.ToFloat64(streamCommits))

	synced := nextSnapshot(t, snaps, func(s *core.ViewSnapshot) bool {
		d := s.Docs.Get(key)
		return !s.FromCache && d != nil && !d.HasPendingWrites()
	})
	doc := synced.Docs.Get(key)
	assert.True(t, doc.Version.After(models.SnapshotVersion{}))
	name, _ := doc.Field(models.MustFieldPath("name"))
	assert.Equal(t, "A", name.StringVal())
	assert.Equal(t, before+1, testutil.ToFloat64(streamCommits))
}
