package emulator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
)

func newTestServer(t *testing.T, cfg *Config) (*httptest.Server, *Store) {
	t.Helper()
	store := newTestStore(t)
	srv := New(store, cfg, nil)
	handler, cleanup := srv.Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cleanup()
	})
	return ts, store
}

func newTestConnection(ts *httptest.Server) *remote.HTTPConnection {
	return remote.NewHTTPConnection(remote.DatabaseInfo{ProjectID: "p", Host: strings.TrimPrefix(ts.URL, "http://")})
}

// recv waits for the next message on a stream.
func recv[Req, Resp any](t *testing.T, s remote.Stream[Req, Resp]) (*Resp, error) {
	t.Helper()
	type result struct {
		msg *Resp
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.Recv()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a stream message")
		return nil, nil
	}
}

func mustRecv(t *testing.T, s remote.ListenConn) *remote.ListenResponse {
	t.Helper()
	msg, err := recv(t, s)
	require.NoError(t, err)
	return msg
}

func expectTargetChange(t *testing.T, s remote.ListenConn, typ remote.TargetChangeType, ids ...int) *remote.TargetChangeMessage {
	t.Helper()
	msg := mustRecv(t, s)
	require.NotNil(t, msg.TargetChange, "got %+v", msg)
	assert.Equal(t, typ, msg.TargetChange.Type)
	assert.Equal(t, ids, msg.TargetChange.TargetIDs)
	return msg.TargetChange
}

func expectDocumentChange(t *testing.T, s remote.ListenConn, path string, targetID int) *remote.DocumentChangeMessage {
	t.Helper()
	msg := mustRecv(t, s)
	require.NotNil(t, msg.DocumentChange, "got %+v", msg)
	assert.Equal(t, key(path), msg.DocumentChange.Document.Name)
	assert.Equal(t, []int{targetID}, msg.DocumentChange.TargetIDs)
	return msg.DocumentChange
}

func watch(t *testing.T, s remote.ListenConn, req *remote.TargetRequest) {
	t.Helper()
	require.NoError(t, s.Send(&remote.ListenRequest{Database: testDB, AddTarget: req}))
}

// ==================== Unary Tests ====================

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommitBatchGetAndRunQuery(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(t, nil)
	conn := newTestConnection(ts)

	commit, err := conn.Commit(ctx, remote.Metadata{}, &remote.CommitRequest{
		Database: testDB,
		Writes:   []models.Mutation{set("rooms/a", "n", 1), set("rooms/b", "n", 2)},
	})
	require.NoError(t, err)
	require.Len(t, commit.WriteResults, 2)
	assert.False(t, commit.CommitTime.IsZero())

	got, err := conn.BatchGetDocuments(ctx, remote.Metadata{}, &remote.BatchGetRequest{
		Database:  testDB,
		Documents: []models.DocumentKey{key("rooms/a"), key("rooms/missing")},
	})
	require.NoError(t, err)
	require.Len(t, got.Found, 1)
	assert.Equal(t, key("rooms/a"), got.Found[0].Name)
	assert.Equal(t, commit.CommitTime, got.Found[0].UpdateTime)
	assert.Equal(t, []models.DocumentKey{key("rooms/missing")}, got.Missing)
	assert.Equal(t, commit.CommitTime, got.ReadTime)

	q, err := conn.RunQuery(ctx, remote.Metadata{}, &remote.RunQueryRequest{Database: testDB, Target: rooms().ToTarget()})
	require.NoError(t, err)
	require.Len(t, q.Documents, 2)
	assert.Equal(t, key("rooms/b"), q.Documents[1].Name)
}

func TestCommit_PreconditionFailureCarriesCode(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	conn := newTestConnection(ts)

	_, err := conn.Commit(context.Background(), remote.Metadata{}, &remote.CommitRequest{
		Writes: []models.Mutation{models.NewDeleteMutation(key("rooms/a")).WithPrecondition(models.PreconditionExists(true))},
	})
	assert.Equal(t, status.FailedPrecondition, status.CodeOf(err))
}

func TestCommit_WrongDatabase(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	conn := newTestConnection(ts)

	_, err := conn.Commit(context.Background(), remote.Metadata{}, &remote.CommitRequest{
		Database: "projects/other/databases/(default)",
		Writes:   []models.Mutation{set("rooms/a")},
	})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestCommit_InvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Post(ts.URL+"/v1/"+testDB+"/documents:commit", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ==================== Auth Tests ====================

func TestAuth_RequiresToken(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(t, &Config{Token: "secret", MaxRequestBody: 1 << 20})
	conn := newTestConnection(ts)
	req := &remote.CommitRequest{Writes: []models.Mutation{set("rooms/a")}}

	_, err := conn.Commit(ctx, remote.Metadata{}, req)
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))

	_, err = conn.Commit(ctx, remote.Metadata{AuthToken: "wrong"}, req)
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))

	_, err = conn.Commit(ctx, remote.Metadata{AuthToken: "secret"}, req)
	assert.NoError(t, err)

	_, err = conn.OpenListenStream(ctx, remote.Metadata{})
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, &Config{MaxRequestBody: 1 << 20, RequestsPerMinute: 1})
	conn := newTestConnection(ts)
	req := &remote.RunQueryRequest{Target: rooms().ToTarget()}

	_, err := conn.RunQuery(context.Background(), remote.Metadata{}, req)
	require.NoError(t, err)
	_, err = conn.RunQuery(context.Background(), remote.Metadata{}, req)
	assert.Equal(t, status.ResourceExhausted, status.CodeOf(err))
}

// ==================== Listen Stream Tests ====================

func TestListen_InitialSnapshotAndChanges(t *testing.T) {
	ctx := context.Background()
	ts, store := newTestServer(t, nil)
	conn := newTestConnection(ts)
	_, err := store.Commit(testDB, []models.Mutation{set("rooms/a", "n", 1)})
	require.NoError(t, err)

	s, err := conn.OpenListenStream(ctx, remote.Metadata{})
	require.NoError(t, err)
	defer s.Close()

	watch(t, s, &remote.TargetRequest{TargetID: 2, Target: rooms().ToTarget()})
	expectTargetChange(t, s, remote.TargetChangeAdd, 2)
	expectDocumentChange(t, s, "rooms/a", 2)
	current := expectTargetChange(t, s, remote.TargetChangeCurrent, 2)
	assert.NotEmpty(t, current.ResumeToken)
	global := expectTargetChange(t, s, remote.TargetChangeNoChange)
	assert.Equal(t, store.ReadTime(), global.ReadTime)

	_, err = conn.Commit(ctx, remote.Metadata{}, &remote.CommitRequest{Writes: []models.Mutation{set("rooms/b", "n", 2)}})
	require.NoError(t, err)
	expectDocumentChange(t, s, "rooms/b", 2)
	expectTargetChange(t, s, remote.TargetChangeNoChange)

	_, err = conn.Commit(ctx, remote.Metadata{}, &remote.CommitRequest{Writes: []models.Mutation{models.NewDeleteMutation(key("rooms/a"))}})
	require.NoError(t, err)
	msg := mustRecv(t, s)
	require.NotNil(t, msg.DocumentDelete)
	assert.Equal(t, key("rooms/a"), msg.DocumentDelete.Document)
	assert.Equal(t, []int{2}, msg.DocumentDelete.RemovedTargetIDs)
	expectTargetChange(t, s, remote.TargetChangeNoChange)

	require.NoError(t, s.Send(&remote.ListenRequest{Database: testDB, RemoveTarget: 2}))
	expectTargetChange(t, s, remote.TargetChangeRemove, 2)
}

func TestListen_DocumentLeavingLimitIsRemoved(t *testing.T) {
	ctx := context.Background()
	ts, store := newTestServer(t, nil)
	conn := newTestConnection(ts)
	_, err := store.Commit(testDB, []models.Mutation{set("rooms/b", "size", 2)})
	require.NoError(t, err)

	s, err := conn.OpenListenStream(ctx, remote.Metadata{})
	require.NoError(t, err)
	defer s.Close()

	largest := rooms().OrderBy(models.MustFieldPath("size"), models.Descending).LimitFirst(1)
	watch(t, s, &remote.TargetRequest{TargetID: 4, Target: largest.ToTarget()})
	expectTargetChange(t, s, remote.TargetChangeAdd, 4)
	expectDocumentChange(t, s, "rooms/b", 4)
	expectTargetChange(t, s, remote.TargetChangeCurrent, 4)
	expectTargetChange(t, s, remote.TargetChangeNoChange)

	_, err = conn.Commit(ctx, remote.Metadata{}, &remote.CommitRequest{Writes: []models.Mutation{set("rooms/c", "size", 3)}})
	require.NoError(t, err)
	expectDocumentChange(t, s, "rooms/c", 4)
	msg := mustRecv(t, s)
	require.NotNil(t, msg.DocumentRemove, "got %+v", msg)
	assert.Equal(t, key("rooms/b"), msg.DocumentRemove.Document)
}

func TestListen_ResumeSendsChangesAndExistenceFilter(t *testing.T) {
	ctx := context.Background()
	ts, store := newTestServer(t, nil)
	conn := newTestConnection(ts)
	_, err := store.Commit(testDB, []models.Mutation{set("rooms/a"), set("rooms/b")})
	require.NoError(t, err)
	token := resumeToken(store.ReadTime())

	// While the client is away b is deleted and c is added.
	_, err = store.Commit(testDB, []models.Mutation{models.NewDeleteMutation(key("rooms/b")), set("rooms/c")})
	require.NoError(t, err)

	s, err := conn.OpenListenStream(ctx, remote.Metadata{})
	require.NoError(t, err)
	defer s.Close()

	expected := 2
	watch(t, s, &remote.TargetRequest{TargetID: 2, Target: rooms().ToTarget(), ResumeToken: token, ExpectedCount: &expected})
	expectTargetChange(t, s, remote.TargetChangeAdd, 2)
	expectDocumentChange(t, s, "rooms/c", 2)

	msg := mustRecv(t, s)
	require.NotNil(t, msg.Filter, "got %+v", msg)
	assert.Equal(t, 2, msg.Filter.Count)
	require.NotNil(t, msg.Filter.UnchangedNames)
	bloom, err := remote.NewBloomFilter(msg.Filter.UnchangedNames.Bitmap, msg.Filter.UnchangedNames.Padding, msg.Filter.UnchangedNames.HashCount)
	require.NoError(t, err)
	assert.True(t, bloom.MightContain(testDB+"/documents/rooms/a"))
	assert.True(t, bloom.MightContain(testDB+"/documents/rooms/c"))

	expectTargetChange(t, s, remote.TargetChangeCurrent, 2)
}

func TestListen_DuplicateTargetIsRejected(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	s, err := newTestConnection(ts).OpenListenStream(context.Background(), remote.Metadata{})
	require.NoError(t, err)
	defer s.Close()

	watch(t, s, &remote.TargetRequest{TargetID: 2, Target: rooms().ToTarget()})
	expectTargetChange(t, s, remote.TargetChangeAdd, 2)
	expectTargetChange(t, s, remote.TargetChangeCurrent, 2)
	expectTargetChange(t, s, remote.TargetChangeNoChange)

	watch(t, s, &remote.TargetRequest{TargetID: 2, Target: rooms().ToTarget()})
	removed := expectTargetChange(t, s, remote.TargetChangeRemove, 2)
	require.NotNil(t, removed.Cause)
	assert.Equal(t, status.InvalidArgument, removed.Cause.Err().Code)
}

// ==================== Write Stream Tests ====================

func TestWrite_HandshakeAndBatches(t *testing.T) {
	ts, store := newTestServer(t, nil)
	s, err := newTestConnection(ts).OpenWriteStream(context.Background(), remote.Metadata{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(&remote.WriteRequest{Database: testDB}))
	handshake, err := recv(t, s)
	require.NoError(t, err)
	require.NotEmpty(t, handshake.StreamToken)
	assert.Empty(t, handshake.WriteResults)

	require.NoError(t, s.Send(&remote.WriteRequest{StreamToken: handshake.StreamToken, Writes: []models.Mutation{set("rooms/a", "n", 1)}}))
	ack, err := recv(t, s)
	require.NoError(t, err)
	require.Len(t, ack.WriteResults, 1)
	assert.Equal(t, handshake.StreamToken, ack.StreamToken)
	assert.Equal(t, store.ReadTime(), ack.CommitTime)

	require.NoError(t, s.Send(&remote.WriteRequest{Writes: []models.Mutation{
		set("rooms/a", "n", 2).WithPrecondition(models.PreconditionExists(false)),
	}}))
	_, err = recv(t, s)
	assert.Equal(t, status.FailedPrecondition, status.CodeOf(err))
}

func TestWrite_RequiresHandshake(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	s, err := newTestConnection(ts).OpenWriteStream(context.Background(), remote.Metadata{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(&remote.WriteRequest{Writes: []models.Mutation{set("rooms/a")}}))
	_, err = recv(t, s)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}
