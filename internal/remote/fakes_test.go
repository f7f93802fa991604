package remote

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/auth"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/status"
)

const waitTimeout = 5 * time.Second

// fakeStream is one end of an in-memory stream. The test plays the server
// through Sent, Respond and Fail.
type fakeStream[Req, Resp any] struct {
	sent   chan *Req
	recv   chan *Resp
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream[Req, Resp any]() *fakeStream[Req, Resp] {
	return &fakeStream[Req, Resp]{
		sent:   make(chan *Req, 100),
		recv:   make(chan *Resp, 100),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream[Req, Resp]) Send(req *Req) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	s.sent <- req
	return nil
}

func (s *fakeStream[Req, Resp]) Recv() (*Resp, error) {
	select {
	case m := <-s.recv:
		return m, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeStream[Req, Resp]) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream[Req, Resp]) Respond(resp *Resp) { s.recv <- resp }

func (s *fakeStream[Req, Resp]) Fail(err error) { s.errs <- err }

// NextSent waits for the next request the client sent.
func (s *fakeStream[Req, Resp]) NextSent(t *testing.T) *Req {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a request")
		return nil
	}
}

func (s *fakeStream[Req, Resp]) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeConnection struct {
	mu       sync.Mutex
	openErr  error
	metadata []Metadata

	listens chan *fakeStream[ListenRequest, ListenResponse]
	writes  chan *fakeStream[WriteRequest, WriteResponse]

	commit   func(*CommitRequest) (*CommitResponse, error)
	batchGet func(*BatchGetRequest) (*BatchGetResponse, error)
	runQuery func(*RunQueryRequest) (*RunQueryResponse, error)
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		listens: make(chan *fakeStream[ListenRequest, ListenResponse], 10),
		writes:  make(chan *fakeStream[WriteRequest, WriteResponse], 10),
	}
}

func (c *fakeConnection) record(md Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata = append(c.metadata, md)
	return c.openErr
}

func (c *fakeConnection) setOpenErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

func (c *fakeConnection) OpenListenStream(_ context.Context, md Metadata) (ListenConn, error) {
	if err := c.record(md); err != nil {
		return nil, err
	}
	s := newFakeStream[ListenRequest, ListenResponse]()
	c.listens <- s
	return s, nil
}

func (c *fakeConnection) OpenWriteStream(_ context.Context, md Metadata) (WriteConn, error) {
	if err := c.record(md); err != nil {
		return nil, err
	}
	s := newFakeStream[WriteRequest, WriteResponse]()
	c.writes <- s
	return s, nil
}

func (c *fakeConnection) Commit(_ context.Context, md Metadata, req *CommitRequest) (*CommitResponse, error) {
	_ = c.record(md)
	return c.commit(req)
}

func (c *fakeConnection) BatchGetDocuments(_ context.Context, md Metadata, req *BatchGetRequest) (*BatchGetResponse, error) {
	_ = c.record(md)
	return c.batchGet(req)
}

func (c *fakeConnection) RunQuery(_ context.Context, md Metadata, req *RunQueryRequest) (*RunQueryResponse, error) {
	_ = c.record(md)
	return c.runQuery(req)
}

func (c *fakeConnection) nextListen(t *testing.T) *fakeStream[ListenRequest, ListenResponse] {
	t.Helper()
	select {
	case s := <-c.listens:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a listen stream")
		return nil
	}
}

func (c *fakeConnection) nextWrite(t *testing.T) *fakeStream[WriteRequest, WriteResponse] {
	t.Helper()
	select {
	case s := <-c.writes:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a write stream")
		return nil
	}
}

var testDatabase = DatabaseInfo{ProjectID: "test-project", Host: "localhost:8080"}

func newTestQueue(t *testing.T) *queue.AsyncQueue {
	t.Helper()
	q := queue.New(nil)
	t.Cleanup(func() { <-q.EnqueueAndInitiateShutdown(nil).Done() })
	return q
}

func newTestDatastore(conn Connection) *Datastore {
	return newTestDatastoreWith(conn, auth.EmptyCredentialsProvider{})
}

func newTestDatastoreWith(conn Connection, creds auth.CredentialsProvider) *Datastore {
	return NewDatastore(conn, testDatabase, creds, auth.EmptyAppCheckProvider{}, nil)
}

// countingCredentials never authenticates and counts invalidations.
type countingCredentials struct {
	auth.EmptyCredentialsProvider
	invalidations atomic.Int32
}

func (c *countingCredentials) InvalidateToken() { c.invalidations.Add(1) }

// onQueue runs fn on the queue and returns its result.
func onQueue[T any](t *testing.T, q *queue.AsyncQueue, fn func() T) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	v, err := queue.Enqueue(q, func() (T, error) { return fn(), nil }).Wait(ctx)
	require.NoError(t, err)
	return v
}

func runOnQueue(t *testing.T, q *queue.AsyncQueue, fn func()) {
	t.Helper()
	onQueue(t, q, func() struct{} {
		fn()
		return struct{}{}
	})
}

func eventually(t *testing.T, q *queue.AsyncQueue, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool { return onQueue(t, q, cond) }, waitTimeout, 5*time.Millisecond)
}

func key(path string) models.DocumentKey { return models.MustDocumentKey(path) }

func version(micros int64) models.SnapshotVersion { return models.TimestampFromMicros(micros) }

func doc(path string, v int64, fields map[string]models.Value) *models.Document {
	return models.NewFoundDocument(key(path), version(v), models.ObjectValueOf(fields))
}

func unavailable() error { return status.New(status.Unavailable, "connection reset") }
