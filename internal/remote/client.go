package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilupskalvis/docsync/internal/status"
)

// Header names carrying credentials.
const (
	headerAuthorization = "Authorization"
	headerAppCheck      = "X-App-Check"
)

// DatabaseInfo locates a database on a backend.
type DatabaseInfo struct {
	ProjectID string
	Database  string
	Host      string
	SSL       bool
}

// Name returns the resource name of the database.
func (d DatabaseInfo) Name() string {
	db := d.Database
	if db == "" {
		db = "(default)"
	}
	return fmt.Sprintf("projects/%s/databases/%s", d.ProjectID, db)
}

// Metadata is attached to every call.
type Metadata struct {
	AuthToken     string
	AppCheckToken string
}

func (m Metadata) header() http.Header {
	h := http.Header{}
	if m.AuthToken != "" {
		h.Set(headerAuthorization, "Bearer "+m.AuthToken)
	}
	if m.AppCheckToken != "" {
		h.Set(headerAppCheck, m.AppCheckToken)
	}
	return h
}

// Stream is a bidirectional message stream. Recv blocks until a message
// arrives or the stream fails; Close unblocks it.
type Stream[Req, Resp any] interface {
	Send(req *Req) error
	Recv() (*Resp, error)
	Close() error
}

type (
	ListenConn = Stream[ListenRequest, ListenResponse]
	WriteConn  = Stream[WriteRequest, WriteResponse]
)

// Connection is the transport to the backend.
type Connection interface {
	OpenListenStream(ctx context.Context, md Metadata) (ListenConn, error)
	OpenWriteStream(ctx context.Context, md Metadata) (WriteConn, error)
	Commit(ctx context.Context, md Metadata, req *CommitRequest) (*CommitResponse, error)
	BatchGetDocuments(ctx context.Context, md Metadata, req *BatchGetRequest) (*BatchGetResponse, error)
	RunQuery(ctx context.Context, md Metadata, req *RunQueryRequest) (*RunQueryResponse, error)
}

// HTTPConnection implements Connection with JSON over HTTP for unary calls
// and JSON frames over websockets for streams.
type HTTPConnection struct {
	info       DatabaseInfo
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHTTPConnection creates a connection to info.Host.
func NewHTTPConnection(info DatabaseInfo) *HTTPConnection {
	return &HTTPConnection{
		info:       info,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout:  15 * time.Second,
			EnableCompression: true,
		},
	}
}

func (c *HTTPConnection) url(scheme, path string) string {
	host := strings.TrimRight(c.info.Host, "/")
	return fmt.Sprintf("%s://%s/v1/%s%s", scheme, host, c.info.Name(), path)
}

func (c *HTTPConnection) httpURL(path string) string {
	if c.info.SSL {
		return c.url("https", path)
	}
	return c.url("http", path)
}

func (c *HTTPConnection) wsURL(path string) string {
	if c.info.SSL {
		return c.url("wss", path)
	}
	return c.url("ws", path)
}

func (c *HTTPConnection) doJSON(ctx context.Context, md Metadata, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header = md.header()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return status.Wrap(status.Unavailable, err, "execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return status.Wrap(status.Internal, err, "decode response")
	}
	return nil
}

// Commit writes mutations atomically.
func (c *HTTPConnection) Commit(ctx context.Context, md Metadata, req *CommitRequest) (*CommitResponse, error) {
	var resp CommitResponse
	if err := c.doJSON(ctx, md, "/documents:commit", req, &resp); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &resp, nil
}

// BatchGetDocuments reads documents by key.
func (c *HTTPConnection) BatchGetDocuments(ctx context.Context, md Metadata, req *BatchGetRequest) (*BatchGetResponse, error) {
	var resp BatchGetResponse
	if err := c.doJSON(ctx, md, "/documents:batchGet", req, &resp); err != nil {
		return nil, fmt.Errorf("batch get: %w", err)
	}
	return &resp, nil
}

// RunQuery runs a query once.
func (c *HTTPConnection) RunQuery(ctx context.Context, md Metadata, req *RunQueryRequest) (*RunQueryResponse, error) {
	var resp RunQueryResponse
	if err := c.doJSON(ctx, md, "/documents:runQuery", req, &resp); err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	return &resp, nil
}

// OpenListenStream opens the watch stream.
func (c *HTTPConnection) OpenListenStream(ctx context.Context, md Metadata) (ListenConn, error) {
	s, err := dialStream[ListenRequest, ListenResponse](ctx, c.dialer, c.wsURL("/listen"), md)
	if err != nil {
		return nil, fmt.Errorf("open listen stream: %w", err)
	}
	return s, nil
}

// OpenWriteStream opens the write stream.
func (c *HTTPConnection) OpenWriteStream(ctx context.Context, md Metadata) (WriteConn, error) {
	s, err := dialStream[WriteRequest, WriteResponse](ctx, c.dialer, c.wsURL("/write"), md)
	if err != nil {
		return nil, fmt.Errorf("open write stream: %w", err)
	}
	return s, nil
}

// wsStream sends requests as JSON text frames and reads StreamFrame
// envelopes.
type wsStream[Req, Resp any] struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

const streamWriteTimeout = 10 * time.Second

func dialStream[Req, Resp any](ctx context.Context, dialer *websocket.Dialer, url string, md Metadata) (*wsStream[Req, Resp], error) {
	conn, resp, err := dialer.DialContext(ctx, url, md.header())
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, status.Wrap(status.Unavailable, err, "dial %s", url)
	}
	return &wsStream[Req, Resp]{conn: conn}, nil
}

func (s *wsStream[Req, Resp]) Send(req *Req) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return status.Wrap(status.Unavailable, err, "send")
	}
	return nil
}

func (s *wsStream[Req, Resp]) Recv() (*Resp, error) {
	for {
		var frame StreamFrame[Resp]
		if err := s.conn.ReadJSON(&frame); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil, io.EOF
			}
			return nil, status.Wrap(status.Unavailable, err, "receive")
		}
		if frame.Error != nil {
			return nil, frame.Error.Err()
		}
		if frame.Message != nil {
			return frame.Message, nil
		}
	}
}

func (s *wsStream[Req, Resp]) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Code == "" {
		return status.New(status.CodeFromHTTPStatus(resp.StatusCode), "HTTP %d", resp.StatusCode)
	}
	return errResp.Err()
}
