package emulator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
)

// handleWrite serves one write stream. The first request is a handshake
// answered with a stream token; every later request is a batch that is
// committed atomically and acknowledged in order.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	database := databaseName(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("write upgrade failed", "error", err)
		return
	}
	logger := s.logger.With("stream", "write", "database", database)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err = s.serveWrites(ctx, conn, database)
	closeStream(conn, err)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		logger.Warn("write stream failed", "error", err)
	}
}

func (s *Server) serveWrites(ctx context.Context, conn *websocket.Conn, database string) error {
	requests := make(chan *remote.WriteRequest, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readRequests(ctx, conn, requests)
	}()

	next := func() (*remote.WriteRequest, error) {
		select {
		case req := <-requests:
			return req, nil
		case err := <-readErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	handshake, err := next()
	if err != nil {
		return err
	}
	if len(handshake.Writes) > 0 {
		return status.New(status.InvalidArgument, "the first write request must be a handshake")
	}
	if handshake.Database != "" && handshake.Database != database {
		return status.New(status.InvalidArgument, "request for %s sent to %s", handshake.Database, database)
	}

	token := []byte(uuid.NewString())
	if err := sendWrite(conn, &remote.WriteResponse{StreamToken: token, CommitTime: s.store.ReadTime()}); err != nil {
		return err
	}

	for {
		req, err := next()
		if err != nil {
			return err
		}
		if len(req.Writes) == 0 {
			continue
		}
		result, err := s.store.Commit(database, req.Writes)
		if err != nil {
			return err
		}
		metrics.IncEmulatorCommit(database, "stream")
		s.hub.publish(database)
		if err := sendWrite(conn, &remote.WriteResponse{
			StreamToken:  token,
			CommitTime:   result.CommitTime,
			WriteResults: result.Results,
		}); err != nil {
			return err
		}
	}
}

func sendWrite(conn *websocket.Conn, resp *remote.WriteResponse) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(remote.StreamFrame[remote.WriteResponse]{Message: resp}); err != nil {
		return status.Wrap(status.Unavailable, err, "send write response")
	}
	return nil
}
