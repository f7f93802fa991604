package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
)

const (
	streamWriteTimeout = 10 * time.Second
	// bloomFalsePositiveRate sizes the filters sent with existence filters.
	bloomFalsePositiveRate = 0.01
)

// resumeToken encodes a read time. Tokens are opaque to clients.
func resumeToken(v models.SnapshotVersion) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v.Micros()))
	return b
}

func decodeResumeToken(token []byte) (models.SnapshotVersion, bool) {
	if len(token) != 8 {
		return models.MinVersion, false
	}
	return models.TimestampFromMicros(int64(binary.BigEndian.Uint64(token))), true
}

// watchedTarget is a target of a listen session along with the documents
// the client has been told match it.
type watchedTarget struct {
	target *models.Target
	sent   map[models.DocumentKey]models.SnapshotVersion
}

// listenSession serves one listen stream. Only run writes to conn.
type listenSession struct {
	conn     *websocket.Conn
	store    *Store
	database string
	logger   *slog.Logger
	targets  map[int]*watchedTarget
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	database := databaseName(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		s.logger.Debug("listen upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	notify, unsubscribe := s.hub.subscribe(database)
	defer unsubscribe()

	sess := &listenSession{
		conn:     conn,
		store:    s.store,
		database: database,
		logger:   s.logger.With("stream", "listen", "database", database),
		targets:  make(map[int]*watchedTarget),
	}

	requests := make(chan *remote.ListenRequest)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readRequests(gctx, conn, requests)
	})
	g.Go(func() error {
		err := sess.run(gctx, requests, notify)
		closeStream(conn, err)
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		sess.logger.Warn("listen stream failed", "error", err)
	}
}

// readRequests decodes requests until the stream ends. A normal close
// returns io.EOF.
func readRequests[Req any](ctx context.Context, conn *websocket.Conn, out chan<- *Req) error {
	for {
		req := new(Req)
		if err := conn.ReadJSON(req); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return io.EOF
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeStream reports err in band, unless the stream simply ended, and
// closes conn.
func closeStream(conn *websocket.Conn, err error) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	case errors.Is(err, context.Canceled):
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	default:
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		_ = conn.WriteJSON(remote.StreamFrame[struct{}]{Error: remote.ErrorResponseFrom(err)})
	}
	conn.Close()
}

func (sess *listenSession) run(ctx context.Context, requests <-chan *remote.ListenRequest, notify <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-requests:
			if err := sess.handleRequest(req); err != nil {
				return err
			}
		case <-notify:
			if err := sess.refresh(nil); err != nil {
				return err
			}
		}
	}
}

func (sess *listenSession) handleRequest(req *remote.ListenRequest) error {
	if req.Database != "" && req.Database != sess.database {
		return status.New(status.InvalidArgument, "request for %s sent to %s", req.Database, sess.database)
	}
	switch {
	case req.AddTarget != nil:
		return sess.addTarget(req.AddTarget)
	case req.RemoveTarget != 0:
		delete(sess.targets, req.RemoveTarget)
		return sess.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
			Type:      remote.TargetChangeRemove,
			TargetIDs: []int{req.RemoveTarget},
		}})
	}
	return nil
}

func (sess *listenSession) addTarget(req *remote.TargetRequest) error {
	if _, ok := sess.targets[req.TargetID]; ok {
		return sess.rejectTarget(req.TargetID, status.New(status.InvalidArgument, "target %d already exists", req.TargetID))
	}
	if req.Target == nil {
		return sess.rejectTarget(req.TargetID, status.New(status.InvalidArgument, "target %d has no query", req.TargetID))
	}
	return sess.refresh(req)
}

func (sess *listenSession) rejectTarget(targetID int, cause error) error {
	return sess.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		Type:      remote.TargetChangeRemove,
		TargetIDs: []int{targetID},
		Cause:     remote.ErrorResponseFrom(cause),
	}})
}

// queryResult is the state of one target at a read time.
type queryResult struct {
	docs []*models.Document
	// deleted lists previously sent documents that no longer exist.
	deleted map[models.DocumentKey]bool
}

// refresh brings every target, plus added if not nil, up to the latest
// read time and ends with a global snapshot marker.
func (sess *listenSession) refresh(added *remote.TargetRequest) error {
	var readTime models.SnapshotVersion
	results := make(map[int]*queryResult, len(sess.targets))
	var addedDocs []*models.Document
	var addedErr error

	err := sess.store.View(sess.database, func(snap *Snapshot) error {
		readTime = snap.ReadTime()
		for id, wt := range sess.targets {
			docs, err := snap.RunQuery(wt.target)
			if err != nil {
				return err
			}
			res := &queryResult{docs: docs, deleted: map[models.DocumentKey]bool{}}
			present := models.NewDocumentKeySet()
			for _, doc := range docs {
				present.Add(doc.Key)
			}
			for key := range wt.sent {
				if present.Has(key) {
					continue
				}
				doc, err := snap.Get(key)
				if err != nil {
					return err
				}
				res.deleted[key] = doc == nil
			}
			results[id] = res
		}
		if added != nil {
			addedDocs, addedErr = snap.RunQuery(added.Target)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if added != nil {
		if addedErr != nil {
			if status.CodeOf(addedErr) == status.InvalidArgument {
				return sess.rejectTarget(added.TargetID, addedErr)
			}
			return addedErr
		}
		if err := sess.sendInitial(added, addedDocs, readTime); err != nil {
			return err
		}
	}

	for _, id := range sortedTargetIDs(results) {
		if err := sess.sendDiff(id, results[id], readTime); err != nil {
			return err
		}
	}

	if len(sess.targets) == 0 {
		return nil
	}
	return sess.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		Type:        remote.TargetChangeNoChange,
		ResumeToken: resumeToken(readTime),
		ReadTime:    readTime,
	}})
}

// sendInitial sends the documents of a new target. A resumed target only
// gets documents changed since its resume point, followed by an existence
// filter so the client can find documents it missed the removal of.
func (sess *listenSession) sendInitial(req *remote.TargetRequest, docs []*models.Document, readTime models.SnapshotVersion) error {
	id := req.TargetID
	if err := sess.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		Type:      remote.TargetChangeAdd,
		TargetIDs: []int{id},
	}}); err != nil {
		return err
	}

	since, resumed := decodeResumeToken(req.ResumeToken)
	if !resumed && req.ReadTime != nil && !req.ReadTime.IsZero() {
		since, resumed = *req.ReadTime, true
	}

	wt := &watchedTarget{target: req.Target, sent: make(map[models.DocumentKey]models.SnapshotVersion, len(docs))}
	for _, doc := range docs {
		wt.sent[doc.Key] = doc.Version
		if resumed && !doc.Version.After(since) {
			continue
		}
		if err := sess.send(&remote.ListenResponse{DocumentChange: &remote.DocumentChangeMessage{
			Document:  remote.WireDocumentFrom(doc),
			TargetIDs: []int{id},
		}}); err != nil {
			return err
		}
	}
	sess.targets[id] = wt

	if resumed && req.ExpectedCount != nil {
		filter := &remote.ExistenceFilterMessage{TargetID: id, Count: len(docs)}
		if !req.Target.IsDocumentTarget() {
			names := make([]string, len(docs))
			for i, doc := range docs {
				names[i] = sess.documentName(doc.Key)
			}
			filter.UnchangedNames = remote.BuildBloomFilter(names, bloomFalsePositiveRate)
		}
		if err := sess.send(&remote.ListenResponse{Filter: filter}); err != nil {
			return err
		}
	}

	return sess.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeMessage{
		Type:        remote.TargetChangeCurrent,
		TargetIDs:   []int{id},
		ResumeToken: resumeToken(readTime),
		ReadTime:    readTime,
	}})
}

// sendDiff sends what changed in a target since it was last sent.
func (sess *listenSession) sendDiff(id int, res *queryResult, readTime models.SnapshotVersion) error {
	wt := sess.targets[id]
	next := make(map[models.DocumentKey]models.SnapshotVersion, len(res.docs))
	for _, doc := range res.docs {
		next[doc.Key] = doc.Version
		if v, ok := wt.sent[doc.Key]; ok && v == doc.Version {
			continue
		}
		if err := sess.send(&remote.ListenResponse{DocumentChange: &remote.DocumentChangeMessage{
			Document:  remote.WireDocumentFrom(doc),
			TargetIDs: []int{id},
		}}); err != nil {
			return err
		}
	}

	gone := make([]models.DocumentKey, 0, len(res.deleted))
	for key := range res.deleted {
		gone = append(gone, key)
	}
	slices.SortFunc(gone, models.DocumentKey.Compare)
	for _, key := range gone {
		resp := &remote.ListenResponse{}
		if res.deleted[key] {
			resp.DocumentDelete = &remote.DocumentDeleteMessage{Document: key, ReadTime: readTime, RemovedTargetIDs: []int{id}}
		} else {
			resp.DocumentRemove = &remote.DocumentRemoveMessage{Document: key, ReadTime: readTime, RemovedTargetIDs: []int{id}}
		}
		if err := sess.send(resp); err != nil {
			return err
		}
	}

	wt.sent = next
	return nil
}

func (sess *listenSession) documentName(key models.DocumentKey) string {
	return sess.database + "/documents/" + key.String()
}

func (sess *listenSession) send(resp *remote.ListenResponse) error {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := sess.conn.WriteJSON(remote.StreamFrame[remote.ListenResponse]{Message: resp}); err != nil {
		return status.Wrap(status.Unavailable, err, "send listen response")
	}
	return nil
}

func sortedTargetIDs(results map[int]*queryResult) []int {
	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
