package remote

import (
	"context"
	"log/slog"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/status"
)

// WatchStreamListener receives listen stream events on the queue.
type WatchStreamListener interface {
	OnWatchStreamOpen()
	// OnWatchStreamChange delivers one change. snapshotVersion is non-zero
	// only when the backend declared a consistent snapshot.
	OnWatchStreamChange(change WatchChange, snapshotVersion models.SnapshotVersion)
	OnWatchStreamClose(err error)
}

// WatchStream is the listen stream: targets are added and removed by
// request, and the backend streams changes for all of them.
type WatchStream struct {
	*persistentStream[ListenRequest, ListenResponse]
	database string
	listener WatchStreamListener
}

func NewWatchStream(q *queue.AsyncQueue, ds *Datastore, listener WatchStreamListener, logger *slog.Logger) *WatchStream {
	base := newPersistentStream(
		"listen",
		q,
		streamTimers{
			idle:      queue.TimerListenStreamIdle,
			backoff:   queue.TimerListenStreamConnectionBackoff,
			health:    queue.TimerHealthCheckTimeout,
			responses: queue.TimerStreamResponseWatchdog,
		},
		func(ctx context.Context) (Stream[ListenRequest, ListenResponse], error) {
			return ds.openListenStream(ctx)
		},
		ds.InvalidateCredentials,
		logger,
	)
	w := &WatchStream{persistentStream: base, database: ds.DatabaseName(), listener: listener}
	base.onOpen = listener.OnWatchStreamOpen
	base.onMessage = w.handleResponse
	base.onClose = listener.OnWatchStreamClose
	return w
}

// Watch registers a target. A resumed target sends its resume token, or
// its snapshot version when it has none, along with the expected count.
func (w *WatchStream) Watch(td *models.TargetData) {
	req := &TargetRequest{TargetID: td.TargetID, Target: td.Target}
	if len(td.ResumeToken) > 0 {
		req.ResumeToken = td.ResumeToken
		req.ExpectedCount = td.ExpectedCount
	} else if !td.SnapshotVersion.IsZero() {
		v := td.SnapshotVersion
		req.ReadTime = &v
		req.ExpectedCount = td.ExpectedCount
	}
	w.send(&ListenRequest{Database: w.database, AddTarget: req}, 1)
}

// Unwatch removes a target.
func (w *WatchStream) Unwatch(targetID int) {
	w.send(&ListenRequest{Database: w.database, RemoveTarget: targetID}, 1)
}

func (w *WatchStream) handleResponse(resp *ListenResponse) error {
	w.backoff.Reset()

	change, err := decodeWatchChange(resp)
	if err != nil {
		return err
	}
	if tc, ok := change.(WatchTargetChange); ok && (tc.State == TargetChangeAdd || tc.State == TargetChangeRemove) {
		w.receivedResponses(len(tc.TargetIDs))
	}
	w.listener.OnWatchStreamChange(change, snapshotVersionOf(resp))
	return nil
}

// snapshotVersionOf returns the read time of a global no-change message.
// Every other message leaves the snapshot version unset.
func snapshotVersionOf(resp *ListenResponse) models.SnapshotVersion {
	tc := resp.TargetChange
	if tc == nil || tc.Type != TargetChangeNoChange || len(tc.TargetIDs) != 0 {
		return models.MinVersion
	}
	return tc.ReadTime
}

func decodeWatchChange(resp *ListenResponse) (WatchChange, error) {
	switch {
	case resp.TargetChange != nil:
		tc := resp.TargetChange
		change := WatchTargetChange{State: tc.Type, TargetIDs: tc.TargetIDs, ResumeToken: tc.ResumeToken}
		if tc.Cause != nil {
			change.Cause = tc.Cause.Err()
		}
		return change, nil
	case resp.DocumentChange != nil:
		dc := resp.DocumentChange
		doc := dc.Document.ToDocument()
		return DocumentWatchChange{UpdatedTargetIDs: dc.TargetIDs, RemovedTargetIDs: dc.RemovedTargetIDs, Key: doc.Key, Doc: doc}, nil
	case resp.DocumentDelete != nil:
		dd := resp.DocumentDelete
		return DocumentWatchChange{RemovedTargetIDs: dd.RemovedTargetIDs, Key: dd.Document, Doc: models.NewNoDocument(dd.Document, dd.ReadTime)}, nil
	case resp.DocumentRemove != nil:
		dr := resp.DocumentRemove
		return DocumentWatchChange{RemovedTargetIDs: dr.RemovedTargetIDs, Key: dr.Document}, nil
	case resp.Filter != nil:
		f := resp.Filter
		return ExistenceFilterChange{TargetID: f.TargetID, Count: f.Count, UnchangedNames: f.UnchangedNames}, nil
	}
	return nil, status.New(status.Internal, "listen response carries no change")
}
