package remote

import (
	"context"
	"log/slog"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/status"
)

// WriteStreamListener receives write stream events on the queue.
type WriteStreamListener interface {
	OnWriteStreamOpen()
	// OnHandshakeComplete is called once the backend accepted the
	// handshake. Mutations may be sent from then on.
	OnHandshakeComplete()
	OnMutationResult(commitVersion models.SnapshotVersion, results []models.MutationResult)
	OnWriteStreamClose(err error)
}

// WriteStream sends mutation batches in order. A new connection must first
// complete a handshake, which returns the stream token that later
// responses update.
type WriteStream struct {
	*persistentStream[WriteRequest, WriteResponse]
	database string
	listener WriteStreamListener

	handshakeComplete bool
	// LastStreamToken is the token of the last response, persisted so a
	// restarted client can resume.
	LastStreamToken []byte
}

func NewWriteStream(q *queue.AsyncQueue, ds *Datastore, listener WriteStreamListener, logger *slog.Logger) *WriteStream {
	base := newPersistentStream(
		"write",
		q,
		streamTimers{
			idle:      queue.TimerWriteStreamIdle,
			backoff:   queue.TimerWriteStreamConnectionBackoff,
			health:    queue.TimerHealthCheckTimeout,
			responses: queue.TimerStreamResponseWatchdog,
		},
		func(ctx context.Context) (Stream[WriteRequest, WriteResponse], error) {
			return ds.openWriteStream(ctx)
		},
		ds.InvalidateCredentials,
		logger,
	)
	w := &WriteStream{persistentStream: base, database: ds.DatabaseName(), listener: listener}
	base.onOpen = w.handleOpen
	base.onMessage = w.handleResponse
	base.onClose = listener.OnWriteStreamClose
	return w
}

func (w *WriteStream) handleOpen() {
	w.handshakeComplete = false
	w.listener.OnWriteStreamOpen()
}

// HandshakeComplete reports whether mutations may be sent.
func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }

// WriteHandshake sends the initial request of a connection.
func (w *WriteStream) WriteHandshake() {
	if w.handshakeComplete {
		w.logger.Error("handshake already completed", "stream", w.name)
		return
	}
	w.send(&WriteRequest{Database: w.database, StreamToken: w.LastStreamToken}, 1)
}

// WriteMutations sends one batch.
func (w *WriteStream) WriteMutations(mutations []models.Mutation) {
	if !w.handshakeComplete {
		w.logger.Error("mutations written before handshake", "stream", w.name)
		return
	}
	w.send(&WriteRequest{StreamToken: w.LastStreamToken, Writes: mutations}, 1)
}

func (w *WriteStream) handleResponse(resp *WriteResponse) error {
	w.receivedResponses(1)
	w.LastStreamToken = resp.StreamToken

	if !w.handshakeComplete {
		if len(resp.WriteResults) > 0 {
			return status.New(status.Internal, "handshake response carries write results")
		}
		w.handshakeComplete = true
		w.listener.OnHandshakeComplete()
		return nil
	}

	// A healthy exchange means the connection is worth keeping.
	w.backoff.Reset()
	w.listener.OnMutationResult(resp.CommitTime, resp.WriteResults)
	return nil
}
