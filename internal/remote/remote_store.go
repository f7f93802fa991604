package remote

import (
	"log/slog"

	"github.com/kilupskalvis/docsync/internal/auth"
	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/status"
)

// MaxPendingWrites bounds the batches sent on the write stream but not yet
// acknowledged.
const MaxPendingWrites = 10

// RemoteSyncer is the sync engine as seen from the remote store. Every
// method runs on the queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ev *models.RemoteEvent) error
	// RejectListen is called when the backend refused a target.
	RejectListen(targetID int, err error) error
	ApplySuccessfulWrite(result *models.MutationBatchResult) error
	RejectFailedWrite(batchID int, err error) error
	// GetRemoteKeysForTarget returns the keys the local cache holds for a
	// target, including limbo documents.
	GetRemoteKeysForTarget(targetID int) models.DocumentKeySet
	HandleCredentialChange(user auth.User) error
	ApplyOnlineStateChange(state OnlineState)
}

// LocalStore is the persistence the remote store reads between calls.
type LocalStore interface {
	NextMutationBatch(afterBatchID int) (*models.MutationBatch, error)
	GetLastStreamToken() ([]byte, error)
	SetLastStreamToken(token []byte) error
	GetLastRemoteSnapshotVersion() (models.SnapshotVersion, error)
}

// OfflineCause is a reason the network is disabled. The network is used
// only while there are none.
type OfflineCause string

const (
	OfflineUserDisabled      OfflineCause = "user_disabled"
	OfflineIsSecondary       OfflineCause = "is_secondary"
	OfflineConnectivity      OfflineCause = "connectivity_change"
	OfflineShutdown          OfflineCause = "shutdown"
	OfflineCredentialChange  OfflineCause = "credential_change"
	OfflinePersistenceFailed OfflineCause = "persistence_failure"
)

// RemoteStore keeps the listen and write streams in step with local
// state: it re-sends active targets when the watch stream reconnects,
// feeds pending batches into the write stream and turns stream messages
// into sync engine calls. All methods run on the queue.
type RemoteStore struct {
	localStore LocalStore
	datastore  *Datastore
	queue      *queue.AsyncQueue
	syncer     RemoteSyncer
	logger     *slog.Logger

	listenTargets map[int]*models.TargetData
	offlineCauses map[OfflineCause]struct{}

	watchStream *WatchStream
	writeStream *WriteStream
	// Nil while the watch stream is down.
	aggregator *WatchChangeAggregator

	onlineState  *OnlineStateTracker
	connectivity auth.ConnectivityMonitor

	// Batches sent or about to be sent, oldest first.
	writePipeline    []*models.MutationBatch
	maxPendingWrites int
}

// NewRemoteStore creates a remote store with the network disabled until
// Start.
func NewRemoteStore(localStore LocalStore, ds *Datastore, q *queue.AsyncQueue, syncer RemoteSyncer, connectivity auth.ConnectivityMonitor, logger *slog.Logger) *RemoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	if connectivity == nil {
		connectivity = auth.NoopConnectivityMonitor{}
	}
	rs := &RemoteStore{
		localStore:    localStore,
		datastore:     ds,
		queue:         q,
		syncer:        syncer,
		logger:        logger,
		listenTargets: map[int]*models.TargetData{},
		offlineCauses: map[OfflineCause]struct{}{OfflineUserDisabled: {}},
		connectivity:  connectivity,

		maxPendingWrites: MaxPendingWrites,
	}
	rs.onlineState = NewOnlineStateTracker(q, syncer.ApplyOnlineStateChange, logger)
	rs.watchStream = NewWatchStream(q, ds, rs, logger)
	rs.writeStream = NewWriteStream(q, ds, rs, logger)

	connectivity.AddCallback(func(auth.NetworkStatus) {
		q.EnqueueAndForget(func() {
			if rs.canUseNetwork() {
				rs.logger.Debug("restarting streams for network reachability change")
				rs.restartNetwork(OfflineConnectivity)
			}
		})
	})
	return rs
}

// Start enables the network.
func (rs *RemoteStore) Start() {
	rs.EnableNetwork()
}

// EnableNetwork re-enables the network after DisableNetwork.
func (rs *RemoteStore) EnableNetwork() {
	delete(rs.offlineCauses, OfflineUserDisabled)
	rs.enableNetworkInternal()
}

func (rs *RemoteStore) enableNetworkInternal() {
	if !rs.canUseNetwork() {
		return
	}
	token, err := rs.localStore.GetLastStreamToken()
	if err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	rs.writeStream.LastStreamToken = token

	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else {
		rs.onlineState.Set(OnlineStateUnknown)
	}
	rs.FillWritePipeline()
}

// DisableNetwork stops both streams. Writes stay queued locally and
// listeners see offline snapshots until EnableNetwork.
func (rs *RemoteStore) DisableNetwork() {
	rs.offlineCauses[OfflineUserDisabled] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateOffline)
}

func (rs *RemoteStore) disableNetworkInternal() {
	rs.writeStream.Stop()
	rs.watchStream.Stop()
	if len(rs.writePipeline) > 0 {
		rs.logger.Debug("stopping write stream with pending writes", "pending", len(rs.writePipeline))
		rs.writePipeline = nil
		metrics.PendingWrites.Set(0)
	}
	rs.cleanUpWatchStreamState()
}

// Shutdown stops the streams for good.
func (rs *RemoteStore) Shutdown() {
	rs.logger.Debug("remote store shutting down")
	rs.offlineCauses[OfflineShutdown] = struct{}{}
	rs.disableNetworkInternal()
	rs.connectivity.Shutdown()
	// Avoid raising offline events while shutting down.
	rs.onlineState.Set(OnlineStateUnknown)
}

func (rs *RemoteStore) restartNetwork(cause OfflineCause) {
	rs.offlineCauses[cause] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateUnknown)
	delete(rs.offlineCauses, cause)
	rs.enableNetworkInternal()
}

// HandleCredentialChange restarts the streams under a new user. The sync
// engine switches its local state while the network is down.
func (rs *RemoteStore) HandleCredentialChange(user auth.User) error {
	usingNetwork := rs.canUseNetwork()
	if usingNetwork {
		rs.logger.Debug("restarting streams for new credential", "user", user)
		rs.offlineCauses[OfflineCredentialChange] = struct{}{}
		rs.disableNetworkInternal()
		rs.onlineState.Set(OnlineStateUnknown)
	}
	err := rs.syncer.HandleCredentialChange(user)
	if usingNetwork {
		delete(rs.offlineCauses, OfflineCredentialChange)
		rs.enableNetworkInternal()
	}
	return err
}

// ApplyPrimaryState enables the network for the primary client and
// disables it for secondaries.
func (rs *RemoteStore) ApplyPrimaryState(isPrimary bool) {
	if isPrimary {
		delete(rs.offlineCauses, OfflineIsSecondary)
		rs.enableNetworkInternal()
		return
	}
	rs.offlineCauses[OfflineIsSecondary] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateUnknown)
}

// CanUseNetwork reports whether nothing is holding the network down.
func (rs *RemoteStore) CanUseNetwork() bool { return rs.canUseNetwork() }

func (rs *RemoteStore) canUseNetwork() bool { return len(rs.offlineCauses) == 0 }

// Listen starts listening to a target. Listening to a target twice is a
// no-op.
func (rs *RemoteStore) Listen(td *models.TargetData) {
	if _, ok := rs.listenTargets[td.TargetID]; ok {
		return
	}
	rs.listenTargets[td.TargetID] = td

	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else if rs.watchStream.IsOpen() {
		rs.sendWatchRequest(td)
	}
}

// Unlisten stops listening to a target.
func (rs *RemoteStore) Unlisten(targetID int) {
	if _, ok := rs.listenTargets[targetID]; !ok {
		rs.logger.Warn("unlisten of unknown target", "target", targetID)
		return
	}
	delete(rs.listenTargets, targetID)
	if rs.watchStream.IsOpen() {
		rs.sendUnwatchRequest(targetID)
	}

	if len(rs.listenTargets) == 0 {
		if rs.watchStream.IsOpen() {
			rs.watchStream.MarkIdle()
		} else if rs.canUseNetwork() {
			// Nothing to listen to, so the online state is moot.
			rs.onlineState.Set(OnlineStateUnknown)
		}
	}
}

// ListenTargets returns the active targets by id.
func (rs *RemoteStore) ListenTargets() map[int]*models.TargetData { return rs.listenTargets }

func (rs *RemoteStore) sendWatchRequest(td *models.TargetData) {
	rs.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || td.SnapshotVersion.After(models.MinVersion) {
		count := rs.syncer.GetRemoteKeysForTarget(td.TargetID).Len()
		td = td.WithExpectedCount(count)
	}
	rs.watchStream.Watch(td)
}

func (rs *RemoteStore) sendUnwatchRequest(targetID int) {
	rs.aggregator.RecordPendingTargetRequest(targetID)
	rs.watchStream.Unwatch(targetID)
}

func (rs *RemoteStore) startWatchStream() {
	rs.aggregator = NewWatchChangeAggregator(rs, rs.logger)
	rs.watchStream.Start()
	rs.onlineState.HandleWatchStreamStart()
}

func (rs *RemoteStore) shouldStartWatchStream() bool {
	return rs.canUseNetwork() && !rs.watchStream.IsStarted() && len(rs.listenTargets) > 0
}

func (rs *RemoteStore) cleanUpWatchStreamState() {
	rs.aggregator = nil
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetRemoteKeysForTarget(targetID int) models.DocumentKeySet {
	return rs.syncer.GetRemoteKeysForTarget(targetID)
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetTargetDataForTarget(targetID int) *models.TargetData {
	return rs.listenTargets[targetID]
}

// DocumentName implements TargetMetadataProvider.
func (rs *RemoteStore) DocumentName(key models.DocumentKey) string {
	return rs.datastore.DocumentName(key)
}

func (rs *RemoteStore) OnWatchStreamOpen() {
	for _, td := range rs.listenTargets {
		rs.sendWatchRequest(td)
	}
}

func (rs *RemoteStore) OnWatchStreamClose(err error) {
	rs.cleanUpWatchStreamState()
	if rs.shouldStartWatchStream() {
		rs.onlineState.HandleWatchStreamFailure(err)
		rs.startWatchStream()
	} else {
		// No targets left, or the network was disabled on purpose.
		rs.onlineState.Set(OnlineStateUnknown)
	}
}

func (rs *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion models.SnapshotVersion) {
	// A message of any kind proves the backend is reachable.
	rs.onlineState.Set(OnlineStateOnline)

	if tc, ok := change.(WatchTargetChange); ok && tc.State == TargetChangeRemove && tc.Cause != nil {
		if err := rs.handleTargetError(tc); err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
		}
		return
	}

	switch c := change.(type) {
	case DocumentWatchChange:
		rs.aggregator.HandleDocumentChange(c)
	case ExistenceFilterChange:
		rs.aggregator.HandleExistenceFilter(c)
	case WatchTargetChange:
		rs.aggregator.HandleTargetChange(c)
	}

	if snapshotVersion.IsZero() {
		return
	}
	last, err := rs.localStore.GetLastRemoteSnapshotVersion()
	if err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	// Snapshots older than what we already applied are replays after a
	// reconnect and carry nothing new.
	if snapshotVersion.Compare(last) >= 0 {
		if err := rs.raiseWatchSnapshot(snapshotVersion); err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
		}
	}
}

// raiseWatchSnapshot emits the aggregated changes and re-listens targets
// whose existence filter did not match.
func (rs *RemoteStore) raiseWatchSnapshot(snapshotVersion models.SnapshotVersion) error {
	ev := rs.aggregator.CreateRemoteEvent(snapshotVersion)

	for targetID, change := range ev.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := rs.listenTargets[targetID]; ok {
			rs.listenTargets[targetID] = td.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for targetID, purpose := range ev.TargetMismatches {
		td, ok := rs.listenTargets[targetID]
		if !ok {
			continue
		}
		// Resuming would replay the same mismatch; start from scratch.
		rs.listenTargets[targetID] = td.WithResumeToken(nil, td.SnapshotVersion)
		rs.sendUnwatchRequest(targetID)
		rs.sendWatchRequest(models.NewTargetData(td.Target, targetID, purpose, td.SequenceNumber))
	}

	metrics.RemoteEvents.Inc()
	return rs.syncer.ApplyRemoteEvent(ev)
}

func (rs *RemoteStore) handleTargetError(change WatchTargetChange) error {
	for _, targetID := range change.TargetIDs {
		if _, ok := rs.listenTargets[targetID]; !ok {
			continue
		}
		delete(rs.listenTargets, targetID)
		rs.aggregator.RemoveTarget(targetID)
		if err := rs.syncer.RejectListen(targetID, change.Cause); err != nil {
			return err
		}
	}
	return nil
}

// disableNetworkUntilRecovery takes the network down after a local
// persistence failure and retries op, or a simple read when op is nil,
// until it succeeds. Other errors are logged and dropped.
func (rs *RemoteStore) disableNetworkUntilRecovery(err error, op func() error) {
	if !queue.IsRetryable(err) {
		rs.logger.Error("remote store operation failed", "error", err)
		return
	}
	rs.logger.Warn("disabling network until persistence recovers", "error", err)
	rs.offlineCauses[OfflinePersistenceFailed] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateOffline)

	if op == nil {
		op = func() error {
			_, err := rs.localStore.GetLastRemoteSnapshotVersion()
			return err
		}
	}
	rs.queue.EnqueueRetryable(func() error {
		if err := op(); err != nil {
			return err
		}
		rs.logger.Debug("persistence recovered, re-enabling network")
		delete(rs.offlineCauses, OfflinePersistenceFailed)
		rs.enableNetworkInternal()
		return nil
	})
}

// FillWritePipeline pulls pending batches from the local store until the
// pipeline is full, and starts the write stream if needed.
func (rs *RemoteStore) FillWritePipeline() {
	lastBatchID := models.BatchIDUnknown
	if n := len(rs.writePipeline); n > 0 {
		lastBatchID = rs.writePipeline[n-1].BatchID
	}

	for rs.canAddToWritePipeline() {
		batch, err := rs.localStore.NextMutationBatch(lastBatchID)
		if err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
			return
		}
		if batch == nil {
			if len(rs.writePipeline) == 0 {
				rs.writeStream.MarkIdle()
			}
			break
		}
		rs.addToWritePipeline(batch)
		lastBatchID = batch.BatchID
	}

	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
}

// SetMaxPendingWrites changes how many batches may be in flight. Values
// below one are ignored.
func (rs *RemoteStore) SetMaxPendingWrites(n int) {
	if n > 0 {
		rs.maxPendingWrites = n
	}
}

// PendingWrites returns the number of batches in the write pipeline.
func (rs *RemoteStore) PendingWrites() int { return len(rs.writePipeline) }

func (rs *RemoteStore) canAddToWritePipeline() bool {
	return rs.canUseNetwork() && len(rs.writePipeline) < rs.maxPendingWrites
}

func (rs *RemoteStore) addToWritePipeline(batch *models.MutationBatch) {
	rs.writePipeline = append(rs.writePipeline, batch)
	metrics.PendingWrites.Set(float64(len(rs.writePipeline)))
	if rs.writeStream.IsOpen() && rs.writeStream.HandshakeComplete() {
		rs.writeStream.WriteMutations(batch.Mutations)
	}
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	return rs.canUseNetwork() && !rs.writeStream.IsStarted() && len(rs.writePipeline) > 0
}

func (rs *RemoteStore) OnWriteStreamOpen() {
	rs.writeStream.WriteHandshake()
}

func (rs *RemoteStore) OnHandshakeComplete() {
	if err := rs.localStore.SetLastStreamToken(rs.writeStream.LastStreamToken); err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	for _, batch := range rs.writePipeline {
		rs.writeStream.WriteMutations(batch.Mutations)
	}
}

func (rs *RemoteStore) OnMutationResult(commitVersion models.SnapshotVersion, results []models.MutationResult) {
	if len(rs.writePipeline) == 0 {
		rs.logger.Error("write result with empty pipeline", "commit_version", commitVersion)
		return
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	metrics.PendingWrites.Set(float64(len(rs.writePipeline)))
	metrics.IncWriteResult(true)

	result, err := models.NewMutationBatchResult(batch, commitVersion, results, rs.writeStream.LastStreamToken)
	if err != nil {
		rs.logger.Error("invalid write result", "batch", batch.BatchID, "error", err)
		return
	}
	if err := rs.syncer.ApplySuccessfulWrite(result); err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	rs.FillWritePipeline()
}

func (rs *RemoteStore) OnWriteStreamClose(err error) {
	if err != nil && len(rs.writePipeline) > 0 {
		var handled error
		if rs.writeStream.HandshakeComplete() {
			handled = rs.handleWriteError(err)
		} else {
			handled = rs.handleHandshakeError(err)
		}
		if handled != nil {
			rs.disableNetworkUntilRecovery(handled, nil)
			return
		}
	}
	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
}

// handleHandshakeError drops the stream token when the backend refused it
// permanently; the next handshake starts a fresh stream.
func (rs *RemoteStore) handleHandshakeError(err error) error {
	if !status.IsPermanentError(status.CodeOf(err)) {
		return nil
	}
	rs.logger.Debug("resetting stream token after handshake failure", "error", err)
	rs.writeStream.LastStreamToken = nil
	return rs.localStore.SetLastStreamToken(nil)
}

// handleWriteError rejects the head batch when the error is permanent.
// Transient errors leave it in the pipeline to be resent.
func (rs *RemoteStore) handleWriteError(err error) error {
	if !status.IsPermanentWriteError(status.CodeOf(err)) {
		return nil
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	metrics.PendingWrites.Set(float64(len(rs.writePipeline)))
	metrics.IncWriteResult(false)

	// The failure was the batch's fault, not the connection's.
	rs.writeStream.InhibitBackoff()
	if err := rs.syncer.RejectFailedWrite(batch.BatchID, err); err != nil {
		return err
	}
	rs.FillWritePipeline()
	return nil
}
