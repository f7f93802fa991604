package core

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/kilupskalvis/docsync/internal/auth"
	"github.com/kilupskalvis/docsync/internal/local"
	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
	"github.com/kilupskalvis/docsync/internal/store"
)

// DefaultMaxConcurrentLimboResolutions bounds how many limbo documents are
// resolved with the backend at once.
const DefaultMaxConcurrentLimboResolutions = 100

// RemoteStore is the part of remote.RemoteStore the sync engine drives.
type RemoteStore interface {
	Listen(td *models.TargetData)
	Unlisten(targetID int)
	FillWritePipeline()
	CanUseNetwork() bool
	ApplyPrimaryState(isPrimary bool)
}

// SyncEngineListener receives the results of the sync engine.
type SyncEngineListener interface {
	OnWatchChange(snapshots []*ViewSnapshot)
	OnWatchError(query *models.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// TargetIDGenerator hands out target ids with a fixed parity so that ids
// from different generators never collide.
type TargetIDGenerator struct {
	next int
}

// NewSyncEngineTargetIDGenerator returns a generator of odd ids. Even ids
// belong to the target cache.
func NewSyncEngineTargetIDGenerator() *TargetIDGenerator {
	return &TargetIDGenerator{next: 1}
}

func (g *TargetIDGenerator) Next() int {
	id := g.next
	g.next += 2
	return id
}

type queryView struct {
	query    *models.Query
	targetID int
	view     *View
}

type limboResolution struct {
	key models.DocumentKey
	// receivedDocument is set once the limbo target reported the document,
	// so remote keys for the target include it.
	receivedDocument bool
}

// SyncEngine connects the local store, the remote store and the views of
// active queries. All methods must be called from the async queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore RemoteStore
	listener    SyncEngineListener
	logger      *slog.Logger

	currentUser auth.User
	isPrimary   bool
	onlineState remote.OnlineState

	maxConcurrentLimboResolutions int

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[int][]*models.Query

	// enqueuedLimboResolutions holds keys waiting for a free limbo slot in
	// the order they entered limbo.
	enqueuedLimboResolutions []models.DocumentKey
	enqueuedLimboKeys        models.DocumentKeySet
	activeLimboTargetsByKey  map[models.DocumentKey]int
	activeLimboResolutions   map[int]*limboResolution
	limboDocumentRefs        *local.ReferenceSet
	limboTargetIDs           *TargetIDGenerator

	// mutationUserCallbacks are keyed by user and batch id.
	mutationUserCallbacks  map[string]map[int]func(error)
	pendingWritesCallbacks map[int][]func(error)
}

// SyncEngineOptions configures a SyncEngine.
type SyncEngineOptions struct {
	MaxConcurrentLimboResolutions int
	Logger                        *slog.Logger
}

// NewSyncEngine returns a sync engine for user. The engine starts as the
// primary client.
func NewSyncEngine(localStore *local.LocalStore, remoteStore RemoteStore, user auth.User, opts SyncEngineOptions) *SyncEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLimbo := opts.MaxConcurrentLimboResolutions
	if maxLimbo <= 0 {
		maxLimbo = DefaultMaxConcurrentLimboResolutions
	}
	return &SyncEngine{
		localStore:                    localStore,
		remoteStore:                   remoteStore,
		logger:                        logger,
		currentUser:                   user,
		isPrimary:                     true,
		onlineState:                   remote.OnlineStateUnknown,
		maxConcurrentLimboResolutions: maxLimbo,
		queryViewsByQuery:             make(map[string]*queryView),
		queriesByTarget:               make(map[int][]*models.Query),
		enqueuedLimboKeys:             models.NewDocumentKeySet(),
		activeLimboTargetsByKey:       make(map[models.DocumentKey]int),
		activeLimboResolutions:        make(map[int]*limboResolution),
		limboDocumentRefs:             local.NewReferenceSet(),
		limboTargetIDs:                NewSyncEngineTargetIDGenerator(),
		mutationUserCallbacks:         make(map[string]map[int]func(error)),
		pendingWritesCallbacks:        make(map[int][]func(error)),
	}
}

// SetListener sets the receiver of view snapshots. It must be set before
// the first Listen.
func (s *SyncEngine) SetListener(l SyncEngineListener) { s.listener = l }

// SetRemoteStore sets the remote store, which is created after the sync
// engine because it calls back into it.
func (s *SyncEngine) SetRemoteStore(rs RemoteStore) { s.remoteStore = rs }

// IsPrimary reports whether this client holds the primary lease.
func (s *SyncEngine) IsPrimary() bool { return s.isPrimary }

// OnlineState returns the last online state applied to the views.
func (s *SyncEngine) OnlineState() remote.OnlineState { return s.onlineState }

// ignoreLeaseLost drops errors caused by another client taking the primary
// lease; the new primary takes over the work.
func (s *SyncEngine) ignoreLeaseLost(op string, err error) error {
	if store.IsPrimaryLeaseLost(err) {
		s.logger.Debug("primary lease lost, ignoring", "op", op)
		return nil
	}
	return err
}

// ==================== Listens ====================

// Listen starts listening to query and returns its initial snapshot. The
// query must not already be listened to.
func (s *SyncEngine) Listen(query *models.Query) (*ViewSnapshot, error) {
	canonicalID := query.CanonicalID()
	if _, ok := s.queryViewsByQuery[canonicalID]; ok {
		return nil, status.New(status.Internal, "already listening to %s", query)
	}

	td, err := s.localStore.AllocateTarget(query.ToTarget())
	if err != nil {
		return nil, fmt.Errorf("allocate target: %w", err)
	}

	// Another query may share the target and already know it is current.
	current := false
	for _, q := range s.queriesByTarget[td.TargetID] {
		if qv := s.queryViewsByQuery[q.CanonicalID()]; qv != nil {
			current = qv.view.current
		}
	}

	snap, err := s.initializeViewAndComputeSnapshot(query, td.TargetID, current, td.ResumeToken)
	if err != nil {
		return nil, err
	}
	if s.isPrimary {
		s.remoteStore.Listen(td)
	}
	return snap, nil
}

func (s *SyncEngine) initializeViewAndComputeSnapshot(query *models.Query, targetID int, current bool, resumeToken []byte) (*ViewSnapshot, error) {
	result, err := s.localStore.ExecuteQuery(query, true)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	view := NewView(query, result.RemoteKeys)
	change := view.ComputeInitialSnapshot(result.Documents, current && s.onlineState != remote.OnlineStateOffline, resumeToken, s.isPrimary)
	s.updateTrackedLimbos(targetID, change.LimboChanges)

	s.queryViewsByQuery[query.CanonicalID()] = &queryView{query: query, targetID: targetID, view: view}
	s.queriesByTarget[targetID] = append(s.queriesByTarget[targetID], query)
	return change.Snapshot, nil
}

// Unlisten stops listening to query. The target is released once no query
// uses it.
func (s *SyncEngine) Unlisten(query *models.Query) error {
	canonicalID := query.CanonicalID()
	qv, ok := s.queryViewsByQuery[canonicalID]
	if !ok {
		return status.New(status.Internal, "trying to unlisten on query not found: %s", query)
	}

	queries := s.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		var remaining []*models.Query
		for _, q := range queries {
			if q.CanonicalID() != canonicalID {
				remaining = append(remaining, q)
			}
		}
		s.queriesByTarget[qv.targetID] = remaining
		delete(s.queryViewsByQuery, canonicalID)
		return nil
	}

	if !s.isPrimary {
		s.removeAndCleanupTarget(qv.targetID, nil)
		return s.ignoreLeaseLost("release target", s.localStore.ReleaseTarget(qv.targetID, true))
	}
	if err := s.localStore.ReleaseTarget(qv.targetID, false); err != nil {
		return s.ignoreLeaseLost("release target", err)
	}
	s.remoteStore.Unlisten(qv.targetID)
	s.removeAndCleanupTarget(qv.targetID, nil)
	return nil
}

func (s *SyncEngine) removeAndCleanupTarget(targetID int, err error) {
	for _, q := range s.queriesByTarget[targetID] {
		delete(s.queryViewsByQuery, q.CanonicalID())
		if err != nil && s.listener != nil {
			s.listener.OnWatchError(q, err)
		}
	}
	delete(s.queriesByTarget, targetID)

	if !s.isPrimary {
		return
	}
	limboKeys := s.limboDocumentRefs.RemoveReferencesForID(targetID)
	for _, k := range limboKeys.Sorted() {
		if !s.limboDocumentRefs.ContainsKey(k) {
			s.removeLimboTarget(k)
		}
	}
}

// ==================== Writes ====================

// Write applies mutations locally and queues them for the backend.
// callback runs once the backend accepted or rejected the batch. An error
// is returned, and callback never runs, when the local write failed.
func (s *SyncEngine) Write(mutations []models.Mutation, callback func(error)) error {
	result, err := s.localStore.WriteLocally(mutations)
	if err != nil {
		return fmt.Errorf("failed to persist write: %w", err)
	}
	s.addMutationCallback(result.BatchID, callback)
	if err := s.emitNewSnapsAndNotifyLocalStore(result.Changes, nil); err != nil {
		return err
	}
	s.remoteStore.FillWritePipeline()
	return nil
}

func (s *SyncEngine) addMutationCallback(batchID int, callback func(error)) {
	if callback == nil {
		return
	}
	userKey := s.currentUser.Key()
	callbacks := s.mutationUserCallbacks[userKey]
	if callbacks == nil {
		callbacks = make(map[int]func(error))
		s.mutationUserCallbacks[userKey] = callbacks
	}
	callbacks[batchID] = callback
}

func (s *SyncEngine) processUserCallback(batchID int, err error) {
	callbacks := s.mutationUserCallbacks[s.currentUser.Key()]
	if cb, ok := callbacks[batchID]; ok {
		delete(callbacks, batchID)
		cb(err)
	}
}

// ApplySuccessfulWrite removes an acknowledged batch and resolves its
// callback.
func (s *SyncEngine) ApplySuccessfulWrite(result *models.MutationBatchResult) error {
	batchID := result.Batch.BatchID
	changes, err := s.localStore.AcknowledgeBatch(result)
	if err != nil {
		return s.ignoreLeaseLost("acknowledge batch", err)
	}
	s.processUserCallback(batchID, nil)
	s.triggerPendingWritesCallbacks(batchID)
	return s.emitNewSnapsAndNotifyLocalStore(changes, nil)
}

// RejectFailedWrite removes a batch the backend refused and fails its
// callback with err.
func (s *SyncEngine) RejectFailedWrite(batchID int, err error) error {
	changes, rejectErr := s.localStore.RejectBatch(batchID)
	if rejectErr != nil {
		return s.ignoreLeaseLost("reject batch", rejectErr)
	}
	s.processUserCallback(batchID, err)
	s.triggerPendingWritesCallbacks(batchID)
	return s.emitNewSnapsAndNotifyLocalStore(changes, nil)
}

// RegisterPendingWritesCallback calls callback once every write queued so
// far was acknowledged or rejected. While the network is disabled the
// callback waits until it comes back.
func (s *SyncEngine) RegisterPendingWritesCallback(callback func(error)) error {
	if !s.remoteStore.CanUseNetwork() {
		s.logger.Debug("network is disabled, pending writes will not complete until it is enabled")
	}
	highest, err := s.localStore.GetHighestUnacknowledgedBatchID()
	if err != nil {
		return fmt.Errorf("read highest batch id: %w", err)
	}
	if highest == models.BatchIDUnknown {
		callback(nil)
		return nil
	}
	s.pendingWritesCallbacks[highest] = append(s.pendingWritesCallbacks[highest], callback)
	return nil
}

func (s *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	for _, cb := range s.pendingWritesCallbacks[batchID] {
		cb(nil)
	}
	delete(s.pendingWritesCallbacks, batchID)
}

func (s *SyncEngine) rejectOutstandingPendingWritesCallbacks(msg string) {
	for _, cbs := range s.pendingWritesCallbacks {
		for _, cb := range cbs {
			cb(status.New(status.Cancelled, "%s", msg))
		}
	}
	s.pendingWritesCallbacks = make(map[int][]func(error))
}

// ==================== Remote events ====================

// ApplyRemoteEvent applies a consistent snapshot from the watch stream.
func (s *SyncEngine) ApplyRemoteEvent(ev *models.RemoteEvent) error {
	for targetID, tc := range ev.TargetChanges {
		lr, ok := s.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		if tc.Added.Len()+tc.Modified.Len()+tc.Removed.Len() > 1 {
			return status.New(status.Internal, "limbo resolution for a single document contains multiple changes")
		}
		switch {
		case tc.Added.Len() > 0:
			lr.receivedDocument = true
		case tc.Modified.Len() > 0:
			if !lr.receivedDocument {
				return status.New(status.Internal, "received change for limbo target document without add")
			}
		case tc.Removed.Len() > 0:
			if !lr.receivedDocument {
				return status.New(status.Internal, "received remove for limbo target document without add")
			}
			lr.receivedDocument = false
		}
	}

	changes, err := s.localStore.ApplyRemoteEvent(ev)
	if err != nil {
		return s.ignoreLeaseLost("apply remote event", err)
	}
	return s.emitNewSnapsAndNotifyLocalStore(changes, ev)
}

// RejectListen handles a target the backend refused. A refused limbo
// target means the document is gone; any other target fails its queries.
func (s *SyncEngine) RejectListen(targetID int, err error) error {
	if lr, ok := s.activeLimboResolutions[targetID]; ok {
		key := lr.key
		delete(s.activeLimboResolutions, targetID)
		delete(s.activeLimboTargetsByKey, key)
		s.pumpEnqueuedLimboResolutions()

		// The document cannot be read; treat it as deleted so the views
		// drop it.
		ev := models.NewRemoteEvent(models.MinVersion)
		ev.DocumentUpdates[key] = models.NewNoDocument(key, models.MinVersion)
		ev.ResolvedLimboDocuments.Add(key)
		return s.ApplyRemoteEvent(ev)
	}

	if releaseErr := s.localStore.ReleaseTarget(targetID, false); releaseErr != nil {
		return s.ignoreLeaseLost("release target", releaseErr)
	}
	s.removeAndCleanupTarget(targetID, err)
	return nil
}

// GetRemoteKeysForTarget returns the keys the backend is known to hold for
// targetID.
func (s *SyncEngine) GetRemoteKeysForTarget(targetID int) models.DocumentKeySet {
	if lr, ok := s.activeLimboResolutions[targetID]; ok && lr.receivedDocument {
		return models.NewDocumentKeySet(lr.key)
	}
	keys := models.NewDocumentKeySet()
	for _, q := range s.queriesByTarget[targetID] {
		if qv := s.queryViewsByQuery[q.CanonicalID()]; qv != nil {
			keys.AddAll(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// ApplyOnlineStateChange surfaces the online state to views and listeners.
func (s *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	var snaps []*ViewSnapshot
	for _, qv := range s.sortedQueryViews() {
		change := qv.view.ApplyOnlineStateChange(state)
		if change.Snapshot != nil {
			snaps = append(snaps, change.Snapshot)
		}
	}
	if s.listener != nil {
		s.listener.OnOnlineStateChange(state)
		s.listener.OnWatchChange(snaps)
	}
	s.onlineState = state
}

// HandleCredentialChange switches the local state to user.
func (s *SyncEngine) HandleCredentialChange(user auth.User) error {
	if user.Key() == s.currentUser.Key() {
		return nil
	}
	s.logger.Debug("user changed", "user", user.Key())

	result, err := s.localStore.HandleUserChange(user.Key())
	if err != nil {
		return fmt.Errorf("handle user change: %w", err)
	}
	s.currentUser = user
	s.rejectOutstandingPendingWritesCallbacks("pending writes callback rejected due to a user change")
	return s.emitNewSnapsAndNotifyLocalStore(result.AffectedDocuments, nil)
}

// ApplyPrimaryState moves the engine between primary and secondary. Only
// the primary talks to the backend and resolves limbo documents.
func (s *SyncEngine) ApplyPrimaryState(isPrimary bool) error {
	if isPrimary == s.isPrimary {
		return nil
	}
	s.isPrimary = isPrimary

	if !isPrimary {
		s.resetLimboDocuments()
		s.remoteStore.ApplyPrimaryState(false)
		return nil
	}

	// Another client may have written to the cache while this one was
	// secondary.
	var snaps []*ViewSnapshot
	var localChanges []local.LocalViewChanges
	for _, qv := range s.sortedQueryViews() {
		result, err := s.localStore.ExecuteQuery(qv.query, true)
		if err != nil {
			return fmt.Errorf("execute query: %w", err)
		}
		change := qv.view.SynchronizeWithPersistedState(result)
		s.updateTrackedLimbos(qv.targetID, change.LimboChanges)
		if change.Snapshot != nil {
			snaps = append(snaps, change.Snapshot)
			localChanges = append(localChanges, localViewChanges(qv.targetID, change.Snapshot))
		}
		td, err := s.localStore.AllocateTarget(qv.query.ToTarget())
		if err != nil {
			return fmt.Errorf("allocate target: %w", err)
		}
		s.remoteStore.Listen(td)
	}
	if s.listener != nil {
		s.listener.OnWatchChange(snaps)
	}
	if err := s.localStore.NotifyLocalViewChanges(localChanges); err != nil {
		return s.ignoreLeaseLost("notify local view changes", err)
	}
	s.remoteStore.ApplyPrimaryState(true)
	return nil
}

// ==================== Limbo resolution ====================

func (s *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboDocumentChange) {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			s.limboDocumentRefs.AddReference(c.Key, targetID)
			s.trackLimboChange(c.Key)
		case LimboRemoved:
			s.logger.Debug("document no longer in limbo", "key", c.Key.String())
			s.limboDocumentRefs.RemoveReference(c.Key, targetID)
			if !s.limboDocumentRefs.ContainsKey(c.Key) {
				s.removeLimboTarget(c.Key)
			}
		}
	}
}

func (s *SyncEngine) trackLimboChange(key models.DocumentKey) {
	if _, ok := s.activeLimboTargetsByKey[key]; ok || s.enqueuedLimboKeys.Has(key) {
		return
	}
	s.logger.Debug("new document in limbo", "key", key.String())
	s.enqueuedLimboResolutions = append(s.enqueuedLimboResolutions, key)
	s.enqueuedLimboKeys.Add(key)
	s.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts limbo targets for queued keys while
// fewer than the maximum are active.
func (s *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(s.enqueuedLimboResolutions) > 0 && len(s.activeLimboTargetsByKey) < s.maxConcurrentLimboResolutions {
		key := s.enqueuedLimboResolutions[0]
		s.enqueuedLimboResolutions = s.enqueuedLimboResolutions[1:]
		s.enqueuedLimboKeys.Delete(key)

		targetID := s.limboTargetIDs.Next()
		s.activeLimboResolutions[targetID] = &limboResolution{key: key}
		s.activeLimboTargetsByKey[key] = targetID
		s.remoteStore.Listen(models.NewTargetData(
			models.NewDocumentTarget(key), targetID, models.PurposeLimboResolution, models.SequenceNumberInvalid))
	}
	metrics.ActiveLimboResolutions.Set(float64(len(s.activeLimboTargetsByKey)))
}

func (s *SyncEngine) removeLimboTarget(key models.DocumentKey) {
	if s.enqueuedLimboKeys.Has(key) {
		s.enqueuedLimboKeys.Delete(key)
		for i, k := range s.enqueuedLimboResolutions {
			if k == key {
				s.enqueuedLimboResolutions = append(s.enqueuedLimboResolutions[:i], s.enqueuedLimboResolutions[i+1:]...)
				break
			}
		}
	}

	targetID, ok := s.activeLimboTargetsByKey[key]
	if !ok {
		return
	}
	s.remoteStore.Unlisten(targetID)
	delete(s.activeLimboTargetsByKey, key)
	delete(s.activeLimboResolutions, targetID)
	s.pumpEnqueuedLimboResolutions()
}

func (s *SyncEngine) resetLimboDocuments() {
	for targetID := range s.activeLimboResolutions {
		s.remoteStore.Unlisten(targetID)
	}
	s.limboDocumentRefs.RemoveAllReferences()
	s.activeLimboResolutions = make(map[int]*limboResolution)
	s.activeLimboTargetsByKey = make(map[models.DocumentKey]int)
	s.enqueuedLimboResolutions = nil
	s.enqueuedLimboKeys = models.NewDocumentKeySet()
	metrics.ActiveLimboResolutions.Set(0)
}

// ActiveLimboDocumentResolutions returns the keys being resolved with the
// backend, keyed by their limbo target.
func (s *SyncEngine) ActiveLimboDocumentResolutions() map[models.DocumentKey]int {
	out := make(map[models.DocumentKey]int, len(s.activeLimboTargetsByKey))
	for k, id := range s.activeLimboTargetsByKey {
		out[k] = id
	}
	return out
}

// EnqueuedLimboDocumentResolutions returns the keys waiting for a limbo
// slot, oldest first.
func (s *SyncEngine) EnqueuedLimboDocumentResolutions() []models.DocumentKey {
	return append([]models.DocumentKey(nil), s.enqueuedLimboResolutions...)
}

// ==================== Views ====================

func (s *SyncEngine) sortedQueryViews() []*queryView {
	views := make([]*queryView, 0, len(s.queryViewsByQuery))
	for _, qv := range s.queryViewsByQuery {
		views = append(views, qv)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].targetID != views[j].targetID {
			return views[i].targetID < views[j].targetID
		}
		return views[i].query.CanonicalID() < views[j].query.CanonicalID()
	})
	return views
}

// emitNewSnapsAndNotifyLocalStore recomputes every view for changes and
// raises the resulting snapshots.
func (s *SyncEngine) emitNewSnapsAndNotifyLocalStore(changes models.DocumentMap, ev *models.RemoteEvent) error {
	var snaps []*ViewSnapshot
	var localChanges []local.LocalViewChanges

	for _, qv := range s.sortedQueryViews() {
		docChanges := qv.view.ComputeDocChanges(changes, nil)
		if docChanges.NeedsRefill {
			// Documents past the limit were never part of the view; rerun
			// the query to find them.
			result, err := s.localStore.ExecuteQuery(qv.query, false)
			if err != nil {
				return fmt.Errorf("refill %s: %w", qv.query, err)
			}
			docChanges = qv.view.ComputeDocChanges(result.Documents, docChanges)
		}

		var tc *models.TargetChange
		pendingReset := false
		if ev != nil {
			if c, ok := ev.TargetChanges[qv.targetID]; ok {
				tc = &c
			}
			_, pendingReset = ev.TargetMismatches[qv.targetID]
		}
		change := qv.view.ApplyChanges(docChanges, s.isPrimary, tc, pendingReset)
		s.updateTrackedLimbos(qv.targetID, change.LimboChanges)
		if change.Snapshot != nil {
			snaps = append(snaps, change.Snapshot)
			localChanges = append(localChanges, localViewChanges(qv.targetID, change.Snapshot))
		}
	}

	if s.listener != nil {
		s.listener.OnWatchChange(snaps)
	}
	if err := s.localStore.NotifyLocalViewChanges(localChanges); err != nil {
		return s.ignoreLeaseLost("notify local view changes", err)
	}
	return nil
}

// ==================== Bundles ====================

// LoadBundleResult reports what LoadBundle did.
type LoadBundleResult struct {
	DocumentsLoaded int
	BytesLoaded     int64
	// Skipped is set when the same or a newer bundle was already loaded.
	Skipped bool
}

// LoadBundle saves the documents and named queries of b in the cache and
// raises snapshots for affected views.
func (s *SyncEngine) LoadBundle(b *models.Bundle) (*LoadBundleResult, error) {
	newer, err := s.localStore.HasNewerBundle(b.Metadata)
	if err != nil {
		return nil, fmt.Errorf("check bundle %s: %w", b.Metadata.ID, err)
	}
	if newer {
		return &LoadBundleResult{Skipped: true}, nil
	}

	changes, err := s.localStore.ApplyBundledDocuments(b.Documents, b.Metadata.ID)
	if err != nil {
		return nil, fmt.Errorf("apply bundle %s: %w", b.Metadata.ID, err)
	}
	for _, nq := range b.NamedQueries {
		keys := models.NewDocumentKeySet()
		for _, d := range b.Documents {
			for _, name := range d.Queries {
				if name == nq.Name {
					keys.Add(d.Key)
				}
			}
		}
		if err := s.localStore.SaveNamedQuery(nq, keys); err != nil {
			return nil, fmt.Errorf("save named query %s: %w", nq.Name, err)
		}
	}
	if err := s.localStore.SaveBundle(b.Metadata); err != nil {
		return nil, fmt.Errorf("save bundle %s: %w", b.Metadata.ID, err)
	}
	if err := s.emitNewSnapsAndNotifyLocalStore(changes, nil); err != nil {
		return nil, err
	}
	return &LoadBundleResult{DocumentsLoaded: len(b.Documents), BytesLoaded: b.Metadata.TotalBytes}, nil
}
