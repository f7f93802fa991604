package local

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
	"github.com/kilupskalvis/docsync/internal/store"
)

// resumeTokenMaxAge bounds how long a resume token change may stay
// unpersisted when nothing else about the target changed.
const resumeTokenMaxAge = 5 * time.Minute

// bundleTargetCollection holds the umbrella targets that keep bundled
// documents from being garbage collected.
const bundleTargetCollection = "__bundle__/docs"

// LocalStore is the local half of the sync engine. It owns the persistent
// caches, applies local writes and remote changes to them and answers
// queries from them. All methods must be called from the async queue.
type LocalStore struct {
	persistence *store.Persistence
	logger      *slog.Logger

	userID          string
	mutationQueue   *store.MutationQueue
	overlays        *store.OverlayCache
	remoteDocuments *store.RemoteDocumentCache
	targetCache     *store.TargetCache
	indexes         *store.IndexManager
	bundles         *store.BundleCache
	localDocuments  *LocalDocumentsView
	queryEngine     *QueryEngine

	// localViewReferences pins documents shown in a view.
	localViewReferences *ReferenceSet

	targetDataByTarget map[int]*models.TargetData
	targetIDByCanonID  map[string]int
}

// Options configures a LocalStore.
type Options struct {
	IndexAutoCreation bool
	Logger            *slog.Logger
}

// NewLocalStore returns a store for userID over a started persistence.
func NewLocalStore(p *store.Persistence, userID string, opts Options) *LocalStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ls := &LocalStore{
		persistence:         p,
		logger:              logger,
		remoteDocuments:     p.RemoteDocumentCache(),
		targetCache:         p.TargetCache(),
		indexes:             p.IndexManager(),
		bundles:             p.BundleCache(),
		localViewReferences: NewReferenceSet(),
		targetDataByTarget:  make(map[int]*models.TargetData),
		targetIDByCanonID:   make(map[string]int),
	}
	ls.initializeUserComponents(userID)
	ls.queryEngine.IndexAutoCreation = opts.IndexAutoCreation
	p.ReferenceDelegate().SetInMemoryPins(ls.localViewReferences.ContainsKey)
	return ls
}

func (ls *LocalStore) initializeUserComponents(userID string) {
	ls.userID = userID
	ls.mutationQueue = ls.persistence.MutationQueue(userID)
	ls.overlays = ls.persistence.OverlayCache(userID)
	ls.localDocuments = NewLocalDocumentsView(ls.remoteDocuments, ls.mutationQueue, ls.overlays, ls.indexes)
	autoCreate := ls.queryEngine != nil && ls.queryEngine.IndexAutoCreation
	ls.queryEngine = NewQueryEngine(ls.localDocuments, ls.indexes, ls.logger)
	ls.queryEngine.IndexAutoCreation = autoCreate
}

// Persistence returns the underlying persistence.
func (ls *LocalStore) Persistence() *store.Persistence { return ls.persistence }

// SetIndexAutoCreationEnabled toggles client-side index creation.
func (ls *LocalStore) SetIndexAutoCreationEnabled(enabled bool) {
	ls.queryEngine.IndexAutoCreation = enabled
}

// LocalWriteResult is the outcome of a local write.
type LocalWriteResult struct {
	BatchID int
	Changes models.DocumentMap
}

// UserChangeResult lists what changed when the active user switched.
type UserChangeResult struct {
	AffectedDocuments models.DocumentMap
	RemovedBatchIDs   []int
	AddedBatchIDs     []int
}

// QueryResult is the local result of a query.
type QueryResult struct {
	Documents  models.DocumentMap
	RemoteKeys models.DocumentKeySet
}

// HandleUserChange switches the mutation queue and overlays to userID and
// returns the documents whose local view may have changed.
func (ls *LocalStore) HandleUserChange(userID string) (*UserChangeResult, error) {
	result := &UserChangeResult{}
	err := ls.persistence.RunTransaction("Handle user change", store.ReadOnly, func(tx *store.Transaction) error {
		// Swap out the queue, remembering the batches of the old user
		oldBatches, err := ls.mutationQueue.GetAllMutationBatches(tx)
		if err != nil {
			return fmt.Errorf("read old batches: %w", err)
		}
		ls.initializeUserComponents(userID)
		newBatches, err := ls.mutationQueue.GetAllMutationBatches(tx)
		if err != nil {
			return fmt.Errorf("read new batches: %w", err)
		}

		changed := models.NewDocumentKeySet()
		for _, b := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		for _, b := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}

		docs, err := ls.localDocuments.GetDocuments(tx, changed)
		if err != nil {
			return err
		}
		result.AffectedDocuments = docs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WriteLocally queues mutations as a new batch and returns the local view
// of the documents they touch.
func (ls *LocalStore) WriteLocally(mutations []models.Mutation) (*LocalWriteResult, error) {
	localWriteTime := models.Now()
	keys := models.NewDocumentKeySet()
	for _, m := range mutations {
		keys.Add(m.Key)
	}

	var result *LocalWriteResult
	err := ls.persistence.RunTransaction("Locally write mutations", store.ReadWrite, func(tx *store.Transaction) error {
		remoteDocs, err := ls.remoteDocuments.GetEntries(tx, keys)
		if err != nil {
			return fmt.Errorf("read base documents: %w", err)
		}
		keysWithoutRemoteVersion := models.NewDocumentKeySet()
		for k, doc := range remoteDocs {
			if !doc.IsValidDocument() {
				keysWithoutRemoteVersion.Add(k)
			}
		}

		overlayed, err := ls.localDocuments.GetOverlayedDocuments(tx, remoteDocs)
		if err != nil {
			return err
		}

		// Record the base value of non-idempotent transforms so the local
		// view stays stable when the remote document changes underneath.
		var baseMutations []models.Mutation
		for _, m := range mutations {
			if base := transformBaseMutation(m, overlayed[m.Key].Document); base != nil {
				baseMutations = append(baseMutations, *base)
			}
		}

		batch, err := ls.mutationQueue.AddMutationBatch(tx, localWriteTime, baseMutations, mutations)
		if err != nil {
			return fmt.Errorf("add mutation batch: %w", err)
		}
		overlays := batch.ApplyToLocalDocumentSet(overlayed, keysWithoutRemoteVersion)
		if err := ls.overlays.SaveOverlays(tx, batch.BatchID, overlays); err != nil {
			return fmt.Errorf("save overlays: %w", err)
		}

		changes := make(models.DocumentMap, len(overlayed))
		for k, od := range overlayed {
			changes[k] = od.Document
		}
		result = &LocalWriteResult{BatchID: batch.BatchID, Changes: changes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transformBaseMutation returns a patch holding the current value of each
// field targeted by a non-idempotent transform, or nil.
func transformBaseMutation(m models.Mutation, doc *models.Document) *models.Mutation {
	var base *models.ObjectValue
	for _, t := range m.Transforms {
		if t.IsIdempotent() {
			continue
		}
		prev, ok := doc.Field(t.Field)
		if !ok || !prev.IsNumber() {
			prev = models.IntegerValue(0)
		}
		if base == nil {
			v := models.NewObjectValue()
			base = &v
		}
		base.Set(t.Field, prev)
	}
	if base == nil {
		return nil
	}
	patch := models.NewPatchMutation(m.Key, *base, *base.FieldMask())
	return &patch
}

// AcknowledgeBatch applies an acknowledged batch to the remote document
// cache, removes it from the queue and returns the new local view of the
// documents it wrote.
func (ls *LocalStore) AcknowledgeBatch(result *models.MutationBatchResult) (models.DocumentMap, error) {
	var changed models.DocumentMap
	err := ls.persistence.RunTransaction("Acknowledge batch", store.ReadWritePrimary, func(tx *store.Transaction) error {
		batch := result.Batch
		affected := batch.Keys()

		if err := ls.mutationQueue.AcknowledgeBatch(tx, batch, result.StreamToken); err != nil {
			return fmt.Errorf("acknowledge batch %d: %w", batch.BatchID, err)
		}
		if err := ls.applyWriteToRemoteDocuments(tx, result); err != nil {
			return err
		}
		if err := ls.mutationQueue.PerformConsistencyCheck(tx); err != nil {
			return err
		}
		if err := ls.overlays.RemoveOverlaysForBatchID(tx, affected, batch.BatchID); err != nil {
			return fmt.Errorf("remove overlays: %w", err)
		}
		if err := ls.localDocuments.RecalculateAndSaveOverlaysForDocumentKeys(tx, keysWithTransformResults(result)); err != nil {
			return err
		}
		docs, err := ls.localDocuments.GetDocuments(tx, affected)
		if err != nil {
			return err
		}
		changed = docs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// keysWithTransformResults returns the keys whose server transform results
// may change overlays computed from optimistic values.
func keysWithTransformResults(result *models.MutationBatchResult) models.DocumentKeySet {
	keys := models.NewDocumentKeySet()
	for i, r := range result.MutationResults {
		if len(r.TransformResults) > 0 {
			keys.Add(result.Batch.Mutations[i].Key)
		}
	}
	return keys
}

func (ls *LocalStore) applyWriteToRemoteDocuments(tx *store.Transaction, result *models.MutationBatchResult) error {
	batch := result.Batch
	docs, err := ls.remoteDocuments.GetEntries(tx, batch.Keys())
	if err != nil {
		return fmt.Errorf("read written documents: %w", err)
	}
	for k, doc := range docs {
		ackVersion, ok := result.DocVersions[k]
		if !ok {
			return status.New(status.Internal, "docVersions should contain every doc in the write")
		}
		if doc.Version.Compare(ackVersion) >= 0 {
			continue
		}
		if err := batch.ApplyToRemoteDocument(doc, result); err != nil {
			return status.Wrap(status.Internal, err, "apply batch %d", batch.BatchID)
		}
		if doc.IsValidDocument() {
			doc.SetReadTime(result.CommitVersion)
			if err := ls.remoteDocuments.Add(tx, doc, result.CommitVersion); err != nil {
				return fmt.Errorf("store %s: %w", k, err)
			}
		}
	}
	if err := ls.mutationQueue.RemoveMutationBatch(tx, batch); err != nil {
		return err
	}
	return nil
}

// RejectBatch removes a batch the backend rejected and returns the local
// view of the documents it wrote.
func (ls *LocalStore) RejectBatch(batchID int) (models.DocumentMap, error) {
	var changed models.DocumentMap
	err := ls.persistence.RunTransaction("Reject batch", store.ReadWritePrimary, func(tx *store.Transaction) error {
		batch, err := ls.mutationQueue.LookupMutationBatch(tx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return status.New(status.Internal, "attempt to reject nonexistent batch %d", batchID)
		}
		affected := batch.Keys()
		if err := ls.mutationQueue.RemoveMutationBatch(tx, batch); err != nil {
			return err
		}
		if err := ls.mutationQueue.PerformConsistencyCheck(tx); err != nil {
			return err
		}
		if err := ls.overlays.RemoveOverlaysForBatchID(tx, affected, batchID); err != nil {
			return fmt.Errorf("remove overlays: %w", err)
		}
		if err := ls.localDocuments.RecalculateAndSaveOverlaysForDocumentKeys(tx, affected); err != nil {
			return err
		}
		docs, err := ls.localDocuments.GetDocuments(tx, affected)
		if err != nil {
			return err
		}
		changed = docs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// GetHighestUnacknowledgedBatchID returns the id of the newest queued
// batch, or BatchIDUnknown.
func (ls *LocalStore) GetHighestUnacknowledgedBatchID() (int, error) {
	id := models.BatchIDUnknown
	err := ls.persistence.RunTransaction("Get highest unacknowledged batch id", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		id, err = ls.mutationQueue.GetHighestUnacknowledgedBatchID(tx)
		return err
	})
	return id, err
}

// GetLastStreamToken returns the write stream token of the current user.
func (ls *LocalStore) GetLastStreamToken() ([]byte, error) {
	var token []byte
	err := ls.persistence.RunTransaction("Get last stream token", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		token, err = ls.mutationQueue.GetLastStreamToken(tx)
		return err
	})
	return token, err
}

// SetLastStreamToken persists the write stream token.
func (ls *LocalStore) SetLastStreamToken(token []byte) error {
	return ls.persistence.RunTransaction("Set last stream token", store.ReadWritePrimary, func(tx *store.Transaction) error {
		return ls.mutationQueue.SetLastStreamToken(tx, token)
	})
}

// GetLastRemoteSnapshotVersion returns the snapshot version of the last
// consistent remote event.
func (ls *LocalStore) GetLastRemoteSnapshotVersion() (models.SnapshotVersion, error) {
	var v models.SnapshotVersion
	err := ls.persistence.RunTransaction("Get last remote snapshot version", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		v, err = ls.targetCache.GetLastRemoteSnapshotVersion(tx)
		return err
	})
	return v, err
}

// ApplyRemoteEvent updates targets and the remote document cache from a
// watch event and returns the local view of every changed document.
func (ls *LocalStore) ApplyRemoteEvent(event *models.RemoteEvent) (models.DocumentMap, error) {
	remoteVersion := event.SnapshotVersion
	newTargetData := make(map[int]*models.TargetData, len(ls.targetDataByTarget))
	for id, td := range ls.targetDataByTarget {
		newTargetData[id] = td
	}

	var changed models.DocumentMap
	err := ls.persistence.RunTransaction("Apply remote event", store.ReadWritePrimary, func(tx *store.Transaction) error {
		for targetID, change := range event.TargetChanges {
			old, ok := newTargetData[targetID]
			if !ok {
				// Only active targets keep their remote keys up to date.
				continue
			}
			_, mismatch := event.TargetMismatches[targetID]
			if mismatch {
				if err := ls.targetCache.RemoveMatchingKeysForTargetID(tx, targetID); err != nil {
					return err
				}
			} else if err := ls.targetCache.RemoveMatchingKeys(tx, change.Removed, targetID); err != nil {
				return err
			}
			if err := ls.targetCache.AddMatchingKeys(tx, change.Added, targetID); err != nil {
				return err
			}

			updated := old.WithSequenceNumber(tx.SequenceNumber())
			switch {
			case mismatch:
				// Force a full re-listen; the old token would resume the
				// inconsistent result.
				updated = updated.WithResumeToken(nil, models.MinVersion).
					WithLastLimboFreeSnapshotVersion(models.MinVersion)
			case len(change.ResumeToken) > 0:
				updated = updated.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			newTargetData[targetID] = updated

			if shouldPersistTargetData(old, updated, change, mismatch) {
				if err := ls.targetCache.UpdateTargetData(tx, updated); err != nil {
					return fmt.Errorf("update target %d: %w", targetID, err)
				}
			}
		}

		delegate := ls.persistence.ReferenceDelegate()
		for k := range event.DocumentUpdates {
			if event.ResolvedLimboDocuments.Has(k) {
				if err := delegate.UpdateLimboDocument(tx, k); err != nil {
					return err
				}
			}
		}

		docs, existenceChanged, err := ls.populateDocumentChanges(tx, event.DocumentUpdates, remoteVersion)
		if err != nil {
			return err
		}

		// A zero snapshot version marks an event synthesized locally, for
		// example after a limbo resolution was denied.
		if !remoteVersion.IsZero() {
			last, err := ls.targetCache.GetLastRemoteSnapshotVersion(tx)
			if err != nil {
				return err
			}
			if remoteVersion.Before(last) {
				return status.New(status.Internal, "watch stream reverted to snapshot %s, last was %s", remoteVersion, last)
			}
			if err := ls.targetCache.SetTargetsMetadata(tx, tx.SequenceNumber(), &remoteVersion); err != nil {
				return err
			}
		}

		changed, err = ls.localDocuments.GetLocalViewOfDocuments(tx, docs, existenceChanged)
		if err != nil {
			return err
		}
		tx.OnCommitted(func() { ls.targetDataByTarget = newTargetData })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// shouldPersistTargetData decides whether a target's new resume state is
// worth a write. Token-only changes are buffered in memory for up to
// resumeTokenMaxAge.
func shouldPersistTargetData(old, updated *models.TargetData, change models.TargetChange, mismatch bool) bool {
	if mismatch {
		return true
	}
	if len(updated.ResumeToken) == 0 {
		return false
	}
	if len(old.ResumeToken) == 0 {
		return true
	}
	delta := updated.SnapshotVersion.Micros() - old.SnapshotVersion.Micros()
	if delta >= resumeTokenMaxAge.Microseconds() {
		return true
	}
	return change.Added.Len()+change.Modified.Len()+change.Removed.Len() > 0
}

// populateDocumentChanges writes the newer of each update and its cached
// version to the remote cache. It returns the documents that changed and
// the keys whose existence flipped.
func (ls *LocalStore) populateDocumentChanges(tx *store.Transaction, updates models.DocumentMap, fallbackReadTime models.SnapshotVersion) (models.DocumentMap, models.DocumentKeySet, error) {
	changed := make(models.DocumentMap)
	existenceChanged := models.NewDocumentKeySet()
	existing, err := ls.remoteDocuments.GetEntries(tx, updates.KeySet())
	if err != nil {
		return nil, nil, fmt.Errorf("read cached documents: %w", err)
	}
	for k, doc := range updates {
		cached := existing[k]
		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged.Add(k)
		}

		switch {
		case doc.IsNoDocument() && doc.Version.IsZero():
			// Access to the document was lost; drop it instead of caching a
			// deletion the backend never reported.
			if err := ls.remoteDocuments.Remove(tx, k); err != nil {
				return nil, nil, err
			}
			changed[k] = doc.Clone()
		case !cached.IsValidDocument() ||
			doc.Version.After(cached.Version) ||
			(doc.Version.Compare(cached.Version) == 0 && cached.HasPendingWrites()):
			readTime := doc.ReadTime
			if readTime.IsZero() {
				readTime = fallbackReadTime
			}
			if readTime.IsZero() {
				readTime = doc.Version
			}
			if readTime.IsZero() {
				ls.logger.Debug("ignoring document without read time", "key", k.String())
				continue
			}
			if err := ls.remoteDocuments.Add(tx, doc, readTime); err != nil {
				return nil, nil, err
			}
			changed[k] = doc.Clone().SetReadTime(readTime)
		default:
			ls.logger.Debug("ignoring outdated watch update",
				"key", k.String(), "cached", cached.Version.String(), "update", doc.Version.String())
		}
	}
	return changed, existenceChanged, nil
}

// NotifyLocalViewChanges records which documents each view shows. Views
// that are in sync with the backend advance their last limbo-free snapshot
// version.
func (ls *LocalStore) NotifyLocalViewChanges(changes []LocalViewChanges) error {
	err := ls.persistence.RunTransaction("Notify local view changes", store.ReadWrite, func(tx *store.Transaction) error {
		delegate := ls.persistence.ReferenceDelegate()
		for _, c := range changes {
			for k := range c.AddedKeys {
				if err := delegate.AddReference(tx, c.TargetID, k); err != nil {
					return err
				}
			}
			for k := range c.RemovedKeys {
				if err := delegate.RemoveReference(tx, c.TargetID, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if !store.IsRetryable(err) {
			return err
		}
		// References only drive garbage collection; losing one write is
		// harmless.
		ls.logger.Debug("failed to update sequence numbers", "error", err)
	}

	for _, c := range changes {
		ls.localViewReferences.AddReferences(c.AddedKeys, c.TargetID)
		ls.localViewReferences.RemoveReferences(c.RemovedKeys, c.TargetID)
		if c.FromCache {
			continue
		}
		td, ok := ls.targetDataByTarget[c.TargetID]
		if !ok {
			return status.New(status.Internal, "no target data for active target %d", c.TargetID)
		}
		ls.targetDataByTarget[c.TargetID] = td.WithLastLimboFreeSnapshotVersion(td.SnapshotVersion)
	}
	return nil
}

// NextMutationBatch returns the first queued batch after afterBatchID, or
// nil.
func (ls *LocalStore) NextMutationBatch(afterBatchID int) (*models.MutationBatch, error) {
	var batch *models.MutationBatch
	err := ls.persistence.RunTransaction("Get next mutation batch", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		batch, err = ls.mutationQueue.GetNextMutationBatchAfterBatchID(tx, afterBatchID)
		return err
	})
	return batch, err
}

// PendingMutationBatches returns the queued batches of the current user in
// batch id order.
func (ls *LocalStore) PendingMutationBatches() ([]*models.MutationBatch, error) {
	var batches []*models.MutationBatch
	err := ls.persistence.RunTransaction("Get pending batches", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		batches, err = ls.mutationQueue.GetAllMutationBatches(tx)
		return err
	})
	return batches, err
}

// ReadDocument returns the local view of key.
func (ls *LocalStore) ReadDocument(key models.DocumentKey) (*models.Document, error) {
	var doc *models.Document
	err := ls.persistence.RunTransaction("Read document", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		doc, err = ls.localDocuments.GetDocument(tx, key)
		return err
	})
	return doc, err
}

// AllocateTarget returns the target data for target, assigning a new
// target id the first time the target is seen.
func (ls *LocalStore) AllocateTarget(target *models.Target) (*models.TargetData, error) {
	var td *models.TargetData
	err := ls.persistence.RunTransaction("Allocate target", store.ReadWrite, func(tx *store.Transaction) error {
		cached, err := ls.targetCache.GetTargetData(tx, target)
		if err != nil {
			return err
		}
		if cached != nil {
			td = cached
			return nil
		}
		id, err := ls.targetCache.AllocateTargetID(tx)
		if err != nil {
			return err
		}
		td = models.NewTargetData(target, id, models.PurposeListen, tx.SequenceNumber())
		return ls.targetCache.AddTargetData(tx, td)
	})
	if err != nil {
		return nil, err
	}

	// The in-memory copy may carry resume state not yet persisted.
	if current, ok := ls.targetDataByTarget[td.TargetID]; !ok || td.SnapshotVersion.After(current.SnapshotVersion) {
		ls.targetDataByTarget[td.TargetID] = td
		ls.targetIDByCanonID[target.CanonicalID()] = td.TargetID
		return td, nil
	}
	return ls.targetDataByTarget[td.TargetID], nil
}

// GetLocalTargetData returns the target data of an active or persisted
// target, or nil.
func (ls *LocalStore) GetLocalTargetData(target *models.Target) (*models.TargetData, error) {
	if id, ok := ls.targetIDByCanonID[target.CanonicalID()]; ok {
		if td := ls.targetDataByTarget[id]; td != nil && td.Target.Equal(target) {
			return td, nil
		}
	}
	var td *models.TargetData
	err := ls.persistence.RunTransaction("Get target data", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		td, err = ls.targetCache.GetTargetData(tx, target)
		return err
	})
	return td, err
}

func (ls *LocalStore) targetDataInTx(tx *store.Transaction, target *models.Target) (*models.TargetData, error) {
	if id, ok := ls.targetIDByCanonID[target.CanonicalID()]; ok {
		if td := ls.targetDataByTarget[id]; td != nil && td.Target.Equal(target) {
			return td, nil
		}
	}
	return ls.targetCache.GetTargetData(tx, target)
}

// ReleaseTarget stops tracking targetID. Unless keepPersistedTargetData is
// set the target becomes eligible for garbage collection.
func (ls *LocalStore) ReleaseTarget(targetID int, keepPersistedTargetData bool) error {
	td, ok := ls.targetDataByTarget[targetID]
	if !ok {
		return status.New(status.Internal, "tried to release nonexistent target %d", targetID)
	}

	mode := store.ReadWritePrimary
	if keepPersistedTargetData {
		mode = store.ReadWrite
	}
	err := ls.persistence.RunTransaction("Release target", mode, func(tx *store.Transaction) error {
		// Watch references go away with the target; locally mutated
		// documents referenced by the view are released here.
		delegate := ls.persistence.ReferenceDelegate()
		for k := range ls.localViewReferences.ReferencesForID(targetID) {
			if err := delegate.RemoveReference(tx, targetID, k); err != nil {
				return err
			}
		}
		if keepPersistedTargetData {
			return nil
		}
		return delegate.RemoveTarget(tx, td)
	})
	if err != nil {
		if !store.IsPrimaryLeaseLost(err) && !store.IsRetryable(err) {
			return err
		}
		ls.logger.Debug("failed to release target", "target_id", targetID, "error", err)
	}

	ls.localViewReferences.RemoveReferencesForID(targetID)
	delete(ls.targetDataByTarget, targetID)
	delete(ls.targetIDByCanonID, td.Target.CanonicalID())
	return nil
}

// ExecuteQuery runs query against the local cache. With usePreviousResults
// the last synced result of the query's target seeds the query engine.
func (ls *LocalStore) ExecuteQuery(query *models.Query, usePreviousResults bool) (*QueryResult, error) {
	var result *QueryResult
	err := ls.persistence.RunTransaction("Execute query", store.ReadWrite, func(tx *store.Transaction) error {
		td, err := ls.targetDataInTx(tx, query.ToTarget())
		if err != nil {
			return err
		}
		lastLimboFree := models.MinVersion
		remoteKeys := models.NewDocumentKeySet()
		if td != nil {
			lastLimboFree = td.LastLimboFreeSnapshotVersion
			if remoteKeys, err = ls.targetCache.GetMatchingKeysForTargetID(tx, td.TargetID); err != nil {
				return err
			}
		}

		seedVersion, seedKeys := models.MinVersion, models.NewDocumentKeySet()
		if usePreviousResults {
			seedVersion, seedKeys = lastLimboFree, remoteKeys
		}
		docs, err := ls.queryEngine.GetDocumentsMatchingQuery(tx, query, seedVersion, seedKeys)
		if err != nil {
			return err
		}
		result = &QueryResult{Documents: docs, RemoteKeys: remoteKeys}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetRemoteDocumentKeys returns the keys the backend last reported for
// targetID.
func (ls *LocalStore) GetRemoteDocumentKeys(targetID int) (models.DocumentKeySet, error) {
	var keys models.DocumentKeySet
	err := ls.persistence.RunTransaction("Remote document keys", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		keys, err = ls.targetCache.GetMatchingKeysForTargetID(tx, targetID)
		return err
	})
	return keys, err
}

// GetDocumentsMatchingQueryFromCache runs query without result reuse.
func (ls *LocalStore) GetDocumentsMatchingQueryFromCache(query *models.Query) (models.DocumentMap, error) {
	result, err := ls.ExecuteQuery(query, false)
	if err != nil {
		return nil, err
	}
	return result.Documents, nil
}

// ==================== Bundles ====================

// HasNewerBundle reports whether a bundle with the same id and a creation
// time at or after meta's was already loaded.
func (ls *LocalStore) HasNewerBundle(meta models.BundleMetadata) (bool, error) {
	var newer bool
	err := ls.persistence.RunTransaction("Has newer bundle", store.ReadOnly, func(tx *store.Transaction) error {
		cached, err := ls.bundles.GetBundleMetadata(tx, meta.ID)
		if err != nil {
			return err
		}
		newer = cached != nil && cached.CreateTime.Compare(meta.CreateTime) >= 0
		return nil
	})
	return newer, err
}

// SaveBundle records that meta was loaded.
func (ls *LocalStore) SaveBundle(meta models.BundleMetadata) error {
	return ls.persistence.RunTransaction("Save bundle", store.ReadWrite, func(tx *store.Transaction) error {
		return ls.bundles.SaveBundleMetadata(tx, meta)
	})
}

// ApplyBundledDocuments writes bundled documents to the remote cache and
// returns their local view. The documents are kept alive by an umbrella
// target named after the bundle.
func (ls *LocalStore) ApplyBundledDocuments(docs []models.BundledDocument, bundleName string) (models.DocumentMap, error) {
	updates := make(models.DocumentMap, len(docs))
	keys := models.NewDocumentKeySet()
	for _, bd := range docs {
		doc := bd.ToDocument()
		updates[doc.Key] = doc
		keys.Add(doc.Key)
	}

	umbrella, err := ls.AllocateTarget(umbrellaTarget(bundleName))
	if err != nil {
		return nil, fmt.Errorf("allocate bundle target: %w", err)
	}

	var changed models.DocumentMap
	err = ls.persistence.RunTransaction("Apply bundle documents", store.ReadWrite, func(tx *store.Transaction) error {
		docs, existenceChanged, err := ls.populateDocumentChanges(tx, updates, models.MinVersion)
		if err != nil {
			return err
		}
		if err := ls.targetCache.RemoveMatchingKeysForTargetID(tx, umbrella.TargetID); err != nil {
			return err
		}
		if err := ls.targetCache.AddMatchingKeys(tx, keys, umbrella.TargetID); err != nil {
			return err
		}
		changed, err = ls.localDocuments.GetLocalViewOfDocuments(tx, docs, existenceChanged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func umbrellaTarget(bundleName string) *models.Target {
	return models.NewQuery(models.ParseResourcePath(bundleTargetCollection).Child(bundleName)).ToTarget()
}

// SaveNamedQuery stores a bundled query and records keys as its result as
// of the query's read time.
func (ls *LocalStore) SaveNamedQuery(query models.NamedQuery, keys models.DocumentKeySet) error {
	allocated, err := ls.AllocateTarget(query.Query.ToTarget())
	if err != nil {
		return fmt.Errorf("allocate named query target: %w", err)
	}
	targetID := allocated.TargetID
	return ls.persistence.RunTransaction("Save named query", store.ReadWrite, func(tx *store.Transaction) error {
		// Only a newer read time replaces what the backend already sent.
		if query.ReadTime.After(allocated.SnapshotVersion) {
			updated := allocated.WithResumeToken(nil, query.ReadTime)
			if err := ls.targetCache.UpdateTargetData(tx, updated); err != nil {
				return err
			}
			if err := ls.targetCache.RemoveMatchingKeysForTargetID(tx, targetID); err != nil {
				return err
			}
			if err := ls.targetCache.AddMatchingKeys(tx, keys, targetID); err != nil {
				return err
			}
			tx.OnCommitted(func() { ls.targetDataByTarget[targetID] = updated })
		}
		return ls.bundles.SaveNamedQuery(tx, query)
	})
}

// GetNamedQuery returns the bundled query called name, or nil.
func (ls *LocalStore) GetNamedQuery(name string) (*models.NamedQuery, error) {
	var q *models.NamedQuery
	err := ls.persistence.RunTransaction("Get named query", store.ReadOnly, func(tx *store.Transaction) error {
		var err error
		q, err = ls.bundles.GetNamedQuery(tx, name)
		return err
	})
	return q, err
}

// ==================== Indexes and garbage collection ====================

// ConfigureFieldIndexes replaces the client-side indexes with indexes.
func (ls *LocalStore) ConfigureFieldIndexes(indexes []models.FieldIndex) error {
	return ls.persistence.RunTransaction("Configure indexes", store.ReadWrite, func(tx *store.Transaction) error {
		existing, err := ls.indexes.GetFieldIndexes(tx, "")
		if err != nil {
			return err
		}
		for _, fi := range existing {
			keep := false
			for i := range indexes {
				if indexes[i].CollectionGroup == fi.CollectionGroup && indexes[i].SameSegments(fi) {
					keep = true
					break
				}
			}
			if !keep {
				if err := ls.indexes.DeleteFieldIndex(tx, fi.IndexID); err != nil {
					return err
				}
			}
		}
		for _, fi := range indexes {
			if _, err := ls.indexes.AddFieldIndex(tx, fi); err != nil {
				return err
			}
		}
		return nil
	})
}

// CollectGarbage runs gc against every inactive target.
func (ls *LocalStore) CollectGarbage(gc *LruGarbageCollector) (LruResults, error) {
	active := make(map[int]struct{}, len(ls.targetDataByTarget))
	for id := range ls.targetDataByTarget {
		active[id] = struct{}{}
	}
	var results LruResults
	err := ls.persistence.RunTransaction("Collect garbage", store.ReadWritePrimary, func(tx *store.Transaction) error {
		var err error
		results, err = gc.Collect(tx, active)
		return err
	})
	if !store.IsPrimaryLeaseLost(err) {
		metrics.ObserveGarbageCollection(results.TargetsRemoved, results.DocumentsRemoved, err)
	}
	return results, err
}
