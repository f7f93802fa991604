package remote

import (
	"log/slog"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
)

// WatchChange is one decoded listen stream message.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange reports a document entering or leaving targets.
// Doc is a found document, a no-document for deletes, or nil when the
// document merely stopped matching.
type DocumentWatchChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              models.DocumentKey
	Doc              *models.Document
}

// WatchTargetChange reports a change in the state of targets.
type WatchTargetChange struct {
	State       TargetChangeType
	TargetIDs   []int
	ResumeToken []byte
	Cause       error
}

// ExistenceFilterChange carries the backend's document count for a target.
type ExistenceFilterChange struct {
	TargetID       int
	Count          int
	UnchangedNames *BloomFilterMessage
}

func (DocumentWatchChange) isWatchChange()   {}
func (WatchTargetChange) isWatchChange()     {}
func (ExistenceFilterChange) isWatchChange() {}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// targetState tracks one target between remote events.
type targetState struct {
	// pendingResponses counts watch/unwatch requests the backend has not
	// yet answered. Changes for a target with pending responses are
	// ignored.
	pendingResponses  int
	documentChanges   map[models.DocumentKey]changeType
	resumeToken       []byte
	current           bool
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{documentChanges: map[models.DocumentKey]changeType{}, hasPendingChanges: true}
}

func (t *targetState) isPending() bool { return t.pendingResponses != 0 }

func (t *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		t.hasPendingChanges = true
		t.resumeToken = token
	}
}

func (t *targetState) toTargetChange() models.TargetChange {
	change := models.NewTargetChange(t.resumeToken, t.current)
	for key, ct := range t.documentChanges {
		switch ct {
		case changeAdded:
			change.Added.Add(key)
		case changeModified:
			change.Modified.Add(key)
		case changeRemoved:
			change.Removed.Add(key)
		}
	}
	return change
}

func (t *targetState) clearPendingChanges() {
	t.hasPendingChanges = false
	t.documentChanges = map[models.DocumentKey]changeType{}
}

func (t *targetState) addDocumentChange(key models.DocumentKey, ct changeType) {
	t.hasPendingChanges = true
	t.documentChanges[key] = ct
}

func (t *targetState) removeDocumentChange(key models.DocumentKey) {
	t.hasPendingChanges = true
	delete(t.documentChanges, key)
}

func (t *targetState) markCurrent() {
	t.hasPendingChanges = true
	t.current = true
}

// TargetMetadataProvider answers what the sync engine knows about targets.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the backend last reported as
	// matching the target.
	GetRemoteKeysForTarget(targetID int) models.DocumentKeySet
	// GetTargetDataForTarget returns nil for targets no longer listened to.
	GetTargetDataForTarget(targetID int) *models.TargetData
	// DocumentName returns the full resource name hashed into bloom filters.
	DocumentName(key models.DocumentKey) string
}

// bloomFilterOutcome labels existence filter mismatch metrics.
const (
	bloomApplied     = "applied"
	bloomFailed      = "failed"
	bloomSkipped     = "skipped"
	bloomDecodeError = "decode_error"
)

// WatchChangeAggregator accumulates listen stream changes until the
// backend marks a consistent snapshot, then emits them as one RemoteEvent.
type WatchChangeAggregator struct {
	metadata TargetMetadataProvider
	logger   *slog.Logger

	targetStates map[int]*targetState
	// Documents changed in this snapshot, including no-documents.
	pendingDocumentUpdates models.DocumentMap
	// Targets each changed document is relevant for, used to tell limbo
	// resolutions apart from ordinary changes.
	pendingDocumentTargetMapping map[models.DocumentKey]map[int]struct{}
	pendingTargetResets          map[int]models.TargetPurpose
}

func NewWatchChangeAggregator(metadata TargetMetadataProvider, logger *slog.Logger) *WatchChangeAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &WatchChangeAggregator{metadata: metadata, logger: logger, targetStates: map[int]*targetState{}}
	a.resetPending()
	return a
}

func (a *WatchChangeAggregator) resetPending() {
	a.pendingDocumentUpdates = models.DocumentMap{}
	a.pendingDocumentTargetMapping = map[models.DocumentKey]map[int]struct{}{}
	a.pendingTargetResets = map[int]models.TargetPurpose{}
}

// HandleDocumentChange applies a document change to the targets it names.
func (a *WatchChangeAggregator) HandleDocumentChange(change DocumentWatchChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if change.Doc != nil && change.Doc.IsFoundDocument() {
			a.addDocumentToTarget(targetID, change.Doc)
		} else {
			a.removeDocumentFromTarget(targetID, change.Key, change.Doc)
		}
	}
	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.Doc)
	}
}

// HandleTargetChange applies a target state change. Changes that name no
// targets apply to every active target.
func (a *WatchChangeAggregator) HandleTargetChange(change WatchTargetChange) {
	for _, targetID := range a.targetsOf(change) {
		state := a.ensureTargetState(targetID)
		switch change.State {
		case TargetChangeNoChange:
			if a.isActiveTarget(targetID) {
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetChangeAdd:
			// Changes from before the target was (re)added are stale.
			state.pendingResponses--
			if !state.isPending() {
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case TargetChangeRemove:
			state.pendingResponses--
			if !state.isPending() {
				a.RemoveTarget(targetID)
			}
		case TargetChangeCurrent:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetChangeReset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				state.updateResumeToken(change.ResumeToken)
			}
		default:
			a.logger.Warn("unknown target change state", "state", change.State)
		}
	}
}

func (a *WatchChangeAggregator) targetsOf(change WatchTargetChange) []int {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}
	var ids []int
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleExistenceFilter compares the backend's count with the local one.
// On a mismatch the bloom filter identifies deleted documents; if that
// does not explain the difference the target is reset and re-queried.
func (a *WatchChangeAggregator) HandleExistenceFilter(change ExistenceFilterChange) {
	targetID := change.TargetID
	td := a.targetDataForActiveTarget(targetID)
	if td == nil {
		return
	}

	if td.Target.IsDocumentTarget() {
		if change.Count == 0 {
			// The single document was deleted while we were not listening.
			key, err := models.DocumentKeyFromPath(td.Target.Path)
			if err != nil {
				a.logger.Error("document target with invalid path", "target", targetID, "error", err)
				return
			}
			a.removeDocumentFromTarget(targetID, key, models.NewNoDocument(key, models.MinVersion))
		} else if change.Count != 1 {
			a.logger.Warn("document target with unexpected count", "target", targetID, "count", change.Count)
		}
		return
	}

	current := a.currentDocumentCountForTarget(targetID)
	if current == change.Count {
		return
	}

	outcome := a.applyBloomFilter(change, current)
	metrics.ExistenceFilterMismatches.WithLabelValues(outcome).Inc()
	if outcome == bloomApplied {
		return
	}
	a.resetTarget(targetID)
	purpose := models.PurposeExistenceFilterMismatch
	if outcome == bloomFailed {
		purpose = models.PurposeExistenceFilterMismatchBloom
	}
	a.pendingTargetResets[targetID] = purpose
}

// applyBloomFilter removes the documents the filter proves absent, but
// only if that makes the local count match the backend's.
func (a *WatchChangeAggregator) applyBloomFilter(change ExistenceFilterChange, currentCount int) string {
	msg := change.UnchangedNames
	if msg == nil || len(msg.Bitmap) == 0 {
		return bloomSkipped
	}
	filter, err := NewBloomFilter(msg.Bitmap, msg.Padding, msg.HashCount)
	if err != nil {
		a.logger.Warn("invalid bloom filter in existence filter", "target", change.TargetID, "error", err)
		return bloomDecodeError
	}
	if filter.BitCount() == 0 {
		return bloomSkipped
	}

	var removed []models.DocumentKey
	for key := range a.metadata.GetRemoteKeysForTarget(change.TargetID) {
		if !filter.MightContain(a.metadata.DocumentName(key)) {
			removed = append(removed, key)
		}
	}
	if change.Count != currentCount-len(removed) {
		return bloomFailed
	}
	for _, key := range removed {
		a.removeDocumentFromTarget(change.TargetID, key, nil)
	}
	return bloomApplied
}

// CreateRemoteEvent emits the accumulated changes as of snapshotVersion and
// clears them.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion models.SnapshotVersion) *models.RemoteEvent {
	ev := models.NewRemoteEvent(snapshotVersion)

	for targetID, state := range a.targetStates {
		td := a.targetDataForActiveTarget(targetID)
		if td == nil {
			continue
		}
		if state.current && td.Target.IsDocumentTarget() {
			// A current document target that never saw its document means
			// the document does not exist.
			key, err := models.DocumentKeyFromPath(td.Target.Path)
			if err == nil {
				if _, ok := a.pendingDocumentUpdates[key]; !ok && !a.targetContainsDocument(targetID, key) {
					a.removeDocumentFromTarget(targetID, key, models.NewNoDocument(key, snapshotVersion))
				}
			}
		}
		if state.hasPendingChanges {
			ev.TargetChanges[targetID] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	// A document is a resolved limbo document if only limbo targets saw it.
	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for targetID := range targets {
			td := a.targetDataForActiveTarget(targetID)
			if td != nil && td.Purpose != models.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			ev.ResolvedLimboDocuments.Add(key)
		}
	}

	for key, doc := range a.pendingDocumentUpdates {
		doc.SetReadTime(snapshotVersion)
		ev.DocumentUpdates[key] = doc
	}
	for targetID, purpose := range a.pendingTargetResets {
		ev.TargetMismatches[targetID] = purpose
	}

	a.resetPending()
	return ev
}

// RecordPendingTargetRequest notes a watch or unwatch request sent for
// targetID. Changes are ignored until the backend acknowledges it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int) {
	a.ensureTargetState(targetID).pendingResponses++
}

// RemoveTarget forgets targetID.
func (a *WatchChangeAggregator) RemoveTarget(targetID int) {
	delete(a.targetStates, targetID)
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int, doc *models.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}
	ct := changeAdded
	if a.targetContainsDocument(targetID, doc.Key) {
		ct = changeModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key, ct)
	a.pendingDocumentUpdates[doc.Key] = doc
	a.mapDocumentToTarget(doc.Key, targetID)
}

// removeDocumentFromTarget records that key left targetID. updated is the
// new state of the document if known.
func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int, key models.DocumentKey, updated *models.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}
	state := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// Added and removed within the same snapshot.
		state.removeDocumentChange(key)
	}
	a.mapDocumentToTarget(key, targetID)
	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

func (a *WatchChangeAggregator) mapDocumentToTarget(key models.DocumentKey, targetID int) {
	targets, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		targets = map[int]struct{}{}
		a.pendingDocumentTargetMapping[key] = targets
	}
	targets[targetID] = struct{}{}
}

// resetTarget drops every change for targetID and removes all the
// documents it currently has, so the next snapshot rebuilds it.
func (a *WatchChangeAggregator) resetTarget(targetID int) {
	a.targetStates[targetID] = newTargetState()
	for key := range a.metadata.GetRemoteKeysForTarget(targetID) {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
}

func (a *WatchChangeAggregator) currentDocumentCountForTarget(targetID int) int {
	change := a.ensureTargetState(targetID).toTargetChange()
	return a.metadata.GetRemoteKeysForTarget(targetID).Len() + change.Added.Len() - change.Removed.Len()
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int, key models.DocumentKey) bool {
	return a.metadata.GetRemoteKeysForTarget(targetID).Has(key)
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int) *targetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}
	return state
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	return a.targetDataForActiveTarget(targetID) != nil
}

// targetDataForActiveTarget returns nil for unknown targets and targets
// awaiting a response.
func (a *WatchChangeAggregator) targetDataForActiveTarget(targetID int) *models.TargetData {
	if state, ok := a.targetStates[targetID]; ok && state.isPending() {
		return nil
	}
	return a.metadata.GetTargetDataForTarget(targetID)
}
