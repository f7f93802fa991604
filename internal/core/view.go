package core

import (
	"fmt"
	"sort"

	"github.com/kilupskalvis/docsync/internal/local"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
)

// ChangeType describes how a document changed between two snapshots.
type ChangeType int

const (
	ChangeRemoved ChangeType = iota
	ChangeAdded
	ChangeModified
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// order sorts removals first so that a listener never sees more than limit
// documents while replaying changes.
func (t ChangeType) order() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	}
	return 2
}

// DocumentViewChange is one change in a ViewSnapshot.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *models.Document
}

// documentChangeSet merges successive changes to the same key.
type documentChangeSet struct {
	changes map[models.DocumentKey]DocumentViewChange
}

func newDocumentChangeSet() *documentChangeSet {
	return &documentChangeSet{changes: make(map[models.DocumentKey]DocumentViewChange)}
}

func (s *documentChangeSet) track(change DocumentViewChange) {
	key := change.Doc.Key
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		panic(fmt.Sprintf("unsupported document change %s after %s for %s", change.Type, old.Type, key))
	}
}

func (s *documentChangeSet) sorted(cmp models.DocumentComparator) []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if oi, oj := out[i].Type.order(), out[j].Type.order(); oi != oj {
			return oi < oj
		}
		if c := cmp(out[i].Doc, out[j].Doc); c != 0 {
			return c < 0
		}
		return out[i].Doc.Key.Compare(out[j].Doc.Key) < 0
	})
	return out
}

// SyncState is how far a view is in sync with the backend.
type SyncState int

const (
	SyncStateNone SyncState = iota
	SyncStateLocal
	SyncStateSynced
)

// ViewSnapshot is an immutable snapshot of a query result.
type ViewSnapshot struct {
	Query   *models.Query
	Docs    *models.DocumentSet
	OldDocs *models.DocumentSet
	Changes []DocumentViewChange
	// MutatedKeys are the documents with local writes not yet acknowledged.
	MutatedKeys models.DocumentKeySet
	FromCache   bool
	// SyncStateChanged is set when FromCache flipped.
	SyncStateChanged        bool
	ExcludesMetadataChanges bool
	// HasCachedResults is set when the query was synced with the backend
	// before, so the cache holds a meaningful result.
	HasCachedResults bool
}

// HasPendingWrites reports whether any document has local writes.
func (s *ViewSnapshot) HasPendingWrites() bool { return s.MutatedKeys.Len() > 0 }

// initialSnapshot returns a snapshot that presents every document of s as
// added.
func initialSnapshot(s *ViewSnapshot) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, s.Docs.Len())
	for _, d := range s.Docs.Docs() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
	}
	return &ViewSnapshot{
		Query:            s.Query,
		Docs:             s.Docs,
		OldDocs:          models.NewDocumentSet(s.Query.Comparator()),
		Changes:          changes,
		MutatedKeys:      s.MutatedKeys,
		FromCache:        s.FromCache,
		SyncStateChanged: true,
		HasCachedResults: s.HasCachedResults,

		ExcludesMetadataChanges: s.ExcludesMetadataChanges,
	}
}

// LimboChangeType says whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  models.DocumentKey
}

// ViewDocumentChanges is the pending result of ComputeDocChanges, applied
// by ApplyChanges.
type ViewDocumentChanges struct {
	DocumentSet *models.DocumentSet
	MutatedKeys models.DocumentKeySet
	changeSet   *documentChangeSet
	// NeedsRefill is set when a limited view may be missing documents that
	// were outside the limit, so the query has to be rerun from the cache.
	NeedsRefill bool
}

// ViewChange is the result of ApplyChanges.
type ViewChange struct {
	// Snapshot is nil when nothing visible changed.
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View computes the result of one query from local documents and the
// target changes the backend sends for it.
type View struct {
	query      *models.Query
	comparator models.DocumentComparator

	syncState SyncState
	// current is set once the backend said the target is in sync.
	current     bool
	documentSet *models.DocumentSet
	mutatedKeys models.DocumentKeySet

	// syncedDocuments are the keys the backend says match the target.
	syncedDocuments models.DocumentKeySet
	limboDocuments  models.DocumentKeySet
}

// NewView returns an empty view of query. syncedDocuments are the keys the
// backend last reported for the query's target.
func NewView(query *models.Query, syncedDocuments models.DocumentKeySet) *View {
	if syncedDocuments == nil {
		syncedDocuments = models.NewDocumentKeySet()
	}
	cmp := query.Comparator()
	return &View{
		query:           query,
		comparator:      cmp,
		documentSet:     models.NewDocumentSet(cmp),
		mutatedKeys:     models.NewDocumentKeySet(),
		syncedDocuments: syncedDocuments.Clone(),
		limboDocuments:  models.NewDocumentKeySet(),
	}
}

func (v *View) Query() *models.Query { return v.query }

// SyncedDocuments returns the keys the backend says match the view.
func (v *View) SyncedDocuments() models.DocumentKeySet { return v.syncedDocuments }

// LimboDocuments returns the documents shown locally that the backend did
// not confirm.
func (v *View) LimboDocuments() models.DocumentKeySet { return v.limboDocuments }

// ComputeDocChanges folds changed documents into the view's result without
// applying them. previous chains a second computation after a refill.
func (v *View) ComputeDocChanges(docChanges models.DocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := newDocumentChangeSet()
	oldDocs := v.documentSet
	mutatedKeys := v.mutatedKeys
	if previous != nil {
		changeSet = previous.changeSet
		oldDocs = previous.DocumentSet
		mutatedKeys = previous.MutatedKeys
	}
	newDocs := oldDocs.Clone()
	mutatedKeys = mutatedKeys.Clone()

	// A full limited view has a boundary document; changes crossing it may
	// pull in documents the view never saw.
	var lastDocInLimit, firstDocInLimit *models.Document
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit {
		if v.query.LimitType == models.LimitToFirst {
			lastDocInLimit = oldDocs.Last()
		} else {
			firstDocInLimit = oldDocs.First()
		}
	}
	needsRefill := false

	for _, key := range docChanges.Keys() {
		entry := docChanges[key]
		oldDoc := oldDocs.Get(key)
		var newDoc *models.Document
		if v.query.Matches(entry) {
			newDoc = entry
		}

		oldDocHadPendingMutations := oldDoc != nil && v.mutatedKeys.Has(key)
		newDocHasPendingMutations := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		changeApplied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data.Equal(newDoc.Data) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					changeApplied = true
					if (lastDocInLimit != nil && v.comparator(newDoc, lastDocInLimit) > 0) ||
						(firstDocInLimit != nil && v.comparator(newDoc, firstDocInLimit) < 0) {
						// The document moved past the boundary; something
						// outside the view may now belong in it.
						needsRefill = true
					}
				}
			} else if oldDocHadPendingMutations != newDocHasPendingMutations {
				changeSet.track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				changeApplied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			changeApplied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			changeApplied = true
			if lastDocInLimit != nil || firstDocInLimit != nil {
				needsRefill = true
			}
		}

		if !changeApplied {
			continue
		}
		if newDoc != nil {
			newDocs.Add(newDoc)
			if newDoc.HasLocalMutations() {
				mutatedKeys.Add(key)
			} else {
				mutatedKeys.Delete(key)
			}
		} else {
			newDocs.Delete(key)
			mutatedKeys.Delete(key)
		}
	}

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit {
			evicted := newDocs.Last()
			if v.query.LimitType == models.LimitToLast {
				evicted = newDocs.First()
			}
			newDocs.Delete(evicted.Key)
			mutatedKeys.Delete(evicted.Key)
			changeSet.track(DocumentViewChange{Type: ChangeRemoved, Doc: evicted})
		}
	}

	return &ViewDocumentChanges{
		DocumentSet: newDocs,
		MutatedKeys: mutatedKeys,
		changeSet:   changeSet,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back a committed version that arrives
// before the backend confirmed the write, so the view does not flicker.
func shouldWaitForSyncedDocument(oldDoc, newDoc *models.Document) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits docChanges to the view. targetChange is the
// backend's change for the view's target, if any. While the target is
// pending a reset after an existence filter mismatch its limbo state is
// left alone.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, limboResolutionEnabled bool, targetChange *models.TargetChange, targetIsPendingReset bool) ViewChange {
	oldDocs := v.documentSet
	v.documentSet = docChanges.DocumentSet
	v.mutatedKeys = docChanges.MutatedKeys

	changes := docChanges.changeSet.sorted(v.comparator)
	v.applyTargetChange(targetChange)

	var limboChanges []LimboDocumentChange
	if limboResolutionEnabled && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limboDocuments.Len() == 0 && v.current && !targetIsPendingReset
	newSyncState := SyncStateLocal
	if synced {
		newSyncState = SyncStateSynced
	}
	syncStateChanged := newSyncState != v.syncState
	v.syncState = newSyncState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             v.documentSet,
			OldDocs:          oldDocs,
			Changes:          changes,
			MutatedKeys:      v.mutatedKeys,
			FromCache:        newSyncState == SyncStateLocal,
			SyncStateChanged: syncStateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange marks a current view as from-cache once the client
// goes offline.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if !v.current || state != remote.OnlineStateOffline {
		return ViewChange{}
	}
	v.current = false
	return v.ApplyChanges(&ViewDocumentChanges{
		DocumentSet: v.documentSet,
		MutatedKeys: v.mutatedKeys,
		changeSet:   newDocumentChangeSet(),
	}, false, nil, false)
}

// SynchronizeWithPersistedState resets the view to the persisted query
// result, as when this client becomes primary.
func (v *View) SynchronizeWithPersistedState(result *local.QueryResult) ViewChange {
	v.syncedDocuments = result.RemoteKeys.Clone()
	v.limboDocuments = models.NewDocumentKeySet()
	changes := v.ComputeDocChanges(result.Documents, nil)
	return v.ApplyChanges(changes, true, nil, false)
}

// ComputeInitialSnapshot fills an empty view from the local query result.
// current and resumeToken describe what the backend last said about the
// target.
func (v *View) ComputeInitialSnapshot(docs models.DocumentMap, current bool, resumeToken []byte, limboResolutionEnabled bool) ViewChange {
	changes := v.ComputeDocChanges(docs, nil)
	tc := models.NewTargetChange(resumeToken, current)
	return v.ApplyChanges(changes, limboResolutionEnabled, &tc, false)
}

func (v *View) applyTargetChange(tc *models.TargetChange) {
	if tc == nil {
		return
	}
	for k := range tc.Added {
		v.syncedDocuments.Add(k)
	}
	for k := range tc.Removed {
		v.syncedDocuments.Delete(k)
	}
	v.current = tc.Current
}

func (v *View) shouldBeInLimbo(key models.DocumentKey) bool {
	if !v.current || v.syncedDocuments.Has(key) {
		return false
	}
	// Locally written documents are not expected on the backend yet.
	if d := v.documentSet.Get(key); d != nil && d.HasLocalMutations() {
		return false
	}
	return true
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}

	old := v.limboDocuments
	v.limboDocuments = models.NewDocumentKeySet()
	for _, d := range v.documentSet.Docs() {
		if v.shouldBeInLimbo(d.Key) {
			v.limboDocuments.Add(d.Key)
		}
	}

	var changes []LimboDocumentChange
	for _, k := range old.Sorted() {
		if !v.limboDocuments.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: k})
		}
	}
	for _, k := range v.limboDocuments.Sorted() {
		if !old.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: k})
		}
	}
	return changes
}

// localViewChanges lists the documents snap started or stopped showing.
func localViewChanges(targetID int, snap *ViewSnapshot) local.LocalViewChanges {
	added, removed := models.NewDocumentKeySet(), models.NewDocumentKeySet()
	for _, c := range snap.Changes {
		switch c.Type {
		case ChangeAdded:
			added.Add(c.Doc.Key)
		case ChangeRemoved:
			removed.Add(c.Doc.Key)
		}
	}
	return local.LocalViewChanges{
		TargetID:    targetID,
		FromCache:   snap.FromCache,
		AddedKeys:   added,
		RemovedKeys: removed,
	}
}
