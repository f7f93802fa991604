package local

import (
	"fmt"
	"sort"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/store"
)

// LocalDocumentsView reads documents as the user sees them: the cached
// remote version with the user's overlay applied.
type LocalDocumentsView struct {
	remoteDocuments *store.RemoteDocumentCache
	mutationQueue   *store.MutationQueue
	overlays        *store.OverlayCache
	indexes         *store.IndexManager
}

// NewLocalDocumentsView builds a view over the given caches.
func NewLocalDocumentsView(remote *store.RemoteDocumentCache, queue *store.MutationQueue, overlays *store.OverlayCache, indexes *store.IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocuments: remote,
		mutationQueue:   queue,
		overlays:        overlays,
		indexes:         indexes,
	}
}

// DocumentsResult is a page of local documents and the largest batch id
// whose overlays were read.
type DocumentsResult struct {
	BatchID int
	Changes models.DocumentMap
}

// QueryContext collects statistics while a query runs.
type QueryContext = store.QueryContext

// overlayMask is the set of fields an overlay touches; nil when it
// replaces the whole document.
func overlayMask(m models.Mutation) *models.FieldMask {
	if m.Type != models.MutationPatch {
		return nil
	}
	mask := m.Mask.Clone()
	if mask == nil {
		mask = &models.FieldMask{}
	}
	mask.Add(m.FieldMaskOfTransforms()...)
	return mask
}

// GetDocument returns the local view of key. Missing documents come back
// as invalid documents.
func (v *LocalDocumentsView) GetDocument(tx *store.Transaction, key models.DocumentKey) (*models.Document, error) {
	overlay, err := v.overlays.GetOverlay(tx, key)
	if err != nil {
		return nil, fmt.Errorf("get overlay: %w", err)
	}
	doc, err := v.baseDocument(tx, key, overlay)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		overlay.Mutation.ApplyToLocalView(doc, &models.FieldMask{}, models.Now())
	}
	return doc, nil
}

// baseDocument skips the remote read when the overlay replaces the whole
// document.
func (v *LocalDocumentsView) baseDocument(tx *store.Transaction, key models.DocumentKey, overlay *models.Overlay) (*models.Document, error) {
	if overlay == nil || overlay.Mutation.Type == models.MutationPatch {
		doc, err := v.remoteDocuments.GetEntry(tx, key)
		if err != nil {
			return nil, fmt.Errorf("get remote document: %w", err)
		}
		return doc, nil
	}
	return models.NewInvalidDocument(key), nil
}

// GetDocuments returns the local view of every key.
func (v *LocalDocumentsView) GetDocuments(tx *store.Transaction, keys models.DocumentKeySet) (models.DocumentMap, error) {
	docs, err := v.remoteDocuments.GetEntries(tx, keys)
	if err != nil {
		return nil, fmt.Errorf("get remote documents: %w", err)
	}
	return v.GetLocalViewOfDocuments(tx, docs, models.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies overlays to docs, which are modified in
// place. Overlays of documents in existenceStateChanged are recomputed
// first because a patch overlay depends on whether its base exists.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(tx *store.Transaction, docs models.DocumentMap, existenceStateChanged models.DocumentKeySet) (models.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlays(tx, docs.KeySet())
	if err != nil {
		return nil, fmt.Errorf("get overlays: %w", err)
	}
	views, err := v.computeViews(tx, docs, overlays, existenceStateChanged)
	if err != nil {
		return nil, err
	}
	out := make(models.DocumentMap, len(views))
	for k, od := range views {
		out[k] = od.Document
	}
	return out, nil
}

// GetOverlayedDocuments is GetLocalViewOfDocuments that also reports the
// fields each overlay touched.
func (v *LocalDocumentsView) GetOverlayedDocuments(tx *store.Transaction, docs models.DocumentMap) (map[models.DocumentKey]*models.OverlayedDocument, error) {
	overlays, err := v.overlays.GetOverlays(tx, docs.KeySet())
	if err != nil {
		return nil, fmt.Errorf("get overlays: %w", err)
	}
	return v.computeViews(tx, docs, overlays, models.NewDocumentKeySet())
}

func (v *LocalDocumentsView) computeViews(tx *store.Transaction, docs models.DocumentMap, overlays map[models.DocumentKey]*models.Overlay, existenceStateChanged models.DocumentKeySet) (map[models.DocumentKey]*models.OverlayedDocument, error) {
	recalculate := make(models.DocumentMap)
	mutatedFields := make(map[models.DocumentKey]*models.FieldMask, len(docs))
	for k, doc := range docs {
		overlay := overlays[k]
		switch {
		case existenceStateChanged.Has(k) && (overlay == nil || overlay.Mutation.Type == models.MutationPatch):
			recalculate[k] = doc
		case overlay != nil:
			mask := overlayMask(overlay.Mutation)
			mutatedFields[k] = mask
			overlay.Mutation.ApplyToLocalView(doc, mask.Clone(), models.Now())
		default:
			mutatedFields[k] = &models.FieldMask{}
		}
	}

	recalculated, err := v.RecalculateAndSaveOverlays(tx, recalculate)
	if err != nil {
		return nil, err
	}
	for k, mask := range recalculated {
		mutatedFields[k] = mask
	}

	out := make(map[models.DocumentKey]*models.OverlayedDocument, len(docs))
	for k, doc := range docs {
		out[k] = &models.OverlayedDocument{Document: doc, MutatedFields: mutatedFields[k]}
	}
	return out, nil
}

// RecalculateAndSaveOverlays replays every queued batch touching docs,
// writes the resulting overlays and returns the mutated field mask of each
// document. docs are modified in place.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(tx *store.Transaction, docs models.DocumentMap) (map[models.DocumentKey]*models.FieldMask, error) {
	masks := make(map[models.DocumentKey]*models.FieldMask)
	if len(docs) == 0 {
		return masks, nil
	}
	batches, err := v.mutationQueue.GetAllMutationBatchesAffectingDocumentKeys(tx, docs.KeySet())
	if err != nil {
		return nil, fmt.Errorf("get batches: %w", err)
	}

	keysByBatch := make(map[int][]models.DocumentKey)
	for _, batch := range batches {
		for k := range batch.Keys() {
			doc, ok := docs[k]
			if !ok {
				continue
			}
			mask, seen := masks[k]
			if !seen {
				mask = &models.FieldMask{}
			}
			masks[k] = batch.ApplyToLocalView(doc, mask)
			keysByBatch[batch.BatchID] = append(keysByBatch[batch.BatchID], k)
		}
	}

	// Newest batches first: each key's overlay is stored under the
	// largest batch that touched it.
	ids := make([]int, 0, len(keysByBatch))
	for id := range keysByBatch {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	processed := models.NewDocumentKeySet()
	for _, id := range ids {
		overlays := make(map[models.DocumentKey]models.Mutation)
		stale := models.NewDocumentKeySet()
		for _, k := range keysByBatch[id] {
			if processed.Has(k) {
				continue
			}
			if m := models.CalculateOverlayMutation(docs[k], masks[k]); m != nil {
				overlays[k] = *m
			} else {
				// None of the remaining batches change the document
				stale.Add(k)
			}
			processed.Add(k)
		}
		if err := v.overlays.RemoveOverlaysForBatchID(tx, stale, id); err != nil {
			return nil, fmt.Errorf("remove overlays for batch %d: %w", id, err)
		}
		if err := v.overlays.SaveOverlays(tx, id, overlays); err != nil {
			return nil, fmt.Errorf("save overlays for batch %d: %w", id, err)
		}
	}
	return masks, nil
}

// RecalculateAndSaveOverlaysForDocumentKeys reads keys from the remote cache
// and recalculates their overlays.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForDocumentKeys(tx *store.Transaction, keys models.DocumentKeySet) error {
	docs, err := v.remoteDocuments.GetEntries(tx, keys)
	if err != nil {
		return fmt.Errorf("get remote documents: %w", err)
	}
	_, err = v.RecalculateAndSaveOverlays(tx, docs)
	return err
}

// GetDocumentsMatchingQuery returns the local documents matching query that
// changed after offset. qc may be nil.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(tx *store.Transaction, query *models.Query, offset models.IndexOffset, qc *QueryContext) (models.DocumentMap, error) {
	switch {
	case query.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(tx, query.Path)
	case query.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(tx, query, offset, qc)
	default:
		return v.documentsMatchingCollectionQuery(tx, query, offset, qc)
	}
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(tx *store.Transaction, path models.ResourcePath) (models.DocumentMap, error) {
	key, err := models.DocumentKeyFromPath(path)
	if err != nil {
		return nil, err
	}
	out := make(models.DocumentMap)
	doc, err := v.GetDocument(tx, key)
	if err != nil {
		return nil, err
	}
	if doc.IsFoundDocument() {
		out[key] = doc
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(tx *store.Transaction, query *models.Query, offset models.IndexOffset, qc *QueryContext) (models.DocumentMap, error) {
	group := query.CollectionGroup
	parents, err := v.indexes.GetCollectionParents(tx, group)
	if err != nil {
		return nil, fmt.Errorf("get collection parents: %w", err)
	}
	out := make(models.DocumentMap)
	for _, parent := range parents {
		collectionQuery := query.AsCollectionQueryAtPath(parent.Child(group))
		docs, err := v.documentsMatchingCollectionQuery(tx, collectionQuery, offset, qc)
		if err != nil {
			return nil, err
		}
		for k, doc := range docs {
			out[k] = doc
		}
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(tx *store.Transaction, query *models.Query, offset models.IndexOffset, qc *QueryContext) (models.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(tx, query.Path, offset.LargestBatchID)
	if err != nil {
		return nil, fmt.Errorf("get collection overlays: %w", err)
	}
	mutated := models.NewDocumentKeySet()
	for k := range overlays {
		mutated.Add(k)
	}
	docs, err := v.remoteDocuments.GetDocumentsMatchingQuery(tx, query, offset, mutated, qc)
	if err != nil {
		return nil, fmt.Errorf("scan remote documents: %w", err)
	}

	// A document can match only because of its overlay, so every
	// overlaid key is considered even without a cached base.
	for k := range overlays {
		if _, ok := docs[k]; !ok {
			docs[k] = models.NewInvalidDocument(k)
		}
	}

	out := make(models.DocumentMap)
	for k, doc := range docs {
		if overlay, ok := overlays[k]; ok {
			overlay.Mutation.ApplyToLocalView(doc, &models.FieldMask{}, models.Now())
		}
		if query.Matches(doc) {
			out[k] = doc
		}
	}
	return out, nil
}

// GetNextDocuments returns up to count documents of group that changed
// after offset, with overlays applied. Used by the index backfiller.
func (v *LocalDocumentsView) GetNextDocuments(tx *store.Transaction, group string, offset models.IndexOffset, count int) (*DocumentsResult, error) {
	docs, err := v.remoteDocuments.GetAllFromCollectionGroup(tx, group, offset, count)
	if err != nil {
		return nil, fmt.Errorf("read collection group: %w", err)
	}
	overlays := make(map[models.DocumentKey]*models.Overlay)
	if count-len(docs) > 0 {
		overlays, err = v.overlays.GetOverlaysForCollectionGroup(tx, group, offset.LargestBatchID, count-len(docs))
		if err != nil {
			return nil, fmt.Errorf("read collection group overlays: %w", err)
		}
	}

	largestBatchID := offset.LargestBatchID
	for k, o := range overlays {
		if _, ok := docs[k]; !ok {
			doc, err := v.remoteDocuments.GetEntry(tx, k)
			if err != nil {
				return nil, err
			}
			docs[k] = doc
		}
		if o.LargestBatchID > largestBatchID {
			largestBatchID = o.LargestBatchID
		}
	}

	// Documents read from the remote cache may have overlays written
	// before offset.
	missing := models.NewDocumentKeySet()
	for k := range docs {
		if _, ok := overlays[k]; !ok {
			missing.Add(k)
		}
	}
	if missing.Len() > 0 {
		more, err := v.overlays.GetOverlays(tx, missing)
		if err != nil {
			return nil, err
		}
		for k, o := range more {
			overlays[k] = o
		}
	}

	views, err := v.computeViews(tx, docs, overlays, models.NewDocumentKeySet())
	if err != nil {
		return nil, err
	}
	changes := make(models.DocumentMap, len(views))
	for k, od := range views {
		changes[k] = od.Document
	}
	return &DocumentsResult{BatchID: largestBatchID, Changes: changes}, nil
}
