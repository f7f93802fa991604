package local

import (
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/store"
)

const (
	// DefaultIndexAutoCreationMinCollectionSize is the number of documents
	// a full scan must read before an index is considered.
	DefaultIndexAutoCreationMinCollectionSize = 100

	// DefaultRelativeIndexReadCostPerDocument estimates how much more an
	// index lookup costs per document than a collection scan.
	DefaultRelativeIndexReadCostPerDocument = 2.0
)

// QueryEngine picks the cheapest way to run a query against the local
// cache. Every strategy yields the same documents: an index lookup, the
// previous remote result plus documents changed since it was last in sync,
// or a full collection scan.
type QueryEngine struct {
	localDocuments *LocalDocumentsView
	indexes        *store.IndexManager
	logger         *slog.Logger

	IndexAutoCreation                  bool
	IndexAutoCreationMinCollectionSize int
	RelativeIndexReadCostPerDocument   float64
}

// NewQueryEngine returns an engine with index auto-creation disabled.
func NewQueryEngine(localDocuments *LocalDocumentsView, indexes *store.IndexManager, logger *slog.Logger) *QueryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryEngine{
		localDocuments:                     localDocuments,
		indexes:                            indexes,
		logger:                             logger,
		IndexAutoCreationMinCollectionSize: DefaultIndexAutoCreationMinCollectionSize,
		RelativeIndexReadCostPerDocument:   DefaultRelativeIndexReadCostPerDocument,
	}
}

// GetDocumentsMatchingQuery returns every local document matching query.
// Limits are not applied; the view trims the result. remoteKeys and
// lastLimboFreeSnapshotVersion describe the last result the backend sent
// for the query's target.
func (e *QueryEngine) GetDocumentsMatchingQuery(tx *store.Transaction, query *models.Query, lastLimboFreeSnapshotVersion models.SnapshotVersion, remoteKeys models.DocumentKeySet) (models.DocumentMap, error) {
	docs, err := e.performQueryUsingIndex(tx, query)
	if err != nil {
		return nil, err
	}
	if docs != nil {
		metrics.IncQueryStrategy("index")
		return docs, nil
	}

	docs, err = e.performQueryUsingRemoteKeys(tx, query, remoteKeys, lastLimboFreeSnapshotVersion)
	if err != nil {
		return nil, err
	}
	if docs != nil {
		metrics.IncQueryStrategy("previous_results")
		return docs, nil
	}

	qc := &QueryContext{}
	docs, err = e.localDocuments.GetDocumentsMatchingQuery(tx, query, models.IndexOffsetNone, qc)
	if err != nil {
		return nil, fmt.Errorf("full collection scan: %w", err)
	}
	metrics.IncQueryStrategy("collection_scan")

	if e.IndexAutoCreation {
		if err := e.createCacheIndexes(tx, query, qc, len(docs)); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (e *QueryEngine) createCacheIndexes(tx *store.Transaction, query *models.Query, qc *QueryContext, resultSize int) error {
	if qc.DocumentReadCount <= e.IndexAutoCreationMinCollectionSize {
		e.logger.Debug("skipping index creation, collection too small",
			"query", query.CanonicalID(), "read", qc.DocumentReadCount)
		return nil
	}
	if float64(qc.DocumentReadCount) <= e.RelativeIndexReadCostPerDocument*float64(resultSize) {
		e.logger.Debug("skipping index creation, scan is cheaper",
			"query", query.CanonicalID(), "read", qc.DocumentReadCount, "results", resultSize)
		return nil
	}
	if err := e.indexes.CreateTargetIndexes(tx, query.ToTarget()); err != nil {
		return fmt.Errorf("create target indexes: %w", err)
	}
	metrics.IndexAutoCreations.Inc()
	e.logger.Debug("created client-side index", "query", query.CanonicalID())
	return nil
}

func (e *QueryEngine) performQueryUsingIndex(tx *store.Transaction, query *models.Query) (models.DocumentMap, error) {
	if query.MatchesAllDocuments() {
		return nil, nil
	}
	target := query.ToTarget()
	indexType, err := e.indexes.GetIndexType(tx, target)
	if err != nil {
		return nil, fmt.Errorf("get index type: %w", err)
	}
	if indexType == store.IndexNone {
		return nil, nil
	}
	if query.HasLimit() && indexType == store.IndexPartial {
		// A partial index cannot apply the limit itself; read every match.
		return e.performQueryUsingIndex(tx, withoutLimit(query))
	}

	keys, err := e.indexes.GetDocumentsMatchingTarget(tx, target)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if keys == nil {
		return nil, nil
	}
	docs, err := e.localDocuments.GetDocuments(tx, keys)
	if err != nil {
		return nil, err
	}
	offset, err := e.indexes.GetMinOffsetForTarget(tx, target)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(query, docs)
	if needsRefill(query, previous, keys, offset.ReadTime) {
		return e.performQueryUsingIndex(tx, withoutLimit(query))
	}
	return e.appendRemainingResults(tx, previous, query, offset)
}

func (e *QueryEngine) performQueryUsingRemoteKeys(tx *store.Transaction, query *models.Query, remoteKeys models.DocumentKeySet, lastLimboFreeSnapshotVersion models.SnapshotVersion) (models.DocumentMap, error) {
	if query.MatchesAllDocuments() {
		return nil, nil
	}
	// Without a limbo-free snapshot the previous result may be missing
	// documents the backend never confirmed.
	if lastLimboFreeSnapshotVersion.IsZero() {
		return nil, nil
	}
	docs, err := e.localDocuments.GetDocuments(tx, remoteKeys)
	if err != nil {
		return nil, err
	}
	previous := applyQuery(query, docs)
	if query.HasLimit() && needsRefill(query, previous, remoteKeys, lastLimboFreeSnapshotVersion) {
		return nil, nil
	}
	e.logger.Debug("re-using previous result", "query", query.CanonicalID(), "since", lastLimboFreeSnapshotVersion.String())
	return e.appendRemainingResults(tx, previous, query, offsetAfter(lastLimboFreeSnapshotVersion))
}

// appendRemainingResults combines previous with every document that
// changed after offset.
func (e *QueryEngine) appendRemainingResults(tx *store.Transaction, previous *models.DocumentSet, query *models.Query, offset models.IndexOffset) (models.DocumentMap, error) {
	remaining, err := e.localDocuments.GetDocumentsMatchingQuery(tx, query, offset, nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range previous.Docs() {
		remaining[doc.Key] = doc
	}
	return remaining, nil
}

// applyQuery filters docs by query and sorts them by its comparator.
func applyQuery(query *models.Query, docs models.DocumentMap) *models.DocumentSet {
	set := models.NewDocumentSet(query.Comparator())
	for _, doc := range docs {
		if doc.IsFoundDocument() && query.Matches(doc) {
			set.Add(doc)
		}
	}
	return set
}

// needsRefill reports whether a limit query's previous result can no longer
// be trusted: a document left the result, or the document at the limit
// edge was modified after the result was last in sync, in which case a
// document beyond the limit may now belong in it.
func needsRefill(query *models.Query, previous *models.DocumentSet, remoteKeys models.DocumentKeySet, limboFreeSnapshotVersion models.SnapshotVersion) bool {
	if !query.HasLimit() {
		return false
	}
	if remoteKeys.Len() != previous.Len() {
		return true
	}
	var edge *models.Document
	if query.LimitType == models.LimitToFirst {
		edge = previous.Last()
	} else {
		edge = previous.First()
	}
	if edge == nil {
		return false
	}
	return edge.HasPendingWrites() || edge.Version.After(limboFreeSnapshotVersion)
}

func withoutLimit(query *models.Query) *models.Query {
	q := *query
	q.Limit = 0
	q.LimitType = models.LimitToFirst
	return &q
}

// offsetAfter matches every document read strictly after readTime.
func offsetAfter(readTime models.SnapshotVersion) models.IndexOffset {
	next := readTime
	next.Nanos++
	if next.Nanos == 1_000_000_000 {
		next.Seconds++
		next.Nanos = 0
	}
	return models.IndexOffset{ReadTime: next, LargestBatchID: models.BatchIDUnknown}
}
