package store

import (
	"bytes"
	"sort"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
)

var highestBatchIDKey = []byte("highestBatchId")

type queueMetadata struct {
	LastAcknowledgedBatchID int    `json:"lastAcknowledgedBatchId"`
	LastStreamToken         []byte `json:"lastStreamToken,omitempty"`
}

// MutationQueue is the durable queue of a single user's unacknowledged
// write batches, ordered by batch id.
type MutationQueue struct {
	userID   string
	indexes  *IndexManager
	delegate *LruDelegate
}

// UserID returns the owner of the queue.
func (q *MutationQueue) UserID() string { return q.userID }

// queueKey is never empty, bbolt rejects empty keys.
func (q *MutationQueue) queueKey() []byte { return []byte("u:" + q.userID) }

func (q *MutationQueue) batchKey(batchID int) []byte {
	return join(q.queueKey(), encodeInt(int64(batchID)))
}

func (q *MutationQueue) batchPrefix() []byte { return join(q.queueKey(), nil) }

func (q *MutationQueue) docKey(key models.DocumentKey, batchID int) []byte {
	return join(q.queueKey(), docKeyBytes(key), encodeInt(int64(batchID)))
}

func (q *MutationQueue) docPrefix(key models.DocumentKey) []byte {
	return join(q.queueKey(), docKeyBytes(key), nil)
}

func (q *MutationQueue) metadata(tx *Transaction) (queueMetadata, error) {
	meta := queueMetadata{LastAcknowledgedBatchID: models.BatchIDUnknown}
	data, err := tx.Get(TableMutationQueues, q.queueKey())
	if err != nil || data == nil {
		return meta, err
	}
	err = unmarshal(data, &meta)
	return meta, err
}

func (q *MutationQueue) saveMetadata(tx *Transaction, meta queueMetadata) error {
	data, err := marshal(meta)
	if err != nil {
		return err
	}
	return tx.Put(TableMutationQueues, q.queueKey(), data)
}

// CheckEmpty reports whether the queue holds no batches.
func (q *MutationQueue) CheckEmpty(tx *Transaction) (bool, error) {
	empty := true
	err := tx.Scan(TableMutations, q.batchPrefix(), func(_, _ []byte) error {
		empty = false
		return ErrStopScan
	})
	return empty, err
}

// AddMutationBatch appends a batch. Batch ids are global across users and
// strictly increasing.
func (q *MutationQueue) AddMutationBatch(tx *Transaction, localWriteTime models.Timestamp, base, mutations []models.Mutation) (*models.MutationBatch, error) {
	var highest int64 = models.BatchIDUnknown
	if data, err := tx.Get(TableMutationQueues, highestBatchIDKey); err != nil {
		return nil, err
	} else if data != nil {
		highest = decodeInt(data)
	}
	batch := &models.MutationBatch{
		BatchID:        int(highest + 1),
		LocalWriteTime: localWriteTime,
		BaseMutations:  base,
		Mutations:      mutations,
	}
	if batch.BatchID < 1 {
		batch.BatchID = 1
	}
	if err := tx.Put(TableMutationQueues, highestBatchIDKey, encodeInt(int64(batch.BatchID))); err != nil {
		return nil, err
	}

	data, err := marshal(batch)
	if err != nil {
		return nil, err
	}
	if err := tx.Put(TableMutations, q.batchKey(batch.BatchID), data); err != nil {
		return nil, err
	}
	for _, m := range mutations {
		if err := tx.Put(TableDocumentMutations, q.docKey(m.Key, batch.BatchID), nil); err != nil {
			return nil, err
		}
		if err := q.indexes.AddToCollectionParentIndex(tx, m.Key.CollectionPath()); err != nil {
			return nil, err
		}
	}
	// Makes sure the queue row exists so the user is discoverable by GC.
	meta, err := q.metadata(tx)
	if err != nil {
		return nil, err
	}
	if err := q.saveMetadata(tx, meta); err != nil {
		return nil, err
	}
	return batch, nil
}

func decodeBatch(data []byte) (*models.MutationBatch, error) {
	var b models.MutationBatch
	if err := unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// LookupMutationBatch returns the batch with the given id, or nil.
func (q *MutationQueue) LookupMutationBatch(tx *Transaction, batchID int) (*models.MutationBatch, error) {
	data, err := tx.Get(TableMutations, q.batchKey(batchID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeBatch(data)
}

// GetNextMutationBatchAfterBatchID returns the first batch with an id
// greater than batchID, or nil.
func (q *MutationQueue) GetNextMutationBatchAfterBatchID(tx *Transaction, batchID int) (*models.MutationBatch, error) {
	prefix := q.batchPrefix()
	var found *models.MutationBatch
	err := tx.ScanFrom(TableMutations, q.batchKey(batchID+1), func(k, v []byte) error {
		if !bytes.HasPrefix(k, prefix) {
			return ErrStopScan
		}
		b, err := decodeBatch(v)
		if err != nil {
			return err
		}
		found = b
		return ErrStopScan
	})
	return found, err
}

// GetHighestUnacknowledgedBatchID returns the newest queued batch id, or
// BatchIDUnknown when the queue is empty.
func (q *MutationQueue) GetHighestUnacknowledgedBatchID(tx *Transaction) (int, error) {
	id := models.BatchIDUnknown
	prefix := q.batchPrefix()
	err := tx.ScanReverse(TableMutations, prefix, func(k, _ []byte) error {
		id = int(decodeInt(k[len(prefix):]))
		return ErrStopScan
	})
	return id, err
}

// GetAllMutationBatches returns every queued batch in id order.
func (q *MutationQueue) GetAllMutationBatches(tx *Transaction) ([]*models.MutationBatch, error) {
	var out []*models.MutationBatch
	err := tx.Scan(TableMutations, q.batchPrefix(), func(_, v []byte) error {
		b, err := decodeBatch(v)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

func (q *MutationQueue) batchesByID(tx *Transaction, ids map[int]struct{}) ([]*models.MutationBatch, error) {
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	out := make([]*models.MutationBatch, 0, len(sorted))
	for _, id := range sorted {
		b, err := q.LookupMutationBatch(tx, id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, status.New(status.Internal, "dangling document-mutation reference to batch %d", id)
		}
		out = append(out, b)
	}
	return out, nil
}

func (q *MutationQueue) collectBatchIDs(tx *Transaction, prefix []byte, ids map[int]struct{}, keep func(path string) bool) error {
	return tx.Scan(TableDocumentMutations, prefix, func(k, _ []byte) error {
		rest := k[len(q.queueKey())+1:]
		sep := len(rest) - 9
		if sep < 0 {
			return nil
		}
		if keep != nil && !keep(string(rest[:sep])) {
			return nil
		}
		ids[int(decodeInt(rest[sep+1:]))] = struct{}{}
		return nil
	})
}

// GetAllMutationBatchesAffectingDocumentKey returns the batches touching key.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKey(tx *Transaction, key models.DocumentKey) ([]*models.MutationBatch, error) {
	return q.GetAllMutationBatchesAffectingDocumentKeys(tx, models.NewDocumentKeySet(key))
}

// GetAllMutationBatchesAffectingDocumentKeys returns the batches touching
// any of keys, in id order and without duplicates.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKeys(tx *Transaction, keys models.DocumentKeySet) ([]*models.MutationBatch, error) {
	ids := make(map[int]struct{})
	for key := range keys {
		if err := q.collectBatchIDs(tx, q.docPrefix(key), ids, nil); err != nil {
			return nil, err
		}
	}
	return q.batchesByID(tx, ids)
}

// GetAllMutationBatchesAffectingQuery returns the batches touching a
// document directly inside the query's collection. Collection group
// queries are fanned out by the caller.
func (q *MutationQueue) GetAllMutationBatchesAffectingQuery(tx *Transaction, query *models.Query) ([]*models.MutationBatch, error) {
	if query.IsCollectionGroupQuery() {
		return nil, status.New(status.Internal, "collection group query passed to mutation queue")
	}
	depth := len(query.Path) + 1
	prefix := append(q.batchPrefix(), collectionPrefix(query.Path)...)
	ids := make(map[int]struct{})
	err := q.collectBatchIDs(tx, prefix, ids, func(path string) bool {
		return len(models.ParseResourcePath(path)) == depth
	})
	if err != nil {
		return nil, err
	}
	return q.batchesByID(tx, ids)
}

// RemoveMutationBatch deletes batch, which must be the oldest batch in the
// queue. Nothing is removed otherwise.
func (q *MutationQueue) RemoveMutationBatch(tx *Transaction, batch *models.MutationBatch) error {
	oldest := models.BatchIDUnknown
	prefix := q.batchPrefix()
	if err := tx.Scan(TableMutations, prefix, func(k, _ []byte) error {
		oldest = int(decodeInt(k[len(prefix):]))
		return ErrStopScan
	}); err != nil {
		return err
	}
	if oldest != batch.BatchID {
		return status.New(status.Internal, "can only remove the first entry of the mutation queue: got batch %d, oldest is %d", batch.BatchID, oldest)
	}

	if err := tx.Delete(TableMutations, q.batchKey(batch.BatchID)); err != nil {
		return err
	}
	for _, m := range batch.Mutations {
		if err := tx.Delete(TableDocumentMutations, q.docKey(m.Key, batch.BatchID)); err != nil {
			return err
		}
		if q.delegate != nil {
			if err := q.delegate.RemoveMutationReference(tx, m.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// AcknowledgeBatch records the stream token returned with batch's result.
func (q *MutationQueue) AcknowledgeBatch(tx *Transaction, batch *models.MutationBatch, streamToken []byte) error {
	meta, err := q.metadata(tx)
	if err != nil {
		return err
	}
	meta.LastAcknowledgedBatchID = batch.BatchID
	meta.LastStreamToken = streamToken
	return q.saveMetadata(tx, meta)
}

// GetLastStreamToken returns the token of the last write stream response.
func (q *MutationQueue) GetLastStreamToken(tx *Transaction) ([]byte, error) {
	meta, err := q.metadata(tx)
	return meta.LastStreamToken, err
}

// SetLastStreamToken stores the token of the last write stream response.
func (q *MutationQueue) SetLastStreamToken(tx *Transaction, token []byte) error {
	meta, err := q.metadata(tx)
	if err != nil {
		return err
	}
	meta.LastStreamToken = token
	return q.saveMetadata(tx, meta)
}

// PerformConsistencyCheck verifies that an empty queue leaves no index rows
// behind.
func (q *MutationQueue) PerformConsistencyCheck(tx *Transaction) error {
	empty, err := q.CheckEmpty(tx)
	if err != nil || !empty {
		return err
	}
	var dangling []string
	err = tx.Scan(TableDocumentMutations, q.batchPrefix(), func(k, _ []byte) error {
		dangling = append(dangling, string(k))
		return nil
	})
	if err != nil {
		return err
	}
	if len(dangling) > 0 {
		return status.New(status.Internal, "document leak: %d mutation index rows remain in an empty queue", len(dangling))
	}
	return nil
}

// mutationQueuesContainKey reports whether any user's queue touches key.
func mutationQueuesContainKey(tx Tx, key models.DocumentKey) (bool, error) {
	var users [][]byte
	err := tx.Scan(TableMutationQueues, []byte("u:"), func(k, _ []byte) error {
		users = append(users, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, u := range users {
		found := false
		if err := tx.Scan(TableDocumentMutations, join(u, docKeyBytes(key), nil), func(_, _ []byte) error {
			found = true
			return ErrStopScan
		}); err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
