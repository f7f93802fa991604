package store

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"

	"github.com/kilupskalvis/docsync/internal/models"
)

const documentMemoSize = 10_000

var (
	sizeKey = []byte("size")

	docEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	docDecoder, _ = zstd.NewReader(nil)
)

// RemoteDocumentCache holds the last known server state of documents,
// including documents known not to exist.
type RemoteDocumentCache struct {
	memo    *lru.ARCCache
	indexes *IndexManager
}

func newRemoteDocumentCache() *RemoteDocumentCache {
	memo, _ := lru.NewARC(documentMemoSize)
	return &RemoteDocumentCache{memo: memo}
}

func encodeDocument(doc *models.Document) ([]byte, error) {
	raw, err := marshal(doc)
	if err != nil {
		return nil, err
	}
	return docEncoder.EncodeAll(raw, nil), nil
}

// decode returns a private copy of the stored document.
func (c *RemoteDocumentCache) decode(data []byte) (*models.Document, error) {
	h := xxhash.Sum64(data)
	if v, ok := c.memo.Get(h); ok {
		return v.(*models.Document).Clone(), nil
	}
	raw, err := docDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress document: %w", err)
	}
	var doc models.Document
	if err := unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c.memo.Add(h, doc.Clone())
	return &doc, nil
}

func readTimeKey(key models.DocumentKey, readTime models.SnapshotVersion) []byte {
	return join([]byte(key.CollectionGroup()), encodeTimestamp(readTime), docKeyBytes(key))
}

func readSize(tx Tx) (int64, error) {
	data, err := tx.Get(TableRemoteDocumentGlobals, sizeKey)
	if err != nil || data == nil {
		return 0, err
	}
	return decodeInt(data), nil
}

func adjustSize(tx Tx, delta int64) error {
	if delta == 0 {
		return nil
	}
	size, err := readSize(tx)
	if err != nil {
		return err
	}
	return tx.Put(TableRemoteDocumentGlobals, sizeKey, encodeInt(size+delta))
}

// removeStored deletes the stored entry and its read-time row and returns
// the number of bytes freed.
func (c *RemoteDocumentCache) removeStored(tx Tx, key models.DocumentKey) (int64, error) {
	old, err := tx.Get(TableRemoteDocuments, docKeyBytes(key))
	if err != nil || old == nil {
		return 0, err
	}
	prev, err := c.decode(old)
	if err != nil {
		return 0, err
	}
	if err := tx.Delete(TableRemoteDocumentReadTimes, readTimeKey(key, prev.ReadTime)); err != nil {
		return 0, err
	}
	if err := tx.Delete(TableRemoteDocuments, docKeyBytes(key)); err != nil {
		return 0, err
	}
	return int64(len(old)), nil
}

// Add stores doc with the given read time, replacing any previous entry.
func (c *RemoteDocumentCache) Add(tx *Transaction, doc *models.Document, readTime models.SnapshotVersion) error {
	if readTime.IsZero() {
		return fmt.Errorf("add %s: cannot add a document with a zero read time", doc.Key)
	}
	freed, err := c.removeStored(tx, doc.Key)
	if err != nil {
		return err
	}
	stored := doc.Clone().SetReadTime(readTime)
	if stored.HasLocalMutations() {
		stored.State = models.Synced
	}
	data, err := encodeDocument(stored)
	if err != nil {
		return err
	}
	if err := tx.Put(TableRemoteDocuments, docKeyBytes(doc.Key), data); err != nil {
		return err
	}
	if err := tx.Put(TableRemoteDocumentReadTimes, readTimeKey(doc.Key, readTime), nil); err != nil {
		return err
	}
	if c.indexes != nil {
		if err := c.indexes.AddToCollectionParentIndex(tx, doc.Key.CollectionPath()); err != nil {
			return err
		}
	}
	return adjustSize(tx, int64(len(data))-freed)
}

// Remove deletes the entry for key.
func (c *RemoteDocumentCache) Remove(tx *Transaction, key models.DocumentKey) error {
	freed, err := c.removeStored(tx, key)
	if err != nil {
		return err
	}
	return adjustSize(tx, -freed)
}

// GetEntry returns the cached document, or an invalid document when none
// is cached.
func (c *RemoteDocumentCache) GetEntry(tx *Transaction, key models.DocumentKey) (*models.Document, error) {
	data, err := tx.Get(TableRemoteDocuments, docKeyBytes(key))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return models.NewInvalidDocument(key), nil
	}
	return c.decode(data)
}

// GetEntries returns an entry for every key.
func (c *RemoteDocumentCache) GetEntries(tx *Transaction, keys models.DocumentKeySet) (models.DocumentMap, error) {
	out := make(models.DocumentMap, len(keys))
	for k := range keys {
		doc, err := c.GetEntry(tx, k)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}
	return out, nil
}

// QueryContext collects statistics while a query runs.
type QueryContext struct {
	// DocumentReadCount is the number of documents scanned, matching or
	// not.
	DocumentReadCount int
}

// GetDocumentsMatchingQuery returns documents directly in the query's
// collection that sort after offset and either match query or are in
// mutatedKeys. Collection group queries must be fanned out by the caller.
// qc may be nil.
func (c *RemoteDocumentCache) GetDocumentsMatchingQuery(tx *Transaction, query *models.Query, offset models.IndexOffset, mutatedKeys models.DocumentKeySet, qc *QueryContext) (models.DocumentMap, error) {
	out := make(models.DocumentMap)
	depth := len(query.Path) + 1
	err := tx.Scan(TableRemoteDocuments, collectionPrefix(query.Path), func(k, v []byte) error {
		if bytes.Count(k, []byte{'/'})+1 != depth {
			return nil
		}
		doc, err := c.decode(v)
		if err != nil {
			return err
		}
		if !doc.IsValidDocument() {
			return nil
		}
		if models.IndexOffsetFromDocument(doc).Compare(offset) <= 0 {
			return nil
		}
		if qc != nil {
			qc.DocumentReadCount++
		}
		if mutatedKeys.Has(doc.Key) || query.Matches(doc) {
			out[doc.Key] = doc
		}
		return nil
	})
	return out, err
}

// GetAllFromCollectionGroup returns up to limit documents in group that
// sort after offset, in read-time order.
func (c *RemoteDocumentCache) GetAllFromCollectionGroup(tx *Transaction, group string, offset models.IndexOffset, limit int) (models.DocumentMap, error) {
	out := make(models.DocumentMap)
	prefix := join([]byte(group), nil)
	start := join([]byte(group), encodeTimestamp(offset.ReadTime), docKeyBytes(offset.DocumentKey))
	err := tx.ScanFrom(TableRemoteDocumentReadTimes, start, func(k, _ []byte) error {
		if !bytes.HasPrefix(k, prefix) || len(out) >= limit {
			return ErrStopScan
		}
		path := string(k[len(prefix)+13:])
		key, err := models.NewDocumentKey(path)
		if err != nil {
			return err
		}
		doc, err := c.GetEntry(tx, key)
		if err != nil {
			return err
		}
		if models.IndexOffsetFromDocument(doc).Compare(offset) > 0 {
			out[key] = doc
		}
		return nil
	})
	return out, err
}

// GetSize returns the total stored bytes of all cached documents.
func (c *RemoteDocumentCache) GetSize(tx *Transaction) (int64, error) { return readSize(tx) }
