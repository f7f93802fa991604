package store

import (
	"sort"

	"github.com/kilupskalvis/docsync/internal/models"
)

// OverlayCache stores, per user and document, the net effect of all queued
// batches on that document.
type OverlayCache struct {
	userID string
}

func (c *OverlayCache) prefix() []byte { return join([]byte("u:"+c.userID), nil) }

func (c *OverlayCache) key(k models.DocumentKey) []byte {
	return append(c.prefix(), docKeyBytes(k)...)
}

func decodeOverlay(data []byte) (*models.Overlay, error) {
	var o models.Overlay
	if err := unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOverlay returns the overlay for key, or nil.
func (c *OverlayCache) GetOverlay(tx *Transaction, key models.DocumentKey) (*models.Overlay, error) {
	data, err := tx.Get(TableDocumentOverlays, c.key(key))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeOverlay(data)
}

// GetOverlays returns the overlays that exist for keys.
func (c *OverlayCache) GetOverlays(tx *Transaction, keys models.DocumentKeySet) (map[models.DocumentKey]*models.Overlay, error) {
	out := make(map[models.DocumentKey]*models.Overlay)
	for k := range keys {
		o, err := c.GetOverlay(tx, k)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[k] = o
		}
	}
	return out, nil
}

// SaveOverlays stores one overlay per key, all tagged with largestBatchID.
func (c *OverlayCache) SaveOverlays(tx *Transaction, largestBatchID int, overlays map[models.DocumentKey]models.Mutation) error {
	for k, m := range overlays {
		data, err := marshal(models.Overlay{LargestBatchID: largestBatchID, Mutation: m})
		if err != nil {
			return err
		}
		if err := tx.Put(TableDocumentOverlays, c.key(k), data); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlaysForBatchID deletes the overlays of keys that were last
// written by batchID.
func (c *OverlayCache) RemoveOverlaysForBatchID(tx *Transaction, keys models.DocumentKeySet, batchID int) error {
	for k := range keys {
		o, err := c.GetOverlay(tx, k)
		if err != nil {
			return err
		}
		if o != nil && o.LargestBatchID == batchID {
			if err := tx.Delete(TableDocumentOverlays, c.key(k)); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetOverlaysForCollection returns the overlays of documents directly in
// collection that were written after sinceBatchID.
func (c *OverlayCache) GetOverlaysForCollection(tx *Transaction, collection models.ResourcePath, sinceBatchID int) (map[models.DocumentKey]*models.Overlay, error) {
	out := make(map[models.DocumentKey]*models.Overlay)
	prefix := append(c.prefix(), collectionPrefix(collection)...)
	depth := len(collection) + 1
	err := tx.Scan(TableDocumentOverlays, prefix, func(_, v []byte) error {
		o, err := decodeOverlay(v)
		if err != nil {
			return err
		}
		if len(o.Key().Path()) == depth && o.LargestBatchID > sinceBatchID {
			out[o.Key()] = o
		}
		return nil
	})
	return out, err
}

// GetOverlaysForCollectionGroup returns overlays in group written after
// sinceBatchID, oldest batches first. Once count overlays are collected the
// remaining overlays of the last batch are still included so a batch is
// never split.
func (c *OverlayCache) GetOverlaysForCollectionGroup(tx *Transaction, group string, sinceBatchID, count int) (map[models.DocumentKey]*models.Overlay, error) {
	byBatch := make(map[int][]*models.Overlay)
	err := tx.Scan(TableDocumentOverlays, c.prefix(), func(_, v []byte) error {
		o, err := decodeOverlay(v)
		if err != nil {
			return err
		}
		if o.LargestBatchID > sinceBatchID && o.Key().CollectionGroup() == group {
			byBatch[o.LargestBatchID] = append(byBatch[o.LargestBatchID], o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(byBatch))
	for id := range byBatch {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make(map[models.DocumentKey]*models.Overlay)
	for _, id := range ids {
		for _, o := range byBatch[id] {
			out[o.Key()] = o
		}
		if len(out) >= count {
			break
		}
	}
	return out, nil
}
