package store

import (
	"github.com/kilupskalvis/docsync/internal/models"
)

// LruDelegate keeps the last-touched sequence number of every document and
// target up to date and exposes the queries the LRU garbage collector
// needs.
type LruDelegate struct {
	p      *Persistence
	pinned func(models.DocumentKey) bool
}

// SetInMemoryPins installs the check for documents pinned by local views.
// Pinned documents are never collected.
func (d *LruDelegate) SetInMemoryPins(pinned func(models.DocumentKey) bool) { d.pinned = pinned }

func (d *LruDelegate) writeSentinel(tx *Transaction, key models.DocumentKey) error {
	seq := encodeInt(tx.SequenceNumber())
	if err := tx.Put(TableDocumentTargets, documentTargetKey(key, sentinelTargetID), seq); err != nil {
		return err
	}
	return tx.Put(TableTargetDocuments, targetDocumentKey(sentinelTargetID, key), seq)
}

func (d *LruDelegate) removeSentinel(tx *Transaction, key models.DocumentKey) error {
	if err := tx.Delete(TableDocumentTargets, documentTargetKey(key, sentinelTargetID)); err != nil {
		return err
	}
	return tx.Delete(TableTargetDocuments, targetDocumentKey(sentinelTargetID, key))
}

// AddReference records that key was touched while being added to a target.
func (d *LruDelegate) AddReference(tx *Transaction, _ int, key models.DocumentKey) error {
	return d.writeSentinel(tx, key)
}

// RemoveReference records that key was touched while leaving a target.
func (d *LruDelegate) RemoveReference(tx *Transaction, _ int, key models.DocumentKey) error {
	return d.writeSentinel(tx, key)
}

// RemoveMutationReference records that a batch touching key was removed.
func (d *LruDelegate) RemoveMutationReference(tx *Transaction, key models.DocumentKey) error {
	return d.writeSentinel(tx, key)
}

// UpdateLimboDocument records that a limbo document was touched.
func (d *LruDelegate) UpdateLimboDocument(tx *Transaction, key models.DocumentKey) error {
	return d.writeSentinel(tx, key)
}

// RemoveTarget stamps td with the transaction's sequence number so it ages
// from the moment it was released.
func (d *LruDelegate) RemoveTarget(tx *Transaction, td *models.TargetData) error {
	return d.p.targets.UpdateTargetData(tx, td.WithSequenceNumber(tx.SequenceNumber()))
}

// GetSequenceNumberCount returns the number of targets plus orphaned
// documents.
func (d *LruDelegate) GetSequenceNumberCount(tx *Transaction) (int, error) {
	targets, err := d.p.targets.GetTargetCount(tx)
	if err != nil {
		return 0, err
	}
	orphans := 0
	err = d.ForEachOrphanedDocumentSequenceNumber(tx, func(models.ListenSequenceNumber) error {
		orphans++
		return nil
	})
	return targets + orphans, err
}

// ForEachTarget calls fn with the sequence number of every target.
func (d *LruDelegate) ForEachTarget(tx *Transaction, fn func(models.ListenSequenceNumber) error) error {
	return d.p.targets.ForEachTarget(tx, func(td *models.TargetData) error {
		return fn(td.SequenceNumber)
	})
}

type sentinelRow struct {
	key models.DocumentKey
	seq models.ListenSequenceNumber
}

func (d *LruDelegate) orphans(tx *Transaction) ([]sentinelRow, error) {
	var rows []sentinelRow
	prefix := targetKey(sentinelTargetID)
	err := tx.Scan(TableTargetDocuments, prefix, func(k, v []byte) error {
		key, err := models.NewDocumentKey(string(k[len(prefix):]))
		if err != nil {
			return err
		}
		rows = append(rows, sentinelRow{key: key, seq: decodeInt(v)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		inTarget, err := d.p.targets.ContainsKey(tx, r.key)
		if err != nil {
			return nil, err
		}
		if !inTarget {
			out = append(out, r)
		}
	}
	return out, nil
}

// ForEachOrphanedDocumentSequenceNumber calls fn for every document that is
// not part of any target.
func (d *LruDelegate) ForEachOrphanedDocumentSequenceNumber(tx *Transaction, fn func(models.ListenSequenceNumber) error) error {
	rows, err := d.orphans(tx)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := fn(r.seq); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTargets removes inactive targets last used at or before upperBound.
func (d *LruDelegate) RemoveTargets(tx *Transaction, upperBound models.ListenSequenceNumber, active map[int]struct{}) (int, error) {
	return d.p.targets.RemoveTargets(tx, upperBound, active)
}

// RemoveOrphanedDocuments removes documents last used at or before
// upperBound that no target, queued batch or local view references.
func (d *LruDelegate) RemoveOrphanedDocuments(tx *Transaction, upperBound models.ListenSequenceNumber) (int, error) {
	rows, err := d.orphans(tx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range rows {
		if r.seq > upperBound {
			continue
		}
		if d.pinned != nil && d.pinned(r.key) {
			continue
		}
		mutated, err := mutationQueuesContainKey(tx, r.key)
		if err != nil {
			return 0, err
		}
		if mutated {
			continue
		}
		if err := d.p.remoteDocuments.Remove(tx, r.key); err != nil {
			return 0, err
		}
		if err := d.removeSentinel(tx, r.key); err != nil {
			return 0, err
		}
		removed++
	}
	return removed, nil
}

// GetCacheSize returns the byte size of the remote document cache.
func (d *LruDelegate) GetCacheSize(tx *Transaction) (int64, error) {
	return d.p.remoteDocuments.GetSize(tx)
}
