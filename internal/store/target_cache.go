package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/kilupskalvis/docsync/internal/models"
)

var targetGlobalsKey = []byte("globals")

// sentinelTargetID marks document rows that only carry a last-touched
// sequence number for garbage collection.
const sentinelTargetID = 0

type targetGlobals struct {
	HighestTargetID             int                         `json:"highestTargetId"`
	HighestListenSequenceNumber models.ListenSequenceNumber `json:"highestListenSequenceNumber"`
	LastRemoteSnapshotVersion   models.SnapshotVersion      `json:"lastRemoteSnapshotVersion"`
	TargetCount                 int                         `json:"targetCount"`
}

func readTargetGlobals(tx Tx) (targetGlobals, error) {
	var g targetGlobals
	data, err := tx.Get(TableTargetGlobals, targetGlobalsKey)
	if err != nil || data == nil {
		return g, err
	}
	err = unmarshal(data, &g)
	return g, err
}

func writeTargetGlobals(tx Tx, g targetGlobals) error {
	data, err := marshal(g)
	if err != nil {
		return err
	}
	return tx.Put(TableTargetGlobals, targetGlobalsKey, data)
}

// TargetCache persists the targets the client listens to and the keys the
// server reported as matching each of them.
type TargetCache struct {
	delegate *LruDelegate
}

func targetKey(targetID int) []byte { return encodeInt(int64(targetID)) }

func canonicalIDKey(canonicalID string, targetID int) []byte {
	return append(canonicalIDPrefix(canonicalID), encodeInt(int64(targetID))...)
}

func canonicalIDPrefix(canonicalID string) []byte {
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], xxhash.Sum64String(canonicalID))
	return h[:]
}

func targetDocumentKey(targetID int, key models.DocumentKey) []byte {
	return append(targetKey(targetID), docKeyBytes(key)...)
}

func documentTargetKey(key models.DocumentKey, targetID int) []byte {
	return join(docKeyBytes(key), targetKey(targetID))
}

func documentTargetPrefix(key models.DocumentKey) []byte { return join(docKeyBytes(key), nil) }

// AllocateTargetID returns the next unused even target id.
func (c *TargetCache) AllocateTargetID(tx *Transaction) (int, error) {
	g, err := readTargetGlobals(tx)
	if err != nil {
		return 0, err
	}
	next := g.HighestTargetID + 2
	if next%2 != 0 {
		next++
	}
	g.HighestTargetID = next
	return next, writeTargetGlobals(tx, g)
}

// GetLastRemoteSnapshotVersion returns the version of the last consistent
// snapshot received from the server.
func (c *TargetCache) GetLastRemoteSnapshotVersion(tx *Transaction) (models.SnapshotVersion, error) {
	g, err := readTargetGlobals(tx)
	return g.LastRemoteSnapshotVersion, err
}

// GetHighestSequenceNumber returns the highest sequence number stored with
// any target.
func (c *TargetCache) GetHighestSequenceNumber(tx *Transaction) (models.ListenSequenceNumber, error) {
	g, err := readTargetGlobals(tx)
	return g.HighestListenSequenceNumber, err
}

// SetTargetsMetadata records the highest sequence number and, when set, the
// last remote snapshot version.
func (c *TargetCache) SetTargetsMetadata(tx *Transaction, highestSeq models.ListenSequenceNumber, version *models.SnapshotVersion) error {
	g, err := readTargetGlobals(tx)
	if err != nil {
		return err
	}
	if highestSeq > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = highestSeq
	}
	if version != nil {
		g.LastRemoteSnapshotVersion = *version
	}
	return writeTargetGlobals(tx, g)
}

func (c *TargetCache) saveTargetData(tx *Transaction, td *models.TargetData) error {
	data, err := marshal(td)
	if err != nil {
		return err
	}
	if err := tx.Put(TableTargets, targetKey(td.TargetID), data); err != nil {
		return err
	}
	return tx.Put(TableTargetCanonicalIDs, canonicalIDKey(td.Target.CanonicalID(), td.TargetID), nil)
}

func (c *TargetCache) updateGlobals(tx *Transaction, td *models.TargetData, countDelta int) error {
	g, err := readTargetGlobals(tx)
	if err != nil {
		return err
	}
	if td.TargetID > g.HighestTargetID {
		g.HighestTargetID = td.TargetID
	}
	if td.SequenceNumber > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = td.SequenceNumber
	}
	g.TargetCount += countDelta
	return writeTargetGlobals(tx, g)
}

// AddTargetData persists a new target.
func (c *TargetCache) AddTargetData(tx *Transaction, td *models.TargetData) error {
	if err := c.saveTargetData(tx, td); err != nil {
		return err
	}
	return c.updateGlobals(tx, td, 1)
}

// UpdateTargetData replaces the stored state of an existing target.
func (c *TargetCache) UpdateTargetData(tx *Transaction, td *models.TargetData) error {
	if err := c.saveTargetData(tx, td); err != nil {
		return err
	}
	return c.updateGlobals(tx, td, 0)
}

// RemoveTargetData deletes a target and its matching keys.
func (c *TargetCache) RemoveTargetData(tx *Transaction, td *models.TargetData) error {
	if err := c.RemoveMatchingKeysForTargetID(tx, td.TargetID); err != nil {
		return err
	}
	if err := tx.Delete(TableTargets, targetKey(td.TargetID)); err != nil {
		return err
	}
	if err := tx.Delete(TableTargetCanonicalIDs, canonicalIDKey(td.Target.CanonicalID(), td.TargetID)); err != nil {
		return err
	}
	return c.updateGlobals(tx, td, -1)
}

func decodeTargetData(data []byte) (*models.TargetData, error) {
	var td models.TargetData
	if err := unmarshal(data, &td); err != nil {
		return nil, err
	}
	return &td, nil
}

// GetTargetDataByID returns the target with the given id, or nil.
func (c *TargetCache) GetTargetDataByID(tx *Transaction, targetID int) (*models.TargetData, error) {
	data, err := tx.Get(TableTargets, targetKey(targetID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeTargetData(data)
}

// GetTargetData returns the stored target structurally equal to target, or
// nil.
func (c *TargetCache) GetTargetData(tx *Transaction, target *models.Target) (*models.TargetData, error) {
	var ids []int
	prefix := canonicalIDPrefix(target.CanonicalID())
	if err := tx.Scan(TableTargetCanonicalIDs, prefix, func(k, _ []byte) error {
		ids = append(ids, int(decodeInt(k[len(prefix):])))
		return nil
	}); err != nil {
		return nil, err
	}
	for _, id := range ids {
		td, err := c.GetTargetDataByID(tx, id)
		if err != nil {
			return nil, err
		}
		if td != nil && td.Target.Equal(target) {
			return td, nil
		}
	}
	return nil, nil
}

// GetTargetCount returns the number of persisted targets.
func (c *TargetCache) GetTargetCount(tx *Transaction) (int, error) {
	g, err := readTargetGlobals(tx)
	return g.TargetCount, err
}

// ForEachTarget calls fn for every persisted target.
func (c *TargetCache) ForEachTarget(tx *Transaction, fn func(*models.TargetData) error) error {
	return tx.Scan(TableTargets, nil, func(_, v []byte) error {
		td, err := decodeTargetData(v)
		if err != nil {
			return err
		}
		return fn(td)
	})
}

// RemoveTargets deletes targets whose sequence number is at most upperBound
// and that are not active. It returns the number removed.
func (c *TargetCache) RemoveTargets(tx *Transaction, upperBound models.ListenSequenceNumber, active map[int]struct{}) (int, error) {
	var doomed []*models.TargetData
	err := c.ForEachTarget(tx, func(td *models.TargetData) error {
		if _, ok := active[td.TargetID]; !ok && td.SequenceNumber <= upperBound {
			doomed = append(doomed, td)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, td := range doomed {
		if err := c.RemoveTargetData(tx, td); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// AddMatchingKeys associates keys with targetID.
func (c *TargetCache) AddMatchingKeys(tx *Transaction, keys models.DocumentKeySet, targetID int) error {
	for k := range keys {
		if err := tx.Put(TableTargetDocuments, targetDocumentKey(targetID, k), nil); err != nil {
			return err
		}
		if err := tx.Put(TableDocumentTargets, documentTargetKey(k, targetID), nil); err != nil {
			return err
		}
		if c.delegate != nil {
			if err := c.delegate.AddReference(tx, targetID, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveMatchingKeys dissociates keys from targetID.
func (c *TargetCache) RemoveMatchingKeys(tx *Transaction, keys models.DocumentKeySet, targetID int) error {
	for k := range keys {
		if err := c.removeMatchingKey(tx, k, targetID); err != nil {
			return err
		}
	}
	return nil
}

func (c *TargetCache) removeMatchingKey(tx *Transaction, k models.DocumentKey, targetID int) error {
	if err := tx.Delete(TableTargetDocuments, targetDocumentKey(targetID, k)); err != nil {
		return err
	}
	if err := tx.Delete(TableDocumentTargets, documentTargetKey(k, targetID)); err != nil {
		return err
	}
	if c.delegate != nil {
		return c.delegate.RemoveReference(tx, targetID, k)
	}
	return nil
}

// RemoveMatchingKeysForTargetID dissociates every key from targetID.
func (c *TargetCache) RemoveMatchingKeysForTargetID(tx *Transaction, targetID int) error {
	keys, err := c.GetMatchingKeysForTargetID(tx, targetID)
	if err != nil {
		return err
	}
	return c.RemoveMatchingKeys(tx, keys, targetID)
}

// GetMatchingKeysForTargetID returns the keys associated with targetID.
func (c *TargetCache) GetMatchingKeysForTargetID(tx *Transaction, targetID int) (models.DocumentKeySet, error) {
	keys := models.NewDocumentKeySet()
	prefix := targetKey(targetID)
	err := tx.Scan(TableTargetDocuments, prefix, func(k, _ []byte) error {
		key, err := models.NewDocumentKey(string(k[len(prefix):]))
		if err != nil {
			return err
		}
		keys.Add(key)
		return nil
	})
	return keys, err
}

// ContainsKey reports whether any target matches key.
func (c *TargetCache) ContainsKey(tx Tx, key models.DocumentKey) (bool, error) {
	prefix := documentTargetPrefix(key)
	found := false
	err := tx.Scan(TableDocumentTargets, prefix, func(k, _ []byte) error {
		if decodeInt(k[len(prefix):]) != sentinelTargetID {
			found = true
			return ErrStopScan
		}
		return nil
	})
	return found, err
}
