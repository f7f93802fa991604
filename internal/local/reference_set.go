// Package local implements the client-side half of the sync engine: the
// Local Store that owns the persistent caches, the local documents view that
// folds queued mutations over cached documents, the query engine and the LRU
// garbage collector.
package local

import (
	"github.com/kilupskalvis/docsync/internal/models"
)

// ReferenceSet tracks (document key, id) pairs. The id is a target id or a
// mutation batch id. Documents with at least one reference are pinned in
// memory and survive garbage collection.
type ReferenceSet struct {
	byKey map[models.DocumentKey]map[int]struct{}
	byID  map[int]models.DocumentKeySet
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: make(map[models.DocumentKey]map[int]struct{}),
		byID:  make(map[int]models.DocumentKeySet),
	}
}

// IsEmpty reports whether no references are held.
func (r *ReferenceSet) IsEmpty() bool { return len(r.byKey) == 0 }

// AddReference adds a reference from id to key.
func (r *ReferenceSet) AddReference(key models.DocumentKey, id int) {
	ids, ok := r.byKey[key]
	if !ok {
		ids = make(map[int]struct{})
		r.byKey[key] = ids
	}
	ids[id] = struct{}{}

	keys, ok := r.byID[id]
	if !ok {
		keys = models.NewDocumentKeySet()
		r.byID[id] = keys
	}
	keys.Add(key)
}

// AddReferences adds a reference from id to every key.
func (r *ReferenceSet) AddReferences(keys models.DocumentKeySet, id int) {
	for k := range keys {
		r.AddReference(k, id)
	}
}

// RemoveReference removes the reference from id to key.
func (r *ReferenceSet) RemoveReference(key models.DocumentKey, id int) {
	if ids, ok := r.byKey[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byKey, key)
		}
	}
	if keys, ok := r.byID[id]; ok {
		keys.Delete(key)
		if keys.Len() == 0 {
			delete(r.byID, id)
		}
	}
}

// RemoveReferences removes the references from id to each key.
func (r *ReferenceSet) RemoveReferences(keys models.DocumentKeySet, id int) {
	for k := range keys {
		r.RemoveReference(k, id)
	}
}

// RemoveReferencesForID clears every reference held by id and returns the
// keys that were referenced.
func (r *ReferenceSet) RemoveReferencesForID(id int) models.DocumentKeySet {
	keys := r.ReferencesForID(id)
	for k := range keys {
		r.RemoveReference(k, id)
	}
	return keys
}

// RemoveAllReferences clears the set.
func (r *ReferenceSet) RemoveAllReferences() {
	r.byKey = make(map[models.DocumentKey]map[int]struct{})
	r.byID = make(map[int]models.DocumentKeySet)
}

// ReferencesForID returns a copy of the keys referenced by id.
func (r *ReferenceSet) ReferencesForID(id int) models.DocumentKeySet {
	if keys, ok := r.byID[id]; ok {
		return keys.Clone()
	}
	return models.NewDocumentKeySet()
}

// ContainsKey reports whether any id references key.
func (r *ReferenceSet) ContainsKey(key models.DocumentKey) bool {
	_, ok := r.byKey[key]
	return ok
}

// LocalViewChanges is the set of documents a view started or stopped
// showing in one snapshot.
type LocalViewChanges struct {
	TargetID    int
	FromCache   bool
	AddedKeys   models.DocumentKeySet
	RemovedKeys models.DocumentKeySet
}
