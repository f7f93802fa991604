package models

import "sort"

// DocumentKeySet is an unordered set of keys.
type DocumentKeySet map[DocumentKey]struct{}

// NewDocumentKeySet returns a set holding keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s DocumentKeySet) Add(k DocumentKey)      { s[k] = struct{}{} }
func (s DocumentKeySet) Delete(k DocumentKey)   { delete(s, k) }
func (s DocumentKeySet) Has(k DocumentKey) bool { _, ok := s[k]; return ok }
func (s DocumentKeySet) Len() int               { return len(s) }

// AddAll inserts every key of other.
func (s DocumentKeySet) AddAll(other DocumentKeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Union returns a new set holding the keys of both sets.
func (s DocumentKeySet) Union(other DocumentKeySet) DocumentKeySet {
	out := s.Clone()
	out.AddAll(other)
	return out
}

// Equal reports whether both sets hold the same keys.
func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the keys in key order.
func (s DocumentKeySet) Sorted() []DocumentKey {
	out := make([]DocumentKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// SortKeys sorts keys in place.
func SortKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}

// DocumentMap maps keys to documents.
type DocumentMap map[DocumentKey]*Document

// Keys returns the map's keys in key order.
func (m DocumentMap) Keys() []DocumentKey {
	out := make([]DocumentKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// KeySet returns the map's keys as a set.
func (m DocumentMap) KeySet() DocumentKeySet {
	out := make(DocumentKeySet, len(m))
	for k := range m {
		out.Add(k)
	}
	return out
}

// DocumentComparator orders documents.
type DocumentComparator func(a, b *Document) int

// KeyComparator orders documents by key only.
func KeyComparator(a, b *Document) int { return a.Key.Compare(b.Key) }

// DocumentSet is a set of documents ordered by a comparator that falls
// back to key order. It is mutable; use Clone before sharing.
type DocumentSet struct {
	cmp    DocumentComparator
	byKey  map[DocumentKey]*Document
	sorted []*Document
}

// NewDocumentSet returns an empty set ordered by cmp (key order when nil).
func NewDocumentSet(cmp DocumentComparator) *DocumentSet {
	if cmp == nil {
		cmp = KeyComparator
	}
	return &DocumentSet{cmp: cmp, byKey: map[DocumentKey]*Document{}}
}

func (s *DocumentSet) compare(a, b *Document) int {
	if c := s.cmp(a, b); c != 0 {
		return c
	}
	return a.Key.Compare(b.Key)
}

func (s *DocumentSet) Len() int { return len(s.sorted) }

func (s *DocumentSet) Has(k DocumentKey) bool { _, ok := s.byKey[k]; return ok }

func (s *DocumentSet) Get(k DocumentKey) *Document { return s.byKey[k] }

// First returns the lowest document, or nil.
func (s *DocumentSet) First() *Document {
	if len(s.sorted) == 0 {
		return nil
	}
	return s.sorted[0]
}

// Last returns the highest document, or nil.
func (s *DocumentSet) Last() *Document {
	if len(s.sorted) == 0 {
		return nil
	}
	return s.sorted[len(s.sorted)-1]
}

// IndexOf returns the position of k or -1.
func (s *DocumentSet) IndexOf(k DocumentKey) int {
	d, ok := s.byKey[k]
	if !ok {
		return -1
	}
	i := sort.Search(len(s.sorted), func(i int) bool { return s.compare(s.sorted[i], d) >= 0 })
	return i
}

// Add inserts doc, replacing any document with the same key.
func (s *DocumentSet) Add(doc *Document) {
	s.Delete(doc.Key)
	i := sort.Search(len(s.sorted), func(i int) bool { return s.compare(s.sorted[i], doc) >= 0 })
	s.sorted = append(s.sorted, nil)
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = doc
	s.byKey[doc.Key] = doc
}

// Delete removes the document with key k.
func (s *DocumentSet) Delete(k DocumentKey) {
	if !s.Has(k) {
		return
	}
	i := s.IndexOf(k)
	s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
	delete(s.byKey, k)
}

// Docs returns the documents in order. Callers must not modify the slice.
func (s *DocumentSet) Docs() []*Document { return s.sorted }

// Keys returns the keys as a set.
func (s *DocumentSet) Keys() DocumentKeySet {
	out := make(DocumentKeySet, len(s.sorted))
	for _, d := range s.sorted {
		out.Add(d.Key)
	}
	return out
}

// Clone returns a set that can be modified independently. Documents are
// shared.
func (s *DocumentSet) Clone() *DocumentSet {
	out := &DocumentSet{cmp: s.cmp, byKey: make(map[DocumentKey]*Document, len(s.byKey))}
	out.sorted = append(make([]*Document, 0, len(s.sorted)), s.sorted...)
	for k, v := range s.byKey {
		out.byKey[k] = v
	}
	return out
}

// Equal compares the ordered documents.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.sorted {
		if !s.sorted[i].Equal(other.sorted[i]) {
			return false
		}
	}
	return true
}
