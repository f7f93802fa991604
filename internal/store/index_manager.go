package store

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/kilupskalvis/docsync/internal/models"
)

// IndexType describes how well the client-side indexes serve a target.
type IndexType int

const (
	IndexNone IndexType = iota
	// IndexPartial narrows the candidates but the target still needs
	// filtering and ordering in memory.
	IndexPartial
	// IndexFull covers every filter and ordering of the target.
	IndexFull
)

func (t IndexType) String() string {
	switch t {
	case IndexPartial:
		return "partial"
	case IndexFull:
		return "full"
	}
	return "none"
}

var indexSequenceKey = []byte("index-sequence-number")

const (
	entryPrefix   = 'e'
	reversePrefix = 'r'
)

// IndexManager maintains the collection-parent index and the client-side
// field indexes.
type IndexManager struct {
	p *Persistence

	mu      sync.Mutex
	parents map[string]struct{}
}

func newIndexManager(p *Persistence) *IndexManager {
	return &IndexManager{p: p, parents: make(map[string]struct{})}
}

// ==================== Collection parents ====================

// AddToCollectionParentIndex records that the collection at path exists
// under its parent document.
func (m *IndexManager) AddToCollectionParentIndex(tx *Transaction, path models.ResourcePath) error {
	if len(path)%2 != 1 {
		return nil
	}
	key := join([]byte(path.LastSegment()), []byte(path.Parent().String()))
	m.mu.Lock()
	_, known := m.parents[string(key)]
	m.mu.Unlock()
	if known {
		return nil
	}
	if err := tx.Put(TableCollectionParents, key, nil); err != nil {
		return err
	}
	tx.OnCommitted(func() {
		m.mu.Lock()
		m.parents[string(key)] = struct{}{}
		m.mu.Unlock()
	})
	return nil
}

// GetCollectionParents returns the parent paths of every collection with
// the given id, in key order.
func (m *IndexManager) GetCollectionParents(tx *Transaction, collectionID string) ([]models.ResourcePath, error) {
	var out []models.ResourcePath
	prefix := join([]byte(collectionID), nil)
	err := tx.Scan(TableCollectionParents, prefix, func(k, _ []byte) error {
		out = append(out, models.ParseResourcePath(string(k[len(prefix):])))
		return nil
	})
	return out, err
}

// ==================== Field indexes ====================

func decodeFieldIndex(data []byte) (*models.FieldIndex, error) {
	var fi models.FieldIndex
	if err := unmarshal(data, &fi); err != nil {
		return nil, err
	}
	return &fi, nil
}

func (m *IndexManager) allFieldIndexes(tx *Transaction) ([]*models.FieldIndex, error) {
	var out []*models.FieldIndex
	err := tx.Scan(TableIndexConfiguration, nil, func(k, v []byte) error {
		fi, err := decodeFieldIndex(v)
		if err != nil {
			return err
		}
		state, err := tx.Get(TableIndexState, k)
		if err != nil {
			return err
		}
		if state != nil {
			if err := unmarshal(state, &fi.State); err != nil {
				return err
			}
		}
		out = append(out, fi)
		return nil
	})
	return out, err
}

// GetFieldIndexes returns the indexes of a collection group, or all indexes
// when group is empty.
func (m *IndexManager) GetFieldIndexes(tx *Transaction, group string) ([]*models.FieldIndex, error) {
	all, err := m.allFieldIndexes(tx)
	if err != nil || group == "" {
		return all, err
	}
	out := all[:0]
	for _, fi := range all {
		if fi.CollectionGroup == group {
			out = append(out, fi)
		}
	}
	return out, nil
}

// AddFieldIndex stores a new index and returns it with its assigned id. An
// existing index with the same segments is returned unchanged.
func (m *IndexManager) AddFieldIndex(tx *Transaction, index models.FieldIndex) (*models.FieldIndex, error) {
	existing, err := m.allFieldIndexes(tx)
	if err != nil {
		return nil, err
	}
	highest := 0
	for _, fi := range existing {
		if fi.SameSegments(&index) {
			return fi, nil
		}
		if fi.IndexID > highest {
			highest = fi.IndexID
		}
	}
	index.IndexID = highest + 1
	index.State = models.IndexState{Offset: models.IndexOffsetNone}

	data, err := marshal(models.FieldIndex{IndexID: index.IndexID, CollectionGroup: index.CollectionGroup, Segments: index.Segments})
	if err != nil {
		return nil, err
	}
	if err := tx.Put(TableIndexConfiguration, encodeInt(int64(index.IndexID)), data); err != nil {
		return nil, err
	}
	if err := m.saveState(tx, index.IndexID, index.State); err != nil {
		return nil, err
	}
	return &index, nil
}

func (m *IndexManager) saveState(tx *Transaction, indexID int, state models.IndexState) error {
	data, err := marshal(state)
	if err != nil {
		return err
	}
	return tx.Put(TableIndexState, encodeInt(int64(indexID)), data)
}

// DeleteFieldIndex removes an index with its state and entries.
func (m *IndexManager) DeleteFieldIndex(tx *Transaction, indexID int) error {
	id := encodeInt(int64(indexID))
	if err := tx.Delete(TableIndexConfiguration, id); err != nil {
		return err
	}
	if err := tx.Delete(TableIndexState, id); err != nil {
		return err
	}
	for _, prefix := range [][]byte{append([]byte{entryPrefix}, id...), append([]byte{reversePrefix}, id...)} {
		var keys [][]byte
		if err := tx.Scan(TableIndexEntries, prefix, func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.Delete(TableIndexEntries, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// ==================== Target matching ====================

type targetShape struct {
	equalities   map[string]struct{}
	inequalities map[string]struct{}
	arrayField   string
	orderBy      []models.OrderBy
	filters      []models.Filter
}

// shapeOf returns nil for targets the indexes cannot serve: disjunctions
// and document lookups.
func shapeOf(target *models.Target) *targetShape {
	if target.IsDocumentTarget() {
		return nil
	}
	s := &targetShape{equalities: map[string]struct{}{}, inequalities: map[string]struct{}{}}
	for _, f := range target.Filters {
		if hasDisjunction(f) {
			return nil
		}
		for _, ff := range f.Flatten() {
			if ff.Field.IsKeyField() {
				continue
			}
			field := ff.Field.CanonicalString()
			switch {
			case ff.Op == models.OpArrayContains || ff.Op == models.OpArrayContainsAny:
				s.arrayField = field
			case ff.Op.IsInequality():
				s.inequalities[field] = struct{}{}
			default:
				s.equalities[field] = struct{}{}
			}
			s.filters = append(s.filters, ff)
		}
	}
	for _, o := range target.OrderBy {
		if !o.Field.IsKeyField() {
			s.orderBy = append(s.orderBy, o)
		}
	}
	return s
}

func hasDisjunction(f models.Filter) bool {
	if f.Op == models.OpOr && len(f.Filters) > 1 {
		return true
	}
	for _, sub := range f.Filters {
		if hasDisjunction(sub) {
			return true
		}
	}
	return false
}

// serves reports whether every segment of fi is backed by a filter or an
// ordering of the target, and whether together they cover the target.
func (s *targetShape) serves(fi *models.FieldIndex) (ok, full bool) {
	covered := make(map[string]struct{})
	for _, seg := range fi.Segments {
		field := seg.Field.CanonicalString()
		if seg.Kind == models.SegmentContains {
			if field != s.arrayField {
				return false, false
			}
			covered[field] = struct{}{}
			continue
		}
		_, eq := s.equalities[field]
		_, ineq := s.inequalities[field]
		ordered := false
		for _, o := range s.orderBy {
			if o.Field.CanonicalString() == field {
				ordered = true
			}
		}
		if !eq && !ineq && !ordered {
			return false, false
		}
		covered[field] = struct{}{}
	}
	need := make(map[string]struct{})
	for f := range s.equalities {
		need[f] = struct{}{}
	}
	for f := range s.inequalities {
		need[f] = struct{}{}
	}
	if s.arrayField != "" {
		need[s.arrayField] = struct{}{}
	}
	for _, o := range s.orderBy {
		need[o.Field.CanonicalString()] = struct{}{}
	}
	for f := range need {
		if _, ok := covered[f]; !ok {
			return true, false
		}
	}
	return true, true
}

// bestIndex returns the index that covers the most of target.
func (m *IndexManager) bestIndex(tx *Transaction, target *models.Target) (*models.FieldIndex, IndexType, error) {
	shape := shapeOf(target)
	if shape == nil {
		return nil, IndexNone, nil
	}
	indexes, err := m.GetFieldIndexes(tx, target.CollectionGroupID())
	if err != nil {
		return nil, IndexNone, err
	}
	var (
		best     *models.FieldIndex
		bestType = IndexNone
	)
	for _, fi := range indexes {
		ok, full := shape.serves(fi)
		if !ok {
			continue
		}
		t := IndexPartial
		if full {
			t = IndexFull
		}
		if best == nil || t > bestType || (t == bestType && len(fi.Segments) > len(best.Segments)) {
			best, bestType = fi, t
		}
	}
	return best, bestType, nil
}

// GetIndexType reports how well the stored indexes serve target.
func (m *IndexManager) GetIndexType(tx *Transaction, target *models.Target) (IndexType, error) {
	_, t, err := m.bestIndex(tx, target)
	return t, err
}

// CreateTargetIndexes adds an index that fully serves target unless one
// already exists.
func (m *IndexManager) CreateTargetIndexes(tx *Transaction, target *models.Target) error {
	shape := shapeOf(target)
	if shape == nil {
		return nil
	}
	t, err := m.GetIndexType(tx, target)
	if err != nil || t == IndexFull {
		return err
	}
	fi := models.FieldIndex{CollectionGroup: target.CollectionGroupID()}
	if shape.arrayField != "" {
		fi.Segments = append(fi.Segments, models.IndexSegment{Field: models.MustFieldPath(shape.arrayField), Kind: models.SegmentContains})
	}
	seen := make(map[string]struct{})
	add := func(field string, kind models.SegmentKind) {
		if _, ok := seen[field]; ok {
			return
		}
		seen[field] = struct{}{}
		fi.Segments = append(fi.Segments, models.IndexSegment{Field: models.MustFieldPath(field), Kind: kind})
	}
	for _, f := range sortedFields(shape.equalities) {
		add(f, models.SegmentAscending)
	}
	for _, o := range shape.orderBy {
		kind := models.SegmentAscending
		if o.Direction == models.Descending {
			kind = models.SegmentDescending
		}
		add(o.Field.CanonicalString(), kind)
	}
	for _, f := range sortedFields(shape.inequalities) {
		add(f, models.SegmentAscending)
	}
	if len(fi.Segments) == 0 {
		return nil
	}
	_, err = m.AddFieldIndex(tx, fi)
	return err
}

func sortedFields(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ==================== Entries ====================

func entryKeyPrefix(indexID int) []byte {
	return append([]byte{entryPrefix}, encodeInt(int64(indexID))...)
}

func reverseKey(indexID int, key models.DocumentKey) []byte {
	return append(append([]byte{reversePrefix}, encodeInt(int64(indexID))...), docKeyBytes(key)...)
}

func segmentValue(doc *models.Document, field models.FieldPath) (models.Value, bool) {
	if field.IsKeyField() {
		return models.ReferenceValue(doc.Key), true
	}
	return doc.Field(field)
}

// computeEntries returns the entry keys doc contributes to fi.
func computeEntries(fi *models.FieldIndex, doc *models.Document) [][]byte {
	if !doc.IsFoundDocument() {
		return nil
	}
	base := entryKeyPrefix(fi.IndexID)
	for _, seg := range fi.DirectionalSegments() {
		v, ok := segmentValue(doc, seg.Field)
		if !ok {
			return nil
		}
		base = append(base, encodeIndexValue(v, seg.Kind)...)
	}
	arraySeg, hasArray := fi.ArraySegment()
	if !hasArray {
		return [][]byte{append(base, docKeyBytes(doc.Key)...)}
	}
	v, ok := segmentValue(doc, arraySeg.Field)
	if !ok || v.Kind() != models.KindArray {
		return nil
	}
	seen := make(map[string]struct{})
	var out [][]byte
	for _, e := range v.ArrayVal() {
		enc := encodeIndexValue(e, models.SegmentAscending)
		if _, dup := seen[string(enc)]; dup {
			continue
		}
		seen[string(enc)] = struct{}{}
		k := append(append(entryKeyPrefix(fi.IndexID), enc...), base[len(entryKeyPrefix(fi.IndexID)):]...)
		out = append(out, append(k, docKeyBytes(doc.Key)...))
	}
	return out
}

// UpdateIndexEntries rewrites the entries of docs in every index of their
// collection group.
func (m *IndexManager) UpdateIndexEntries(tx *Transaction, docs models.DocumentMap) error {
	byGroup := make(map[string][]*models.FieldIndex)
	for key, doc := range docs {
		group := key.CollectionGroup()
		indexes, ok := byGroup[group]
		if !ok {
			var err error
			if indexes, err = m.GetFieldIndexes(tx, group); err != nil {
				return err
			}
			byGroup[group] = indexes
		}
		for _, fi := range indexes {
			if err := m.updateEntries(tx, fi, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *IndexManager) updateEntries(tx *Transaction, fi *models.FieldIndex, doc *models.Document) error {
	rk := reverseKey(fi.IndexID, doc.Key)
	if data, err := tx.Get(TableIndexEntries, rk); err != nil {
		return err
	} else if data != nil {
		var old [][]byte
		if err := unmarshal(data, &old); err != nil {
			return err
		}
		for _, k := range old {
			if err := tx.Delete(TableIndexEntries, k); err != nil {
				return err
			}
		}
	}
	entries := computeEntries(fi, doc)
	if len(entries) == 0 {
		return tx.Delete(TableIndexEntries, rk)
	}
	for _, k := range entries {
		if err := tx.Put(TableIndexEntries, k, docKeyBytes(doc.Key)); err != nil {
			return err
		}
	}
	data, err := marshal(entries)
	if err != nil {
		return err
	}
	return tx.Put(TableIndexEntries, rk, data)
}

type keyRange struct{ lo, hi []byte }

// narrow returns the ranges of the first segment that can hold matches.
func narrow(fi *models.FieldIndex, filters []models.Filter) []keyRange {
	prefix := entryKeyPrefix(fi.IndexID)
	all := []keyRange{{lo: prefix, hi: prefixEnd(prefix)}}
	exact := func(v models.Value) keyRange {
		k := append(append([]byte(nil), prefix...), encodeIndexValue(v, models.SegmentAscending)...)
		return keyRange{lo: k, hi: prefixEnd(k)}
	}

	if seg, ok := fi.ArraySegment(); ok {
		for _, f := range filters {
			if !f.Field.Equal(seg.Field) {
				continue
			}
			switch f.Op {
			case models.OpArrayContains:
				return []keyRange{exact(f.Value)}
			case models.OpArrayContainsAny:
				var out []keyRange
				for _, v := range f.Value.ArrayVal() {
					out = append(out, exact(v))
				}
				return out
			}
		}
		return all
	}

	dir := fi.DirectionalSegments()
	if len(dir) == 0 || dir[0].Kind != models.SegmentAscending {
		return all
	}
	r := all[0]
	for _, f := range filters {
		if !f.Field.Equal(dir[0].Field) {
			continue
		}
		switch f.Op {
		case models.OpEqual:
			return []keyRange{exact(f.Value)}
		case models.OpIn:
			var out []keyRange
			for _, v := range f.Value.ArrayVal() {
				out = append(out, exact(v))
			}
			return out
		}
		enc := append(append([]byte(nil), prefix...), encodeIndexValue(f.Value, models.SegmentAscending)...)
		typeStart := append(append([]byte(nil), prefix...), typeCode(f.Value))
		typeEnd := append(append([]byte(nil), prefix...), typeCode(f.Value)+1)
		lo, hi := r.lo, r.hi
		switch f.Op {
		case models.OpGreaterThan:
			lo, hi = prefixEnd(enc), typeEnd
		case models.OpGreaterThanOrEqual:
			lo, hi = enc, typeEnd
		case models.OpLessThan:
			lo, hi = typeStart, enc
		case models.OpLessThanOrEqual:
			lo, hi = typeStart, prefixEnd(enc)
		default:
			continue
		}
		if bytes.Compare(lo, r.lo) > 0 {
			r.lo = lo
		}
		if bytes.Compare(hi, r.hi) < 0 {
			r.hi = hi
		}
	}
	return []keyRange{r}
}

// GetDocumentsMatchingTarget returns candidate keys for target from the
// best index, or nil when no index serves it. Candidates may include
// documents that do not match; callers filter them again.
func (m *IndexManager) GetDocumentsMatchingTarget(tx *Transaction, target *models.Target) (models.DocumentKeySet, error) {
	fi, t, err := m.bestIndex(tx, target)
	if err != nil || t == IndexNone {
		return nil, err
	}
	shape := shapeOf(target)
	keys := models.NewDocumentKeySet()
	for _, r := range narrow(fi, shape.filters) {
		if bytes.Compare(r.lo, r.hi) >= 0 {
			continue
		}
		err := tx.ScanFrom(TableIndexEntries, r.lo, func(k, v []byte) error {
			if bytes.Compare(k, r.hi) >= 0 {
				return ErrStopScan
			}
			key, err := models.NewDocumentKey(string(v))
			if err != nil {
				return err
			}
			if target.CollectionGroup != "" || key.CollectionPath().Equal(target.Path) {
				keys.Add(key)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// ==================== Backfill state ====================

// GetMinOffset returns the smallest backfill offset of the indexes in
// group, or IndexOffsetNone when the group has none.
func (m *IndexManager) GetMinOffset(tx *Transaction, group string) (models.IndexOffset, error) {
	indexes, err := m.GetFieldIndexes(tx, group)
	if err != nil || len(indexes) == 0 {
		return models.IndexOffsetNone, err
	}
	lowest := indexes[0].State.Offset
	for _, fi := range indexes[1:] {
		if fi.State.Offset.Compare(lowest) < 0 {
			lowest = fi.State.Offset
		}
	}
	return lowest, nil
}

// GetMinOffsetForTarget returns the backfill offset of the index serving
// target.
func (m *IndexManager) GetMinOffsetForTarget(tx *Transaction, target *models.Target) (models.IndexOffset, error) {
	fi, t, err := m.bestIndex(tx, target)
	if err != nil || t == IndexNone {
		return models.IndexOffsetNone, err
	}
	return fi.State.Offset, nil
}

// UpdateCollectionGroup records that group was backfilled up to offset.
func (m *IndexManager) UpdateCollectionGroup(tx *Transaction, group string, offset models.IndexOffset) error {
	var seq int64
	if data, err := tx.Get(TableIndexState, indexSequenceKey); err != nil {
		return err
	} else if data != nil {
		seq = decodeInt(data)
	}
	seq++
	if err := tx.Put(TableIndexState, indexSequenceKey, encodeInt(seq)); err != nil {
		return err
	}
	indexes, err := m.GetFieldIndexes(tx, group)
	if err != nil {
		return err
	}
	for _, fi := range indexes {
		if err := m.saveState(tx, fi.IndexID, models.IndexState{SequenceNumber: seq, Offset: offset}); err != nil {
			return err
		}
	}
	return nil
}

// GetNextCollectionGroupToUpdate returns the least recently backfilled
// collection group, or "" when there are no indexes.
func (m *IndexManager) GetNextCollectionGroupToUpdate(tx *Transaction) (string, error) {
	indexes, err := m.allFieldIndexes(tx)
	if err != nil {
		return "", err
	}
	var next *models.FieldIndex
	for _, fi := range indexes {
		if next == nil || fi.State.SequenceNumber < next.State.SequenceNumber ||
			(fi.State.SequenceNumber == next.State.SequenceNumber && strings.Compare(fi.CollectionGroup, next.CollectionGroup) < 0) {
			next = fi
		}
	}
	if next == nil {
		return "", nil
	}
	return next.CollectionGroup, nil
}
