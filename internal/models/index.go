package models

// SegmentKind describes how a field is indexed.
type SegmentKind int

const (
	SegmentAscending SegmentKind = iota
	SegmentDescending
	SegmentContains
)

// IndexSegment is one field of a composite index.
type IndexSegment struct {
	Field FieldPath   `json:"field"`
	Kind  SegmentKind `json:"kind"`
}

// IndexOffset identifies how far a backfill has progressed: documents are
// processed in (readTime, key) order, and batches up to LargestBatchID.
type IndexOffset struct {
	ReadTime       SnapshotVersion `json:"readTime"`
	DocumentKey    DocumentKey     `json:"documentKey"`
	LargestBatchID int             `json:"largestBatchId"`
}

// IndexOffsetNone sorts before every document.
var IndexOffsetNone = IndexOffset{LargestBatchID: BatchIDUnknown}

// IndexOffsetFromDocument returns the offset that sorts at doc.
func IndexOffsetFromDocument(doc *Document) IndexOffset {
	return IndexOffset{ReadTime: doc.ReadTime, DocumentKey: doc.Key, LargestBatchID: BatchIDUnknown}
}

// Compare orders offsets by read time, then key, then batch id.
func (o IndexOffset) Compare(other IndexOffset) int {
	if c := o.ReadTime.Compare(other.ReadTime); c != 0 {
		return c
	}
	if c := o.DocumentKey.Compare(other.DocumentKey); c != 0 {
		return c
	}
	return cmpInt(o.LargestBatchID, other.LargestBatchID)
}

// IndexState tracks backfill progress for an index.
type IndexState struct {
	SequenceNumber ListenSequenceNumber `json:"sequenceNumber"`
	Offset         IndexOffset          `json:"offset"`
}

// FieldIndex is a client-side index over one collection group.
type FieldIndex struct {
	IndexID         int            `json:"indexId"`
	CollectionGroup string         `json:"collectionGroup"`
	Segments        []IndexSegment `json:"segments"`
	State           IndexState     `json:"state"`
}

// ArraySegment returns the contains segment, if any.
func (f *FieldIndex) ArraySegment() (IndexSegment, bool) {
	for _, s := range f.Segments {
		if s.Kind == SegmentContains {
			return s, true
		}
	}
	return IndexSegment{}, false
}

// DirectionalSegments returns the ascending and descending segments.
func (f *FieldIndex) DirectionalSegments() []IndexSegment {
	var out []IndexSegment
	for _, s := range f.Segments {
		if s.Kind != SegmentContains {
			out = append(out, s)
		}
	}
	return out
}

// SameSegments reports whether two indexes cover the same fields in the
// same way.
func (f *FieldIndex) SameSegments(other *FieldIndex) bool {
	if f.CollectionGroup != other.CollectionGroup || len(f.Segments) != len(other.Segments) {
		return false
	}
	for i := range f.Segments {
		if f.Segments[i].Kind != other.Segments[i].Kind || !f.Segments[i].Field.Equal(other.Segments[i].Field) {
			return false
		}
	}
	return true
}
