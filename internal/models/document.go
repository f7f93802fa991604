package models

import "fmt"

// DocumentType describes what is known about a document.
type DocumentType int

const (
	// DocumentInvalid is a placeholder for a key with no known state.
	DocumentInvalid DocumentType = iota
	// DocumentFound exists with data at its version.
	DocumentFound
	// DocumentMissing is known not to exist at its version.
	DocumentMissing
	// DocumentUnknown was written by an acknowledged patch whose result the
	// client could not compute locally.
	DocumentUnknown
)

func (t DocumentType) String() string {
	switch t {
	case DocumentFound:
		return "found"
	case DocumentMissing:
		return "no-document"
	case DocumentUnknown:
		return "unknown"
	}
	return "invalid"
}

// DocumentState tracks whether local writes are reflected in a document.
type DocumentState int

const (
	Synced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

// Document is the mutable representation of a document used throughout the
// engine. Methods that change the document return the receiver so calls can
// be chained.
type Document struct {
	Key        DocumentKey     `json:"key"`
	Type       DocumentType    `json:"type"`
	Version    SnapshotVersion `json:"version"`
	ReadTime   SnapshotVersion `json:"readTime"`
	CreateTime SnapshotVersion `json:"createTime"`
	Data       ObjectValue     `json:"data"`
	State      DocumentState   `json:"state"`
}

// NewInvalidDocument creates a placeholder for key.
func NewInvalidDocument(key DocumentKey) *Document {
	return &Document{Key: key, Data: NewObjectValue()}
}

// NewFoundDocument creates an existing document.
func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *Document {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

// NewNoDocument creates a document known to be missing at version.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

// NewUnknownDocument creates a document whose contents are unknown at version.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

func (d *Document) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *Document {
	if d.CreateTime.IsZero() && (d.Type == DocumentMissing || d.Type == DocumentInvalid) {
		d.CreateTime = version
	}
	d.Version = version
	d.Type = DocumentFound
	d.Data = data
	d.State = Synced
	return d
}

func (d *Document) ConvertToNoDocument(version SnapshotVersion) *Document {
	d.Version = version
	d.Type = DocumentMissing
	d.Data = NewObjectValue()
	d.State = Synced
	return d
}

func (d *Document) ConvertToUnknownDocument(version SnapshotVersion) *Document {
	d.Version = version
	d.Type = DocumentUnknown
	d.Data = NewObjectValue()
	d.State = HasCommittedMutations
	return d
}

func (d *Document) SetHasCommittedMutations() *Document {
	d.State = HasCommittedMutations
	return d
}

func (d *Document) SetHasLocalMutations() *Document {
	d.State = HasLocalMutations
	d.Version = MinVersion
	return d
}

func (d *Document) SetReadTime(readTime SnapshotVersion) *Document {
	d.ReadTime = readTime
	return d
}

func (d *Document) IsValidDocument() bool { return d.Type != DocumentInvalid }
func (d *Document) IsFoundDocument() bool { return d.Type == DocumentFound }
func (d *Document) IsNoDocument() bool { return d.Type == DocumentMissing }
func (d *Document) IsUnknownDocument() bool { return d.Type == DocumentUnknown }

func (d *Document) HasLocalMutations() bool { return d.State == HasLocalMutations }
func (d *Document) HasCommittedMutations() bool { return d.State == HasCommittedMutations }
func (d *Document) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

// Field returns the value at path.
func (d *Document) Field(path FieldPath) (Value, bool) { return d.Data.Get(path) }

// Clone returns a deep enough copy that the clone can be converted or
// patched without affecting d.
func (d *Document) Clone() *Document {
	c := *d
	c.Data = d.Data.Clone()
	return &c
}

// Equal compares every attribute.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Key == other.Key &&
		d.Type == other.Type &&
		d.Version == other.Version &&
		d.ReadTime == other.ReadTime &&
		d.State == other.State &&
		d.Data.Equal(other.Data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %v, state=%d)", d.Key, d.Type, d.Version, d.Data, d.State)
}
