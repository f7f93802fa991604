package models

// BundleMetadata describes a loaded bundle of pre-packaged query results.
type BundleMetadata struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	CreateTime    SnapshotVersion `json:"createTime"`
	TotalDocument int             `json:"totalDocuments"`
	TotalBytes    int64           `json:"totalBytes"`
}

// NamedQuery is a query stored in a bundle under a name.
type NamedQuery struct {
	Name     string          `json:"name"`
	Query    *Query          `json:"query"`
	ReadTime SnapshotVersion `json:"readTime"`
}

// BundledDocument is one document inside a bundle. When Exists is false the
// document was known to be missing at ReadTime.
type BundledDocument struct {
	Key      DocumentKey     `json:"key"`
	ReadTime SnapshotVersion `json:"readTime"`
	Exists   bool            `json:"exists"`
	Version  SnapshotVersion `json:"version"`
	Data     *ObjectValue    `json:"data,omitempty"`
	Queries  []string        `json:"queries,omitempty"`
}

// Bundle is the decoded form of a bundle file.
type Bundle struct {
	Metadata     BundleMetadata    `json:"metadata"`
	NamedQueries []NamedQuery      `json:"namedQueries,omitempty"`
	Documents    []BundledDocument `json:"documents"`
}

// ToDocument converts the bundled entry into a cache document.
func (b BundledDocument) ToDocument() *Document {
	if !b.Exists {
		return NewNoDocument(b.Key, b.ReadTime).SetReadTime(b.ReadTime)
	}
	data := NewObjectValue()
	if b.Data != nil {
		data = *b.Data
	}
	return NewFoundDocument(b.Key, b.Version, data).SetReadTime(b.ReadTime)
}
