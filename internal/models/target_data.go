package models

// ListenSequenceNumber orders cache accesses for garbage collection.
type ListenSequenceNumber = int64

// SequenceNumberInvalid marks an unset sequence number.
const SequenceNumberInvalid ListenSequenceNumber = -1

// TargetPurpose records why a target is being listened to.
type TargetPurpose int

const (
	// PurposeListen is a user query.
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-listens after a count mismatch.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom re-listens after the bloom filter
	// could not reconcile a mismatch.
	PurposeExistenceFilterMismatchBloom
	// PurposeLimboResolution resolves a single limbo document.
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-document"
	}
	return "listen"
}

// TargetData is the durable resumption state of one target.
type TargetData struct {
	Target                       *Target              `json:"target"`
	TargetID                     int                  `json:"targetId"`
	Purpose                      TargetPurpose        `json:"purpose"`
	SequenceNumber               ListenSequenceNumber `json:"sequenceNumber"`
	SnapshotVersion              SnapshotVersion      `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion SnapshotVersion      `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte               `json:"resumeToken,omitempty"`
	// ExpectedCount is the number of documents the client believes match
	// when resuming; nil when unknown.
	ExpectedCount *int `json:"expectedCount,omitempty"`
}

// NewTargetData creates state for a freshly allocated target.
func NewTargetData(target *Target, targetID int, purpose TargetPurpose, seq ListenSequenceNumber) *TargetData {
	return &TargetData{Target: target, TargetID: targetID, Purpose: purpose, SequenceNumber: seq}
}

func (t *TargetData) clone() *TargetData {
	c := *t
	return &c
}

// WithSequenceNumber returns a copy with seq.
func (t *TargetData) WithSequenceNumber(seq ListenSequenceNumber) *TargetData {
	c := t.clone()
	c.SequenceNumber = seq
	return c
}

// WithResumeToken returns a copy with a new resume token and snapshot
// version. The expected count is cleared.
func (t *TargetData) WithResumeToken(token []byte, version SnapshotVersion) *TargetData {
	c := t.clone()
	c.ResumeToken = token
	c.SnapshotVersion = version
	c.ExpectedCount = nil
	return c
}

// WithExpectedCount returns a copy with count.
func (t *TargetData) WithExpectedCount(count int) *TargetData {
	c := t.clone()
	c.ExpectedCount = &count
	return c
}

// WithLastLimboFreeSnapshotVersion returns a copy with version.
func (t *TargetData) WithLastLimboFreeSnapshotVersion(version SnapshotVersion) *TargetData {
	c := t.clone()
	c.LastLimboFreeSnapshotVersion = version
	return c
}

// WithPurpose returns a copy with p.
func (t *TargetData) WithPurpose(p TargetPurpose) *TargetData {
	c := t.clone()
	c.Purpose = p
	return c
}
