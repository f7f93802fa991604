package models

// TargetChange summarizes how one target changed during a watch turn.
type TargetChange struct {
	ResumeToken []byte
	Current     bool
	Added       DocumentKeySet
	Modified    DocumentKeySet
	Removed     DocumentKeySet
}

// NewTargetChange returns an empty change with initialized key sets.
func NewTargetChange(resumeToken []byte, current bool) TargetChange {
	return TargetChange{
		ResumeToken: resumeToken,
		Current:     current,
		Added:       NewDocumentKeySet(),
		Modified:    NewDocumentKeySet(),
		Removed:     NewDocumentKeySet(),
	}
}

// HasChanges reports whether any documents were added, modified or removed.
func (c TargetChange) HasChanges() bool {
	return c.Added.Len()+c.Modified.Len()+c.Removed.Len() > 0
}

// RemoteEvent is the atomic result of one watch turn.
type RemoteEvent struct {
	SnapshotVersion SnapshotVersion
	TargetChanges   map[int]TargetChange
	// TargetMismatches maps targets whose existence filter did not match to
	// the purpose their re-listen should carry.
	TargetMismatches       map[int]TargetPurpose
	DocumentUpdates        DocumentMap
	ResolvedLimboDocuments DocumentKeySet
}

// NewRemoteEvent returns an event with empty collections.
func NewRemoteEvent(version SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          map[int]TargetChange{},
		TargetMismatches:       map[int]TargetPurpose{},
		DocumentUpdates:        DocumentMap{},
		ResolvedLimboDocuments: NewDocumentKeySet(),
	}
}

// SynthesizeEventForCurrentChange builds the event raised when a target
// goes online with no documents changed, e.g. when re-listening an empty
// result.
func SynthesizeEventForCurrentChange(targetID int, current bool, resumeToken []byte) *RemoteEvent {
	ev := NewRemoteEvent(MinVersion)
	ev.TargetChanges[targetID] = NewTargetChange(resumeToken, current)
	return ev
}
