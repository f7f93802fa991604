package models

import "fmt"

// BatchIDUnknown marks "no batch".
const BatchIDUnknown = -1

// MutationBatch is a group of mutations applied atomically. BaseMutations
// are applied before Mutations in the local view only and are never sent.
type MutationBatch struct {
	BatchID        int        `json:"batchId"`
	LocalWriteTime Timestamp  `json:"localWriteTime"`
	BaseMutations  []Mutation `json:"baseMutations,omitempty"`
	Mutations      []Mutation `json:"mutations"`
}

// ApplyToRemoteDocument applies the acknowledged batch to doc.
func (b *MutationBatch) ApplyToRemoteDocument(doc *Document, result *MutationBatchResult) error {
	if len(result.MutationResults) != len(b.Mutations) {
		return fmt.Errorf("batch %d: mismatch between mutations (%d) and results (%d)",
			b.BatchID, len(b.Mutations), len(result.MutationResults))
	}
	for i, m := range b.Mutations {
		if m.Key == doc.Key {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
	return nil
}

// ApplyToLocalView applies every mutation for doc's key and returns the
// accumulated field mask (nil for a full overwrite).
func (b *MutationBatch) ApplyToLocalView(doc *Document, mask *FieldMask) *FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// OverlayedDocument is a document with local mutations applied and the
// fields those mutations touched.
type OverlayedDocument struct {
	Document      *Document
	MutatedFields *FieldMask
}

// ApplyToLocalDocumentSet applies the batch to each document it touches and
// returns the overlay mutation for every resulting local view.
// keysWithoutRemoteVersion forces a full-document overlay for keys whose
// remote state is unknown.
func (b *MutationBatch) ApplyToLocalDocumentSet(docs map[DocumentKey]*OverlayedDocument, keysWithoutRemoteVersion DocumentKeySet) map[DocumentKey]Mutation {
	overlays := make(map[DocumentKey]Mutation)
	seen := NewDocumentKeySet()
	for _, m := range b.Mutations {
		od, ok := docs[m.Key]
		if !ok || seen.Has(m.Key) {
			continue
		}
		seen.Add(m.Key)
		mask := b.ApplyToLocalView(od.Document, od.MutatedFields)
		if keysWithoutRemoteVersion.Has(m.Key) {
			mask = nil
		}
		od.MutatedFields = mask
		if overlay := CalculateOverlayMutation(od.Document, mask); overlay != nil {
			overlays[m.Key] = *overlay
		}
		if !od.Document.IsValidDocument() {
			od.Document.ConvertToNoDocument(MinVersion)
		}
	}
	return overlays
}

// Keys returns the keys written by the batch.
func (b *MutationBatch) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys.Add(m.Key)
	}
	return keys
}

// Equal compares ids, write times and mutations.
func (b *MutationBatch) Equal(other *MutationBatch) bool {
	if b.BatchID != other.BatchID || b.LocalWriteTime != other.LocalWriteTime ||
		len(b.Mutations) != len(other.Mutations) || len(b.BaseMutations) != len(other.BaseMutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}
	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(other.BaseMutations[i]) {
			return false
		}
	}
	return true
}

// MutationBatchResult is the server acknowledgement of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	DocVersions     map[DocumentKey]SnapshotVersion
}

// NewMutationBatchResult pairs a batch with its results.
func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult, streamToken []byte) (*MutationBatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, fmt.Errorf("batch %d: expected %d mutation results, got %d",
			batch.BatchID, len(batch.Mutations), len(results))
	}
	versions := make(map[DocumentKey]SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the net effect of every queued batch on one document.
type Overlay struct {
	LargestBatchID int      `json:"largestBatchId"`
	Mutation       Mutation `json:"mutation"`
}

// Key returns the overlaid document key.
func (o Overlay) Key() DocumentKey { return o.Mutation.Key }
