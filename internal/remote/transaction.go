package remote

import (
	"context"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
)

// Transaction reads documents from the backend and commits writes that
// are valid only if those documents did not change in the meantime.
// Reads must come before writes.
type Transaction struct {
	datastore *Datastore

	readVersions map[models.DocumentKey]models.SnapshotVersion
	mutations    []models.Mutation
	written      models.DocumentKeySet
	committed    bool
	// First error from a write, reported by Commit.
	lastErr error
}

func NewTransaction(ds *Datastore) *Transaction {
	return &Transaction{
		datastore:    ds,
		readVersions: map[models.DocumentKey]models.SnapshotVersion{},
		written:      models.NewDocumentKeySet(),
	}
}

// Lookup reads keys and records their versions. Missing documents come
// back as no-documents.
func (t *Transaction) Lookup(ctx context.Context, keys []models.DocumentKey) ([]*models.Document, error) {
	if err := t.ensureCommitNotCalled(); err != nil {
		return nil, err
	}
	if len(t.mutations) > 0 {
		t.lastErr = status.New(status.InvalidArgument, "transactions require all reads to be executed before all writes")
		return nil, t.lastErr
	}
	docs, err := t.datastore.Lookup(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := t.recordVersion(doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (t *Transaction) recordVersion(doc *models.Document) error {
	var version models.SnapshotVersion
	switch {
	case doc.IsFoundDocument():
		version = doc.Version
	case doc.IsNoDocument():
		version = models.MinVersion
	default:
		return status.New(status.Internal, "unexpected document type in transaction: %s", doc.Type)
	}
	if existing, ok := t.readVersions[doc.Key]; ok {
		if existing != version {
			return status.New(status.Aborted, "document %s changed between two reads", doc.Key)
		}
		return nil
	}
	t.readVersions[doc.Key] = version
	return nil
}

// Set overwrites the document at key.
func (t *Transaction) Set(key models.DocumentKey, value models.ObjectValue) {
	t.write(models.NewSetMutation(key, value).WithPrecondition(t.precondition(key)))
}

// Update patches the fields in mask. The document must exist.
func (t *Transaction) Update(key models.DocumentKey, value models.ObjectValue, mask models.FieldMask) {
	p, err := t.preconditionForUpdate(key)
	if err != nil {
		t.lastErr = err
		return
	}
	t.write(models.NewPatchMutation(key, value, mask).WithPrecondition(p))
}

// Delete removes the document at key.
func (t *Transaction) Delete(key models.DocumentKey) {
	t.write(models.NewDeleteMutation(key).WithPrecondition(t.precondition(key)))
}

func (t *Transaction) write(m models.Mutation) {
	if err := t.ensureCommitNotCalled(); err != nil {
		t.lastErr = err
		return
	}
	t.mutations = append(t.mutations, m)
	t.written.Add(m.Key)
}

// precondition asserts the version read earlier, if any.
func (t *Transaction) precondition(key models.DocumentKey) models.Precondition {
	version, ok := t.readVersions[key]
	if t.written.Has(key) || !ok {
		return models.PreconditionNone()
	}
	if version == models.MinVersion {
		return models.PreconditionExists(false)
	}
	return models.PreconditionUpdateTime(version)
}

func (t *Transaction) preconditionForUpdate(key models.DocumentKey) (models.Precondition, error) {
	version, ok := t.readVersions[key]
	if t.written.Has(key) || !ok {
		return models.PreconditionExists(true), nil
	}
	if version == models.MinVersion {
		return models.Precondition{}, status.New(status.InvalidArgument, "cannot update document %s that does not exist", key)
	}
	return models.PreconditionUpdateTime(version), nil
}

// Commit sends the writes, plus a verify for every document that was read
// but not written, so reads alone also guard against concurrent changes.
func (t *Transaction) Commit(ctx context.Context) (*CommitResponse, error) {
	if err := t.ensureCommitNotCalled(); err != nil {
		return nil, err
	}
	if t.lastErr != nil {
		return nil, t.lastErr
	}
	mutations := append([]models.Mutation(nil), t.mutations...)
	unwritten := make([]models.DocumentKey, 0, len(t.readVersions))
	for key := range t.readVersions {
		if !t.written.Has(key) {
			unwritten = append(unwritten, key)
		}
	}
	models.SortKeys(unwritten)
	for _, key := range unwritten {
		mutations = append(mutations, models.NewVerifyMutation(key, t.precondition(key)))
	}
	t.committed = true
	return t.datastore.Commit(ctx, mutations)
}

func (t *Transaction) ensureCommitNotCalled() error {
	if t.committed {
		return status.New(status.FailedPrecondition, "transaction has already been committed")
	}
	return nil
}
