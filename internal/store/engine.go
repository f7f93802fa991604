// Package store provides the durable caches of the sync engine on top of an
// embedded transactional key-value engine: the mutation queue, document
// overlays, remote documents, targets, indexes and bundles.
//
// Two engines are available. bbolt is the default; sqlite is kept for
// deployments where several processes share one cache directory.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Table names a logical table in the key-value engine.
type Table string

// Tables used by the client store.
const (
	TableMutationQueues          Table = "mutation_queues"
	TableMutations               Table = "mutations"
	TableDocumentMutations       Table = "document_mutations"
	TableDocumentOverlays        Table = "document_overlays"
	TableRemoteDocuments         Table = "remote_documents"
	TableRemoteDocumentReadTimes Table = "remote_document_read_times"
	TableRemoteDocumentGlobals   Table = "remote_document_globals"
	TableTargets                 Table = "targets"
	TableTargetCanonicalIDs      Table = "target_canonical_ids"
	TableTargetDocuments         Table = "target_documents"
	TableDocumentTargets         Table = "document_targets"
	TableTargetGlobals           Table = "target_globals"
	TableCollectionParents       Table = "collection_parents"
	TableIndexConfiguration      Table = "index_configuration"
	TableIndexState              Table = "index_state"
	TableIndexEntries            Table = "index_entries"
	TableBundles                 Table = "bundles"
	TableNamedQueries            Table = "named_queries"
	TableOwner                   Table = "owner"
	TableClientMetadata          Table = "client_metadata"
)

// AllTables lists every table an engine must create.
var AllTables = []Table{
	TableMutationQueues,
	TableMutations,
	TableDocumentMutations,
	TableDocumentOverlays,
	TableRemoteDocuments,
	TableRemoteDocumentReadTimes,
	TableRemoteDocumentGlobals,
	TableTargets,
	TableTargetCanonicalIDs,
	TableTargetDocuments,
	TableDocumentTargets,
	TableTargetGlobals,
	TableCollectionParents,
	TableIndexConfiguration,
	TableIndexState,
	TableIndexEntries,
	TableBundles,
	TableNamedQueries,
	TableOwner,
	TableClientMetadata,
}

// ErrStopScan stops a scan early without failing the transaction.
var ErrStopScan = errors.New("stop scan")

// Tx is a transaction over named tables. Slices passed to scan callbacks
// are only valid during the callback. Tables must not be modified while
// they are being scanned.
type Tx interface {
	Get(table Table, key []byte) ([]byte, error)
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	// Scan visits keys starting with prefix in ascending order.
	Scan(table Table, prefix []byte, fn func(k, v []byte) error) error
	// ScanFrom visits keys >= start in ascending order.
	ScanFrom(table Table, start []byte, fn func(k, v []byte) error) error
	// ScanReverse visits keys starting with prefix in descending order.
	ScanReverse(table Table, prefix []byte, fn func(k, v []byte) error) error
	Writable() bool
}

// Engine is a transactional key-value store with named tables.
type Engine interface {
	// Update runs fn in a read-write transaction that commits if fn
	// returns nil.
	Update(action string, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(action string, fn func(Tx) error) error
	Close() error
}

// EngineKind selects a storage engine.
type EngineKind string

const (
	EngineBolt   EngineKind = "bbolt"
	EngineSQLite EngineKind = "sqlite"
)

// Open opens the engine of the given kind inside dir.
func Open(kind EngineKind, dir string) (Engine, error) {
	switch kind {
	case EngineBolt, "":
		return OpenBolt(filepath.Join(dir, "docsync.db"))
	case EngineSQLite:
		return OpenSQLite(filepath.Join(dir, "docsync.sqlite"))
	}
	return nil, fmt.Errorf("unknown persistence engine %q", kind)
}

// ErrPrimaryLeaseLost is returned by primary-only transactions when another
// client holds the primary lease. Callers log it and carry on.
var ErrPrimaryLeaseLost = errors.New("primary lease lost: another client is primary")

// RetryableError marks transient storage contention.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable lets the async queue recognize the error.
func (e *RetryableError) Retryable() bool { return true }

// IsRetryable reports whether err is transient storage contention.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPrimaryLeaseLost reports whether err signals a lost primary lease.
func IsPrimaryLeaseLost(err error) bool { return errors.Is(err, ErrPrimaryLeaseLost) }
