// Package emulator implements a local document backend that speaks the
// docsync wire protocol. Documents live in a bbolt file, one bucket per
// database.
package emulator

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
)

var (
	bucketMeta     = []byte("meta")
	keyLastVersion = []byte("last_version")
)

// Store holds the documents of every database served by the emulator.
type Store struct {
	db *bolt.DB

	// mu orders commits so that commit times are strictly increasing.
	mu   sync.Mutex
	last int64 // micros of the last commit
	now  func() time.Time
}

// OpenStore opens or creates the bbolt file at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create emulator directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open emulator database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketMeta, err)
		}
		if v := b.Get(keyLastVersion); len(v) == 8 {
			s.last = int64(binary.BigEndian.Uint64(v))
			return nil
		}
		// Read times are never MinVersion, even before the first commit.
		s.last = s.now().UnixMicro()
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(s.last))
		return b.Put(keyLastVersion, v)
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the bbolt database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ReadTime returns the version of the latest commit.
func (s *Store) ReadTime() models.SnapshotVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.TimestampFromMicros(s.last)
}

// Snapshot is a consistent read-only view of one database.
type Snapshot struct {
	b        *bolt.Bucket
	readTime models.SnapshotVersion
}

// View runs fn against a consistent snapshot of database. The snapshot
// must not be used after fn returns.
func (s *Store) View(database string, fn func(*Snapshot) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		snap := &Snapshot{b: tx.Bucket([]byte(database))}
		if v := tx.Bucket(bucketMeta).Get(keyLastVersion); len(v) == 8 {
			snap.readTime = models.TimestampFromMicros(int64(binary.BigEndian.Uint64(v)))
		}
		return fn(snap)
	})
}

// ReadTime returns the version of the last commit visible in the snapshot.
func (sn *Snapshot) ReadTime() models.SnapshotVersion { return sn.readTime }

// Get returns the document stored under key, or nil when there is none.
func (sn *Snapshot) Get(key models.DocumentKey) (*models.Document, error) {
	if sn.b == nil {
		return nil, nil
	}
	doc, err := decodeDocument(sn.b.Get([]byte(key.String())))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

// RunQuery returns the documents matching target in query order, with the
// limit applied.
func (sn *Snapshot) RunQuery(target *models.Target) ([]*models.Document, error) {
	if target == nil {
		return nil, status.New(status.InvalidArgument, "missing target")
	}
	if sn.b == nil {
		return nil, nil
	}
	q := target.AsQuery()

	if q.IsDocumentQuery() {
		key, err := models.DocumentKeyFromPath(q.Path)
		if err != nil {
			return nil, status.Wrap(status.InvalidArgument, err, "invalid document target")
		}
		doc, err := sn.Get(key)
		if err != nil || doc == nil {
			return nil, err
		}
		return []*models.Document{doc}, nil
	}

	var prefix []byte
	if len(q.Path) > 0 {
		prefix = []byte(q.Path.String() + "/")
	}
	var docs []*models.Document
	c := sn.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		doc, err := decodeDocument(v)
		if err != nil {
			return nil, fmt.Errorf("run query %s: %w", target, err)
		}
		if q.Matches(doc) {
			docs = append(docs, doc)
		}
	}

	slices.SortFunc(docs, q.Comparator())
	if q.HasLimit() && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// CommitResult describes an applied commit.
type CommitResult struct {
	CommitTime models.SnapshotVersion
	Results    []models.MutationResult
}

// Commit applies writes atomically. A failed precondition rejects the
// whole commit.
func (s *Store) Commit(database string, writes []models.Mutation) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	micros := s.now().UnixMicro()
	if micros <= s.last {
		micros = s.last + 1
	}
	commitTime := models.TimestampFromMicros(micros)
	results := make([]models.MutationResult, len(writes))

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(database))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", database, err)
		}

		for i, m := range writes {
			if m.Key.IsZero() {
				return status.New(status.InvalidArgument, "write %d has no document key", i)
			}
			stored, err := decodeDocument(b.Get([]byte(m.Key.String())))
			if err != nil {
				return err
			}
			doc := stored
			if doc == nil {
				doc = models.NewNoDocument(m.Key, models.MinVersion)
			}

			if !m.Precondition.IsValidFor(doc) {
				if m.Type == models.MutationPatch && !doc.IsFoundDocument() {
					return status.New(status.NotFound, "no document to update: %s", m.Key)
				}
				return status.New(status.FailedPrecondition, "precondition failed for %s", m.Key)
			}

			result := models.MutationResult{Version: commitTime, TransformResults: transformResults(m, doc, commitTime)}
			results[i] = result
			if m.Type == models.MutationVerify {
				continue
			}

			created := doc.CreateTime
			m.ApplyToRemoteDocument(doc, result)
			if !doc.IsFoundDocument() {
				if err := b.Delete([]byte(m.Key.String())); err != nil {
					return fmt.Errorf("delete %s: %w", m.Key, err)
				}
				continue
			}
			if created.IsZero() {
				created = commitTime
			}
			data, err := json.Marshal(remote.WireDocument{Name: m.Key, Fields: doc.Data, CreateTime: created, UpdateTime: commitTime})
			if err != nil {
				return fmt.Errorf("marshal %s: %w", m.Key, err)
			}
			if err := b.Put([]byte(m.Key.String()), data); err != nil {
				return fmt.Errorf("store %s: %w", m.Key, err)
			}
		}

		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(micros))
		return tx.Bucket(bucketMeta).Put(keyLastVersion, v)
	})
	if err != nil {
		return nil, err
	}

	s.last = micros
	return &CommitResult{CommitTime: commitTime, Results: results}, nil
}

// transformResults computes the values the server reports for m's
// transforms. Array transforms report null and are recomputed by the
// client.
func transformResults(m models.Mutation, doc *models.Document, commitTime models.SnapshotVersion) []models.Value {
	if len(m.Transforms) == 0 {
		return nil
	}
	out := make([]models.Value, len(m.Transforms))
	for i, t := range m.Transforms {
		switch t.Kind {
		case models.TransformServerTimestamp:
			out[i] = models.TimestampValue(commitTime)
		case models.TransformIncrement:
			var prev *models.Value
			if v, ok := doc.Data.Get(t.Field); ok {
				prev = &v
			}
			out[i] = t.ApplyToLocalView(prev, commitTime)
		default:
			out[i] = models.NullValue()
		}
	}
	return out
}

func decodeDocument(data []byte) (*models.Document, error) {
	if data == nil {
		return nil, nil
	}
	var wd remote.WireDocument
	if err := json.Unmarshal(data, &wd); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return wd.ToDocument(), nil
}
