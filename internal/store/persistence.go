package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/docsync/internal/models"
)

// PrimaryLeaseDuration is how long a lease stays valid without a refresh.
const PrimaryLeaseDuration = 5 * time.Second

// TxMode selects the guarantees of a transaction.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
	// ReadWritePrimary fails with ErrPrimaryLeaseLost unless this client
	// holds the primary lease.
	ReadWritePrimary
)

var ownerKey = []byte("owner")

type ownerRow struct {
	OwnerID          string `json:"ownerId"`
	LeaseTimestampMs int64  `json:"leaseTimestampMs"`
}

// ClientMetadata records the liveness of one client sharing the cache.
type ClientMetadata struct {
	ClientID       string `json:"clientId"`
	UpdateTimeMs   int64  `json:"updateTimeMs"`
	NetworkEnabled bool   `json:"networkEnabled"`
}

// Transaction wraps an engine transaction with the listen sequence number
// assigned to it.
type Transaction struct {
	Tx
	seq       models.ListenSequenceNumber
	committed []func()
}

// SequenceNumber returns the listen sequence number of a read-write
// transaction, or SequenceNumberInvalid for read-only ones.
func (t *Transaction) SequenceNumber() models.ListenSequenceNumber { return t.seq }

// OnCommitted registers fn to run after the transaction commits.
func (t *Transaction) OnCommitted(fn func()) { t.committed = append(t.committed, fn) }

// Persistence owns the engine and hands out the durable caches.
type Persistence struct {
	engine   Engine
	clientID string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	seq     models.ListenSequenceNumber
	started bool

	remoteDocuments *RemoteDocumentCache
	targets         *TargetCache
	indexes         *IndexManager
	bundles         *BundleCache
	delegate        *LruDelegate
}

// NewPersistence wraps engine. Start must be called before use.
func NewPersistence(engine Engine, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persistence{
		engine:   engine,
		clientID: uuid.New().String(),
		logger:   logger,
		now:      time.Now,
	}
	p.indexes = newIndexManager(p)
	p.remoteDocuments = newRemoteDocumentCache()
	p.remoteDocuments.indexes = p.indexes
	p.bundles = &BundleCache{}
	p.delegate = &LruDelegate{p: p}
	p.targets = &TargetCache{delegate: p.delegate}
	return p
}

// Start loads the highest listen sequence number.
func (p *Persistence) Start() error {
	var highest models.ListenSequenceNumber
	err := p.engine.View("start persistence", func(tx Tx) error {
		g, err := readTargetGlobals(tx)
		if err != nil {
			return err
		}
		highest = g.HighestListenSequenceNumber
		return nil
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.seq = highest
	p.started = true
	p.mu.Unlock()
	return nil
}

// Shutdown releases the lease and closes the engine.
func (p *Persistence) Shutdown() error {
	if err := p.ReleasePrimaryLease(); err != nil {
		p.logger.Warn("release primary lease failed", "error", err)
	}
	return p.engine.Close()
}

// ClientID identifies this client in the owner and metadata tables.
func (p *Persistence) ClientID() string { return p.clientID }

func (p *Persistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Persistence) RemoteDocumentCache() *RemoteDocumentCache { return p.remoteDocuments }
func (p *Persistence) TargetCache() *TargetCache                 { return p.targets }
func (p *Persistence) IndexManager() *IndexManager               { return p.indexes }
func (p *Persistence) BundleCache() *BundleCache                 { return p.bundles }
func (p *Persistence) ReferenceDelegate() *LruDelegate           { return p.delegate }

// MutationQueue returns the queue of the given user. The unauthenticated
// user is the empty string.
func (p *Persistence) MutationQueue(userID string) *MutationQueue {
	return &MutationQueue{userID: userID, indexes: p.indexes, delegate: p.delegate}
}

// OverlayCache returns the overlays of the given user.
func (p *Persistence) OverlayCache(userID string) *OverlayCache {
	return &OverlayCache{userID: userID}
}

func (p *Persistence) nextSequenceNumber() models.ListenSequenceNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// CurrentSequenceNumber returns the most recently issued sequence number.
func (p *Persistence) CurrentSequenceNumber() models.ListenSequenceNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// RunTransaction runs fn in a transaction of the given mode.
func (p *Persistence) RunTransaction(action string, mode TxMode, fn func(*Transaction) error) error {
	if mode == ReadOnly {
		return p.engine.View(action, func(tx Tx) error {
			return fn(&Transaction{Tx: tx, seq: models.SequenceNumberInvalid})
		})
	}

	txn := &Transaction{seq: p.nextSequenceNumber()}
	err := p.engine.Update(action, func(tx Tx) error {
		txn.Tx = tx
		if mode == ReadWritePrimary {
			if err := p.verifyPrimaryLease(tx); err != nil {
				return err
			}
		}
		return fn(txn)
	})
	if err != nil {
		return err
	}
	for _, cb := range txn.committed {
		cb()
	}
	return nil
}

func readOwner(tx Tx) (*ownerRow, error) {
	data, err := tx.Get(TableOwner, ownerKey)
	if err != nil || data == nil {
		return nil, err
	}
	var o ownerRow
	if err := unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *Persistence) leaseValid(o *ownerRow) bool {
	age := p.now().UnixMilli() - o.LeaseTimestampMs
	return age >= 0 && age <= PrimaryLeaseDuration.Milliseconds()
}

func (p *Persistence) verifyPrimaryLease(tx Tx) error {
	o, err := readOwner(tx)
	if err != nil {
		return err
	}
	if o == nil || o.OwnerID != p.clientID {
		return ErrPrimaryLeaseLost
	}
	return nil
}

// TryAcquirePrimaryLease takes or refreshes the lease. It succeeds when the
// lease is vacant, already held by this client, or stale.
func (p *Persistence) TryAcquirePrimaryLease() (bool, error) {
	acquired := false
	err := p.engine.Update("acquire primary lease", func(tx Tx) error {
		o, err := readOwner(tx)
		if err != nil {
			return err
		}
		if o != nil && o.OwnerID != p.clientID && p.leaseValid(o) {
			return p.writeClientMetadata(tx)
		}
		data, err := marshal(ownerRow{OwnerID: p.clientID, LeaseTimestampMs: p.now().UnixMilli()})
		if err != nil {
			return err
		}
		if err := tx.Put(TableOwner, ownerKey, data); err != nil {
			return err
		}
		acquired = true
		return p.writeClientMetadata(tx)
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleasePrimaryLease clears the owner row if this client holds it.
func (p *Persistence) ReleasePrimaryLease() error {
	return p.engine.Update("release primary lease", func(tx Tx) error {
		o, err := readOwner(tx)
		if err != nil {
			return err
		}
		if err := tx.Delete(TableClientMetadata, []byte(p.clientID)); err != nil {
			return err
		}
		if o == nil || o.OwnerID != p.clientID {
			return nil
		}
		return tx.Delete(TableOwner, ownerKey)
	})
}

func (p *Persistence) writeClientMetadata(tx Tx) error {
	data, err := marshal(ClientMetadata{ClientID: p.clientID, UpdateTimeMs: p.now().UnixMilli(), NetworkEnabled: true})
	if err != nil {
		return err
	}
	return tx.Put(TableClientMetadata, []byte(p.clientID), data)
}

// ActiveClients lists clients whose metadata was refreshed within the lease
// duration.
func (p *Persistence) ActiveClients() ([]ClientMetadata, error) {
	var out []ClientMetadata
	cutoff := p.now().Add(-PrimaryLeaseDuration).UnixMilli()
	err := p.engine.View("list clients", func(tx Tx) error {
		return tx.Scan(TableClientMetadata, nil, func(_, v []byte) error {
			var m ClientMetadata
			if err := unmarshal(v, &m); err != nil {
				return err
			}
			if m.UpdateTimeMs >= cutoff {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

// IgnoreLeaseLost swallows ErrPrimaryLeaseLost after logging it.
func (p *Persistence) IgnoreLeaseLost(op string, err error) error {
	if errors.Is(err, ErrPrimaryLeaseLost) {
		p.logger.Debug("primary lease lost, skipping", "op", op)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
