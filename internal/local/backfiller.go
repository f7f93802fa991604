package local

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/store"
)

const (
	backfillInitialDelay     = 15 * time.Second
	backfillRegularDelay     = time.Minute
	maxDocumentsToBackfill   = 50
	backfillDocumentsPerSec  = 500
	backfillDocumentsInBurst = maxDocumentsToBackfill
)

// IndexBackfiller writes index entries for documents cached before their
// collection group got an index. Each run processes a bounded number of
// documents, least recently backfilled collection group first.
type IndexBackfiller struct {
	persistence   *store.Persistence
	localStore    *LocalStore
	queue         *queue.AsyncQueue
	limiter       *rate.Limiter
	logger        *slog.Logger
	maxDocsPerRun int
	op            *queue.DelayedOperation
	hasRunOnce    bool
}

// NewIndexBackfiller returns a stopped backfiller.
func NewIndexBackfiller(p *store.Persistence, localStore *LocalStore, q *queue.AsyncQueue, logger *slog.Logger) *IndexBackfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexBackfiller{
		persistence:   p,
		localStore:    localStore,
		queue:         q,
		limiter:       rate.NewLimiter(rate.Limit(backfillDocumentsPerSec), backfillDocumentsInBurst),
		logger:        logger,
		maxDocsPerRun: maxDocumentsToBackfill,
	}
}

// Start schedules the first run. Must be called on the queue.
func (b *IndexBackfiller) Start() { b.schedule() }

// Stop cancels the pending run.
func (b *IndexBackfiller) Stop() {
	if b.op != nil {
		b.op.Cancel()
		b.op = nil
	}
}

func (b *IndexBackfiller) schedule() {
	delay := backfillInitialDelay
	if b.hasRunOnce {
		delay = backfillRegularDelay
	}
	b.op = b.queue.EnqueueAfterDelay(queue.TimerIndexBackfill, delay, func() {
		b.op = nil
		b.hasRunOnce = true
		n, err := b.Backfill()
		switch {
		case store.IsPrimaryLeaseLost(err):
			b.logger.Debug("index backfill skipped, primary lease lost")
		case err != nil:
			b.logger.Error("index backfill failed", "error", err)
		default:
			b.logger.Debug("index backfill finished", "documents", n)
		}
		b.schedule()
	})
}

// Backfill runs one pass and returns the number of documents processed.
// Passes are throttled so a large cache is indexed gradually.
func (b *IndexBackfiller) Backfill() (int, error) {
	budget := b.maxDocsPerRun
	now := time.Now()
	if r := b.limiter.ReserveN(now, budget); r.OK() && r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		b.logger.Debug("index backfill throttled")
		return 0, nil
	}

	var processed int
	err := b.persistence.RunTransaction("Backfill Indexes", store.ReadWrite, func(tx *store.Transaction) error {
		n, err := b.writeIndexEntries(tx, budget)
		processed = n
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.BackfilledDocuments.Add(float64(processed))
	return processed, nil
}

func (b *IndexBackfiller) writeIndexEntries(tx *store.Transaction, budget int) (int, error) {
	indexes := b.persistence.IndexManager()
	seen := make(map[string]struct{})
	processed := 0
	for processed < budget {
		group, err := indexes.GetNextCollectionGroupToUpdate(tx)
		if err != nil {
			return processed, fmt.Errorf("next collection group: %w", err)
		}
		if group == "" {
			break
		}
		if _, ok := seen[group]; ok {
			break
		}
		b.logger.Debug("backfilling collection group", "group", group)
		n, err := b.writeEntriesForCollectionGroup(tx, group, budget-processed)
		if err != nil {
			return processed, err
		}
		processed += n
		seen[group] = struct{}{}
	}
	return processed, nil
}

func (b *IndexBackfiller) writeEntriesForCollectionGroup(tx *store.Transaction, group string, budget int) (int, error) {
	indexes := b.persistence.IndexManager()
	existing, err := indexes.GetMinOffset(tx, group)
	if err != nil {
		return 0, fmt.Errorf("get offset for %s: %w", group, err)
	}
	next, err := b.localStore.localDocuments.GetNextDocuments(tx, group, existing, budget)
	if err != nil {
		return 0, fmt.Errorf("next documents for %s: %w", group, err)
	}
	if err := indexes.UpdateIndexEntries(tx, next.Changes); err != nil {
		return 0, fmt.Errorf("update index entries for %s: %w", group, err)
	}
	if err := indexes.UpdateCollectionGroup(tx, group, newOffset(existing, next)); err != nil {
		return 0, fmt.Errorf("update offset for %s: %w", group, err)
	}
	return len(next.Changes), nil
}

// newOffset advances existing past every document in result.
func newOffset(existing models.IndexOffset, result *DocumentsResult) models.IndexOffset {
	latest := existing
	for _, doc := range result.Changes {
		if o := models.IndexOffsetFromDocument(doc); o.Compare(latest) > 0 {
			latest = o
		}
	}
	batchID := existing.LargestBatchID
	if result.BatchID > batchID {
		batchID = result.BatchID
	}
	return models.IndexOffset{ReadTime: latest.ReadTime, DocumentKey: latest.DocumentKey, LargestBatchID: batchID}
}
