package local

import (
	"container/heap"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/store"
)

// CacheSizeUnlimited disables garbage collection.
const CacheSizeUnlimited int64 = -1

const (
	defaultCacheSizeBytes                  = 40 * 1024 * 1024
	defaultPercentileToCollect             = 10
	defaultMaximumSequenceNumbersToCollect = 1000

	initialGCDelay = time.Minute
	regularGCDelay = 5 * time.Minute
)

// LruParams tunes the garbage collector.
type LruParams struct {
	// CacheSizeCollectionThreshold is the cache size in bytes below which
	// collection is skipped. CacheSizeUnlimited disables collection.
	CacheSizeCollectionThreshold int64
	// PercentileToCollect is the share of sequence numbers collected per
	// run.
	PercentileToCollect int
	// MaximumSequenceNumbersToCollect caps a single run.
	MaximumSequenceNumbersToCollect int
}

// DefaultLruParams returns the stock tuning.
func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    defaultCacheSizeBytes,
		PercentileToCollect:             defaultPercentileToCollect,
		MaximumSequenceNumbersToCollect: defaultMaximumSequenceNumbersToCollect,
	}
}

// LruParamsWithCacheSize returns the default params with another
// threshold.
func LruParamsWithCacheSize(cacheSize int64) LruParams {
	p := DefaultLruParams()
	p.CacheSizeCollectionThreshold = cacheSize
	return p
}

// LruResults describes one collection run.
type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// LruGarbageCollector removes the least recently used targets and the
// documents no longer referenced by any target, queued mutation or local
// view.
type LruGarbageCollector struct {
	delegate *store.LruDelegate
	params   LruParams
	logger   *slog.Logger
}

// NewLruGarbageCollector returns a collector over delegate.
func NewLruGarbageCollector(delegate *store.LruDelegate, params LruParams, logger *slog.Logger) *LruGarbageCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LruGarbageCollector{delegate: delegate, params: params, logger: logger}
}

// Params returns the collector's tuning.
func (g *LruGarbageCollector) Params() LruParams { return g.params }

// CalculateTargetCount returns how many sequence numbers percentile covers.
func (g *LruGarbageCollector) CalculateTargetCount(tx *store.Transaction, percentile int) (int, error) {
	count, err := g.delegate.GetSequenceNumberCount(tx)
	if err != nil {
		return 0, fmt.Errorf("count sequence numbers: %w", err)
	}
	return count * percentile / 100, nil
}

// NthSequenceNumber returns the nth smallest sequence number in use, or
// SequenceNumberInvalid when n is zero.
func (g *LruGarbageCollector) NthSequenceNumber(tx *store.Transaction, n int) (models.ListenSequenceNumber, error) {
	if n == 0 {
		return models.SequenceNumberInvalid, nil
	}
	buf := newRollingSequenceNumberBuffer(n)
	if err := g.delegate.ForEachTarget(tx, func(seq models.ListenSequenceNumber) error {
		buf.add(seq)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("scan targets: %w", err)
	}
	if err := g.delegate.ForEachOrphanedDocumentSequenceNumber(tx, func(seq models.ListenSequenceNumber) error {
		buf.add(seq)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("scan orphaned documents: %w", err)
	}
	return buf.max(), nil
}

// RemoveTargets removes inactive targets with a sequence number at or
// below upperBound.
func (g *LruGarbageCollector) RemoveTargets(tx *store.Transaction, upperBound models.ListenSequenceNumber, active map[int]struct{}) (int, error) {
	return g.delegate.RemoveTargets(tx, upperBound, active)
}

// RemoveOrphanedDocuments removes unreferenced documents last touched at
// or below upperBound.
func (g *LruGarbageCollector) RemoveOrphanedDocuments(tx *store.Transaction, upperBound models.ListenSequenceNumber) (int, error) {
	return g.delegate.RemoveOrphanedDocuments(tx, upperBound)
}

// Collect runs a collection if the cache is over its threshold. active
// holds the ids of targets with listeners.
func (g *LruGarbageCollector) Collect(tx *store.Transaction, active map[int]struct{}) (LruResults, error) {
	if g.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		g.logger.Debug("garbage collection skipped, collection disabled")
		return LruResults{}, nil
	}
	size, err := g.delegate.GetCacheSize(tx)
	if err != nil {
		return LruResults{}, fmt.Errorf("get cache size: %w", err)
	}
	metrics.CacheSizeBytes.Set(float64(size))
	if size < g.params.CacheSizeCollectionThreshold {
		g.logger.Debug("garbage collection skipped, cache below threshold",
			"size", size, "threshold", g.params.CacheSizeCollectionThreshold)
		return LruResults{}, nil
	}
	return g.runGarbageCollection(tx, active)
}

func (g *LruGarbageCollector) runGarbageCollection(tx *store.Transaction, active map[int]struct{}) (LruResults, error) {
	start := time.Now()

	n, err := g.CalculateTargetCount(tx, g.params.PercentileToCollect)
	if err != nil {
		return LruResults{}, err
	}
	if n > g.params.MaximumSequenceNumbersToCollect {
		g.logger.Debug("capping sequence numbers to collect",
			"requested", n, "max", g.params.MaximumSequenceNumbersToCollect)
		n = g.params.MaximumSequenceNumbersToCollect
	}
	counted := time.Now()

	upperBound, err := g.NthSequenceNumber(tx, n)
	if err != nil {
		return LruResults{}, err
	}
	found := time.Now()

	targets, err := g.RemoveTargets(tx, upperBound, active)
	if err != nil {
		return LruResults{}, fmt.Errorf("remove targets: %w", err)
	}
	targetsDone := time.Now()

	docs, err := g.RemoveOrphanedDocuments(tx, upperBound)
	if err != nil {
		return LruResults{}, fmt.Errorf("remove orphaned documents: %w", err)
	}

	g.logger.Debug("lru garbage collection finished",
		"sequence_numbers", n,
		"upper_bound", upperBound,
		"targets_removed", targets,
		"documents_removed", docs,
		"count_ms", counted.Sub(start).Milliseconds(),
		"upper_bound_ms", found.Sub(counted).Milliseconds(),
		"targets_ms", targetsDone.Sub(found).Milliseconds(),
		"documents_ms", time.Since(targetsDone).Milliseconds(),
	)
	return LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: n,
		TargetsRemoved:           targets,
		DocumentsRemoved:         docs,
	}, nil
}

// rollingSequenceNumberBuffer keeps the n smallest sequence numbers seen.
type rollingSequenceNumberBuffer struct {
	size int
	h    seqHeap
}

func newRollingSequenceNumberBuffer(size int) *rollingSequenceNumberBuffer {
	return &rollingSequenceNumberBuffer{size: size}
}

func (b *rollingSequenceNumberBuffer) add(seq models.ListenSequenceNumber) {
	if b.h.Len() < b.size {
		heap.Push(&b.h, seq)
		return
	}
	if seq < b.h[0] {
		b.h[0] = seq
		heap.Fix(&b.h, 0)
	}
}

func (b *rollingSequenceNumberBuffer) max() models.ListenSequenceNumber {
	if b.h.Len() == 0 {
		return models.SequenceNumberInvalid
	}
	return b.h[0]
}

// seqHeap is a max-heap.
type seqHeap []models.ListenSequenceNumber

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(models.ListenSequenceNumber)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// LruScheduler runs the collector on the async queue while this client is
// primary.
type LruScheduler struct {
	gc         *LruGarbageCollector
	queue      *queue.AsyncQueue
	localStore *LocalStore
	logger     *slog.Logger

	op     *queue.DelayedOperation
	hasRun bool
}

// NewLruScheduler returns a stopped scheduler.
func NewLruScheduler(gc *LruGarbageCollector, q *queue.AsyncQueue, localStore *LocalStore, logger *slog.Logger) *LruScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LruScheduler{gc: gc, queue: q, localStore: localStore, logger: logger}
}

// Start schedules the first run. Must be called on the queue.
func (s *LruScheduler) Start() {
	if s.gc.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		return
	}
	s.schedule()
}

// Stop cancels the pending run.
func (s *LruScheduler) Stop() {
	if s.op != nil {
		s.op.Cancel()
		s.op = nil
	}
}

// IsStarted reports whether a run is scheduled.
func (s *LruScheduler) IsStarted() bool { return s.op != nil }

func (s *LruScheduler) schedule() {
	delay := initialGCDelay
	if s.hasRun {
		delay = regularGCDelay
	}
	s.logger.Debug("garbage collection scheduled", "delay", delay)
	s.op = s.queue.EnqueueAfterDelay(queue.TimerGarbageCollection, delay, func() {
		s.op = nil
		s.hasRun = true
		if _, err := s.localStore.CollectGarbage(s.gc); err != nil {
			if store.IsPrimaryLeaseLost(err) {
				s.logger.Debug("garbage collection skipped, primary lease lost")
			} else {
				s.logger.Error("garbage collection failed", "error", err)
			}
		}
		s.schedule()
	})
}
