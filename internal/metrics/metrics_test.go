package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestQueryStrategyMetric(t *testing.T) {
	QueryStrategy.Reset()

	IncQueryStrategy("index")
	IncQueryStrategy("index")
	IncQueryStrategy("collection_scan")

	assert.Equal(t, 2.0, testutil.ToFloat64(QueryStrategy.WithLabelValues("index")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueryStrategy.WithLabelValues("collection_scan")))
	assert.Equal(t, 0.0, testutil.ToFloat64(QueryStrategy.WithLabelValues("previous_results")))
}

func TestObserveGarbageCollection(t *testing.T) {
	GarbageCollectionRuns.Reset()
	GarbageCollected.Reset()

	ObserveGarbageCollection(0, 0, nil)
	ObserveGarbageCollection(2, 7, nil)
	ObserveGarbageCollection(5, 5, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(GarbageCollectionRuns.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(GarbageCollectionRuns.WithLabelValues("collected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(GarbageCollectionRuns.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(GarbageCollected.WithLabelValues("targets")))
	assert.Equal(t, 7.0, testutil.ToFloat64(GarbageCollected.WithLabelValues("documents")))
}

func TestWriteResultMetric(t *testing.T) {
	WriteResults.Reset()

	IncWriteResult(true)
	IncWriteResult(false)
	IncWriteResult(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(WriteResults.WithLabelValues("acknowledged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WriteResults.WithLabelValues("rejected")))
}

func TestEmulatorRequestMetric(t *testing.T) {
	EmulatorRequests.Reset()
	ObserveEmulatorRequest("commit", "200", 0.01)
	assert.Equal(t, 1.0, testutil.ToFloat64(EmulatorRequests.WithLabelValues("commit", "200")))
}

func TestEmulatorCommitMetric(t *testing.T) {
	EmulatorCommits.Reset()
	IncEmulatorCommit("projects/p/databases/(default)", "stream")
	IncEmulatorCommit("projects/p/databases/(default)", "stream")
	IncEmulatorCommit("projects/p/databases/(default)", "unary")
	assert.Equal(t, 2.0, testutil.ToFloat64(EmulatorCommits.WithLabelValues("projects/p/databases/(default)", "stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(EmulatorCommits.WithLabelValues("projects/p/databases/(default)", "unary")))
}
