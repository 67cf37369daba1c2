package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/invoice-relay/internal/storage"
)

type fakeStatusCounter struct {
	statuses map[string]int
	err      error
}

func (c *fakeStatusCounter) StatusSummary(ctx context.Context, day time.Time) (map[string]int, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.statuses, nil
}

type fakeDepther struct {
	depths map[string]int
	err    error
}

func (d *fakeDepther) Depths(ctx context.Context) (map[string]int, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.depths, nil
}

type fakeSummarySink struct {
	mu    sync.Mutex
	saved []*storage.DailySummary
	days  []time.Time
	err   error
}

func (s *fakeSummarySink) SaveDailySummary(ctx context.Context, day time.Time, summary *storage.DailySummary) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, summary)
	s.days = append(s.days, day)
	return nil
}

func (s *fakeSummarySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestSnapshotWritesDailySummary(t *testing.T) {
	counts := &fakeStatusCounter{statuses: map[string]int{"processed": 12, "unknown": 3}}
	depths := &fakeDepther{depths: map[string]int{"raw-mail": 4, "notify-poison": 1}}
	sink := &fakeSummarySink{}
	w := NewSummaryWorker(counts, depths, sink, nil)

	day := time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC)
	require.NoError(t, w.Snapshot(context.Background(), day))

	require.Len(t, sink.saved, 1)
	got := sink.saved[0]
	assert.Equal(t, "2026-03-14", got.Date)
	assert.Equal(t, map[string]int{"processed": 12, "unknown": 3}, got.Statuses)
	assert.Equal(t, map[string]int64{"raw-mail": 4, "notify-poison": 1}, got.QueueDepths)
	assert.False(t, got.GeneratedAt.IsZero())
	assert.Equal(t, day, sink.days[0])
	assert.Equal(t, int64(1), w.Stats()["total_written"])
}

func TestSnapshotSurvivesDepthFailure(t *testing.T) {
	counts := &fakeStatusCounter{statuses: map[string]int{"processed": 2}}
	depths := &fakeDepther{err: errors.New("pg down")}
	sink := &fakeSummarySink{}
	w := NewSummaryWorker(counts, depths, sink, nil)

	require.NoError(t, w.Snapshot(context.Background(), time.Now().UTC()),
		"depths decorate the snapshot, their failure must not lose the counts")
	require.Len(t, sink.saved, 1)
	assert.Nil(t, sink.saved[0].QueueDepths)
	assert.Equal(t, map[string]int{"processed": 2}, sink.saved[0].Statuses)
}

func TestSnapshotWithoutDepther(t *testing.T) {
	counts := &fakeStatusCounter{statuses: map[string]int{}}
	sink := &fakeSummarySink{}
	w := NewSummaryWorker(counts, nil, sink, nil)

	require.NoError(t, w.Snapshot(context.Background(), time.Now().UTC()))
	require.Len(t, sink.saved, 1)
	assert.Nil(t, sink.saved[0].QueueDepths)
}

func TestSnapshotCountFailurePropagates(t *testing.T) {
	counts := &fakeStatusCounter{err: errors.New("dynamo throttled")}
	sink := &fakeSummarySink{}
	w := NewSummaryWorker(counts, nil, sink, nil)

	require.Error(t, w.Snapshot(context.Background(), time.Now().UTC()))
	assert.Empty(t, sink.saved)
}

func TestSnapshotSinkFailurePropagates(t *testing.T) {
	counts := &fakeStatusCounter{statuses: map[string]int{"processed": 1}}
	sink := &fakeSummarySink{err: errors.New("s3 unavailable")}
	w := NewSummaryWorker(counts, nil, sink, nil)

	require.Error(t, w.Snapshot(context.Background(), time.Now().UTC()))
	assert.Zero(t, w.Stats()["total_written"])
}

func TestSnapshotLockedSkipsWhenHeld(t *testing.T) {
	counts := &fakeStatusCounter{statuses: map[string]int{"processed": 1}}
	sink := &fakeSummarySink{}
	lock := &fakeLock{held: true}
	w := NewSummaryWorker(counts, nil, sink, lock)

	require.NoError(t, w.snapshotLocked(context.Background()))
	assert.Empty(t, sink.saved, "another replica holds the lock and writes the snapshot")
}

func TestSummaryWorkerStartWritesImmediately(t *testing.T) {
	counts := &fakeStatusCounter{statuses: map[string]int{"processed": 5}}
	sink := &fakeSummarySink{}
	w := NewSummaryWorker(counts, &fakeDepther{depths: map[string]int{}}, sink, &fakeLock{})

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
