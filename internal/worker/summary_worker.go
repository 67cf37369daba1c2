package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/invoice-relay/internal/storage"
)

// QueueDepther reports per-queue message counts. *queue.Store implements it.
type QueueDepther interface {
	Depths(ctx context.Context) (map[string]int, error)
}

// StatusCounter counts transactions by status for one day.
// *storage.TransactionLog implements it.
type StatusCounter interface {
	StatusSummary(ctx context.Context, day time.Time) (map[string]int, error)
}

// SummaryWriter persists a day's snapshot. *storage.BlobStore implements it.
type SummaryWriter interface {
	SaveDailySummary(ctx context.Context, day time.Time, summary *storage.DailySummary) error
}

// SummaryWorker snapshots today's transaction counts and queue depths to
// blob storage once an hour. Each write overwrites the previous snapshot of
// the same day, so the last write of a day is its final summary.
type SummaryWorker struct {
	counts StatusCounter
	depths QueueDepther
	sink   SummaryWriter
	lock   Locker

	interval time.Duration

	totalWritten int64
	totalErrors  int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewSummaryWorker builds the snapshot loop. lock may be nil; concurrent
// replicas would only overwrite each other with equivalent documents.
func NewSummaryWorker(counts StatusCounter, depths QueueDepther, sink SummaryWriter, lock Locker) *SummaryWorker {
	return &SummaryWorker{
		counts:   counts,
		depths:   depths,
		sink:     sink,
		lock:     lock,
		interval: time.Hour,
	}
}

// Start launches the snapshot loop.
func (w *SummaryWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[SummaryWorker] Starting (interval=%v)", w.interval)

	w.wg.Add(1)
	go w.run()
}

// Stop halts the loop and waits for an in-flight snapshot.
func (w *SummaryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[SummaryWorker] Stopped. written=%d errors=%d",
		atomic.LoadInt64(&w.totalWritten),
		atomic.LoadInt64(&w.totalErrors))
}

// Stats returns current counters.
func (w *SummaryWorker) Stats() map[string]int64 {
	return map[string]int64{
		"total_written": atomic.LoadInt64(&w.totalWritten),
		"total_errors":  atomic.LoadInt64(&w.totalErrors),
	}
}

func (w *SummaryWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *SummaryWorker) tick() {
	if err := w.snapshotLocked(w.ctx); err != nil {
		atomic.AddInt64(&w.totalErrors, 1)
		log.Printf("[SummaryWorker] snapshot failed: %v", err)
	}
}

func (w *SummaryWorker) snapshotLocked(ctx context.Context) error {
	if w.lock == nil {
		return w.Snapshot(ctx, time.Now().UTC())
	}
	ok, err := w.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer w.lock.Release(ctx)
	return w.Snapshot(ctx, time.Now().UTC())
}

// Snapshot writes the summary document for day.
func (w *SummaryWorker) Snapshot(ctx context.Context, day time.Time) error {
	statuses, err := w.counts.StatusSummary(ctx, day)
	if err != nil {
		return err
	}

	summary := &storage.DailySummary{
		Date:        day.UTC().Format("2006-01-02"),
		Statuses:    statuses,
		GeneratedAt: time.Now().UTC(),
	}

	// Depths are decoration on the snapshot; a queue-side failure should
	// not lose the day's counts.
	if w.depths != nil {
		depths, err := w.depths.Depths(ctx)
		if err != nil {
			log.Printf("[SummaryWorker] queue depths unavailable: %v", err)
		} else {
			summary.QueueDepths = make(map[string]int64, len(depths))
			for q, n := range depths {
				summary.QueueDepths[q] = int64(n)
			}
		}
	}

	if err := w.sink.SaveDailySummary(ctx, day, summary); err != nil {
		return err
	}
	atomic.AddInt64(&w.totalWritten, 1)
	return nil
}
