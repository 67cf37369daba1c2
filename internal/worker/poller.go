package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/graph"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
)

// perMessageBudget bounds a single ingest so one slow download cannot stall
// the whole sweep.
const perMessageBudget = 4 * time.Minute

// MailLister pages unread mail for the poller. *graph.Client implements it.
type MailLister interface {
	ListUnreadMessages(ctx context.Context, mailbox string, maxPages int) ([]graph.Message, error)
}

// TimerPoller sweeps the ingest mailbox for unread mail on an interval. It
// backstops the webhook path: anything a notification missed is picked up on
// the next sweep, and the dedup layers drop whatever both paths saw.
type TimerPoller struct {
	mail     MailLister
	ingestor *Ingestor
	mailbox  string
	interval time.Duration
	maxPages int

	totalPolls     int64
	totalIngested  int64
	totalSkipped   int64
	totalDuplicate int64
	totalErrors    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewTimerPoller builds a poller over the configured ingest mailbox.
func NewTimerPoller(mail MailLister, ingestor *Ingestor, mailbox string, cfg config.PollerConfig) *TimerPoller {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = graph.DefaultMaxPages
	}
	interval := cfg.Interval()
	if interval <= 0 {
		interval = time.Hour
	}
	return &TimerPoller{
		mail:     mail,
		ingestor: ingestor,
		mailbox:  mailbox,
		interval: interval,
		maxPages: maxPages,
	}
}

// Start launches the polling loop.
func (p *TimerPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[TimerPoller] Starting (mailbox=%s interval=%v maxPages=%d)",
		logger.RedactEmail(p.mailbox), p.interval, p.maxPages)

	p.wg.Add(1)
	go p.run()
}

// Stop halts polling and waits for an in-flight sweep to finish.
func (p *TimerPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[TimerPoller] Stopped. polls=%d ingested=%d skipped=%d duplicates=%d errors=%d",
		atomic.LoadInt64(&p.totalPolls),
		atomic.LoadInt64(&p.totalIngested),
		atomic.LoadInt64(&p.totalSkipped),
		atomic.LoadInt64(&p.totalDuplicate),
		atomic.LoadInt64(&p.totalErrors))
}

// Stats returns current counters.
func (p *TimerPoller) Stats() map[string]int64 {
	return map[string]int64{
		"total_polls":      atomic.LoadInt64(&p.totalPolls),
		"total_ingested":   atomic.LoadInt64(&p.totalIngested),
		"total_skipped":    atomic.LoadInt64(&p.totalSkipped),
		"total_duplicates": atomic.LoadInt64(&p.totalDuplicate),
		"total_errors":     atomic.LoadInt64(&p.totalErrors),
	}
}

func (p *TimerPoller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Sweep immediately on start so a restart drains backlog without
	// waiting out the first interval.
	p.pollOnce()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *TimerPoller) pollOnce() {
	atomic.AddInt64(&p.totalPolls, 1)

	messages, err := p.mail.ListUnreadMessages(p.ctx, p.mailbox, p.maxPages)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		log.Printf("[TimerPoller] list unread failed: %v", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	log.Printf("[TimerPoller] Sweeping %d unread message(s)", len(messages))

	for i := range messages {
		if p.ctx.Err() != nil {
			return
		}
		p.ingestOne(&messages[i])
	}
}

func (p *TimerPoller) ingestOne(msg *graph.Message) {
	ctx, cancel := context.WithTimeout(p.ctx, perMessageBudget)
	defer cancel()

	outcome, err := p.ingestor.Ingest(ctx, msg)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		log.Printf("[TimerPoller] ingest %s failed: %v", msg.ID, err)
		return
	}
	switch outcome {
	case OutcomeProcessed:
		atomic.AddInt64(&p.totalIngested, 1)
	case OutcomeDuplicate:
		atomic.AddInt64(&p.totalDuplicate, 1)
	default:
		atomic.AddInt64(&p.totalSkipped, 1)
	}
}
