// Package worker drains the delivery queue: it claims due pending items in
// batches, pushes them through the mail transport, applies the bounded retry
// policy, and completes campaigns whose queues have emptied.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/pkg/distlock"
	"github.com/lumencrm/delivery-engine/internal/pkg/logger"
	"github.com/lumencrm/delivery-engine/internal/transport"
)

// Options configures a QueueWorker.
type Options struct {
	// Sender identity stamped on every outgoing message.
	FromName  string
	FromEmail string
	ReplyTo   string

	// BatchSize bounds items claimed per run.
	BatchSize int
	// PollInterval is the drain period of the always-on ticker.
	PollInterval time.Duration
	// SendTimeout bounds each transport call.
	SendTimeout time.Duration
	// StaleAge is how long an item may sit in processing before its claimer
	// is presumed dead and the claim is recovered.
	StaleAge time.Duration

	Logger *logger.Logger
}

// QueueWorker periodically drains the delivery queue. A distributed lock
// makes overlapping runs no-ops: a scheduler tick or wake that fires while a
// drain is in flight simply does nothing.
type QueueWorker struct {
	db       *sql.DB
	sender   transport.Sender
	lock     distlock.DistLock
	opts     Options
	log      *logger.Logger
	workerID string

	totalSent    int64
	totalFailed  int64
	totalRetried int64

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewQueueWorker creates a queue worker.
func NewQueueWorker(db *sql.DB, sender transport.Sender, lock distlock.DistLock, opts Options) *QueueWorker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	return &QueueWorker{
		db:       db,
		sender:   sender,
		lock:     lock,
		opts:     opts,
		log:      opts.Logger,
		workerID: "worker-" + uuid.New().String()[:8],
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the worker to drain ahead of the next tick. Non-blocking;
// redundant wakes collapse.
func (w *QueueWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start launches the drain loop.
func (w *QueueWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	w.log.Info("queue worker starting",
		"worker_id", w.workerID,
		"batch_size", w.opts.BatchSize,
		"poll_interval", w.opts.PollInterval.String())

	w.wg.Add(1)
	go w.loop()
}

// Stop gracefully stops the worker, waiting for an in-flight drain.
func (w *QueueWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("queue worker stopped",
		"worker_id", w.workerID,
		"total_sent", atomic.LoadInt64(&w.totalSent),
		"total_failed", atomic.LoadInt64(&w.totalFailed))
}

// Stats returns cumulative counters for this worker instance.
func (w *QueueWorker) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&w.totalSent),
		"total_failed":  atomic.LoadInt64(&w.totalFailed),
		"total_retried": atomic.LoadInt64(&w.totalRetried),
	}
}

func (w *QueueWorker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
		if err := w.RunOnce(w.ctx); err != nil {
			w.log.Error("drain run", "worker_id", w.workerID, "error", err.Error())
		}
	}
}

// maxBatchesPerRun bounds one lock acquisition. A drain capped well under the
// lock TTL stays exclusive for its whole run; remaining work is picked up by
// the near-term wake under a fresh lock.
const maxBatchesPerRun = 10

// RunOnce performs a single guarded drain: recover stale claims, then claim
// batches until the queue has no due work or the per-run cap is hit, sending
// each claimed item. Returns without doing anything if another run holds the
// lock.
func (w *QueueWorker) RunOnce(ctx context.Context) error {
	acquired, err := w.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer w.lock.Release(ctx)

	if err := w.recoverStale(ctx); err != nil {
		w.log.Error("recover stale claims", "worker_id", w.workerID, "error", err.Error())
	}

	for batches := 0; batches < maxBatchesPerRun; batches++ {
		items, err := w.claimBatch(ctx)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(items) == 0 {
			break
		}

		campaignIDs := distinctCampaigns(items)
		if err := w.markCampaignsSending(ctx, campaignIDs); err != nil {
			w.log.Error("mark sending", "error", err.Error())
		}

		for _, item := range items {
			w.processItem(ctx, item)
		}

		if err := w.completeDrained(ctx, campaignIDs); err != nil {
			w.log.Error("complete campaigns", "error", err.Error())
		}

		if len(items) < w.opts.BatchSize {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// Items still pending (reverted for retry, or left by a capped run) get
	// a near-term nudge instead of waiting out the full poll interval.
	due, err := w.pendingDue(ctx)
	if err == nil && due {
		time.AfterFunc(time.Second, w.Wake)
	}
	return nil
}

// claimBatch atomically claims up to BatchSize due pending items, oldest
// first. SKIP LOCKED keeps concurrent claimers from blocking on each other;
// an item claimed elsewhere is simply not selected.
func (w *QueueWorker) claimBatch(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := w.db.QueryContext(ctx, `
		UPDATE queue_items
		SET status = 'processing', attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, subscriber_id, email, subject, html_content, headers, attempts
	`, w.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var item domain.QueueItem
		var headers []byte
		if err := rows.Scan(
			&item.ID, &item.CampaignID, &item.SubscriberID, &item.Email,
			&item.Subject, &item.HTMLContent, &headers, &item.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &item.Headers); err != nil {
				w.log.Warn("bad headers json", "item_id", item.ID, "error", err.Error())
			}
		}
		item.Status = domain.QueueProcessing
		items = append(items, item)
	}
	return items, rows.Err()
}

// markCampaignsSending transitions still-scheduled campaigns to sending and
// stamps sent_at once for every campaign touched by this batch. The stamp
// cannot be gated on the scheduled transition: campaigns queued over the
// recipient threshold are created in sending and would never get one.
func (w *QueueWorker) markCampaignsSending(ctx context.Context, campaignIDs []int64) error {
	if len(campaignIDs) == 0 {
		return nil
	}
	_, err := w.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', sent_at = COALESCE(sent_at, NOW())
		WHERE id = ANY($1) AND status IN ('scheduled', 'sending')
	`, pq.Array(campaignIDs))
	return err
}

// processItem sends one claimed item and settles its status. Failures never
// propagate: a bad recipient or a transport blip must not abort the batch.
func (w *QueueWorker) processItem(ctx context.Context, item domain.QueueItem) {
	sendCtx, cancel := context.WithTimeout(ctx, w.opts.SendTimeout)
	defer cancel()

	result, err := w.sender.Send(sendCtx, &transport.Message{
		CampaignID:   item.CampaignID,
		SubscriberID: item.SubscriberID,
		Email:        item.Email,
		FromName:     w.opts.FromName,
		FromEmail:    w.opts.FromEmail,
		ReplyTo:      w.opts.ReplyTo,
		Subject:      item.Subject,
		HTMLContent:  item.HTMLContent,
		Headers:      item.Headers,
	})

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if !result.Success {
		errMsg = result.Error
	}

	if errMsg == "" {
		atomic.AddInt64(&w.totalSent, 1)
		if err := w.markSent(ctx, item); err != nil {
			w.log.Error("mark sent", "item_id", item.ID, "error", err.Error())
		}
		return
	}

	if item.Attempts >= domain.MaxSendAttempts {
		atomic.AddInt64(&w.totalFailed, 1)
		w.log.Warn("item failed permanently",
			"item_id", item.ID, "campaign_id", item.CampaignID,
			"attempts", item.Attempts, "error", errMsg)
		if err := w.markFailed(ctx, item.ID, "max attempts reached: "+errMsg); err != nil {
			w.log.Error("mark failed", "item_id", item.ID, "error", err.Error())
		}
		return
	}

	atomic.AddInt64(&w.totalRetried, 1)
	w.log.Info("item reverted for retry",
		"item_id", item.ID, "campaign_id", item.CampaignID,
		"attempts", item.Attempts, "error", errMsg)
	if err := w.revertPending(ctx, item.ID, errMsg); err != nil {
		w.log.Error("revert pending", "item_id", item.ID, "error", err.Error())
	}
}

func (w *QueueWorker) markSent(ctx context.Context, item domain.QueueItem) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'sent', sent_at = NOW(), error_message = NULL
		WHERE id = $1
	`, item.ID)
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx, `
		UPDATE campaigns SET total_sent = total_sent + 1 WHERE id = $1
	`, item.CampaignID)
	return err
}

func (w *QueueWorker) markFailed(ctx context.Context, itemID int64, errMsg string) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', error_message = $2
		WHERE id = $1
	`, itemID, errMsg)
	return err
}

// revertPending puts a transiently-failed item back in line for the next
// drain. Attempts stay as bumped by the claim.
func (w *QueueWorker) revertPending(ctx context.Context, itemID int64, errMsg string) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', error_message = $2
		WHERE id = $1
	`, itemID, errMsg)
	return err
}

// completeDrained marks sending campaigns completed once they have no
// undelivered items left.
func (w *QueueWorker) completeDrained(ctx context.Context, campaignIDs []int64) error {
	if len(campaignIDs) == 0 {
		return nil
	}
	_, err := w.db.ExecContext(ctx, `
		UPDATE campaigns c
		SET status = 'completed'
		WHERE c.id = ANY($1) AND c.status = 'sending'
		  AND NOT EXISTS (
		      SELECT 1 FROM queue_items q
		      WHERE q.campaign_id = c.id AND q.status IN ('pending','processing')
		  )
	`, pq.Array(campaignIDs))
	return err
}

func (w *QueueWorker) pendingDue(ctx context.Context) (bool, error) {
	var due bool
	err := w.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM queue_items
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		)
	`).Scan(&due)
	return due, err
}

func distinctCampaigns(items []domain.QueueItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	var out []int64
	for _, item := range items {
		if _, ok := seen[item.CampaignID]; ok {
			continue
		}
		seen[item.CampaignID] = struct{}{}
		out = append(out, item.CampaignID)
	}
	return out
}
