package worker

import (
	"context"

	"github.com/lumencrm/delivery-engine/internal/domain"
)

// recoverStale reclaims items whose claimer died between claim and settle.
// A crashed worker leaves its batch in processing; no later claim selects
// those rows and their campaigns can never complete. Each drain sweeps
// processing items older than StaleAge first: items under the attempt cap go
// back to pending, items already at the cap are failed outright. Attempts
// were bumped at claim time, so a recovered claim still counts against the
// cap.
func (w *QueueWorker) recoverStale(ctx context.Context) error {
	res, err := w.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending'
		WHERE status = 'processing'
		  AND last_attempt_at < NOW() - $1::interval
		  AND attempts < $2
	`, w.opts.StaleAge.String(), domain.MaxSendAttempts)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		w.log.Warn("requeued stale claims", "worker_id", w.workerID, "items", n)
	}

	res, err = w.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', error_message = 'max attempts reached: claim expired'
		WHERE status = 'processing'
		  AND last_attempt_at < NOW() - $1::interval
		  AND attempts >= $2
	`, w.opts.StaleAge.String(), domain.MaxSendAttempts)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		w.log.Warn("failed stale claims at attempt cap", "worker_id", w.workerID, "items", n)
	}
	return nil
}
