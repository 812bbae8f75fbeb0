package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lumencrm/delivery-engine/internal/domain"
)

// enqueueChunk bounds the rows per bulk INSERT so large recipient sets stay
// well under the Postgres placeholder limit.
const enqueueChunk = 500

// Enqueue bulk-inserts pre-rendered queue items as pending.
func (r *CampaignRepo) Enqueue(ctx context.Context, items []domain.QueueItem) (int, error) {
	total := 0
	for start := 0; start < len(items); start += enqueueChunk {
		end := start + enqueueChunk
		if end > len(items) {
			end = len(items)
		}
		n, err := r.enqueueChunk(ctx, items[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *CampaignRepo) enqueueChunk(ctx context.Context, items []domain.QueueItem) (int, error) {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO queue_items
			(campaign_id, subscriber_id, email, subject, html_content,
			 headers, status, scheduled_for, created_at)
		VALUES `)

	args := make([]interface{}, 0, len(items)*8)
	for i, item := range items {
		headers, err := json.Marshal(item.Headers)
		if err != nil {
			return 0, fmt.Errorf("marshal headers: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			item.CampaignID, item.SubscriberID, item.Email, item.Subject,
			item.HTMLContent, string(headers), domain.QueuePending, item.ScheduledFor)
	}

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("enqueue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetFailed flips failed items back to pending with a clean slate.
// campaignID 0 sweeps every campaign.
func (r *CampaignRepo) ResetFailed(ctx context.Context, campaignID int64) (int, error) {
	q := `
		UPDATE queue_items
		SET status = $1, attempts = 0, error_message = NULL, last_attempt_at = NULL
		WHERE status = $2`
	args := []interface{}{domain.QueuePending, domain.QueueFailed}
	if campaignID != 0 {
		q += ` AND campaign_id = $3`
		args = append(args, campaignID)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueCounts returns the queue depth per status for a campaign.
func (r *CampaignRepo) QueueCounts(ctx context.Context, campaignID int64) (map[domain.QueueItemStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM queue_items
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.QueueItemStatus]int)
	for rows.Next() {
		var status domain.QueueItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
