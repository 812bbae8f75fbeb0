package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumencrm/delivery-engine/internal/domain"
)

// TrackingRepo persists open/click events and keeps the campaign counters in
// step with them.
type TrackingRepo struct{ db *sql.DB }

// NewTrackingRepo creates a Postgres-backed tracking repository.
func NewTrackingRepo(db *sql.DB) *TrackingRepo { return &TrackingRepo{db: db} }

// RecordOpen records an open in one transaction. The UNIQUE constraint on
// (campaign_id, subscriber_id) decides first-open vs repeat: an inserted row
// bumps both total_opened and unique_opens, a conflict bumps total_opened
// only. Safe to replay; concurrent duplicates collapse onto the constraint.
func (r *TrackingRepo) RecordOpen(ctx context.Context, ev *domain.OpenEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO open_events (campaign_id, subscriber_id, user_agent, ip_address, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (campaign_id, subscriber_id) DO NOTHING
	`, ev.CampaignID, ev.SubscriberID, ev.UserAgent, ev.IPAddress)
	if err != nil {
		return fmt.Errorf("insert open: %w", err)
	}
	inserted, _ := res.RowsAffected()

	if inserted > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET total_opened = total_opened + 1, unique_opens = unique_opens + 1
			WHERE id = $1
		`, ev.CampaignID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET total_opened = total_opened + 1 WHERE id = $1
		`, ev.CampaignID)
	}
	if err != nil {
		return fmt.Errorf("bump open counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit open: %w", err)
	}
	return nil
}

// RecordClick records a click occurrence and reports whether it was the first
// for its (campaign, subscriber, url) triple. The partial unique index over
// is_unique rows is the concurrency guard: exactly one insert with
// is_unique = true can land per triple, every other occurrence lands as a
// repeat row.
func (r *TrackingRepo) RecordClick(ctx context.Context, ev *domain.ClickEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin click: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO click_events
			(campaign_id, subscriber_id, url, is_unique, user_agent, ip_address, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, NOW())
		ON CONFLICT (campaign_id, subscriber_id, url) WHERE is_unique DO NOTHING
	`, ev.CampaignID, ev.SubscriberID, ev.URL, ev.UserAgent, ev.IPAddress)
	if err != nil {
		return false, fmt.Errorf("insert click: %w", err)
	}
	n, _ := res.RowsAffected()
	isUnique := n > 0

	if !isUnique {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO click_events
				(campaign_id, subscriber_id, url, is_unique, user_agent, ip_address, created_at)
			VALUES ($1, $2, $3, FALSE, $4, $5, NOW())
		`, ev.CampaignID, ev.SubscriberID, ev.URL, ev.UserAgent, ev.IPAddress)
		if err != nil {
			return false, fmt.Errorf("insert repeat click: %w", err)
		}
	}

	if isUnique {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET total_clicked = total_clicked + 1, unique_clicks = unique_clicks + 1
			WHERE id = $1
		`, ev.CampaignID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET total_clicked = total_clicked + 1 WHERE id = $1
		`, ev.CampaignID)
	}
	if err != nil {
		return false, fmt.Errorf("bump click counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit click: %w", err)
	}
	ev.IsUnique = isUnique
	return isUnique, nil
}
