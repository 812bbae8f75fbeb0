package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) CreateCampaign(ctx context.Context, c *domain.Campaign) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO campaigns (subject, status, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id
	`, c.Subject, c.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	return id, nil
}

func (r *CampaignRepo) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, subject, status, total_sent, total_opened, unique_opens,
		       total_clicked, unique_clicks, sent_at, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.Subject, &c.Status, &c.TotalSent, &c.TotalOpened, &c.UniqueOpens,
		&c.TotalClicked, &c.UniqueClicks, &c.SentAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) ListCampaigns(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM campaigns`
	args := []interface{}{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		args = append(args, f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `
		SELECT id, subject, status, total_sent, total_opened, unique_opens,
		       total_clicked, unique_clicks, sent_at, created_at
		FROM campaigns`
	qArgs := []interface{}{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" WHERE status = $%d", idx)
		qArgs = append(qArgs, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.Subject, &c.Status, &c.TotalSent, &c.TotalOpened, &c.UniqueOpens,
			&c.TotalClicked, &c.UniqueClicks, &c.SentAt, &c.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) AddSent(ctx context.Context, id int64, n int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET total_sent = total_sent + $2 WHERE id = $1
	`, id, n)
	if err != nil {
		return fmt.Errorf("add sent: %w", err)
	}
	return nil
}

func (r *CampaignRepo) MarkCompleted(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, sent_at = COALESCE(sent_at, NOW())
		WHERE id = $1
	`, id, domain.CampaignCompleted)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// CancelScheduled flips a scheduled campaign to cancelled and removes its
// undelivered queue items in one transaction, so no worker can claim an item
// after the status check passes.
func (r *CampaignRepo) CancelScheduled(ctx context.Context, id int64) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status = $2
		WHERE id = $1 AND status = $3
	`, id, domain.CampaignCancelled, domain.CampaignScheduled)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return 0, fmt.Errorf("cancel lookup: %w", err)
		}
		if !exists {
			return 0, campaign.ErrNotFound
		}
		return 0, campaign.ErrCannotCancel
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE campaign_id = $1 AND status IN ($2, $3)
	`, id, domain.QueuePending, domain.QueueProcessing)
	if err != nil {
		return 0, fmt.Errorf("delete queue items: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cancel: %w", err)
	}
	return int(removed), nil
}
