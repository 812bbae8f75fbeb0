package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/service/campaign"
	"github.com/lumencrm/delivery-engine/internal/tracking"
)

const subscriberCols = `id, email, COALESCE(first_name,''), COALESCE(last_name,''),
	       status, subscribed_at, unsubscribed_at`

// ResolveRecipients returns active subscribers matching the selector.
// Explicit IDs win over tags; an empty selector means every active
// subscriber. Non-active subscribers are excluded on every path.
func (r *CampaignRepo) ResolveRecipients(ctx context.Context, sel campaign.RecipientSelector) ([]domain.Subscriber, error) {
	var (
		q    string
		args []interface{}
	)
	switch {
	case len(sel.SubscriberIDs) > 0:
		q = `
			SELECT ` + subscriberCols + `
			FROM subscribers
			WHERE status = $1 AND id = ANY($2)
			ORDER BY id`
		args = []interface{}{domain.SubscriberActive, pq.Array(sel.SubscriberIDs)}
	case len(sel.Tags) > 0:
		q = `
			SELECT DISTINCT ` + subscriberCols + `
			FROM subscribers s
			JOIN subscriber_tags t ON t.subscriber_id = s.id
			WHERE s.status = $1 AND t.tag = ANY($2)
			ORDER BY id`
		args = []interface{}{domain.SubscriberActive, pq.Array(sel.Tags)}
	default:
		q = `
			SELECT ` + subscriberCols + `
			FROM subscribers
			WHERE status = $1
			ORDER BY id`
		args = []interface{}{domain.SubscriberActive}
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		if err := rows.Scan(
			&s.ID, &s.Email, &s.FirstName, &s.LastName,
			&s.Status, &s.SubscribedAt, &s.UnsubscribedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SubscriberRepo serves the tracking service's subscriber lookups and the
// unsubscribe mutation.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

func (r *SubscriberRepo) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	s := &domain.Subscriber{}
	err := r.db.QueryRowContext(ctx, `
		SELECT `+subscriberCols+`
		FROM subscribers
		WHERE email = $1
	`, email).Scan(
		&s.ID, &s.Email, &s.FirstName, &s.LastName,
		&s.Status, &s.SubscribedAt, &s.UnsubscribedAt,
	)
	if err == sql.ErrNoRows {
		return nil, tracking.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) GetByID(ctx context.Context, id int64) (*domain.Subscriber, error) {
	s := &domain.Subscriber{}
	err := r.db.QueryRowContext(ctx, `
		SELECT `+subscriberCols+`
		FROM subscribers
		WHERE id = $1
	`, id).Scan(
		&s.ID, &s.Email, &s.FirstName, &s.LastName,
		&s.Status, &s.SubscribedAt, &s.UnsubscribedAt,
	)
	if err == sql.ErrNoRows {
		return nil, tracking.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

// Unsubscribe flips a subscriber to unsubscribed and stamps the time.
// Returns false without touching the row when the subscriber already
// unsubscribed, so the caller can treat replays as idempotent successes.
func (r *SubscriberRepo) Unsubscribe(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscribers
		SET status = $2, unsubscribed_at = NOW()
		WHERE id = $1 AND status <> $2
	`, id, domain.SubscriberUnsubscribed)
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
