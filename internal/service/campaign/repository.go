package campaign

import (
	"context"

	"github.com/lumencrm/delivery-engine/internal/domain"
)

// Repository defines the data access contract for the campaign service.
// Implementations must be safe for concurrent use.
type Repository interface {
	// CreateCampaign inserts a new campaign and returns its ID.
	CreateCampaign(ctx context.Context, c *domain.Campaign) (int64, error)

	// GetCampaign returns a single campaign. Returns ErrNotFound if it
	// doesn't exist.
	GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error)

	// ListCampaigns returns campaigns ordered by created_at DESC.
	ListCampaigns(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)

	// AddSent atomically adds n to the campaign's total_sent counter.
	AddSent(ctx context.Context, id int64, n int) error

	// MarkCompleted transitions a campaign to completed.
	MarkCompleted(ctx context.Context, id int64) error

	// CancelScheduled atomically transitions a scheduled campaign to
	// cancelled and deletes its pending/processing queue items, in one
	// transaction. Returns the number of queue items removed.
	// Returns ErrNotFound for a missing campaign and ErrCannotCancel when
	// the campaign is in any status other than scheduled.
	CancelScheduled(ctx context.Context, id int64) (int, error)

	// ResolveRecipients returns the active subscribers selected by sel.
	// Non-active subscribers are never returned regardless of selector.
	ResolveRecipients(ctx context.Context, sel RecipientSelector) ([]domain.Subscriber, error)

	// Enqueue bulk-inserts pre-rendered queue items in pending status and
	// returns the number inserted.
	Enqueue(ctx context.Context, items []domain.QueueItem) (int, error)

	// ResetFailed flips failed queue items back to pending with attempts
	// and error cleared, for the given campaign or for all campaigns when
	// campaignID is 0. Returns the number of items reset.
	ResetFailed(ctx context.Context, campaignID int64) (int, error)

	// QueueCounts returns the per-status queue item counts for a campaign.
	QueueCounts(ctx context.Context, campaignID int64) (map[domain.QueueItemStatus]int, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// RecipientSelector picks the recipient set for a send. Precedence:
// explicit IDs, then tags (any-of match), then every active subscriber.
type RecipientSelector struct {
	SubscriberIDs []int64  `json:"subscriber_ids"`
	Tags          []string `json:"tags"`
}
