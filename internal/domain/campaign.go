package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents one composed email plus its resolved recipient set
// and aggregate delivery/engagement outcome.
type Campaign struct {
	ID      int64          `json:"id" db:"id"`
	Subject string         `json:"subject" db:"subject"`
	Status  CampaignStatus `json:"status" db:"status"`

	// Aggregate counters. All mutations are atomic increments at the store
	// level; unique_opens <= total_opened and unique_clicks <= total_clicked
	// hold at all times.
	TotalSent    int `json:"total_sent" db:"total_sent"`
	TotalOpened  int `json:"total_opened" db:"total_opened"`
	UniqueOpens  int `json:"unique_opens" db:"unique_opens"`
	TotalClicked int `json:"total_clicked" db:"total_clicked"`
	UniqueClicks int `json:"unique_clicks" db:"unique_clicks"`

	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// QueueItemStatus enumerates the lifecycle of a single email in the
// delivery queue.
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueSent       QueueItemStatus = "sent"
	QueueFailed     QueueItemStatus = "failed"
)

// MaxSendAttempts is the retry bound for a queue item. An item that fails
// this many transport attempts is marked failed and left for an explicit
// operator retry.
const MaxSendAttempts = 3

// QueueItem is one recipient's send task for a campaign. Subject, content,
// and headers are rendered once at enqueue time; the worker never re-renders.
// The email column is a snapshot so a later subscriber edit does not alter
// in-flight content.
type QueueItem struct {
	ID           int64             `json:"id" db:"id"`
	CampaignID   int64             `json:"campaign_id" db:"campaign_id"`
	SubscriberID int64             `json:"subscriber_id" db:"subscriber_id"`
	Email        string            `json:"email" db:"email"`
	Subject      string            `json:"subject" db:"subject"`
	HTMLContent  string            `json:"html_content" db:"html_content"`
	Headers      map[string]string `json:"headers" db:"headers"`
	Status       QueueItemStatus   `json:"status" db:"status"`
	Attempts     int               `json:"attempts" db:"attempts"`
	ErrorMessage string            `json:"error_message" db:"error_message"`

	ScheduledFor  *time.Time `json:"scheduled_for" db:"scheduled_for"`
	LastAttemptAt *time.Time `json:"last_attempt_at" db:"last_attempt_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	SentAt        *time.Time `json:"sent_at" db:"sent_at"`
}
