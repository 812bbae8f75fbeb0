package domain

import "time"

// OpenEvent records the first verified open for a (campaign, subscriber)
// pair. Repeat opens by the same pair do not create new rows; they only
// bump the campaign's total_opened counter.
type OpenEvent struct {
	ID           int64     `json:"id" db:"id"`
	CampaignID   int64     `json:"campaign_id" db:"campaign_id"`
	SubscriberID int64     `json:"subscriber_id" db:"subscriber_id"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ClickEvent records every verified click occurrence. IsUnique is true on
// the first row for a (campaign, subscriber, url) triple and false on
// repeats; a partial unique index enforces at most one unique row per triple
// under concurrent requests.
type ClickEvent struct {
	ID           int64     `json:"id" db:"id"`
	CampaignID   int64     `json:"campaign_id" db:"campaign_id"`
	SubscriberID int64     `json:"subscriber_id" db:"subscriber_id"`
	URL          string    `json:"url" db:"url"`
	IsUnique     bool      `json:"is_unique" db:"is_unique"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
