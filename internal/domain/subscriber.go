package domain

import "time"

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// Subscriber represents a single email recipient. The delivery engine only
// reads subscribers (to resolve recipients) and flips status/unsubscribed_at
// on a verified unsubscribe; all other lifecycle management belongs to the
// subscriber-management collaborator.
type Subscriber struct {
	ID        int64            `json:"id" db:"id"`
	Email     string           `json:"email" db:"email"`
	FirstName string           `json:"first_name" db:"first_name"`
	LastName  string           `json:"last_name" db:"last_name"`
	Status    SubscriberStatus `json:"status" db:"status"`

	SubscribedAt   time.Time  `json:"subscribed_at" db:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
}
