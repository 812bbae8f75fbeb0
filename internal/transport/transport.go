// Package transport abstracts the mail transport: a fully-rendered message
// goes in, and the transport either accepts or rejects it. The delivery
// engine treats everything past Send as a black box.
package transport

import (
	"context"
	"time"
)

// Message is a fully-rendered email ready for the transport. By the time a
// message reaches this struct, all placeholder substitution, tracking
// injection, and header generation is complete.
type Message struct {
	CampaignID   int64
	SubscriberID int64
	Email        string
	FromName     string
	FromEmail    string
	ReplyTo      string
	Subject      string
	HTMLContent  string
	Headers      map[string]string
}

// Result is returned by a sender after attempting delivery.
type Result struct {
	Success   bool
	MessageID string
	Error     string
	SentAt    time.Time
}

// Sender delivers a single message. Implementations must honor the context
// deadline; callers apply a bounded timeout so no send blocks indefinitely.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// BaseHeaders returns the deliverability headers attached to every campaign
// message. The unsubscribe URL enables one-click list unsubscribe in
// compliant mail clients.
func BaseHeaders(unsubscribeURL string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      "<" + unsubscribeURL + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		"Precedence":            "bulk",
		"Auto-Submitted":        "auto-generated",
	}
}
