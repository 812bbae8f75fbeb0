// Package token derives and verifies the keyed-hash tokens that authorize
// tracking and unsubscribe requests without a server-side session.
//
// Tokens are deterministic: the same campaign/subscriber (or email/url)
// inputs always produce the same token, so links stay valid for the life of
// a campaign and tracking stays idempotent across send retries. There is no
// expiry by design.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
)

// Signer produces and verifies HMAC-SHA256 tokens under a shared secret key.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from the configured secret.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// sign creates an HMAC signature over data, hex-encoded and truncated.
func (s *Signer) sign(data string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// verify compares a presented token against the expected one in constant
// time. hmac.Equal is timing-attack resistant.
func (s *Signer) verify(data, presented string) bool {
	expected := s.sign(data)
	return hmac.Equal([]byte(expected), []byte(presented))
}

// OpenToken derives the token for an open-tracking request. The subscriber
// email is bound in so a token cannot be replayed for a different recipient
// after an id reshuffle.
func (s *Signer) OpenToken(campaignID, subscriberID int64, email string) string {
	return s.sign(fmt.Sprintf("open|%d|%d|%s", campaignID, subscriberID, email))
}

// VerifyOpen checks an open-tracking token.
func (s *Signer) VerifyOpen(campaignID, subscriberID int64, email, presented string) bool {
	return s.verify(fmt.Sprintf("open|%d|%d|%s", campaignID, subscriberID, email), presented)
}

// ClickToken derives the token for a click-tracking request. The destination
// URL is part of the signed data: a click token authorizes a redirect to
// exactly one destination.
func (s *Signer) ClickToken(campaignID, subscriberID int64, destURL string) string {
	return s.sign(fmt.Sprintf("click|%d|%d|%s", campaignID, subscriberID, destURL))
}

// VerifyClick checks a click-tracking token.
func (s *Signer) VerifyClick(campaignID, subscriberID int64, destURL, presented string) bool {
	return s.verify(fmt.Sprintf("click|%d|%d|%s", campaignID, subscriberID, destURL), presented)
}

// UnsubscribeToken derives the token for an unsubscribe request.
func (s *Signer) UnsubscribeToken(email string, subscriberID int64) string {
	return s.sign(fmt.Sprintf("unsub|%s|%d", email, subscriberID))
}

// VerifyUnsubscribe checks an unsubscribe token.
func (s *Signer) VerifyUnsubscribe(email string, subscriberID int64, presented string) bool {
	return s.verify(fmt.Sprintf("unsub|%s|%d", email, subscriberID), presented)
}

// LinkBuilder assembles the signed tracking and unsubscribe URLs embedded
// into outgoing mail.
type LinkBuilder struct {
	signer      *Signer
	trackingURL string // site-root tracking endpoint, e.g. https://track.example.com
	unsubURL    string // dedicated unsubscribe page, e.g. https://www.example.com/unsubscribe
}

// NewLinkBuilder creates a link builder over the given signer and base URLs.
func NewLinkBuilder(signer *Signer, trackingURL, unsubURL string) *LinkBuilder {
	return &LinkBuilder{signer: signer, trackingURL: trackingURL, unsubURL: unsubURL}
}

// OpenPixelURL returns the signed 1x1 open-tracking URL for a recipient.
func (b *LinkBuilder) OpenPixelURL(campaignID, subscriberID int64, email string) string {
	q := url.Values{}
	q.Set("track", "open")
	q.Set("campaign", fmt.Sprintf("%d", campaignID))
	q.Set("subscriber", fmt.Sprintf("%d", subscriberID))
	q.Set("token", b.signer.OpenToken(campaignID, subscriberID, email))
	return b.trackingURL + "/t?" + q.Encode()
}

// ClickURL returns the signed redirect URL wrapping destURL.
func (b *LinkBuilder) ClickURL(campaignID, subscriberID int64, destURL string) string {
	q := url.Values{}
	q.Set("track", "click")
	q.Set("campaign", fmt.Sprintf("%d", campaignID))
	q.Set("subscriber", fmt.Sprintf("%d", subscriberID))
	q.Set("url", destURL)
	q.Set("token", b.signer.ClickToken(campaignID, subscriberID, destURL))
	return b.trackingURL + "/t?" + q.Encode()
}

// UnsubscribeURL returns the signed one-click unsubscribe URL for a recipient.
func (b *LinkBuilder) UnsubscribeURL(email string, subscriberID int64) string {
	q := url.Values{}
	q.Set("unsubscribe", "1")
	q.Set("email", email)
	q.Set("token", b.signer.UnsubscribeToken(email, subscriberID))
	return b.unsubURL + "?" + q.Encode()
}
