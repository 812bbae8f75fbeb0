package tracking

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/pkg/logger"
	"github.com/lumencrm/delivery-engine/internal/ratelimit"
	"github.com/lumencrm/delivery-engine/internal/token"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EventStore persists verified engagement events.
type EventStore interface {
	RecordOpen(ctx context.Context, ev *domain.OpenEvent) error
	RecordClick(ctx context.Context, ev *domain.ClickEvent) (bool, error)
}

// SubscriberStore looks up and unsubscribes subscribers.
type SubscriberStore interface {
	GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	GetByID(ctx context.Context, id int64) (*domain.Subscriber, error)
	Unsubscribe(ctx context.Context, id int64) (bool, error)
}

// HandlerOptions configures the tracking handler.
type HandlerOptions struct {
	// AnonymizeIPs zeroes the tail of stored addresses. Privacy default.
	AnonymizeIPs bool
	// UnsubscribeLimitPerHour caps unsubscribe attempts per requester IP.
	// Zero disables rate limiting (no Redis configured).
	UnsubscribeLimitPerHour int
	// ConfirmURL, if set, is where a successful unsubscribe redirects.
	// Empty serves an inline confirmation page instead.
	ConfirmURL string

	Logger *logger.Logger
}

// Handler serves the open pixel, click redirect, and unsubscribe endpoints.
type Handler struct {
	signer  *token.Signer
	events  EventStore
	subs    SubscriberStore
	limiter *ratelimit.Limiter
	opts    HandlerOptions
	log     *logger.Logger
}

// NewHandler creates the tracking HTTP handler. limiter may be nil.
func NewHandler(signer *token.Signer, events EventStore, subs SubscriberStore, limiter *ratelimit.Limiter, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	return &Handler{
		signer:  signer,
		events:  events,
		subs:    subs,
		limiter: limiter,
		opts:    opts,
		log:     opts.Logger,
	}
}

// Routes wires the public endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/t", h.HandleTrack)
	r.Get("/unsubscribe", h.HandleUnsubscribe)
	r.Post("/unsubscribe", h.HandleUnsubscribe) // RFC 8058 one-click POST
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleTrack dispatches on the track query parameter.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("track") {
	case "open":
		h.handleOpen(w, r)
	case "click":
		h.handleClick(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleOpen records a verified open and serves the pixel. Every failure
// path still serves the pixel: a broken image in a newsletter is worse than
// a lost data point.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaignID, err1 := strconv.ParseInt(q.Get("campaign"), 10, 64)
	subscriberID, err2 := strconv.ParseInt(q.Get("subscriber"), 10, 64)
	if err1 != nil || err2 != nil {
		h.servePixel(w)
		return
	}

	sub, err := h.subs.GetByID(r.Context(), subscriberID)
	if err != nil {
		h.servePixel(w)
		return
	}
	if !h.signer.VerifyOpen(campaignID, subscriberID, sub.Email, q.Get("token")) {
		h.servePixel(w)
		return
	}

	ev := &domain.OpenEvent{
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		UserAgent:    TruncateUserAgent(r.UserAgent()),
		IPAddress:    h.clientIP(r),
	}
	if err := h.events.RecordOpen(r.Context(), ev); err != nil {
		h.log.Error("record open", "campaign_id", campaignID, "subscriber_id", subscriberID, "error", err.Error())
	} else {
		h.log.Debug("open recorded", "campaign_id", campaignID, "subscriber_id", subscriberID)
	}
	h.servePixel(w)
}

// handleClick verifies the token, records the click, and redirects to the
// destination. An invalid token is rejected outright: the signed URL is the
// only thing standing between this endpoint and an open redirect.
func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaignID, err1 := strconv.ParseInt(q.Get("campaign"), 10, 64)
	subscriberID, err2 := strconv.ParseInt(q.Get("subscriber"), 10, 64)
	destURL := q.Get("url")
	if err1 != nil || err2 != nil || destURL == "" {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}
	if !h.signer.VerifyClick(campaignID, subscriberID, destURL, q.Get("token")) {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}

	ev := &domain.ClickEvent{
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		URL:          destURL,
		UserAgent:    TruncateUserAgent(r.UserAgent()),
		IPAddress:    h.clientIP(r),
	}
	if _, err := h.events.RecordClick(r.Context(), ev); err != nil {
		// The reader still gets their article; the data point is lost.
		h.log.Error("record click", "campaign_id", campaignID, "subscriber_id", subscriberID, "error", err.Error())
	}

	http.Redirect(w, r, destURL, http.StatusFound)
}

// HandleUnsubscribe verifies the signed unsubscribe link and flips the
// subscriber's status. Replays of the same link are idempotent successes.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && h.opts.UnsubscribeLimitPerHour > 0 {
		// Rate limiting keys on the exact requester address; anonymization
		// applies to stored events, not to the ephemeral Redis counter.
		allowed, err := h.limiter.Allow(ctx, "unsub:"+hostOnly(realIP(r)), h.opts.UnsubscribeLimitPerHour, time.Hour)
		if err != nil {
			h.log.Error("unsubscribe rate limit", "error", err.Error())
		} else if !allowed {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	q := r.URL.Query()
	email := q.Get("email")
	presented := q.Get("token")
	if q.Get("unsubscribe") != "1" || email == "" || presented == "" {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}

	sub, err := h.subs.GetByEmail(ctx, email)
	if err == ErrSubscriberNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("unsubscribe lookup", "email", email, "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if !h.signer.VerifyUnsubscribe(email, sub.ID, presented) {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}

	changed, err := h.subs.Unsubscribe(ctx, sub.ID)
	if err != nil {
		h.log.Error("unsubscribe", "subscriber_id", sub.ID, "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if changed {
		h.log.Info("subscriber unsubscribed", "subscriber_id", sub.ID, "email", email)
	}

	if h.opts.ConfirmURL != "" {
		http.Redirect(w, r, h.opts.ConfirmURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

// HandleHealth reports service liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

// clientIP extracts the requester address, applying the anonymization policy
// before it ever reaches an event row.
func (h *Handler) clientIP(r *http.Request) string {
	addr := realIP(r)
	if h.opts.AnonymizeIPs {
		return AnonymizeIP(addr)
	}
	return hostOnly(addr)
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
