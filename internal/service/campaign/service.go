package campaign

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumencrm/delivery-engine/internal/domain"
	"github.com/lumencrm/delivery-engine/internal/pkg/logger"
	"github.com/lumencrm/delivery-engine/internal/transport"
)

// Options configures a campaign Service.
type Options struct {
	// Sender identity stamped on every outgoing message.
	FromName  string
	FromEmail string
	ReplyTo   string

	// QueueThreshold is the recipient count above which sends are queued.
	QueueThreshold int
	// ImmediateConcurrency bounds parallel transport calls in immediate mode.
	ImmediateConcurrency int
	// SendTimeout bounds each transport call.
	SendTimeout time.Duration

	// Wake, if set, nudges the queue worker after an enqueue or retry so
	// new work is picked up before the next poll tick.
	Wake func()

	Logger *logger.Logger
}

// Service implements campaign business logic. It coordinates the repository,
// the renderer, and the mail transport. All public methods are safe for
// concurrent use if the repository is concurrency-safe.
type Service struct {
	repo     Repository
	sender   transport.Sender
	renderer *Renderer
	opts     Options
	log      *logger.Logger
}

// NewService creates a campaign service.
func NewService(repo Repository, sender transport.Sender, renderer *Renderer, opts Options) *Service {
	if opts.QueueThreshold <= 0 {
		opts.QueueThreshold = 500
	}
	if opts.ImmediateConcurrency <= 0 {
		opts.ImmediateConcurrency = 4
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	return &Service{
		repo:     repo,
		sender:   sender,
		renderer: renderer,
		opts:     opts,
		log:      opts.Logger,
	}
}

// SendInput holds the fields for creating and sending a campaign.
type SendInput struct {
	Subject      string            `json:"subject"`
	HTMLContent  string            `json:"html_content"`
	Recipients   RecipientSelector `json:"recipients"`
	ScheduledFor *time.Time        `json:"scheduled_for"`
}

// SendReceipt reports the outcome of CreateAndSend.
type SendReceipt struct {
	Campaign   *domain.Campaign `json:"campaign"`
	Mode       string           `json:"mode"` // "immediate" or "queued"
	Recipients int              `json:"recipients"`
	Sent       int              `json:"sent"`   // immediate mode only
	Failed     int              `json:"failed"` // immediate mode only
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Campaign, error) {
	return s.repo.GetCampaign(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.ListCampaigns(ctx, f)
}

// Stats combines the campaign's engagement counters with its current queue
// depth by status.
type Stats struct {
	Campaign *domain.Campaign               `json:"campaign"`
	Queue    map[domain.QueueItemStatus]int `json:"queue"`
}

// GetStats returns campaign counters and queue depth.
func (s *Service) GetStats(ctx context.Context, id int64) (*Stats, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.QueueCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Stats{Campaign: c, Queue: counts}, nil
}

// CreateAndSend validates the input, resolves recipients, creates the
// campaign row, and either delivers inline (small unscheduled sends) or
// enqueues pre-rendered items for the queue worker.
//
// Queued mode is selected when a schedule is set or the recipient count
// exceeds the queue threshold.
func (s *Service) CreateAndSend(ctx context.Context, input SendInput) (*SendReceipt, error) {
	if input.Subject == "" {
		return nil, ErrMissingSubject
	}
	if input.HTMLContent == "" {
		return nil, ErrMissingContent
	}
	if input.ScheduledFor != nil && !input.ScheduledFor.After(time.Now()) {
		return nil, ErrScheduleInPast
	}

	recipients, err := s.repo.ResolveRecipients(ctx, input.Recipients)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	queued := input.ScheduledFor != nil || len(recipients) > s.opts.QueueThreshold

	status := domain.CampaignSending
	if input.ScheduledFor != nil {
		status = domain.CampaignScheduled
	}
	c := &domain.Campaign{Subject: input.Subject, Status: status}
	id, err := s.repo.CreateCampaign(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	c.ID = id

	receipt := &SendReceipt{Campaign: c, Recipients: len(recipients)}

	if queued {
		receipt.Mode = "queued"
		n, err := s.enqueue(ctx, c, input, recipients)
		if err != nil {
			return nil, err
		}
		s.log.Info("campaign enqueued", "campaign_id", c.ID, "items", n, "scheduled", input.ScheduledFor != nil)
		if s.opts.Wake != nil && input.ScheduledFor == nil {
			s.opts.Wake()
		}
		return receipt, nil
	}

	receipt.Mode = "immediate"
	receipt.Sent, receipt.Failed = s.deliverImmediate(ctx, c, input, recipients)
	return receipt, nil
}

// enqueue renders one queue item per recipient and bulk-inserts them as
// pending. Content is rendered once here; the worker never re-renders.
func (s *Service) enqueue(ctx context.Context, c *domain.Campaign, input SendInput, recipients []domain.Subscriber) (int, error) {
	items := make([]domain.QueueItem, 0, len(recipients))
	for _, sub := range recipients {
		r, err := s.renderer.Render(c.ID, input.Subject, input.HTMLContent, sub)
		if err != nil {
			return 0, fmt.Errorf("render for subscriber %d: %w", sub.ID, err)
		}
		items = append(items, domain.QueueItem{
			CampaignID:   c.ID,
			SubscriberID: sub.ID,
			Email:        sub.Email,
			Subject:      r.Subject,
			HTMLContent:  r.HTML,
			Headers:      transport.BaseHeaders(r.UnsubscribeURL),
			Status:       domain.QueuePending,
			ScheduledFor: input.ScheduledFor,
		})
	}
	n, err := s.repo.Enqueue(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return n, nil
}

// pacingInterval returns the inter-dispatch delay for an immediate send.
// Crude client-side pacing: small batches go full speed, larger ones are
// spread out to stay under transport burst limits.
func pacingInterval(recipients int) time.Duration {
	switch {
	case recipients <= 10:
		return 0
	case recipients <= 50:
		return 100 * time.Millisecond
	case recipients <= 100:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// deliverImmediate renders and sends to every recipient through a bounded
// worker pool, pacing dispatch by recipient count. The campaign is marked
// completed when the pool drains; individual failures are logged and counted
// but never abort the run.
func (s *Service) deliverImmediate(ctx context.Context, c *domain.Campaign, input SendInput, recipients []domain.Subscriber) (sent, failed int) {
	var sentN, failedN int64
	interval := pacingInterval(len(recipients))

	jobs := make(chan domain.Subscriber)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.ImmediateConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				if err := s.sendOne(ctx, c, input, sub); err != nil {
					atomic.AddInt64(&failedN, 1)
					s.log.Warn("immediate send failed",
						"campaign_id", c.ID, "subscriber_id", sub.ID,
						"email", sub.Email, "error", err.Error())
					continue
				}
				atomic.AddInt64(&sentN, 1)
			}
		}()
	}

	for _, sub := range recipients {
		jobs <- sub
		if interval > 0 {
			time.Sleep(interval)
		}
	}
	close(jobs)
	wg.Wait()

	if err := s.repo.MarkCompleted(ctx, c.ID); err != nil {
		s.log.Error("mark completed", "campaign_id", c.ID, "error", err.Error())
	} else {
		c.Status = domain.CampaignCompleted
	}

	return int(atomic.LoadInt64(&sentN)), int(atomic.LoadInt64(&failedN))
}

// sendOne renders and delivers a single immediate-mode message, bumping the
// campaign's sent counter on success.
func (s *Service) sendOne(ctx context.Context, c *domain.Campaign, input SendInput, sub domain.Subscriber) error {
	r, err := s.renderer.Render(c.ID, input.Subject, input.HTMLContent, sub)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	result, err := s.sender.Send(sendCtx, &transport.Message{
		CampaignID:   c.ID,
		SubscriberID: sub.ID,
		Email:        sub.Email,
		FromName:     s.opts.FromName,
		FromEmail:    s.opts.FromEmail,
		ReplyTo:      s.opts.ReplyTo,
		Subject:      r.Subject,
		HTMLContent:  r.HTML,
		Headers:      transport.BaseHeaders(r.UnsubscribeURL),
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("transport: %s", result.Error)
	}

	if err := s.repo.AddSent(ctx, c.ID, 1); err != nil {
		s.log.Error("increment total_sent", "campaign_id", c.ID, "error", err.Error())
	}
	return nil
}

// Cancel aborts a scheduled campaign: status flips to cancelled and all
// undelivered queue items are removed in the same transaction. Already
// sent/failed items are untouched. Returns the number of items removed.
func (s *Service) Cancel(ctx context.Context, id int64) (int, error) {
	return s.repo.CancelScheduled(ctx, id)
}

// RetryFailed resets failed queue items to pending (attempts and error
// cleared) for one campaign, or for all campaigns when id is 0, and wakes
// the worker. Returns the number of items reset.
func (s *Service) RetryFailed(ctx context.Context, id int64) (int, error) {
	n, err := s.repo.ResetFailed(ctx, id)
	if err != nil {
		return 0, err
	}
	if n > 0 && s.opts.Wake != nil {
		s.opts.Wake()
	}
	return n, nil
}
