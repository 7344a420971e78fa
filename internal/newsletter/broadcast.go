package newsletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/mail"
	"github.com/lalithlochan/lynk/internal/queue"
)

// BroadcastKind is the job kind that fans a newsletter out to one page of
// subscribers and chains the next page.
const BroadcastKind = "newsletter.broadcast"

const broadcastPageSize = 500

// BroadcastPayload names the page of subscribers a broadcast job covers.
type BroadcastPayload struct {
	NewsletterID uuid.UUID `json:"newsletter_id"`
	Offset       int       `json:"offset"`
}

// Dispatcher enqueues a job and returns without waiting for it to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, payload any) (string, error)
}

// Subscribers pages through recipient ids.
type Subscribers interface {
	ListUserIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error)
}

// Broadcaster starts sends from the API. It only enqueues one job per
// request, so a request either starts a broadcast or does nothing.
type Broadcaster struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewBroadcaster(dispatcher Dispatcher, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{dispatcher: dispatcher, logger: logger}
}

// Broadcast enqueues the first page of a broadcast and returns its job id.
func (b *Broadcaster) Broadcast(ctx context.Context, newsletterID uuid.UUID) (string, error) {
	id, err := b.dispatcher.Dispatch(ctx, BroadcastKind, BroadcastPayload{NewsletterID: newsletterID})
	if err != nil {
		return "", fmt.Errorf("enqueue broadcast: %w", err)
	}

	b.logger.Info("newsletter broadcast enqueued",
		zap.String("newsletter_id", newsletterID.String()),
		zap.String("job_id", id),
	)
	return id, nil
}

// SendTest enqueues a single delivery rendered for userID but addressed to email.
func (b *Broadcaster) SendTest(ctx context.Context, newsletterID, userID uuid.UUID, email string) (string, error) {
	to, err := mail.NormalizeAddress(email)
	if err != nil {
		return "", err
	}

	id, err := b.dispatcher.Dispatch(ctx, Kind, Payload{NewsletterID: newsletterID, UserID: userID, TestEmail: to})
	if err != nil {
		return "", fmt.Errorf("enqueue test send: %w", err)
	}
	return id, nil
}

// BroadcastJob enqueues one send job per subscriber on its page, then the
// job for the next page. A retried page may enqueue a send twice; the send
// job skips deliveries already marked sent.
type BroadcastJob struct {
	subscribers Subscribers
	dispatcher  Dispatcher
	pageSize    int
	logger      *zap.Logger
}

var _ queue.Job = (*BroadcastJob)(nil)

func NewBroadcastJob(subscribers Subscribers, dispatcher Dispatcher, logger *zap.Logger) *BroadcastJob {
	return &BroadcastJob{
		subscribers: subscribers,
		dispatcher:  dispatcher,
		pageSize:    broadcastPageSize,
		logger:      logger,
	}
}

func (j *BroadcastJob) Kind() string { return BroadcastKind }

func (j *BroadcastJob) Policy() queue.Policy {
	return queue.Policy{
		Tries:         3,
		Backoff:       []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		MaxExceptions: 2,
		Timeout:       5 * time.Minute,
	}
}

func (j *BroadcastJob) Handle(ctx context.Context, raw json.RawMessage) error {
	var p BroadcastPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	ids, err := j.subscribers.ListUserIDs(ctx, j.pageSize, p.Offset)
	if err != nil {
		return fmt.Errorf("list subscribers at offset %d: %w", p.Offset, err)
	}

	for _, userID := range ids {
		if _, err := j.dispatcher.Dispatch(ctx, Kind, Payload{NewsletterID: p.NewsletterID, UserID: userID}); err != nil {
			return fmt.Errorf("enqueue delivery to %s: %w", userID, err)
		}
	}

	j.logger.Info("newsletter broadcast page enqueued",
		zap.String("newsletter_id", p.NewsletterID.String()),
		zap.Int("offset", p.Offset),
		zap.Int("jobs", len(ids)),
	)

	if len(ids) < j.pageSize {
		return nil
	}

	next := BroadcastPayload{NewsletterID: p.NewsletterID, Offset: p.Offset + j.pageSize}
	if _, err := j.dispatcher.Dispatch(ctx, BroadcastKind, next); err != nil {
		return fmt.Errorf("enqueue broadcast page at offset %d: %w", next.Offset, err)
	}
	return nil
}

// Failed logs where the broadcast stopped. Pages before Offset were enqueued.
func (j *BroadcastJob) Failed(ctx context.Context, raw json.RawMessage, err error) {
	var p BroadcastPayload
	_ = json.Unmarshal(raw, &p)

	j.logger.Error("newsletter broadcast permanently failed",
		zap.String("newsletter_id", p.NewsletterID.String()),
		zap.Int("offset", p.Offset),
		zap.Error(err),
	)
}
