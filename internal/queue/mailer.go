package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/unclebandit/massmail-backend/internal/model"
)

// Mailer sends one email. Delivery beyond the call is not tracked.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// QueueMailer hands mails to a Queue topic for asynchronous delivery.
type QueueMailer struct {
	Queue Queue
	Topic string
}

func (m *QueueMailer) Send(ctx context.Context, to, subject, body string) error {
	return m.Queue.Publish(ctx, m.Topic, model.OutboundMessage{
		ID:        uuid.NewString(),
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
}

// LogMailer only logs; used when no transport is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to, subject, _ string) error {
	log.Info().Str("component", "mailer").Str("to", to).Str("subject", subject).Msg("mail (log transport)")
	return nil
}

// RateLimitedMailer caps the outbound rate of the wrapped Mailer regardless of
// batch size.
type RateLimitedMailer struct {
	Next    Mailer
	Limiter *rate.Limiter
}

func NewRateLimitedMailer(next Mailer, perSecond float64) *RateLimitedMailer {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedMailer{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (m *RateLimitedMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := m.Limiter.Wait(ctx); err != nil {
		return err
	}
	return m.Next.Send(ctx, to, subject, body)
}
