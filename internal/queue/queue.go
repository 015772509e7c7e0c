package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/model"
)

// Handler consumes one outbound message. A returned error asks for a retry.
type Handler func(ctx context.Context, msg model.OutboundMessage) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, msg model.OutboundMessage) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue delivers to subscribers in goroutines with linear backoff
// between retries.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	wg         sync.WaitGroup
	MaxRetries int
	Backoff    time.Duration
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, msg model.OutboundMessage) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return errors.Newf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.process(context.WithoutCancel(ctx), handler, msg)
	}
	return nil
}

// process handles retries and errors
func (q *InMemoryQueue) process(ctx context.Context, handler Handler, msg model.OutboundMessage) {
	defer q.wg.Done()
	for {
		err := handler(ctx, msg)
		if err == nil {
			log.Debug().Str("component", "queue").Str("id", msg.ID).Msg("message processed")
			return
		}

		msg.RetryCount++
		log.Warn().Err(err).Str("component", "queue").Str("id", msg.ID).
			Int("attempt", msg.RetryCount).Int("max_retries", q.MaxRetries).Msg("message failed")

		if msg.RetryCount > q.MaxRetries {
			log.Error().Str("component", "queue").Str("id", msg.ID).Msg("message permanently failed")
			return
		}
		time.Sleep(time.Duration(msg.RetryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published message has been handled or dropped.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}
