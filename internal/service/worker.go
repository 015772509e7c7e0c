package service

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/queue"
)

// Worker consumes queued mails and hands them to a delivery function,
// normally an SMTP relay.
type Worker struct {
	Queue   queue.Queue
	Topic   string
	Deliver queue.Handler

	delivered atomic.Int64
	failed    atomic.Int64
}

// Constructor
func NewWorker(q queue.Queue, topic string, deliver queue.Handler) *Worker {
	return &Worker{
		Queue:   q,
		Topic:   topic,
		Deliver: deliver,
	}
}

// Start subscribes to the topic. Delivery happens on the queue's goroutines.
func (w *Worker) Start() error {
	if err := w.Queue.Subscribe(w.Topic, w.handle); err != nil {
		return err
	}
	log.Info().Str("component", "worker").Str("topic", w.Topic).Msg("worker running, waiting for messages")
	return nil
}

func (w *Worker) handle(ctx context.Context, msg model.OutboundMessage) error {
	if err := w.Deliver(ctx, msg); err != nil {
		w.failed.Add(1)
		return err
	}
	w.delivered.Add(1)
	log.Debug().Str("component", "worker").Str("id", msg.ID).Str("to", msg.To).Msg("mail delivered")
	return nil
}

// Stats reports delivered mails and failed attempts so far.
func (w *Worker) Stats() (delivered, failed int64) {
	return w.delivered.Load(), w.failed.Load()
}
