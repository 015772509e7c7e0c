package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/unclebandit/massmail-backend/internal/model"
)

// AMQPQueue is a Queue backed by durable RabbitMQ queues, one per topic.
// Failed messages are republished with an incremented retry count until
// MaxRetries is reached.
type AMQPQueue struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         *amqp.Channel
	declared   map[string]bool
	MaxRetries int
}

func DialAMQP(url string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to RabbitMQ")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	return &AMQPQueue{conn: conn, ch: ch, declared: map[string]bool{}, MaxRetries: 3}, nil
}

func (q *AMQPQueue) declare(topic string) error {
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return errors.Wrapf(err, "declare queue %s", topic)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, msg model.OutboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(topic); err != nil {
		return err
	}
	err = q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	return errors.Wrapf(err, "publish to %s", topic)
}

// Subscribe starts consuming topic in the background with manual acks.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "consume %s", topic)
	}

	go func() {
		for d := range msgs {
			q.handle(topic, d, handler)
		}
		log.Info().Str("component", "amqp").Str("topic", topic).Msg("consumer stopped")
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	var msg model.OutboundMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn().Err(err).Str("component", "amqp").Msg("invalid message dropped")
		_ = d.Ack(false)
		return
	}

	err := handler(context.Background(), msg)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	msg.RetryCount++
	if msg.RetryCount > q.MaxRetries {
		log.Error().Err(err).Str("component", "amqp").Str("id", msg.ID).Msg("message permanently failed")
		_ = d.Ack(false)
		return
	}
	log.Warn().Err(err).Str("component", "amqp").Str("id", msg.ID).Int("attempt", msg.RetryCount).Msg("message failed, requeueing")
	if perr := q.Publish(context.Background(), topic, msg); perr != nil {
		log.Error().Err(perr).Str("component", "amqp").Msg("requeue failed")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	return q.conn.Close()
}
