package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPQueue uses a durable RabbitMQ queue. Publishing dials per call; the
// consumer keeps one connection open and reconnects after it drops.
type AMQPQueue struct {
	url  string
	name string

	mu         sync.Mutex
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
}

func NewAMQPQueue(url, name string) *AMQPQueue {
	return &AMQPQueue{url: url, name: name}
}

func (q *AMQPQueue) declare(ch *amqp091.Channel) (amqp091.Queue, error) {
	return ch.QueueDeclare(q.name, true, false, false, false, nil)
}

func (q *AMQPQueue) Push(ctx context.Context, jobID string) error {
	conn, err := amqp091.Dial(q.url)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := q.declare(ch); err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, "", q.name, false, false, amqp091.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp091.Persistent,
		Body:         []byte(jobID),
	})
}

// Pop acknowledges the delivery as soon as it is received. Job state is
// tracked in the job store, so redelivery is never needed.
func (q *AMQPQueue) Pop(ctx context.Context) (string, error) {
	deliveries, err := q.consume()
	if err != nil {
		return "", err
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			q.reset()
			return "", errors.New("delivery channel is closed")
		}
		if err := d.Ack(false); err != nil {
			return "", err
		}
		return string(d.Body), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *AMQPQueue) consume() (<-chan amqp091.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil && q.ch != nil && !q.ch.IsClosed() {
		return q.deliveries, nil
	}
	q.closeLocked()

	conn, err := amqp091.Dial(q.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	queue, err := q.declare(ch)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	q.conn, q.ch, q.deliveries = conn, ch, deliveries
	return deliveries, nil
}

func (q *AMQPQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *AMQPQueue) closeLocked() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
	q.conn, q.ch, q.deliveries = nil, nil, nil
}

func (q *AMQPQueue) Close() error {
	q.reset()
	return nil
}
