package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue is a Queue on top of a durable RabbitMQ queue. Messages are
// published persistent and acknowledged when Dequeue hands them out.
//
// Tasks with a future NotBefore are held in process until due and then
// published; the scheduler's Recover resubmits them after a restart.
type AMQPQueue struct {
	conn *amqp.Connection
	name string

	pubMu sync.Mutex
	pub   *amqp.Channel

	cons       *amqp.Channel
	deliveries <-chan amqp.Delivery

	deferred  atomic.Int64
	closeOnce sync.Once
}

// Ensure AMQPQueue implements Queue.
var _ Queue = (*AMQPQueue)(nil)

// DialAMQP connects to url and opens a queue named queue.
func DialAMQP(url, queue string, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	q, err := NewAMQPQueue(conn, queue, prefetch)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

// NewAMQPQueue declares the durable queue on conn and starts consuming it.
// Close releases the channels and the connection.
func NewAMQPQueue(conn *amqp.Connection, queue string, prefetch int) (*AMQPQueue, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if _, err := pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	cons, err := conn.Channel()
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := cons.Qos(prefetch, 0, false); err != nil {
		_ = pub.Close()
		_ = cons.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := cons.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = pub.Close()
		_ = cons.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	return &AMQPQueue{
		conn:       conn,
		name:       queue,
		pub:        pub,
		cons:       cons,
		deliveries: deliveries,
	}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	if wait := time.Until(t.NotBefore); !t.NotBefore.IsZero() && wait > 0 {
		q.deferred.Add(1)
		time.AfterFunc(wait, func() {
			defer q.deferred.Add(-1)
			_ = q.publish(context.Background(), t)
		})
		return nil
	}

	return q.publish(ctx, t)
}

func (q *AMQPQueue) publish(ctx context.Context, t Task) error {
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err = q.pub.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-gob",
			DeliveryMode: amqp.Persistent,
			MessageId:    t.ID,
			Timestamp:    t.EnqueuedAt,
			Type:         string(t.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	return nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, errors.New("amqp: delivery channel closed")
		}
		task, err := DecodeTask(d.Body)
		if err != nil {
			// Undecodable messages are dropped rather than redelivered forever.
			_ = d.Nack(false, false)
			return nil, err
		}
		if err := d.Ack(false); err != nil {
			return nil, fmt.Errorf("ack task %s: %w", task.ID, err)
		}
		return task, nil
	}
}

func (q *AMQPQueue) Len() int {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	state, err := q.pub.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return int(q.deferred.Load())
	}
	return state.Messages + int(q.deferred.Load())
}

// Close closes the channels and the connection.
func (q *AMQPQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		_ = q.cons.Close()
		_ = q.pub.Close()
		err = q.conn.Close()
	})
	return err
}
