// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitsim/pkg/broker"
	"github.com/GwynCerbin/rabbitsim/pkg/message"
	"github.com/GwynCerbin/rabbitsim/pkg/queue"
)

var (
	_ broker.Consumer  = (*Consumer)(nil)
	_ broker.Publisher = (*Publisher)(nil)
	_ broker.Message   = (*Message)(nil)
)

// PublisherClosedError is returned when publishing is attempted on a closed publisher.
type PublisherClosedError struct{}

// Error implements the error interface for PublisherClosedError.
func (PublisherClosedError) Error() string {
	return "publisher already closed, unable to provide"
}

// Consumer reads one queue through a prefetch-limited slot.
type Consumer struct {
	b    *Broker
	slot *queue.Consumer

	stopCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	isClosed bool
	// jobs tracks messages handed out and not yet settled.
	jobs sync.WaitGroup
}

// Consumer opens a consumer on queueName. A prefetch of zero means no limit.
func (b *Broker) Consumer(queueName string, prefetch int) (*Consumer, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		b:       b,
		slot:    q.NewConsumer(prefetch),
		stopCtx: ctx,
		stop:    cancel,
	}, nil
}

// Consume blocks until the next message or until the consumer is closed, in
// which case it returns queue.ConsumerClosedError.
func (c *Consumer) Consume() (broker.Message, error) {
	d, err := c.slot.Pull(c.stopCtx)
	if err != nil {
		if c.stopCtx.Err() != nil {
			return nil, queue.ConsumerClosedError{}
		}

		return nil, err
	}

	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()

		if err := c.slot.Reject(d.Tag, true); err != nil {
			c.b.logger.Warn("requeue after close", zap.Uint64("delivery_tag", d.Tag), zap.Error(err))
		}

		return nil, queue.ConsumerClosedError{}
	}
	c.jobs.Add(1)
	c.mu.Unlock()

	return &Message{
		delivery: d,
		consumer: c,
	}, nil
}

// Close stops consumption, waits for messages already handed out to be
// settled, and returns anything still unsettled to the queue.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()

		return nil
	}
	c.isClosed = true
	c.mu.Unlock()

	c.stop()
	c.jobs.Wait()

	return c.slot.Close()
}

// Message is a delivery handed out by a Consumer.
type Message struct {
	delivery queue.Delivery
	consumer *Consumer
	// completed is set by the first settlement.
	completed atomic.Bool
}

// RoutingKey returns the routing key the message was published with.
func (m *Message) RoutingKey() string {
	return m.delivery.RoutingKey
}

// Headers returns the message headers including dead-letter annotations.
func (m *Message) Headers() map[string]any {
	return m.delivery.Message.AMQPHeaders()
}

// ContentType returns the MIME content type of the message payload.
func (m *Message) ContentType() string {
	return m.delivery.Message.ContentType
}

// IsRedelivered reports whether the delivery was requeued before.
func (m *Message) IsRedelivered() bool {
	return m.delivery.Redelivered
}

// Body returns the raw message payload.
func (m *Message) Body() []byte {
	return m.delivery.Message.Payload
}

// MessageID returns the deduplication identity of the message.
func (m *Message) MessageID() string {
	return m.delivery.Message.Identity()
}

// DeliveryTag returns the queue-scoped delivery tag.
func (m *Message) DeliveryTag() uint64 {
	return m.delivery.Tag
}

// Deaths returns the dead-letter history of the message.
func (m *Message) Deaths() []message.DeathRecord {
	return m.delivery.Message.Clone().Deaths
}

// Delivery returns the underlying delivery snapshot.
func (m *Message) Delivery() queue.Delivery {
	return m.delivery
}

// Ack acknowledges the message. Settling a message twice returns
// queue.UnknownDeliveryTagError.
func (m *Message) Ack() error {
	return m.settle(func() error {
		if err := m.consumer.slot.Ack(m.delivery.Tag); err != nil {
			return err
		}

		m.consumer.b.metrics.Acked(context.Background(), m.delivery.Queue)

		return nil
	})
}

// Nack rejects the message and requeues it.
func (m *Message) Nack() error {
	return m.reject(true)
}

// Reject rejects the message without requeueing it.
func (m *Message) Reject() error {
	return m.reject(false)
}

func (m *Message) reject(requeue bool) error {
	return m.settle(func() error {
		if err := m.consumer.slot.Reject(m.delivery.Tag, requeue); err != nil {
			return err
		}

		m.consumer.b.metrics.Rejected(context.Background(), m.delivery.Queue, requeue)

		return nil
	})
}

func (m *Message) settle(fn func() error) error {
	if !m.completed.CompareAndSwap(false, true) {
		return queue.UnknownDeliveryTagError{Queue: m.delivery.Queue, Tag: m.delivery.Tag}
	}

	defer m.consumer.jobs.Done()

	return fn()
}

// Publisher publishes to a fixed exchange and routing key.
type Publisher struct {
	b          *Broker
	exchange   string
	routingKey string
	opts       []PublishOption
	isClosed   atomic.Bool
}

// Publisher returns a publisher bound to exchange and routingKey. opts apply
// to every publish.
func (b *Broker) Publisher(exchange, routingKey string, opts ...PublishOption) *Publisher {
	return &Publisher{
		b:          b,
		exchange:   exchange,
		routingKey: routingKey,
		opts:       opts,
	}
}

// Publish routes msg through the broker.
func (p *Publisher) Publish(ctx context.Context, msg message.Message) error {
	if p.isClosed.Load() {
		return PublisherClosedError{}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return p.b.Publish(ctx, p.exchange, p.routingKey, msg, p.opts...)
}

// Close marks the publisher as closed.
func (p *Publisher) Close() error {
	p.isClosed.Store(true)

	return nil
}

// IsClosed reports whether err signals a closed consumer or publisher.
func IsClosed(err error) bool {
	return errors.Is(err, queue.ConsumerClosedError{}) || errors.Is(err, PublisherClosedError{})
}
