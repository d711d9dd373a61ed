// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"

	"github.com/GwynCerbin/rabbitsim/pkg/broker"
	"github.com/GwynCerbin/rabbitsim/pkg/message"
)

var _ broker.Message = (*Message)(nil)

// Message wraps an AMQP delivery and tracks acknowledgment state.
// The first Ack, Nack or Reject settles it and releases the WaitGroup; later
// calls are no-ops.
type Message struct {
	// deliver holds the original AMQP delivery metadata and payload.
	deliver amqp091.Delivery
	// completed is set by the first settlement.
	completed atomic.Bool
	// wg tracks the number of in-flight messages for graceful shutdown.
	wg *sync.WaitGroup
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

// Headers returns the message headers set on the AMQP delivery.
func (m *Message) Headers() map[string]any {
	return m.deliver.Headers
}

// ContentType returns the MIME content type of the message payload.
func (m *Message) ContentType() string {
	return m.deliver.ContentType
}

// IsRedelivered indicates if the delivery is a redelivery of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload as a byte slice.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

// MessageID returns the x-message-id header, falling back to the AMQP
// message-id property.
func (m *Message) MessageID() string {
	return deliveryIdentity(m.deliver)
}

// DeliveryTag returns the channel-scoped delivery tag.
func (m *Message) DeliveryTag() uint64 {
	return m.deliver.DeliveryTag
}

// Deaths decodes the x-death header, oldest hand-off first.
func (m *Message) Deaths() []message.DeathRecord {
	return message.DecodeDeaths(m.deliver.Headers[message.XDeathHeader])
}

// Ack acknowledges successful processing of the message by the broker
// and decrements the WaitGroup counter exactly once.
func (m *Message) Ack() error {
	return m.settle(func() error {
		return m.deliver.Ack(false)
	})
}

// Nack negatively acknowledges the message and requeues it.
func (m *Message) Nack() error {
	return m.settle(func() error {
		return m.deliver.Nack(false, true)
	})
}

// Reject rejects the message without requeueing, handing it to the queue's
// dead-letter exchange if it has one.
func (m *Message) Reject() error {
	return m.settle(func() error {
		return m.deliver.Reject(false)
	})
}

func (m *Message) settle(fn func() error) error {
	if !m.completed.CompareAndSwap(false, true) {
		return nil
	}

	defer m.wg.Done()

	return fn()
}

func deliveryIdentity(d amqp091.Delivery) string {
	switch v := d.Headers[message.IdentityHeader].(type) {
	case string:
		if v != "" {
			return v
		}
	case []byte:
		if len(v) > 0 {
			return string(v)
		}
	}

	return d.MessageId
}
