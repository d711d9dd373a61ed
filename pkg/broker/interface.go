// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package broker declares the client-facing publish and consume contracts
// shared by the in-process broker and the AMQP adapter.
package broker

import (
	"context"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
)

// Publisher defines the interface for publishing messages to a broker.
// A publisher is bound to one exchange and routing key at creation.
type Publisher interface {
	// Publish sends msg in the given context.
	// It returns an error if the message could not be accepted.
	Publish(context.Context, message.Message) error

	// Close releases any resources held by the publisher, such as channels or connections.
	// After Close, further calls to Publish should return an error.
	Close() error
}

// Consumer defines the interface for consuming messages from a broker.
// Each implementation should manage its own connection and message stream.
type Consumer interface {
	// Consume retrieves the next available message or an error if the consumer is closed.
	// The returned Message must be acknowledged or rejected by the caller.
	Consume() (Message, error)

	// Close stops message consumption and releases any resources.
	// After Close, subsequent calls to Consume should return an error.
	Close() error
}

// Message represents a single broker-delivered message, allowing inspection and acknowledgment.
// Implementations wrap the broker-specific delivery type.
type Message interface {
	// Headers returns the message metadata headers.
	Headers() map[string]any

	// ContentType returns the MIME type of the message payload.
	ContentType() string

	// IsRedelivered signals if this delivery is a redelivery of a previous message.
	IsRedelivered() bool

	// Body returns the raw payload bytes.
	Body() []byte

	// RoutingKey returns the routing key the message was published with.
	RoutingKey() string

	// MessageID returns the identity used for deduplication.
	MessageID() string

	// DeliveryTag returns the tag identifying this delivery within its queue.
	DeliveryTag() uint64

	// Deaths returns the dead-letter history of the message, oldest first.
	Deaths() []message.DeathRecord

	// Ack acknowledges successful processing of the message.
	// It signals the broker to remove the message from the queue.
	Ack() error

	// Nack negatively acknowledges the message, requeuing it.
	// It signals a processing failure.
	Nack() error

	// Reject rejects the message without requeueing it, which dead-letters it
	// when the queue has a dead-letter exchange.
	Reject() error
}
