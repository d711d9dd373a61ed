// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package queue

import (
	"fmt"
	"time"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
)

// State is the lifecycle position of a Delivery.
type State uint8

const (
	StateReady State = iota
	StateInFlight
	StateAcked
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInFlight:
		return "in-flight"
	case StateAcked:
		return "acked"
	case StateDeadLettered:
		return "dead-lettered"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Delivery is a message enqueued into one queue.
type Delivery struct {
	// Tag is unique within the queue for the queue's lifetime.
	Tag uint64
	// Message is this queue's private copy.
	Message message.Message
	// Exchange the message was published to.
	Exchange string
	// RoutingKey the message was published with.
	RoutingKey string
	// Queue holding the delivery.
	Queue string
	// EnqueuedAt is when the delivery entered the queue; TTL counts from here.
	EnqueuedAt time.Time
	// ExpiresAt is zero when the delivery never expires.
	ExpiresAt time.Time
	// DeathCount is how many dead-letter hand-offs the message went through.
	DeathCount uint
	// Redelivered is set once the delivery has been requeued.
	Redelivered bool
	// State is Ready or InFlight while the delivery is live.
	State State
}

func (d *Delivery) expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// snapshot returns a copy that shares no mutable state with d.
func (d *Delivery) snapshot() Delivery {
	out := *d
	out.Message = d.Message.Clone()

	return out
}
