// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package topology

import (
	"fmt"
	"time"
)

// Kind selects the matching rule of an exchange.
type Kind string

const (
	KindDirect  Kind = "direct"
	KindFanout  Kind = "fanout"
	KindTopic   Kind = "topic"
	KindDelayed Kind = "x-delayed-message"
)

// ParseKind validates s as an exchange kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindDirect, KindFanout, KindTopic, KindDelayed:
		return k, nil
	default:
		return "", fmt.Errorf("unknown exchange kind %q", s)
	}
}

// Exchange is an immutable exchange declaration.
//   - Name: unique exchange name; "" is the default exchange.
//   - Kind: matching rule.
//   - Durable: survives a broker restart (informational in memory).
//   - DelayedKind: the matching rule applied on release for KindDelayed,
//     direct when empty.
type Exchange struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"type"`
	Durable     bool   `yaml:"durable"`
	DelayedKind Kind   `yaml:"delayed_type"`
}

// RoutingKind returns the kind used to match bindings. For delayed exchanges
// that is the inner kind.
func (e Exchange) RoutingKind() Kind {
	if e.Kind != KindDelayed {
		return e.Kind
	}

	if e.DelayedKind == "" {
		return KindDirect
	}

	return e.DelayedKind
}

func (e Exchange) normalize() Exchange {
	if e.Kind == KindDelayed && e.DelayedKind == "" {
		e.DelayedKind = KindDirect
	}

	if e.Kind != KindDelayed {
		e.DelayedKind = ""
	}

	return e
}

func (e Exchange) validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return fmt.Errorf("exchange %q: %w", e.Name, err)
	}

	if e.Kind == KindDelayed && e.DelayedKind == KindDelayed {
		return fmt.Errorf("exchange %q: delayed exchange cannot wrap another delayed kind", e.Name)
	}

	return nil
}

// DeadLetter names where a queue sends expired and rejected deliveries.
// An empty RoutingKey keeps the routing key the message was published with.
type DeadLetter struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Queue is an immutable queue declaration. A zero TTL disables expiry and a
// nil DeadLetter drops expired and rejected deliveries.
type Queue struct {
	Name       string        `yaml:"name"`
	Durable    bool          `yaml:"durable"`
	TTL        time.Duration `yaml:"ttl"`
	DeadLetter *DeadLetter   `yaml:"dead_letter"`
}

func (q Queue) clone() Queue {
	if q.DeadLetter != nil {
		dl := *q.DeadLetter
		q.DeadLetter = &dl
	}

	return q
}

func (q Queue) equal(o Queue) bool {
	if q.Name != o.Name || q.Durable != o.Durable || q.TTL != o.TTL {
		return false
	}

	if q.DeadLetter == nil || o.DeadLetter == nil {
		return q.DeadLetter == o.DeadLetter
	}

	return *q.DeadLetter == *o.DeadLetter
}

func (q Queue) validate() error {
	if q.Name == "" {
		return fmt.Errorf("queue name is empty")
	}

	if q.TTL < 0 {
		return fmt.Errorf("queue %q: negative ttl %s", q.Name, q.TTL)
	}

	return nil
}

// Binding ties a queue to an exchange under a pattern.
type Binding struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Pattern  string `yaml:"pattern"`
}

// Config is a complete topology as plain data, declared in order:
// exchanges, then queues, then bindings.
type Config struct {
	Exchanges []Exchange `yaml:"exchanges"`
	Queues    []Queue    `yaml:"queues"`
	Bindings  []Binding  `yaml:"bindings"`
}
