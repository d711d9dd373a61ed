// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

// Argument names understood by RabbitMQ and the delayed message plugin.
const (
	argMessageTTL           = "x-message-ttl"
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"
	argDelayedType          = "x-delayed-type"
)

// ExchangeArgs translates an exchange declaration into its AMQP form.
func ExchangeArgs(e topology.Exchange) ExchangeDeclare {
	out := ExchangeDeclare{
		Name:    e.Name,
		Type:    string(e.Kind),
		Durable: e.Durable,
	}

	if e.Kind == topology.KindDelayed {
		out.Args = amqp091.Table{argDelayedType: string(e.RoutingKind())}
	}

	return out
}

// QueueArgs translates a queue declaration into its AMQP form. Bindings are
// declared separately, so the result never binds.
func QueueArgs(q topology.Queue) QueueDeclareAndBind {
	out := QueueDeclareAndBind{
		Name:    q.Name,
		NoBind:  true,
		Durable: q.Durable,
	}

	if q.TTL > 0 || q.DeadLetter != nil {
		out.Args = amqp091.Table{}
	}

	if q.TTL > 0 {
		out.Args[argMessageTTL] = q.TTL.Milliseconds()
	}

	if q.DeadLetter != nil {
		out.Args[argDeadLetterExchange] = q.DeadLetter.Exchange

		if q.DeadLetter.RoutingKey != "" {
			out.Args[argDeadLetterRoutingKey] = q.DeadLetter.RoutingKey
		}
	}

	return out
}

// DeclareTopology mirrors cfg onto the server: exchanges, then queues, then
// bindings. The default and amq.* exchanges are left to the server.
func (c *Con) DeclareTopology(cfg topology.Config) error {
	predeclared := make(map[string]struct{})
	for _, e := range topology.Predeclared() {
		predeclared[e.Name] = struct{}{}
	}

	for _, e := range cfg.Exchanges {
		if _, ok := predeclared[e.Name]; ok {
			continue
		}

		decl := ExchangeArgs(e)
		if err := c.DeclareExchange(&decl); err != nil {
			return fmt.Errorf("exchange %q: %w", e.Name, err)
		}
	}

	for _, q := range cfg.Queues {
		decl := QueueArgs(q)
		if err := c.QueueDeclareAndBind(&decl); err != nil {
			return fmt.Errorf("queue %q: %w", q.Name, err)
		}
	}

	for _, b := range cfg.Bindings {
		if err := c.Bind(b); err != nil {
			return fmt.Errorf("bind %q to %q: %w", b.Queue, b.Exchange, err)
		}
	}

	c.logger.Info("topology declared",
		zap.Int("exchanges", len(cfg.Exchanges)),
		zap.Int("queues", len(cfg.Queues)),
		zap.Int("bindings", len(cfg.Bindings)),
	)

	return nil
}

// Bind binds a queue to an exchange.
func (c *Con) Bind(b topology.Binding) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	defer c.closeChannel(ch)

	if err = ch.QueueBind(b.Queue, b.Pattern, b.Exchange, false, nil); err != nil {
		return fmt.Errorf("create queue binding: %w", err)
	}

	return nil
}
