// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
)

// Publisher handles message publication to RabbitMQ with reconnection support.
// It manages the AMQP channel, publisher configuration, and error notifications.
type Publisher struct {
	// con is the parent connection wrapper for reconnection logic.
	con *Con
	// notifyChan receives connection-close notifications for reconnection.
	notifyChan chan *amqp091.Error
	// rabChan is the AMQP channel used for publishing messages.
	rabChan *amqp091.Channel
	// cfg stores publisher settings like exchange name, routing key, and AppId.
	cfg PublisherConfig
	// isClosed indicates whether the publisher has been closed.
	isClosed atomic.Bool
}

// newPublisher initializes a Publisher on a dedicated channel.
func newPublisher(c *Con, notifyCh chan *amqp091.Error, cfg PublisherConfig) (*Publisher, error) {
	rabbitChan, err := c.channel()
	if err != nil {
		return nil, fmt.Errorf("create publish channel: %w", err)
	}

	return &Publisher{
		con:        c,
		notifyChan: notifyCh,
		rabChan:    rabbitChan,
		cfg:        cfg,
	}, nil
}

// Publish sends msg to the configured exchange and routing key.
// It handles reconnection transparently and ensures in-flight messages are tracked.
func (p *Publisher) Publish(ctx context.Context, msg message.Message) error {
	p.con.cons.Add(1)
	defer p.con.cons.Done()

	for !p.isClosed.Load() {
		select {
		case <-p.con.stop:
			return ConnClosedError{}
		case val, ok := <-p.notifyChan:
			if err := p.reconnectInit(val, ok); err != nil {
				p.con.logger.Warn("reconnect init", zap.Error(err))
			}
		default:
			if err := p.rabChan.PublishWithContext(setPublisherConfig(ctx, p.cfg, msg)); err != nil {
				if errors.Is(err, amqp091.ErrClosed) {
					continue
				}

				return err
			}

			return nil
		}
	}

	return PublisherClosedError{}
}

// setPublisherConfig maps PublisherConfig and msg into AMQP publish arguments.
//
//nolint:gocritic // returning multiple values is justified in this context
func setPublisherConfig(ctx context.Context, cfg PublisherConfig, msg message.Message) (_ context.Context, exchange, key string, mandatory, immediate bool, pub amqp091.Publishing) {
	return ctx, cfg.ExchangeName, cfg.RoutingKey, true, false, Publishing(cfg, msg)
}

// Publishing converts msg into its AMQP form. The deduplication identity
// travels in the x-message-id header so it survives republishing.
func Publishing(cfg PublisherConfig, msg message.Message) amqp091.Publishing {
	headers := amqp091.Table(msg.AMQPHeaders())
	if _, ok := headers[message.IdentityHeader]; !ok {
		headers[message.IdentityHeader] = msg.Identity()
	}

	pub := amqp091.Publishing{
		Headers:     headers,
		ContentType: msg.ContentType,
		Body:        msg.Payload,
		AppId:       cfg.AppId,
		MessageId:   msg.ID,
		Priority:    msg.Priority.AMQP(),
		Timestamp:   msg.CreatedAt,
	}

	if msg.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(msg.Expiration.Milliseconds(), 10)
	}

	if cfg.MessagePersistent {
		pub.DeliveryMode = amqp091.Persistent
	}

	return pub
}

// reconnectInit handles AMQP errors by re-establishing the publisher channel.
func (p *Publisher) reconnectInit(amqpErr *amqp091.Error, isValid bool) error {
	if !isValid {
		return nil
	}

	p.con.reconnect(amqpErr)
	p.notifyChan = p.con.createNotifyChan()

	rabbitChan, err := p.con.channel()
	if err != nil {
		return fmt.Errorf("create publisher channel: %w", err)
	}

	p.rabChan = rabbitChan

	return nil
}

// Close marks the publisher as closed and closes the AMQP channel.
func (p *Publisher) Close() error {
	p.isClosed.Store(true)

	if err := p.rabChan.Close(); err != nil {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}
