// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package memory is an in-process message broker: exchanges and bindings
// from a topology registry, per-queue delivery state machines, TTL expiry
// with dead-lettering and a scheduler for delayed exchanges.
//
// A message routed to several queues is enqueued in each of them one after
// another. There is no cross-queue transaction, so a failure in the middle
// of a fanout can leave the message in only some of its queues.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
	"github.com/GwynCerbin/rabbitsim/pkg/metrics"
	"github.com/GwynCerbin/rabbitsim/pkg/queue"
	"github.com/GwynCerbin/rabbitsim/pkg/routing"
	"github.com/GwynCerbin/rabbitsim/pkg/scheduler"
	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

// DefaultSweepInterval is how often Run looks for expired deliveries.
const DefaultSweepInterval = 50 * time.Millisecond

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces the wall clock for every queue and the scheduler.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) {
		b.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(b *Broker) {
		b.metrics = r
	}
}

// WithSweepInterval sets how often Run expires due deliveries.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.sweepInterval = d
		}
	}
}

// PublishOption adjusts a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	ttl      time.Duration
	delay    time.Duration
	delaySet bool
}

// WithTTL overrides the per-message expiration for this publish.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.ttl = ttl
	}
}

// WithDelay holds the message for d before routing it. It only applies to
// delayed exchanges and takes precedence over the x-delay header.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.delay = d
		o.delaySet = true
	}
}

// Broker is the in-process broker.
type Broker struct {
	registry      *topology.Registry
	engine        *routing.Engine
	scheduler     *scheduler.Scheduler
	clock         clock.Clock
	logger        *zap.Logger
	metrics       *metrics.Recorder
	sweepInterval time.Duration

	mu     sync.RWMutex
	queues map[string]*queue.Queue
}

// New returns a broker with only the predeclared exchanges.
func New(opts ...Option) *Broker {
	registry := topology.NewRegistry()

	b := &Broker{
		registry:      registry,
		engine:        routing.NewEngine(registry),
		clock:         clock.New(),
		logger:        zap.NewNop(),
		sweepInterval: DefaultSweepInterval,
		queues:        make(map[string]*queue.Queue),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.scheduler = scheduler.New(b.release,
		scheduler.WithClock(b.clock),
		scheduler.WithLogger(b.logger.Named("scheduler")),
	)

	return b
}

// Registry exposes the topology registry.
func (b *Broker) Registry() *topology.Registry {
	return b.registry
}

// DeclareExchange declares e. Re-declaring with identical attributes is a
// no-op.
func (b *Broker) DeclareExchange(e topology.Exchange) error {
	return b.registry.DeclareExchange(e)
}

// DeclareQueue declares q and creates its delivery state.
func (b *Broker) DeclareQueue(q topology.Queue) error {
	created, err := b.registry.DeclareQueue(q)
	if err != nil {
		return err
	}

	if _, err = b.queue(q.Name); err != nil {
		return err
	}

	if created {
		b.logger.Debug("queue declared", zap.String("queue", q.Name), zap.Duration("ttl", q.TTL))
	}

	return nil
}

// Bind binds queue to exchange under pattern.
func (b *Broker) Bind(binding topology.Binding) error {
	return b.registry.Bind(binding)
}

// Apply declares a whole topology, stopping at the first error.
func (b *Broker) Apply(cfg topology.Config) error {
	if err := b.registry.Apply(cfg); err != nil {
		return err
	}

	for _, q := range b.registry.Queues() {
		if _, err := b.queue(q.Name); err != nil {
			return err
		}
	}

	b.logger.Info("topology applied",
		zap.Int("exchanges", len(cfg.Exchanges)),
		zap.Int("queues", len(cfg.Queues)),
		zap.Int("bindings", len(cfg.Bindings)),
	)

	return nil
}

// Publish routes msg from exchange with routingKey. A publish that matches
// no queue is dropped and is not an error. On a delayed exchange the message
// is held by the scheduler for the delay given by WithDelay or the x-delay
// header; a missing or non-positive delay routes it at once.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg message.Message, opts ...PublishOption) error {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	ex, ok := b.registry.Exchange(exchange)
	if !ok {
		return topology.UnknownTopologyError{Kind: "exchange", Name: exchange}
	}

	if o.ttl > 0 {
		msg = msg.Clone()
		msg.Expiration = o.ttl
	}

	if ex.Kind == topology.KindDelayed {
		delay := o.delay
		if !o.delaySet {
			delay, _ = msg.Delay()
		}

		if delay > 0 {
			b.scheduler.Schedule(exchange, routingKey, msg, delay)
			b.metrics.Scheduled(ctx, exchange)

			return nil
		}
	}

	return b.route(ctx, exchange, routingKey, msg)
}

func (b *Broker) route(ctx context.Context, exchange, routingKey string, msg message.Message) error {
	names, err := b.engine.Route(exchange, routingKey)
	if err != nil {
		return err
	}

	b.metrics.Published(ctx, exchange, len(names))

	if len(names) == 0 {
		b.logger.Debug("routing miss, message dropped",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey),
			zap.String("message_id", msg.ID),
		)

		return nil
	}

	for _, name := range names {
		q, err := b.queue(name)
		if err != nil {
			return fmt.Errorf("enqueue into %q: %w", name, err)
		}

		q.Push(msg, exchange, routingKey)
	}

	return nil
}

func (b *Broker) release(exchange, routingKey string, msg message.Message) {
	ctx := context.Background()

	b.metrics.Released(ctx, exchange)

	if err := b.route(ctx, exchange, routingKey, msg); err != nil {
		b.logger.Warn("route delayed message",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// deadLetter republishes a dead delivery through the dead-letter exchange of
// its queue. Deliveries with nowhere to go are dropped.
func (b *Broker) deadLetter(d queue.Delivery) {
	var (
		ctx    = context.Background()
		reason string
	)

	if rec, ok := d.Message.LastDeath(); ok {
		reason = string(rec.Reason)
	}

	log := b.logger.With(
		zap.String("queue", d.Queue),
		zap.Uint64("delivery_tag", d.Tag),
		zap.String("message_id", d.Message.ID),
		zap.String("reason", reason),
	)

	cfg, ok := b.registry.Queue(d.Queue)
	if !ok || cfg.DeadLetter == nil {
		b.metrics.DeadLettered(ctx, d.Queue, reason, true)
		log.Debug("message discarded, queue has no dead-letter exchange")

		return
	}

	routingKey := cfg.DeadLetter.RoutingKey
	if routingKey == "" {
		routingKey = d.RoutingKey
	}

	msg := d.Message.Clone()
	// Per-message TTL does not follow the message into the dead-letter queue.
	msg.Expiration = 0

	names, err := b.engine.Route(cfg.DeadLetter.Exchange, routingKey)
	if err != nil || len(names) == 0 {
		b.metrics.DeadLettered(ctx, d.Queue, reason, true)
		log.Warn("dead-letter target not found, message dropped",
			zap.String("dead_letter_exchange", cfg.DeadLetter.Exchange),
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)

		return
	}

	for _, name := range names {
		q, err := b.queue(name)
		if err != nil {
			log.Warn("dead-letter enqueue", zap.String("target", name), zap.Error(err))

			continue
		}

		q.Push(msg, cfg.DeadLetter.Exchange, routingKey)
	}

	b.metrics.DeadLettered(ctx, d.Queue, reason, false)
	log.Debug("message dead-lettered",
		zap.String("dead_letter_exchange", cfg.DeadLetter.Exchange),
		zap.Strings("targets", names),
	)
}

// Pull waits until queueName has a live delivery or ctx is done.
func (b *Broker) Pull(ctx context.Context, queueName string) (queue.Delivery, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return queue.Delivery{}, err
	}

	return q.Pull(ctx)
}

// TryPull returns the oldest live delivery of queueName without waiting.
func (b *Broker) TryPull(queueName string) (queue.Delivery, bool, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return queue.Delivery{}, false, err
	}

	d, ok := q.TryPull()

	return d, ok, nil
}

// Ack settles an InFlight delivery of queueName.
func (b *Broker) Ack(queueName string, tag uint64) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}

	if err = q.Ack(tag); err != nil {
		return err
	}

	b.metrics.Acked(context.Background(), queueName)

	return nil
}

// Reject settles an InFlight delivery of queueName negatively.
func (b *Broker) Reject(queueName string, tag uint64, requeue bool) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}

	if err = q.Reject(tag, requeue); err != nil {
		return err
	}

	b.metrics.Rejected(context.Background(), queueName, requeue)

	return nil
}

// Stats reports the backlog of queueName.
func (b *Broker) Stats(queueName string) (queue.Stats, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return queue.Stats{}, err
	}

	return q.Stats(), nil
}

// Scheduled returns how many delayed messages are waiting for release.
func (b *Broker) Scheduled() int {
	return b.scheduler.Pending()
}

// Sweep expires due Ready deliveries on every queue and releases due
// delayed messages. It returns how many deliveries expired.
func (b *Broker) Sweep() int {
	b.mu.RLock()
	queues := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	var n int
	for _, q := range queues {
		n += q.Expire()
	}

	b.scheduler.ReleaseDue()

	return n
}

// Run drives TTL expiry and delayed releases until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.scheduler.Run(ctx)
	})

	g.Go(func() error {
		ticker := b.clock.Ticker(b.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := b.Sweep(); n > 0 {
					b.logger.Debug("expired deliveries swept", zap.Int("count", n))
				}
			}
		}
	})

	b.logger.Info("broker running", zap.Duration("sweep_interval", b.sweepInterval))

	err := g.Wait()

	b.logger.Info("broker stopped", zap.Int("scheduled", b.scheduler.Pending()))

	return err
}

// queue returns the delivery state of a declared queue, creating it on
// first use.
func (b *Broker) queue(name string) (*queue.Queue, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()

	if ok {
		return q, nil
	}

	cfg, ok := b.registry.Queue(name)
	if !ok {
		return nil, topology.UnknownTopologyError{Kind: "queue", Name: name}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok = b.queues[name]; ok {
		return q, nil
	}

	q = queue.New(cfg,
		queue.WithClock(b.clock),
		queue.WithDeadLetter(b.deadLetter),
	)
	b.queues[name] = q

	return q, nil
}
