// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	rabbit "github.com/GwynCerbin/rabbitsim"
	"github.com/GwynCerbin/rabbitsim/pkg/config"
	"github.com/GwynCerbin/rabbitsim/pkg/dedup"
	"github.com/GwynCerbin/rabbitsim/pkg/memory"
	"github.com/GwynCerbin/rabbitsim/pkg/message"
	"github.com/GwynCerbin/rabbitsim/pkg/metrics"
	"github.com/GwynCerbin/rabbitsim/pkg/queue"
	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

const (
	pullTimeout = 5 * time.Second
	workers     = 3
)

var (
	// demoTTL overrides the ttl-queue TTL so the scenario does not wait
	// for the full queue TTL.
	demoTTL   = 500 * time.Millisecond
	demoDelay = 1500 * time.Millisecond
)

type scenarioEnv struct {
	fx.In

	Config  config.Config
	Broker  *memory.Broker
	Filter  *dedup.Filter
	Metrics *metrics.Recorder
	Logger  *zap.Logger
}

func (e scenarioEnv) with(logger *zap.Logger) scenarioEnv {
	e.Logger = logger

	return e
}

type scenario struct {
	name  string
	about string
	run   func(ctx context.Context, env scenarioEnv) error
}

var scenarios = []scenario{
	{name: "direct", about: "direct exchange routes on the exact key", run: runDirect},
	{name: "fanout", about: "fanout exchange copies to every bound queue", run: runFanout},
	{name: "topic", about: "topic exchange matches * and # patterns", run: runTopic},
	{name: "ttl", about: "expired messages move to the dead-letter queue", run: runTTL},
	{name: "delayed", about: "delayed exchange holds messages until their delay elapses", run: runDelayed},
	{name: "dedup", about: "listener drops repeated message identities", run: runDedup},
	{name: "work", about: "competing workers share one queue", run: runWork},
	{name: "reject", about: "requeue keeps the delivery, reject dead-letters it", run: runReject},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.name)
	}

	return names
}

func runDirect(ctx context.Context, env scenarioEnv) error {
	for _, key := range []string{config.DirectKey1, config.DirectKey2} {
		if err := env.Broker.Publish(ctx, config.DirectExchange, key, message.New([]byte("direct message for "+key))); err != nil {
			return err
		}
	}

	for _, q := range []string{config.DirectQueue1, config.DirectQueue2} {
		if _, err := receive(ctx, env, q, pullTimeout); err != nil {
			return err
		}
	}

	return nil
}

func runFanout(ctx context.Context, env scenarioEnv) error {
	if err := env.Broker.Publish(ctx, config.FanoutExchange, "", message.New([]byte("broadcast"))); err != nil {
		return err
	}

	for _, q := range []string{config.FanoutQueue1, config.FanoutQueue2} {
		if _, err := receive(ctx, env, q, pullTimeout); err != nil {
			return err
		}
	}

	return nil
}

func runTopic(ctx context.Context, env scenarioEnv) error {
	keys := []string{"ordem.123.confirmada", "ordem.123.cancelada", "pagamento.123.confirmado"}
	for _, key := range keys {
		if err := env.Broker.Publish(ctx, config.TopicExchange, key, message.New([]byte(key))); err != nil {
			return err
		}
	}

	want := map[string]int{config.TopicQueue1: 1, config.TopicQueue2: 2}
	for _, q := range []string{config.TopicQueue1, config.TopicQueue2} {
		n, err := drain(env, q)
		if err != nil {
			return err
		}

		if n != want[q] {
			return fmt.Errorf("queue %s: got %d messages, want %d", q, n, want[q])
		}
	}

	return nil
}

func runTTL(ctx context.Context, env scenarioEnv) error {
	msg := message.New([]byte("expires unread"))
	if err := env.Broker.Publish(ctx, "amq.direct", config.TTLQueue, msg, memory.WithTTL(demoTTL)); err != nil {
		return err
	}

	d, err := receive(ctx, env, config.DeadLetterQueue, demoTTL+pullTimeout)
	if err != nil {
		return err
	}

	return expectDeath(d, config.TTLQueue, message.ReasonExpired)
}

func runDelayed(ctx context.Context, env scenarioEnv) error {
	start := time.Now()

	msg := message.New([]byte("delayed hello"), message.WithHeader(message.DelayHeader, demoDelay.Milliseconds()))
	if err := env.Broker.Publish(ctx, config.DelayedExchange, config.DelayedKey, msg); err != nil {
		return err
	}

	env.Logger.Info("scheduled", zap.Int("pending", env.Broker.Scheduled()), zap.Duration("delay", demoDelay))

	if _, err := receive(ctx, env, config.DelayedQueue, demoDelay+pullTimeout); err != nil {
		return err
	}

	if elapsed := time.Since(start); elapsed < demoDelay {
		return fmt.Errorf("delayed message arrived after %s, before its %s delay", elapsed, demoDelay)
	}

	return nil
}

func runDedup(ctx context.Context, env scenarioEnv) error {
	ids := []string{"order-1", "order-2", "order-1", "order-3", "order-2"}
	for _, id := range ids {
		msg := message.New([]byte("payment "+id), message.WithHeader(message.IdentityHeader, id))
		if err := env.Broker.Publish(ctx, config.DeduplicationExchange, config.DeduplicationKey, msg); err != nil {
			return err
		}
	}

	var (
		mu        sync.Mutex
		processed []string
	)

	router := rabbit.NewRouter()
	router.Add(config.DeduplicationKey, func(m rabbit.Message) {
		mu.Lock()
		processed = append(processed, m.MessageID())
		mu.Unlock()

		env.Logger.Info("processed", zap.String("id", m.MessageID()))

		if err := m.Ack(); err != nil {
			env.Logger.Warn("ack", zap.Error(err))
		}
	})

	if err := serve(ctx, env, config.DeduplicationQueue, 1, router); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if len(processed) != 3 {
		return fmt.Errorf("processed %v, want each identity once", processed)
	}

	return nil
}

func runWork(ctx context.Context, env scenarioEnv) error {
	pub := env.Broker.Publisher(topology.DefaultExchange, config.WorkQueue)
	defer pub.Close()

	const tasks = 9
	for i := 0; i < tasks; i++ {
		if err := pub.Publish(ctx, message.New([]byte(fmt.Sprintf("task-%d", i+1)))); err != nil {
			return err
		}
	}

	var (
		mu   sync.Mutex
		done int
	)

	router := rabbit.NewRouter()
	router.Add(config.WorkQueue, func(m rabbit.Message) {
		time.Sleep(20 * time.Millisecond)

		if err := m.Ack(); err != nil {
			env.Logger.Warn("ack", zap.Error(err))

			return
		}

		mu.Lock()
		done++
		mu.Unlock()

		env.Logger.Debug("task done", zap.ByteString("task", m.Body()))
	})

	if err := serve(ctx, env, config.WorkQueue, workers, router); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if done != tasks {
		return fmt.Errorf("finished %d tasks, want %d", done, tasks)
	}

	return nil
}

func runReject(ctx context.Context, env scenarioEnv) error {
	if err := env.Broker.Publish(ctx, topology.DefaultExchange, config.WorkQueue, message.New([]byte("malformed order"))); err != nil {
		return err
	}

	first, err := pull(ctx, env, config.WorkQueue, pullTimeout)
	if err != nil {
		return err
	}

	if err = env.Broker.Reject(config.WorkQueue, first.Tag, true); err != nil {
		return err
	}

	again, err := pull(ctx, env, config.WorkQueue, pullTimeout)
	if err != nil {
		return err
	}

	env.Logger.Info("requeued", zap.Uint64("tag", again.Tag), zap.Bool("redelivered", again.Redelivered))

	if err = env.Broker.Reject(config.WorkQueue, again.Tag, false); err != nil {
		return err
	}

	d, err := receive(ctx, env, config.DeadLetterQueue, pullTimeout)
	if err != nil {
		return err
	}

	return expectDeath(d, config.WorkQueue, message.ReasonRejected)
}

// serve runs a listener on q until the queue has no ready or in-flight
// deliveries left, then shuts it down.
func serve(ctx context.Context, env scenarioEnv, q string, concurrency int, router rabbit.Router) error {
	consumer, err := env.Broker.Consumer(q, max(env.Config.Broker.Prefetch, concurrency))
	if err != nil {
		return err
	}

	listener := rabbit.NewListener(consumer)
	listener.SetDeduplication(env.Filter)
	listener.SetMetrics(env.Metrics)
	listener.SetLogger(func(err error) {
		env.Logger.Warn("listener", zap.Error(err))
	})

	if err = listener.SetConcurrency(concurrency); err != nil {
		return err
	}

	inst := listener.Init(router)

	served := make(chan error, 1)
	go func() {
		served <- inst.ListenAndServe()
	}()

	waitErr := waitIdle(ctx, env, q, pullTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()

	if err = inst.Shutdown(shutdownCtx); err != nil {
		return multierr.Combine(waitErr, fmt.Errorf("shutdown listener: %w", err))
	}

	if err = <-served; err != nil && !memory.IsClosed(err) {
		return multierr.Combine(waitErr, err)
	}

	return waitErr
}

func waitIdle(ctx context.Context, env scenarioEnv, q string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		stats, err := env.Broker.Stats(q)
		if err != nil {
			return err
		}

		if stats.Ready == 0 && stats.InFlight == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("queue %s not drained: %d ready, %d in flight: %w", q, stats.Ready, stats.InFlight, ctx.Err())
		case <-tick.C:
		}
	}
}

func pull(ctx context.Context, env scenarioEnv, q string, timeout time.Duration) (queue.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := env.Broker.Pull(ctx, q)
	if err != nil {
		return queue.Delivery{}, fmt.Errorf("pull %s: %w", q, err)
	}

	env.Logger.Info("received", deliveryFields(d)...)

	return d, nil
}

// receive pulls one delivery from q and acks it.
func receive(ctx context.Context, env scenarioEnv, q string, timeout time.Duration) (queue.Delivery, error) {
	d, err := pull(ctx, env, q, timeout)
	if err != nil {
		return d, err
	}

	return d, env.Broker.Ack(q, d.Tag)
}

func drain(env scenarioEnv, q string) (int, error) {
	var n int

	for {
		d, ok, err := env.Broker.TryPull(q)
		if err != nil || !ok {
			return n, err
		}

		env.Logger.Info("received", deliveryFields(d)...)

		if err = env.Broker.Ack(q, d.Tag); err != nil {
			return n, err
		}

		n++
	}
}

func expectDeath(d queue.Delivery, q string, reason message.DeathReason) error {
	last, ok := d.Message.LastDeath()
	if !ok {
		return fmt.Errorf("delivery %d carries no death record", d.Tag)
	}

	if last.Queue != q || last.Reason != reason {
		return fmt.Errorf("death record %s/%s, want %s/%s", last.Queue, last.Reason, q, reason)
	}

	return nil
}

func deliveryFields(d queue.Delivery) []zap.Field {
	fields := []zap.Field{
		zap.String("queue", d.Queue),
		zap.Uint64("tag", d.Tag),
		zap.String("routing_key", d.RoutingKey),
		zap.String("id", d.Message.Identity()),
		zap.ByteString("body", d.Message.Payload),
	}

	if last, ok := d.Message.LastDeath(); ok {
		fields = append(fields,
			zap.String("died_in", last.Queue),
			zap.String("reason", string(last.Reason)),
			zap.Int64("deaths", last.Count),
		)
	}

	return fields
}

func probeMessage() message.Message {
	return message.New([]byte(`{"probe":"rabbitsim"}`), message.WithContentType("application/json"))
}

// reportCounters logs the broker counter totals collected so far.
func reportCounters(ctx context.Context, logger *zap.Logger, reader *sdkmetric.ManualReader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		logger.Warn("collect metrics", zap.Error(err))

		return
	}

	var fields []zap.Field

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			fields = append(fields, zap.Int64(m.Name, total))
		}
	}

	logger.Info("broker counters", fields...)
}
