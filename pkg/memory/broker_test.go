// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package memory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/GwynCerbin/rabbitsim/pkg/dedup"
	"github.com/GwynCerbin/rabbitsim/pkg/message"
	"github.com/GwynCerbin/rabbitsim/pkg/metrics"
	"github.com/GwynCerbin/rabbitsim/pkg/queue"
	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

func testTopology() topology.Config {
	return topology.Config{
		Exchanges: []topology.Exchange{
			{Name: "demo-direct-exchange", Kind: topology.KindDirect},
			{Name: "demo-dead-letter-exchange", Kind: topology.KindDirect},
			{Name: "demo-delayed-exchange", Kind: topology.KindDelayed, DelayedKind: topology.KindDirect},
			{Name: "demo-fanout-exchange", Kind: topology.KindFanout},
		},
		Queues: []topology.Queue{
			{Name: "simple-queue"},
			{Name: "dead-letter-queue"},
			{
				Name: "ttl-queue",
				TTL:  100 * time.Millisecond,
				DeadLetter: &topology.DeadLetter{
					Exchange:   "demo-dead-letter-exchange",
					RoutingKey: "dead-letter",
				},
			},
			{
				Name:       "work-queue",
				DeadLetter: &topology.DeadLetter{Exchange: "demo-dead-letter-exchange"},
			},
			{Name: "fanout-a"},
			{Name: "fanout-b"},
		},
		Bindings: []topology.Binding{
			{Exchange: "demo-direct-exchange", Queue: "simple-queue", Pattern: "key1"},
			{Exchange: "demo-direct-exchange", Queue: "work-queue", Pattern: "work"},
			{Exchange: "demo-dead-letter-exchange", Queue: "dead-letter-queue", Pattern: "dead-letter"},
			{Exchange: "demo-dead-letter-exchange", Queue: "dead-letter-queue", Pattern: "work"},
			{Exchange: "amq.direct", Queue: "ttl-queue", Pattern: "ttl"},
			{Exchange: "demo-delayed-exchange", Queue: "simple-queue", Pattern: "delayed"},
			{Exchange: "demo-fanout-exchange", Queue: "fanout-a"},
			{Exchange: "demo-fanout-exchange", Queue: "fanout-b"},
		},
	}
}

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock), WithLogger(zaptest.NewLogger(t))}, opts...)

	b := New(opts...)
	require.NoError(t, b.Apply(testTopology()))

	return b, mock
}

func counters(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}

	return out
}

func TestPublishAndPull(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "demo-direct-exchange", "key1", message.New([]byte("hello"))))

	d, ok, err := b.TryPull("simple-queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(d.Message.Payload))
	assert.Equal(t, "demo-direct-exchange", d.Exchange)
	assert.Equal(t, "key1", d.RoutingKey)

	require.NoError(t, b.Ack("simple-queue", d.Tag))
	assert.ErrorIs(t, b.Ack("simple-queue", d.Tag), queue.UnknownDeliveryTagError{})
}

func TestPublishErrors(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	err := b.Publish(ctx, "missing", "k", message.New(nil))
	assert.ErrorIs(t, err, topology.UnknownTopologyError{})

	_, err = b.Pull(ctx, "missing")
	assert.ErrorIs(t, err, topology.UnknownTopologyError{})

	_, err = b.Consumer("missing", 1)
	assert.ErrorIs(t, err, topology.UnknownTopologyError{})
}

func TestRoutingMissIsNotAnError(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	rec, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	b, _ := newTestBroker(t, WithMetrics(rec))

	require.NoError(t, b.Publish(context.Background(), "demo-direct-exchange", "nobody", message.New(nil)))

	got := counters(t, reader)
	assert.EqualValues(t, 1, got["rabbitsim.publish.count"])
	assert.EqualValues(t, 1, got["rabbitsim.routing.miss"])
}

func TestFanoutReachesEveryQueue(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Publish(context.Background(), "demo-fanout-exchange", "", message.New([]byte("all"))))

	for _, name := range []string{"fanout-a", "fanout-b"} {
		stats, err := b.Stats(name)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Ready, name)
	}
}

func TestTTLExpiryDeadLetters(t *testing.T) {
	b, mock := newTestBroker(t)

	msg := message.New([]byte("short-lived"), message.WithExpiration(time.Hour))
	require.NoError(t, b.Publish(context.Background(), "amq.direct", "ttl", msg))

	mock.Add(99 * time.Millisecond)
	assert.Zero(t, b.Sweep())

	mock.Add(time.Millisecond)
	assert.Equal(t, 1, b.Sweep())

	stats, err := b.Stats("ttl-queue")
	require.NoError(t, err)
	assert.Zero(t, stats.Ready)

	d, ok, err := b.TryPull("dead-letter-queue")
	require.NoError(t, err)
	require.True(t, ok)

	assert.EqualValues(t, 1, d.DeathCount)
	assert.Equal(t, "demo-dead-letter-exchange", d.Exchange)
	assert.Equal(t, "dead-letter", d.RoutingKey)
	assert.Zero(t, d.Message.Expiration)
	assert.True(t, d.ExpiresAt.IsZero())

	require.Len(t, d.Message.Deaths, 1)
	rec := d.Message.Deaths[0]
	assert.Equal(t, "ttl-queue", rec.Queue)
	assert.Equal(t, "amq.direct", rec.Exchange)
	assert.Equal(t, []string{"ttl"}, rec.RoutingKeys)
	assert.Equal(t, message.ReasonExpired, rec.Reason)
	assert.EqualValues(t, 1, rec.Count)
}

func TestRejectDeadLetterKeepsRoutingKey(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Publish(context.Background(), "demo-direct-exchange", "work", message.New([]byte("bad"))))

	d, _, err := b.TryPull("work-queue")
	require.NoError(t, err)
	require.NoError(t, b.Reject("work-queue", d.Tag, false))

	dead, ok, err := b.TryPull("dead-letter-queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "work", dead.RoutingKey)

	last, _ := dead.Message.LastDeath()
	assert.Equal(t, message.ReasonRejected, last.Reason)
	assert.Equal(t, "work-queue", last.Queue)

	assert.Empty(t, d.Message.Deaths, "original delivery is untouched")
}

func TestDeadLetterWithoutTargetIsDropped(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	rec, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	b, _ := newTestBroker(t, WithMetrics(rec))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "demo-direct-exchange", "key1", message.New(nil)))
	d, _, _ := b.TryPull("simple-queue")
	require.NoError(t, b.Reject("simple-queue", d.Tag, false))

	require.NoError(t, b.Publish(ctx, "demo-direct-exchange", "work", message.New(nil)))
	d, _, _ = b.TryPull("work-queue")
	require.NoError(t, b.Reject("work-queue", d.Tag, false))

	require.NoError(t, b.DeclareQueue(topology.Queue{
		Name:       "orphan-queue",
		DeadLetter: &topology.DeadLetter{Exchange: "demo-dead-letter-exchange", RoutingKey: "nowhere"},
	}))
	require.NoError(t, b.Publish(ctx, "", "orphan-queue", message.New(nil)))
	d, _, _ = b.TryPull("orphan-queue")
	require.NoError(t, b.Reject("orphan-queue", d.Tag, false))

	stats, err := b.Stats("dead-letter-queue")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready)

	got := counters(t, reader)
	assert.EqualValues(t, 3, got["rabbitsim.deadletter.count"])
	assert.EqualValues(t, 3, got["rabbitsim.delivery.reject"])
}

func TestRequeueKeepsFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, body := range []string{"first", "second"} {
		require.NoError(t, b.Publish(ctx, "demo-direct-exchange", "key1", message.New([]byte(body))))
	}

	d, _, _ := b.TryPull("simple-queue")
	require.NoError(t, b.Reject("simple-queue", d.Tag, true))

	again, ok, err := b.TryPull("simple-queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(again.Message.Payload))
	assert.Equal(t, d.Tag, again.Tag)
	assert.True(t, again.Redelivered)
	assert.Zero(t, again.DeathCount)
}

func TestPublishTTLOverride(t *testing.T) {
	b, mock := newTestBroker(t)

	require.NoError(t, b.Publish(context.Background(), "amq.direct", "ttl", message.New(nil), WithTTL(10*time.Millisecond)))

	mock.Add(10 * time.Millisecond)
	assert.Equal(t, 1, b.Sweep())
}

func TestDelayedPublish(t *testing.T) {
	tests := []struct {
		name string
		msg  message.Message
		opts []PublishOption
	}{
		{
			name: "option",
			msg:  message.New([]byte("later")),
			opts: []PublishOption{WithDelay(50 * time.Millisecond)},
		},
		{
			name: "header",
			msg:  message.New([]byte("later"), message.WithHeader(message.DelayHeader, 50)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mock := newTestBroker(t)

			require.NoError(t, b.Publish(context.Background(), "demo-delayed-exchange", "delayed", tt.msg, tt.opts...))
			assert.Equal(t, 1, b.Scheduled())

			mock.Add(49 * time.Millisecond)
			b.Sweep()

			stats, _ := b.Stats("simple-queue")
			assert.Zero(t, stats.Ready, "not released before the delay")

			mock.Add(time.Millisecond)
			b.Sweep()

			stats, _ = b.Stats("simple-queue")
			assert.Equal(t, 1, stats.Ready)
			assert.Zero(t, b.Scheduled())
		})
	}
}

func TestDelayedWithoutDelayRoutesAtOnce(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Publish(context.Background(), "demo-delayed-exchange", "delayed", message.New(nil)))

	stats, _ := b.Stats("simple-queue")
	assert.Equal(t, 1, stats.Ready)
	assert.Zero(t, b.Scheduled())
}

func TestDelayIgnoredOnRegularExchange(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Publish(context.Background(), "demo-direct-exchange", "key1", message.New(nil), WithDelay(time.Hour)))

	stats, _ := b.Stats("simple-queue")
	assert.Equal(t, 1, stats.Ready)
}

func TestRunReleasesDelayed(t *testing.T) {
	b := New(WithLogger(zaptest.NewLogger(t)), WithSweepInterval(5*time.Millisecond))
	require.NoError(t, b.Apply(testTopology()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	start := time.Now()
	require.NoError(t, b.Publish(ctx, "demo-delayed-exchange", "delayed", message.New(nil), WithDelay(50*time.Millisecond)))

	stats, _ := b.Stats("simple-queue")
	assert.Zero(t, stats.Ready)

	d, err := b.Pull(ctx, "simple-queue")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.NoError(t, b.Ack("simple-queue", d.Tag))

	cancel()
	require.NoError(t, <-done)
}

func TestRunReleasesSameInstantInOrder(t *testing.T) {
	const interval = 10 * time.Millisecond

	b, mock := newTestBroker(t, WithSweepInterval(interval))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	const n = 100

	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(i)
		want = append(want, id)
		require.NoError(t, b.Publish(ctx, "demo-delayed-exchange", "delayed", message.New(nil, message.WithID(id)), WithDelay(interval)))
	}

	// Both the scheduler timer and the sweep ticker fire on each advance.
	require.Eventually(t, func() bool {
		mock.Add(interval)

		stats, _ := b.Stats("simple-queue")
		return stats.Ready == n
	}, time.Second, time.Millisecond)

	got := make([]string, 0, n)
	for {
		d, ok, err := b.TryPull("simple-queue")
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, d.Message.ID)
		require.NoError(t, b.Ack("simple-queue", d.Tag))
	}

	assert.Equal(t, want, got)

	cancel()
	require.NoError(t, <-done)
}

func TestRunSweepsExpired(t *testing.T) {
	b := New(WithLogger(zaptest.NewLogger(t)), WithSweepInterval(5*time.Millisecond))
	require.NoError(t, b.Apply(testTopology()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = b.Run(ctx) }()

	require.NoError(t, b.Publish(ctx, "amq.direct", "ttl", message.New(nil)))

	pullCtx, pullCancel := context.WithTimeout(ctx, time.Second)
	defer pullCancel()

	d, err := b.Pull(pullCtx, "dead-letter-queue")
	require.NoError(t, err)

	last, ok := d.Message.LastDeath()
	require.True(t, ok)
	assert.Equal(t, message.ReasonExpired, last.Reason)
}

func TestDeduplicatedConsumption(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _i := 0; _i < 3; _i++ {
		msg := message.New([]byte("once"), message.WithID("dup-1"))
		require.NoError(t, b.Publish(ctx, "demo-direct-exchange", "key1", msg))
	}

	filter := dedup.New()

	var processed, duplicates int
	for _i := 0; _i < 3; _i++ {
		d, ok, err := b.TryPull("simple-queue")
		require.NoError(t, err)
		require.True(t, ok)

		if filter.Admit("session-1", d.Message.Identity()) {
			processed++
		} else {
			duplicates++
		}

		require.NoError(t, b.Ack("simple-queue", d.Tag))
	}

	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, duplicates)

	stats, _ := b.Stats("simple-queue")
	assert.Equal(t, queue.Stats{LastTag: 3}, stats)
}
