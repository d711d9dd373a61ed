// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
	"github.com/GwynCerbin/rabbitsim/pkg/queue"
)

func TestPublisherConsumerRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)

	pub := b.Publisher("demo-direct-exchange", "key1")
	require.NoError(t, pub.Publish(context.Background(), message.New([]byte(`{"n":1}`), message.WithID("m-1"))))

	c, err := b.Consumer("simple-queue", 1)
	require.NoError(t, err)

	msg, err := c.Consume()
	require.NoError(t, err)

	assert.Equal(t, `{"n":1}`, string(msg.Body()))
	assert.Equal(t, "application/json", msg.ContentType())
	assert.Equal(t, "key1", msg.RoutingKey())
	assert.Equal(t, "m-1", msg.MessageID())
	assert.EqualValues(t, 1, msg.DeliveryTag())
	assert.False(t, msg.IsRedelivered())
	assert.Empty(t, msg.Deaths())

	require.NoError(t, msg.Nack())
	assert.ErrorIs(t, msg.Ack(), queue.UnknownDeliveryTagError{}, "settled once")

	again, err := c.Consume()
	require.NoError(t, err)
	assert.True(t, again.IsRedelivered())
	assert.Equal(t, msg.DeliveryTag(), again.DeliveryTag())
	require.NoError(t, again.Ack())

	require.NoError(t, c.Close())
	require.NoError(t, pub.Close())

	_, err = c.Consume()
	assert.True(t, IsClosed(err))
	assert.True(t, IsClosed(pub.Publish(context.Background(), message.New(nil))))
}

func TestConsumerRejectDeadLetters(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Publisher("demo-direct-exchange", "work").Publish(context.Background(), message.New([]byte("x"))))

	c, err := b.Consumer("work-queue", 1)
	require.NoError(t, err)

	msg, err := c.Consume()
	require.NoError(t, err)
	require.NoError(t, msg.Reject())

	dl, err := b.Consumer("dead-letter-queue", 1)
	require.NoError(t, err)

	dead, err := dl.Consume()
	require.NoError(t, err)

	deaths := dead.Deaths()
	require.Len(t, deaths, 1)
	assert.Equal(t, message.ReasonRejected, deaths[0].Reason)
	assert.Equal(t, "work-queue", dead.Headers()["x-first-death-queue"])
	require.NoError(t, dead.Ack())
}

func TestConsumerCloseUnblocksConsume(t *testing.T) {
	b, _ := newTestBroker(t)

	c, err := b.Consumer("simple-queue", 1)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Consume()
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, queue.ConsumerClosedError{})
	case <-time.After(time.Second):
		t.Fatal("close did not unblock consume")
	}
}

func TestConsumerCloseWaitsForHandlers(t *testing.T) {
	b, _ := newTestBroker(t)
	require.NoError(t, b.Publish(context.Background(), "demo-direct-exchange", "key1", message.New(nil)))

	c, err := b.Consumer("simple-queue", 1)
	require.NoError(t, err)

	msg, err := c.Consume()
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned before the handler settled")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, msg.Ack())
	<-closed

	stats, err := b.Stats("simple-queue")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{LastTag: 1}, stats)
}

func TestPublisherHonoursContext(t *testing.T) {
	b, _ := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publisher("demo-direct-exchange", "key1").Publish(ctx, message.New(nil))
	assert.ErrorIs(t, err, context.Canceled)
}
