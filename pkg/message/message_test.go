// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package message

import (
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	msg := New([]byte(`{"json":"swagging"}`))

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.False(t, msg.CreatedAt.IsZero())

	plain := New([]byte("test"), WithID("fixed"), WithPriority(PriorityCritical))
	assert.Equal(t, "fixed", plain.ID)
	assert.Equal(t, PriorityCritical, plain.Priority)
	assert.Equal(t, "text/plain; charset=utf-8", plain.ContentType)
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestCloneDoesNotAlias(t *testing.T) {
	msg := New([]byte("body"),
		WithHeader("k", "v"),
		WithHeader("raw", []byte("x")),
		WithHeader("nested", map[string]any{"a": "1", "list": []any{"x", []byte("y")}}),
		WithHeader("table", amqp091.Table{"b": "2"}),
	)
	msg = msg.WithDeath(DeathRecord{Queue: "q", RoutingKeys: []string{"a"}, Reason: ReasonRejected, Count: 1})

	cp := msg.Clone()
	cp.Payload[0] = 'B'
	cp.Headers["k"] = "changed"
	cp.Headers["raw"].([]byte)[0] = 'y'
	cp.Deaths[0].RoutingKeys[0] = "b"

	nested := cp.Headers["nested"].(map[string]any)
	nested["a"] = "changed"
	list := nested["list"].([]any)
	list[0] = "changed"
	list[1].([]byte)[0] = 'z'
	cp.Headers["table"].(amqp091.Table)["b"] = "changed"

	assert.Equal(t, "body", string(msg.Payload))
	assert.Equal(t, "v", msg.Headers["k"])
	assert.Equal(t, []byte("x"), msg.Headers["raw"])
	assert.Equal(t, "a", msg.Deaths[0].RoutingKeys[0])
	assert.Equal(t, map[string]any{"a": "1", "list": []any{"x", []byte("y")}}, msg.Headers["nested"])
	assert.Equal(t, amqp091.Table{"b": "2"}, msg.Headers["table"])
}

func TestWithDeathLeavesOriginal(t *testing.T) {
	msg := New([]byte("body"))
	dead := msg.WithDeath(DeathRecord{Queue: "q", Reason: ReasonExpired, Count: 1})

	assert.Empty(t, msg.Deaths)
	require.Len(t, dead.Deaths, 1)

	last, ok := dead.LastDeath()
	require.True(t, ok)
	assert.Equal(t, ReasonExpired, last.Reason)
	assert.EqualValues(t, 1, dead.DeathCount("q", ReasonExpired))
	assert.EqualValues(t, 0, dead.DeathCount("q", ReasonRejected))
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "id", msg: New(nil, WithID("a")), want: "a"},
		{name: "string header", msg: New(nil, WithID("a"), WithHeader(IdentityHeader, "b")), want: "b"},
		{name: "bytes header", msg: New(nil, WithID("a"), WithHeader(IdentityHeader, []byte("c"))), want: "c"},
		{name: "empty header", msg: New(nil, WithID("a"), WithHeader(IdentityHeader, "")), want: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Identity())
		})
	}
}

func TestDeathsRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	deaths := []DeathRecord{
		{Queue: "ttl-queue", Exchange: "amq.direct", RoutingKeys: []string{"ttl-queue"}, Reason: ReasonExpired, Count: 1, Time: now},
		{Queue: "work-queue", Exchange: "dlx", RoutingKeys: []string{"dead-letter"}, Reason: ReasonRejected, Count: 1, Time: now},
	}

	encoded := EncodeDeaths(deaths)
	require.Len(t, encoded, 2)

	newest, ok := encoded[0].(amqp091.Table)
	require.True(t, ok)
	assert.Equal(t, "rejected", newest["reason"])
	assert.Equal(t, []any{"dead-letter"}, newest["routing-keys"])
	assert.Equal(t, int64(1), newest["count"])

	assert.Equal(t, deaths, DecodeDeaths(encoded))
	assert.Nil(t, DecodeDeaths("garbage"))
}

func TestAMQPHeaders(t *testing.T) {
	msg := New(nil, WithHeader("x-app", "demo")).
		WithDeath(DeathRecord{Queue: "q1", Exchange: "ex", Reason: ReasonExpired, Count: 1})

	h := msg.AMQPHeaders()
	assert.Equal(t, "demo", h["x-app"])
	assert.Equal(t, "q1", h["x-first-death-queue"])
	assert.Equal(t, "expired", h["x-first-death-reason"])
	assert.Len(t, h[XDeathHeader], 1)
	assert.NotContains(t, msg.Headers, XDeathHeader)
}

func TestDelayHeader(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   time.Duration
		wantOK bool
	}{
		{name: "int", value: 5000, want: 5 * time.Second, wantOK: true},
		{name: "int64", value: int64(250), want: 250 * time.Millisecond, wantOK: true},
		{name: "int32", value: int32(0), want: 0, wantOK: true},
		{name: "float", value: 1.5, want: 1500 * time.Microsecond, wantOK: true},
		{name: "string", value: "5000", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := New(nil, WithHeader(DelayHeader, tt.value)).Delay()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := New(nil).Delay()
	assert.False(t, ok)
}
