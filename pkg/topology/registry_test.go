// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package topology

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareExchangeIdempotence(t *testing.T) {
	r := NewRegistry()

	ex := Exchange{Name: "orders", Kind: KindTopic, Durable: true}
	require.NoError(t, r.DeclareExchange(ex))
	require.NoError(t, r.DeclareExchange(ex))

	err := r.DeclareExchange(Exchange{Name: "orders", Kind: KindDirect, Durable: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ConfigurationConflictError{}))

	var conflict ConfigurationConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "orders", conflict.Name)
}

func TestDeclareExchangeValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.DeclareExchange(Exchange{Name: "x", Kind: "headers"}))
	assert.Error(t, r.DeclareExchange(Exchange{Name: "x", Kind: KindDelayed, DelayedKind: KindDelayed}))

	require.NoError(t, r.DeclareExchange(Exchange{Name: "delayed", Kind: KindDelayed}))
	got, ok := r.Exchange("delayed")
	require.True(t, ok)
	assert.Equal(t, KindDirect, got.RoutingKind())

	require.NoError(t, r.DeclareExchange(Exchange{Name: "delayed", Kind: KindDelayed, DelayedKind: KindDirect}),
		"explicit direct inner kind equals the default")
}

func TestPredeclaredExchanges(t *testing.T) {
	r := NewRegistry()

	for _, e := range Predeclared() {
		got, ok := r.Exchange(e.Name)
		require.True(t, ok, e.Name)
		assert.Equal(t, e, got)
	}

	err := r.DeclareExchange(Exchange{Name: "amq.direct", Kind: KindFanout, Durable: true})
	assert.ErrorIs(t, err, ConfigurationConflictError{})
}

func TestDeclareQueueIdempotence(t *testing.T) {
	r := NewRegistry()

	q := Queue{Name: "ttl-queue", Durable: true, TTL: 10 * time.Second, DeadLetter: &DeadLetter{Exchange: "dlx", RoutingKey: "dead-letter"}}

	created, err := r.DeclareQueue(q)
	require.NoError(t, err)
	assert.True(t, created)

	same := q
	same.DeadLetter = &DeadLetter{Exchange: "dlx", RoutingKey: "dead-letter"}
	created, err = r.DeclareQueue(same)
	require.NoError(t, err)
	assert.False(t, created)

	tests := []struct {
		name string
		q    Queue
	}{
		{name: "ttl", q: Queue{Name: "ttl-queue", Durable: true, TTL: time.Second, DeadLetter: q.DeadLetter}},
		{name: "durable", q: Queue{Name: "ttl-queue", TTL: q.TTL, DeadLetter: q.DeadLetter}},
		{name: "no dlx", q: Queue{Name: "ttl-queue", Durable: true, TTL: q.TTL}},
		{name: "dlx key", q: Queue{Name: "ttl-queue", Durable: true, TTL: q.TTL, DeadLetter: &DeadLetter{Exchange: "dlx"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.DeclareQueue(tt.q)
			assert.ErrorIs(t, err, ConfigurationConflictError{})
		})
	}
}

func TestQueueLookupIsCopy(t *testing.T) {
	r := NewRegistry()

	_, err := r.DeclareQueue(Queue{Name: "q", DeadLetter: &DeadLetter{Exchange: "dlx"}})
	require.NoError(t, err)

	got, ok := r.Queue("q")
	require.True(t, ok)
	got.DeadLetter.Exchange = "other"

	again, _ := r.Queue("q")
	assert.Equal(t, "dlx", again.DeadLetter.Exchange)
}

func TestBind(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.DeclareExchange(Exchange{Name: "ex", Kind: KindDirect}))
	_, err := r.DeclareQueue(Queue{Name: "q1"})
	require.NoError(t, err)

	err = r.Bind(Binding{Exchange: "missing", Queue: "q1", Pattern: "k"})
	assert.ErrorIs(t, err, UnknownTopologyError{})

	err = r.Bind(Binding{Exchange: "ex", Queue: "missing", Pattern: "k"})
	assert.ErrorIs(t, err, UnknownTopologyError{})

	require.NoError(t, r.Bind(Binding{Exchange: "ex", Queue: "q1", Pattern: "a"}))
	require.NoError(t, r.Bind(Binding{Exchange: "ex", Queue: "q1", Pattern: "b"}))
	require.NoError(t, r.Bind(Binding{Exchange: "ex", Queue: "q1", Pattern: "a"}))

	_, bindings, err := r.ResolveBindings("ex")
	require.NoError(t, err)
	assert.Equal(t, []Binding{
		{Exchange: "ex", Queue: "q1", Pattern: "a"},
		{Exchange: "ex", Queue: "q1", Pattern: "b"},
	}, bindings)

	_, _, err = r.ResolveBindings("missing")
	assert.ErrorIs(t, err, UnknownTopologyError{})
}

func TestDefaultExchangeBinding(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"simple-queue", "work-queue"} {
		_, err := r.DeclareQueue(Queue{Name: name, Durable: true})
		require.NoError(t, err)
	}

	_, bindings, err := r.ResolveBindings(DefaultExchange)
	require.NoError(t, err)
	assert.Equal(t, []Binding{
		{Exchange: "", Queue: "simple-queue", Pattern: "simple-queue"},
		{Exchange: "", Queue: "work-queue", Pattern: "work-queue"},
	}, bindings)
}

func TestApply(t *testing.T) {
	r := NewRegistry()

	cfg := Config{
		Exchanges: []Exchange{{Name: "dlx", Kind: KindDirect, Durable: true}},
		Queues: []Queue{
			{Name: "dead-letter-queue", Durable: true},
			{Name: "ttl-queue", Durable: true, TTL: 10 * time.Second, DeadLetter: &DeadLetter{Exchange: "dlx", RoutingKey: "dead-letter"}},
		},
		Bindings: []Binding{
			{Exchange: "dlx", Queue: "dead-letter-queue", Pattern: "dead-letter"},
			{Exchange: "amq.direct", Queue: "ttl-queue", Pattern: "ttl-queue"},
		},
	}
	require.NoError(t, r.Apply(cfg))
	require.NoError(t, r.Apply(cfg))

	assert.Len(t, r.Queues(), 2)

	cfg.Bindings = append(cfg.Bindings, Binding{Exchange: "nope", Queue: "ttl-queue"})
	err := r.Apply(cfg)
	assert.ErrorIs(t, err, UnknownTopologyError{})
}

func TestConcurrentBindAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.DeclareExchange(Exchange{Name: "fan", Kind: KindFanout}))

	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(2)

		go func() {
			defer wg.Done()

			name := fmt.Sprintf("q%d", i)
			_, err := r.DeclareQueue(Queue{Name: name})
			assert.NoError(t, err)
			assert.NoError(t, r.Bind(Binding{Exchange: "fan", Queue: name}))
		}()

		go func() {
			defer wg.Done()

			_, bindings, err := r.ResolveBindings("fan")
			assert.NoError(t, err)
			for _, b := range bindings {
				_, ok := r.Queue(b.Queue)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()

	_, bindings, err := r.ResolveBindings("fan")
	require.NoError(t, err)
	assert.Len(t, bindings, n)
}
