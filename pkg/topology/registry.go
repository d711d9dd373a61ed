// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package topology

import (
	"fmt"
	"slices"
	"sync"
)

// DefaultExchange is the nameless direct exchange every queue is bound to
// under its own name.
const DefaultExchange = ""

// Predeclared returns the exchanges a fresh Registry starts with.
func Predeclared() []Exchange {
	return []Exchange{
		{Name: DefaultExchange, Kind: KindDirect, Durable: true},
		{Name: "amq.direct", Kind: KindDirect, Durable: true},
		{Name: "amq.fanout", Kind: KindFanout, Durable: true},
		{Name: "amq.topic", Kind: KindTopic, Durable: true},
	}
}

// Registry holds exchange, queue and binding declarations. Declarations are
// serialized against lookups, so a reader never observes a half-applied
// binding.
type Registry struct {
	mu         sync.RWMutex
	exchanges  map[string]Exchange
	queues     map[string]Queue
	queueOrder []string
	// bindings keeps per-exchange insertion order.
	bindings map[string][]Binding
	bound    map[Binding]struct{}
}

// NewRegistry returns a registry holding only the predeclared exchanges.
func NewRegistry() *Registry {
	r := &Registry{
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]Queue),
		bindings:  make(map[string][]Binding),
		bound:     make(map[Binding]struct{}),
	}

	for _, e := range Predeclared() {
		r.exchanges[e.Name] = e
	}

	return r
}

// DeclareExchange registers e. Re-declaring with identical attributes is a
// no-op; with different attributes it fails with ConfigurationConflictError.
func (r *Registry) DeclareExchange(e Exchange) error {
	e = e.normalize()
	if err := e.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.exchanges[e.Name]; ok {
		if cur != e {
			return ConfigurationConflictError{Kind: "exchange", Name: e.Name}
		}

		return nil
	}

	r.exchanges[e.Name] = e

	return nil
}

// DeclareQueue registers q under the same idempotence rule as DeclareExchange.
// A new queue is bound to the default exchange under its own name. It reports
// whether the queue was newly created.
func (r *Registry) DeclareQueue(q Queue) (bool, error) {
	if err := q.validate(); err != nil {
		return false, err
	}

	q = q.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.queues[q.Name]; ok {
		if !cur.equal(q) {
			return false, ConfigurationConflictError{Kind: "queue", Name: q.Name}
		}

		return false, nil
	}

	r.queues[q.Name] = q
	r.queueOrder = append(r.queueOrder, q.Name)
	r.bindLocked(Binding{Exchange: DefaultExchange, Queue: q.Name, Pattern: q.Name})

	return true, nil
}

// Bind ties queue to exchange under pattern. Both must already be declared.
// Duplicate bindings collapse into one.
func (r *Registry) Bind(b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exchanges[b.Exchange]; !ok {
		return UnknownTopologyError{Kind: "exchange", Name: b.Exchange}
	}

	if _, ok := r.queues[b.Queue]; !ok {
		return UnknownTopologyError{Kind: "queue", Name: b.Queue}
	}

	r.bindLocked(b)

	return nil
}

func (r *Registry) bindLocked(b Binding) {
	if _, ok := r.bound[b]; ok {
		return
	}

	r.bound[b] = struct{}{}
	r.bindings[b.Exchange] = append(r.bindings[b.Exchange], b)
}

// ResolveBindings returns the exchange declaration and its bindings in
// insertion order.
func (r *Registry) ResolveBindings(exchange string) (Exchange, []Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.exchanges[exchange]
	if !ok {
		return Exchange{}, nil, UnknownTopologyError{Kind: "exchange", Name: exchange}
	}

	return e, slices.Clone(r.bindings[exchange]), nil
}

// Exchange looks up an exchange declaration.
func (r *Registry) Exchange(name string) (Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.exchanges[name]

	return e, ok
}

// Queue looks up a queue declaration.
func (r *Registry) Queue(name string) (Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[name]

	return q.clone(), ok
}

// Queues returns every declared queue in declaration order.
func (r *Registry) Queues() []Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Queue, 0, len(r.queueOrder))
	for _, name := range r.queueOrder {
		out = append(out, r.queues[name].clone())
	}

	return out
}

// Apply declares every entity of cfg in order and stops at the first error.
func (r *Registry) Apply(cfg Config) error {
	for _, e := range cfg.Exchanges {
		if err := r.DeclareExchange(e); err != nil {
			return fmt.Errorf("declare exchange %q: %w", e.Name, err)
		}
	}

	for _, q := range cfg.Queues {
		if _, err := r.DeclareQueue(q); err != nil {
			return fmt.Errorf("declare queue %q: %w", q.Name, err)
		}
	}

	for _, b := range cfg.Bindings {
		if err := r.Bind(b); err != nil {
			return fmt.Errorf("bind queue %q to exchange %q: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}
