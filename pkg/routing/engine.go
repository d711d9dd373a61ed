// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package routing

import (
	"fmt"

	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

// Engine resolves the queues a published message is delivered to. It holds
// no state of its own; every lookup reads a consistent snapshot of the
// registry, so concurrent Route calls are safe.
type Engine struct {
	registry *topology.Registry
}

// NewEngine returns an Engine reading bindings from registry.
func NewEngine(registry *topology.Registry) *Engine {
	return &Engine{registry: registry}
}

// Route returns the names of the queues bound to exchange whose pattern
// accepts routingKey, each at most once, in binding order. A delayed
// exchange matches with its inner kind. No match yields an empty result and
// no error; an undeclared exchange yields UnknownTopologyError.
func (e *Engine) Route(exchange, routingKey string) ([]string, error) {
	ex, bindings, err := e.registry.ResolveBindings(exchange)
	if err != nil {
		return nil, err
	}

	match, err := matcher(ex.RoutingKind())
	if err != nil {
		return nil, fmt.Errorf("route via %q: %w", exchange, err)
	}

	var (
		queues []string
		seen   = make(map[string]struct{}, len(bindings))
	)

	for _, b := range bindings {
		if _, ok := seen[b.Queue]; ok {
			continue
		}

		if !match(b.Pattern, routingKey) {
			continue
		}

		seen[b.Queue] = struct{}{}
		queues = append(queues, b.Queue)
	}

	return queues, nil
}

func matcher(kind topology.Kind) (func(pattern, key string) bool, error) {
	switch kind {
	case topology.KindDirect:
		return func(pattern, key string) bool { return pattern == key }, nil
	case topology.KindFanout:
		return func(string, string) bool { return true }, nil
	case topology.KindTopic:
		return MatchTopic, nil
	default:
		return nil, fmt.Errorf("no matching rule for kind %q", kind)
	}
}
