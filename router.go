// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import "github.com/GwynCerbin/rabbitsim/pkg/broker"

type (
	// Consumer is the message source a Listener reads from.
	Consumer = broker.Consumer
	// Message is a consumed message handed to a handler.
	Message = broker.Message
)

// Router maps a routing key to its handler. Handlers own the settlement of
// the message they receive.
type Router map[string]func(message Message)

func NewRouter() Router {
	return make(Router)
}

func (r Router) Add(key string, f func(message Message)) {
	r[key] = f
}
