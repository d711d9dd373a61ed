// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

// EmptyRoutError is returned by ListenAndServe when the router has no routes.
type EmptyRoutError struct{}

func (EmptyRoutError) Error() string {
	return "empty route"
}

// UnroutedMessage is reported when no handler matches the routing key of a
// consumed message. The message is rejected.
type UnroutedMessage struct{}

func (UnroutedMessage) Error() string {
	return "unrouted message"
}

// ConsumerCloseError wraps a failure to close the consumer during shutdown.
type ConsumerCloseError struct{}

func (ConsumerCloseError) Error() string {
	return "close consumer, dropped with error"
}
