// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package queue

import "fmt"

// UnknownDeliveryTagError is returned by Ack and Reject when the tag is not
// currently in flight on the queue: already settled, never issued, issued by
// another queue or consumer, or returned to the backlog. The queue state is
// left untouched.
type UnknownDeliveryTagError struct {
	Queue string
	Tag   uint64
}

// ConsumerClosedError is returned when pulling through a closed Consumer.
type ConsumerClosedError struct{}

// Error implements the error interface for UnknownDeliveryTagError.
func (e UnknownDeliveryTagError) Error() string {
	return fmt.Sprintf("unknown delivery tag %d on queue %q", e.Tag, e.Queue)
}

// Is matches any UnknownDeliveryTagError regardless of fields.
func (UnknownDeliveryTagError) Is(target error) bool {
	_, ok := target.(UnknownDeliveryTagError)

	return ok
}

// Error implements the error interface for ConsumerClosedError.
func (ConsumerClosedError) Error() string {
	return "consumer already closed, unable to provide"
}
