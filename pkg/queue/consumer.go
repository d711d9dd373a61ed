// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package queue

import (
	"context"
	"sync"
)

// Consumer is a consumer slot on a queue with a prefetch limit: Pull blocks
// while prefetch deliveries pulled through it are still unsettled. A
// prefetch of zero disables the limit.
type Consumer struct {
	queue *Queue
	// slots holds one token per outstanding delivery; nil when unlimited.
	slots chan struct{}

	closeCtx context.Context
	close    context.CancelFunc

	mu     sync.Mutex
	held   map[uint64]struct{}
	closed bool
}

// NewConsumer opens a consumer slot on q.
func (q *Queue) NewConsumer(prefetch int) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		queue:    q,
		closeCtx: ctx,
		close:    cancel,
		held:     make(map[uint64]struct{}),
	}

	if prefetch > 0 {
		c.slots = make(chan struct{}, prefetch)
	}

	return c
}

// Queue returns the queue the consumer reads from.
func (c *Consumer) Queue() *Queue {
	return c.queue
}

// Pull waits for a free prefetch slot, then for a delivery.
func (c *Consumer) Pull(ctx context.Context) (Delivery, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(c.closeCtx, cancel)
	defer stop()

	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return Delivery{}, c.pullErr(ctx)
		}
	}

	d, err := c.queue.Pull(ctx)
	if err != nil {
		c.release()

		return Delivery{}, c.pullErr(ctx)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		_ = c.queue.Reject(d.Tag, true)
		c.release()

		return Delivery{}, ConsumerClosedError{}
	}
	c.held[d.Tag] = struct{}{}
	c.mu.Unlock()

	return d, nil
}

// Ack settles a delivery pulled through this consumer and frees its slot.
func (c *Consumer) Ack(tag uint64) error {
	if !c.claim(tag) {
		return UnknownDeliveryTagError{Queue: c.queue.Name(), Tag: tag}
	}

	defer c.release()

	return c.queue.Ack(tag)
}

// Reject settles a delivery pulled through this consumer negatively and
// frees its slot.
func (c *Consumer) Reject(tag uint64, requeue bool) error {
	if !c.claim(tag) {
		return UnknownDeliveryTagError{Queue: c.queue.Name(), Tag: tag}
	}

	defer c.release()

	return c.queue.Reject(tag, requeue)
}

// Outstanding returns how many deliveries the consumer holds unsettled.
func (c *Consumer) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.held)
}

// Close stops the consumer and returns every delivery it still holds to
// the queue, as a broker does when a channel goes away.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	held := c.held
	c.held = make(map[uint64]struct{})
	c.mu.Unlock()

	c.close()

	for tag := range held {
		_ = c.queue.Reject(tag, true)
		c.release()
	}

	return nil
}

func (c *Consumer) claim(tag uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.held[tag]; !ok {
		return false
	}

	delete(c.held, tag)

	return true
}

func (c *Consumer) release() {
	if c.slots == nil {
		return
	}

	select {
	case <-c.slots:
	default:
	}
}

func (c *Consumer) pullErr(ctx context.Context) error {
	if c.closeCtx.Err() != nil {
		return ConsumerClosedError{}
	}

	return ctx.Err()
}
