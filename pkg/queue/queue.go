// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

// DeadLetterFunc receives every delivery leaving the queue through the
// dead-letter path, already stamped with its death record. It runs outside
// the queue lock, so it may publish back into any queue, this one included.
// Hand-offs of one queue run one at a time, in the order the deliveries died.
type DeadLetterFunc func(d Delivery)

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithDeadLetter installs the dead-letter hand-off.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(q *Queue) {
		q.deadLetter = fn
	}
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Ready    int
	InFlight int
	// LastTag is the most recently issued delivery tag.
	LastTag uint64
}

// Queue is the delivery state machine of one queue. All operations on it
// are serialized by its own mutex; operations on different queues never
// contend.
//   - ready:    Ready deliveries ordered by tag, which is enqueue order.
//   - inFlight: outstanding deliveries by tag.
//   - signal:   closed and replaced whenever ready gains a delivery.
type Queue struct {
	cfg        topology.Queue
	clock      clock.Clock
	deadLetter DeadLetterFunc

	mu       sync.Mutex
	lastTag  uint64
	ready    []*Delivery
	inFlight map[uint64]*Delivery
	signal   chan struct{}
	// ticket is issued under mu to every batch of dead deliveries.
	ticket uint64

	handoffMu sync.Mutex
	handoffCV *sync.Cond
	serving   uint64
}

// New returns an empty queue for the declaration cfg.
func New(cfg topology.Queue, opts ...Option) *Queue {
	q := &Queue{
		cfg:      cfg,
		clock:    clock.New(),
		inFlight: make(map[uint64]*Delivery),
		signal:   make(chan struct{}),
	}

	q.handoffCV = sync.NewCond(&q.handoffMu)

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Config returns the declaration the queue was built from.
func (q *Queue) Config() topology.Queue {
	return q.cfg
}

// Push appends a private copy of msg to the backlog as a Ready delivery and
// returns it. The expiry deadline is the shorter of the queue TTL and the
// message expiration, counted from now.
func (q *Queue) Push(msg message.Message, exchange, routingKey string) Delivery {
	now := q.clock.Now()

	ttl := q.cfg.TTL
	if msg.Expiration > 0 && (ttl == 0 || msg.Expiration < ttl) {
		ttl = msg.Expiration
	}

	d := &Delivery{
		Message:    msg.Clone(),
		Exchange:   exchange,
		RoutingKey: routingKey,
		Queue:      q.cfg.Name,
		EnqueuedAt: now,
		DeathCount: uint(len(msg.Deaths)),
		State:      StateReady,
	}

	if ttl > 0 {
		d.ExpiresAt = now.Add(ttl)
	}

	q.mu.Lock()
	q.lastTag++
	d.Tag = q.lastTag
	q.ready = append(q.ready, d)
	q.notifyLocked()
	out := d.snapshot()
	q.mu.Unlock()

	return out
}

// TryPull moves the oldest live Ready delivery to InFlight and returns it.
// Ready deliveries found expired on the way are dead-lettered first.
func (q *Queue) TryPull() (Delivery, bool) {
	q.mu.Lock()
	d, ok, dead := q.pullLocked()
	q.unlockAndHandoff(dead)

	return d, ok
}

// Pull is TryPull that waits for a delivery until ctx is done.
func (q *Queue) Pull(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		d, ok, dead := q.pullLocked()
		signal := q.signal
		q.unlockAndHandoff(dead)

		if ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-signal:
		}
	}
}

func (q *Queue) pullLocked() (Delivery, bool, []Delivery) {
	var (
		now  = q.clock.Now()
		dead []Delivery
	)

	for len(q.ready) > 0 {
		d := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]

		if d.expired(now) {
			dead = append(dead, q.kill(d, message.ReasonExpired, now))

			continue
		}

		d.State = StateInFlight
		q.inFlight[d.Tag] = d

		return d.snapshot(), true, dead
	}

	return Delivery{}, false, dead
}

// Ack settles an InFlight delivery and removes it.
func (q *Queue) Ack(tag uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.inFlight[tag]
	if !ok {
		return UnknownDeliveryTagError{Queue: q.cfg.Name, Tag: tag}
	}

	delete(q.inFlight, tag)
	d.State = StateAcked

	return nil
}

// Reject settles an InFlight delivery negatively. With requeue it returns
// to Ready at its original position and is marked redelivered; without, it
// is dead-lettered with reason rejected. A delivery whose TTL has already
// passed is dead-lettered with reason expired either way.
func (q *Queue) Reject(tag uint64, requeue bool) error {
	q.mu.Lock()

	d, ok := q.inFlight[tag]
	if !ok {
		q.mu.Unlock()

		return UnknownDeliveryTagError{Queue: q.cfg.Name, Tag: tag}
	}

	delete(q.inFlight, tag)

	var (
		now  = q.clock.Now()
		dead []Delivery
	)

	switch {
	case d.expired(now):
		dead = append(dead, q.kill(d, message.ReasonExpired, now))
	case requeue:
		d.State = StateReady
		d.Redelivered = true
		q.requeueLocked(d)
	default:
		dead = append(dead, q.kill(d, message.ReasonRejected, now))
	}

	q.unlockAndHandoff(dead)

	return nil
}

func (q *Queue) requeueLocked(d *Delivery) {
	i, _ := slices.BinarySearchFunc(q.ready, d.Tag, func(e *Delivery, tag uint64) int {
		return cmp.Compare(e.Tag, tag)
	})

	q.ready = slices.Insert(q.ready, i, d)
	q.notifyLocked()
}

// Expire dead-letters every Ready delivery whose deadline has passed, oldest
// first, and returns how many it removed.
func (q *Queue) Expire() int {
	q.mu.Lock()

	var (
		now  = q.clock.Now()
		dead []Delivery
		kept = q.ready[:0]
	)

	for _, d := range q.ready {
		if d.expired(now) {
			dead = append(dead, q.kill(d, message.ReasonExpired, now))

			continue
		}

		kept = append(kept, d)
	}

	clear(q.ready[len(kept):])
	q.ready = kept

	q.unlockAndHandoff(dead)

	return len(dead)
}

// NextExpiry returns the earliest deadline among Ready deliveries.
func (q *Queue) NextExpiry() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, d := range q.ready {
		if d.ExpiresAt.IsZero() {
			continue
		}

		if next.IsZero() || d.ExpiresAt.Before(next) {
			next = d.ExpiresAt
		}
	}

	return next, !next.IsZero()
}

// Stats returns backlog and in-flight counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Ready:    len(q.ready),
		InFlight: len(q.inFlight),
		LastTag:  q.lastTag,
	}
}

// kill stamps d with a death record and marks it terminal. The stored
// message is replaced by an annotated copy; earlier snapshots keep theirs.
func (q *Queue) kill(d *Delivery, reason message.DeathReason, now time.Time) Delivery {
	d.DeathCount++
	d.Message = d.Message.WithDeath(message.DeathRecord{
		Queue:       q.cfg.Name,
		Exchange:    d.Exchange,
		RoutingKeys: []string{d.RoutingKey},
		Reason:      reason,
		Count:       d.Message.DeathCount(q.cfg.Name, reason) + 1,
		Time:        now,
	})
	d.State = StateDeadLettered

	return d.snapshot()
}

// unlockAndHandoff releases mu and passes dead to the dead-letter function.
// Batches wait for their ticket, so a batch killed later never reaches the
// function first. mu is not held while the function runs.
func (q *Queue) unlockAndHandoff(dead []Delivery) {
	if len(dead) == 0 || q.deadLetter == nil {
		q.mu.Unlock()

		return
	}

	ticket := q.ticket
	q.ticket++
	q.mu.Unlock()

	q.handoffMu.Lock()
	for q.serving != ticket {
		q.handoffCV.Wait()
	}
	q.handoffMu.Unlock()

	defer func() {
		q.handoffMu.Lock()
		q.serving++
		q.handoffMu.Unlock()
		q.handoffCV.Broadcast()
	}()

	for _, d := range dead {
		q.deadLetter(d)
	}
}

func (q *Queue) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}
