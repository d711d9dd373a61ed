// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package scheduler holds messages published to delayed exchanges until
// their delay has elapsed and then hands them back for routing.
//
// Scheduled messages cannot be cancelled: once accepted, a message is always
// released eventually. Stopping Run leaves pending messages in place; they
// are released by the next Run.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitsim/pkg/message"
)

// ReleaseFunc routes a released message. It is called outside the scheduler
// lock, one message at a time, in release order.
type ReleaseFunc func(exchange, routingKey string, msg message.Message)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// Scheduler is a time-ordered holding area for delayed messages.
type Scheduler struct {
	release ReleaseFunc
	clock   clock.Clock
	logger  *zap.Logger

	// releaseMu serializes releasers so due entries reach release in heap
	// order even when Run and ReleaseDue overlap.
	releaseMu sync.Mutex

	mu      sync.Mutex
	pending entries
	seq     uint64
	// wake nudges Run when an entry may have become the earliest one.
	wake chan struct{}
}

// New returns a scheduler handing released messages to release.
func New(release ReleaseFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		release: release,
		clock:   clock.New(),
		logger:  zap.NewNop(),
		wake:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Schedule holds msg until delay has elapsed. Messages with the same release
// time are released in submission order. A non-positive delay makes the
// message due immediately.
func (s *Scheduler) Schedule(exchange, routingKey string, msg message.Message, delay time.Duration) time.Time {
	if delay < 0 {
		delay = 0
	}

	releaseAt := s.clock.Now().Add(delay)

	s.mu.Lock()
	s.seq++
	heap.Push(&s.pending, &entry{
		releaseAt:  releaseAt,
		seq:        s.seq,
		exchange:   exchange,
		routingKey: routingKey,
		msg:        msg.Clone(),
	})
	s.mu.Unlock()

	s.logger.Debug("message scheduled",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", msg.ID),
		zap.Duration("delay", delay),
	)

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return releaseAt
}

// Pending returns how many messages are waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Len()
}

// ReleaseDue hands every message whose release time has come to the release
// function and returns how many it released. Concurrent callers take turns,
// so releases never overtake each other.
func (s *Scheduler) ReleaseDue() int {
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()

	var n int

	for {
		e, ok := s.popDue(s.clock.Now())
		if !ok {
			return n
		}

		s.release(e.exchange, e.routingKey, e.msg)
		n++
	}
}

func (s *Scheduler) popDue(now time.Time) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 || s.pending[0].releaseAt.After(now) {
		return nil, false
	}

	return heap.Pop(&s.pending).(*entry), true
}

func (s *Scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 {
		return time.Time{}, false
	}

	return s.pending[0].releaseAt, true
}

// Run releases messages as they come due until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := s.clock.Timer(0)
	defer timer.Stop()

	for {
		s.ReleaseDue()

		if at, ok := s.next(); ok {
			timer.Reset(at.Sub(s.clock.Now()))
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

type entry struct {
	releaseAt  time.Time
	seq        uint64
	exchange   string
	routingKey string
	msg        message.Message
}

// entries is a min-heap on (releaseAt, seq).
type entries []*entry

func (h entries) Len() int { return len(h) }

func (h entries) Less(i, j int) bool {
	if h[i].releaseAt.Equal(h[j].releaseAt) {
		return h[i].seq < h[j].seq
	}

	return h[i].releaseAt.Before(h[j].releaseAt)
}

func (h entries) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entries) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}
