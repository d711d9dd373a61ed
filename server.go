// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitsim/pkg/dedup"
	"github.com/GwynCerbin/rabbitsim/pkg/metrics"
)

// LoggerFunc is a pluggable callback for error reporting.
// Users can inject any logger by calling listener.SetLogger(customLogger).
type LoggerFunc func(error)

// Listener encapsulates common parameters of a message‑queue subscriber.
//   - consumer: an object that implements the broker.Consumer interface.
//   - gos: desired number of concurrent goroutines used by an Instance.
//   - filter: optional deduplication filter shared by the instances.
//   - metrics: optional recorder for discarded duplicates.
//
// Listener itself does not process messages; it acts as a factory that
// creates an Instance where the real work happens.
type Listener struct {
	consumer   Consumer
	gos        int
	loggerFunc LoggerFunc
	filter     *dedup.Filter
	metrics    *metrics.Recorder
}

// NewListener constructs a Listener with a default parallelism level of 1.
func NewListener(consumer Consumer) *Listener {
	return &Listener{
		gos:      1,
		consumer: consumer,
	}
}

// SetConcurrency sets the number of goroutines that will be spawned later
// inside an Instance. It validates the input (n >= 1) and clamps the value
// by runtime.GOMAXPROCS(0).
func (l *Listener) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid goroutines count: %d", n)
	}

	l.gos = min(n, runtime.GOMAXPROCS(0))

	return nil
}

// SetLogger overrides the default logger, which reports through the global
// zap logger. Pass nil to restore the default.
func (l *Listener) SetLogger(logger LoggerFunc) {
	l.loggerFunc = logger
}

// SetDeduplication makes every Instance drop messages whose identity it has
// already seen. Each Instance is a separate session: duplicates are detected
// within one Instance only. Duplicates are acked and never reach a handler.
func (l *Listener) SetDeduplication(filter *dedup.Filter) {
	l.filter = filter
}

// SetMetrics records discarded duplicates on rec.
func (l *Listener) SetMetrics(rec *metrics.Recorder) {
	l.metrics = rec
}

// Instance is a running listener created from Listener.
//   - workChan: buffered channel through which the dispatcher feeds
//     anonymous handler functions to the workers.
//   - wg:       WaitGroup for graceful shutdown synchronization.
//   - gos:      fixed worker pool size determined at Init() time.
//   - router:   map routingKey → handler function.
//   - consumer: same consumer object shared with the parent Listener.
//   - scope:    deduplication session of this instance.
//   - done:     closed once ListenAndServe has drained its workers.
type Instance struct {
	workChan   chan func()
	wg         sync.WaitGroup
	gos        int
	router     Router
	consumer   Consumer
	loggerFunc LoggerFunc
	filter     *dedup.Filter
	metrics    *metrics.Recorder
	scope      string
	started    atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

// Init takes a Router snapshot and returns a ready‑to‑run Instance.
// The workChan capacity is set to 1; workers drain it quickly, so
// a larger buffer is rarely needed. To start with another router,
// create a new Instance instead of mutating the old one.
func (l *Listener) Init(router Router) *Instance {
	var logger LoggerFunc = func(err error) {
		zap.L().Error("listener", zap.Error(err))
	}

	if l.loggerFunc != nil {
		logger = l.loggerFunc
	}

	return &Instance{
		workChan:   make(chan func(), 1),
		gos:        l.gos,
		router:     maps.Clone(router),
		consumer:   l.consumer,
		loggerFunc: logger,
		filter:     l.filter,
		metrics:    l.metrics,
		scope:      uuid.NewString(),
		done:       make(chan struct{}),
	}
}

// Scope returns the deduplication session identifier of the instance.
func (l *Instance) Scope() string {
	return l.scope
}

// ListenAndServe starts the worker pool and enters an infinite loop that
// consumes messages from the broker. If consumer.Consume() returns an error,
// the workers are drained and the error is propagated to the caller,
// enabling graceful shutdown at a higher level.
func (l *Instance) ListenAndServe() error {
	if len(l.router) == 0 {
		return EmptyRoutError{}
	}

	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("instance already started")
	}

	defer close(l.done)

	for i := 0; i < l.gos; i++ {
		l.wg.Add(1)

		go runner(l.workChan, &l.wg)
	}

	defer func() {
		close(l.workChan)
		l.wg.Wait()
	}()

	for {
		msg, err := l.consumer.Consume()
		if err != nil {
			return err
		}

		if l.duplicate(msg) {
			continue
		}

		val, ok := l.router[msg.RoutingKey()]
		if !ok {
			l.loggerFunc(fmt.Errorf("%w, routing key: %s", UnroutedMessage{}, msg.RoutingKey()))

			if err = msg.Reject(); err != nil {
				l.loggerFunc(fmt.Errorf("reject unrouted message: %w", err))
			}

			continue
		}

		l.workChan <- func() {
			val(msg)
		}
	}
}

// duplicate acks msg and reports true when the instance has already
// admitted its identity.
func (l *Instance) duplicate(msg Message) bool {
	if l.filter == nil || l.filter.Admit(l.scope, msg.MessageID()) {
		return false
	}

	l.metrics.Duplicate(context.Background(), msg.RoutingKey())

	if err := msg.Ack(); err != nil {
		l.loggerFunc(fmt.Errorf("ack duplicate message %s: %w", msg.MessageID(), err))
	}

	return true
}

// Shutdown initiates a graceful shutdown. It closes the consumer and waits
// either for the workers to finish or for the context to be canceled/expired.
func (l *Instance) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})

	go func() {
		l.stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !l.started.Load() {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop closes the consumer once, which makes Consume fail and ends the
// dispatch loop.
func (l *Instance) stop() {
	l.closeOnce.Do(func() {
		if err := l.consumer.Close(); err != nil {
			l.loggerFunc(fmt.Errorf("%w: %w", ConsumerCloseError{}, err))
		}

		if l.filter != nil {
			l.filter.Reset(l.scope)
		}
	})
}

// runner executes tasks from workChan and signals completion via WaitGroup.
func runner(workChan chan func(), wg *sync.WaitGroup) {
	for work := range workChan {
		work()
	}

	wg.Done()
}
