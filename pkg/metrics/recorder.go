// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package metrics exposes the broker counters as OpenTelemetry instruments.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
)

const (
	instrumentationName = "github.com/GwynCerbin/rabbitsim"
	metricKeyPrefix     = "rabbitsim."
)

const (
	attrExchange = attribute.Key("exchange")
	attrQueue    = attribute.Key("queue")
	attrReason   = attribute.Key("reason")
	attrRequeue  = attribute.Key("requeue")
	attrDropped  = attribute.Key("dropped")
	attrRouting  = attribute.Key("routing_key")
)

// Recorder records broker events. A nil *Recorder records nothing.
type Recorder struct {
	publish         metric.Int64Counter
	routingMiss     metric.Int64Counter
	ack             metric.Int64Counter
	reject          metric.Int64Counter
	deadLetter      metric.Int64Counter
	schedule        metric.Int64Counter
	scheduleRelease metric.Int64Counter
	duplicate       metric.Int64Counter
}

// New builds the instruments on provider. A nil provider yields a recorder
// backed by the noop meter.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}

	meter := provider.Meter(instrumentationName)

	var (
		r    Recorder
		errs error
	)

	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(metricKeyPrefix+name,
			metric.WithDescription(desc),
			metric.WithUnit("{messages}"),
		)
		if err != nil {
			errs = multierr.Append(errs, err)

			return
		}

		*dst = c
	}

	counter(&r.publish, "publish.count", "Messages accepted for publishing")
	counter(&r.routingMiss, "routing.miss", "Publishes that matched no queue")
	counter(&r.ack, "delivery.ack", "Deliveries acknowledged")
	counter(&r.reject, "delivery.reject", "Deliveries rejected")
	counter(&r.deadLetter, "deadletter.count", "Deliveries dead-lettered")
	counter(&r.schedule, "schedule.count", "Messages held for delayed delivery")
	counter(&r.scheduleRelease, "schedule.release", "Delayed messages released")
	counter(&r.duplicate, "dedup.duplicate", "Duplicate messages discarded")

	if errs != nil {
		return nil, errs
	}

	return &r, nil
}

// Published counts a publish. A publish that reached no queue is also
// counted as a routing miss.
func (r *Recorder) Published(ctx context.Context, exchange string, queues int) {
	if r == nil {
		return
	}

	r.publish.Add(ctx, 1, metric.WithAttributes(attrExchange.String(exchange)))

	if queues == 0 {
		r.routingMiss.Add(ctx, 1, metric.WithAttributes(attrExchange.String(exchange)))
	}
}

// Acked counts an acknowledgement.
func (r *Recorder) Acked(ctx context.Context, queue string) {
	if r == nil {
		return
	}

	r.ack.Add(ctx, 1, metric.WithAttributes(attrQueue.String(queue)))
}

// Rejected counts a negative acknowledgement.
func (r *Recorder) Rejected(ctx context.Context, queue string, requeue bool) {
	if r == nil {
		return
	}

	r.reject.Add(ctx, 1, metric.WithAttributes(
		attrQueue.String(queue),
		attrRequeue.Bool(requeue),
	))
}

// DeadLettered counts a delivery leaving queue through the dead-letter path.
// dropped marks deliveries that found no dead-letter target.
func (r *Recorder) DeadLettered(ctx context.Context, queue, reason string, dropped bool) {
	if r == nil {
		return
	}

	r.deadLetter.Add(ctx, 1, metric.WithAttributes(
		attrQueue.String(queue),
		attrReason.String(reason),
		attrDropped.Bool(dropped),
	))
}

// Scheduled counts a message handed to the delay scheduler.
func (r *Recorder) Scheduled(ctx context.Context, exchange string) {
	if r == nil {
		return
	}

	r.schedule.Add(ctx, 1, metric.WithAttributes(attrExchange.String(exchange)))
}

// Released counts a delayed message leaving the scheduler.
func (r *Recorder) Released(ctx context.Context, exchange string) {
	if r == nil {
		return
	}

	r.scheduleRelease.Add(ctx, 1, metric.WithAttributes(attrExchange.String(exchange)))
}

// Duplicate counts a consumed message discarded by the deduplication filter.
func (r *Recorder) Duplicate(ctx context.Context, routingKey string) {
	if r == nil {
		return
	}

	r.duplicate.Add(ctx, 1, metric.WithAttributes(attrRouting.String(routingKey)))
}
