// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package message

import (
	"bytes"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const mimeReadLimit = 512 //bytes that mime will read

// IdentityHeader carries an explicit deduplication identity that overrides Message.ID.
const IdentityHeader = "x-message-id"

// DelayHeader carries the delivery delay in milliseconds for delayed exchanges.
const DelayHeader = "x-delay"

var mimeOnce sync.Once

// Priority is the message priority class.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}

	return fmt.Sprintf("priority(%d)", uint8(p))
}

// AMQP maps the priority onto the AMQP basic.priority property.
func (p Priority) AMQP() uint8 {
	return uint8(p)
}

// ParsePriority is the inverse of Priority.String, case-insensitive.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return Priority(i), nil
		}
	}

	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Headers is the application header table of a message.
type Headers map[string]any

// Clone returns a deep copy of the table. Nested tables, arrays and byte
// slices are copied as well.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}

	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case []byte:
		return bytes.Clone(v)
	case Headers:
		return v.Clone()
	case amqp091.Table:
		return amqp091.Table(Headers(v).Clone())
	case map[string]any:
		return map[string]any(Headers(v).Clone())
	case []any:
		if v == nil {
			return v
		}

		out := make([]any, len(v))
		for i, el := range v {
			out[i] = cloneValue(el)
		}

		return out
	default:
		return v
	}
}

// Message is an immutable value routed through the broker. Holders that
// need to change it work on a Clone.
type Message struct {
	// ID is the unique message identifier.
	ID string
	// Payload is the opaque message body; the broker never inspects it.
	Payload []byte
	// CreatedAt is the publish-side creation time.
	CreatedAt time.Time
	// Priority is carried end to end but does not reorder queues.
	Priority Priority
	// ContentType is the MIME type of Payload.
	ContentType string
	// Expiration is a per-message TTL; zero means the queue TTL alone applies.
	Expiration time.Duration
	// Headers holds application headers.
	Headers Headers
	// Deaths lists dead-letter hand-offs in the order they happened.
	Deaths []DeathRecord
}

// Option customizes a Message built by New.
type Option func(*Message)

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(m *Message) {
		m.ID = id
	}
}

// WithPriority sets the message priority.
func WithPriority(p Priority) Option {
	return func(m *Message) {
		m.Priority = p
	}
}

// WithHeader sets a single application header.
func WithHeader(key string, value any) Option {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(Headers)
		}
		m.Headers[key] = value
	}
}

// WithContentType skips content sniffing and uses ct.
func WithContentType(ct string) Option {
	return func(m *Message) {
		m.ContentType = ct
	}
}

// WithExpiration sets a per-message TTL.
func WithExpiration(ttl time.Duration) Option {
	return func(m *Message) {
		m.Expiration = ttl
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

// New builds a message with a fresh UUID, the current UTC time, Normal
// priority and a content type sniffed from the payload.
func New(payload []byte, opts ...Option) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Priority:  PriorityNormal,
	}

	for _, opt := range opts {
		opt(&msg)
	}

	if msg.ContentType == "" {
		msg.ContentType = DetectContentType(payload)
	}

	return msg
}

// DetectContentType sniffs the MIME type of data.
func DetectContentType(data []byte) string {
	mimeOnce.Do(func() {
		mimetype.SetLimit(mimeReadLimit)
	})

	return mimetype.Detect(data).String()
}

// Clone returns a deep copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	out.Payload = bytes.Clone(m.Payload)
	out.Headers = m.Headers.Clone()

	if m.Deaths != nil {
		out.Deaths = make([]DeathRecord, len(m.Deaths))
		for i, d := range m.Deaths {
			out.Deaths[i] = d.clone()
		}
	}

	return out
}

// Identity returns the key used for consumer-side deduplication.
func (m Message) Identity() string {
	switch v := m.Headers[IdentityHeader].(type) {
	case string:
		if v != "" {
			return v
		}
	case []byte:
		if len(v) > 0 {
			return string(v)
		}
	}

	return m.ID
}

// Delay returns the delay requested through DelayHeader.
func (m Message) Delay() (time.Duration, bool) {
	v, ok := m.Headers[DelayHeader]
	if !ok {
		return 0, false
	}

	if f, isFloat := v.(float64); isFloat {
		return time.Duration(f * float64(time.Millisecond)), true
	}

	ms, ok := toInt64(v)
	if !ok {
		return 0, false
	}

	return time.Duration(ms) * time.Millisecond, true
}

// Header returns a single header value.
func (m Message) Header(key string) (any, bool) {
	v, ok := m.Headers[key]

	return v, ok
}

// AMQPHeaders returns the outbound header table: the application headers
// plus the dead-letter annotations brokers attach.
func (m Message) AMQPHeaders() map[string]any {
	out := make(map[string]any, len(m.Headers)+4)
	maps.Copy(out, m.Headers.Clone())

	if len(m.Deaths) == 0 {
		return out
	}

	first := m.Deaths[0]
	out[XDeathHeader] = EncodeDeaths(m.Deaths)
	out["x-first-death-queue"] = first.Queue
	out["x-first-death-exchange"] = first.Exchange
	out["x-first-death-reason"] = string(first.Reason)

	return out
}
