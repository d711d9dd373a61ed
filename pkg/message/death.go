// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package message

import (
	"slices"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// XDeathHeader is the broker header listing dead-letter events.
const XDeathHeader = "x-death"

// DeathReason is why a delivery left its queue through the dead-letter path.
type DeathReason string

const (
	ReasonRejected DeathReason = "rejected"
	ReasonExpired  DeathReason = "expired"
)

// DeathRecord describes one dead-letter hand-off.
type DeathRecord struct {
	// Queue the message died in.
	Queue string
	// Exchange the message had been published to.
	Exchange string
	// RoutingKeys the message had been published with.
	RoutingKeys []string
	// Reason is rejected or expired.
	Reason DeathReason
	// Count is how many times the message died in Queue for Reason, this one included.
	Count int64
	// Time of the hand-off.
	Time time.Time
}

func (d DeathRecord) clone() DeathRecord {
	d.RoutingKeys = slices.Clone(d.RoutingKeys)

	return d
}

// DeathCount returns how many times the message already died in queue for reason.
func (m Message) DeathCount(queue string, reason DeathReason) int64 {
	var n int64
	for _, d := range m.Deaths {
		if d.Queue == queue && d.Reason == reason && d.Count > n {
			n = d.Count
		}
	}

	return n
}

// WithDeath returns a copy of m with rec appended to its death history.
// m itself is left untouched.
func (m Message) WithDeath(rec DeathRecord) Message {
	out := m.Clone()
	out.Deaths = append(out.Deaths, rec.clone())

	return out
}

// LastDeath returns the most recent death record.
func (m Message) LastDeath() (DeathRecord, bool) {
	if len(m.Deaths) == 0 {
		return DeathRecord{}, false
	}

	return m.Deaths[len(m.Deaths)-1], true
}

// EncodeDeaths renders deaths as an x-death header value: a list of tables,
// most recent first.
func EncodeDeaths(deaths []DeathRecord) []any {
	out := make([]any, 0, len(deaths))

	for i := len(deaths) - 1; i >= 0; i-- {
		d := deaths[i]

		keys := make([]any, len(d.RoutingKeys))
		for j, k := range d.RoutingKeys {
			keys[j] = k
		}

		out = append(out, amqp091.Table{
			"queue":        d.Queue,
			"exchange":     d.Exchange,
			"routing-keys": keys,
			"reason":       string(d.Reason),
			"count":        d.Count,
			"time":         d.Time,
		})
	}

	return out
}

// DecodeDeaths parses an x-death header value into records in the order
// they happened. Malformed entries are skipped.
func DecodeDeaths(v any) []DeathRecord {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]DeathRecord, 0, len(list))

	for i := len(list) - 1; i >= 0; i-- {
		var table map[string]any

		switch t := list[i].(type) {
		case amqp091.Table:
			table = t
		case map[string]any:
			table = t
		default:
			continue
		}

		rec := DeathRecord{
			Queue:    stringValue(table["queue"]),
			Exchange: stringValue(table["exchange"]),
			Reason:   DeathReason(stringValue(table["reason"])),
			Count:    intValue(table["count"]),
		}

		if ts, ok := table["time"].(time.Time); ok {
			rec.Time = ts
		}

		switch keys := table["routing-keys"].(type) {
		case []any:
			for _, k := range keys {
				rec.RoutingKeys = append(rec.RoutingKeys, stringValue(k))
			}
		case []string:
			rec.RoutingKeys = slices.Clone(keys)
		}

		out = append(out, rec)
	}

	return out
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func intValue(v any) int64 {
	n, _ := toInt64(v)

	return n
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	default:
		return 0, false
	}
}
