package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/cebus"
)

// delivery implements cebus.Delivery for Redis Streams.
type delivery struct {
	t     *Transport
	topic string
	group string
	id    string
	msg   *cebus.Message

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

func (d *delivery) Message() *cebus.Message {
	return d.msg
}

// Ack acknowledges a message, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() { err = d.ack(ctx) })
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack rejects a message. Redis Streams has no NACK: with a dead-letter
// stream configured the entry is copied there and acknowledged. Without one,
// a permanent failure is acknowledged and logged, anything else stays pending
// and the claim loop redelivers it after ClaimMinIdle.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			if cebus.IsPermanent(reason) {
				d.t.metrics.dropped.Add(1)
				d.t.logger.Warn().
					Str("topic", d.topic).
					Str("group", d.group).
					Str("entry_id", d.id).
					Err(reason).
					Msg("dropping entry with permanent failure, no dead-letter stream")
				err = d.ack(ctx)
			}
			return
		}

		values := make(map[string]any, 6+len(d.msg.Metadata))
		values[fieldOrigTopic] = d.topic
		values[fieldOrigID] = d.id
		values[fieldError] = fmt.Sprintf("%v", reason)
		values[fieldID] = d.msg.ID
		values[fieldName] = d.msg.Name
		values[fieldPayload] = d.msg.Payload
		if d.msg.ContentType != "" {
			values[fieldContentType] = d.msg.ContentType
		}
		for k, v := range d.msg.Metadata {
			values[fieldMetaPrefix+k] = v
		}

		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			// keep it pending rather than lose it
			err = fmt.Errorf("redisstream: dead-letter %s: %w", d.id, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

// decodeMessage rebuilds a cebus.Message from stream entry values. A
// producer-assigned id wins over the stream entry id.
func decodeMessage(id string, vals map[string]any) *cebus.Message {
	msg := &cebus.Message{ID: id}

	if v, ok := vals[fieldID]; ok && asString(v) != "" {
		msg.ID = asString(v)
	}
	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	if v, ok := vals[fieldContentType]; ok {
		msg.ContentType = asString(v)
	}

	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}

	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}

	// Extract metadata fields
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string, 4)
			}
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}

	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}

	return msg
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
