package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/cebus"
)

type delivery struct {
	t       *Transport
	msg     *cebus.Message
	ack     func(multiple bool) error
	nack    func(multiple, requeue bool) error
	requeue bool

	once sync.Once
}

func (d *delivery) Message() *cebus.Message { return d.msg }

// Ack acknowledges the delivery. Only the first Ack or Nack reaches the broker.
func (d *delivery) Ack(_ context.Context) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.acked.Add(1)
		err = d.ack(false)
	})
	return err
}

// Nack rejects the delivery; the broker dead-letters or requeues it.
// Permanent failures are never requeued.
func (d *delivery) Nack(_ context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		err = d.nack(false, d.requeue && !cebus.IsPermanent(reason))
	})
	return err
}

func toPublishing(m *cebus.Message, persistent bool) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  m.ContentType,
		MessageId:    m.ID,
		Type:         m.Name,
		Timestamp:    m.ProducedAt,
		Body:         m.Payload,
		DeliveryMode: amqp.Transient,
	}
	if persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if len(m.Metadata) > 0 {
		p.Headers = make(amqp.Table, len(m.Metadata))
		for k, v := range m.Metadata {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp.Delivery) *cebus.Message {
	m := &cebus.Message{
		ID:          d.MessageId,
		Name:        d.Type,
		ContentType: d.ContentType,
		Payload:     d.Body,
		ProducedAt:  d.Timestamp,
	}
	if len(d.Headers) > 0 {
		m.Metadata = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			switch s := v.(type) {
			case string:
				m.Metadata[k] = s
			case []byte:
				m.Metadata[k] = string(s)
			default:
				m.Metadata[k] = fmt.Sprint(s)
			}
		}
	}
	return m
}
