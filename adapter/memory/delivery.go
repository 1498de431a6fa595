package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/cebus"
)

type deliveryTask struct {
	tr        *Transport
	topic     string
	group     *group
	msg       *cebus.Message
	createdAt time.Time
	// redeliveries counts completed Nack round trips.
	redeliveries int
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
}

func (d *memDelivery) Message() *cebus.Message {
	return d.task.msg
}

// Ack marks the message as processed. Only the first Ack or Nack counts.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack requeues the message until MaxRedeliveries is reached, then
// dead-letters it. Permanent reasons are dead-lettered immediately.
func (d *memDelivery) Nack(ctx context.Context, reason error) error {
	d.ackOnce.Do(func() {
		tr := d.task.tr
		tr.metrics.nacked.Add(1)

		if cebus.IsPermanent(reason) || d.task.redeliveries >= tr.cfg.MaxRedeliveries {
			tr.deadLetter(ctx, d.task, reason)
			return
		}
		d.task.redeliveries++
		tr.metrics.redelivered.Add(1)

		delay := tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			case <-tr.done:
			}
			return
		}

		// Delayed requeue outlives the Nack call, so it must not use ctx.
		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case d.task.group.queue <- d.task:
				case <-tr.done:
				}
			case <-tr.done:
			}
		}()
	})
	return nil
}
