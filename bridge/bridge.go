// Package bridge forwards CloudEvents envelopes from one transport to
// another. Every message is validated as a structured-mode envelope before it
// is republished; the envelope bytes themselves are never rewritten.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/cebus/cloudevents"
	"github.com/trickstertwo/xlog"
)

var ErrClosed = errors.New("bridge is closed")

// Metadata keys stamped on forwarded messages.
const (
	MetaSourceTopic = "bridge_source_topic"
)

// Bridge subscribes to routes on a source transport and republishes what
// passes validation to a destination transport.
type Bridge struct {
	src, dst  cebus.Transport
	envelopes *cloudevents.EnvelopeCodec
	allowed   map[string]struct{}
	logger    *xlog.Logger

	mu     sync.Mutex
	subs   []cebus.Subscription
	closed bool

	forwarded atomic.Uint64
	rejected  atomic.Uint64
	filtered  atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAllowedTypes restricts forwarding to envelopes whose type is one of
// tags. Other envelopes are acknowledged and skipped.
func WithAllowedTypes(tags ...string) Option {
	return func(b *Bridge) {
		if b.allowed == nil {
			b.allowed = make(map[string]struct{}, len(tags))
		}
		for _, t := range tags {
			b.allowed[t] = struct{}{}
		}
	}
}

func WithLogger(l *xlog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns a Bridge from src to dst. Nothing flows until Route is called.
func New(src, dst cebus.Transport, opts ...Option) (*Bridge, error) {
	if src == nil || dst == nil {
		return nil, errors.New("bridge: source and destination transports are required")
	}
	envelopes, err := cloudevents.NewEnvelopeCodec("", nil)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		src:       src,
		dst:       dst,
		envelopes: envelopes,
		logger:    xlog.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b, nil
}

// Route forwards messages of fromTopic, consumed as group, to toTopic.
// Malformed envelopes are Nacked as permanent failures; publish failures are
// Nacked so the source transport can redeliver.
func (b *Bridge) Route(ctx context.Context, fromTopic, group, toTopic string) error {
	if fromTopic == "" || group == "" || toTopic == "" {
		return cebus.ErrInvalidSubscription
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	lg := b.logger.With(
		xlog.Str("from", fromTopic),
		xlog.Str("group", group),
		xlog.Str("to", toTopic),
	)
	sub, err := b.src.Subscribe(ctx, fromTopic, group, func(d cebus.Delivery) {
		b.forward(ctx, lg, fromTopic, toTopic, d)
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s/%s: %w", fromTopic, group, err)
	}
	b.subs = append(b.subs, sub)
	lg.Info().Msg("bridge route started")
	return nil
}

func (b *Bridge) forward(ctx context.Context, lg *xlog.Logger, fromTopic, toTopic string, d cebus.Delivery) {
	settle := context.WithoutCancel(ctx)
	msg := d.Message()

	env, err := b.envelopes.Decode(msg.Payload)
	if err != nil {
		b.rejected.Add(1)
		lg.Warn().Str("message_id", msg.ID).Err(err).Msg("bridge rejected malformed envelope")
		b.nack(settle, lg, d, cebus.Permanent(err))
		return
	}

	if b.allowed != nil {
		if _, ok := b.allowed[env.Type]; !ok {
			b.filtered.Add(1)
			lg.Debug().Str("event_id", env.ID).Str("type", env.Type).Msg("bridge skipped type")
			b.ack(settle, lg, d)
			return
		}
	}

	out := &cebus.Message{
		ID:          env.ID,
		Name:        env.Type,
		ContentType: cloudevents.MediaType,
		Payload:     msg.Payload,
		Metadata:    maps.Clone(msg.Metadata),
		ProducedAt:  msg.ProducedAt,
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[MetaSourceTopic] = fromTopic

	if err := b.dst.Publish(ctx, toTopic, out); err != nil {
		b.failed.Add(1)
		lg.Error().Str("event_id", env.ID).Err(err).Msg("bridge publish failed")
		b.nack(settle, lg, d, err)
		return
	}
	b.forwarded.Add(1)
	b.ack(settle, lg, d)
}

func (b *Bridge) ack(ctx context.Context, lg *xlog.Logger, d cebus.Delivery) {
	if err := d.Ack(ctx); err != nil {
		lg.Warn().Str("message_id", d.Message().ID).Err(err).Msg("bridge ack failed")
	}
}

func (b *Bridge) nack(ctx context.Context, lg *xlog.Logger, d cebus.Delivery, reason error) {
	if err := d.Nack(ctx, reason); err != nil {
		lg.Warn().Str("message_id", d.Message().ID).Err(err).Msg("bridge nack failed")
	}
}

// Close stops all routes. The transports stay open; they belong to the caller.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, s := range b.subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}

// Stats counts what the bridge did with the messages it consumed.
type Stats struct {
	Forwarded uint64
	Rejected  uint64
	Filtered  uint64
	Failed    uint64
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Forwarded: b.forwarded.Load(),
		Rejected:  b.rejected.Load(),
		Filtered:  b.filtered.Load(),
		Failed:    b.failed.Load(),
	}
}
