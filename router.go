package cebus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
)

// UnknownPolicy decides what happens to a message whose type the Router cannot place.
type UnknownPolicy int

const (
	// RejectUnknown fails the delivery, so the transport Nacks it
	// (dead-letter or redelivery, depending on the transport).
	RejectUnknown UnknownPolicy = iota
	// DropUnknown logs the message once and acknowledges it.
	DropUnknown
)

var (
	ErrRouterSealed = errors.New("cebus: router already serving, routes are read-only")
	ErrNoRoute      = errors.New("cebus: no route for message type")
)

// unknownTypeError is implemented by deserializer errors caused by a type tag
// that is not registered (as opposed to a malformed payload).
type unknownTypeError interface {
	UnknownType() string
}

// Router dispatches decoded messages to typed handlers keyed by their Go type.
// Routes are added with On before Handler is called; afterwards the route
// table is read-only and dispatch needs no locking.
type Router struct {
	d        Deserializer
	policy   UnknownPolicy
	handlers map[reflect.Type]func(ctx context.Context, v any) error
	sealed   atomic.Bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithUnknownPolicy sets how unregistered types and unrouted messages are treated.
func WithUnknownPolicy(p UnknownPolicy) RouterOption {
	return func(r *Router) { r.policy = p }
}

// NewRouter returns a Router decoding payloads with d.
func NewRouter(d Deserializer, opts ...RouterOption) *Router {
	r := &Router{
		d:        d,
		handlers: make(map[reflect.Type]func(ctx context.Context, v any) error),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// On routes messages decoding to T to h. It fails if T already has a route
// or the router is already serving.
func On[T any](r *Router, h func(ctx context.Context, msg T) error) error {
	if r.sealed.Load() {
		return ErrRouterSealed
	}
	t := reflect.TypeFor[T]()
	if _, dup := r.handlers[t]; dup {
		return fmt.Errorf("cebus: route for %s already registered", t)
	}
	r.handlers[t] = func(ctx context.Context, v any) error {
		msg, ok := v.(T)
		if !ok {
			return fmt.Errorf("cebus: routed %T to handler for %s", v, t)
		}
		return h(ctx, msg)
	}
	return nil
}

// Handler seals the route table and returns a bus Handler.
func (r *Router) Handler() Handler {
	r.sealed.Store(true)
	return r.Dispatch
}

// Dispatch decodes msg and calls the matching route. Decode failures are
// returned as permanent errors so retry middleware leaves them alone.
func (r *Router) Dispatch(ctx context.Context, msg *Message) error {
	v, err := r.d.Deserialize(msg.Payload)
	if err != nil {
		var ut unknownTypeError
		if errors.As(err, &ut) && r.policy == DropUnknown {
			r.drop(ctx, msg, err)
			return nil
		}
		return Permanent(fmt.Errorf("cebus: decode message %q: %w", msg.ID, err))
	}

	h, ok := r.handlers[reflect.TypeOf(v)]
	if !ok {
		err := fmt.Errorf("%w: %T", ErrNoRoute, v)
		if r.policy == DropUnknown {
			r.drop(ctx, msg, err)
			return nil
		}
		return Permanent(err)
	}
	return h(ctx, v)
}

func (r *Router) drop(ctx context.Context, msg *Message, err error) {
	lg, ok := LoggerFromContext(ctx)
	if !ok {
		return
	}
	sub, _ := SubscriptionFromContext(ctx)
	lg.Warn().
		Str("topic", sub.Topic).
		Str("group", sub.Group).
		Str("message_id", msg.ID).
		Str("event_name", msg.Name).
		Err(err).
		Msg("cebus: dropping message of unknown type")
}
