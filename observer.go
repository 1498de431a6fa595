package cebus

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
// Failed deliveries surface here exactly once: as the Nack event for the
// message, or as an Error event when the ack/nack itself failed.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("event_name", e.EventName),
	)
	switch {
	case e.Type == Error || e.Type == Nack:
		ev.Warn().Err(e.Err).Msg("cebus event")
	case e.Type == PublishDone && e.Err != nil:
		ev.Warn().Err(e.Err).Msg("cebus publish failed")
	case e.Type == ConsumeDone && e.Err != nil:
		// reported by the Nack that follows
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("cebus event")
	}
}
