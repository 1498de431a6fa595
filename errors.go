package cebus

import (
	"errors"
	"fmt"
)

// ErrUnknownTransport is returned by NewTransport for names nobody registered.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBusClosed                   = errors.New("cebus: bus is closed")
	ErrInvalidTopic                = errors.New("cebus: topic must not be empty")
	ErrInvalidEventName            = errors.New("cebus: event name must not be empty")
	ErrInvalidPayload              = errors.New("cebus: payload must not be nil")
	ErrInvalidSubscription         = errors.New("cebus: subscription requires topic, group and handler")
	ErrHandlerPanic                = errors.New("cebus: handler panicked")
	ErrNoTransportConfigured       = errors.New("cebus: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("cebus: observer pool shutdown timed out")
	ErrDefaultBusNotInitialized    = errors.New("cebus: default bus not initialized")
)
