package cloudevents

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrRegistryFrozen is returned when a mapping is added after the registry
	// was handed to a Serializer.
	ErrRegistryFrozen = errors.New("cloudevents: type registry is frozen")
	// ErrEmptyTag is returned when registering a type under "".
	ErrEmptyTag = errors.New("cloudevents: tag must not be empty")
	// ErrRuntimeTypeTag is returned when a tag is the Go runtime name of the
	// type it maps. Wire tags must not leak the producer's type layout.
	ErrRuntimeTypeTag = errors.New("cloudevents: runtime type names are not allowed as tags")
)

// DuplicateTagError reports a tag already bound to another type.
type DuplicateTagError struct {
	Tag      string
	Existing reflect.Type
	Type     reflect.Type
}

func (e *DuplicateTagError) Error() string {
	return fmt.Sprintf("cloudevents: tag %q already bound to %s, cannot bind %s", e.Tag, e.Existing, e.Type)
}

// DuplicateTypeError reports a type that already has a tag.
type DuplicateTypeError struct {
	Type     reflect.Type
	Existing string
	Tag      string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("cloudevents: %s already tagged %q, cannot tag it %q", e.Type, e.Existing, e.Tag)
}

// UnregisteredTypeError reports an outbound value whose type has no tag.
type UnregisteredTypeError struct {
	Type reflect.Type
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("cloudevents: type %s is not registered", e.Type)
}

// UnknownTagError reports an inbound tag with no registered type.
type UnknownTagError struct {
	Tag string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("cloudevents: unknown type tag %q", e.Tag)
}

// MalformedEnvelopeError reports bytes that are not a usable CloudEvents
// structured-mode document. Field names the missing or broken attribute when known.
type MalformedEnvelopeError struct {
	Field string
	Err   error
}

func (e *MalformedEnvelopeError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("cloudevents: malformed envelope: %s: %v", e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("cloudevents: malformed envelope: missing %q", e.Field)
	case e.Err != nil:
		return fmt.Sprintf("cloudevents: malformed envelope: %v", e.Err)
	}
	return "cloudevents: malformed envelope"
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// UnsupportedMessageTypeError reports an envelope that cannot become the
// requested domain message: its tag is unknown, or it maps to a different
// type than the caller asked for (Want).
type UnsupportedMessageTypeError struct {
	Tag  string
	Want reflect.Type
	Err  error
}

func (e *UnsupportedMessageTypeError) Error() string {
	if e.Want != nil {
		return fmt.Sprintf("cloudevents: message type %q cannot be decoded into %s", e.Tag, e.Want)
	}
	if e.Err != nil {
		return fmt.Sprintf("cloudevents: unsupported message type %q: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("cloudevents: unsupported message type %q", e.Tag)
}

func (e *UnsupportedMessageTypeError) Unwrap() error { return e.Err }

// UnknownType returns the offending tag. The bus Router uses it to apply its
// unknown-type policy.
func (e *UnsupportedMessageTypeError) UnknownType() string { return e.Tag }
