package cloudevents

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xlog"
)

// CodecName is the name the serializer reports as a bus codec.
const CodecName = "cloudevents"

var (
	_ cebus.Codec        = (*Serializer)(nil)
	_ cebus.ContentTyper = (*Serializer)(nil)
	_ cebus.TypeNamer    = (*Serializer)(nil)
	_ cebus.Deserializer = (*Serializer)(nil)
)

// Serializer wraps domain messages in CloudEvents envelopes and back.
//
// It is immutable after NewSerializer and safe for concurrent use.
type Serializer struct {
	registry    *TypeRegistry
	envelopes   *EnvelopeCodec
	inner       cebus.Codec
	contentType string
}

// NewSerializer builds a Serializer and freezes its type registry.
// Registration and configuration mistakes are reported here, not per message.
func NewSerializer(opts ...Option) (*Serializer, error) {
	s := settings{cfg: Defaults()}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}

	inner := s.inner
	if inner == nil {
		if err := s.cfg.Validate(); err != nil {
			return nil, err
		}
		inner, _ = cebus.NewCodec(s.cfg.Codec)
	}
	if inner.Name() == CodecName {
		return nil, errors.New("cloudevents: inner codec must not be another envelope serializer")
	}

	reg := s.registry
	if reg == nil {
		reg = NewTypeRegistry()
	}
	for _, add := range s.types {
		if err := add(reg); err != nil {
			return nil, err
		}
	}

	envelopes, err := NewEnvelopeCodec(s.cfg.Source, s.clock)
	if err != nil {
		return nil, err
	}

	ct := s.cfg.ContentType
	if ct == "" {
		if t, ok := inner.(cebus.ContentTyper); ok {
			ct = t.ContentType()
		} else {
			ct = "application/octet-stream"
		}
	}

	reg.Freeze()

	logger := s.logger
	if logger == nil {
		logger = xlog.Default()
	}
	logger.Debug().
		Str("source", envelopes.Source()).
		Str("codec", inner.Name()).
		Str("data_content_type", ct).
		Str("types", strings.Join(reg.Tags(), ",")).
		Msg("cloudevents serializer ready")

	return &Serializer{
		registry:    reg,
		envelopes:   envelopes,
		inner:       inner,
		contentType: ct,
	}, nil
}

// Registry returns the frozen type registry.
func (s *Serializer) Registry() *TypeRegistry { return s.registry }

// Envelopes returns the envelope codec.
func (s *Serializer) Envelopes() *EnvelopeCodec { return s.envelopes }

// DataContentType is the datacontenttype written into envelopes.
func (s *Serializer) DataContentType() string { return s.contentType }

// Serialize encodes msg with the inner codec and wraps it in an envelope
// whose type is msg's registered tag.
func (s *Serializer) Serialize(msg any) ([]byte, error) {
	tag, err := s.registry.TagFor(msg)
	if err != nil {
		return nil, err
	}
	data, err := s.inner.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("cloudevents: encode %q payload: %w", tag, err)
	}
	return s.envelopes.Encode(tag, data, s.contentType)
}

// Deserialize unwraps an envelope and returns the registered value type for
// its tag.
func (s *Serializer) Deserialize(b []byte) (any, error) {
	env, err := s.envelopes.Decode(b)
	if err != nil {
		return nil, err
	}
	bind, err := s.registry.lookupTag(env.Type)
	if err != nil {
		return nil, &UnsupportedMessageTypeError{Tag: env.Type, Err: err}
	}
	v, err := bind.decode(s.inner, env.Data)
	if err != nil {
		return nil, &MalformedEnvelopeError{Field: "data", Err: err}
	}
	return v, nil
}

// Marshal implements cebus.Codec.
func (s *Serializer) Marshal(v any) ([]byte, error) { return s.Serialize(v) }

// Unmarshal implements cebus.Codec. v must be a non-nil *T where T is the
// type registered for the envelope tag, or a *any receiving the decoded value.
func (s *Serializer) Unmarshal(data []byte, v any) error {
	if target, ok := v.(*any); ok && target != nil {
		val, err := s.Deserialize(data)
		if err != nil {
			return err
		}
		*target = val
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cloudevents: unmarshal target must be a non-nil pointer, got %T", v)
	}

	env, err := s.envelopes.Decode(data)
	if err != nil {
		return err
	}
	bind, err := s.registry.lookupTag(env.Type)
	if err != nil {
		return &UnsupportedMessageTypeError{Tag: env.Type, Err: err}
	}
	if want := rv.Type().Elem(); want != bind.typ {
		return &UnsupportedMessageTypeError{Tag: env.Type, Want: want}
	}
	if err := s.inner.Unmarshal(env.Data, v); err != nil {
		return &MalformedEnvelopeError{Field: "data", Err: err}
	}
	return nil
}

// Name implements cebus.Codec.
func (s *Serializer) Name() string { return CodecName }

// ContentType is the outer content type of every message the serializer produces.
func (s *Serializer) ContentType() string { return MediaType }

// TypeName returns the registered tag for v so the bus can name events by tag.
func (s *Serializer) TypeName(v any) (string, error) { return s.registry.TagFor(v) }
