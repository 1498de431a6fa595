package cloudevents

import (
	"fmt"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Config holds the map-friendly serializer settings.
type Config struct {
	// ContentType is the datacontenttype of the inner payload. Empty means
	// the inner codec's own content type.
	ContentType string
	// Source is the CloudEvents source URI-reference stamped on outgoing events.
	Source string
	// Codec is the registered name of the inner payload codec.
	Codec string
}

// Defaults returns the configuration used when no options are given.
func Defaults() Config {
	return Config{
		Source: DefaultSource,
		Codec:  "json",
	}
}

// Validate checks that the configured inner codec is known.
func (c Config) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("cloudevents: config: codec required")
	}
	if _, err := cebus.NewCodec(c.Codec); err != nil {
		return fmt.Errorf("cloudevents: config: %w", err)
	}
	return nil
}

// ConfigFromMap reads content_type, source and codec from m on top of Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["content_type"].(string); ok {
		c.ContentType = v
	}
	if v, ok := m["source"].(string); ok && v != "" {
		c.Source = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	return c
}

type settings struct {
	cfg      Config
	inner    cebus.Codec
	registry *TypeRegistry
	types    []func(*TypeRegistry) error
	clock    xclock.Clock
	logger   *xlog.Logger
}

// Option configures a Serializer.
type Option func(*settings)

// WithConfig replaces the map-friendly settings wholesale.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithContentType overrides the datacontenttype written into envelopes,
// independently of the inner codec. Counterparts that send JSON labelled
// "text/plain" need this to round-trip.
func WithContentType(ct string) Option {
	return func(s *settings) { s.cfg.ContentType = ct }
}

// WithSource sets the CloudEvents source attribute.
func WithSource(uri string) Option {
	return func(s *settings) { s.cfg.Source = uri }
}

// WithCodecName selects the inner payload codec from the bus codec registry.
func WithCodecName(name string) Option {
	return func(s *settings) {
		s.cfg.Codec = name
		s.inner = nil
	}
}

// WithCodec sets the inner payload codec instance.
func WithCodec(c cebus.Codec) Option {
	return func(s *settings) { s.inner = c }
}

// WithRegistry uses r instead of a private registry. The serializer freezes it.
func WithRegistry(r *TypeRegistry) Option {
	return func(s *settings) { s.registry = r }
}

// WithType registers T under tag when the serializer is built.
func WithType[T any](tag string) Option {
	return func(s *settings) {
		s.types = append(s.types, func(r *TypeRegistry) error { return Register[T](r, tag) })
	}
}

// WithClock sets the clock used for the time attribute.
func WithClock(c xclock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLogger sets the logger used for configuration messages.
func WithLogger(l *xlog.Logger) Option {
	return func(s *settings) { s.logger = l }
}
