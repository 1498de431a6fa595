package cloudevents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

const (
	// SpecVersion is the only CloudEvents version produced and accepted.
	SpecVersion = "1.0"
	// MediaType is the content type of a structured-mode JSON envelope.
	MediaType = "application/cloudevents+json"
	// DefaultSource is used when no source URI-reference is configured.
	DefaultSource = "urn:cebus"
)

// Envelope is the decoded view of a CloudEvents structured-mode document.
type Envelope struct {
	ID              string
	Source          string
	Type            string
	Subject         string
	Time            time.Time
	DataContentType string
	// Data is the inner payload exactly as produced by the payload codec.
	Data []byte
	// Extensions holds attributes beyond the CloudEvents core set.
	// Unknown ones survive decoding untouched.
	Extensions map[string]any
}

// EnvelopeCodec converts between (tag, content type, payload) and CloudEvents
// 1.0 JSON. It is stateless apart from its source and clock and safe for
// concurrent use.
type EnvelopeCodec struct {
	source string
	clock  xclock.Clock
}

// NewEnvelopeCodec returns a codec stamping source on every event. An empty
// source falls back to DefaultSource and a nil clock to xclock.Default().
func NewEnvelopeCodec(source string, clock xclock.Clock) (*EnvelopeCodec, error) {
	if source == "" {
		source = DefaultSource
	}
	if types.ParseURIRef(source) == nil {
		return nil, fmt.Errorf("cloudevents: source %q is not a URI-reference", source)
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &EnvelopeCodec{source: source, clock: clock}, nil
}

// Source returns the configured source attribute.
func (c *EnvelopeCodec) Source() string { return c.source }

// Encode wraps payload into a fresh envelope of type tag.
func (c *EnvelopeCodec) Encode(tag string, payload []byte, contentType string) ([]byte, error) {
	return c.EncodeEnvelope(Envelope{Type: tag, DataContentType: contentType, Data: payload})
}

// EncodeEnvelope serializes env. A missing ID, Source or Time is filled in
// with a random UUID, the codec source and the current UTC time.
func (c *EnvelopeCodec) EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrEmptyTag
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Source == "" {
		env.Source = c.source
	}
	if env.Time.IsZero() {
		env.Time = c.clock.Now()
	}

	e := ce.NewEvent(SpecVersion)
	e.SetID(env.ID)
	e.SetSource(env.Source)
	e.SetType(env.Type)
	e.SetTime(env.Time.UTC())
	if env.Subject != "" {
		e.SetSubject(env.Subject)
	}
	if env.DataContentType != "" {
		e.SetDataContentType(env.DataContentType)
	}
	for k, v := range env.Extensions {
		e.SetExtension(k, v)
	}

	switch {
	case isJSONMediaType(env.DataContentType):
		if !json.Valid(env.Data) {
			return nil, fmt.Errorf("cloudevents: %s payload for %q is not valid JSON", env.DataContentType, env.Type)
		}
		e.DataEncoded = env.Data
	case isTextMediaType(env.DataContentType) && utf8.Valid(env.Data):
		e.DataEncoded = env.Data
	default:
		e.DataEncoded = env.Data
		e.DataBase64 = true
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("cloudevents: invalid envelope: %w", err)
	}
	return json.Marshal(e)
}

// requiredFields are checked on the raw document so the error can name the
// attribute that is missing.
var requiredFields = []string{"specversion", "id", "source", "type"}

// Decode parses a structured-mode envelope. Attributes outside the core set
// are kept in Envelope.Extensions.
func (c *EnvelopeCodec) Decode(b []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Err: err}
	}
	for _, f := range requiredFields {
		v, ok := raw[f]
		if !ok || isNullOrEmpty(v) {
			return Envelope{}, &MalformedEnvelopeError{Field: f}
		}
	}
	var sv string
	if err := json.Unmarshal(raw["specversion"], &sv); err != nil || sv != SpecVersion {
		return Envelope{}, &MalformedEnvelopeError{Field: "specversion", Err: fmt.Errorf("unsupported version %s", raw["specversion"])}
	}
	_, hasData := raw["data"]
	_, hasB64 := raw["data_base64"]
	if !hasData && !hasB64 {
		return Envelope{}, &MalformedEnvelopeError{Field: "data"}
	}

	var e ce.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Err: err}
	}
	data := e.Data()
	if len(data) == 0 || string(data) == "null" {
		return Envelope{}, &MalformedEnvelopeError{Field: "data"}
	}

	env := Envelope{
		ID:              e.ID(),
		Source:          e.Source(),
		Type:            e.Type(),
		Subject:         e.Subject(),
		Time:            e.Time(),
		DataContentType: e.DataContentType(),
		Data:            data,
	}
	if ext := e.Extensions(); len(ext) > 0 {
		env.Extensions = make(map[string]any, len(ext))
		for k, v := range ext {
			env.Extensions[k] = v
		}
	}
	return env, nil
}

func isNullOrEmpty(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null" || s == `""`
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// isJSONMediaType mirrors the rule the CloudEvents JSON format uses to decide
// whether data is embedded as a JSON value.
func isJSONMediaType(ct string) bool {
	mt := mediaType(ct)
	switch mt {
	case "", "application/json", "text/json":
		return true
	}
	return strings.HasSuffix(mt, "+json")
}

func isTextMediaType(ct string) bool {
	return strings.HasPrefix(mediaType(ct), "text/")
}
