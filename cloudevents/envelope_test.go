package cloudevents

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnvelopeCodec(t *testing.T) *EnvelopeCodec {
	t.Helper()
	c, err := NewEnvelopeCodec("urn:test", nil)
	require.NoError(t, err)
	return c
}

func decodeMap(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestEnvelope_EncodeJSON(t *testing.T) {
	c := newEnvelopeCodec(t)
	before := time.Now()

	b, err := c.Encode("loggedIn", []byte(`{"userId":1234}`), "application/json")
	require.NoError(t, err)

	m := decodeMap(t, b)
	assert.Equal(t, "1.0", m["specversion"])
	assert.Equal(t, "loggedIn", m["type"])
	assert.Equal(t, "urn:test", m["source"])
	assert.Equal(t, "application/json", m["datacontenttype"])
	assert.Equal(t, map[string]any{"userId": float64(1234)}, m["data"])
	assert.NotContains(t, m, "data_base64")

	_, err = uuid.Parse(m["id"].(string))
	assert.NoError(t, err)

	ts, err := time.Parse(time.RFC3339Nano, m["time"].(string))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
	assert.WithinDuration(t, before, ts, 5*time.Second)
}

func TestEnvelope_FreshIDPerEncode(t *testing.T) {
	c := newEnvelopeCodec(t)
	a, err := c.Encode("loggedIn", []byte(`{}`), "application/json")
	require.NoError(t, err)
	b, err := c.Encode("loggedIn", []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.NotEqual(t, decodeMap(t, a)["id"], decodeMap(t, b)["id"])
}

func TestEnvelope_TextPlainEmbedsString(t *testing.T) {
	c := newEnvelopeCodec(t)
	payload := []byte(`{"userId":1234}`)

	b, err := c.Encode("loggedIn", payload, "text/plain")
	require.NoError(t, err)

	m := decodeMap(t, b)
	assert.Equal(t, "text/plain", m["datacontenttype"])
	assert.Equal(t, `{"userId":1234}`, m["data"])

	env, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, payload, env.Data)
	assert.Equal(t, "text/plain", env.DataContentType)
}

func TestEnvelope_BinaryUsesBase64(t *testing.T) {
	c := newEnvelopeCodec(t)
	payload := []byte{0x81, 0xa6, 'u', 's', 'e', 'r', 'I', 'd', 0xcd, 0x04, 0xd2}

	b, err := c.Encode("loggedIn", payload, "application/msgpack")
	require.NoError(t, err)

	m := decodeMap(t, b)
	assert.NotContains(t, m, "data")
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), m["data_base64"])

	env, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, payload, env.Data)
}

func TestEnvelope_TextWithInvalidUTF8UsesBase64(t *testing.T) {
	c := newEnvelopeCodec(t)
	payload := []byte{0x81, 0xa6, 0xff}

	b, err := c.Encode("loggedIn", payload, "text/plain")
	require.NoError(t, err)
	assert.True(t, utf8.Valid(b))

	m := decodeMap(t, b)
	assert.NotContains(t, m, "data")
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), m["data_base64"])
	assert.Equal(t, "text/plain", m["datacontenttype"])

	env, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, payload, env.Data)
}

func TestEnvelope_EncodeRejectsInvalidJSONPayload(t *testing.T) {
	c := newEnvelopeCodec(t)
	_, err := c.Encode("loggedIn", []byte("not json"), "application/json")
	assert.Error(t, err)

	_, err = c.Encode("", []byte(`{}`), "application/json")
	assert.ErrorIs(t, err, ErrEmptyTag)
}

func TestEnvelope_EncodeEnvelopeKeepsGivenAttributes(t *testing.T) {
	c := newEnvelopeCodec(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	b, err := c.EncodeEnvelope(Envelope{
		ID:              "evt-1",
		Source:          "urn:billing",
		Type:            "orderPlaced",
		Subject:         "order/42",
		Time:            at,
		DataContentType: "application/json",
		Data:            []byte(`{"orderId":"42"}`),
		Extensions:      map[string]any{"tenant": "acme"},
	})
	require.NoError(t, err)

	env, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, "urn:billing", env.Source)
	assert.Equal(t, "orderPlaced", env.Type)
	assert.Equal(t, "order/42", env.Subject)
	assert.True(t, at.Equal(env.Time))
	assert.JSONEq(t, `{"orderId":"42"}`, string(env.Data))
	assert.Equal(t, "acme", env.Extensions["tenant"])
}

func TestEnvelope_DecodeKeepsUnknownExtensions(t *testing.T) {
	c := newEnvelopeCodec(t)
	doc := `{
		"specversion": "1.0",
		"id": "5929aaac-a5e2-4ca1-859c-edfe73f11565",
		"source": "checkout",
		"type": "loggedIn",
		"datacontenttype": "application/json",
		"pubsubname": "pubsub",
		"topic": "users",
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"data": {"userId": 1234}
	}`

	env, err := c.Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "loggedIn", env.Type)
	assert.JSONEq(t, `{"userId":1234}`, string(env.Data))
	assert.Equal(t, "pubsub", env.Extensions["pubsubname"])
	assert.Equal(t, "users", env.Extensions["topic"])
	assert.Contains(t, env.Extensions, "traceparent")
}

func TestEnvelope_DecodeMalformed(t *testing.T) {
	c := newEnvelopeCodec(t)

	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"not json", `nope`, ""},
		{"not an object", `[1,2,3]`, ""},
		{"missing id", `{"specversion":"1.0","source":"s","type":"t","data":{}}`, "id"},
		{"missing source", `{"specversion":"1.0","id":"1","type":"t","data":{}}`, "source"},
		{"missing type", `{"specversion":"1.0","id":"1","source":"s","data":{}}`, "type"},
		{"missing specversion", `{"id":"1","source":"s","type":"t","data":{}}`, "specversion"},
		{"old specversion", `{"specversion":"0.3","id":"1","source":"s","type":"t","data":{}}`, "specversion"},
		{"missing data", `{"specversion":"1.0","id":"1","source":"s","type":"t"}`, "data"},
		{"null data", `{"specversion":"1.0","id":"1","source":"s","type":"t","data":null}`, "data"},
		{"empty type", `{"specversion":"1.0","id":"1","source":"s","type":"","data":{}}`, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.doc))
			var mal *MalformedEnvelopeError
			require.True(t, errors.As(err, &mal), "got %v", err)
			assert.Equal(t, tt.field, mal.Field)
		})
	}
}

func TestNewEnvelopeCodec_Source(t *testing.T) {
	c, err := NewEnvelopeCodec("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSource, c.Source())

	_, err = NewEnvelopeCodec("::not a uri", nil)
	assert.Error(t, err)
}
