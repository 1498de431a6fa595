package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/cebus/adapter/memory"
	"github.com/trickstertwo/cebus/cloudevents"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

const dlq = "bridge.dlq"

func newMemory(t *testing.T) *memory.Transport {
	t.Helper()
	cfg := memory.Defaults()
	cfg.MaxRedeliveries = 0
	cfg.DeadLetter = dlq
	tr := memory.NewTransport(cfg)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func collect(t *testing.T, tr cebus.Transport, topic string) <-chan *cebus.Message {
	t.Helper()
	out := make(chan *cebus.Message, 16)
	sub, err := tr.Subscribe(t.Context(), topic, "test", func(d cebus.Delivery) {
		out <- d.Message()
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return out
}

func receive(t *testing.T, ch <-chan *cebus.Message) *cebus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func envelope(t *testing.T, tag, data string) []byte {
	t.Helper()
	c, err := cloudevents.NewEnvelopeCodec("urn:test", nil)
	require.NoError(t, err)
	b, err := c.Encode(tag, []byte(data), "application/json")
	require.NoError(t, err)
	return b
}

func TestRoute_ForwardsEnvelopeUnchanged(t *testing.T) {
	src, dst := newMemory(t), newMemory(t)
	out := collect(t, dst, "users.copy")

	b, err := New(src, dst)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Route(t.Context(), "users", "bridge", "users.copy"))

	payload := envelope(t, "loggedIn", `{"userId":1234}`)
	require.NoError(t, src.Publish(t.Context(), "users", &cebus.Message{
		Payload:  payload,
		Metadata: map[string]string{"tenant": "acme"},
	}))

	got := receive(t, out)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, "loggedIn", got.Name)
	assert.Equal(t, cloudevents.MediaType, got.ContentType)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "acme", got.Metadata["tenant"])
	assert.Equal(t, "users", got.Metadata[MetaSourceTopic])

	assert.Eventually(t, func() bool { return b.Stats().Forwarded == 1 }, time.Second, 5*time.Millisecond)
}

func TestRoute_MalformedIsNacked(t *testing.T) {
	src, dst := newMemory(t), newMemory(t)
	dead := collect(t, src, dlq)
	out := collect(t, dst, "users.copy")

	b, err := New(src, dst)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Route(t.Context(), "users", "bridge", "users.copy"))

	require.NoError(t, src.Publish(t.Context(), "users", &cebus.Message{Payload: []byte(`{"specversion":"1.0","type":"loggedIn"}`)}))

	got := receive(t, dead)
	assert.Equal(t, "users", got.Metadata[memory.MetaOriginalTopic])
	assert.Contains(t, got.Metadata[memory.MetaDeadLetterReason], "id")
	assert.Equal(t, uint64(1), b.Stats().Rejected)

	select {
	case m := <-out:
		t.Fatalf("malformed envelope forwarded: %s", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoute_AllowedTypes(t *testing.T) {
	src, dst := newMemory(t), newMemory(t)
	out := collect(t, dst, "users.copy")

	b, err := New(src, dst, WithAllowedTypes("loggedIn"))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Route(t.Context(), "users", "bridge", "users.copy"))

	require.NoError(t, src.Publish(t.Context(), "users",
		&cebus.Message{Payload: envelope(t, "orderPlaced", `{"orderId":"o-1"}`)},
		&cebus.Message{Payload: envelope(t, "loggedIn", `{"userId":1}`)},
	))

	got := receive(t, out)
	assert.Equal(t, "loggedIn", got.Name)
	assert.Eventually(t, func() bool {
		st := b.Stats()
		return st.Filtered == 1 && st.Forwarded == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRoute_PublishFailureIsNacked(t *testing.T) {
	src, dst := newMemory(t), newMemory(t)
	dead := collect(t, src, dlq)
	require.NoError(t, dst.Close(context.Background()))

	b, err := New(src, dst)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Route(t.Context(), "users", "bridge", "users.copy"))

	require.NoError(t, src.Publish(t.Context(), "users", &cebus.Message{Payload: envelope(t, "loggedIn", `{"userId":1}`)}))

	got := receive(t, dead)
	assert.Equal(t, memory.ErrClosed.Error(), got.Metadata[memory.MetaDeadLetterReason])
	assert.Equal(t, uint64(1), b.Stats().Failed)
}

func TestRoute_Validation(t *testing.T) {
	src, dst := newMemory(t), newMemory(t)

	_, err := New(nil, dst)
	assert.Error(t, err)

	b, err := New(src, dst)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Route(t.Context(), "", "g", "to"), cebus.ErrInvalidSubscription)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Route(t.Context(), "users", "g", "to"), ErrClosed)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingDelivery struct {
	msg *cebus.Message
	err error
}

func (d *failingDelivery) Message() *cebus.Message           { return d.msg }
func (d *failingDelivery) Ack(context.Context) error         { return d.err }
func (d *failingDelivery) Nack(context.Context, error) error { return d.err }

func TestForward_LogsSettleFailures(t *testing.T) {
	out := &lockedBuffer{}
	logger := zerolog.Use(zerolog.Config{
		MinLevel: xlog.LevelDebug,
		Writer:   out,
	})

	src, dst := newMemory(t), newMemory(t)
	b, err := New(src, dst, WithLogger(logger))
	require.NoError(t, err)
	defer b.Close()

	xackErr := errors.New("xack failed")
	b.forward(t.Context(), logger, "users", "users.copy", &failingDelivery{
		msg: &cebus.Message{ID: "m-1", Payload: envelope(t, "loggedIn", `{"userId":1}`)},
		err: xackErr,
	})
	b.forward(t.Context(), logger, "users", "users.copy", &failingDelivery{
		msg: &cebus.Message{ID: "m-2", Payload: []byte("not an envelope")},
		err: xackErr,
	})

	logs := out.String()
	assert.Contains(t, logs, "bridge ack failed")
	assert.Contains(t, logs, "bridge nack failed")
	assert.Contains(t, logs, "xack failed")

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Forwarded)
	assert.Equal(t, uint64(1), st.Rejected)
}
