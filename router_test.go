package cebus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type unknownTag struct{ tag string }

func (e *unknownTag) Error() string       { return "unknown tag " + e.tag }
func (e *unknownTag) UnknownType() string { return e.tag }

// tableDeserializer decodes payloads by looking them up verbatim.
type tableDeserializer map[string]any

func (d tableDeserializer) Deserialize(b []byte) (any, error) {
	switch string(b) {
	case "garbage":
		return nil, errors.New("not an envelope")
	}
	v, ok := d[string(b)]
	if !ok {
		return nil, &unknownTag{tag: string(b)}
	}
	return v, nil
}

var table = tableDeserializer{
	"login": UserLoggedIn{UserID: 1},
	"order": OrderPlaced{OrderID: "o-1"},
}

func TestRouter_DispatchesByType(t *testing.T) {
	r := cebus.NewRouter(table)
	var logins []UserLoggedIn
	var orders []OrderPlaced
	require.NoError(t, cebus.On(r, func(_ context.Context, e UserLoggedIn) error { logins = append(logins, e); return nil }))
	require.NoError(t, cebus.On(r, func(_ context.Context, e OrderPlaced) error { orders = append(orders, e); return nil }))

	h := r.Handler()
	require.NoError(t, h(t.Context(), &cebus.Message{Payload: []byte("login")}))
	require.NoError(t, h(t.Context(), &cebus.Message{Payload: []byte("order")}))

	assert.Equal(t, []UserLoggedIn{{UserID: 1}}, logins)
	assert.Equal(t, []OrderPlaced{{OrderID: "o-1"}}, orders)
}

func TestRouter_HandlerErrorPassesThrough(t *testing.T) {
	r := cebus.NewRouter(table)
	boom := errors.New("db down")
	require.NoError(t, cebus.On(r, func(context.Context, UserLoggedIn) error { return boom }))

	err := r.Handler()(t.Context(), &cebus.Message{Payload: []byte("login")})
	assert.ErrorIs(t, err, boom)
	assert.False(t, cebus.IsPermanent(err))
}

func TestRouter_RouteTable(t *testing.T) {
	r := cebus.NewRouter(table)
	noop := func(context.Context, UserLoggedIn) error { return nil }

	require.NoError(t, cebus.On(r, noop))
	assert.Error(t, cebus.On(r, noop))

	r.Handler()
	assert.ErrorIs(t, cebus.On(r, func(context.Context, OrderPlaced) error { return nil }), cebus.ErrRouterSealed)
}

func TestRouter_RejectUnknown(t *testing.T) {
	r := cebus.NewRouter(table)
	require.NoError(t, cebus.On(r, func(context.Context, UserLoggedIn) error { return nil }))
	h := r.Handler()

	err := h(t.Context(), &cebus.Message{ID: "m-1", Payload: []byte("accountClosed")})
	var ut *unknownTag
	require.True(t, errors.As(err, &ut))
	assert.Equal(t, "accountClosed", ut.tag)
	assert.True(t, cebus.IsPermanent(err))

	err = h(t.Context(), &cebus.Message{Payload: []byte("order")})
	assert.ErrorIs(t, err, cebus.ErrNoRoute)
	assert.True(t, cebus.IsPermanent(err))

	err = h(t.Context(), &cebus.Message{Payload: []byte("garbage")})
	assert.ErrorContains(t, err, "not an envelope")
	assert.True(t, cebus.IsPermanent(err))
}

func TestRouter_DropUnknown(t *testing.T) {
	r := cebus.NewRouter(table, cebus.WithUnknownPolicy(cebus.DropUnknown))
	require.NoError(t, cebus.On(r, func(context.Context, UserLoggedIn) error { return nil }))
	h := r.Handler()

	ctx := cebus.InjectAll(t.Context(), nil, xlog.Default(), xclock.Default())
	assert.NoError(t, h(ctx, &cebus.Message{Payload: []byte("accountClosed")}))
	assert.NoError(t, h(ctx, &cebus.Message{Payload: []byte("order")}))
	assert.NoError(t, h(t.Context(), &cebus.Message{Payload: []byte("accountClosed")}))

	// malformed payloads are never dropped silently
	err := h(ctx, &cebus.Message{Payload: []byte("garbage")})
	assert.True(t, cebus.IsPermanent(err))
}
