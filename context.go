package cebus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	codecCtxKey        ctxKey = "cebus:codec"
	loggerCtxKey       ctxKey = "cebus:logger"
	clockCtxKey        ctxKey = "cebus:clock"
	subscriptionCtxKey ctxKey = "cebus:subscription"
)

// SubscriptionInfo identifies the subscription a handler runs under.
type SubscriptionInfo struct {
	Topic string
	Group string
}

// CodecFromContext returns the bus codec handlers decode payloads with.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

// LoggerFromContext returns the bus logger.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger)
	return l, ok && l != nil
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(xclock.Clock)
	return c, ok && c != nil
}

// SubscriptionFromContext reports the topic and group of the running handler.
func SubscriptionFromContext(ctx context.Context) (SubscriptionInfo, bool) {
	s, ok := ctx.Value(subscriptionCtxKey).(SubscriptionInfo)
	return s, ok
}

// InjectAll attaches the bus codec, logger and clock. Nil values are skipped.
// Tests calling handlers directly use it to build a handler context.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecCtxKey, codec)
	}
	if logger != nil {
		ctx = context.WithValue(ctx, loggerCtxKey, logger)
	}
	if clock != nil {
		ctx = context.WithValue(ctx, clockCtxKey, clock)
	}
	return ctx
}

func withSubscription(ctx context.Context, topic, group string) context.Context {
	return context.WithValue(ctx, subscriptionCtxKey, SubscriptionInfo{Topic: topic, Group: group})
}
