package cebus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/trickstertwo/cebus"
)

func TestRetryMiddleware(t *testing.T) {
	transient := errors.New("transient")
	msg := &cebus.Message{ID: "m"}

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		h := cebus.RetryMiddleware(cebus.RetryConfig{MaxAttempts: 3})(func(context.Context, *cebus.Message) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		assert.NoError(t, h(t.Context(), msg))
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		h := cebus.RetryMiddleware(cebus.RetryConfig{
			MaxAttempts: 2,
			Backoff:     func(int) time.Duration { return time.Millisecond },
		})(func(context.Context, *cebus.Message) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, h(t.Context(), msg), transient)
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		h := cebus.RetryMiddleware(cebus.RetryConfig{MaxAttempts: 5})(func(context.Context, *cebus.Message) error {
			calls++
			return cebus.Permanent(transient)
		})
		err := h(t.Context(), msg)
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 1, calls)
	})

	t.Run("RetryIf filters", func(t *testing.T) {
		calls := 0
		h := cebus.RetryMiddleware(cebus.RetryConfig{
			MaxAttempts: 5,
			RetryIf:     func(err error) bool { return !errors.Is(err, transient) },
		})(func(context.Context, *cebus.Message) error {
			calls++
			return transient
		})
		assert.Error(t, h(t.Context(), msg))
		assert.Equal(t, 1, calls)
	})
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, cebus.Permanent(nil))

	base := errors.New("bad payload")
	p := cebus.Permanent(base)
	assert.True(t, cebus.IsPermanent(p))
	assert.ErrorIs(t, p, base)
	assert.Same(t, p, cebus.Permanent(p))
	assert.False(t, cebus.IsPermanent(base))
}

func TestTimeoutMiddleware(t *testing.T) {
	h := cebus.TimeoutMiddleware(20 * time.Millisecond)(func(ctx context.Context, _ *cebus.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, h(t.Context(), &cebus.Message{}), context.DeadlineExceeded)

	fast := cebus.TimeoutMiddleware(time.Second)(func(context.Context, *cebus.Message) error { return nil })
	assert.NoError(t, fast(t.Context(), &cebus.Message{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := cebus.RecoveryMiddleware()(func(context.Context, *cebus.Message) error { panic("boom") })
	assert.ErrorIs(t, h(t.Context(), &cebus.Message{}), cebus.ErrHandlerPanic)
}

func TestChain_FirstMiddlewareIsOutermost(t *testing.T) {
	var order []string
	mw := func(name string) cebus.Middleware {
		return func(next cebus.Handler) cebus.Handler {
			return func(ctx context.Context, msg *cebus.Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := cebus.Chain(func(context.Context, *cebus.Message) error {
		order = append(order, "handler")
		return nil
	}, mw("a"), nil, mw("b"))

	assert.NoError(t, h(t.Context(), &cebus.Message{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
