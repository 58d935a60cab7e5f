package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
)

// Next continues the middleware chain with msg.
type Next func(ctx context.Context, msg *Message)

// Middleware intercepts every publish before delivery. It must call next to
// let the message through; not calling it drops the message.
type Middleware func(ctx context.Context, msg *Message, next Next)

// Use appends mw to the chain. Middlewares run in registration order.
func (b *Broker) Use(mw Middleware) error {
	if mw == nil {
		return errspkg.Invalid("middleware must not be nil")
	}
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.middlewares = append(b.middlewares, mw)
	return nil
}

// runChain drives msg through the middleware chain by index-advancing
// continuation and ends in terminal. A panicking middleware is logged and
// the chain continues with the message it received, unless it already
// called next.
func (b *Broker) runChain(ctx context.Context, msg *Message, terminal Next) {
	b.mwMu.RLock()
	chain := slices.Clone(b.middlewares)
	b.mwMu.RUnlock()

	var step func(i int) Next
	step = func(i int) Next {
		return func(ctx context.Context, m *Message) {
			if i >= len(chain) {
				terminal(ctx, m)
				return
			}

			var called atomic.Bool
			next := func(ctx context.Context, m *Message) {
				if called.CompareAndSwap(false, true) {
					step(i+1)(ctx, m)
				}
			}
			b.callMiddleware(i, chain[i], ctx, m, next, &called)
		}
	}
	step(0)(ctx, msg)
}

func (b *Broker) callMiddleware(index int, mw Middleware, ctx context.Context, m *Message, next Next, called *atomic.Bool) {
	original := m.Clone()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		b.Logger.Error("Middleware panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
			"middleware_index": index,
			"message_type":     original.Type,
		})
		if !called.Load() {
			next(ctx, original)
		}
	}()
	mw(ctx, m, next)
}
