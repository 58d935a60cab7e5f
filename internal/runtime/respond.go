package runtime

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	messagepkg "github.com/drblury/msgbus/internal/runtime/message"
)

type replyKey struct{}

// replySlot collects the first reply written by any handler.
type replySlot struct {
	mu      sync.Mutex
	written bool
	payload any
}

// Reply records payload as the answer to the request being delivered in
// ctx. Only the first reply counts; it returns false when ctx carries no
// request or a reply was already written.
func Reply(ctx context.Context, payload any) bool {
	slot, ok := ctx.Value(replyKey{}).(*replySlot)
	if !ok {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.written {
		return false
	}
	slot.written = true
	slot.payload = payload
	return true
}

// IsRequestContext reports whether ctx belongs to a delivery that expects a
// reply through Reply.
func IsRequestContext(ctx context.Context) bool {
	_, ok := ctx.Value(replyKey{}).(*replySlot)
	return ok
}

// Respond serves a request received by a transport server. The request is
// delivered to local subscribers like an inbound message; the first handler
// calling Reply provides the reply. A nil reply means nobody answered.
func (b *Broker) Respond(ctx context.Context, request *Message) (*Message, error) {
	if err := request.ValidateCorrelated(); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidArgument, err)
	}

	slot := &replySlot{}
	in := request.Clone()
	in.Remote = true
	in.IsRequest = true

	report := b.deliver(context.WithValue(ctx, replyKey{}, slot), in, false)

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.written {
		if err := report.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return messagepkg.NewReply(request, slot.payload), nil
}
