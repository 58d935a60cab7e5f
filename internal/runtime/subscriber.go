package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	messagepkg "github.com/drblury/msgbus/internal/runtime/message"
)

// Message is the envelope delivered to subscribers.
type Message = messagepkg.Message

// Handler processes a delivered message. Returning an error marks the
// delivery as failed for this subscriber only.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Filter decides whether a subscriber receives a message. An error counts as
// a non-match and is reported as a filter failure.
type Filter interface {
	Match(ctx context.Context, msg *Message) (bool, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, msg *Message) (bool, error)

func (f FilterFunc) Match(ctx context.Context, msg *Message) (bool, error) {
	return f(ctx, msg)
}

// Predicate adapts a plain boolean predicate to Filter.
func Predicate(fn func(msg *Message) bool) Filter {
	return FilterFunc(func(_ context.Context, msg *Message) (bool, error) {
		return fn(msg), nil
	})
}

// ByType accepts messages whose type is one of types.
func ByType(types ...string) Filter {
	return Predicate(func(msg *Message) bool {
		return slices.Contains(types, msg.Type)
	})
}

// ByTopic accepts messages on topic, optionally narrowed to a set of types.
func ByTopic(topic string, types ...string) Filter {
	return Predicate(func(msg *Message) bool {
		if msg.Topic != topic {
			return false
		}
		return len(types) == 0 || slices.Contains(types, msg.Type)
	})
}

// Subscriber is one registered listener. It is created by Subscribe and
// never changes afterwards.
type Subscriber struct {
	id        string
	handler   Handler
	filter    Filter
	owner     any
	createdAt time.Time

	once  bool
	fired atomic.Bool
}

func newSubscriber(handler Handler, filter Filter, owner any, once bool) *Subscriber {
	return &Subscriber{
		id:        idspkg.CreateULID(),
		handler:   handler,
		filter:    filter,
		owner:     owner,
		createdAt: time.Now().UTC(),
		once:      once,
	}
}

func (s *Subscriber) ID() string           { return s.id }
func (s *Subscriber) Handler() Handler     { return s.handler }
func (s *Subscriber) Filter() Filter       { return s.filter }
func (s *Subscriber) Owner() any           { return s.owner }
func (s *Subscriber) CreatedAt() time.Time { return s.createdAt }
func (s *Subscriber) Once() bool           { return s.once }

func (s *Subscriber) String() string {
	return fmt.Sprintf("subscriber(%s handler=%T filter=%T owner=%T once=%t)", s.id, s.handler, s.filter, s.owner, s.once)
}

// sameAs reports structural identity with a (handler, filter, owner) triple.
// Once subscribers never match.
func (s *Subscriber) sameAs(handler Handler, filter Filter, owner any) bool {
	if s.once {
		return false
	}
	return sameRef(s.handler, handler) && sameRef(s.filter, filter) && sameRef(s.owner, owner)
}

// claim marks a once subscriber as used. It returns false when another
// delivery already claimed it.
func (s *Subscriber) claim() bool {
	if !s.once {
		return true
	}
	return s.fired.CompareAndSwap(false, true)
}

// SubscriberInfo is the serialisable view used by introspection.
type SubscriberInfo struct {
	ID        string    `json:"id"`
	Handler   string    `json:"handler"`
	Filter    string    `json:"filter,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Once      bool      `json:"once,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Subscriber) info() SubscriberInfo {
	info := SubscriberInfo{
		ID:        s.id,
		Handler:   fmt.Sprintf("%T", s.handler),
		Once:      s.once,
		CreatedAt: s.createdAt,
	}
	if s.filter != nil {
		info.Filter = fmt.Sprintf("%T", s.filter)
	}
	if s.owner != nil {
		info.Owner = fmt.Sprintf("%T", s.owner)
	}
	return info
}
