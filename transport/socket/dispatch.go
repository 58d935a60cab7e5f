package socket

import (
	"context"
	"fmt"
	"slices"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	"github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
)

// OnOpen sets the callback fired after every successful connect.
func (t *Transport) OnOpen(fn func()) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onOpen = fn
}

// OnClose sets the callback fired when the server closes the connection
// cleanly or Disconnect is called.
func (t *Transport) OnClose(fn func(error)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onClose = fn
}

// OnError sets the callback fired when a dial fails or the connection
// breaks.
func (t *Transport) OnError(fn func(error)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onError = fn
}

// OnConnectionIDAssigned sets the callback fired when the server assigns
// the connection id.
func (t *Transport) OnConnectionIDAssigned(fn func(id string)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onConnID = fn
}

// OnRawMessage sets the callback that sees every frame before decoding.
func (t *Transport) OnRawMessage(fn func(data []byte)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onRaw = fn
}

// OnMessage sets the broker callback. It receives every decoded message,
// like the OnAny handlers, and replaces any previous callback.
func (t *Transport) OnMessage(fn transport.InboundFunc) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.inbound = fn
}

// OnAny adds a handler for every decoded message.
func (t *Transport) OnAny(fn transport.InboundFunc) SubscriptionID {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.nextHandlerID++
	t.anyHandlers = append(t.anyHandlers, handlerEntry{id: t.nextHandlerID, fn: fn})
	return t.nextHandlerID
}

// RemoveAny removes a handler added with OnAny.
func (t *Transport) RemoveAny(id SubscriptionID) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	before := len(t.anyHandlers)
	t.anyHandlers = slices.DeleteFunc(t.anyHandlers, func(e handlerEntry) bool { return e.id == id })
	return len(t.anyHandlers) != before
}

// Subscribe adds a handler for messages whose topic equals topic.
func (t *Transport) Subscribe(topic string, fn transport.InboundFunc) SubscriptionID {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.nextHandlerID++
	t.topicHandlers[topic] = append(t.topicHandlers[topic], handlerEntry{id: t.nextHandlerID, fn: fn})
	return t.nextHandlerID
}

// Unsubscribe removes a topic handler. The topic entry is dropped with its
// last handler.
func (t *Transport) Unsubscribe(topic string, id SubscriptionID) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	entries, ok := t.topicHandlers[topic]
	if !ok {
		return false
	}
	kept := slices.DeleteFunc(entries, func(e handlerEntry) bool { return e.id == id })
	removed := len(kept) != len(entries)
	if len(kept) == 0 {
		delete(t.topicHandlers, topic)
	} else {
		t.topicHandlers[topic] = kept
	}
	return removed
}

// Topics returns the topics with at least one handler.
func (t *Transport) Topics() []string {
	t.cbMu.RLock()
	defer t.cbMu.RUnlock()
	topics := make([]string, 0, len(t.topicHandlers))
	for topic := range t.topicHandlers {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// inboundQueueSize bounds the frames waiting for handler fan-out on one
// connection. The read loop blocks when it is full.
const inboundQueueSize = 256

type delivery struct {
	msg      *message.Message
	handlers []transport.InboundFunc
}

// route decodes one frame, assigns the connection id and resolves pending
// requests. It returns the handlers that should see the message: topic
// handlers, then the catch-all handlers and the broker callback. A nil
// message means the frame was dropped.
func (t *Transport) route(data []byte) (*message.Message, []transport.InboundFunc) {
	t.cbMu.RLock()
	onRaw := t.onRaw
	t.cbMu.RUnlock()
	if onRaw != nil {
		onRaw(data)
	}

	msg := &message.Message{}
	if err := jsoncodec.Unmarshal(data, msg); err != nil || msg.Type == "" {
		if err == nil {
			err = fmt.Errorf("frame without type")
		}
		t.logger.Error("Dropping malformed socket frame", err, watermill.LogFields{"size": len(data)})
		return nil, nil
	}

	if msg.Type == message.TypeConnectionID && msg.ID != "" {
		t.assignConnectionID(msg.ID)
	}

	// The server echoes our own requests back; only a reply, or a frame
	// not flagged as a request, resolves a waiter.
	if msg.ID != "" && (msg.IsReply || !msg.IsRequest) {
		t.pending.Resolve(msg.ID, msg)
	}

	t.cbMu.RLock()
	defer t.cbMu.RUnlock()
	var handlers []transport.InboundFunc
	if msg.Topic != "" {
		for _, e := range t.topicHandlers[msg.Topic] {
			handlers = append(handlers, e.fn)
		}
	}
	for _, e := range t.anyHandlers {
		handlers = append(handlers, e.fn)
	}
	if t.inbound != nil {
		handlers = append(handlers, t.inbound)
	}
	return msg, handlers
}

// fanOut runs the deliveries of one connection in arrival order. It runs
// apart from the read loop, so a handler may wait on a request sent over
// the same connection.
func (t *Transport) fanOut(deliveries <-chan delivery) {
	ctx := context.Background()
	for d := range deliveries {
		for _, fn := range d.handlers {
			t.invoke(ctx, fn, d.msg)
		}
		t.logger.Trace("Socket received message", watermill.LogFields{
			"message_type": d.msg.Type,
			"topic":        d.msg.Topic,
			"message_id":   d.msg.ID,
		})
	}
}

func (t *Transport) invoke(ctx context.Context, fn transport.InboundFunc, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Socket handler panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{
				"message_id":   msg.ID,
				"message_type": msg.Type,
			})
		}
	}()
	fn(ctx, msg)
}

// assignConnectionID stores the first id assigned on the current
// connection.
func (t *Transport) assignConnectionID(id string) {
	t.mu.Lock()
	if t.connID != "" {
		t.mu.Unlock()
		return
	}
	t.connID = id
	t.mu.Unlock()

	t.logger.Info("Socket connection id assigned", watermill.LogFields{"connection_id": id})
	t.cbMu.RLock()
	fn := t.onConnID
	t.cbMu.RUnlock()
	if fn != nil {
		fn(id)
	}
}
