// Package loopback provides an in-process transport. Every Transport
// attached to the same Hub sees every broadcast, including its own, and
// requests are answered through the Hub's pending reply table.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	"github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/internal/pending"
)

// TransportName is the name used to register this transport.
const TransportName = "loopback"

// EndpointName is reported by Endpoint.
const EndpointName = "local"

func init() {
	Register()
}

// Register adds the loopback builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.LoopbackCapabilities)
}

// Build creates a transport attached to DefaultHub.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t := New(DefaultHub)
	if logger != nil {
		t.logger = logger
	}
	return t, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.LoopbackCapabilities
}

// Hub is the state shared by a group of loopback transports: the listener
// set and the requests waiting for a reply.
type Hub struct {
	mu        sync.RWMutex
	listeners *orderedmap.OrderedMap[*Transport, transport.InboundFunc]
	pending   *pending.Table
	logger    watermill.LoggerAdapter
}

// NewHub returns an isolated hub. A nil logger discards hub diagnostics.
func NewHub(logger watermill.LoggerAdapter) *Hub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Hub{
		listeners: orderedmap.New[*Transport, transport.InboundFunc](),
		pending:   pending.New(),
		logger:    logger,
	}
}

// DefaultHub is shared by transports created through the registry.
var DefaultHub = NewHub(nil)

// Listeners returns the number of attached listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listeners.Len()
}

// Pending returns the number of requests waiting for a reply.
func (h *Hub) Pending() int {
	return h.pending.Len()
}

func (h *Hub) listen(t *Transport, fn transport.InboundFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		h.listeners.Delete(t)
		return
	}
	h.listeners.Set(t, fn)
}

func (h *Hub) broadcast(ctx context.Context, msg *message.Message) {
	h.mu.RLock()
	fns := make([]transport.InboundFunc, 0, h.listeners.Len())
	for pair := h.listeners.Oldest(); pair != nil; pair = pair.Next() {
		fns = append(fns, pair.Value)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		h.invoke(ctx, fn, msg)
	}
}

func (h *Hub) invoke(ctx context.Context, fn transport.InboundFunc, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Loopback listener panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{
				"message_id":   msg.ID,
				"message_type": msg.Type,
			})
		}
	}()
	fn(ctx, msg)
}

// ReplyToRequest answers request with payload. The reply keeps the request
// id. It reports whether a requester was still waiting.
func (h *Hub) ReplyToRequest(request *message.Message, payload any) bool {
	if request == nil || request.ID == "" {
		return false
	}
	return h.pending.Resolve(request.ID, message.NewReply(request, payload))
}

// ReplyToRequest answers request on DefaultHub.
func ReplyToRequest(request *message.Message, payload any) bool {
	return DefaultHub.ReplyToRequest(request, payload)
}

// Transport is one participant on a Hub.
type Transport struct {
	hub     *Hub
	logger  watermill.LoggerAdapter
	timeout time.Duration

	mu      sync.Mutex
	inbound transport.InboundFunc
}

// New attaches a transport to hub, or to DefaultHub when hub is nil.
func New(hub *Hub) *Transport {
	if hub == nil {
		hub = DefaultHub
	}
	return &Transport{
		hub:     hub,
		logger:  hub.logger,
		timeout: configpkg.DefaultRequestTimeout,
	}
}

// Hub returns the hub the transport is attached to.
func (t *Transport) Hub() *Hub { return t.hub }

func (t *Transport) Name() string     { return TransportName }
func (t *Transport) Endpoint() string { return EndpointName }

// ReadyState is always open.
func (t *Transport) ReadyState() transport.ReadyState { return transport.StateOpen }

// Send broadcasts msg.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	return t.SendBroadcast(ctx, msg)
}

// SendBroadcast synchronously hands msg to every listener on the hub. A
// failing listener does not stop the others.
func (t *Transport) SendBroadcast(ctx context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return errspkg.Invalid("loopback broadcast: %v", err)
	}
	t.hub.broadcast(ctx, msg)
	return nil
}

// SendRequest broadcasts msg as a request and waits for the reply with the
// same id. A missing id is generated. A zero timeout selects the default.
func (t *Transport) SendRequest(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, errspkg.Invalid("loopback request: %v", err)
	}
	if timeout <= 0 {
		timeout = t.timeout
	}

	req := msg.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.IsRequest = true

	waiter := t.hub.pending.Add(req.ID)
	t.hub.broadcast(ctx, req)
	return waiter.Wait(ctx, timeout)
}

// Reply resolves the requester waiting on request.ID.
func (t *Transport) Reply(_ context.Context, request, reply *message.Message) error {
	if !t.hub.pending.Resolve(request.ID, reply) {
		t.logger.Debug("No requester waiting for reply", watermill.LogFields{"message_id": request.ID})
	}
	return nil
}

// OnMessage sets the callback that receives hub broadcasts. A nil fn
// detaches the transport.
func (t *Transport) OnMessage(fn transport.InboundFunc) {
	t.mu.Lock()
	t.inbound = fn
	t.mu.Unlock()
	t.hub.listen(t, fn)
}

// Connect re-attaches the callback removed by Disconnect.
func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	fn := t.inbound
	t.mu.Unlock()
	if fn != nil {
		t.hub.listen(t, fn)
	}
	return nil
}

// Disconnect removes this transport's listener from the hub.
func (t *Transport) Disconnect(context.Context) error {
	t.hub.listen(t, nil)
	return nil
}
