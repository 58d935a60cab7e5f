// Package socket provides a persistent WebSocket transport that reconnects
// with exponential backoff, and Hub, the matching relay server.
package socket

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	"github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/internal/pending"
)

// TransportName is the name used to register this transport.
const TransportName = "socket"

// DialerFactory allows overriding the WebSocket dialer for testing.
var DialerFactory = func() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            nethttp.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
}

func init() {
	Register()
}

// Register adds the socket builder to the default registry under "socket"
// and "websocket".
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SocketCapabilities)
	transport.RegisterWithCapabilities("websocket", Build, transport.SocketCapabilities)
}

// Build creates a socket transport from config. The connection is opened
// by Connect, usually through Broker.Start.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetSocketURL() == "" {
		return nil, fmt.Errorf("%w: socket URL", errspkg.ErrEndpointRequired)
	}
	t := New(Options{
		ClientID:             cfg.GetClientID(),
		DisableAutoReconnect: !cfg.GetAutoReconnect(),
		ReconnectDelay:       cfg.GetReconnectDelay(),
		MaxReconnectDelay:    cfg.GetMaxReconnectDelay(),
		Logger:               logger,
	})
	t.endpoint = cfg.GetSocketURL()
	return t, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SocketCapabilities
}

// State is the lifecycle state of the client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	}
	return "unknown"
}

// Options configures New. Zero values select the defaults.
type Options struct {
	// ClientID stamps outgoing messages until the server assigns a
	// connection id. Generated when empty.
	ClientID string

	DisableAutoReconnect bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	RequestTimeout       time.Duration

	Header nethttp.Header
	Dialer *websocket.Dialer
	Logger watermill.LoggerAdapter
}

// SubscriptionID identifies a handler added with Subscribe or OnAny.
type SubscriptionID uint64

type handlerEntry struct {
	id SubscriptionID
	fn transport.InboundFunc
}

// Transport is a reconnecting WebSocket client. It does not dial until
// Connect or SetEndpoint is called.
type Transport struct {
	clientID       string
	autoReconnect  bool
	requestTimeout time.Duration
	header         nethttp.Header
	dialer         *websocket.Dialer
	logger         watermill.LoggerAdapter
	pending        *pending.Table

	mu       sync.Mutex
	endpoint string
	state    State
	conn     *websocket.Conn
	connID   string
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
	delay    time.Duration
	stopped  bool
	// epoch changes on SetEndpoint and Disconnect and invalidates dials
	// and reconnect timers started before.
	epoch uint64

	writeMu sync.Mutex

	cbMu          sync.RWMutex
	onOpen        func()
	onClose       func(error)
	onError       func(error)
	onConnID      func(string)
	onRaw         func([]byte)
	inbound       transport.InboundFunc
	anyHandlers   []handlerEntry
	topicHandlers map[string][]handlerEntry
	nextHandlerID SubscriptionID
}

// New creates a disconnected socket transport.
func New(opts Options) *Transport {
	base := opts.ReconnectDelay
	if base <= 0 {
		base = configpkg.DefaultReconnectDelay
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = configpkg.DefaultMaxReconnectDelay
	}

	t := &Transport{
		clientID:       opts.ClientID,
		autoReconnect:  !opts.DisableAutoReconnect,
		requestTimeout: opts.RequestTimeout,
		header:         opts.Header,
		dialer:         opts.Dialer,
		logger:         opts.Logger,
		pending:        pending.New(),
		backoff:        newBackoff(base, maxDelay),
		topicHandlers:  map[string][]handlerEntry{},
	}
	if t.clientID == "" {
		t.clientID = idspkg.NewClientID()
	}
	if t.requestTimeout <= 0 {
		t.requestTimeout = configpkg.DefaultRequestTimeout
	}
	if t.dialer == nil {
		t.dialer = DialerFactory()
	}
	if t.logger == nil {
		t.logger = watermill.NopLogger{}
	}
	return t
}

// newBackoff yields base, 2*base, 4*base, ... capped at maxDelay, without
// jitter.
func newBackoff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (t *Transport) Name() string { return TransportName }

// Endpoint returns the current WebSocket URL.
func (t *Transport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// ClientID returns the identity used before a connection id is assigned.
func (t *Transport) ClientID() string { return t.clientID }

// ConnectionID returns the id assigned by the server for the current
// connection, or "".
func (t *Transport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connID
}

// State returns the lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReadyState maps the lifecycle state to the WebSocket numbering.
func (t *Transport) ReadyState() transport.ReadyState {
	switch t.State() {
	case StateConnecting:
		return transport.StateConnecting
	case StateOpen:
		return transport.StateOpen
	}
	return transport.StateClosed
}

// IsOpen reports whether messages can be sent.
func (t *Transport) IsOpen() bool {
	return t.State() == StateOpen
}

// Attempts returns the number of reconnects scheduled since the last
// successful open.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// ReconnectDelay returns the wait before the scheduled reconnect, or zero
// when none is scheduled.
func (t *Transport) ReconnectDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// Pending returns the number of requests waiting for a reply.
func (t *Transport) Pending() int {
	return t.pending.Len()
}

// SetEndpoint changes the URL. When it differs from the current one the
// existing connection is dropped and a new connection is started in the
// background.
func (t *Transport) SetEndpoint(endpoint string) {
	t.mu.Lock()
	if endpoint == t.endpoint {
		t.mu.Unlock()
		return
	}
	t.endpoint = endpoint
	t.epoch++
	t.stopped = false
	t.stopTimerLocked()
	old := t.conn
	t.conn = nil
	t.connID = ""
	t.state = StateDisconnected
	t.mu.Unlock()

	if old != nil {
		t.closeConn(old)
		t.pending.RejectAll(fmt.Errorf("%w: endpoint changed", errspkg.ErrSocketClosed))
	}
	if endpoint == "" {
		return
	}
	go func() {
		if err := t.Connect(context.Background()); err != nil {
			t.logger.Debug("Socket connect after endpoint change failed", watermill.LogFields{
				"endpoint": endpoint,
				"error":    err.Error(),
			})
		}
	}()
}

// Connect dials the endpoint. It is a no-op while a connection is open or
// being established. A failed dial schedules a reconnect when auto
// reconnect is on and is also returned to the caller.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.endpoint == "" {
		t.mu.Unlock()
		return fmt.Errorf("%w: socket endpoint not set, use SetEndpoint", errspkg.ErrEndpointRequired)
	}
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	t.stopTimerLocked()
	t.state = StateConnecting
	endpoint, epoch := t.endpoint, t.epoch
	t.mu.Unlock()

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %w", errspkg.ErrSocketError, endpoint, err)
		t.dialFailed(epoch, err)
		return err
	}

	t.mu.Lock()
	if epoch != t.epoch || t.stopped {
		t.mu.Unlock()
		t.closeConn(conn)
		return fmt.Errorf("%w: connection superseded", errspkg.ErrSocketClosed)
	}
	t.conn = conn
	t.state = StateOpen
	t.attempts = 0
	t.backoff.Reset()
	t.stopTimerLocked()
	t.mu.Unlock()

	t.logger.Info("Socket connected", watermill.LogFields{"endpoint": endpoint})
	t.cbMu.RLock()
	onOpen := t.onOpen
	t.cbMu.RUnlock()
	if onOpen != nil {
		onOpen()
	}

	go t.readLoop(conn)
	return nil
}

// Disconnect closes the connection, stops reconnecting and rejects every
// pending request.
func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	t.stopped = true
	t.epoch++
	t.stopTimerLocked()
	conn := t.conn
	t.conn = nil
	t.connID = ""
	t.state = StateDisconnected
	t.mu.Unlock()

	t.pending.RejectAll(fmt.Errorf("%w: disconnected", errspkg.ErrSocketClosed))
	if conn == nil {
		return nil
	}
	t.closeConn(conn)
	t.logger.Info("Socket disconnected", watermill.LogFields{"endpoint": t.Endpoint()})

	t.cbMu.RLock()
	onClose := t.onClose
	t.cbMu.RUnlock()
	if onClose != nil {
		onClose(errspkg.ErrSocketClosed)
	}
	return nil
}

func (t *Transport) closeConn(conn *websocket.Conn) {
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	_ = conn.Close()
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.delay = 0
}

func (t *Transport) dialFailed(epoch uint64, err error) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		return
	}
	t.state = StateErrored
	t.mu.Unlock()

	t.logger.Error("Socket connection failed", err, nil)
	t.pending.RejectAll(err)
	t.cbMu.RLock()
	onError := t.onError
	t.cbMu.RUnlock()
	if onError != nil {
		onError(err)
	}
	t.scheduleReconnect(epoch)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	deliveries := make(chan delivery, inboundQueueSize)
	go t.fanOut(deliveries)
	defer close(deliveries)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg, handlers := t.route(data)
		if msg == nil || len(handlers) == 0 {
			continue
		}
		deliveries <- delivery{msg: msg, handlers: handlers}
	}
}

// connectionLost handles the end of conn: a close frame counts as closed,
// anything else as an error.
func (t *Transport) connectionLost(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connID = ""
	clean := websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	sentinel := errspkg.ErrSocketError
	t.state = StateErrored
	if clean {
		sentinel = errspkg.ErrSocketClosed
		t.state = StateClosed
	}
	epoch := t.epoch
	t.mu.Unlock()

	_ = conn.Close()
	err := fmt.Errorf("%w: %w", sentinel, cause)
	rejected := t.pending.RejectAll(err)
	t.logger.Info("Socket connection lost", watermill.LogFields{
		"clean":    clean,
		"rejected": rejected,
		"error":    cause.Error(),
	})

	t.cbMu.RLock()
	onClose, onError := t.onClose, t.onError
	t.cbMu.RUnlock()
	if clean && onClose != nil {
		onClose(err)
	}
	if !clean && onError != nil {
		onError(err)
	}
	t.scheduleReconnect(epoch)
}

// scheduleReconnect arms the reconnect timer. Attempt N waits
// min(base*2^(N-1), max).
func (t *Transport) scheduleReconnect(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.autoReconnect || t.stopped || t.endpoint == "" || epoch != t.epoch {
		return
	}
	t.stopTimerLocked()
	t.attempts++
	delay := t.backoff.NextBackOff()
	t.delay = delay
	t.state = StateReconnectScheduled
	t.logger.Info("Socket reconnect scheduled", watermill.LogFields{
		"delay":   delay.String(),
		"attempt": t.attempts,
	})
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		current := epoch == t.epoch && !t.stopped
		t.mu.Unlock()
		if !current {
			return
		}
		_ = t.Connect(context.Background())
	})
}

// stamp returns a copy of msg with id, sender, timestamp and connection id
// filled in.
func (t *Transport) stamp(msg *message.Message) *message.Message {
	out := msg.Clone()
	connID := t.ConnectionID()
	from := connID
	if from == "" {
		from = t.clientID
	}
	out.Stamp(from, idspkg.NewCorrelationID)
	if connID != "" {
		out.ConnectionID = connID
	}
	return out
}

func (t *Transport) write(ctx context.Context, msg *message.Message) error {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("%w: cannot send %s", errspkg.ErrSocketClosed, msg.Type)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", errspkg.ErrSocketError, err)
	}
	t.logger.Trace("Socket sent message", watermill.LogFields{
		"message_type": msg.Type,
		"topic":        msg.Topic,
		"message_id":   msg.ID,
	})
	return nil
}

// Send stamps msg and writes it to the server.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return errspkg.Invalid("socket send: %v", err)
	}
	return t.write(ctx, t.stamp(msg))
}

// SendBroadcast sends msg; the server relays it to every peer.
func (t *Transport) SendBroadcast(ctx context.Context, msg *message.Message) error {
	return t.Send(ctx, msg)
}

// SendRequest sends msg as a request and waits for the frame carrying the
// same id.
func (t *Transport) SendRequest(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	return t.Request(ctx, msg, timeout)
}

// Request is SendRequest with the transport's default timeout when timeout
// is zero.
func (t *Transport) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, errspkg.Invalid("socket request: %v", err)
	}
	if timeout <= 0 {
		timeout = t.requestTimeout
	}
	req := t.stamp(msg)
	req.IsRequest = true

	waiter := t.pending.Add(req.ID)
	if err := t.write(ctx, req); err != nil {
		waiter.Cancel()
		return nil, err
	}
	reply, err := waiter.Wait(ctx, timeout)
	if err != nil {
		t.logger.Debug("Socket request failed", watermill.LogFields{
			"message_id":   req.ID,
			"message_type": req.Type,
			"from":         req.From,
			"endpoint":     t.Endpoint(),
			"error":        err.Error(),
		})
	}
	return reply, err
}

// Reply sends the answer to a request received from the server.
func (t *Transport) Reply(ctx context.Context, request, reply *message.Message) error {
	out := reply.Clone()
	out.ID = request.ID
	out.IsReply = true
	return t.write(ctx, t.stamp(out))
}

// Ping measures the round trip of a Ping request.
func (t *Transport) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := t.Request(ctx, &message.Message{Type: message.TypePing}, 0); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
