package socket

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	"github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
)

const hubWriteTimeout = 5 * time.Second

// HubOptions configures NewHub.
type HubOptions struct {
	// Responder answers request frames. Requests it leaves unanswered are
	// relayed to the other peers.
	Responder transport.Responder

	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// allows every origin; "*" does too.
	AllowedOrigins []string

	// Registerer receives the hub metrics when set.
	Registerer prometheus.Registerer

	Logger watermill.LoggerAdapter
}

// HubMetrics holds the relay collectors.
type HubMetrics struct {
	Peers  prometheus.Gauge
	Frames *prometheus.CounterVec
}

func newHubMetrics() *HubMetrics {
	return &HubMetrics{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msgbus",
			Subsystem: "hub",
			Name:      "peers",
			Help:      "Number of connected socket peers.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msgbus",
			Subsystem: "hub",
			Name:      "frames_total",
			Help:      "Frames handled by the hub, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *HubMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Peers, m.Frames} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

type peer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the relay side of the socket transport. Each peer is assigned a
// connection id through a ConnectionId message; every frame a peer sends
// is relayed to all peers, the sender included.
type Hub struct {
	upgrader  websocket.Upgrader
	responder transport.Responder
	logger    watermill.LoggerAdapter
	metrics   *HubMetrics

	mu     sync.RWMutex
	peers  *orderedmap.OrderedMap[string, *peer]
	closed bool
}

// NewHub creates a relay. Serve it with an http.Server.
func NewHub(opts HubOptions) (*Hub, error) {
	h := &Hub{
		responder: opts.Responder,
		logger:    opts.Logger,
		metrics:   newHubMetrics(),
		peers:     orderedmap.New[string, *peer](),
	}
	if h.logger == nil {
		h.logger = watermill.NopLogger{}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	if opts.Registerer != nil {
		if err := h.metrics.register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register hub metrics: %w", err)
		}
	}
	return h, nil
}

func originChecker(allowed []string) func(*nethttp.Request) bool {
	if len(allowed) == 0 {
		return func(*nethttp.Request) bool { return true }
	}
	return func(r *nethttp.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Metrics returns the hub collectors.
func (h *Hub) Metrics() *HubMetrics { return h.metrics }

// Peers returns the connection ids of the connected peers in connection
// order.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, h.peers.Len())
	for pair := h.peers.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Socket upgrade failed", err, watermill.LogFields{"remote_addr": r.RemoteAddr})
		return
	}

	p := &peer{id: idspkg.CreateULID(), conn: conn}
	if !h.add(p) {
		_ = conn.Close()
		return
	}
	defer h.remove(p)

	h.logger.Info("Socket peer connected", watermill.LogFields{
		"connection_id": p.id,
		"remote_addr":   r.RemoteAddr,
	})

	assign := &message.Message{Type: message.TypeConnectionID, ID: p.id, Timestamp: time.Now().UTC()}
	if err := h.send(p, assign); err != nil {
		h.logger.Error("Failed to assign connection id", err, watermill.LogFields{"connection_id": p.id})
		return
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Socket peer read failed", watermill.LogFields{
					"connection_id": p.id,
					"error":         err.Error(),
				})
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.handleFrame(r.Context(), p, data)
	}
}

func (h *Hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers.Set(p.id, p)
	h.metrics.Peers.Set(float64(h.peers.Len()))
	return true
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	h.peers.Delete(p.id)
	h.metrics.Peers.Set(float64(h.peers.Len()))
	h.mu.Unlock()
	_ = p.conn.Close()
	h.logger.Info("Socket peer disconnected", watermill.LogFields{"connection_id": p.id})
}

func (h *Hub) handleFrame(ctx context.Context, from *peer, data []byte) {
	msg := &message.Message{}
	if err := jsoncodec.Unmarshal(data, msg); err != nil || msg.Type == "" {
		h.metrics.Frames.WithLabelValues("malformed").Inc()
		h.logger.Debug("Dropping malformed frame", watermill.LogFields{"connection_id": from.id})
		return
	}

	if msg.IsRequest && !msg.IsReply {
		if msg.Type == message.TypePing {
			h.metrics.Frames.WithLabelValues("ping").Inc()
			h.reply(from, message.NewReply(msg, nil))
			return
		}
		if h.responder != nil {
			go h.answer(ctx, from, msg, data)
			return
		}
	}

	h.metrics.Frames.WithLabelValues("relayed").Inc()
	h.relay(data)
}

func (h *Hub) answer(ctx context.Context, from *peer, msg *message.Message, data []byte) {
	reply, err := h.responder(ctx, msg)
	switch {
	case err != nil:
		h.metrics.Frames.WithLabelValues("failed").Inc()
		h.logger.Error("Responder failed", err, watermill.LogFields{"message_id": msg.ID})
		h.reply(from, message.NewError(msg.ID, err.Error()))
	case reply != nil:
		h.metrics.Frames.WithLabelValues("answered").Inc()
		h.reply(from, reply)
	default:
		h.metrics.Frames.WithLabelValues("relayed").Inc()
		h.relay(data)
	}
}

func (h *Hub) reply(to *peer, reply *message.Message) {
	if err := h.send(to, reply); err != nil {
		h.logger.Error("Failed to send reply", err, watermill.LogFields{
			"connection_id": to.id,
			"message_id":    reply.ID,
		})
	}
}

func (h *Hub) send(p *peer, msg *message.Message) error {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (h *Hub) snapshot() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*peer, 0, h.peers.Len())
	for pair := h.peers.Oldest(); pair != nil; pair = pair.Next() {
		peers = append(peers, pair.Value)
	}
	return peers
}

func (h *Hub) relay(data []byte) {
	for _, p := range h.snapshot() {
		if err := p.write(data); err != nil {
			h.logger.Debug("Failed to relay frame", watermill.LogFields{
				"connection_id": p.id,
				"error":         err.Error(),
			})
		}
	}
}

// Broadcast sends msg from the server to every peer.
func (h *Hub) Broadcast(_ context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return err
	}
	h.metrics.Frames.WithLabelValues("broadcast").Inc()
	h.relay(data)
	return nil
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, p := range h.snapshot() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closing"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
	return nil
}
