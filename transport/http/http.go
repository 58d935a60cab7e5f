// Package http provides a stateless HTTP transport. Every send is a JSON
// POST; a request's reply is the response body. The serving side is
// NewHandler.
//
// Options.Header is added to every outgoing request. To inspect or rewrite
// requests and responses, pass a Client whose Transport wraps the default
// RoundTripper.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sony/gobreaker"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	"github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

const contentTypeJSON = "application/json"

// ClientFactory allows overriding the HTTP client creation for testing.
var ClientFactory = func(timeout time.Duration) *nethttp.Client {
	return &nethttp.Client{Timeout: timeout}
}

func init() {
	Register()
}

// Register adds the HTTP builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport from config.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(Options{
		Endpoint:        cfg.GetHTTPEndpoint(),
		Timeout:         cfg.GetHTTPTimeout(),
		BreakerFailures: cfg.GetHTTPBreakerFailures(),
		BreakerCooldown: cfg.GetHTTPBreakerCooldown(),
		Logger:          logger,
	}), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Options configures New.
type Options struct {
	// Endpoint receives broadcasts and requests. Relative endpoints are
	// resolved against BaseURL.
	Endpoint string
	BaseURL  string

	// Timeout is the request timeout used when SendRequest gets zero.
	Timeout time.Duration

	// BreakerFailures opens the circuit after that many consecutive
	// failures. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Header is sent with every request. Content-Type and Accept are
	// always JSON.
	Header nethttp.Header

	Client *nethttp.Client
	Logger watermill.LoggerAdapter
}

// Transport posts messages to an HTTP endpoint.
type Transport struct {
	endpoint string
	base     string
	timeout  time.Duration
	header   nethttp.Header
	client   *nethttp.Client
	breaker  *gobreaker.CircuitBreaker
	logger   watermill.LoggerAdapter
}

// New creates an HTTP transport. It never dials; every send is independent.
func New(opts Options) *Transport {
	t := &Transport{
		endpoint: opts.Endpoint,
		base:     opts.BaseURL,
		timeout:  opts.Timeout,
		header:   opts.Header.Clone(),
		client:   opts.Client,
		logger:   opts.Logger,
	}
	if t.endpoint == "" {
		t.endpoint = configpkg.DefaultHTTPEndpoint
	}
	if t.timeout <= 0 {
		t.timeout = configpkg.DefaultRequestTimeout
	}
	if t.client == nil {
		t.client = ClientFactory(0)
	}
	if t.logger == nil {
		t.logger = watermill.NopLogger{}
	}
	if opts.BreakerFailures > 0 {
		t.breaker = newBreaker(t.endpoint, opts.BreakerFailures, opts.BreakerCooldown, t.logger)
	}
	return t
}

func newBreaker(name string, failures uint32, cooldown time.Duration, logger watermill.LoggerAdapter) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("HTTP circuit breaker state changed", watermill.LogFields{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})
}

func (t *Transport) Name() string     { return TransportName }
func (t *Transport) Endpoint() string { return t.endpoint }

// ReadyState is always open; HTTP has no connection to track.
func (t *Transport) ReadyState() transport.ReadyState { return transport.StateOpen }

// OnMessage is a no-op. The HTTP client never receives unsolicited
// messages.
func (t *Transport) OnMessage(transport.InboundFunc) {}

// Send posts msg to the default endpoint.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	return t.SendBroadcast(ctx, msg)
}

// SendBroadcast posts msg to the default endpoint. The response body is
// ignored.
func (t *Transport) SendBroadcast(ctx context.Context, msg *message.Message) error {
	_, err := t.post(ctx, t.endpoint, msg)
	return err
}

// SendTo posts payload to endpoint, or to the default endpoint when empty,
// and decodes a non-empty JSON response into out when out is not nil.
func (t *Transport) SendTo(ctx context.Context, endpoint string, payload, out any) error {
	if endpoint == "" {
		endpoint = t.endpoint
	}
	body, err := t.post(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := jsoncodec.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return nil
}

// SendRequest posts msg and decodes the response body as the reply. The
// call is aborted after timeout, or the transport default when zero. An
// empty body yields a reply that only carries the request id.
func (t *Transport) SendRequest(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, errspkg.Invalid("http request: %v", err)
	}
	if timeout <= 0 {
		timeout = t.timeout
	}

	req := msg.Clone()
	req.IsRequest = true

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := t.post(ctx, t.endpoint, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", errspkg.ErrRequestTimeout, req.ID, timeout)
		}
		return nil, err
	}
	return decodeReply(req, body)
}

func decodeReply(req *message.Message, body []byte) (*message.Message, error) {
	reply := &message.Message{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := jsoncodec.Unmarshal(body, reply); err != nil {
			return nil, fmt.Errorf("decode reply to %s: %w", req.ID, err)
		}
	}
	if reply.ID == "" {
		reply.ID = req.ID
	}
	if reply.Type == "" {
		reply.Type = req.Type
	}
	if reply.Timestamp.IsZero() {
		reply.Timestamp = time.Now().UTC()
	}
	reply.IsReply = true
	return reply, nil
}

func (t *Transport) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	if t.breaker == nil {
		return t.do(ctx, endpoint, payload)
	}
	body, err := t.breaker.Execute(func() (interface{}, error) {
		return t.do(ctx, endpoint, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", errspkg.ErrTransportSend, endpoint, err)
	}
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (t *Transport) do(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	target, err := t.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", errspkg.ErrTransportSend, err)
	}
	for key, values := range t.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errspkg.ErrTransportSend, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response from %s: %w", errspkg.ErrTransportSend, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", errspkg.ErrTransportSend, target, resp.StatusCode)
	}
	return body, nil
}

func (t *Transport) resolve(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", errspkg.ErrEndpointRequired, endpoint, err)
	}
	if u.IsAbs() {
		return endpoint, nil
	}
	if t.base == "" {
		return "", fmt.Errorf("%w: relative endpoint %q needs a base URL", errspkg.ErrEndpointRequired, endpoint)
	}
	base, err := url.Parse(t.base)
	if err != nil {
		return "", fmt.Errorf("%w: base URL %q: %w", errspkg.ErrEndpointRequired, t.base, err)
	}
	return base.ResolveReference(u).String(), nil
}
