package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/prometheus/client_golang/prometheus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	"github.com/drblury/msgbus/transport"
)

// ErrorHandler receives isolated delivery failures. sub is nil for transport
// forward failures.
type ErrorHandler func(err error, msg *Message, sub *Subscriber)

// Dependencies holds the optional collaborators of a Broker.
// Leave fields nil to skip the related feature.
type Dependencies struct {
	ErrorHandler ErrorHandler
	Transport    transport.Transport
	Middlewares  []MiddlewareRegistration // Appended after the default middleware chain.
	// DisableDefaultMiddlewares skips registering the default middleware chain when true.
	DisableDefaultMiddlewares bool
	Hooks                     DeliveryHooks
	// Registerer receives the Prometheus collectors. When nil the
	// collectors are registered with the default registerer only if the
	// config enables metrics.
	Registerer prometheus.Registerer
}

// DeliveryReport summarises one publish. Publish never returns an error;
// isolated failures are listed here and counted in the metrics.
type DeliveryReport struct {
	MessageID string
	// Matched is the number of subscribers whose handler was invoked.
	Matched int
	// Succeeded is the number of handlers that returned without error.
	Succeeded int
	// Halted is true when a middleware did not call next.
	Halted bool
	// Forwarded is true when the transport accepted the message.
	Forwarded bool
	Errors    []error
}

// Err joins the isolated failures, or returns nil.
func (r DeliveryReport) Err() error {
	return errors.Join(r.Errors...)
}

// Broker is the in-process message bus. It owns the live subscriber set,
// the middleware chain, the last message per type and at most one
// transport.
type Broker struct {
	conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	clientID string

	subsMu sync.RWMutex
	subs   *orderedmap.OrderedMap[string, *Subscriber]

	mwMu        sync.RWMutex
	middlewares []Middleware

	hooksMu sync.RWMutex
	hooks   DeliveryHooks

	providerMu sync.RWMutex
	provider   transport.Transport
	started    bool

	lastMessages *haxmap.Map[string, *Message]

	metrics      *BrokerMetrics
	errorHandler ErrorHandler
}

// New constructs a Broker for the supplied configuration.
func New(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	b := &Broker{
		conf:         conf.WithDefaults(),
		Logger:       log,
		subs:         orderedmap.New[string, *Subscriber](),
		lastMessages: haxmap.New[string, *Message](),
		metrics:      NewBrokerMetrics(deps.Registerer),
		errorHandler: deps.ErrorHandler,
		hooks:        deps.Hooks,
		provider:     deps.Transport,
	}
	b.clientID = b.conf.ClientID
	if b.clientID == "" {
		b.clientID = idspkg.NewClientID()
	}

	if deps.Registerer != nil || b.conf.MetricsEnabled {
		if err := b.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register broker metrics: %w", err)
		}
	}

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	log.Info("Creating message broker", loggingpkg.LogFields{
		"client_id": b.clientID,
		"transport": b.TransportName(),
		"config":    b.conf.String(),
	})
	return b, nil
}

func (b *Broker) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the effective configuration, defaults applied.
func (b *Broker) Config() configpkg.Config {
	return b.conf
}

// ClientID is the identity used as sender when the transport has not
// assigned a connection id.
func (b *Broker) ClientID() string {
	return b.clientID
}

// SetErrorHandler replaces the error handler.
func (b *Broker) SetErrorHandler(h ErrorHandler) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.errorHandler = h
}

// AddHooks merges hooks into the delivery hooks.
func (b *Broker) AddHooks(h DeliveryHooks) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = b.hooks.Merge(h)
}

// Subscribe registers handler with an optional filter and owner. Subscribing
// the same (handler, filter, owner) triple again returns the existing
// subscriber.
func (b *Broker) Subscribe(handler Handler, filter Filter, owner any) (*Subscriber, error) {
	return b.subscribe(handler, filter, owner, false)
}

// SubscribeOnce registers a subscriber that is removed on its first
// matching delivery. Its handler runs at most once.
func (b *Broker) SubscribeOnce(handler Handler, filter Filter, owner any) (*Subscriber, error) {
	return b.subscribe(handler, filter, owner, true)
}

func (b *Broker) subscribe(handler Handler, filter Filter, owner any, once bool) (*Subscriber, error) {
	if isNilValue(handler) {
		b.Logger.Debug("Subscribe called without handler", nil)
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidArgument, errspkg.ErrHandlerRequired)
	}
	if isNilValue(filter) {
		filter = nil
	}

	b.subsMu.Lock()
	if !once {
		for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.sameAs(handler, filter, owner) {
				b.subsMu.Unlock()
				b.Logger.Debug("Duplicate subscription prevented", loggingpkg.LogFields{"subscriber_id": pair.Key})
				return pair.Value, nil
			}
		}
	}
	sub := newSubscriber(handler, filter, owner, once)
	b.subs.Set(sub.id, sub)
	count := b.subs.Len()
	b.subsMu.Unlock()

	b.metrics.setSubscribers(count)
	b.Logger.Debug("Subscribed", loggingpkg.LogFields{
		"subscriber_id": sub.id,
		"handler":       fmt.Sprintf("%T", handler),
		"once":          once,
	})
	return sub, nil
}

// Unsubscribe removes sub. Removing an absent subscriber is a no-op.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.subsMu.Lock()
	_, removed := b.subs.Delete(sub.id)
	count := b.subs.Len()
	b.subsMu.Unlock()

	if removed {
		b.metrics.setSubscribers(count)
		b.Logger.Debug("Unsubscribed", loggingpkg.LogFields{"subscriber_id": sub.id})
	}
}

// UnsubscribeByOwner removes every subscriber registered with owner.
func (b *Broker) UnsubscribeByOwner(owner any) int {
	b.subsMu.Lock()
	var ids []string
	for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
		if sameRef(pair.Value.owner, owner) {
			ids = append(ids, pair.Key)
		}
	}
	for _, id := range ids {
		b.subs.Delete(id)
	}
	count := b.subs.Len()
	b.subsMu.Unlock()

	if len(ids) > 0 {
		b.metrics.setSubscribers(count)
		b.Logger.Debug("Unsubscribed by owner", loggingpkg.LogFields{
			"owner":   fmt.Sprintf("%T", owner),
			"removed": len(ids),
		})
	}
	return len(ids)
}

// UnsubscribeAll clears the live subscriber set.
func (b *Broker) UnsubscribeAll() {
	b.subsMu.Lock()
	b.subs = orderedmap.New[string, *Subscriber]()
	b.subsMu.Unlock()

	b.metrics.setSubscribers(0)
	b.Logger.Debug("All subscribers cleared", nil)
}

// snapshot returns the live subscribers in insertion order.
func (b *Broker) snapshot() []*Subscriber {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	subs := make([]*Subscriber, 0, b.subs.Len())
	for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
		subs = append(subs, pair.Value)
	}
	return subs
}

// Publish runs msg through the middleware chain, delivers it to every
// matching local subscriber and forwards it to the transport when one is
// attached and open. It returns once every local handler has settled.
func (b *Broker) Publish(ctx context.Context, msg *Message) (report DeliveryReport) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("msgbus: publish panicked: %v", r)
			b.Logger.Error("Publish recovered from panic", err, nil)
			report.Errors = append(report.Errors, err)
		}
	}()

	if err := msg.Validate(); err != nil {
		err = fmt.Errorf("%w: %w", errspkg.ErrInvalidArgument, err)
		b.Logger.Error("Cannot publish invalid message", err, nil)
		report.Errors = append(report.Errors, err)
		return report
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.metrics.recordPublished(msg.Type)
	b.lastMessages.Set(msg.Type, msg)

	report.MessageID = msg.ID
	report.Halted = true
	b.runChain(ctx, msg, func(ctx context.Context, m *Message) {
		report = b.deliver(ctx, m, true)
	})
	return report
}

// deliver is the core delivery routine. Filters are evaluated in
// subscriber order; matching handlers run concurrently, each bounded by the
// delivery timeout. When forward is set the message is then handed to the
// transport while the handlers are still running.
func (b *Broker) deliver(ctx context.Context, msg *Message, forward bool) DeliveryReport {
	if forward && msg.From == "" {
		msg.From = b.identity()
	}

	report := DeliveryReport{MessageID: msg.ID}
	timeout := b.conf.DeliveryTimeout

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, sub := range b.snapshot() {
		matches, err := b.evaluate(ctx, sub, msg, timeout)
		if err != nil {
			derr := &errspkg.DeliveryError{Kind: errspkg.KindFilter, SubscriberID: sub.id, MessageType: msg.Type, Err: err}
			b.fail(derr, msg, sub)
			mu.Lock()
			report.Errors = append(report.Errors, derr)
			mu.Unlock()
			continue
		}
		if !matches || !sub.claim() {
			continue
		}
		if sub.once {
			b.Unsubscribe(sub)
		}

		report.Matched++
		b.metrics.recordDelivered(msg.Type)

		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			err := b.invoke(ctx, sub, msg, timeout)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, err)
				return
			}
			report.Succeeded++
		}(sub)
	}

	var forwardErr error
	forwarded := false
	if forward {
		forwarded, forwardErr = b.forward(ctx, msg, timeout)
	}

	wg.Wait()

	report.Forwarded = forwarded
	if forwardErr != nil {
		report.Errors = append(report.Errors, forwardErr)
	}

	b.Logger.Trace("Delivered message", loggingpkg.LogFields{
		"message_type": msg.Type,
		"message_id":   msg.ID,
		"matched":      report.Matched,
		"remote":       msg.Remote,
	})
	return report
}

func (b *Broker) evaluate(ctx context.Context, sub *Subscriber, msg *Message, timeout time.Duration) (bool, error) {
	if sub.filter == nil {
		return true, nil
	}
	return runBounded(ctx, timeout, func(ctx context.Context) (bool, error) {
		return sub.filter.Match(ctx, msg)
	})
}

// invoke runs one handler under the delivery timeout and reports failures.
func (b *Broker) invoke(ctx context.Context, sub *Subscriber, msg *Message, timeout time.Duration) error {
	b.hooksMu.RLock()
	hooks := b.hooks
	b.hooksMu.RUnlock()

	dctx := DeliveryContext{
		SubscriberID: sub.id,
		MessageType:  msg.Type,
		Topic:        msg.Topic,
		MessageID:    msg.ID,
		Remote:       msg.Remote,
		Metadata:     msg.Metadata,
		Context:      ctx,
		StartedAt:    time.Now(),
	}
	hooks.start(dctx)

	_, err := runBounded(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, sub.handler.Handle(ctx, msg)
	})

	dctx.Duration = time.Since(dctx.StartedAt)
	b.metrics.observeDuration(msg.Type, dctx.Duration)
	hooks.finish(dctx, err)

	if err == nil {
		return nil
	}
	derr := &errspkg.DeliveryError{Kind: errspkg.KindHandler, SubscriberID: sub.id, MessageType: msg.Type, Err: err}
	b.fail(derr, msg, sub)
	return derr
}

func (b *Broker) forward(ctx context.Context, msg *Message, timeout time.Duration) (bool, error) {
	t := b.Provider()
	if t == nil {
		return false, nil
	}
	if !transport.IsReady(t) {
		b.Logger.Debug("Transport not open, not forwarding", loggingpkg.LogFields{
			"transport":    t.Name(),
			"message_type": msg.Type,
		})
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("transport panicked: %v", r)
			}
		}()
		return transport.Forward(ctx, t, msg)
	}()
	if err != nil {
		derr := &errspkg.DeliveryError{Kind: errspkg.KindTransport, MessageType: msg.Type, Err: err}
		b.fail(derr, msg, nil)
		return false, derr
	}
	return true, nil
}

// fail records an isolated failure and routes it to the error handler.
func (b *Broker) fail(err *errspkg.DeliveryError, msg *Message, sub *Subscriber) {
	b.metrics.recordError(err.Kind, err)
	b.Logger.Error("Delivery failure", err, loggingpkg.LogFields{
		"kind":          string(err.Kind),
		"subscriber_id": err.SubscriberID,
		"message_type":  msg.Type,
	})

	b.hooksMu.RLock()
	handler := b.errorHandler
	b.hooksMu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			herr := fmt.Errorf("error handler panicked: %v", r)
			b.metrics.recordError(errspkg.KindErrorHook, herr)
			b.Logger.Error("Error handler panicked", herr, nil)
		}
	}()
	handler(err, msg, sub)
}

// runBounded runs fn in its own goroutine and waits for it, the timeout or
// the cancellation of ctx, whichever comes first. A panic in fn is returned
// as an error.
func runBounded[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", errspkg.ErrDeliveryTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}

// Request performs a correlated request through the attached transport. A
// zero timeout selects the configured request timeout. The sender is left
// to the transport, so a transport that delivers requests back to the
// requesting broker does not have them dropped by the echo guard.
func (b *Broker) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidArgument, err)
	}
	requester, ok := b.Provider().(transport.Requester)
	if !ok {
		return nil, errspkg.ErrCapabilityMissing
	}
	if timeout <= 0 {
		timeout = b.conf.RequestTimeout
	}
	return requester.SendRequest(ctx, msg, timeout)
}

// SetProvider attaches t, replacing the current transport. A nil t detaches
// it. When the broker is started the inbound callback is registered on the
// new transport; connecting it is left to the caller.
func (b *Broker) SetProvider(t transport.Transport) {
	b.providerMu.Lock()
	b.provider = t
	started := b.started
	b.providerMu.Unlock()

	if started {
		if r, ok := t.(transport.Receiver); ok {
			r.OnMessage(b.handleInbound)
		}
	}
	name := ""
	if t != nil {
		name = t.Name()
	}
	b.Logger.Info("Transport provider set", loggingpkg.LogFields{"transport": name})
}

// Provider returns the attached transport, or nil.
func (b *Broker) Provider() transport.Transport {
	b.providerMu.RLock()
	defer b.providerMu.RUnlock()
	return b.provider
}

// Start connects the transport and registers the inbound callback. Without
// a transport the broker only dispatches locally.
func (b *Broker) Start(ctx context.Context) error {
	t := b.Provider()
	b.providerMu.Lock()
	b.started = true
	b.providerMu.Unlock()

	if t == nil {
		b.Logger.Info("No transport provider set. Broker will only dispatch locally.", nil)
		return nil
	}

	if r, ok := t.(transport.Receiver); ok {
		r.OnMessage(b.handleInbound)
	}
	if c, ok := t.(transport.Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect transport %s: %w", t.Name(), err)
		}
	}

	b.Logger.Info("Broker started", loggingpkg.LogFields{
		"transport": t.Name(),
		"endpoint":  t.Endpoint(),
	})
	return nil
}

// Stop removes every subscriber and disconnects the transport.
func (b *Broker) Stop(ctx context.Context) error {
	b.UnsubscribeAll()

	b.providerMu.Lock()
	b.started = false
	t := b.provider
	b.providerMu.Unlock()

	if c, ok := t.(transport.Connector); ok {
		if err := c.Disconnect(ctx); err != nil {
			return fmt.Errorf("disconnect transport %s: %w", t.Name(), err)
		}
	}
	b.Logger.Info("Broker shutdown complete", nil)
	return nil
}

// handleInbound fans a transport message out to local subscribers only.
// It is never forwarded back to the transport.
func (b *Broker) handleInbound(ctx context.Context, msg *Message) {
	if err := msg.Validate(); err != nil {
		b.Logger.Error("Dropping invalid transport message", err, nil)
		return
	}
	if b.isEcho(msg) {
		b.Logger.Trace("Dropping echoed message", loggingpkg.LogFields{"message_id": msg.ID})
		return
	}
	if msg.IsRequest && !msg.IsReply {
		if replier, ok := b.Provider().(transport.Replier); ok {
			b.answer(ctx, replier, msg)
			return
		}
	}
	in := msg.Clone()
	in.Remote = true
	b.deliver(ctx, in, false)
}

// answer delivers an inbound request with a reply slot and sends the first
// reply back through the transport.
func (b *Broker) answer(ctx context.Context, replier transport.Replier, request *Message) {
	reply, err := b.Respond(ctx, request)
	if err != nil {
		b.Logger.Error("Failed to answer request", err, loggingpkg.LogFields{
			"message_id":   request.ID,
			"message_type": request.Type,
		})
		return
	}
	if reply == nil {
		return
	}
	reply.From = b.identity()
	if err := replier.Reply(ctx, request, reply); err != nil {
		b.fail(&errspkg.DeliveryError{
			Kind:        errspkg.KindTransport,
			MessageType: request.Type,
			Err:         err,
		}, reply, nil)
	}
}

func (b *Broker) isEcho(msg *Message) bool {
	if b.conf.EchoGuard == configpkg.EchoGuardOff || msg.From == "" {
		return false
	}
	return msg.From == b.clientID || msg.From == b.ConnectionID()
}

// identity is the connection id assigned by the transport, or the client id.
func (b *Broker) identity() string {
	if id := b.ConnectionID(); id != "" {
		return id
	}
	return b.clientID
}
