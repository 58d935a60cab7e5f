package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	"github.com/drblury/msgbus/transport"
)

type brokerOption func(*configpkg.Config, *Dependencies)

func withTransport(t transport.Transport) brokerOption {
	return func(_ *configpkg.Config, deps *Dependencies) { deps.Transport = t }
}

func withConfig(fn func(*configpkg.Config)) brokerOption {
	return func(c *configpkg.Config, _ *Dependencies) { fn(c) }
}

func withDeps(fn func(*Dependencies)) brokerOption {
	return func(_ *configpkg.Config, d *Dependencies) { fn(d) }
}

// newTestBroker builds a broker with a private Prometheus registry, no
// default middlewares and a short delivery timeout.
func newTestBroker(t *testing.T, opts ...brokerOption) (*Broker, *recordingLogger) {
	t.Helper()

	conf := &configpkg.Config{
		ClientID:        "client-test",
		DeliveryTimeout: 200 * time.Millisecond,
		RequestTimeout:  200 * time.Millisecond,
	}
	deps := Dependencies{
		DisableDefaultMiddlewares: true,
		Registerer:                prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(conf, &deps)
	}

	log := newRecordingLogger()
	b, err := New(conf, log, deps)
	require.NoError(t, err)
	return b, log
}

func newTestMessage(msgType string) *Message {
	return &Message{Type: msgType, ID: "id-" + msgType, Timestamp: time.Now().UTC()}
}

// recordingLogger records every call for assertions.
type recordingLogger struct {
	recorder *logRecorder
	fields   loggingpkg.LogFields
}

type logRecorder struct {
	mu   sync.Mutex
	logs []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{recorder: &logRecorder{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := cloneFields(l.fields)
	if merged == nil {
		merged = loggingpkg.LogFields{}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{recorder: l.recorder, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.append("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.append("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.append("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.append("trace", msg, nil, fields)
}

func (l *recordingLogger) append(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := cloneFields(l.fields)
	if len(fields) > 0 && merged == nil {
		merged = loggingpkg.LogFields{}
	}
	for k, v := range fields {
		merged[k] = v
	}

	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	l.recorder.logs = append(l.recorder.logs, loggedEntry{level: level, msg: msg, fields: merged, err: err})
}

func (l *recordingLogger) entries() []loggedEntry {
	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	return append([]loggedEntry(nil), l.recorder.logs...)
}

func (l *recordingLogger) has(level, msg string) bool {
	for _, e := range l.entries() {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func cloneFields(fields loggingpkg.LogFields) loggingpkg.LogFields {
	if len(fields) == 0 {
		return nil
	}
	out := make(loggingpkg.LogFields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// fakeTransport implements every optional transport capability.
type fakeTransport struct {
	mu         sync.Mutex
	state      transport.ReadyState
	connID     string
	sent       []*Message
	broadcasts []*Message
	sendErr    error
	inbound    transport.InboundFunc
	connected  bool
	reply      func(*Message) (*Message, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: transport.StateOpen}
}

func (f *fakeTransport) Name() string     { return "fake" }
func (f *fakeTransport) Endpoint() string { return "fake://bus" }

func (f *fakeTransport) Send(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SendBroadcast(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeTransport) SendRequest(_ context.Context, msg *Message, _ time.Duration) (*Message, error) {
	if f.reply == nil {
		return nil, fmt.Errorf("no reply configured")
	}
	return f.reply(msg)
}

func (f *fakeTransport) OnMessage(fn transport.InboundFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = fn
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) ReadyState() transport.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) ConnectionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connID
}

func (f *fakeTransport) setState(s transport.ReadyState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeTransport) deliver(ctx context.Context, msg *Message) {
	f.mu.Lock()
	fn := f.inbound
	f.mu.Unlock()
	if fn != nil {
		fn(ctx, msg)
	}
}

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeTransport) lastBroadcast() *Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

// sendOnlyTransport has no optional capability.
type sendOnlyTransport struct {
	mu   sync.Mutex
	sent []*Message
}

func (s *sendOnlyTransport) Name() string     { return "send-only" }
func (s *sendOnlyTransport) Endpoint() string { return "" }

func (s *sendOnlyTransport) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *sendOnlyTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
