package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
)

func TestIntrospectionSubscribersReturnsJSON(t *testing.T) {
	b, _ := newTestBroker(t, withConfig(func(c *configpkg.Config) {
		c.CORSAllowedOrigins = []string{"*"}
	}))
	_, err := b.Subscribe(HandlerFunc(func(context.Context, *Message) error { return nil }), ByType("orders"), "owner")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/subscribers", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()

	b.IntrospectionHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %s", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be '*', got %s", got)
	}

	var payload []SubscriberInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if len(payload) != 1 || payload[0].Owner != "string" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestIntrospectionMetricsAndBroker(t *testing.T) {
	b, _ := newTestBroker(t, withTransport(newFakeTransport()))
	b.Publish(context.Background(), newTestMessage("m"))
	handler := b.IntrospectionHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, uint64(1), metrics.Published)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/broker", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var overview introspectionPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, "fake", overview.Transport)
	assert.Equal(t, "client-test", overview.ClientID)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), "no CORS without configured origins")
}

func TestIntrospectionCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"exact match", []string{"http://a.test"}, "http://a.test", "http://a.test"},
		{"case insensitive", []string{"HTTP://A.TEST"}, "http://a.test", "http://a.test"},
		{"not allowed", []string{"http://a.test"}, "http://b.test", ""},
		{"wildcard", []string{"http://a.test", "*"}, "http://b.test", "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBroker(t, withConfig(func(c *configpkg.Config) { c.CORSAllowedOrigins = tt.allowed }))
			req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			b.IntrospectionHandler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestIntrospectionMethods(t *testing.T) {
	b, _ := newTestBroker(t)
	handler := b.IntrospectionHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/metrics", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartIntrospectionServerDisabled(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.Nil(t, b.StartIntrospectionServer())
}
