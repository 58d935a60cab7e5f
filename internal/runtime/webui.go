package runtime

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
)

type introspectionPayload struct {
	Transport   string           `json:"transport,omitempty"`
	Endpoint    string           `json:"endpoint,omitempty"`
	ClientID    string           `json:"client_id"`
	Connection  string           `json:"connection_id,omitempty"`
	Subscribers []SubscriberInfo `json:"subscribers"`
	Metrics     Metrics          `json:"metrics"`
}

// IntrospectionHandler returns an http.Handler serving the live subscribers
// and the delivery metrics:
//
//	GET /api/subscribers
//	GET /api/metrics
//	GET /api/broker
func (b *Broker) IntrospectionHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/subscribers", b.withCORS(func(w http.ResponseWriter, r *http.Request) {
		b.writeJSON(w, b.subscriberInfos())
	}))
	mux.HandleFunc("/api/metrics", b.withCORS(func(w http.ResponseWriter, r *http.Request) {
		b.writeJSON(w, b.Metrics())
	}))
	mux.HandleFunc("/api/broker", b.withCORS(func(w http.ResponseWriter, r *http.Request) {
		b.writeJSON(w, introspectionPayload{
			Transport:   b.TransportName(),
			Endpoint:    b.Endpoint(),
			ClientID:    b.clientID,
			Connection:  b.ConnectionID(),
			Subscribers: b.subscriberInfos(),
			Metrics:     b.Metrics(),
		})
	}))
	return mux
}

// StartIntrospectionServer serves IntrospectionHandler on the configured
// port when introspection is enabled. It returns the server so the caller
// can shut it down.
func (b *Broker) StartIntrospectionServer() *http.Server {
	if !b.conf.IntrospectionEnabled {
		return nil
	}

	addr := fmt.Sprintf(":%d", b.conf.IntrospectionPort)
	srv := &http.Server{Addr: addr, Handler: b.IntrospectionHandler()}
	b.Logger.Info("Starting introspection server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Logger.Error("Failed to start introspection server", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return srv
}

func (b *Broker) subscriberInfos() []SubscriberInfo {
	subs := b.snapshot()
	infos := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.info())
	}
	return infos
}

func (b *Broker) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(b.conf.CORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := b.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (b *Broker) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		b.Logger.Error("Failed to encode introspection response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (b *Broker) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
