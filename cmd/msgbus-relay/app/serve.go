package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drblury/msgbus/internal/runtime"
	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	httptransport "github.com/drblury/msgbus/transport/http"
	"github.com/drblury/msgbus/transport/socket"
)

// NewServeCommand returns the serve command.
func NewServeCommand() *cobra.Command {
	o := NewServeOptions()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket hub",
		Long: `Serve the WebSocket hub. Every connected broker is assigned a connection
id and every frame is relayed to all peers. Requests nobody on the relay
answers are relayed as well, so peers can reply to each other.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, o)
		},
	}
	o.AddFlags(cmd.Flags())
	return cmd
}

// Relay bundles the hub with the broker that answers requests on the relay.
type Relay struct {
	Broker   *runtime.Broker
	Hub      *socket.Hub
	Registry *prometheus.Registry

	opts   *ServeOptions
	logger loggingpkg.ServiceLogger
}

// NewRelay builds the relay broker and hub. Collectors are registered with
// a dedicated registry served on the metrics address.
func NewRelay(o *ServeOptions, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (*Relay, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	broker, err := runtime.New(conf, logger, runtime.Dependencies{Registerer: reg})
	if err != nil {
		return nil, fmt.Errorf("create relay broker: %w", err)
	}
	hub, err := socket.NewHub(socket.HubOptions{
		Responder:      broker.Respond,
		AllowedOrigins: o.AllowedOrigins,
		Registerer:     reg,
		Logger:         loggingpkg.NewWatermillAdapter(logger.With(loggingpkg.LogFields{"component": "hub"})),
	})
	if err != nil {
		return nil, err
	}
	return &Relay{Broker: broker, Hub: hub, Registry: reg, opts: o, logger: logger}, nil
}

// Handler routes the WebSocket endpoint, the HTTP request endpoint and a
// health check.
func (r *Relay) Handler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.Handle(r.opts.Path, r.Hub)
	if r.opts.HTTPPath != "" {
		mux.Handle(r.opts.HTTPPath, httptransport.NewHandler(r.Broker.Respond, loggingpkg.NewWatermillAdapter(r.logger)))
	}
	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// MetricsHandler serves the relay registry.
func (r *Relay) MetricsHandler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry}))
	return mux
}

// Close disconnects the peers and stops the relay broker.
func (r *Relay) Close(ctx context.Context) error {
	return errors.Join(r.Hub.Close(), r.Broker.Stop(ctx))
}

// Run serves the relay until ctx is done.
func Run(ctx context.Context, o *ServeOptions) error {
	logger, err := o.Logger(os.Stderr)
	if err != nil {
		return err
	}
	conf, err := o.LoadConfig()
	if err != nil {
		return err
	}
	relay, err := NewRelay(o, conf, logger)
	if err != nil {
		return err
	}

	servers := []*nethttp.Server{{Addr: o.Addr, Handler: relay.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if o.MetricsAddr != "" {
		servers = append(servers, &nethttp.Server{Addr: o.MetricsAddr, Handler: relay.MetricsHandler(), ReadHeaderTimeout: 10 * time.Second})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		ln := listeners[i]
		logger.Info("Relay listening", loggingpkg.LogFields{"address": ln.Addr().String()})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// The introspection server listens on its own and is only shut down here.
	if srv := relay.Broker.StartIntrospectionServer(); srv != nil {
		servers = append(servers, srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("Relay server failed", serveErr, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
	defer cancel()
	// Closing the hub first ends the upgraded connections Shutdown does not
	// track.
	errs := []error{serveErr, relay.Close(shutdownCtx)}
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	logger.Info("Relay stopped", nil)
	return errors.Join(errs...)
}
