package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
)

// ServeOptions holds the flags of the serve command.
type ServeOptions struct {
	Addr            string
	Path            string
	HTTPPath        string
	MetricsAddr     string
	ConfigFile      string
	AllowedOrigins  []string
	LogFormat       string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// NewServeOptions returns the defaults.
func NewServeOptions() *ServeOptions {
	return &ServeOptions{
		Addr:            ":8080",
		Path:            "/ws",
		HTTPPath:        configpkg.DefaultHTTPEndpoint,
		LogFormat:       "console",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

// AddFlags binds the options to fs.
func (o *ServeOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "addr", o.Addr, "listen address of the relay")
	fs.StringVar(&o.Path, "path", o.Path, "path of the WebSocket endpoint")
	fs.StringVar(&o.HTTPPath, "http-path", o.HTTPPath, "path of the HTTP request endpoint, empty disables it")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "listen address of /metrics, empty disables it")
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "broker config file (YAML)")
	fs.StringSliceVar(&o.AllowedOrigins, "allowed-origin", o.AllowedOrigins, "allowed Origin for WebSocket upgrades, repeatable")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "log format: console or json")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level: debug, info, warn or error")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "graceful shutdown timeout")
}

// Validate checks the flag values.
func (o *ServeOptions) Validate() error {
	var errs []error
	if o.Addr == "" {
		errs = append(errs, errors.New("--addr is required"))
	}
	if !strings.HasPrefix(o.Path, "/") {
		errs = append(errs, fmt.Errorf("--path %q must start with /", o.Path))
	}
	if o.HTTPPath != "" && !strings.HasPrefix(o.HTTPPath, "/") {
		errs = append(errs, fmt.Errorf("--http-path %q must start with /", o.HTTPPath))
	}
	if o.HTTPPath != "" && o.HTTPPath == o.Path {
		errs = append(errs, errors.New("--http-path and --path must differ"))
	}
	if o.LogFormat != "console" && o.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("--log-format %q must be console or json", o.LogFormat))
	}
	if _, err := o.level(); err != nil {
		errs = append(errs, err)
	}
	if o.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("--shutdown-timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (o *ServeOptions) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return 0, fmt.Errorf("--log-level: %w", err)
	}
	return level, nil
}

// Logger builds the service logger writing to w.
func (o *ServeOptions) Logger(w io.Writer) (loggingpkg.ServiceLogger, error) {
	level, err := o.level()
	if err != nil {
		return nil, err
	}
	if o.LogFormat == "json" {
		return loggingpkg.NewZerologServiceLogger(zerolog.New(w).With().Timestamp().Logger(), level), nil
	}
	return loggingpkg.NewConsoleLogger(w, level), nil
}

// LoadConfig reads the config file, or returns an empty config without one.
// The relay broker never attaches a transport.
func (o *ServeOptions) LoadConfig() (*configpkg.Config, error) {
	conf := &configpkg.Config{}
	if o.ConfigFile != "" {
		loaded, err := configpkg.Load(o.ConfigFile)
		if err != nil {
			return nil, err
		}
		conf = loaded
	}
	conf.Transport = ""
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = conf.CORSAllowedOrigins
	}
	return conf, nil
}
