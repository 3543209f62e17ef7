// Package config resolves proxy settings from command-line flags, falling
// back to PROXY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

type Config struct {
	Addr      string
	AdminAddr string

	Username string
	Password string

	TLSCert string
	TLSKey  string

	MetricsPath string
	TopSites    int
	BlockList   string

	BufferSize      int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	LogLevel string
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		MetricsPath:     "/metrics",
		TopSites:        10,
		BufferSize:      4096,
		DialTimeout:     10 * time.Second,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

// Load parses args on top of the defaults. Environment values (looked up
// through getenv) replace defaults; explicit flags replace both.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("proxy", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address [$PROXY_ADDR]")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "optional Prometheus listen address [$PROXY_ADMIN_ADDR]")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "proxy username [$PROXY_USERNAME]")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "proxy password [$PROXY_PASSWORD]")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "PEM certificate for a TLS listener [$PROXY_TLS_CERT]")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "PEM key for a TLS listener [$PROXY_TLS_KEY]")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "request path answered with a metrics snapshot [$PROXY_METRICS_PATH]")
	fs.IntVar(&cfg.TopSites, "top-sites", cfg.TopSites, "number of sites in a metrics snapshot [$PROXY_TOP_SITES]")
	fs.StringVar(&cfg.BlockList, "blocklist", cfg.BlockList, "file of blocked hostnames, one per line [$PROXY_BLOCKLIST]")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "tunnel read buffer size in bytes [$PROXY_BUFFER_SIZE]")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "upstream connect timeout [$PROXY_DIAL_TIMEOUT]")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "client request header timeout [$PROXY_READ_TIMEOUT]")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "idle read timeout while relaying, 0 disables [$PROXY_IDLE_TIMEOUT]")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for in-flight sessions [$PROXY_SHUTDOWN_TIMEOUT]")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error [$PROXY_LOG_LEVEL]")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("PROXY_ADDR", &c.Addr)
	str("PROXY_ADMIN_ADDR", &c.AdminAddr)
	str("PROXY_USERNAME", &c.Username)
	str("PROXY_PASSWORD", &c.Password)
	str("PROXY_TLS_CERT", &c.TLSCert)
	str("PROXY_TLS_KEY", &c.TLSKey)
	str("PROXY_METRICS_PATH", &c.MetricsPath)
	str("PROXY_BLOCKLIST", &c.BlockList)
	str("PROXY_LOG_LEVEL", &c.LogLevel)

	ints := []struct {
		key string
		dst *int
	}{
		{"PROXY_TOP_SITES", &c.TopSites},
		{"PROXY_BUFFER_SIZE", &c.BufferSize},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PROXY_DIAL_TIMEOUT", &c.DialTimeout},
		{"PROXY_READ_TIMEOUT", &c.ReadTimeout},
		{"PROXY_IDLE_TIMEOUT", &c.IdleTimeout},
		{"PROXY_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, e := range durations {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.key, err)
		}
		*e.dst = d
	}
	return nil
}

// Validate reports configuration that must stop the process before it
// starts accepting connections.
func (c *Config) Validate() error {
	var err error
	if c.Addr == "" {
		err = multierr.Append(err, errors.New("listen address is required"))
	}
	if c.Username == "" || c.Password == "" {
		err = multierr.Append(err, errors.New("proxy username and password are required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		err = multierr.Append(err, errors.New("tls-cert and tls-key must be set together"))
	}
	if c.TopSites <= 0 {
		err = multierr.Append(err, fmt.Errorf("top-sites must be positive, got %d", c.TopSites))
	}
	if c.BufferSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("buffer-size must be positive, got %d", c.BufferSize))
	}
	if c.MetricsPath == "" || c.MetricsPath[0] != '/' {
		err = multierr.Append(err, fmt.Errorf("metrics-path must start with '/', got %q", c.MetricsPath))
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		err = multierr.Append(err, errors.New("timeouts must not be negative"))
	}
	return err
}

// TLSEnabled reports whether the listener should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
