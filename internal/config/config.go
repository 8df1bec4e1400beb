// SPDX-License-Identifier: MIT

// Package config loads collabd configuration with precedence ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPalette is the fixed presence color palette. Color assignment is
// stable per (project, user) for the lifetime of a project session.
var DefaultPalette = []string{
	"#EF4444", "#F97316", "#EAB308", "#22C55E", "#14B8A6",
	"#3B82F6", "#8B5CF6", "#EC4899", "#F472B6", "#A855F7",
}

// Config holds every recognized collabd option.
type Config struct {
	// Server
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel   string `yaml:"log_level"`
	LogService string `yaml:"log_service"`

	// Authority store
	AuthorityDBPath string `yaml:"authority_db_path"`

	// Collaboration core
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	MaxLockDuration   time.Duration `yaml:"max_lock_duration"`
	ThrottleInterval  time.Duration `yaml:"throttle_interval"`
	MaxFlushPerSec    int           `yaml:"max_flush_per_sec"`
	MaxPendingChanges int           `yaml:"max_pending_changes"`
	EventIDHistory    int           `yaml:"event_id_history"`
	PresenceStale     time.Duration `yaml:"presence_stale"`
	IdleConnection    time.Duration `yaml:"idle_connection"`
	OutboundQueue     int           `yaml:"outbound_queue"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ThrottlerIdle     time.Duration `yaml:"throttler_idle"`
	ColorPalette      []string      `yaml:"color_palette"`

	// Transport limits
	ReadLimitBytes  int64   `yaml:"read_limit_bytes"`
	InboundRate     float64 `yaml:"inbound_rate"`
	InboundBurst    int     `yaml:"inbound_burst"`
	HandshakePerMin int     `yaml:"handshake_per_min"`

	// Telemetry
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	TracingSampling float64 `yaml:"tracing_sampling"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:      ":8090",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		LogLevel:   "info",
		LogService: "collabd",

		AuthorityDBPath: "collabd.db",

		LeaseTTL:          15 * time.Second,
		MaxLockDuration:   5 * time.Minute,
		ThrottleInterval:  33 * time.Millisecond,
		MaxFlushPerSec:    30,
		MaxPendingChanges: 50,
		EventIDHistory:    10000,
		PresenceStale:     30 * time.Second,
		IdleConnection:    5 * time.Minute,
		OutboundQueue:     256,
		SweepInterval:     5 * time.Second,
		ThrottlerIdle:     5 * time.Minute,
		ColorPalette:      append([]string(nil), DefaultPalette...),

		ReadLimitBytes:  1 << 20,
		InboundRate:     200,
		InboundBurst:    400,
		HandshakePerMin: 60,

		TracingEnabled:  false,
		TracingExporter: "noop",
		TracingEndpoint: "localhost:4317",
		TracingSampling: 0.1,
	}
}

// Load builds the effective configuration: defaults, overlaid by the optional
// YAML file at path (empty path skips the file), overlaid by COLLABD_* env.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergeEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("COLLABD_LISTEN", cfg.ListenAddr)
	cfg.ReadTimeout = ParseDuration("COLLABD_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = ParseDuration("COLLABD_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownTimeout = ParseDuration("COLLABD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.LogLevel = ParseString("COLLABD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("COLLABD_LOG_SERVICE", cfg.LogService)

	cfg.AuthorityDBPath = ParseString("COLLABD_AUTHORITY_DB", cfg.AuthorityDBPath)

	cfg.LeaseTTL = ParseDuration("COLLABD_LEASE_TTL", cfg.LeaseTTL)
	cfg.MaxLockDuration = ParseDuration("COLLABD_MAX_LOCK_DURATION", cfg.MaxLockDuration)
	cfg.ThrottleInterval = ParseDuration("COLLABD_THROTTLE_INTERVAL", cfg.ThrottleInterval)
	cfg.MaxFlushPerSec = ParseInt("COLLABD_MAX_FLUSH_PER_SEC", cfg.MaxFlushPerSec)
	cfg.MaxPendingChanges = ParseInt("COLLABD_MAX_PENDING_CHANGES", cfg.MaxPendingChanges)
	cfg.EventIDHistory = ParseInt("COLLABD_EVENT_ID_HISTORY", cfg.EventIDHistory)
	cfg.PresenceStale = ParseDuration("COLLABD_PRESENCE_STALE", cfg.PresenceStale)
	cfg.IdleConnection = ParseDuration("COLLABD_IDLE_CONNECTION", cfg.IdleConnection)
	cfg.OutboundQueue = ParseInt("COLLABD_OUTBOUND_QUEUE", cfg.OutboundQueue)
	cfg.SweepInterval = ParseDuration("COLLABD_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.ThrottlerIdle = ParseDuration("COLLABD_THROTTLER_IDLE", cfg.ThrottlerIdle)

	if palette := ParseString("COLLABD_COLOR_PALETTE", ""); palette != "" {
		cfg.ColorPalette = splitList(palette)
	}

	cfg.ReadLimitBytes = int64(ParseInt("COLLABD_READ_LIMIT_BYTES", int(cfg.ReadLimitBytes)))
	cfg.InboundRate = ParseFloat("COLLABD_INBOUND_RATE", cfg.InboundRate)
	cfg.InboundBurst = ParseInt("COLLABD_INBOUND_BURST", cfg.InboundBurst)
	cfg.HandshakePerMin = ParseInt("COLLABD_HANDSHAKE_PER_MIN", cfg.HandshakePerMin)

	cfg.TracingEnabled = ParseBool("COLLABD_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = ParseString("COLLABD_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = ParseString("COLLABD_TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingSampling = ParseFloat("COLLABD_TRACING_SAMPLING", cfg.TracingSampling)
}

// Validate checks the configuration and collects every violation.
func (c Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease_ttl must be positive"))
	}
	if c.MaxLockDuration < c.LeaseTTL {
		errs = append(errs, errors.New("max_lock_duration must be >= lease_ttl"))
	}
	if c.ThrottleInterval <= 0 {
		errs = append(errs, errors.New("throttle_interval must be positive"))
	}
	if c.MaxFlushPerSec <= 0 {
		errs = append(errs, errors.New("max_flush_per_sec must be positive"))
	}
	if c.MaxPendingChanges <= 0 {
		errs = append(errs, errors.New("max_pending_changes must be positive"))
	}
	if c.EventIDHistory <= 0 {
		errs = append(errs, errors.New("event_id_history must be positive"))
	}
	if c.PresenceStale <= 0 {
		errs = append(errs, errors.New("presence_stale must be positive"))
	}
	if c.IdleConnection <= 0 {
		errs = append(errs, errors.New("idle_connection must be positive"))
	}
	if c.OutboundQueue <= 0 {
		errs = append(errs, errors.New("outbound_queue must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if len(c.ColorPalette) == 0 {
		errs = append(errs, errors.New("color_palette must not be empty"))
	}
	for _, color := range c.ColorPalette {
		if !strings.HasPrefix(color, "#") || len(color) != 7 {
			errs = append(errs, fmt.Errorf("color_palette entry %q is not a #RRGGBB color", color))
		}
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		errs = append(errs, errors.New("inbound_rate and inbound_burst must be positive"))
	}
	if c.TracingSampling < 0 || c.TracingSampling > 1 {
		errs = append(errs, errors.New("tracing_sampling must be in [0,1]"))
	}
	switch c.TracingExporter {
	case "grpc", "http", "noop":
	default:
		errs = append(errs, fmt.Errorf("tracing_exporter %q is not one of grpc, http, noop", c.TracingExporter))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
