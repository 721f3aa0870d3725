// Package config loads devicelink settings from an optional YAML file,
// DEVICELINK_* environment variables and built-in defaults, in increasing
// order of precedence: defaults, then file, then environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bhandras/devicelink/internal/dispatch"
	"github.com/bhandras/devicelink/internal/frames"
	"github.com/bhandras/devicelink/internal/outbound"
	"github.com/bhandras/devicelink/internal/session"
	"github.com/bhandras/devicelink/internal/transport"
	"github.com/bhandras/devicelink/pkg/logger"
)

// FileName is the config file looked up in the home directory when no path
// is given.
const FileName = "config.yaml"

// Config is the complete devicelink configuration.
type Config struct {
	// Home is where devicelink keeps local state (device id, resume record).
	Home string `yaml:"home"`

	Controller ControllerConfig `yaml:"controller"`
	Session    SessionConfig    `yaml:"session"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Frames     FramesConfig     `yaml:"frames"`
	Logging    LoggingConfig    `yaml:"logging"`

	// TelemetryInterval is the telemetry period. Zero disables telemetry.
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	// PersistResume stores the resume record under Home.
	PersistResume bool `yaml:"persist_resume"`
}

// ControllerConfig describes how to reach the controller.
type ControllerConfig struct {
	URL           string `yaml:"url"`
	Path          string `yaml:"path"`
	Event         string `yaml:"event"`
	WebSocketOnly bool   `yaml:"websocket_only"`
	// Token is a static bearer token. Ignored when TokenSecret is set.
	Token string `yaml:"token"`
	// TokenSecret signs per-dial HS256 device tokens.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// SessionConfig mirrors session.Config timing knobs.
type SessionConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	BackoffJitter       float64       `yaml:"backoff_jitter"`
	MaxAttempts         int           `yaml:"max_attempts"`
}

// DispatchConfig mirrors dispatch.Config.
type DispatchConfig struct {
	DedupeTTL      time.Duration            `yaml:"dedupe_ttl"`
	DedupeMax      int                      `yaml:"dedupe_max"`
	CommandTimeout time.Duration            `yaml:"command_timeout"`
	KindTimeouts   map[string]time.Duration `yaml:"kind_timeouts"`
	StopGrace      time.Duration            `yaml:"stop_grace"`
}

// OutboundConfig mirrors outbound.Config.
type OutboundConfig struct {
	HighCapacity   int           `yaml:"high_capacity"`
	NormalCapacity int           `yaml:"normal_capacity"`
	FrameCapacity  int           `yaml:"frame_capacity"`
	HardCeiling    int           `yaml:"hard_ceiling"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
}

// FramesConfig configures the frame source.
type FramesConfig struct {
	// Dir holds the images served by the directory camera.
	Dir            string        `yaml:"dir"`
	ScanAttempts   int           `yaml:"scan_attempts"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	StreamInterval time.Duration `yaml:"stream_interval"`
	// ChunkSize is the default frame chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultChunkSize is the default frame chunk size.
const DefaultChunkSize = 32 * 1024

// Default returns the built-in configuration.
func Default() *Config {
	sc := session.DefaultConfig()
	dc := dispatch.DefaultConfig()
	oc := outbound.DefaultConfig()
	fc := frames.DefaultConfig()

	kinds := make(map[string]time.Duration, len(dc.KindTimeouts))
	for k, v := range dc.KindTimeouts {
		kinds[string(k)] = v
	}

	return &Config{
		Controller: ControllerConfig{
			Path:     transport.DefaultSocketPath,
			Event:    transport.DefaultMessageEvent,
			TokenTTL: 5 * time.Minute,
		},
		Session: SessionConfig{
			HandshakeTimeout:    sc.HandshakeTimeout,
			HeartbeatInterval:   sc.HeartbeatInterval,
			HeartbeatTimeout:    sc.HeartbeatTimeout,
			MaxMissedHeartbeats: sc.MaxMissedHeartbeats,
			BackoffBase:         sc.BackoffBase,
			BackoffMax:          sc.BackoffMax,
			BackoffJitter:       sc.BackoffJitter,
		},
		Dispatch: DispatchConfig{
			DedupeTTL:      dc.DedupeTTL,
			DedupeMax:      dc.DedupeMax,
			CommandTimeout: dc.CommandTimeout,
			KindTimeouts:   kinds,
			StopGrace:      dc.StopGrace,
		},
		Outbound: OutboundConfig{
			HighCapacity:   oc.HighCapacity,
			NormalCapacity: oc.NormalCapacity,
			FrameCapacity:  oc.FrameCapacity,
			HardCeiling:    oc.HardCeiling,
			ReadyTimeout:   oc.ReadyTimeout,
		},
		Frames: FramesConfig{
			ScanAttempts:   fc.ScanAttempts,
			ScanInterval:   fc.ScanInterval,
			StreamInterval: fc.StreamInterval,
			ChunkSize:      DefaultChunkSize,
		},
		Logging:           LoggingConfig{Level: "info"},
		TelemetryInterval: 30 * time.Second,
		PersistResume:     true,
	}
}

// Load builds the configuration. path may be empty, in which case
// <home>/config.yaml is used if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	cfg.Home = home

	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, FileName)
	}
	if err := cfg.readFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create devicelink home: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveHome() (string, error) {
	if h := os.Getenv("DEVICELINK_HOME"); h != "" {
		return h, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".devicelink"), nil
}

func (c *Config) readFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	home := c.Home
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if c.Home == "" {
		c.Home = home
	}
	logger.Debugf("Loaded config from %s", path)
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DEVICELINK_HOME"); v != "" {
		c.Home = v
	}
	if v := os.Getenv("DEVICELINK_CONTROLLER_URL"); v != "" {
		c.Controller.URL = v
	}
	if v := os.Getenv("DEVICELINK_TOKEN"); v != "" {
		c.Controller.Token = v
	}
	if v := os.Getenv("DEVICELINK_TOKEN_SECRET"); v != "" {
		c.Controller.TokenSecret = v
	}
	if v := os.Getenv("DEVICELINK_FRAMES_DIR"); v != "" {
		c.Frames.Dir = v
	}
	if v := os.Getenv("DEVICELINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if isTruthy(os.Getenv("DEBUG")) || isTruthy(os.Getenv("DEVICELINK_DEBUG")) {
		c.Logging.Level = "debug"
	}
	if v := os.Getenv("DEVICELINK_WEBSOCKET_ONLY"); v != "" {
		c.Controller.WebSocketOnly = isTruthy(v)
	}
	if v := os.Getenv("DEVICELINK_TELEMETRY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid DEVICELINK_TELEMETRY_INTERVAL %q: %w", v, err)
		}
		c.TelemetryInterval = d
	}
	if v := os.Getenv("DEVICELINK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEVICELINK_MAX_ATTEMPTS %q: %w", v, err)
		}
		c.Session.MaxAttempts = n
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Home == "" {
		return errors.New("home is required")
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Frames.ChunkSize <= 0 {
		return errors.New("frames.chunk_size must be positive")
	}
	if c.TelemetryInterval < 0 {
		return errors.New("telemetry_interval must not be negative")
	}
	for kind, d := range c.Dispatch.KindTimeouts {
		if d < 0 {
			return fmt.Errorf("dispatch.kind_timeouts[%s] must not be negative", kind)
		}
	}
	return nil
}

// SessionSettings converts the session section. Endpoint and device id come
// from the controller section and the stored identity.
func (c *Config) SessionSettings(deviceID string) session.Config {
	sc := session.DefaultConfig()
	sc.Endpoint = c.Controller.URL
	sc.DeviceID = deviceID
	sc.HandshakeTimeout = c.Session.HandshakeTimeout
	sc.HeartbeatInterval = c.Session.HeartbeatInterval
	sc.HeartbeatTimeout = c.Session.HeartbeatTimeout
	sc.MaxMissedHeartbeats = c.Session.MaxMissedHeartbeats
	sc.BackoffBase = c.Session.BackoffBase
	sc.BackoffMax = c.Session.BackoffMax
	sc.BackoffJitter = c.Session.BackoffJitter
	sc.MaxAttempts = c.Session.MaxAttempts
	return sc
}

// DispatchSettings converts the dispatch section.
func (c *Config) DispatchSettings() dispatch.Config {
	dc := dispatch.DefaultConfig()
	dc.DedupeTTL = c.Dispatch.DedupeTTL
	dc.DedupeMax = c.Dispatch.DedupeMax
	dc.CommandTimeout = c.Dispatch.CommandTimeout
	dc.StopGrace = c.Dispatch.StopGrace
	dc.KindTimeouts = make(map[dispatch.Kind]time.Duration, len(c.Dispatch.KindTimeouts))
	for k, v := range c.Dispatch.KindTimeouts {
		dc.KindTimeouts[dispatch.Kind(k)] = v
	}
	return dc
}

// OutboundSettings converts the outbound section.
func (c *Config) OutboundSettings() outbound.Config {
	return outbound.Config{
		HighCapacity:   c.Outbound.HighCapacity,
		NormalCapacity: c.Outbound.NormalCapacity,
		FrameCapacity:  c.Outbound.FrameCapacity,
		HardCeiling:    c.Outbound.HardCeiling,
		ReadyTimeout:   c.Outbound.ReadyTimeout,
	}
}

// FrameSettings converts the frames section.
func (c *Config) FrameSettings() frames.Config {
	return frames.Config{
		ScanAttempts:   c.Frames.ScanAttempts,
		ScanInterval:   c.Frames.ScanInterval,
		StreamInterval: c.Frames.StreamInterval,
	}
}

// Dialer builds the Socket.IO dialer for the controller section.
func (c *Config) Dialer() *transport.SocketDialer {
	d := transport.NewSocketDialer()
	if c.Controller.Path != "" {
		d.Path = c.Controller.Path
	}
	if c.Controller.Event != "" {
		d.Event = c.Controller.Event
	}
	d.WebSocketOnly = c.Controller.WebSocketOnly
	return d
}
