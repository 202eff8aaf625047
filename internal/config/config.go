package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidAddress   = errors.New("invalid server address")
	ErrInvalidPort      = errors.New("invalid server port")
	ErrInvalidAuth      = errors.New("invalid auth configuration")
	ErrInvalidStorage   = errors.New("invalid storage configuration")
	ErrInvalidThreshold = errors.New("invalid storage thresholds")
)

// Config is the full typed configuration document. Loaded once at startup;
// components receive the sections they need and never re-read the file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	MediaMTX  MediaMTXConfig  `yaml:"mediamtx"`
	Storage   StorageConfig   `yaml:"storage"`
	Camera    CameraConfig    `yaml:"camera"`
	Recording RecordingConfig `yaml:"recording"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Address           string        `yaml:"address"`
	Port              int           `yaml:"port"`
	WSPath            string        `yaml:"ws_path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMiss     int           `yaml:"heartbeat_miss"`
	MaxInFlight       int           `yaml:"max_in_flight"`
}

type AuthConfig struct {
	// Algorithm is "hs256" or "rs256".
	Algorithm    string        `yaml:"algorithm"`
	Secret       string        `yaml:"secret"`
	PublicKeyPEM string        `yaml:"public_key_pem"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSRefresh  time.Duration `yaml:"jwks_refresh"`
	ClockSkew    time.Duration `yaml:"clock_skew_s"`
	// RedisAddr enables the jti revocation blacklist when set.
	RedisAddr string `yaml:"redis_addr"`
}

type MediaMTXConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Host           string        `yaml:"host"`
	RTSPPort       int           `yaml:"rtsp_port"`
	HLSPort        int           `yaml:"hls_port"`
	WebRTCPort     int           `yaml:"webrtc_port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryMax       int           `yaml:"retry_max"`
	FailureStreak  int           `yaml:"failure_streak"`
	OpenCooldown   time.Duration `yaml:"open_cooldown"`
	UseHTTPS       bool          `yaml:"use_https"`
}

type StorageConfig struct {
	RecordingsDir string  `yaml:"recordings_dir"`
	SnapshotsDir  string  `yaml:"snapshots_dir"`
	WarnPercent   float64 `yaml:"warn_percent"`
	BlockPercent  float64 `yaml:"block_percent"`
}

type CameraConfig struct {
	UnreadyErrorGrace time.Duration `yaml:"unready_error_grace"`
	FlapWindow        time.Duration `yaml:"flap_window"`
	DebounceWindow    time.Duration `yaml:"debounce_window"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	DeviceDir         string        `yaml:"device_dir"`
}

type RecordingConfig struct {
	DefaultFormat string        `yaml:"default_format"`
	StopSettle    time.Duration `yaml:"stop_settle"`
}

type EventsConfig struct {
	QueueSize            int           `yaml:"queue_size"`
	OutboundStallTimeout time.Duration `yaml:"outbound_stall_timeout"`
	// NATSURL enables the external event mirror when set.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every knob at its documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           "0.0.0.0",
			Port:              8002,
			WSPath:            "/ws",
			HeartbeatInterval: 30 * time.Second,
			HeartbeatMiss:     2,
			MaxInFlight:       64,
		},
		Auth: AuthConfig{
			Algorithm:   "hs256",
			ClockSkew:   60 * time.Second,
			JWKSRefresh: 15 * time.Minute,
		},
		MediaMTX: MediaMTXConfig{
			BaseURL:        "http://127.0.0.1:9997",
			Host:           "127.0.0.1",
			RTSPPort:       8554,
			HLSPort:        8888,
			WebRTCPort:     8889,
			RequestTimeout: 3 * time.Second,
			RetryMax:       3,
			FailureStreak:  5,
			OpenCooldown:   30 * time.Second,
		},
		Storage: StorageConfig{
			RecordingsDir: "/var/lib/camgw/recordings",
			SnapshotsDir:  "/var/lib/camgw/snapshots",
			WarnPercent:   80,
			BlockPercent:  95,
		},
		Camera: CameraConfig{
			UnreadyErrorGrace: 10 * time.Second,
			FlapWindow:        2 * time.Second,
			DebounceWindow:    500 * time.Millisecond,
			PollInterval:      time.Second,
			DeviceDir:         "/dev",
		},
		Recording: RecordingConfig{
			DefaultFormat: "fmp4",
			StopSettle:    5 * time.Second,
		},
		Events: EventsConfig{
			QueueSize:            256,
			OutboundStallTimeout: 20 * time.Second,
			NATSSubject:          "camgw.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML document at path, applies defaults for every field left
// at zero, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills zero values after unmarshal, since yaml.v3 zeroes
// fields that are present-but-empty in the document.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Address == "" {
		cfg.Server.Address = def.Server.Address
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = def.Server.WSPath
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = def.Server.HeartbeatInterval
	}
	if cfg.Server.HeartbeatMiss == 0 {
		cfg.Server.HeartbeatMiss = def.Server.HeartbeatMiss
	}
	if cfg.Server.MaxInFlight == 0 {
		cfg.Server.MaxInFlight = def.Server.MaxInFlight
	}
	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = def.Auth.Algorithm
	}
	if cfg.Auth.ClockSkew == 0 {
		cfg.Auth.ClockSkew = def.Auth.ClockSkew
	}
	if cfg.Auth.JWKSRefresh == 0 {
		cfg.Auth.JWKSRefresh = def.Auth.JWKSRefresh
	}
	if cfg.MediaMTX.BaseURL == "" {
		cfg.MediaMTX.BaseURL = def.MediaMTX.BaseURL
	}
	if cfg.MediaMTX.Host == "" {
		cfg.MediaMTX.Host = def.MediaMTX.Host
	}
	if cfg.MediaMTX.RTSPPort == 0 {
		cfg.MediaMTX.RTSPPort = def.MediaMTX.RTSPPort
	}
	if cfg.MediaMTX.HLSPort == 0 {
		cfg.MediaMTX.HLSPort = def.MediaMTX.HLSPort
	}
	if cfg.MediaMTX.WebRTCPort == 0 {
		cfg.MediaMTX.WebRTCPort = def.MediaMTX.WebRTCPort
	}
	if cfg.MediaMTX.RequestTimeout == 0 {
		cfg.MediaMTX.RequestTimeout = def.MediaMTX.RequestTimeout
	}
	if cfg.MediaMTX.RetryMax == 0 {
		cfg.MediaMTX.RetryMax = def.MediaMTX.RetryMax
	}
	if cfg.MediaMTX.FailureStreak == 0 {
		cfg.MediaMTX.FailureStreak = def.MediaMTX.FailureStreak
	}
	if cfg.MediaMTX.OpenCooldown == 0 {
		cfg.MediaMTX.OpenCooldown = def.MediaMTX.OpenCooldown
	}
	if cfg.Storage.RecordingsDir == "" {
		cfg.Storage.RecordingsDir = def.Storage.RecordingsDir
	}
	if cfg.Storage.SnapshotsDir == "" {
		cfg.Storage.SnapshotsDir = def.Storage.SnapshotsDir
	}
	if cfg.Storage.WarnPercent == 0 {
		cfg.Storage.WarnPercent = def.Storage.WarnPercent
	}
	if cfg.Storage.BlockPercent == 0 {
		cfg.Storage.BlockPercent = def.Storage.BlockPercent
	}
	if cfg.Camera.UnreadyErrorGrace == 0 {
		cfg.Camera.UnreadyErrorGrace = def.Camera.UnreadyErrorGrace
	}
	if cfg.Camera.FlapWindow == 0 {
		cfg.Camera.FlapWindow = def.Camera.FlapWindow
	}
	if cfg.Camera.DebounceWindow == 0 {
		cfg.Camera.DebounceWindow = def.Camera.DebounceWindow
	}
	if cfg.Camera.PollInterval == 0 {
		cfg.Camera.PollInterval = def.Camera.PollInterval
	}
	if cfg.Camera.DeviceDir == "" {
		cfg.Camera.DeviceDir = def.Camera.DeviceDir
	}
	if cfg.Recording.DefaultFormat == "" {
		cfg.Recording.DefaultFormat = def.Recording.DefaultFormat
	}
	if cfg.Recording.StopSettle == 0 {
		cfg.Recording.StopSettle = def.Recording.StopSettle
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = def.Events.QueueSize
	}
	if cfg.Events.OutboundStallTimeout == 0 {
		cfg.Events.OutboundStallTimeout = def.Events.OutboundStallTimeout
	}
	if cfg.Events.NATSSubject == "" {
		cfg.Events.NATSSubject = def.Events.NATSSubject
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// applyEnv mirrors the env override convention of the deployment scripts.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("JWT_SIGNING_KEY"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Auth.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("MEDIAMTX_BASE_URL"); v != "" {
		cfg.MediaMTX.BaseURL = v
	}
}

// Validate rejects documents the service cannot safely start with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return ErrInvalidAddress
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	switch c.Auth.Algorithm {
	case "hs256":
		if c.Auth.Secret == "" {
			return fmt.Errorf("%w: hs256 requires a secret", ErrInvalidAuth)
		}
	case "rs256":
		if c.Auth.PublicKeyPEM == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("%w: rs256 requires public_key_pem or jwks_url", ErrInvalidAuth)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidAuth, c.Auth.Algorithm)
	}
	if c.Storage.RecordingsDir == "" || c.Storage.SnapshotsDir == "" {
		return ErrInvalidStorage
	}
	if c.Storage.RecordingsDir == c.Storage.SnapshotsDir {
		return fmt.Errorf("%w: recordings and snapshots must be distinct directories", ErrInvalidStorage)
	}
	if c.Storage.WarnPercent <= 0 || c.Storage.WarnPercent > 100 ||
		c.Storage.BlockPercent <= 0 || c.Storage.BlockPercent > 100 ||
		c.Storage.WarnPercent > c.Storage.BlockPercent {
		return ErrInvalidThreshold
	}
	switch c.Recording.DefaultFormat {
	case "fmp4", "mp4", "mkv":
	default:
		return fmt.Errorf("unknown recording format %q", c.Recording.DefaultFormat)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}
