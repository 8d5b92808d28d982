package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/huddlecall/huddle-signal/internal/origin"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second
	DefaultMode       = ModeDev

	DefaultCodeLength          = 6
	DefaultCapacity            = 4
	DefaultSessionMaxAge       = 4 * time.Hour
	DefaultSweepInterval       = 60 * time.Second
	DefaultMaxFailedAttempts   = 5
	DefaultLockoutDuration     = 5 * time.Minute
	DefaultRateLimitMaxEntries = 10000

	DefaultWSPath                        = "/ws"
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultWSPingInterval                = 20 * time.Second
	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSWriteTimeout                = 5 * time.Second
	DefaultSendQueueSize                 = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "huddle"

	minCodeLength = 4
	maxCodeLength = 12
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type RoomConfig struct {
	CodeLength          int           `yaml:"code_length"`
	Capacity            int           `yaml:"capacity"`
	SessionMaxAge       time.Duration `yaml:"session_max_age"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaxFailedAttempts   int           `yaml:"max_failed_attempts"`
	LockoutDuration     time.Duration `yaml:"lockout_duration"`
	RateLimitMaxEntries int           `yaml:"rate_limit_max_entries"`
}

type SignalingConfig struct {
	Path                 string        `yaml:"path"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes"`
	MaxMessagesPerSecond int           `yaml:"max_messages_per_second"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	SendQueueSize        int           `yaml:"send_queue_size"`
}

// ICEConfig holds the raw ICE server inputs. ServersJSON wins over the
// convenience URL lists.
type ICEConfig struct {
	ServersJSON    string `yaml:"servers_json"`
	StunURLs       string `yaml:"stun_urls"`
	TurnURLs       string `yaml:"turn_urls"`
	TurnUsername   string `yaml:"turn_username"`
	TurnCredential string `yaml:"turn_credential"`
}

type TurnRESTConfig struct {
	SharedSecret   string `yaml:"shared_secret"`
	TTLSeconds     int64  `yaml:"ttl_seconds"`
	UsernamePrefix string `yaml:"username_prefix"`
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	Mode              Mode          `yaml:"mode"`
	LogFormat         LogFormat     `yaml:"log_format"`
	LogLevel          string        `yaml:"log_level"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`

	Room      RoomConfig      `yaml:"room"`
	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ICEConfig       `yaml:"ice"`
	TURNREST  TurnRESTConfig  `yaml:"turn_rest"`

	// ICEServers is resolved from ICE by finalize.
	ICEServers []webrtc.ICEServer `yaml:"-"`

	iceConfigErr error
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		Mode:            DefaultMode,
		ShutdownTimeout: DefaultShutdown,
		Room: RoomConfig{
			CodeLength:          DefaultCodeLength,
			Capacity:            DefaultCapacity,
			SessionMaxAge:       DefaultSessionMaxAge,
			SweepInterval:       DefaultSweepInterval,
			MaxFailedAttempts:   DefaultMaxFailedAttempts,
			LockoutDuration:     DefaultLockoutDuration,
			RateLimitMaxEntries: DefaultRateLimitMaxEntries,
		},
		Signaling: SignalingConfig{
			Path:                 DefaultWSPath,
			MaxMessageBytes:      DefaultMaxSignalingMessageBytes,
			MaxMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
			PingInterval:         DefaultWSPingInterval,
			IdleTimeout:          DefaultWSIdleTimeout,
			WriteTimeout:         DefaultWSWriteTimeout,
			SendQueueSize:        DefaultSendQueueSize,
		},
		TURNREST: TurnRESTConfig{
			TTLSeconds:     DefaultTURNRESTTTLSeconds,
			UsernamePrefix: DefaultTURNRESTUsernamePrefix,
		},
	}
}

// ICEConfigError reports an invalid ICE server configuration. The service
// still starts, but readiness fails until it is fixed.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// loadFile overlays the YAML file at path onto c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

// finalize normalizes parsed values, fills mode-dependent defaults and
// resolves ICE servers.
func (c *Config) finalize() error {
	mode, err := parseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode

	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormatForMode(c.Mode)
	}
	if c.LogFormat, err = parseLogFormat(string(c.LogFormat)); err != nil {
		return err
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevelForMode(c.Mode)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}

	origins, err := normalizeAllowedOrigins(c.AllowedOrigins)
	if err != nil {
		return errors.Wrap(err, "allowed origins")
	}
	c.AllowedOrigins = origins

	c.ICEServers, c.iceConfigErr = parseICEServersFromValues(c.ICE, c.TURNREST.Enabled())
	return nil
}

// Validate checks that every setting is within its supported range.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ListenAddr) == "":
		return errors.New("listen address must not be empty")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown timeout must be > 0")
	case c.Room.Capacity < 2:
		return errors.Errorf("room capacity must be >= 2, got %d", c.Room.Capacity)
	case c.Room.CodeLength < minCodeLength || c.Room.CodeLength > maxCodeLength:
		return errors.Errorf("code length must be between %d and %d, got %d", minCodeLength, maxCodeLength, c.Room.CodeLength)
	case c.Room.SessionMaxAge <= 0:
		return errors.New("session max age must be > 0")
	case c.Room.SweepInterval <= 0:
		return errors.New("sweep interval must be > 0")
	case c.Room.MaxFailedAttempts <= 0:
		return errors.New("max failed attempts must be > 0")
	case c.Room.LockoutDuration <= 0:
		return errors.New("lockout duration must be > 0")
	case c.Room.RateLimitMaxEntries <= 0:
		return errors.New("rate limit max entries must be > 0")
	case !strings.HasPrefix(c.Signaling.Path, "/"):
		return errors.Errorf("websocket path must start with '/', got %q", c.Signaling.Path)
	case c.Signaling.MaxMessageBytes <= 0:
		return errors.New("max signaling message bytes must be > 0")
	case c.Signaling.MaxMessagesPerSecond <= 0:
		return errors.New("max signaling messages per second must be > 0")
	case c.Signaling.PingInterval <= 0 || c.Signaling.IdleTimeout <= 0 || c.Signaling.WriteTimeout <= 0:
		return errors.New("websocket ping interval, idle timeout and write timeout must be > 0")
	case c.Signaling.PingInterval >= c.Signaling.IdleTimeout:
		return errors.Errorf("websocket ping interval (%s) must be shorter than the idle timeout (%s)",
			c.Signaling.PingInterval, c.Signaling.IdleTimeout)
	case c.Signaling.SendQueueSize <= 0:
		return errors.New("send queue size must be > 0")
	}

	if c.TURNREST.Enabled() {
		switch {
		case c.TURNREST.TTLSeconds <= 0:
			return errors.New("TURN REST ttl must be > 0 when a shared secret is set")
		case strings.TrimSpace(c.TURNREST.UsernamePrefix) == "":
			return errors.New("TURN REST username prefix must be non-empty when a shared secret is set")
		case strings.Contains(c.TURNREST.UsernamePrefix, ":"):
			return errors.New("TURN REST username prefix must not contain ':'")
		}
	}
	return nil
}

// NewLogger builds the process logger: JSON in json format, a console encoder
// otherwise.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}

	var zc zap.Config
	switch cfg.LogFormat {
	case LogFormatJSON:
		zc = zap.NewProductionConfig()
	case LogFormatText:
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, errors.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func defaultLogFormatForMode(mode Mode) LogFormat {
	if mode == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", errors.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText), "console":
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", errors.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func normalizeAllowedOrigins(entries []string) ([]string, error) {
	var out []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalized == "null" {
			return nil, errors.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
