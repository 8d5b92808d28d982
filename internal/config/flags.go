package config

import (
	"time"

	"github.com/urfave/cli/v2"
)

const envPrefix = "HUDDLE_"

const (
	FlagConfig            = "config"
	FlagListenAddr        = "listen-addr"
	FlagMode              = "mode"
	FlagLogFormat         = "log-format"
	FlagLogLevel          = "log-level"
	FlagShutdownTimeout   = "shutdown-timeout"
	FlagAllowedOrigins    = "allowed-origins"
	FlagTrustForwardedFor = "trust-forwarded-for"

	FlagCodeLength          = "code-length"
	FlagRoomCapacity        = "room-capacity"
	FlagSessionMaxAge       = "session-max-age"
	FlagSweepInterval       = "sweep-interval"
	FlagMaxFailedAttempts   = "max-failed-attempts"
	FlagLockoutDuration     = "lockout-duration"
	FlagRateLimitMaxEntries = "rate-limit-max-entries"

	FlagWSPath                        = "ws-path"
	FlagMaxSignalingMessageBytes      = "max-signaling-message-bytes"
	FlagMaxSignalingMessagesPerSecond = "max-signaling-messages-per-second"
	FlagWSPingInterval                = "ws-ping-interval"
	FlagWSIdleTimeout                 = "ws-idle-timeout"
	FlagWSWriteTimeout                = "ws-write-timeout"
	FlagWSSendQueueSize               = "ws-send-queue-size"

	FlagICEServersJSON = "ice-servers-json"
	FlagStunURLs       = "stun-urls"
	FlagTurnURLs       = "turn-urls"
	FlagTurnUsername   = "turn-username"
	FlagTurnCredential = "turn-credential"

	FlagTURNRESTSharedSecret   = "turn-rest-shared-secret"
	FlagTURNRESTTTLSeconds     = "turn-rest-ttl-seconds"
	FlagTURNRESTUsernamePrefix = "turn-rest-username-prefix"
)

// EnvVar returns the environment variable that backs flag name.
func EnvVar(name string) string {
	out := []byte(envPrefix)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '-':
			c = '_'
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func env(name string) []string {
	return []string{EnvVar(name)}
}

// Flags returns the command line flags understood by FromCLI. Every flag can
// also be set through its HUDDLE_* environment variable.
func Flags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		&cli.StringFlag{Name: FlagConfig, Usage: "path to a YAML config file", EnvVars: env(FlagConfig)},
		&cli.StringFlag{Name: FlagListenAddr, Usage: "HTTP listen address", Value: d.ListenAddr, EnvVars: env(FlagListenAddr)},
		&cli.StringFlag{Name: FlagMode, Usage: "run mode: dev or prod", Value: string(d.Mode), EnvVars: env(FlagMode)},
		&cli.StringFlag{Name: FlagLogFormat, Usage: "log format: text or json (default depends on mode)", EnvVars: env(FlagLogFormat)},
		&cli.StringFlag{Name: FlagLogLevel, Usage: "log level (default depends on mode)", EnvVars: env(FlagLogLevel)},
		&cli.DurationFlag{Name: FlagShutdownTimeout, Usage: "graceful shutdown timeout", Value: d.ShutdownTimeout, EnvVars: env(FlagShutdownTimeout)},
		&cli.StringSliceFlag{Name: FlagAllowedOrigins, Usage: "browser origins allowed to connect (default: same host)", EnvVars: env(FlagAllowedOrigins)},
		&cli.BoolFlag{Name: FlagTrustForwardedFor, Usage: "take the client address from X-Forwarded-For", EnvVars: env(FlagTrustForwardedFor)},

		&cli.IntFlag{Name: FlagCodeLength, Usage: "number of digits in a room code", Value: d.Room.CodeLength, EnvVars: env(FlagCodeLength)},
		&cli.IntFlag{Name: FlagRoomCapacity, Usage: "maximum participants per room", Value: d.Room.Capacity, EnvVars: env(FlagRoomCapacity)},
		&cli.DurationFlag{Name: FlagSessionMaxAge, Usage: "age after which a locked session is expired", Value: d.Room.SessionMaxAge, EnvVars: env(FlagSessionMaxAge)},
		&cli.DurationFlag{Name: FlagSweepInterval, Usage: "expiration sweep interval", Value: d.Room.SweepInterval, EnvVars: env(FlagSweepInterval)},
		&cli.IntFlag{Name: FlagMaxFailedAttempts, Usage: "failed joins before an address is locked out", Value: d.Room.MaxFailedAttempts, EnvVars: env(FlagMaxFailedAttempts)},
		&cli.DurationFlag{Name: FlagLockoutDuration, Usage: "lockout duration", Value: d.Room.LockoutDuration, EnvVars: env(FlagLockoutDuration)},
		&cli.IntFlag{Name: FlagRateLimitMaxEntries, Usage: "maximum tracked client addresses", Value: d.Room.RateLimitMaxEntries, EnvVars: env(FlagRateLimitMaxEntries)},

		&cli.StringFlag{Name: FlagWSPath, Usage: "signaling WebSocket path", Value: d.Signaling.Path, EnvVars: env(FlagWSPath)},
		&cli.Int64Flag{Name: FlagMaxSignalingMessageBytes, Usage: "maximum inbound signaling frame size", Value: d.Signaling.MaxMessageBytes, EnvVars: env(FlagMaxSignalingMessageBytes)},
		&cli.IntFlag{Name: FlagMaxSignalingMessagesPerSecond, Usage: "maximum inbound signaling frames per second per connection", Value: d.Signaling.MaxMessagesPerSecond, EnvVars: env(FlagMaxSignalingMessagesPerSecond)},
		&cli.DurationFlag{Name: FlagWSPingInterval, Usage: "WebSocket ping interval", Value: d.Signaling.PingInterval, EnvVars: env(FlagWSPingInterval)},
		&cli.DurationFlag{Name: FlagWSIdleTimeout, Usage: "close connections idle for this long", Value: d.Signaling.IdleTimeout, EnvVars: env(FlagWSIdleTimeout)},
		&cli.DurationFlag{Name: FlagWSWriteTimeout, Usage: "per-frame write deadline", Value: d.Signaling.WriteTimeout, EnvVars: env(FlagWSWriteTimeout)},
		&cli.IntFlag{Name: FlagWSSendQueueSize, Usage: "outbound frames queued per connection", Value: d.Signaling.SendQueueSize, EnvVars: env(FlagWSSendQueueSize)},

		&cli.StringFlag{Name: FlagICEServersJSON, Usage: "ICE servers as a JSON array of RTCIceServer", EnvVars: env(FlagICEServersJSON)},
		&cli.StringFlag{Name: FlagStunURLs, Usage: "comma-separated STUN URLs", EnvVars: env(FlagStunURLs)},
		&cli.StringFlag{Name: FlagTurnURLs, Usage: "comma-separated TURN URLs", EnvVars: env(FlagTurnURLs)},
		&cli.StringFlag{Name: FlagTurnUsername, Usage: "TURN username", EnvVars: env(FlagTurnUsername)},
		&cli.StringFlag{Name: FlagTurnCredential, Usage: "TURN credential", EnvVars: env(FlagTurnCredential)},

		&cli.StringFlag{Name: FlagTURNRESTSharedSecret, Usage: "coturn static-auth-secret for TURN REST credentials", EnvVars: env(FlagTURNRESTSharedSecret)},
		&cli.Int64Flag{Name: FlagTURNRESTTTLSeconds, Usage: "TURN REST credential lifetime in seconds", Value: d.TURNREST.TTLSeconds, EnvVars: env(FlagTURNRESTTTLSeconds)},
		&cli.StringFlag{Name: FlagTURNRESTUsernamePrefix, Usage: "TURN REST username prefix", Value: d.TURNREST.UsernamePrefix, EnvVars: env(FlagTURNRESTUsernamePrefix)},
	}
}

// FromCLI builds the configuration: defaults, then the optional YAML file,
// then every flag or environment variable that was explicitly set.
func FromCLI(c *cli.Context) (Config, error) {
	cfg := Default()
	if path := c.String(FlagConfig); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	setString(c, FlagListenAddr, &cfg.ListenAddr)
	if c.IsSet(FlagMode) {
		cfg.Mode = Mode(c.String(FlagMode))
	}
	if c.IsSet(FlagLogFormat) {
		cfg.LogFormat = LogFormat(c.String(FlagLogFormat))
	}
	setString(c, FlagLogLevel, &cfg.LogLevel)
	setDuration(c, FlagShutdownTimeout, &cfg.ShutdownTimeout)
	if c.IsSet(FlagAllowedOrigins) {
		cfg.AllowedOrigins = c.StringSlice(FlagAllowedOrigins)
	}
	if c.IsSet(FlagTrustForwardedFor) {
		cfg.TrustForwardedFor = c.Bool(FlagTrustForwardedFor)
	}

	setInt(c, FlagCodeLength, &cfg.Room.CodeLength)
	setInt(c, FlagRoomCapacity, &cfg.Room.Capacity)
	setDuration(c, FlagSessionMaxAge, &cfg.Room.SessionMaxAge)
	setDuration(c, FlagSweepInterval, &cfg.Room.SweepInterval)
	setInt(c, FlagMaxFailedAttempts, &cfg.Room.MaxFailedAttempts)
	setDuration(c, FlagLockoutDuration, &cfg.Room.LockoutDuration)
	setInt(c, FlagRateLimitMaxEntries, &cfg.Room.RateLimitMaxEntries)

	setString(c, FlagWSPath, &cfg.Signaling.Path)
	if c.IsSet(FlagMaxSignalingMessageBytes) {
		cfg.Signaling.MaxMessageBytes = c.Int64(FlagMaxSignalingMessageBytes)
	}
	setInt(c, FlagMaxSignalingMessagesPerSecond, &cfg.Signaling.MaxMessagesPerSecond)
	setDuration(c, FlagWSPingInterval, &cfg.Signaling.PingInterval)
	setDuration(c, FlagWSIdleTimeout, &cfg.Signaling.IdleTimeout)
	setDuration(c, FlagWSWriteTimeout, &cfg.Signaling.WriteTimeout)
	setInt(c, FlagWSSendQueueSize, &cfg.Signaling.SendQueueSize)

	setString(c, FlagICEServersJSON, &cfg.ICE.ServersJSON)
	setString(c, FlagStunURLs, &cfg.ICE.StunURLs)
	setString(c, FlagTurnURLs, &cfg.ICE.TurnURLs)
	setString(c, FlagTurnUsername, &cfg.ICE.TurnUsername)
	setString(c, FlagTurnCredential, &cfg.ICE.TurnCredential)

	setString(c, FlagTURNRESTSharedSecret, &cfg.TURNREST.SharedSecret)
	if c.IsSet(FlagTURNRESTTTLSeconds) {
		cfg.TURNREST.TTLSeconds = c.Int64(FlagTURNRESTTTLSeconds)
	}
	setString(c, FlagTURNRESTUsernamePrefix, &cfg.TURNREST.UsernamePrefix)

	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func setInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

func setDuration(c *cli.Context, name string, dst *time.Duration) {
	if c.IsSet(name) {
		*dst = c.Duration(name)
	}
}
