package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// loadFromArgs runs a throwaway cli.App so flags and env vars are parsed the
// same way the binary parses them.
func loadFromArgs(t *testing.T, args ...string) (Config, error) {
	t.Helper()

	var (
		cfg     Config
		loadErr error
	)
	app := &cli.App{
		Name:  "huddle-signal",
		Flags: Flags(),
		Action: func(c *cli.Context) error {
			cfg, loadErr = FromCLI(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"huddle-signal"}, args...)))
	return cfg, loadErr
}

func TestFromCLI_Defaults(t *testing.T) {
	cfg, err := loadFromArgs(t)
	require.NoError(t, err)

	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, ModeDev, cfg.Mode)
	require.Equal(t, LogFormatText, cfg.LogFormat)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 6, cfg.Room.CodeLength)
	require.Equal(t, 4, cfg.Room.Capacity)
	require.Equal(t, 4*time.Hour, cfg.Room.SessionMaxAge)
	require.Equal(t, time.Minute, cfg.Room.SweepInterval)
	require.Equal(t, 5, cfg.Room.MaxFailedAttempts)
	require.Equal(t, 5*time.Minute, cfg.Room.LockoutDuration)
	require.Equal(t, "/ws", cfg.Signaling.Path)
	require.Equal(t, int64(64*1024), cfg.Signaling.MaxMessageBytes)
	require.Equal(t, 50, cfg.Signaling.MaxMessagesPerSecond)
	require.False(t, cfg.TrustForwardedFor)
	require.Empty(t, cfg.AllowedOrigins)
	require.Empty(t, cfg.ICEServers)
	require.NoError(t, cfg.ICEConfigError())
}

func TestFromCLI_ProdModeDefaults(t *testing.T) {
	cfg, err := loadFromArgs(t, "--mode", "production")
	require.NoError(t, err)
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, LogFormatJSON, cfg.LogFormat)
	require.Equal(t, "info", cfg.LogLevel)

	cfg, err = loadFromArgs(t, "--mode", "prod", "--log-format", "text", "--log-level", "warn")
	require.NoError(t, err)
	require.Equal(t, LogFormatText, cfg.LogFormat)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestFromCLI_Flags(t *testing.T) {
	cfg, err := loadFromArgs(t,
		"--listen-addr", "0.0.0.0:9000",
		"--code-length", "4",
		"--room-capacity", "3",
		"--session-max-age", "2h",
		"--lockout-duration", "1m",
		"--allowed-origins", "https://Huddle.Example:443",
		"--allowed-origins", "http://localhost:5173",
		"--trust-forwarded-for",
		"--ws-path", "/signal",
	)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.Equal(t, 4, cfg.Room.CodeLength)
	require.Equal(t, 3, cfg.Room.Capacity)
	require.Equal(t, 2*time.Hour, cfg.Room.SessionMaxAge)
	require.Equal(t, time.Minute, cfg.Room.LockoutDuration)
	require.Equal(t, []string{"https://huddle.example", "http://localhost:5173"}, cfg.AllowedOrigins)
	require.True(t, cfg.TrustForwardedFor)
	require.Equal(t, "/signal", cfg.Signaling.Path)
}

func TestFromCLI_EnvVars(t *testing.T) {
	t.Setenv("HUDDLE_CODE_LENGTH", "8")
	t.Setenv("HUDDLE_MAX_FAILED_ATTEMPTS", "3")
	t.Setenv("HUDDLE_STUN_URLS", "stun:stun.example.com:3478")

	cfg, err := loadFromArgs(t)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Room.CodeLength)
	require.Equal(t, 3, cfg.Room.MaxFailedAttempts)
	require.Len(t, cfg.ICEServers, 1)
}

func TestFromCLI_YAMLFileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7000"
mode: prod
room:
  code_length: 4
  session_max_age: 90m
signaling:
  max_messages_per_second: 10
turn_rest:
  shared_secret: s3cret
ice:
  turn_urls: "turn:turn.example.com:3478"
`), 0o600))

	cfg, err := loadFromArgs(t, "--config", path, "--code-length", "5")
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, 5, cfg.Room.CodeLength, "explicit flag wins over the file")
	require.Equal(t, 90*time.Minute, cfg.Room.SessionMaxAge)
	require.Equal(t, 4, cfg.Room.Capacity, "unset keys keep their defaults")
	require.Equal(t, 10, cfg.Signaling.MaxMessagesPerSecond)
	require.True(t, cfg.TURNREST.Enabled())
	require.NoError(t, cfg.ICEConfigError())
	require.Len(t, cfg.ICEServers, 1)
}

func TestFromCLI_YAMLRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("room:\n  capacty: 4\n"), 0o600))

	_, err := loadFromArgs(t, "--config", path)
	require.Error(t, err)

	_, err = loadFromArgs(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFromCLI_InvalidICEIsDeferred(t *testing.T) {
	cfg, err := loadFromArgs(t, "--turn-urls", "turn:turn.example.com:3478")
	require.NoError(t, err)
	require.Error(t, cfg.ICEConfigError())
	require.Empty(t, cfg.ICEServers)
}

func TestFromCLI_Rejects(t *testing.T) {
	cases := map[string][]string{
		"bad mode":           {"--mode", "staging"},
		"bad log format":     {"--log-format", "xml"},
		"bad log level":      {"--log-level", "loud"},
		"bad origin":         {"--allowed-origins", "not an origin"},
		"capacity too small": {"--room-capacity", "1"},
		"code too short":     {"--code-length", "3"},
		"code too long":      {"--code-length", "13"},
		"zero max age":       {"--session-max-age", "0s"},
		"ping after idle":    {"--ws-ping-interval", "2m"},
		"relative path":      {"--ws-path", "ws"},
		"prefix with colon":  {"--turn-rest-shared-secret", "x", "--turn-rest-username-prefix", "a:b"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadFromArgs(t, args...)
			require.Error(t, err)
		})
	}
}

func TestEnvVar(t *testing.T) {
	require.Equal(t, "HUDDLE_MAX_SIGNALING_MESSAGES_PER_SECOND", EnvVar(FlagMaxSignalingMessagesPerSecond))
	require.Equal(t, "HUDDLE_CONFIG", EnvVar(FlagConfig))
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: "info"})
		require.NoError(t, err)
		require.NotNil(t, logger)
	}

	_, err := NewLogger(Config{LogFormat: "xml", LogLevel: "info"})
	require.Error(t, err)
	_, err = NewLogger(Config{LogFormat: LogFormatJSON, LogLevel: "loud"})
	require.Error(t, err)
}
