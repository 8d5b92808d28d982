package main

import (
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/config"
)

func logStartupWarnings(logger *zap.Logger, cfg config.Config) {
	mode := zap.String("mode", string(cfg.Mode))

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: allowed-origins contains '*' (any site can open signaling sockets)",
			zap.String("warningCode", "allowed_origins_wildcard"),
			zap.Strings("allowedOrigins", cfg.AllowedOrigins),
			mode,
		)
	}

	if cfg.TrustForwardedFor {
		// a spoofed header lets a client dodge or frame others for lockouts
		logger.Warn("startup security warning: trust-forwarded-for is on; only enable it behind a proxy that overwrites X-Forwarded-For",
			zap.String("warningCode", "trust_forwarded_for"),
			mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 && cfg.ICEConfigError() == nil {
		logger.Warn("startup warning: no ICE servers configured; peers behind NAT will fail to connect",
			zap.String("warningCode", "no_ice_servers"),
			mode,
		)
	}

	if cfg.Room.MaxFailedAttempts > 20 {
		logger.Warn("startup security warning: max-failed-attempts is very high (weakens room code brute-force protection)",
			zap.String("warningCode", "max_failed_attempts_high"),
			zap.Int("maxFailedAttempts", cfg.Room.MaxFailedAttempts),
			mode,
		)
	}

	if cfg.Signaling.MaxMessageBytes > 1<<20 {
		logger.Warn("startup security warning: max-signaling-message-bytes is very large (increases per-frame allocation risk)",
			zap.String("warningCode", "signaling_message_bytes_large"),
			zap.Int64("maxSignalingMessageBytes", cfg.Signaling.MaxMessageBytes),
			mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
