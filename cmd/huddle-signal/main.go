package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/config"
	"github.com/huddlecall/huddle-signal/internal/httpserver"
	"github.com/huddlecall/huddle-signal/internal/metrics"
	"github.com/huddlecall/huddle-signal/internal/ratelimit"
	"github.com/huddlecall/huddle-signal/internal/room"
	"github.com/huddlecall/huddle-signal/internal/signaling"
	"github.com/huddlecall/huddle-signal/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	app := &cli.App{
		Name:   "huddle-signal",
		Usage:  "signaling server for small code-joined voice calls",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return cli.Exit(err, 2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return cli.Exit(err, 2)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting huddle-signal",
		zap.String("listenAddr", cfg.ListenAddr),
		zap.String("mode", string(cfg.Mode)),
		zap.String("wsPath", cfg.Signaling.Path),
		zap.Int("codeLength", cfg.Room.CodeLength),
		zap.Int("capacity", cfg.Room.Capacity),
		zap.Duration("sessionMaxAge", cfg.Room.SessionMaxAge),
		zap.Int("iceServers", len(cfg.ICEServers)),
		zap.Bool("turnRest", cfg.TURNREST.Enabled()),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; readiness will fail", zap.Error(err))
	}
	logStartupWarnings(logger, cfg)

	clk := clock.New()
	m := metrics.New()

	lockouts, err := ratelimit.NewLockouts(ratelimit.LockoutConfig{
		MaxAttempts:     cfg.Room.MaxFailedAttempts,
		LockoutDuration: cfg.Room.LockoutDuration,
		MaxEntries:      cfg.Room.RateLimitMaxEntries,
		Clock:           clk,
		Logger:          logger.Named("ratelimit"),
		OnLockout:       func(string) { m.Lockout() },
	})
	if err != nil {
		return cli.Exit(err, 2)
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
			Clock:          clk,
		})
		if err != nil {
			return cli.Exit(errors.Wrap(err, "configuring TURN REST"), 2)
		}
	}

	svc := room.NewService(room.ServiceParams{
		Config: room.Config{
			CodeLength:    cfg.Room.CodeLength,
			Capacity:      cfg.Room.Capacity,
			SessionMaxAge: cfg.Room.SessionMaxAge,
		},
		Lockouts: lockouts,
		Clock:    clk,
		Logger:   logger.Named("room"),
		Metrics:  m,
	})
	sweeper := room.NewSweeper(svc, cfg.Room.SweepInterval, clk)

	sig := signaling.NewServer(signaling.Config{
		Rooms:                svc,
		Logger:               logger.Named("signaling"),
		Metrics:              m,
		Clock:                clk,
		Path:                 cfg.Signaling.Path,
		AllowedOrigins:       cfg.AllowedOrigins,
		TrustForwardedFor:    cfg.TrustForwardedFor,
		MaxMessageBytes:      cfg.Signaling.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.Signaling.MaxMessagesPerSecond,
		PingInterval:         cfg.Signaling.PingInterval,
		IdleTimeout:          cfg.Signaling.IdleTimeout,
		WriteTimeout:         cfg.Signaling.WriteTimeout,
		SendQueueSize:        cfg.Signaling.SendQueueSize,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		ICEServers:     cfg.ICEServers,
		ICEConfigErr:   cfg.ICEConfigError(),
		TURNREST:       turnGen,
		Metrics:        m,
		Build:          httpserver.BuildInfo{Commit: commit, BuildTime: built},
	}, logger.Named("http"))
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return cli.Exit(errors.Wrapf(err, "listening on %s", cfg.ListenAddr), 1)
	}

	sweeper.Start()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		sweeper.Stop()
		svc.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return cli.Exit(errors.Wrap(err, "http server exited"), 1)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	// hijacked WebSockets outlive http.Server.Shutdown
	sig.Close()
	sweeper.Stop()
	svc.Close()

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		return cli.Exit(errors.Wrap(err, "http server exited after shutdown"), 1)
	}
	logger.Info("shutdown complete")
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; fall back to VCS stamps for `go run` and dev builds
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
