package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/urfave/negroni/v3"
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/metrics"
	"github.com/huddlecall/huddle-signal/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Config struct {
	ListenAddr string
	// AllowedOrigins lists normalized origins for /webrtc/ice. Empty means
	// same host only.
	AllowedOrigins []string

	ICEServers []webrtc.ICEServer
	// ICEConfigErr keeps the process up but fails readiness and /webrtc/ice.
	ICEConfigErr error
	// TURNREST, when set, replaces credentials on TURN entries per request.
	TURNREST *turnrest.Generator

	Metrics *metrics.Metrics
	Build   BuildInfo
}

type Server struct {
	log   *zap.Logger
	cfg   Config
	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		log: logger,
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()

	n := negroni.New()
	n.Use(newRecovery(s.log))
	n.Use(requestLogger(s.log))
	n.Use(s.corsMiddleware())
	n.UseHandler(s.mux)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           n,
		ReadHeaderTimeout: 5 * time.Second,
		// no read/write timeouts: /ws connections are long-lived
	}
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", zap.String("addr", l.Addr().String()))
	return s.srv.Serve(l)
}

// Shutdown flips readiness first so load balancers stop routing here, then
// drains in-flight requests. Hijacked WebSockets are not tracked by
// http.Server and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigErr; err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.cfg.Build)
	})
	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	s.mux.Handle("GET /metrics", metrics.Handler(s.cfg.Metrics))
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
