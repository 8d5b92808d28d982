package signaling

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/metrics"
	"github.com/huddlecall/huddle-signal/internal/origin"
	"github.com/huddlecall/huddle-signal/internal/ratelimit"
	"github.com/huddlecall/huddle-signal/internal/room"
)

const (
	DefaultPath                 = "/ws"
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultSendQueueSize        = 64
)

// Config wires together the runtime dependencies for the signaling endpoint.
type Config struct {
	Rooms   *room.Service
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Clock drives the per-connection frame limiter.
	Clock clock.Clock

	Path string

	// AllowedOrigins lists normalized browser origins allowed to connect. Empty
	// means same host only. Requests without an Origin header are accepted.
	AllowedOrigins []string
	// TrustForwardedFor takes the client address from the first
	// X-Forwarded-For hop instead of the socket peer.
	TrustForwardedFor bool

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	WriteTimeout         time.Duration
	SendQueueSize        int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

// Server accepts signaling WebSockets and feeds their frames to the room
// service.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET "+s.cfg.Path, s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	addr := clientAddr(r, s.cfg.TrustForwardedFor)
	id := uuid.NewString()
	c := newWSConn(s, ws, addr, s.logger.With(zap.String("connId", id), zap.String("addr", addr)))

	s.track(c)
	s.cfg.Metrics.ConnOpened()
	c.logger.Debug("connection opened")

	go c.writePump()
	c.readPump()

	<-c.done
	s.untrack(c)
	s.cfg.Metrics.ConnClosed()
	c.logger.Debug("connection closed")
}

// Close closes every open signaling connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	normalized, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins)
	if !ok {
		s.logger.Debug("rejected websocket origin", zap.String("origin", normalized))
	}
	return ok
}

// clientAddr identifies the caller for join throttling.
func clientAddr(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if i := strings.IndexByte(xff, ','); i >= 0 {
				first = xff[:i]
			}
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) newFrameLimiter() *ratelimit.FrameLimiter {
	return ratelimit.NewFrameLimiter(s.cfg.Clock, s.cfg.MaxMessagesPerSecond)
}
