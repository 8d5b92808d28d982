package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/metrics"
	"github.com/huddlecall/huddle-signal/internal/protocol"
	"github.com/huddlecall/huddle-signal/internal/ratelimit"
	"github.com/huddlecall/huddle-signal/internal/room"
)

// wsConn is one signaling WebSocket. The read pump owns the session fields;
// everything written to the socket goes through the write pump.
type wsConn struct {
	srv     *Server
	ws      *websocket.Conn
	addr    string
	logger  *zap.Logger
	limiter *ratelimit.FrameLimiter

	send    chan []byte
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// session, set once on the first successful join
	joined bool
	code   string
	peerID string
}

func newWSConn(srv *Server, ws *websocket.Conn, addr string, logger *zap.Logger) *wsConn {
	return &wsConn{
		srv:     srv,
		ws:      ws,
		addr:    addr,
		logger:  logger,
		limiter: srv.newFrameLimiter(),
		send:    make(chan []byte, srv.cfg.SendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send queues frame for the write pump. It never blocks; a closed or full
// connection drops the frame.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Debug("send queue full, dropping frame")
		return false
	}
}

// Close flushes queued frames, then closes with a normal closure.
func (c *wsConn) Close(reason string) {
	c.closeWith(websocket.CloseNormalClosure, reason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

func (c *wsConn) readPump() {
	defer func() {
		if c.joined {
			c.srv.cfg.Rooms.Leave(c.code, c.peerID, c)
		}
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	cfg := c.srv.cfg
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.logger.Debug("idle timeout")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.logger.Info("frame exceeds read limit", zap.Int64("limit", cfg.MaxMessageBytes))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Limit after the read so the close frame is not lost behind unread
		// bytes.
		if !c.limiter.Allow() {
			cfg.Metrics.DroppedFrame(metrics.DropReasonRateLimited)
			c.logger.Info("signaling rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.DroppedFrame(metrics.DropReasonBinary)
			c.logger.Debug("ignoring non-text frame")
			continue
		}
		c.handle(data)
	}
}

func (c *wsConn) handle(data []byte) {
	in, err := protocol.Parse(data)
	if err != nil {
		c.srv.cfg.Metrics.DroppedFrame(metrics.DropReasonMalformed)
		c.logger.Debug("ignoring malformed frame", zap.String("type", string(in.Type)), zap.Error(err))
		return
	}

	switch {
	case in.Join != nil:
		c.handleJoin(*in.Join)
	case in.Relay != nil:
		if !c.joined {
			c.srv.cfg.Metrics.DroppedFrame(metrics.DropReasonUnjoined)
			return
		}
		c.srv.cfg.Rooms.Relay(c.code, c.peerID, c, *in.Relay)
	}
}

func (c *wsConn) handleJoin(join protocol.Join) {
	if c.joined {
		frame, err := protocol.Encode(protocol.JoinedFailure(
			room.Reason(room.ErrAlreadyJoined),
			"This connection has already joined a room.",
			0,
		))
		if err == nil {
			c.Send(frame)
		}
		return
	}

	code := join.RoomCode()
	err := c.srv.cfg.Rooms.Join(room.JoinRequest{
		Addr: c.addr,
		Code: code,
		Peer: join.Peer(),
		Conn: c,
	})
	if err != nil {
		c.logger.Debug("join rejected", zap.String("code", code), zap.Error(err))
		return
	}
	c.joined = true
	c.code = code
	c.peerID = join.PeerID
}

func (c *wsConn) writePump() {
	cfg := c.srv.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.closing:
			if err := c.flush(); err != nil {
				return
			}
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

func (c *wsConn) flush() error {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
