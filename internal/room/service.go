package room

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/huddlecall/huddle-signal/internal/metrics"
	"github.com/huddlecall/huddle-signal/internal/protocol"
	"github.com/huddlecall/huddle-signal/internal/ratelimit"
)

const (
	DefaultCodeLength    = 6
	DefaultCapacity      = 4
	DefaultSessionMaxAge = 4 * time.Hour

	MaxPeerIDLength   = 128
	MaxNicknameLength = 64
	MaxAvatarBytes    = 2048
)

// Config sizes rooms. Zero fields fall back to the Default constants.
type Config struct {
	CodeLength    int
	Capacity      int
	SessionMaxAge time.Duration
}

// ServiceParams are the dependencies of a Service. Any of them may be left
// nil; a nil Lockouts gets a table with default limits.
type ServiceParams struct {
	Config   Config
	Lockouts *ratelimit.Lockouts
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Service owns the room table, the session lock and the join lockouts. Every
// exported method runs as one critical section, so callers on different
// goroutines observe a single serial order of operations.
type Service struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	lockouts *ratelimit.Lockouts

	mu    sync.Mutex
	rooms *table
	lock  *sessionLock
}

// NewService builds a Service with no rooms and no session lock.
func NewService(p ServiceParams) *Service {
	if p.Config.CodeLength <= 0 {
		p.Config.CodeLength = DefaultCodeLength
	}
	if p.Config.Capacity <= 0 {
		p.Config.Capacity = DefaultCapacity
	}
	if p.Config.SessionMaxAge <= 0 {
		p.Config.SessionMaxAge = DefaultSessionMaxAge
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Lockouts == nil {
		// defaults never fail
		p.Lockouts, _ = ratelimit.NewLockouts(ratelimit.LockoutConfig{Clock: p.Clock, Logger: p.Logger})
	}
	return &Service{
		cfg:      p.Config,
		clock:    p.Clock,
		logger:   p.Logger,
		metrics:  p.Metrics,
		lockouts: p.Lockouts,
		rooms:    newTable(),
		lock: &sessionLock{
			capacity: p.Config.Capacity,
			logger:   p.Logger,
		},
	}
}

// JoinRequest is one join attempt. Addr is the client address lockouts are
// keyed on; Conn receives the joined reply.
type JoinRequest struct {
	Addr string
	Code string
	Peer protocol.PeerInfo
	Conn Conn
}

// Join admits req.Conn into the room behind req.Code. The joined reply, success
// or failure, is queued on req.Conn before Join returns; existing members are
// sent peer-joined first.
func (s *Service) Join(req JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.joinLocked(req)
	if err != nil {
		s.metrics.JoinAttempt(Reason(err))
		s.reject(req.Conn, err)
		return err
	}
	s.metrics.JoinAttempt("ok")
	s.publishLocked()
	return nil
}

func (s *Service) joinLocked(req JoinRequest) error {
	if !s.validCode(req.Code) {
		return &JoinError{
			Err:     ErrInvalidCode,
			Message: fmt.Sprintf("Invalid code. Please use %d digits.", s.cfg.CodeLength),
		}
	}
	if err := validatePeer(req.Peer); err != nil {
		return err
	}

	if d := s.lockouts.Check(req.Addr); !d.Allowed {
		return &JoinError{Err: ErrRateLimited, Message: d.Error, RetryAfter: d.RemainingSeconds}
	}

	if err := s.lock.canJoin(req.Code, s.rooms); err != nil {
		if countsAsFailure(err) {
			s.lockouts.RecordFailure(req.Addr)
		}
		s.logger.Debug("join denied",
			zap.String("addr", req.Addr),
			zap.String("code", req.Code),
			zap.Error(err),
		)
		return err
	}

	if r := s.rooms.get(req.Code); r != nil {
		if _, taken := r.members[req.Peer.PeerID]; taken {
			return &JoinError{Err: ErrDuplicatePeer, Message: "That peer id is already in this room."}
		}
	}

	s.lockouts.Clear(req.Addr)

	r := s.rooms.getOrCreate(req.Code, s.clock.Now())
	existing := r.infos()
	s.broadcast(r, protocol.PeerJoined{Type: protocol.TypePeerJoined, PeerInfo: req.Peer})
	s.rooms.addPeer(r, req.Peer, req.Conn)
	s.lock.lockIfNeeded(req.Code, s.rooms)

	s.send(req.Conn, protocol.JoinedOK(r.Size(), existing))
	s.logger.Info("peer joined",
		zap.String("code", req.Code),
		zap.String("peerId", req.Peer.PeerID),
		zap.Int("roomSize", r.Size()),
	)
	return nil
}

// Leave removes a departed connection from its room. It is a no-op when conn
// no longer holds peerID, e.g. after the room was expired.
func (s *Service) Leave(code, peerID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, removed := s.rooms.removePeer(code, peerID, conn)
	if !removed {
		return
	}
	s.logger.Info("peer left",
		zap.String("code", code),
		zap.String("peerId", peerID),
		zap.Int("roomSize", r.Size()),
	)
	if r.Size() == 0 {
		s.lock.unlockIfEmpty(code, s.rooms)
	} else {
		s.broadcast(r, protocol.PeerLeft{Type: protocol.TypePeerLeft, PeerID: peerID})
	}
	s.publishLocked()
}

// Relay forwards msg from the sender to msg.To within the same room. It
// reports whether the frame was queued for delivery.
func (s *Service) Relay(code, fromPeerID string, from Conn, msg protocol.Relay) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := s.relayLocked(code, fromPeerID, from, msg)
	if delivered {
		s.metrics.Relayed(string(msg.Type), metrics.RelayDelivered)
	} else {
		s.metrics.Relayed(string(msg.Type), metrics.RelayDropped)
	}
	return delivered
}

func (s *Service) relayLocked(code, fromPeerID string, from Conn, msg protocol.Relay) bool {
	r := s.rooms.get(code)
	if r == nil {
		return false
	}
	if sender, ok := r.members[fromPeerID]; !ok || sender.conn != from {
		return false
	}
	target, ok := r.members[msg.To]
	if !ok {
		return false
	}
	frame, err := msg.WithFrom(fromPeerID)
	if err != nil {
		s.logger.Warn("failed to encode relay", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return target.conn.Send(frame)
}

// Sweep expires the locked session once it is older than the configured
// maximum age and reclaims stale lockout entries.
func (s *Service) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.lock.locked && now.Sub(s.lock.lockedAt) >= s.cfg.SessionMaxAge {
		code := s.lock.code
		if r := s.rooms.get(code); r != nil {
			s.expireLocked(r)
		}
		s.lock.clear()
		s.metrics.SessionExpired()
		s.logger.Info("session expired", zap.String("code", code), zap.Duration("maxAge", s.cfg.SessionMaxAge))
		s.publishLocked()
	}

	if n := s.lockouts.Sweep(now); n > 0 {
		s.logger.Debug("swept lockouts", zap.Int("removed", n))
	}
}

func (s *Service) expireLocked(r *Room) {
	msg := protocol.SessionExpired{
		Type:    protocol.TypeSessionExpired,
		Message: expiredMessage(s.cfg.SessionMaxAge),
	}
	for _, m := range r.peers() {
		s.send(m.conn, msg)
		m.conn.Close("session expired")
	}
	s.rooms.delete(r.Code)
}

// Close tears down every room, closing all member connections.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, r := range s.rooms.rooms {
		for _, m := range r.members {
			m.conn.Close("server shutting down")
		}
		s.rooms.delete(code)
	}
	s.lock.clear()
	s.publishLocked()
}

// Stats is a point-in-time view of the service state.
type Stats struct {
	Rooms      int
	Peers      int
	Locked     bool
	LockedCode string
	LockedAt   time.Time
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Rooms:      len(s.rooms.rooms),
		Peers:      s.rooms.peerCount(),
		Locked:     s.lock.locked,
		LockedCode: s.lock.code,
		LockedAt:   s.lock.lockedAt,
	}
}

// Members returns the peer ids in the room behind code, in join order.
func (s *Service) Members(code string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms.get(code)
	if r == nil {
		return nil
	}
	var ids []string
	for _, m := range r.peers() {
		ids = append(ids, m.info.PeerID)
	}
	return ids
}

func (s *Service) validCode(code string) bool {
	if len(code) != s.cfg.CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func validatePeer(p protocol.PeerInfo) error {
	n := utf8.RuneCountInString(p.PeerID)
	switch {
	case n == 0 || n > MaxPeerIDLength:
		return &JoinError{Err: ErrInvalidPeer, Message: "Invalid peer id."}
	case utf8.RuneCountInString(p.Nickname) > MaxNicknameLength:
		return &JoinError{Err: ErrInvalidPeer, Message: fmt.Sprintf("Nickname must be at most %d characters.", MaxNicknameLength)}
	case len(p.Avatar) > MaxAvatarBytes:
		return &JoinError{Err: ErrInvalidPeer, Message: "Avatar is too large."}
	}
	return nil
}

func (s *Service) reject(conn Conn, err error) {
	var (
		message    = err.Error()
		retryAfter int
	)
	if je, ok := err.(*JoinError); ok {
		message = je.Message
		retryAfter = je.RetryAfter
	}
	s.send(conn, protocol.JoinedFailure(Reason(err), message, retryAfter))
}

func (s *Service) broadcast(r *Room, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Warn("failed to encode broadcast", zap.Error(err))
		return
	}
	for _, m := range r.members {
		if !m.conn.Send(frame) {
			s.metrics.DroppedFrame(metrics.DropReasonQueueFull)
		}
	}
}

func (s *Service) send(conn Conn, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Warn("failed to encode message", zap.Error(err))
		return
	}
	if !conn.Send(frame) {
		s.metrics.DroppedFrame(metrics.DropReasonQueueFull)
	}
}

func (s *Service) publishLocked() {
	s.metrics.SetRoomState(len(s.rooms.rooms), s.rooms.peerCount(), s.lock.locked)
}

func expiredMessage(maxAge time.Duration) string {
	if maxAge%time.Hour == 0 {
		hours := int(maxAge / time.Hour)
		unit := "hours"
		if hours == 1 {
			unit = "hour"
		}
		return fmt.Sprintf("Session expired after %d %s. Please start a new session.", hours, unit)
	}
	return fmt.Sprintf("Session expired after %s. Please start a new session.", maxAge)
}
