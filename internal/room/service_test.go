package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/huddlecall/huddle-signal/internal/protocol"
	"github.com/huddlecall/huddle-signal/internal/ratelimit"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason string
}

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return true
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	msgs := c.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type harness struct {
	svc      *Service
	clock    *clock.Mock
	lockouts *ratelimit.Lockouts
}

func newHarness(t *testing.T, codeLength int, logger *zap.Logger) *harness {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	mock := clock.NewMock()
	lockouts, err := ratelimit.NewLockouts(ratelimit.LockoutConfig{
		MaxAttempts:     5,
		LockoutDuration: 5 * time.Minute,
		Clock:           mock,
	})
	require.NoError(t, err)
	svc := NewService(ServiceParams{
		Config:   Config{CodeLength: codeLength, Capacity: 4, SessionMaxAge: 4 * time.Hour},
		Lockouts: lockouts,
		Clock:    mock,
		Logger:   logger,
	})
	return &harness{svc: svc, clock: mock, lockouts: lockouts}
}

func (h *harness) join(addr, code, peerID string) (*fakeConn, error) {
	c := &fakeConn{}
	err := h.svc.Join(JoinRequest{
		Addr: addr,
		Code: code,
		Peer: protocol.PeerInfo{PeerID: peerID},
		Conn: c,
	})
	return c, err
}

func TestService_TwoPeersJoinAndLock(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t, 4, zap.New(core))

	first, err := h.join("1.1.1.1", "1234", "alice")
	require.NoError(t, err)
	msg := first.last(t)
	require.Equal(t, "joined", msg["type"])
	require.Equal(t, true, msg["success"])
	require.EqualValues(t, 1, msg["roomSize"])
	require.NotContains(t, msg, "existingPeers")
	require.False(t, h.svc.Stats().Locked)

	second, err := h.join("2.2.2.2", "1234", "bob")
	require.NoError(t, err)

	notice := first.last(t)
	require.Equal(t, "peer-joined", notice["type"])
	require.Equal(t, "bob", notice["peerId"])

	msgs := second.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "joined", msgs[0]["type"])
	require.Equal(t, true, msgs[0]["success"])
	require.EqualValues(t, 2, msgs[0]["roomSize"])
	require.Equal(t, []any{map[string]any{"peerId": "alice"}}, msgs[0]["existingPeers"])

	stats := h.svc.Stats()
	require.True(t, stats.Locked)
	require.Equal(t, "1234", stats.LockedCode)
	require.Equal(t, h.clock.Now(), stats.LockedAt)
	require.Equal(t, 1, logs.FilterMessage("session locked").Len())
}

func TestService_OtherCodeRejectedWhileLocked(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, err := h.join("1.1.1.1", "1234", "alice")
	require.NoError(t, err)
	_, err = h.join("1.1.1.2", "1234", "bob")
	require.NoError(t, err)

	third, err := h.join("3.3.3.3", "9999", "carol")
	require.ErrorIs(t, err, ErrSessionActive)
	msg := third.last(t)
	require.Equal(t, false, msg["success"])
	require.Equal(t, "session_active", msg["reason"])
	require.Equal(t, "A session is already active. Please use the correct code to join.", msg["error"])
	require.Equal(t, 1, h.lockouts.Attempts("3.3.3.3"))
	require.Nil(t, h.svc.Members("9999"))
}

func TestService_CapacityNeverExceeded(t *testing.T) {
	h := newHarness(t, 4, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := h.join("10.0.0."+id, "1234", id)
		require.NoError(t, err)
	}

	fifth, err := h.join("10.0.0.5", "1234", "e")
	require.ErrorIs(t, err, ErrRoomFull)
	require.Equal(t, "Room is full. Maximum 4 participants allowed.", fifth.last(t)["error"])
	require.Equal(t, "room_full", fifth.last(t)["reason"])
	require.Equal(t, 1, h.lockouts.Attempts("10.0.0.5"))
	require.Equal(t, []string{"a", "b", "c", "d"}, h.svc.Members("1234"))
}

func TestService_UnlockedSingleRoomsAllowAnyCode(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, err := h.join("1.1.1.1", "1111", "a")
	require.NoError(t, err)
	_, err = h.join("1.1.1.2", "2222", "b")
	require.NoError(t, err)
	require.False(t, h.svc.Stats().Locked)
	require.Equal(t, 2, h.svc.Stats().Rooms)

	// the first room to reach two peers takes the lock
	_, err = h.join("1.1.1.3", "2222", "c")
	require.NoError(t, err)
	require.Equal(t, "2222", h.svc.Stats().LockedCode)

	// the other single-peer room can no longer grow
	_, err = h.join("1.1.1.4", "1111", "d")
	require.ErrorIs(t, err, ErrSessionActive)
}

func TestService_InvalidRequestsNotCounted(t *testing.T) {
	h := newHarness(t, 6, nil)

	cases := []struct {
		code string
		peer protocol.PeerInfo
		want error
	}{
		{code: "12345", peer: protocol.PeerInfo{PeerID: "p"}, want: ErrInvalidCode},
		{code: "1234567", peer: protocol.PeerInfo{PeerID: "p"}, want: ErrInvalidCode},
		{code: "12a456", peer: protocol.PeerInfo{PeerID: "p"}, want: ErrInvalidCode},
		{code: "", peer: protocol.PeerInfo{PeerID: "p"}, want: ErrInvalidCode},
		{code: "123456", peer: protocol.PeerInfo{}, want: ErrInvalidPeer},
		{code: "123456", peer: protocol.PeerInfo{PeerID: string(make([]byte, 129))}, want: ErrInvalidPeer},
		{code: "123456", peer: protocol.PeerInfo{PeerID: "p", Avatar: string(make([]byte, 2049))}, want: ErrInvalidPeer},
	}
	for _, tc := range cases {
		c := &fakeConn{}
		err := h.svc.Join(JoinRequest{Addr: "1.1.1.1", Code: tc.code, Peer: tc.peer, Conn: c})
		require.ErrorIs(t, err, tc.want)
		require.Equal(t, false, c.last(t)["success"])
	}
	require.Equal(t, "Invalid code. Please use 6 digits.", func() any {
		c := &fakeConn{}
		_ = h.svc.Join(JoinRequest{Addr: "1.1.1.1", Code: "1", Peer: protocol.PeerInfo{PeerID: "p"}, Conn: c})
		return c.last(t)["error"]
	}())
	require.Equal(t, 0, h.lockouts.Attempts("1.1.1.1"))
	require.Equal(t, 0, h.svc.Stats().Rooms)
}

func TestService_LockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, err := h.join("1.1.1.1", "1234", "alice")
	require.NoError(t, err)
	_, err = h.join("1.1.1.2", "1234", "bob")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := h.join("6.6.6.6", "0000", "guess")
		require.ErrorIs(t, err, ErrSessionActive)
	}

	// even the right code is throttled now, and the throttled attempt is not counted
	c, err := h.join("6.6.6.6", "1234", "guess")
	require.ErrorIs(t, err, ErrRateLimited)
	msg := c.last(t)
	require.Equal(t, "rate_limited", msg["reason"])
	require.EqualValues(t, 300, msg["retryAfter"])
	require.Equal(t, "Too many failed attempts. Please wait 300 seconds.", msg["error"])
	require.Equal(t, 5, h.lockouts.Attempts("6.6.6.6"))

	h.clock.Add(2 * time.Minute)
	c, err = h.join("6.6.6.6", "1234", "guess")
	require.ErrorIs(t, err, ErrRateLimited)
	require.EqualValues(t, 180, c.last(t)["retryAfter"])

	h.clock.Add(3 * time.Minute)
	_, err = h.join("6.6.6.6", "1234", "guess")
	require.NoError(t, err)
}

func TestService_SuccessClearsFailures(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, err := h.join("1.1.1.1", "1234", "alice")
	require.NoError(t, err)
	_, err = h.join("1.1.1.2", "1234", "bob")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.join("7.7.7.7", "4321", "x")
		require.Error(t, err)
	}
	require.Equal(t, 3, h.lockouts.Attempts("7.7.7.7"))

	_, err = h.join("7.7.7.7", "1234", "x")
	require.NoError(t, err)
	require.Equal(t, 0, h.lockouts.Attempts("7.7.7.7"))
}

func TestService_DuplicatePeerRejected(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, err := h.join("1.1.1.1", "1234", "alice")
	require.NoError(t, err)

	c, err := h.join("1.1.1.2", "1234", "alice")
	require.ErrorIs(t, err, ErrDuplicatePeer)
	require.Equal(t, "duplicate_peer", c.last(t)["reason"])
	require.Equal(t, 0, h.lockouts.Attempts("1.1.1.2"))
	require.Equal(t, []string{"alice"}, h.svc.Members("1234"))
}

func TestService_LeaveBroadcastsAndReleasesLock(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1234", "alice")
	b, _ := h.join("1.1.1.2", "1234", "bob")
	c, _ := h.join("1.1.1.3", "1234", "carol")
	a.reset()
	b.reset()

	h.svc.Leave("1234", "carol", c)
	for _, conn := range []*fakeConn{a, b} {
		msg := conn.last(t)
		require.Equal(t, "peer-left", msg["type"])
		require.Equal(t, "carol", msg["peerId"])
	}
	require.True(t, h.svc.Stats().Locked)

	h.svc.Leave("1234", "bob", b)
	require.True(t, h.svc.Stats().Locked, "lock holds while the room has peers")

	h.svc.Leave("1234", "alice", a)
	stats := h.svc.Stats()
	require.False(t, stats.Locked)
	require.Equal(t, 0, stats.Rooms)
	require.Equal(t, 0, stats.Peers)

	_, err := h.join("1.1.1.9", "5678", "dave")
	require.NoError(t, err)
}

func TestService_LeaveIgnoresStaleConn(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, err := h.join("1.1.1.1", "1234", "alice")
	require.NoError(t, err)

	h.svc.Leave("1234", "alice", &fakeConn{})
	require.Equal(t, []string{"alice"}, h.svc.Members("1234"))

	h.svc.Leave("9999", "alice", &fakeConn{})
	require.Equal(t, 1, h.svc.Stats().Peers)
}

func TestService_RelayForwardsWithFrom(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1234", "alice")
	b, _ := h.join("1.1.1.2", "1234", "bob")
	b.reset()

	payload := `{"type":"offer","sdp":"v=0\r\ns=-"}`
	in, err := protocol.Parse([]byte(`{"type":"offer","to":"bob","offer":` + payload + `}`))
	require.NoError(t, err)

	require.True(t, h.svc.Relay("1234", "alice", a, *in.Relay))

	b.mu.Lock()
	require.Len(t, b.frames, 1)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b.frames[0], &got))
	b.mu.Unlock()
	require.Equal(t, payload, string(got["offer"]))
	require.JSONEq(t, `"alice"`, string(got["from"]))
	require.JSONEq(t, `"offer"`, string(got["type"]))
}

func TestService_RelayDropsUnknownTargets(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1234", "alice")
	b, _ := h.join("1.1.1.2", "1234", "bob")
	a.reset()
	b.reset()

	in, err := protocol.Parse([]byte(`{"type":"answer","to":"ghost","answer":{}}`))
	require.NoError(t, err)
	require.False(t, h.svc.Relay("1234", "alice", a, *in.Relay))

	in, err = protocol.Parse([]byte(`{"type":"answer","to":"bob","answer":{}}`))
	require.NoError(t, err)
	require.False(t, h.svc.Relay("0000", "alice", a, *in.Relay), "room gone")
	require.False(t, h.svc.Relay("1234", "alice", &fakeConn{}, *in.Relay), "sender not a member")

	require.Empty(t, a.messages(t))
	require.Empty(t, b.messages(t))
}

func TestService_RelayDoesNotCrossRooms(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1111", "alice")
	b, _ := h.join("1.1.1.2", "2222", "bob")
	b.reset()

	in, err := protocol.Parse([]byte(`{"type":"ice-candidate","to":"bob","candidate":{}}`))
	require.NoError(t, err)
	require.False(t, h.svc.Relay("1111", "alice", a, *in.Relay))
	require.Empty(t, b.messages(t))
}

func TestService_SweepExpiresLockedSession(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1234", "alice")
	h.clock.Add(time.Hour)
	b, _ := h.join("1.1.1.2", "1234", "bob")

	// lock age counts from room creation
	h.clock.Add(2*time.Hour + 59*time.Minute)
	h.svc.Sweep()
	require.True(t, h.svc.Stats().Locked)
	require.False(t, a.isClosed())

	h.clock.Add(time.Minute)
	h.svc.Sweep()

	for _, c := range []*fakeConn{a, b} {
		msg := c.last(t)
		require.Equal(t, "session-expired", msg["type"])
		require.Equal(t, "Session expired after 4 hours. Please start a new session.", msg["message"])
		require.True(t, c.isClosed())
	}
	stats := h.svc.Stats()
	require.False(t, stats.Locked)
	require.Equal(t, 0, stats.Rooms)
	require.Nil(t, h.svc.Members("1234"))

	// late disconnects of expired peers are harmless
	h.svc.Leave("1234", "alice", a)
	_, err := h.join("1.1.1.3", "9999", "carol")
	require.NoError(t, err)
}

func TestService_SweepLeavesUnlockedRooms(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1234", "alice")
	h.clock.Add(5 * time.Hour)
	h.svc.Sweep()
	require.False(t, a.isClosed())
	require.Equal(t, []string{"alice"}, h.svc.Members("1234"))
}

func TestService_SweepReclaimsLockouts(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, _ = h.join("1.1.1.1", "1234", "alice")
	_, _ = h.join("1.1.1.2", "1234", "bob")
	for i := 0; i < 5; i++ {
		_, _ = h.join("6.6.6.6", "0000", "x")
	}
	require.Equal(t, 1, h.lockouts.Len())

	h.clock.Add(5 * time.Minute)
	h.svc.Sweep()
	require.Equal(t, 0, h.lockouts.Len())
}

func TestService_FailuresAcrossSweepStillLockOut(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, _ = h.join("10.0.0.1", "1234", "alice")
	_, _ = h.join("10.0.0.2", "1234", "bob")

	for i := 0; i < 4; i++ {
		_, err := h.join("10.9.9.9", "9999", "mallory")
		require.ErrorIs(t, err, ErrSessionActive)
	}
	h.clock.Add(5*time.Minute + time.Second)
	h.svc.Sweep()
	require.Equal(t, 4, h.lockouts.Attempts("10.9.9.9"))

	_, err := h.join("10.9.9.9", "9999", "mallory")
	require.ErrorIs(t, err, ErrSessionActive)

	c, err := h.join("10.9.9.9", "1234", "mallory")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, "rate_limited", c.last(t)["reason"])
}

func TestService_CloseClosesEveryone(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.join("1.1.1.1", "1234", "alice")
	b, _ := h.join("1.1.1.2", "1234", "bob")

	h.svc.Close()
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	require.Equal(t, Stats{}, h.svc.Stats())
}

func TestReason(t *testing.T) {
	require.Equal(t, "room_full", Reason(&JoinError{Err: ErrRoomFull}))
	require.Equal(t, "already_joined", Reason(ErrAlreadyJoined))
	require.Equal(t, "internal", Reason(errors.New("boom")))
}
