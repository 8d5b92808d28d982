package room

import (
	"errors"
)

var (
	ErrInvalidCode   = errors.New("invalid code")
	ErrInvalidPeer   = errors.New("invalid peer")
	ErrAlreadyJoined = errors.New("already joined")
	ErrDuplicatePeer = errors.New("duplicate peer")
	ErrRateLimited   = errors.New("rate limited")
	ErrSessionActive = errors.New("session active")
	ErrRoomFull      = errors.New("room full")
)

// JoinError is a rejected join. Message is the user-facing text sent back to
// the client.
type JoinError struct {
	Err        error
	Message    string
	RetryAfter int
}

func (e *JoinError) Error() string {
	return e.Err.Error() + ": " + e.Message
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// Reason maps a join error to the wire reason code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrInvalidPeer):
		return "invalid_peer"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrDuplicatePeer):
		return "duplicate_peer"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	default:
		return "internal"
	}
}

// countsAsFailure reports whether err is a policy rejection that counts
// against the caller's address.
func countsAsFailure(err error) bool {
	return errors.Is(err, ErrSessionActive) || errors.Is(err, ErrRoomFull)
}
