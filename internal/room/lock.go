package room

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// sessionLock pins the whole process to a single room once that room has two
// peers. Only touched under Service.mu.
type sessionLock struct {
	code     string
	lockedAt time.Time
	locked   bool

	capacity int
	logger   *zap.Logger
}

// canJoin reports whether a join to code is permitted. Any code is allowed
// while unlocked; once locked only the locked code is, and only while its room
// has a free slot.
func (l *sessionLock) canJoin(code string, rooms *table) error {
	if !l.locked {
		return nil
	}
	if code != l.code {
		return &JoinError{
			Err:     ErrSessionActive,
			Message: "A session is already active. Please use the correct code to join.",
		}
	}
	if r := rooms.get(code); r != nil && r.Size() >= l.capacity {
		return &JoinError{
			Err:     ErrRoomFull,
			Message: fmt.Sprintf("Room is full. Maximum %d participants allowed.", l.capacity),
		}
	}
	return nil
}

// lockIfNeeded locks onto code once its room reaches two peers. An existing
// lock is never replaced.
func (l *sessionLock) lockIfNeeded(code string, rooms *table) bool {
	if l.locked {
		return false
	}
	r := rooms.get(code)
	if r == nil || r.Size() < 2 {
		return false
	}
	l.code = code
	l.lockedAt = r.CreatedAt
	l.locked = true
	l.logger.Info("session locked", zap.String("code", code), zap.Time("createdAt", r.CreatedAt))
	return true
}

// unlockIfEmpty releases the lock when code holds it and its room is gone.
func (l *sessionLock) unlockIfEmpty(code string, rooms *table) bool {
	if !l.locked || l.code != code || rooms.get(code) != nil {
		return false
	}
	l.logger.Info("session ended", zap.String("code", code))
	l.clear()
	return true
}

func (l *sessionLock) clear() {
	l.code = ""
	l.lockedAt = time.Time{}
	l.locked = false
}
