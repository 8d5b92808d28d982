package ratelimit

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 5 * time.Minute
	DefaultMaxEntries      = 10000
)

// Decision is the outcome of a lockout check.
type Decision struct {
	Allowed          bool
	Error            string
	RemainingSeconds int
}

// LockoutConfig tunes a Lockouts table. Zero values take the package
// defaults.
type LockoutConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	// MaxEntries bounds the number of tracked addresses. The least recently
	// touched address is forgotten first.
	MaxEntries int

	Clock  clock.Clock
	Logger *zap.Logger
	// OnLockout is called each time an address becomes locked out.
	OnLockout func(addr string)
}

type lockoutEntry struct {
	attempts    int
	lockedUntil time.Time
}

// Lockouts tracks failed join attempts per client address and locks an
// address out for a fixed duration once it reaches the failure threshold.
//
// Lockouts does not serialize compound operations; callers that need
// check-then-record atomicity must hold their own lock.
type Lockouts struct {
	clock       clock.Clock
	logger      *zap.Logger
	maxAttempts int
	lockout     time.Duration
	onLockout   func(addr string)

	entries *lru.Cache[string, *lockoutEntry]
}

// NewLockouts builds an empty table. It only fails if the LRU cannot be
// allocated.
func NewLockouts(cfg LockoutConfig) (*Lockouts, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	entries, err := lru.New[string, *lockoutEntry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Lockouts{
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		lockout:     cfg.LockoutDuration,
		onLockout:   cfg.OnLockout,
		entries:     entries,
	}, nil
}

// Check reports whether addr may attempt a join. An expired lockout is
// cleared as a side effect, which also resets the failure count.
func (l *Lockouts) Check(addr string) Decision {
	e, ok := l.entries.Peek(addr)
	if !ok || e.lockedUntil.IsZero() {
		return Decision{Allowed: true}
	}

	now := l.clock.Now()
	if !now.Before(e.lockedUntil) {
		l.entries.Remove(addr)
		return Decision{Allowed: true}
	}

	remaining := ceilSeconds(e.lockedUntil.Sub(now))
	return Decision{
		Allowed:          false,
		Error:            fmt.Sprintf("Too many failed attempts. Please wait %d seconds.", remaining),
		RemainingSeconds: remaining,
	}
}

// RecordFailure counts a failed attempt for addr and reports whether the
// address is now locked out.
func (l *Lockouts) RecordFailure(addr string) bool {
	now := l.clock.Now()
	e, ok := l.entries.Get(addr)
	if !ok {
		e = &lockoutEntry{}
		l.entries.Add(addr, e)
	}
	e.attempts++

	if e.attempts < l.maxAttempts {
		return false
	}

	e.lockedUntil = now.Add(l.lockout)
	l.logger.Info("address locked out",
		zap.String("addr", addr),
		zap.Int("attempts", e.attempts),
		zap.Duration("lockout", l.lockout),
	)
	if l.onLockout != nil {
		l.onLockout(addr)
	}
	return true
}

// Clear forgets addr entirely.
func (l *Lockouts) Clear(addr string) {
	l.entries.Remove(addr)
}

// Attempts returns the failure count currently recorded for addr.
func (l *Lockouts) Attempts(addr string) int {
	e, ok := l.entries.Peek(addr)
	if !ok {
		return 0
	}
	return e.attempts
}

// Len returns the number of tracked addresses.
func (l *Lockouts) Len() int {
	return l.entries.Len()
}

// Sweep drops entries whose lockout has expired by now and returns how many
// were removed. Failure counts below the threshold are kept until a
// successful join clears them; the LRU cap bounds their number.
func (l *Lockouts) Sweep(now time.Time) int {
	removed := 0
	for _, addr := range l.entries.Keys() {
		e, ok := l.entries.Peek(addr)
		if !ok || e.lockedUntil.IsZero() || now.Before(e.lockedUntil) {
			continue
		}
		l.entries.Remove(addr)
		removed++
	}
	return removed
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
