// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest, coturn's use-auth-secret mode):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidID     = errors.New("turnrest: session id must be non-empty and must not contain ':'")
)

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Clock          clock.Clock
	// SessionIDSource overrides the random session id, mostly for tests.
	SessionIDSource func() (string, error)
}

type Generator struct {
	secret     []byte
	ttlSeconds int64
	prefix     string
	clock      clock.Clock
	sessionID  func() (string, error)
}

// Credentials is one username/credential pair for every TURN entry handed to
// a browser.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, ErrMissingSecret
	case cfg.TTLSeconds <= 0:
		return nil, ErrInvalidTTL
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, ErrInvalidPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SessionIDSource == nil {
		cfg.SessionIDSource = randomSessionID
	}
	return &Generator{
		secret:     []byte(cfg.SharedSecret),
		ttlSeconds: cfg.TTLSeconds,
		prefix:     cfg.UsernamePrefix,
		clock:      cfg.Clock,
		sessionID:  cfg.SessionIDSource,
	}, nil
}

// Generate mints credentials bound to sessionID.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidID
	}
	expiry := g.clock.Now().UTC().Unix() + g.ttlSeconds
	username := strconv.FormatInt(expiry, 10) + ":" + g.prefix + ":" + sessionID
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom mints credentials for a fresh random session id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	id, err := g.sessionID()
	if err != nil {
		return Credentials{}, errors.Wrap(err, "turnrest: session id")
	}
	return g.Generate(id)
}

func randomSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
