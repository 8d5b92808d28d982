// Package protocol defines the JSON frames exchanged over the signaling
// WebSocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	TypeJoin           MessageType = "join"
	TypeJoined         MessageType = "joined"
	TypePeerJoined     MessageType = "peer-joined"
	TypePeerLeft       MessageType = "peer-left"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeICECandidate   MessageType = "ice-candidate"
	TypeSessionExpired MessageType = "session-expired"
)

// IsRelay reports whether frames of type t are forwarded peer to peer.
func (t MessageType) IsRelay() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("message missing type")
)

// PeerInfo describes a room member to the other members.
type PeerInfo struct {
	PeerID   string `json:"peerId"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Join is the client's request to enter the room behind Code. Pin is accepted
// as an alias for Code.
type Join struct {
	Type     MessageType `json:"type"`
	Code     string      `json:"code,omitempty"`
	Pin      string      `json:"pin,omitempty"`
	PeerID   string      `json:"peerId"`
	Nickname string      `json:"nickname,omitempty"`
	Avatar   string      `json:"avatar,omitempty"`
}

// RoomCode returns Code, falling back to Pin.
func (j Join) RoomCode() string {
	if j.Code != "" {
		return j.Code
	}
	return j.Pin
}

func (j Join) Peer() PeerInfo {
	return PeerInfo{PeerID: j.PeerID, Nickname: j.Nickname, Avatar: j.Avatar}
}

type Joined struct {
	Type          MessageType `json:"type"`
	Success       bool        `json:"success"`
	Error         string      `json:"error,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	RetryAfter    int         `json:"retryAfter,omitempty"`
	RoomSize      int         `json:"roomSize"`
	ExistingPeers []PeerInfo  `json:"existingPeers,omitempty"`
}

type PeerJoined struct {
	Type MessageType `json:"type"`
	PeerInfo
}

type PeerLeft struct {
	Type   MessageType `json:"type"`
	PeerID string      `json:"peerId"`
}

type SessionExpired struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// Inbound is a parsed client frame. Exactly one of Join or Relay is set.
type Inbound struct {
	Type  MessageType
	Join  *Join
	Relay *Relay
}

// Parse decodes a client frame. Relay payloads are kept as raw JSON.
func Parse(data []byte) (Inbound, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, err
	}

	switch {
	case env.Type == "":
		return Inbound{}, ErrMissingType
	case env.Type == TypeJoin:
		join, err := parseJoin(data)
		if err != nil {
			return Inbound{Type: TypeJoin}, err
		}
		return Inbound{Type: TypeJoin, Join: &join}, nil
	case env.Type.IsRelay():
		relay, err := parseRelay(env.Type, data)
		if err != nil {
			return Inbound{Type: env.Type}, err
		}
		return Inbound{Type: env.Type, Relay: &relay}, nil
	default:
		return Inbound{Type: env.Type}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// parseJoin decodes a join frame. A field of the wrong JSON type is read as
// empty rather than failing the frame, so a numeric code still gets an
// invalid_code reply instead of being dropped.
func parseJoin(data []byte) (Join, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var join Join
	if err := dec.Decode(&join); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return Join{}, err
		}
		return parseJoinLenient(data)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Join{}, fmt.Errorf("unexpected trailing data")
	}
	return join, nil
}

func parseJoinLenient(data []byte) (Join, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Join{}, err
	}
	str := func(name string) string {
		var s string
		if err := json.Unmarshal(fields[name], &s); err != nil {
			return ""
		}
		return s
	}
	return Join{
		Type:     TypeJoin,
		Code:     str("code"),
		Pin:      str("pin"),
		PeerID:   str("peerId"),
		Nickname: str("nickname"),
		Avatar:   str("avatar"),
	}, nil
}

// Encode marshals an outbound frame.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func JoinedOK(roomSize int, existing []PeerInfo) Joined {
	return Joined{
		Type:          TypeJoined,
		Success:       true,
		RoomSize:      roomSize,
		ExistingPeers: existing,
	}
}

func JoinedFailure(reason, message string, retryAfter int) Joined {
	return Joined{
		Type:       TypeJoined,
		Error:      message,
		Reason:     reason,
		RetryAfter: retryAfter,
	}
}
