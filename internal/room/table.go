package room

import (
	"sort"
	"time"

	"github.com/huddlecall/huddle-signal/internal/protocol"
)

// Conn is the room's handle on one participant's connection.
type Conn interface {
	// Send queues a frame without blocking. It returns false when the frame
	// was not queued because the connection is closed or backed up.
	Send(frame []byte) bool
	// Close flushes queued frames and then closes the connection.
	Close(reason string)
}

type member struct {
	info   protocol.PeerInfo
	conn   Conn
	joined uint64
}

// Room is the set of peers joined under one code.
type Room struct {
	Code      string
	CreatedAt time.Time

	members map[string]*member
}

func (r *Room) Size() int {
	return len(r.members)
}

// peers returns the members in join order.
func (r *Room) peers() []*member {
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joined < out[j].joined })
	return out
}

func (r *Room) infos() []protocol.PeerInfo {
	peers := r.peers()
	if len(peers) == 0 {
		return nil
	}
	out := make([]protocol.PeerInfo, 0, len(peers))
	for _, m := range peers {
		out = append(out, m.info)
	}
	return out
}

// table maps codes to rooms. It is only touched under Service.mu.
type table struct {
	rooms map[string]*Room
	seq   uint64
}

func newTable() *table {
	return &table{rooms: make(map[string]*Room)}
}

func (t *table) get(code string) *Room {
	return t.rooms[code]
}

func (t *table) getOrCreate(code string, now time.Time) *Room {
	if r, ok := t.rooms[code]; ok {
		return r
	}
	r := &Room{
		Code:      code,
		CreatedAt: now,
		members:   make(map[string]*member),
	}
	t.rooms[code] = r
	return r
}

// addPeer inserts a member. Capacity is checked by the caller.
func (t *table) addPeer(r *Room, info protocol.PeerInfo, conn Conn) {
	t.seq++
	r.members[info.PeerID] = &member{info: info, conn: conn, joined: t.seq}
}

// removePeer deletes peerID from the room behind code when it is still held
// by conn. It returns the room and whether anything was removed; the room is
// dropped from the table once empty.
func (t *table) removePeer(code, peerID string, conn Conn) (*Room, bool) {
	r, ok := t.rooms[code]
	if !ok {
		return nil, false
	}
	m, ok := r.members[peerID]
	if !ok || m.conn != conn {
		return r, false
	}
	delete(r.members, peerID)
	if len(r.members) == 0 {
		delete(t.rooms, code)
	}
	return r, true
}

func (t *table) delete(code string) {
	delete(t.rooms, code)
}

func (t *table) peerCount() int {
	n := 0
	for _, r := range t.rooms {
		n += len(r.members)
	}
	return n
}
