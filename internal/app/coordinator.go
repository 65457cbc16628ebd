package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// roomState serializes every mutation and fan-out of one room.
// closed is set under mu when the room empties, so an admit that raced
// with the deletion can tell it holds a dead room.
type roomState struct {
	mu     sync.Mutex
	room   *core.Room
	closed atomic.Bool
}

// Participant is the coordinator's view of an admitted member.
type Participant struct {
	ID     domain.UserID
	Name   string
	RoomID domain.RoomID
	Seq    uint64
	Role   domain.Role
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}

// Coordinator is the authoritative room-and-role state machine.
type Coordinator struct {
	Registry    *Registry
	Policy      Policy
	DefaultRoom domain.RoomID
	Now         func() time.Time

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
}

func NewCoordinator(defaultRoom domain.RoomID, policy Policy) *Coordinator {
	if defaultRoom == "" {
		defaultRoom = domain.DefaultRoomID
	}
	return &Coordinator{
		Registry:    NewRegistry(),
		Policy:      policy,
		DefaultRoom: defaultRoom,
		Now:         time.Now,
		rooms:       make(map[domain.RoomID]*roomState),
	}
}

// Connect registers a fresh channel before it joins any room.
func (c *Coordinator) Connect(sid domain.UserID, sig core.SignalConnection, cancel context.CancelFunc) {
	c.Registry.BindSignal(sid, sig, cancel)
}

// Disconnect is the TransportDown path: same as an explicit leave, then
// the channel binding is forgotten.
func (c *Coordinator) Disconnect(sid domain.UserID) {
	c.Remove(sid)
	c.Registry.Unbind(sid)
}

// Admit places sid into roomID (default room when empty), replies with
// room-joined and announces user-joined to the other members.
func (c *Coordinator) Admit(sid domain.UserID, sig core.SignalConnection, displayName, roomID string) (Participant, error) {
	rid, err := domain.ParseRoomID(roomID, c.DefaultRoom)
	if err != nil {
		return Participant{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}

	if prev, ok := c.Registry.RoomOf(sid); ok {
		if prev == rid {
			return c.rejoin(sid, sig, displayName, rid)
		}
		log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Str("from_room", string(prev)).Msg("leaving previous room")
		c.Remove(sid)
	}

	user := domain.NewUser(sid, displayName)
	for {
		rs := c.getOrCreate(rid)
		rs.mu.Lock()
		if rs.closed.Load() {
			rs.mu.Unlock()
			continue
		}

		m := rs.room.Add(user, sig)
		role, _ := rs.room.Role(sid)
		joined, err := protocol.Encode(protocol.RoomJoined{
			Type:     protocol.TypeRoomJoined,
			SelfID:   sid,
			SelfRole: role,
			RoomID:   rid,
			Members:  rs.room.Snapshot(),
		})
		if err == nil {
			err = sig.TrySend(joined)
		}
		if err != nil {
			rs.room.Remove(sid)
			emptied := c.markIfEmpty(rs)
			rs.mu.Unlock()
			if emptied {
				c.dropRoom(rid, rs)
			}
			return Participant{}, fmt.Errorf("admit %s: %w", sid, domain.ErrChannelClosed)
		}
		c.Registry.SetRoom(sid, rid, sig)

		announce, _ := protocol.Encode(protocol.UserJoined{
			Type: protocol.TypeUserJoined,
			ID:   sid,
			Name: user.Name,
			Role: role,
		})
		res := rs.room.Broadcast(sid, announce)
		p := Participant{ID: sid, Name: user.Name, RoomID: rid, Seq: m.Seq, Role: role}
		members := rs.room.Len()
		rs.mu.Unlock()

		log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Str("room", string(rid)).Str("role", string(role)).Int("members", members).Msg("admitted")
		c.handleDropped(rid, res.Dropped)
		return p, nil
	}
}

// rejoin answers a duplicate join for the same room with a fresh snapshot
// and keeps the original join sequence.
func (c *Coordinator) rejoin(sid domain.UserID, sig core.SignalConnection, displayName string, rid domain.RoomID) (Participant, error) {
	rs := c.lookup(rid)
	if rs == nil {
		c.Registry.ClearRoom(sid, rid)
		return c.Admit(sid, sig, displayName, string(rid))
	}
	rs.mu.Lock()
	m, ok := rs.room.Get(sid)
	if !ok {
		rs.mu.Unlock()
		c.Registry.ClearRoom(sid, rid)
		return c.Admit(sid, sig, displayName, string(rid))
	}
	role, _ := rs.room.Role(sid)
	joined, err := protocol.Encode(protocol.RoomJoined{
		Type:     protocol.TypeRoomJoined,
		SelfID:   sid,
		SelfRole: role,
		RoomID:   rid,
		Members:  rs.room.Snapshot(),
	})
	if err == nil {
		err = m.Signal.TrySend(joined)
	}
	p := Participant{ID: sid, Name: m.User.Name, RoomID: rid, Seq: m.Seq, Role: role}
	rs.mu.Unlock()
	if err != nil {
		return Participant{}, fmt.Errorf("rejoin %s: %w", sid, domain.ErrChannelClosed)
	}
	return p, nil
}

// Remove takes sid out of its room. Remaining members get user-left and,
// when someone's derived role shifted, a roles-updated snapshot.
func (c *Coordinator) Remove(sid domain.UserID) bool {
	rid, ok := c.Registry.RoomOf(sid)
	if !ok {
		return false
	}
	rs := c.lookup(rid)
	if rs == nil {
		c.Registry.ClearRoom(sid, rid)
		return false
	}

	rs.mu.Lock()
	_, idx, ok := rs.room.Remove(sid)
	if !ok {
		rs.mu.Unlock()
		c.Registry.ClearRoom(sid, rid)
		return false
	}
	c.Registry.ClearRoom(sid, rid)

	left, _ := protocol.Encode(protocol.UserLeft{Type: protocol.TypeUserLeft, ID: sid})
	dropped := rs.room.Broadcast(sid, left).Dropped

	// Positions 0 and 1 carry distinct roles; anyone shifting into them changed standing.
	if idx < 2 && rs.room.Len() > idx {
		roles, _ := protocol.Encode(protocol.RolesUpdated{
			Type:    protocol.TypeRolesUpdated,
			RoomID:  rid,
			Members: rs.room.Snapshot(),
		})
		dropped = appendUnique(dropped, rs.room.Broadcast("", roles).Dropped)
	}
	remaining := rs.room.Len()
	emptied := c.markIfEmpty(rs)
	rs.mu.Unlock()

	log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Str("room", string(rid)).Int("remaining", remaining).Msg("removed")
	if emptied {
		c.dropRoom(rid, rs)
	}
	c.handleDropped(rid, dropped)
	return true
}

// Rooms lists live rooms.
func (c *Coordinator) Rooms() []RoomInfo {
	c.mu.RLock()
	states := make(map[domain.RoomID]*roomState, len(c.rooms))
	for id, rs := range c.rooms {
		states[id] = rs
	}
	c.mu.RUnlock()

	out := make([]RoomInfo, 0, len(states))
	for id, rs := range states {
		rs.mu.Lock()
		n := rs.room.Len()
		rs.mu.Unlock()
		if n == 0 {
			continue
		}
		out = append(out, RoomInfo{ID: id, MemberCount: n})
	}
	return out
}

// Members returns the current membership with roles computed now.
func (c *Coordinator) Members(rid domain.RoomID) ([]core.MemberDTO, bool) {
	rs := c.lookup(rid)
	if rs == nil {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed.Load() {
		return nil, false
	}
	return rs.room.Snapshot(), true
}

// RoleOf reports the current derived role of sid.
func (c *Coordinator) RoleOf(sid domain.UserID) (domain.Role, bool) {
	rid, ok := c.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	rs := c.lookup(rid)
	if rs == nil {
		return "", false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.room.Role(sid)
}

// Shutdown closes every channel and forgets every room.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[domain.RoomID]*roomState)
	c.mu.Unlock()

	for rid, rs := range rooms {
		rs.mu.Lock()
		rs.closed.Store(true)
		members := rs.room.Members()
		rs.mu.Unlock()
		for _, m := range members {
			c.Registry.ClearRoom(m.User.ID, rid)
			m.Signal.Close()
		}
	}
	n := c.Registry.CancelAll()
	log.Info().Str("module", "app.coordinator").Int("rooms", len(rooms)).Int("sessions", n).Msg("shutdown")
}

func (c *Coordinator) getOrCreate(rid domain.RoomID) *roomState {
	c.mu.RLock()
	rs, ok := c.rooms[rid]
	c.mu.RUnlock()
	if ok && !rs.closed.Load() {
		return rs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok = c.rooms[rid]; ok && !rs.closed.Load() {
		return rs
	}
	// A closed entry is replaced, never reopened: a fresh room starts empty.
	rs = &roomState{room: core.NewRoom(rid)}
	c.rooms[rid] = rs
	log.Info().Str("module", "app.coordinator").Str("room", string(rid)).Msg("room created")
	return rs
}

func (c *Coordinator) lookup(rid domain.RoomID) *roomState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[rid]
}

// markIfEmpty must be called with rs.mu held.
func (c *Coordinator) markIfEmpty(rs *roomState) bool {
	if rs.room.Len() == 0 && !rs.closed.Load() {
		rs.closed.Store(true)
		return true
	}
	return false
}

func (c *Coordinator) dropRoom(rid domain.RoomID, rs *roomState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[rid] == rs {
		delete(c.rooms, rid)
		log.Info().Str("module", "app.coordinator").Str("room", string(rid)).Msg("room deleted (empty)")
	}
}

// handleDropped runs after the room lock is released: kicking re-enters Remove.
func (c *Coordinator) handleDropped(rid domain.RoomID, dropped []*core.Member) {
	if c.Policy == nil {
		return
	}
	for _, m := range dropped {
		switch c.Policy.OnBackPressure(rid, m, domain.ErrBackpressure) {
		case KickMember:
			sid := m.User.ID
			log.Warn().Str("module", "app.coordinator").Str("sid", string(sid)).Str("room", string(rid)).Msg("channel backed up, disconnecting")
			c.Remove(sid)
			m.Signal.Close()
			c.Registry.Cancel(sid)
		case NoAction:
		}
	}
}

func appendUnique(dst, src []*core.Member) []*core.Member {
	for _, m := range src {
		seen := false
		for _, d := range dst {
			if d == m {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, m)
		}
	}
	return dst
}
