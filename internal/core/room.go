package core

import (
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Room is an in-memory membership list ordered by join sequence.
// It is not safe for concurrent use; the coordinator serializes access.
// It never closes adapter-owned resources.
type Room struct {
	ID domain.RoomID

	nextSeq uint64
	order   []*Member
	pos     map[domain.UserID]int
}

func NewRoom(id domain.RoomID) *Room {
	return &Room{
		ID:  id,
		pos: make(map[domain.UserID]int),
	}
}

func (r *Room) Len() int { return len(r.order) }

// Add appends the user with the next join sequence. Sequences are never
// reused for the lifetime of the room.
func (r *Room) Add(user *domain.User, sig SignalConnection) *Member {
	m := &Member{User: user, Seq: r.nextSeq, Signal: sig}
	r.nextSeq++
	r.pos[user.ID] = len(r.order)
	r.order = append(r.order, m)
	log.Debug().Str("module", "core.room").Str("room", string(r.ID)).Str("sid", string(user.ID)).Uint64("seq", m.Seq).Msg("member added")
	return m
}

// Remove splices the member out and returns its former position.
func (r *Room) Remove(id domain.UserID) (*Member, int, bool) {
	i, ok := r.pos[id]
	if !ok {
		return nil, -1, false
	}
	m := r.order[i]
	r.order = append(r.order[:i], r.order[i+1:]...)
	delete(r.pos, id)
	for j := i; j < len(r.order); j++ {
		r.pos[r.order[j].User.ID] = j
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.ID)).Str("sid", string(id)).Msg("member removed")
	return m, i, true
}

func (r *Room) Get(id domain.UserID) (*Member, bool) {
	i, ok := r.pos[id]
	if !ok {
		return nil, false
	}
	return r.order[i], true
}

// Role is recomputed from the live join order on every call.
func (r *Room) Role(id domain.UserID) (domain.Role, bool) {
	i, ok := r.pos[id]
	if !ok {
		return "", false
	}
	return domain.RoleAt(i), true
}

func (r *Room) Snapshot() []MemberDTO {
	out := make([]MemberDTO, 0, len(r.order))
	for i, m := range r.order {
		out = append(out, MemberDTO{ID: m.User.ID, Name: m.User.Name, Role: domain.RoleAt(i)})
	}
	return out
}

// Members returns the members in join order.
func (r *Room) Members() []*Member {
	out := make([]*Member, len(r.order))
	copy(out, r.order)
	return out
}

// Broadcast delivers data to every member except from.
func (r *Room) Broadcast(from domain.UserID, data Frame) PublishResult {
	res := PublishResult{}
	for _, m := range r.order {
		if m.User.ID == from {
			continue
		}
		if err := m.Signal.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
