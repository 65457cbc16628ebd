package app

import (
	"fmt"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// memberRoom locks the room of sid and verifies membership.
// On success the caller owns rs.mu and must unlock it.
func (c *Coordinator) memberRoom(sid domain.UserID) (domain.RoomID, *roomState, error) {
	rid, ok := c.Registry.RoomOf(sid)
	if !ok {
		return "", nil, domain.ErrNotInRoom
	}
	rs := c.lookup(rid)
	if rs == nil {
		return "", nil, domain.ErrNotInRoom
	}
	rs.mu.Lock()
	if _, ok := rs.room.Get(sid); !ok {
		rs.mu.Unlock()
		return "", nil, domain.ErrNotInRoom
	}
	return rid, rs, nil
}

// Relay forwards an opaque offer/answer/candidate. The sender id on the
// outgoing copy is always sid, whatever the client claimed.
func (c *Coordinator) Relay(sid domain.UserID, msg protocol.Signal) error {
	if !msg.Type.IsSignal() {
		return fmt.Errorf("%w: %s is not relayable", domain.ErrProtocol, msg.Type)
	}
	out := protocol.Signal{
		Type:     msg.Type,
		TargetID: msg.TargetID,
		SenderID: sid,
		Payload:  msg.Payload,
	}
	frame, err := protocol.Encode(out)
	if err != nil {
		return err
	}

	rid, rs, err := c.memberRoom(sid)
	if err != nil {
		return err
	}
	if msg.TargetID != "" {
		dropped, err := c.unicastLocked(rs, sid, msg.TargetID, frame)
		rs.mu.Unlock()
		c.handleDropped(rid, dropped)
		return err
	}
	res := rs.room.Broadcast(sid, frame)
	rs.mu.Unlock()
	c.handleDropped(rid, res.Dropped)
	return nil
}

// Chat broadcasts to the other members; the sender renders its own copy.
func (c *Coordinator) Chat(sid domain.UserID, text string) error {
	rid, rs, err := c.memberRoom(sid)
	if err != nil {
		return err
	}
	m, _ := rs.room.Get(sid)
	frame, err := protocol.Encode(protocol.Chat{
		Type:            protocol.TypeChat,
		SenderID:        sid,
		Name:            m.User.Name,
		Text:            text,
		ServerTimestamp: c.Now().UnixMilli(),
	})
	if err != nil {
		rs.mu.Unlock()
		return err
	}
	res := rs.room.Broadcast(sid, frame)
	rs.mu.Unlock()
	c.handleDropped(rid, res.Dropped)
	return nil
}

// MuteOne asks targetID to disable its outgoing audio.
func (c *Coordinator) MuteOne(sid, targetID domain.UserID, muted bool) error {
	rid, rs, err := c.memberRoom(sid)
	if err != nil {
		return err
	}
	if err := c.authorizeLocked(rs, sid); err != nil {
		rs.mu.Unlock()
		return err
	}
	frame, _ := protocol.Encode(protocol.MuteRequest{Type: protocol.TypeMuteRequest, Muted: muted, ByID: sid})
	dropped, err := c.unicastLocked(rs, sid, targetID, frame)
	rs.mu.Unlock()

	if err == nil {
		log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Str("target", string(targetID)).Bool("muted", muted).Msg("mute requested")
	}
	c.handleDropped(rid, dropped)
	return err
}

// MuteAll sends the mute directive to every other member.
func (c *Coordinator) MuteAll(sid domain.UserID, muted bool) error {
	rid, rs, err := c.memberRoom(sid)
	if err != nil {
		return err
	}
	if err := c.authorizeLocked(rs, sid); err != nil {
		rs.mu.Unlock()
		return err
	}
	frame, _ := protocol.Encode(protocol.MuteRequest{Type: protocol.TypeMuteRequest, Muted: muted, ByID: sid})
	res := rs.room.Broadcast(sid, frame)
	rs.mu.Unlock()

	log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Int("sent_to", res.SendTo).Bool("muted", muted).Msg("mute-all requested")
	c.handleDropped(rid, res.Dropped)
	return nil
}

// authorizeLocked recomputes the sender's role from the live join order.
func (c *Coordinator) authorizeLocked(rs *roomState, sid domain.UserID) error {
	role, ok := rs.room.Role(sid)
	if !ok || !role.CanModerate() {
		return domain.ErrNotAuthorized
	}
	return nil
}

// unicastLocked sends to a member of the same room. An absent target is
// reported as ErrUnknownTarget for the caller to drop silently.
func (c *Coordinator) unicastLocked(rs *roomState, sid, target domain.UserID, frame core.Frame) ([]*core.Member, error) {
	if target == sid {
		return nil, domain.ErrUnknownTarget
	}
	t, ok := rs.room.Get(target)
	if !ok {
		return nil, domain.ErrUnknownTarget
	}
	if err := t.Signal.TrySend(frame); err != nil {
		return []*core.Member{t}, nil
	}
	return nil, nil
}
