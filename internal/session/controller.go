// Package session runs one participant: it follows the room roster from
// the coordinator and keeps a negotiation engine per remote peer.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/connectivity"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/negotiation"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Channel is the participant end of the signaling channel.
type Channel interface {
	Send(m protocol.Message) error
	SendSignal(m protocol.Signal) error
	Incoming() <-chan protocol.Message
	Close()
}

type LinkFactory interface {
	NewLink(peer domain.UserID, mode connectivity.Mode) (negotiation.Link, error)
}

// Handlers receive application events. Every field is optional.
type Handlers struct {
	OnJoined      func(self domain.UserID, role domain.Role, room domain.RoomID, members []core.MemberDTO)
	OnUserJoined  func(m core.MemberDTO)
	OnUserLeft    func(id domain.UserID)
	OnRoles       func(members []core.MemberDTO)
	OnChat        func(m protocol.Chat)
	OnMuteRequest func(m protocol.MuteRequest)
	OnServerError func(reason string)
	OnLinkState   func(peer domain.UserID, s negotiation.State)
	OnLinkError   func(peer domain.UserID, err error)
}

type peerEntry struct {
	engine    *negotiation.Engine
	initiator bool
}

type Controller struct {
	ch     Channel
	links  LinkFactory
	policy connectivity.Policy
	h      Handlers
	Config negotiation.Config

	mu     sync.Mutex
	self   domain.UserID
	role   domain.Role
	room   domain.RoomID
	roster map[domain.UserID]core.MemberDTO
	peers  map[domain.UserID]*peerEntry
	tracks []webrtc.TrackLocal
	muted  bool
}

func NewController(ch Channel, links LinkFactory, policy connectivity.Policy, h Handlers) *Controller {
	return &Controller{
		ch:     ch,
		links:  links,
		policy: policy,
		h:      h,
		Config: negotiation.DefaultConfig(),
		roster: make(map[domain.UserID]core.MemberDTO),
		peers:  make(map[domain.UserID]*peerEntry),
	}
}

func (c *Controller) Join(displayName, roomID string) error {
	return c.ch.Send(protocol.JoinRoom{Type: protocol.TypeJoinRoom, DisplayName: displayName, RoomID: roomID})
}

// Leave leaves the room and closes every peer link before returning.
func (c *Controller) Leave() error {
	err := c.ch.Send(protocol.LeaveRoom{Type: protocol.TypeLeaveRoom})
	c.mu.Lock()
	c.room = ""
	c.role = ""
	c.roster = make(map[domain.UserID]core.MemberDTO)
	c.mu.Unlock()
	c.closeAll()
	return err
}

func (c *Controller) Chat(text string) error {
	return c.ch.Send(protocol.Chat{Type: protocol.TypeChat, Text: text})
}

func (c *Controller) MuteOne(target domain.UserID, muted bool) error {
	return c.ch.Send(protocol.MuteOne{Type: protocol.TypeMuteOne, TargetID: target, Muted: muted})
}

func (c *Controller) MuteAll(muted bool) error {
	return c.ch.Send(protocol.MuteAll{Type: protocol.TypeMuteAll, Muted: muted})
}

// AttachTrack sends track to every current and future peer.
func (c *Controller) AttachTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	c.tracks = append(c.tracks, track)
	engines := c.enginesLocked()
	c.mu.Unlock()

	for _, e := range engines {
		if err := e.AttachTrack(track); err != nil {
			return fmt.Errorf("peer %s: %w", e.Peer(), err)
		}
	}
	return nil
}

func (c *Controller) DetachTrack(trackID string) error {
	c.mu.Lock()
	for i, t := range c.tracks {
		if t.ID() == trackID {
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
			break
		}
	}
	engines := c.enginesLocked()
	c.mu.Unlock()

	for _, e := range engines {
		if err := e.DetachTrack(trackID); err != nil {
			return fmt.Errorf("peer %s: %w", e.Peer(), err)
		}
	}
	return nil
}

func (c *Controller) Self() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Controller) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Muted reports the last mute directive received.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// LinkState reports the negotiation state towards peer.
func (c *Controller) LinkState(peer domain.UserID) (negotiation.State, bool) {
	c.mu.Lock()
	p, ok := c.peers[peer]
	c.mu.Unlock()
	if !ok {
		return negotiation.Closed, false
	}
	return p.engine.State(), true
}

func (c *Controller) Peers() []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UserID, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// Run consumes the channel until it closes or ctx ends. A closed channel
// tears every link down and returns ErrTransportDown.
func (c *Controller) Run(ctx context.Context) error {
	in := c.ch.Incoming()
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			c.ch.Close()
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				log.Warn().Str("module", "session").Msg("signaling channel closed")
				c.closeAll()
				return domain.ErrTransportDown
			}
			c.handle(msg)
		}
	}
}

func (c *Controller) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RoomJoined:
		c.onRoomJoined(m)
	case protocol.UserJoined:
		c.onUserJoined(m)
	case protocol.UserLeft:
		c.onUserLeft(m)
	case protocol.RolesUpdated:
		c.onRolesUpdated(m)
	case protocol.Signal:
		c.onSignal(m)
	case protocol.Chat:
		if c.h.OnChat != nil {
			c.h.OnChat(m)
		}
	case protocol.MuteRequest:
		c.mu.Lock()
		c.muted = m.Muted
		c.mu.Unlock()
		if c.h.OnMuteRequest != nil {
			c.h.OnMuteRequest(m)
		}
	case protocol.Error:
		log.Warn().Str("module", "session").Str("reason", m.Reason).Msg("coordinator error")
		if c.h.OnServerError != nil {
			c.h.OnServerError(m.Reason)
		}
	case protocol.Pong:
	default:
		log.Debug().Str("module", "session").Str("type", string(msg.MessageType())).Msg("ignored message")
	}
}

// onRoomJoined replaces the whole mesh: this side arrived last, so it
// initiates towards every listed member.
func (c *Controller) onRoomJoined(m protocol.RoomJoined) {
	c.closeAll()

	c.mu.Lock()
	c.self = m.SelfID
	c.role = m.SelfRole
	c.room = m.RoomID
	c.roster = make(map[domain.UserID]core.MemberDTO, len(m.Members))
	var started []*negotiation.Engine
	for _, member := range m.Members {
		c.roster[member.ID] = member
		if member.ID == m.SelfID {
			continue
		}
		if e := c.addPeerLocked(member.ID, true); e != nil {
			started = append(started, e)
		}
	}
	c.mu.Unlock()

	log.Info().Str("module", "session").Str("self", string(m.SelfID)).Str("room", string(m.RoomID)).
		Str("role", string(m.SelfRole)).Int("peers", len(started)).Msg("joined room")
	if c.h.OnJoined != nil {
		c.h.OnJoined(m.SelfID, m.SelfRole, m.RoomID, m.Members)
	}
	for _, e := range started {
		e.Start()
	}
}

func (c *Controller) onUserJoined(m protocol.UserJoined) {
	member := core.MemberDTO{ID: m.ID, Name: m.Name, Role: m.Role}
	c.mu.Lock()
	c.roster[m.ID] = member
	if m.ID != c.self {
		if _, ok := c.peers[m.ID]; !ok {
			c.addPeerLocked(m.ID, false)
		}
	}
	retried := c.retryFailedLocked()
	c.mu.Unlock()

	if c.h.OnUserJoined != nil {
		c.h.OnUserJoined(member)
	}
	startAll(retried)
}

func (c *Controller) onUserLeft(m protocol.UserLeft) {
	c.mu.Lock()
	delete(c.roster, m.ID)
	p, ok := c.peers[m.ID]
	delete(c.peers, m.ID)
	retried := c.retryFailedLocked()
	c.mu.Unlock()

	if ok {
		p.engine.Close()
	}
	if c.h.OnUserLeft != nil {
		c.h.OnUserLeft(m.ID)
	}
	startAll(retried)
}

func (c *Controller) onRolesUpdated(m protocol.RolesUpdated) {
	c.mu.Lock()
	c.roster = make(map[domain.UserID]core.MemberDTO, len(m.Members))
	for _, member := range m.Members {
		c.roster[member.ID] = member
		if member.ID == c.self {
			c.role = member.Role
		}
	}
	retried := c.retryFailedLocked()
	c.mu.Unlock()

	if c.h.OnRoles != nil {
		c.h.OnRoles(m.Members)
	}
	startAll(retried)
}

func (c *Controller) onSignal(m protocol.Signal) {
	if m.SenderID == "" {
		return
	}
	c.mu.Lock()
	p, ok := c.peers[m.SenderID]
	if !ok && c.room != "" && m.SenderID != c.self {
		// Offer or candidate raced ahead of user-joined.
		if c.addPeerLocked(m.SenderID, false) != nil {
			p, ok = c.peers[m.SenderID]
		}
	}
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "session").Str("peer", string(m.SenderID)).Msg("signal from unknown peer dropped")
		return
	}
	p.engine.HandleSignal(m.Type, m.Payload)
}

// retryFailedLocked replaces engines that gave up on a peer still present.
// The returned engines still need Start.
func (c *Controller) retryFailedLocked() []*negotiation.Engine {
	var retried []*negotiation.Engine
	for id, p := range c.peers {
		if _, present := c.roster[id]; !present {
			continue
		}
		if p.engine.State() != negotiation.Failed {
			continue
		}
		log.Info().Str("module", "session").Str("peer", string(id)).Msg("recreating failed link")
		old := p.engine
		delete(c.peers, id)
		go old.Close()
		if e := c.addPeerLocked(id, p.initiator); e != nil {
			retried = append(retried, e)
		}
	}
	return retried
}

// addPeerLocked creates the link and engine for peer. The engine is not
// started.
func (c *Controller) addPeerLocked(peer domain.UserID, initiator bool) *negotiation.Engine {
	mode := c.policy.Decide(len(c.peers))
	link, err := c.links.NewLink(peer, mode)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer", string(peer)).Msg("cannot create link")
		if c.h.OnLinkError != nil {
			go c.h.OnLinkError(peer, err)
		}
		return nil
	}
	for _, t := range c.tracks {
		if err := link.AddTrack(t); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(peer)).Str("track", t.ID()).Msg("add track failed")
		}
	}
	e := negotiation.NewEngine(negotiation.Params{
		Self:      c.self,
		Peer:      peer,
		Initiator: initiator,
		Config:    c.Config,
		OnState:   c.h.OnLinkState,
		OnError:   c.h.OnLinkError,
	}, link, c.ch)
	c.peers[peer] = &peerEntry{engine: e, initiator: initiator}
	log.Debug().Str("module", "session").Str("peer", string(peer)).Bool("initiator", initiator).
		Str("mode", string(mode)).Msg("peer link added")
	return e
}

func (c *Controller) enginesLocked() []*negotiation.Engine {
	out := make([]*negotiation.Engine, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p.engine)
	}
	return out
}

// closeAll closes every engine in parallel and waits for all of them.
func (c *Controller) closeAll() {
	c.mu.Lock()
	engines := c.enginesLocked()
	c.peers = make(map[domain.UserID]*peerEntry)
	c.mu.Unlock()
	if len(engines) == 0 {
		return
	}

	var wg conc.WaitGroup
	for _, e := range engines {
		wg.Go(e.Close)
	}
	wg.Wait()
	log.Info().Str("module", "session").Int("links", len(engines)).Msg("closed peer links")
}

func startAll(engines []*negotiation.Engine) {
	for _, e := range engines {
		e.Start()
	}
}
