package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	OfferRetryDelay  time.Duration
	CollisionBackoff time.Duration
	FlushRetryDelay  time.Duration
	MaxFlushAttempts int
}

func DefaultConfig() Config {
	return Config{
		OfferRetryDelay:  500 * time.Millisecond,
		CollisionBackoff: time.Second,
		FlushRetryDelay:  500 * time.Millisecond,
		MaxFlushAttempts: 3,
	}
}

// Params describes the pair an engine negotiates for. The initiator is the
// participant that arrived second; the earlier joiner is polite on glare.
type Params struct {
	Self      domain.UserID
	Peer      domain.UserID
	Initiator bool
	Config    Config

	OnState func(peer domain.UserID, s State)
	OnError func(peer domain.UserID, err error)
}

// Engine owns the negotiation state of one peer link. Transitions are
// serialized by mu; signals and callbacks run after mu is released.
type Engine struct {
	self      domain.UserID
	peer      domain.UserID
	initiator bool
	polite    bool
	cfg       Config
	link      Link
	out       Signaler
	onState   func(domain.UserID, State)
	onError   func(domain.UserID, error)

	mu      sync.Mutex
	state   State
	effects []func()
	timers  map[*time.Timer]struct{}

	remoteSet     bool
	linkUp        bool
	restarted     bool
	renegotiate   bool
	collision     bool
	collidedOffer json.RawMessage

	queue         []json.RawMessage
	flushAttempts int
	flushPending  bool

	done atomic.Bool
}

func NewEngine(p Params, link Link, out Signaler) *Engine {
	cfg := p.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if cfg.MaxFlushAttempts <= 0 {
		cfg.MaxFlushAttempts = 1
	}
	e := &Engine{
		self:      p.Self,
		peer:      p.Peer,
		initiator: p.Initiator,
		polite:    !p.Initiator,
		cfg:       cfg,
		link:      link,
		out:       out,
		onState:   p.OnState,
		onError:   p.OnError,
		state:     Idle,
		timers:    make(map[*time.Timer]struct{}),
	}
	link.OnCandidate(e.sendCandidate)
	link.OnStateChange(e.handleLinkState)
	return e
}

func (e *Engine) Peer() domain.UserID { return e.peer }
func (e *Engine) Initiator() bool     { return e.initiator }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Buffered reports how many remote candidates wait for a remote description.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Start sends the first offer when this side is the initiator.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.unlock()
	if e.initiator && e.state == Idle {
		e.offerLocked(false, 0)
	}
}

// HandleSignal applies an offer, answer or candidate relayed from the peer.
func (e *Engine) HandleSignal(kind protocol.Type, payload json.RawMessage) {
	e.mu.Lock()
	defer e.unlock()
	if e.state == Closed {
		return
	}
	switch kind {
	case protocol.TypeOffer:
		e.handleOfferLocked(payload)
	case protocol.TypeAnswer:
		e.handleAnswerLocked(payload)
	case protocol.TypeCandidate:
		e.queue = append(e.queue, payload)
		if e.remoteSet {
			e.drainLocked()
		}
	}
}

// AttachTrack adds a local track and renegotiates, now if the link is
// connected, otherwise once it gets there.
func (e *Engine) AttachTrack(track webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.unlock()
	if e.state == Closed {
		return ErrLinkClosed
	}
	if err := e.link.AddTrack(track); err != nil {
		return fmt.Errorf("attach track %s: %w", track.ID(), err)
	}
	e.requestRenegotiationLocked()
	return nil
}

func (e *Engine) DetachTrack(trackID string) error {
	e.mu.Lock()
	defer e.unlock()
	if e.state == Closed {
		return ErrLinkClosed
	}
	if err := e.link.RemoveTrack(trackID); err != nil {
		return fmt.Errorf("detach track %s: %w", trackID, err)
	}
	e.requestRenegotiationLocked()
	return nil
}

// Close stops every pending timer, then closes the link. No callback
// fires after Close returns.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == Closed {
		e.mu.Unlock()
		return
	}
	e.done.Store(true)
	e.setStateLocked(Closed)
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.queue = nil
	e.collidedOffer = nil
	e.effects = nil
	e.mu.Unlock()

	if err := e.link.Close(); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(e.peer)).Msg("link close error")
	}
	log.Debug().Str("module", "negotiation").Str("peer", string(e.peer)).Msg("engine closed")
}

func (e *Engine) handleOfferLocked(payload json.RawMessage) {
	switch e.state {
	case OfferSent:
		if !e.polite {
			log.Debug().Str("module", "negotiation").Str("peer", string(e.peer)).
				Err(domain.ErrNegotiationCollision).Msg("ignoring colliding offer")
			return
		}
		log.Info().Str("module", "negotiation").Str("peer", string(e.peer)).
			Err(domain.ErrNegotiationCollision).Msg("rolling back local offer")
		if err := e.link.Rollback(); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(e.peer)).Msg("rollback failed")
		}
		e.setStateLocked(Restarting)
		e.collision = true
		e.collidedOffer = payload
		e.renegotiate = true
		e.afterLocked(e.cfg.CollisionBackoff, func() {
			if e.state != Restarting || !e.collision {
				return
			}
			offer := e.collidedOffer
			e.collision = false
			e.collidedOffer = nil
			e.setStateLocked(Idle)
			e.acceptOfferLocked(offer)
		})
	case Restarting:
		if e.collision {
			e.collidedOffer = payload
			return
		}
		e.acceptOfferLocked(payload)
	default:
		e.acceptOfferLocked(payload)
	}
}

func (e *Engine) acceptOfferLocked(payload json.RawMessage) {
	prev := e.state
	e.setStateLocked(OfferReceived)
	if err := e.link.SetRemoteDescription(payload); err != nil {
		e.revertLocked(prev)
		e.failLocked(fmt.Errorf("%w: apply offer: %v", domain.ErrNegotiationFailure, err))
		return
	}
	e.remoteSet = true
	e.drainLocked()

	answer, err := e.link.CreateAnswer()
	if err != nil {
		e.revertLocked(prev)
		e.failLocked(fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailure, err))
		return
	}
	e.sendLocked(protocol.TypeAnswer, answer)
	e.setStateLocked(AnswerSent)
	if e.linkUp {
		e.connectedLocked()
	}
}

// revertLocked undoes a failed offer apply. A state that cannot be
// re-entered from OfferReceived, such as a pending restart, ends in Failed.
func (e *Engine) revertLocked(prev State) {
	if canTransition(e.state, prev) {
		e.setStateLocked(prev)
		return
	}
	e.setStateLocked(Failed)
}

func (e *Engine) handleAnswerLocked(payload json.RawMessage) {
	if e.state != OfferSent {
		log.Debug().Str("module", "negotiation").Str("peer", string(e.peer)).
			Str("state", e.state.String()).Msg("discarding unexpected answer")
		return
	}
	if err := e.link.SetRemoteDescription(payload); err != nil {
		e.setStateLocked(Failed)
		e.failLocked(fmt.Errorf("%w: apply answer: %v", domain.ErrNegotiationFailure, err))
		return
	}
	e.remoteSet = true
	e.drainLocked()
	e.connectedLocked()
}

// offerLocked creates and sends an offer. A failed attempt is retried once;
// the second failure is surfaced and the engine keeps its state, except a
// restart which ends in Failed.
func (e *Engine) offerLocked(iceRestart bool, attempt int) {
	from := e.state
	payload, err := e.link.CreateOffer(iceRestart)
	if err != nil {
		if attempt == 0 {
			log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(e.peer)).Msg("offer failed, retrying")
			e.afterLocked(e.cfg.OfferRetryDelay, func() {
				if e.state != from {
					return
				}
				e.offerLocked(iceRestart, attempt+1)
			})
			return
		}
		if from == Restarting {
			e.setStateLocked(Failed)
		}
		e.failLocked(fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailure, err))
		return
	}
	e.sendLocked(protocol.TypeOffer, payload)
	e.setStateLocked(OfferSent)
}

func (e *Engine) connectedLocked() {
	e.setStateLocked(Connected)
	if e.renegotiate {
		e.renegotiate = false
		e.offerLocked(false, 0)
	}
}

func (e *Engine) requestRenegotiationLocked() {
	if e.state == Connected {
		e.offerLocked(false, 0)
		return
	}
	e.renegotiate = true
}

// drainLocked applies queued candidates in arrival order. A failing
// candidate blocks the ones behind it until it is applied, retried out or
// found to belong to a closed link.
// Nothing is applied while a retry is already scheduled.
func (e *Engine) drainLocked() {
	if e.flushPending {
		return
	}
	for len(e.queue) > 0 {
		err := e.link.AddCandidate(e.queue[0])
		switch {
		case err == nil, errors.Is(err, ErrLinkClosed):
			e.queue = e.queue[1:]
			e.flushAttempts = 0
		case e.flushAttempts+1 >= e.cfg.MaxFlushAttempts:
			e.queue = e.queue[1:]
			e.flushAttempts = 0
			e.failLocked(fmt.Errorf("apply candidate: %w", err))
		default:
			e.flushAttempts++
			e.flushPending = true
			log.Debug().Err(err).Str("module", "negotiation").Str("peer", string(e.peer)).
				Int("attempt", e.flushAttempts).Msg("candidate apply failed, retrying")
			e.afterLocked(e.cfg.FlushRetryDelay, func() {
				e.flushPending = false
				e.drainLocked()
			})
			return
		}
	}
}

func (e *Engine) handleLinkState(s LinkState) {
	e.mu.Lock()
	defer e.unlock()
	if e.state == Closed {
		return
	}
	log.Debug().Str("module", "negotiation").Str("peer", string(e.peer)).
		Str("link", s.String()).Str("state", e.state.String()).Msg("link state")

	switch s {
	case LinkConnected:
		e.linkUp = true
		e.restarted = false
		if e.state == AnswerSent {
			e.connectedLocked()
		}
	case LinkDisconnected, LinkFailed:
		e.linkUp = false
		if e.state == Failed {
			return
		}
		if e.restarted {
			e.setStateLocked(Failed)
			e.failLocked(fmt.Errorf("%w: %w", domain.ErrNegotiationFailure, domain.ErrTransportDown))
			return
		}
		e.restarted = true
		if e.state == Restarting {
			// glare backoff pending; the accepted offer restarts connectivity
			return
		}
		log.Info().Str("module", "negotiation").Str("peer", string(e.peer)).Msg("restarting connectivity")
		e.setStateLocked(Restarting)
		e.offerLocked(true, 0)
	}
}

func (e *Engine) sendCandidate(payload json.RawMessage) {
	if e.done.Load() {
		return
	}
	if err := e.out.SendSignal(protocol.Signal{Type: protocol.TypeCandidate, TargetID: e.peer, Payload: payload}); err != nil {
		log.Debug().Err(err).Str("module", "negotiation").Str("peer", string(e.peer)).Msg("candidate not sent")
	}
}

func (e *Engine) sendLocked(kind protocol.Type, payload json.RawMessage) {
	msg := protocol.Signal{Type: kind, TargetID: e.peer, Payload: payload}
	e.effects = append(e.effects, func() {
		if e.done.Load() {
			return
		}
		if err := e.out.SendSignal(msg); err != nil {
			e.reportError(fmt.Errorf("send %s: %w", kind, err))
		}
	})
}

func (e *Engine) setStateLocked(to State) {
	from := e.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		log.Error().Str("module", "negotiation").Str("peer", string(e.peer)).
			Str("from", from.String()).Str("to", to.String()).Msg("illegal transition")
		return
	}
	e.state = to
	log.Debug().Str("module", "negotiation").Str("peer", string(e.peer)).
		Str("from", from.String()).Str("to", to.String()).Msg("transition")
	if e.onState != nil {
		peer, cb := e.peer, e.onState
		e.effects = append(e.effects, func() { cb(peer, to) })
	}
}

func (e *Engine) failLocked(err error) {
	log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(e.peer)).Msg("negotiation error")
	e.effects = append(e.effects, func() { e.reportError(err) })
}

func (e *Engine) reportError(err error) {
	if e.onError != nil && !e.done.Load() {
		e.onError(e.peer, err)
	}
}

// afterLocked schedules fn to run with mu held. The timer is forgotten
// when it fires or when the engine closes.
func (e *Engine) afterLocked(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.unlock()
		if _, ok := e.timers[t]; !ok {
			return
		}
		delete(e.timers, t)
		fn()
	})
	e.timers[t] = struct{}{}
}

// unlock releases mu and runs the effects queued while it was held.
func (e *Engine) unlock() {
	effects := e.effects
	e.effects = nil
	e.mu.Unlock()
	for _, f := range effects {
		f()
	}
}
