package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/connectivity"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TrackHandler receives remote media for a peer.
type TrackHandler func(peer domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// PeerLink is a pion PeerConnection to one remote participant.
type PeerLink struct {
	pc   *webrtc.PeerConnection
	peer domain.UserID

	mu          sync.Mutex
	senders     map[string]*webrtc.RTPSender
	onCandidate func(json.RawMessage)
	onState     func(negotiation.LinkState)
}

func NewPeerLink(cfg webrtc.Configuration, peer domain.UserID, onTrack TrackHandler) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &PeerLink{pc: pc, peer: peer, senders: make(map[string]*webrtc.RTPSender)}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		l.mu.Lock()
		fn := l.onCandidate
		l.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		l.mu.Lock()
		fn := l.onState
		l.mu.Unlock()
		if fn != nil {
			fn(linkState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if onTrack != nil {
			onTrack(peer, track, receiver)
		}
	})

	return l, nil
}

func linkState(s webrtc.PeerConnectionState) negotiation.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return negotiation.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.LinkClosed
	default:
		return negotiation.LinkConnecting
	}
}

func (l *PeerLink) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return nil, l.linkErr(err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, l.linkErr(err)
	}
	return json.Marshal(offer)
}

func (l *PeerLink) CreateAnswer() (json.RawMessage, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, l.linkErr(err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, l.linkErr(err)
	}
	return json.Marshal(answer)
}

func (l *PeerLink) SetRemoteDescription(payload json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		return fmt.Errorf("bad session description: %w", err)
	}
	return l.linkErr(l.pc.SetRemoteDescription(sd))
}

func (l *PeerLink) AddCandidate(payload json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &ci); err != nil {
		return fmt.Errorf("bad candidate: %w", err)
	}
	return l.linkErr(l.pc.AddICECandidate(ci))
}

// Rollback discards the pending local offer. pion rejects an empty
// rollback description, so the pending SDP is passed back.
func (l *PeerLink) Rollback() error {
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if pending := l.pc.PendingLocalDescription(); pending != nil {
		rollback.SDP = pending.SDP
	}
	return l.linkErr(l.pc.SetLocalDescription(rollback))
}

// AddTrack attaches a local track and drains its RTCP feedback.
func (l *PeerLink) AddTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return l.linkErr(err)
	}
	l.mu.Lock()
	l.senders[track.ID()] = sender
	l.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (l *PeerLink) RemoveTrack(trackID string) error {
	l.mu.Lock()
	sender, ok := l.senders[trackID]
	delete(l.senders, trackID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("track %s not attached", trackID)
	}
	return l.linkErr(l.pc.RemoveTrack(sender))
}

func (l *PeerLink) OnCandidate(fn func(json.RawMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *PeerLink) OnStateChange(fn func(negotiation.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *PeerLink) Close() error {
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(l.peer)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(l.peer)).Msg("closed")
	return nil
}

// linkErr marks failures on a closed connection with ErrLinkClosed.
func (l *PeerLink) linkErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, webrtc.ErrConnectionClosed) || l.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return fmt.Errorf("%w: %v", negotiation.ErrLinkClosed, err)
	}
	return err
}

// Factory builds peer links with the configuration for the requested mode.
type Factory struct {
	Provider *connectivity.Provider
	OnTrack  TrackHandler
}

func (f *Factory) NewLink(peer domain.UserID, mode connectivity.Mode) (negotiation.Link, error) {
	cfg := f.Provider.Configuration(mode)
	link, err := NewPeerLink(cfg, peer, f.OnTrack)
	if err != nil {
		return nil, fmt.Errorf("new peer link %s: %w", peer, err)
	}
	log.Debug().Str("module", "webrtc").Str("peer", string(peer)).Str("mode", string(mode)).Msg("peer link created")
	return link, nil
}
