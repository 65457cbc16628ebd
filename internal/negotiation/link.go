// Package negotiation drives one peer-to-peer link per remote participant:
// offer/answer exchange, glare resolution, candidate buffering and
// connectivity restarts.
package negotiation

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// ErrLinkClosed is returned by a Link that was closed or superseded.
// Candidate apply failures wrapping it are swallowed.
var ErrLinkClosed = errors.New("link closed")

// LinkState is the connectivity signal a Link reports upward.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the media connection to one remote peer. Descriptions and
// candidates are opaque JSON payloads, exactly as relayed on the wire.
// CreateOffer and CreateAnswer also apply the result as local description.
type Link interface {
	CreateOffer(iceRestart bool) (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(payload json.RawMessage) error
	AddCandidate(payload json.RawMessage) error
	Rollback() error

	AddTrack(track webrtc.TrackLocal) error
	RemoveTrack(trackID string) error

	OnCandidate(fn func(payload json.RawMessage))
	OnStateChange(fn func(LinkState))
	Close() error
}

// Signaler carries negotiation messages to the remote peer through the
// coordinator relay.
type Signaler interface {
	SendSignal(msg protocol.Signal) error
}
