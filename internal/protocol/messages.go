// Package protocol defines the JSON wire messages exchanged between
// participants and the room coordinator.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeRoomJoined   Type = "room-joined"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeRolesUpdated Type = "roles-updated"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeCandidate    Type = "candidate"
	TypeChat         Type = "chat"
	TypeMuteOne      Type = "mute-one"
	TypeMuteAll      Type = "mute-all"
	TypeMuteRequest  Type = "mute-request"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeError        Type = "error"
)

// IsSignal reports whether t carries an opaque negotiation payload.
func (t Type) IsSignal() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
}

type Envelope struct {
	Type Type `json:"type"`
}

type JoinRoom struct {
	Type        Type   `json:"type"`
	DisplayName string `json:"displayName"`
	RoomID      string `json:"roomId,omitempty"`
}

type LeaveRoom struct {
	Type Type `json:"type"`
}

type RoomJoined struct {
	Type     Type             `json:"type"`
	SelfID   domain.UserID    `json:"selfId"`
	SelfRole domain.Role      `json:"selfRole"`
	RoomID   domain.RoomID    `json:"roomId"`
	Members  []core.MemberDTO `json:"members"`
}

type UserJoined struct {
	Type Type          `json:"type"`
	ID   domain.UserID `json:"id"`
	Name string        `json:"name"`
	Role domain.Role   `json:"role"`
}

type UserLeft struct {
	Type Type          `json:"type"`
	ID   domain.UserID `json:"id"`
}

type RolesUpdated struct {
	Type    Type             `json:"type"`
	RoomID  domain.RoomID    `json:"roomId"`
	Members []core.MemberDTO `json:"members"`
}

// Signal is an offer, answer or candidate. The payload is never inspected
// by the coordinator; SenderID is stamped on the relayed copy.
type Signal struct {
	Type     Type            `json:"type"`
	TargetID domain.UserID   `json:"targetId,omitempty"`
	SenderID domain.UserID   `json:"senderId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Chat is both the client request (Text only) and the broadcast.
type Chat struct {
	Type            Type          `json:"type"`
	SenderID        domain.UserID `json:"senderId,omitempty"`
	Name            string        `json:"name,omitempty"`
	Text            string        `json:"text"`
	ServerTimestamp int64         `json:"serverTimestamp,omitempty"`
}

type MuteOne struct {
	Type     Type          `json:"type"`
	TargetID domain.UserID `json:"targetId"`
	Muted    bool          `json:"muted"`
}

type MuteAll struct {
	Type  Type `json:"type"`
	Muted bool `json:"muted"`
}

type MuteRequest struct {
	Type  Type          `json:"type"`
	Muted bool          `json:"muted"`
	ByID  domain.UserID `json:"byId,omitempty"`
}

type Ping struct {
	Type Type `json:"type"`
}

type Pong struct {
	Type Type `json:"type"`
}

type Error struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

func (JoinRoom) MessageType() Type     { return TypeJoinRoom }
func (LeaveRoom) MessageType() Type    { return TypeLeaveRoom }
func (RoomJoined) MessageType() Type   { return TypeRoomJoined }
func (UserJoined) MessageType() Type   { return TypeUserJoined }
func (UserLeft) MessageType() Type     { return TypeUserLeft }
func (RolesUpdated) MessageType() Type { return TypeRolesUpdated }
func (s Signal) MessageType() Type     { return s.Type }
func (Chat) MessageType() Type         { return TypeChat }
func (MuteOne) MessageType() Type      { return TypeMuteOne }
func (MuteAll) MessageType() Type      { return TypeMuteAll }
func (MuteRequest) MessageType() Type  { return TypeMuteRequest }
func (Ping) MessageType() Type         { return TypePing }
func (Pong) MessageType() Type         { return TypePong }
func (Error) MessageType() Type        { return TypeError }
