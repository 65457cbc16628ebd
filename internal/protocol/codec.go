package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

const MaxChatLen = 2000

// Encode marshals m. Callers fill the Type field.
func Encode(m Message) (core.Frame, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return b, nil
}

// Decode parses one wire message defensively. Every failure wraps
// domain.ErrProtocol so callers can report it without a state change.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: bad json", domain.ErrProtocol)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeJoinRoom:
		msg, err = decodeAs[JoinRoom](data)
	case TypeLeaveRoom:
		msg, err = decodeAs[LeaveRoom](data)
	case TypeRoomJoined:
		msg, err = decodeAs[RoomJoined](data)
	case TypeUserJoined:
		msg, err = decodeAs[UserJoined](data)
	case TypeUserLeft:
		msg, err = decodeAs[UserLeft](data)
	case TypeRolesUpdated:
		msg, err = decodeAs[RolesUpdated](data)
	case TypeOffer, TypeAnswer, TypeCandidate:
		msg, err = decodeSignal(data)
	case TypeChat:
		msg, err = decodeChat(data)
	case TypeMuteOne:
		msg, err = decodeMuteOne(data)
	case TypeMuteAll:
		msg, err = decodeAs[MuteAll](data)
	case TypeMuteRequest:
		msg, err = decodeAs[MuteRequest](data)
	case TypePing:
		msg, err = decodeAs[Ping](data)
	case TypePong:
		msg, err = decodeAs[Pong](data)
	case TypeError:
		msg, err = decodeAs[Error](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", domain.ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrProtocol, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: bad %s payload", domain.ErrProtocol, v.MessageType())
	}
	return v, nil
}

func decodeSignal(data []byte) (Message, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: bad signal payload", domain.ErrProtocol)
	}
	p := bytes.TrimSpace(s.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil, fmt.Errorf("%w: %s without payload", domain.ErrProtocol, s.Type)
	}
	return s, nil
}

func decodeChat(data []byte) (Message, error) {
	c, err := decodeAs[Chat](data)
	if err != nil {
		return nil, err
	}
	if c.Text == "" {
		return nil, fmt.Errorf("%w: empty chat text", domain.ErrProtocol)
	}
	if utf8.RuneCountInString(c.Text) > MaxChatLen {
		return nil, fmt.Errorf("%w: chat text too long", domain.ErrProtocol)
	}
	return c, nil
}

func decodeMuteOne(data []byte) (Message, error) {
	m, err := decodeAs[MuteOne](data)
	if err != nil {
		return nil, err
	}
	if m.TargetID == "" {
		return nil, fmt.Errorf("%w: mute-one without targetId", domain.ErrProtocol)
	}
	return m, nil
}
