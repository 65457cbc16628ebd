package domain

import "strings"

type RoomID string

const (
	DefaultRoomID = RoomID("global")
	MaxRoomIDLen  = 64
)

// ParseRoomID returns fallback for empty ids and rejects oversized ones.
func ParseRoomID(raw string, fallback RoomID) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
