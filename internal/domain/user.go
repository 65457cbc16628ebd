// Package domain contains entity without logic, just meta-data
package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 36
	AnonymousName     = "Anonymous"
)

type UserID string

// NewUserID returns a fresh server-side participant id.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}

type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser never fails: display names are untrusted input and get normalized.
func NewUser(id UserID, displayName string) *User {
	return &User{ID: id, Name: NormalizeDisplayName(displayName)}
}

// NormalizeDisplayName trims, truncates to MaxDisplayNameLen runes and
// falls back to AnonymousName.
func NormalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return AnonymousName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		r := []rune(name)
		name = strings.TrimSpace(string(r[:MaxDisplayNameLen]))
	}
	return name
}
