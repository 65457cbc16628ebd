package app

import (
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a member whose channel refused a frame.
type Policy interface {
	OnBackPressure(room domain.RoomID, member *core.Member, err error) BackpressureAction
}

// SimplePolicy treats any refused frame as a dead channel.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, *core.Member, error) BackpressureAction {
	return KickMember
}
