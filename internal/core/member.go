package core

import "github.com/dkeye/Mesh/internal/domain"

// Member binds a user to its room admission and its transport endpoint.
type Member struct {
	User   *domain.User
	Seq    uint64
	Signal SignalConnection
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID   domain.UserID `json:"id"`
	Name string        `json:"name"`
	Role domain.Role   `json:"role"`
}

// PublishResult reports delivery stats/backpressure to the coordinator.
type PublishResult struct {
	SendTo  int
	Dropped []*Member
}
