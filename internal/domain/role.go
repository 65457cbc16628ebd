package domain

type Role string

const (
	RoleHost        Role = "host"
	RoleCohost      Role = "cohost"
	RoleParticipant Role = "participant"
)

// RoleAt maps a position in the surviving join order to a role.
func RoleAt(pos int) Role {
	switch pos {
	case 0:
		return RoleHost
	case 1:
		return RoleCohost
	default:
		return RoleParticipant
	}
}

// CanModerate reports whether the role may issue mute directives.
func (r Role) CanModerate() bool {
	return r == RoleHost || r == RoleCohost
}
