package domain

// Role is a member's authorization level. Ranks are strictly ordered;
// moderation actions require RoleAdmin or above.
type Role string

const (
	RoleMember Role = "member"
	RoleMod    Role = "mod"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleMember: 0,
	RoleMod:    1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// Rank returns the numeric ordering of a role. Unknown roles rank
// below member so a corrupted value never grants access.
func (r Role) Rank() int {
	if rank, ok := roleRank[r]; ok {
		return rank
	}
	return -1
}

// AtLeast reports whether r carries at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank()
}
