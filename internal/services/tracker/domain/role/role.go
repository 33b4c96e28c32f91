// Package role defines the two participant roles of a tracked relationship.
package role

import "strings"

// Role identifies which side of a relationship a participant holds.
type Role string

const (
	// RoleUnspecified represents an unknown or absent role.
	RoleUnspecified Role = ""
	// RoleKeyholder is the participant with elevated edit/approval permissions.
	RoleKeyholder Role = "keyholder"
	// RoleSubmissive is the participant whose session/task state is tracked.
	RoleSubmissive Role = "submissive"
)

// Valid reports whether the role is one of the two participant roles.
func Valid(r Role) bool {
	return r == RoleKeyholder || r == RoleSubmissive
}

// Complement returns the opposite participant role.
func Complement(r Role) Role {
	switch r {
	case RoleKeyholder:
		return RoleSubmissive
	case RoleSubmissive:
		return RoleKeyholder
	default:
		return RoleUnspecified
	}
}

// Label returns the string label for a role.
func Label(r Role) string {
	switch r {
	case RoleKeyholder:
		return "KEYHOLDER"
	case RoleSubmissive:
		return "SUBMISSIVE"
	default:
		return "UNSPECIFIED"
	}
}

// FromLabel converts a role label to a Role value.
func FromLabel(label string) Role {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "KEYHOLDER":
		return RoleKeyholder
	case "SUBMISSIVE":
		return RoleSubmissive
	default:
		return RoleUnspecified
	}
}
