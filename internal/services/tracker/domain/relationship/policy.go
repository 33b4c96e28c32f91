package relationship

import "github.com/keybound/keybound/internal/services/tracker/domain/role"

// Action describes a permission-gated operation on a relationship.
type Action string

const (
	// ActionEditSessions covers session start/end and session edits.
	ActionEditSessions Action = "sessions"
	// ActionEditTasks covers task creation and task edits.
	ActionEditTasks Action = "tasks"
	// ActionEditGoals covers goal changes.
	ActionEditGoals Action = "goals"
	// ActionEditPunishments covers punishment assignment.
	ActionEditPunishments Action = "punishments"
	// ActionEditSettings covers tracking settings changes.
	ActionEditSettings Action = "settings"
	// ActionPauseSession covers pausing the running session.
	ActionPauseSession Action = "pauseSession"
	// ActionEmergencyUnlock covers the submissive's emergency release.
	ActionEmergencyUnlock Action = "emergencyUnlock"
)

// Allows resolves whether a user may perform an action on a relationship.
//
// Non-participants are always denied. The pause and emergency-unlock actions
// are submissive-only and gated by their permission flags. The keyholder-edit
// actions are keyholder-only and gated by the matching edit flag.
//
// The submissive may always mutate their own sessions and tasks; the
// keyholder-edit flags restrict the keyholder, not the owner of the state.
func Allows(rel Relationship, userID string, action Action) bool {
	switch RoleOf(rel, userID) {
	case role.RoleSubmissive:
		switch action {
		case ActionPauseSession:
			return rel.Permissions.SubmissiveCanPause
		case ActionEmergencyUnlock:
			return rel.Permissions.EmergencyUnlock
		case ActionEditSessions, ActionEditTasks, ActionEditGoals, ActionEditSettings:
			return true
		default:
			return false
		}
	case role.RoleKeyholder:
		switch action {
		case ActionEditSessions:
			return rel.Permissions.KeyholderCanEditSessions
		case ActionEditTasks:
			return rel.Permissions.KeyholderCanEditTasks
		case ActionEditGoals:
			return rel.Permissions.KeyholderCanEditGoals
		case ActionEditPunishments:
			return rel.Permissions.KeyholderCanEditPunishments
		case ActionEditSettings:
			return rel.Permissions.KeyholderCanEditSettings
		default:
			return false
		}
	default:
		return false
	}
}
