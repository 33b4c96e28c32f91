package session

import "time"

// CurrentSession is the live pointer to a relationship's running session.
// At most one session per relationship is active at a time.
type CurrentSession struct {
	ID        string
	IsActive  bool
	StartTime time.Time
	// PausedAt is set while the session is paused and cleared on resume.
	PausedAt *time.Time
	// PausedSeconds accumulates completed pause intervals. The interval in
	// progress, if any, is measured from PausedAt when it closes.
	PausedSeconds             int64
	KeyholderApprovalRequired bool
}

// Goals holds duration targets for sessions, in seconds.
type Goals struct {
	PersonalSeconds  int64
	KeyholderSeconds int64
}

// Settings control how sessions behave for a relationship.
type Settings struct {
	AllowPausing         bool
	PauseCooldownSeconds int64
	RequireReasonForEnd  bool
	TrackingEnabled      bool
}

// DefaultSettings are applied when a relationship's tracker state is first
// created.
func DefaultSettings() Settings {
	return Settings{
		AllowPausing:    true,
		TrackingEnabled: true,
	}
}

// TrackerData is the per-relationship session tracking state: the current
// session pointer plus goals and settings.
type TrackerData struct {
	RelationshipID string
	Current        CurrentSession
	Goals          Goals
	Settings       Settings
	UpdatedAt      time.Time
}

// NewTrackerData returns initial tracker state with no active session.
func NewTrackerData(relationshipID string, now time.Time) TrackerData {
	return TrackerData{
		RelationshipID: relationshipID,
		Settings:       DefaultSettings(),
		UpdatedAt:      now.UTC(),
	}
}
