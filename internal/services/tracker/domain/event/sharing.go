package event

import "github.com/keybound/keybound/internal/services/tracker/domain/session"

// SharingSettings control what the submissive's history exposes to the
// keyholder. Identifiers and timestamps are always visible for entries that
// are shared at all.
type SharingSettings struct {
	ShareDuration bool
	ShareGoals    bool
	SharePauses   bool
	ShareNotes    bool
	ShareRatings  bool
}

// DefaultSharingSettings share everything except free-text notes.
func DefaultSharingSettings() SharingSettings {
	return SharingSettings{
		ShareDuration: true,
		ShareGoals:    true,
		SharePauses:   true,
		ShareRatings:  true,
	}
}

// RedactEvents returns the keyholder-visible view of an event list. Private
// entries are dropped unless they record keyholder-directed activity, and
// unshared detail fields are cleared. The input is never modified.
func RedactEvents(events []Event, share SharingSettings) []Event {
	visible := make([]Event, 0, len(events))
	for _, evt := range events {
		if evt.IsPrivate && !evt.Details.KeyholderControlled {
			continue
		}
		if !share.SharePauses && (evt.Type == TypeSessionPause || evt.Type == TypeSessionResume) {
			continue
		}
		visible = append(visible, redactEvent(evt, share))
	}
	return visible
}

func redactEvent(evt Event, share SharingSettings) Event {
	out := evt
	out.Tags = append([]string(nil), evt.Tags...)
	if !share.ShareDuration {
		out.Details.DurationSeconds = 0
	}
	if !share.ShareGoals {
		out.Details.GoalType = ""
		out.Details.GoalCompleted = false
	}
	if !share.ShareNotes {
		out.Details.Notes = ""
	}
	if !share.ShareRatings {
		out.Details.Rating = 0
	}
	return out
}

// RedactSession returns the keyholder-visible view of a session. Session
// identity, timing boundaries, and keyholder approval state always survive.
func RedactSession(s session.Session, share SharingSettings) session.Session {
	out := s
	out.Events = make([]session.Event, 0, len(s.Events))
	for _, evt := range s.Events {
		if !share.SharePauses && (evt.Type == session.EventPause || evt.Type == session.EventResume) {
			continue
		}
		out.Events = append(out.Events, evt)
	}
	if !share.ShareDuration {
		out.DurationSeconds = 0
		out.PausedSeconds = 0
	}
	if !share.SharePauses {
		out.PausedSeconds = 0
	}
	if !share.ShareGoals {
		out.GoalSeconds = 0
		out.GoalMet = false
	}
	if !share.ShareNotes {
		out.Notes = ""
	}
	return out
}
