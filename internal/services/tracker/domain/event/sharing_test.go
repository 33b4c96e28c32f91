package event

import (
	"testing"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/session"
)

func TestRedactEvents(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "evt-1", Type: TypeSessionEnd, Timestamp: base, Details: Details{Notes: "private thoughts", DurationSeconds: 3600, Rating: 3}},
		{ID: "evt-2", Type: TypeSessionEnd, Timestamp: base, IsPrivate: true, Details: Details{Notes: "hidden"}},
		{ID: "evt-3", Type: TypeSessionEnd, Timestamp: base, IsPrivate: true, Details: Details{KeyholderControlled: true, Notes: "directed"}},
		{ID: "evt-4", Type: TypeSessionPause, Timestamp: base},
	}

	t.Run("private entries dropped, keyholder directed kept", func(t *testing.T) {
		t.Parallel()
		got := RedactEvents(events, DefaultSharingSettings())
		ids := make([]string, 0, len(got))
		for _, evt := range got {
			ids = append(ids, evt.ID)
		}
		want := []string{"evt-1", "evt-3", "evt-4"}
		if len(ids) != len(want) {
			t.Fatalf("visible ids = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("visible ids = %v, want %v", ids, want)
				break
			}
		}
	})

	t.Run("notes hidden by default", func(t *testing.T) {
		t.Parallel()
		got := RedactEvents(events, DefaultSharingSettings())
		if got[0].Details.Notes != "" {
			t.Errorf("Notes = %q, want redacted", got[0].Details.Notes)
		}
		if got[0].Details.DurationSeconds != 3600 || got[0].Details.Rating != 3 {
			t.Errorf("shared fields stripped: %+v", got[0].Details)
		}
	})

	t.Run("unshared fields cleared", func(t *testing.T) {
		t.Parallel()
		got := RedactEvents(events, SharingSettings{SharePauses: true})
		if got[0].Details.DurationSeconds != 0 || got[0].Details.Rating != 0 {
			t.Errorf("Details = %+v, want duration and rating cleared", got[0].Details)
		}
		if got[0].ID != "evt-1" || got[0].Timestamp.IsZero() {
			t.Error("identifiers must survive redaction")
		}
	})

	t.Run("pause events hidden", func(t *testing.T) {
		t.Parallel()
		got := RedactEvents(events, SharingSettings{ShareNotes: true})
		for _, evt := range got {
			if evt.Type == TypeSessionPause {
				t.Error("pause event visible with SharePauses off")
			}
		}
	})

	t.Run("input unmodified", func(t *testing.T) {
		t.Parallel()
		RedactEvents(events, SharingSettings{})
		if events[0].Details.Notes != "private thoughts" || events[0].Details.DurationSeconds != 3600 {
			t.Error("RedactEvents modified its input")
		}
	})
}

func TestRedactSession(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	s := session.Session{
		ID:              "sess-1",
		RelationshipID:  "rel-1",
		StartTime:       start,
		EndTime:         &end,
		DurationSeconds: 7200,
		PausedSeconds:   600,
		GoalSeconds:     3600,
		GoalMet:         true,
		Notes:           "rough night",
		Events: []session.Event{
			{Type: session.EventStart, Timestamp: start},
			{Type: session.EventPause, Timestamp: start.Add(time.Hour)},
			{Type: session.EventResume, Timestamp: start.Add(70 * time.Minute)},
			{Type: session.EventEnd, Timestamp: end},
		},
	}

	got := RedactSession(s, SharingSettings{ShareDuration: true})

	if got.ID != "sess-1" || !got.StartTime.Equal(start) || got.EndTime == nil {
		t.Error("session identity and boundaries must survive redaction")
	}
	if got.DurationSeconds != 7200 {
		t.Errorf("DurationSeconds = %d, want shared", got.DurationSeconds)
	}
	if got.PausedSeconds != 0 {
		t.Errorf("PausedSeconds = %d, want cleared with SharePauses off", got.PausedSeconds)
	}
	if got.GoalSeconds != 0 || got.GoalMet {
		t.Error("goal fields must clear with ShareGoals off")
	}
	if got.Notes != "" {
		t.Errorf("Notes = %q, want cleared", got.Notes)
	}
	if len(got.Events) != 2 {
		t.Fatalf("len(Events) = %d, want pause and resume hidden", len(got.Events))
	}
	if len(s.Events) != 4 || s.Notes != "rough night" {
		t.Error("RedactSession modified its input")
	}
}
