package event

import (
	"testing"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func staticIDGenerator(id string) func() (string, error) {
	return func() (string, error) { return id, nil }
}

func TestNew(t *testing.T) {
	t.Parallel()

	loggedAt := time.Date(2025, time.May, 10, 18, 30, 0, 0, time.UTC)
	evt, err := New(AppendInput{
		RelationshipID: "rel-1",
		Type:           TypeSessionEnd,
		LoggedBy:       role.RoleSubmissive,
		Tags:           []string{" overnight ", "", "goal"},
		Details:        Details{DurationSeconds: 28800, GoalCompleted: true},
	}, fixedClock(loggedAt), staticIDGenerator("evt-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if evt.ID != "evt-1" {
		t.Errorf("ID = %q", evt.ID)
	}
	if !evt.Timestamp.Equal(loggedAt) {
		t.Errorf("Timestamp = %v, want %v", evt.Timestamp, loggedAt)
	}
	if len(evt.Tags) != 2 || evt.Tags[0] != "overnight" || evt.Tags[1] != "goal" {
		t.Errorf("Tags = %v, want trimmed non-empty tags", evt.Tags)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(AppendInput{Type: TypeSessionStart}, nil, nil); apperrors.GetCode(err) != apperrors.CodeRelationshipIDRequired {
		t.Errorf("missing relationship id: got %v", err)
	}
	if _, err := New(AppendInput{RelationshipID: "rel-1", Type: "  "}, nil, nil); apperrors.GetCode(err) != apperrors.CodeEventTypeRequired {
		t.Errorf("blank type: got %v", err)
	}
}

func sampleEvents() []Event {
	base := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	return []Event{
		{
			ID:             "evt-1",
			RelationshipID: "rel-1",
			Type:           TypeSessionEnd,
			Timestamp:      base,
			Tags:           []string{"overnight"},
			Details:        Details{Notes: "slept fine", DurationSeconds: 28800, GoalType: "personal", GoalCompleted: true, Rating: 4},
		},
		{
			ID:             "evt-2",
			RelationshipID: "rel-1",
			Type:           TypeSessionEnd,
			Timestamp:      base.Add(48 * time.Hour),
			Tags:           []string{"short", "daytime"},
			Details:        Details{Notes: "cut short", DurationSeconds: 1800, GoalType: "keyholder", Rating: 2, KeyholderControlled: true},
		},
		{
			ID:             "evt-3",
			RelationshipID: "rel-1",
			Type:           TypeTaskCompleted,
			Timestamp:      base.Add(96 * time.Hour),
			Tags:           []string{"chores"},
			Details:        Details{Notes: "done early", Rating: 5},
		},
	}
}

func TestQueryMatches(t *testing.T) {
	t.Parallel()

	events := sampleEvents()
	from := time.Date(2025, time.May, 2, 0, 0, 0, 0, time.UTC)
	minDur := int64(3600)
	maxDur := int64(7200)
	controlled := true
	completed := true
	rating := 5

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"empty query matches all", Query{}, []string{"evt-1", "evt-2", "evt-3"}},
		{"from bound", Query{From: &from}, []string{"evt-2", "evt-3"}},
		{"to bound", Query{To: &from}, []string{"evt-1"}},
		{"min duration", Query{MinDurationSeconds: &minDur}, []string{"evt-1"}},
		{"max duration", Query{MaxDurationSeconds: &maxDur}, []string{"evt-2", "evt-3"}},
		{"goal types", Query{GoalTypes: []string{"keyholder"}}, []string{"evt-2"}},
		{"keyholder control", Query{HasKeyholderControl: &controlled}, []string{"evt-2"}},
		{"completed goals", Query{CompletedGoals: &completed}, []string{"evt-1"}},
		{"tag match is case insensitive", Query{Tags: []string{"DAYTIME"}}, []string{"evt-2"}},
		{"all tags required", Query{Tags: []string{"short", "chores"}}, nil},
		{"rating", Query{Rating: &rating}, []string{"evt-3"}},
		{"text search in notes", Query{TextSearch: "SHORT"}, []string{"evt-2"}},
		{"text search in tags", Query{TextSearch: "chores"}, []string{"evt-3"}},
		{"filters combine with and", Query{From: &from, TextSearch: "done"}, []string{"evt-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.query.Filter(events)
			if len(got) != len(tt.want) {
				t.Fatalf("Filter() returned %d events, want %d", len(got), len(tt.want))
			}
			for i, evt := range got {
				if evt.ID != tt.want[i] {
					t.Errorf("Filter()[%d] = %s, want %s", i, evt.ID, tt.want[i])
				}
			}
		})
	}
}

func TestFilterDoesNotModifyInput(t *testing.T) {
	t.Parallel()

	events := sampleEvents()
	Query{TextSearch: "short"}.Filter(events)
	if events[0].ID != "evt-1" || len(events) != 3 {
		t.Error("Filter modified its input")
	}
}
