package event

import (
	"strings"
	"time"
)

// Query filters a relationship's event log. Zero-value fields match
// everything; set fields combine with AND.
type Query struct {
	From *time.Time
	To   *time.Time
	// Duration bounds apply only to events that carry a duration.
	MinDurationSeconds *int64
	MaxDurationSeconds *int64
	// GoalTypes matches events whose goal type is any of the listed values.
	GoalTypes []string
	// HasKeyholderControl filters on the keyholder-controlled marker.
	HasKeyholderControl *bool
	// CompletedGoals filters on goal completion.
	CompletedGoals *bool
	// Tags matches events carrying every listed tag.
	Tags []string
	// Rating matches events with an exact rating.
	Rating *int
	// TextSearch matches, case insensitively, against notes and tags.
	TextSearch string
}

// Matches reports whether evt satisfies every set filter.
func (q Query) Matches(evt Event) bool {
	if q.From != nil && evt.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && evt.Timestamp.After(*q.To) {
		return false
	}
	if q.MinDurationSeconds != nil && evt.Details.DurationSeconds < *q.MinDurationSeconds {
		return false
	}
	if q.MaxDurationSeconds != nil && evt.Details.DurationSeconds > *q.MaxDurationSeconds {
		return false
	}
	if len(q.GoalTypes) > 0 && !containsString(q.GoalTypes, evt.Details.GoalType) {
		return false
	}
	if q.HasKeyholderControl != nil && evt.Details.KeyholderControlled != *q.HasKeyholderControl {
		return false
	}
	if q.CompletedGoals != nil && evt.Details.GoalCompleted != *q.CompletedGoals {
		return false
	}
	for _, tag := range q.Tags {
		if !containsFold(evt.Tags, tag) {
			return false
		}
	}
	if q.Rating != nil && evt.Details.Rating != *q.Rating {
		return false
	}
	if q.TextSearch != "" && !matchesText(evt, q.TextSearch) {
		return false
	}
	return true
}

// Filter returns the events matching the query, preserving order. The input
// slice is never modified.
func (q Query) Filter(events []Event) []Event {
	matched := make([]Event, 0, len(events))
	for _, evt := range events {
		if q.Matches(evt) {
			matched = append(matched, evt)
		}
	}
	return matched
}

func matchesText(evt Event, search string) bool {
	search = strings.ToLower(search)
	if strings.Contains(strings.ToLower(evt.Details.Notes), search) {
		return true
	}
	for _, tag := range evt.Tags {
		if strings.Contains(strings.ToLower(tag), search) {
			return true
		}
	}
	return false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
