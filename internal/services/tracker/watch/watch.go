// Package watch fans out post-commit state changes to in-process
// subscribers keyed by relationship.
package watch

import (
	"sync"

	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
)

// Update is one post-commit snapshot of a relationship's tracker state.
type Update struct {
	RelationshipID string
	Data           session.TrackerData
}

// TaskUpdate is one post-commit snapshot of a relationship's task list,
// newest first.
type TaskUpdate struct {
	RelationshipID string
	Tasks          []task.Task
}

// Hub delivers snapshots to subscribers keyed by relationship. Delivery is
// synchronous: publishers wait for the callbacks, so callbacks must not
// block.
type Hub[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(T)
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[int]func(T))}
}

// Subscribe registers onChange for a relationship and returns an
// unsubscribe func. Unsubscribing twice is harmless.
func (h *Hub[T]) Subscribe(relationshipID string, onChange func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	subID := h.nextID
	if h.subs[relationshipID] == nil {
		h.subs[relationshipID] = make(map[int]func(T))
	}
	h.subs[relationshipID][subID] = onChange

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[relationshipID]; ok {
			delete(set, subID)
			if len(set) == 0 {
				delete(h.subs, relationshipID)
			}
		}
	}
}

// Publish delivers a snapshot to every subscriber of the relationship.
func (h *Hub[T]) Publish(relationshipID string, snapshot T) {
	h.mu.RLock()
	callbacks := make([]func(T), 0, len(h.subs[relationshipID]))
	for _, onChange := range h.subs[relationshipID] {
		callbacks = append(callbacks, onChange)
	}
	h.mu.RUnlock()

	for _, onChange := range callbacks {
		onChange(snapshot)
	}
}
