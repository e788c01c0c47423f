// Package task implements the approval state machine for tasks. A task is
// Pending until its assigned child requests completion, CompletionRequested
// until a parent reviews it, and Approved once the reward has been credited.
// Denial returns it to Pending. Guards fail loudly on out-of-state
// transitions so a retried request can never credit a reward twice.
package task

import (
	"errors"
	"time"

	"github.com/dukerupert/screentime/internal/model"
)

// ErrInvalidState is returned when a transition is attempted from the wrong
// state (re-requesting a requested task, approving a pending or already
// approved task, and so on).
var ErrInvalidState = errors.New("task not in a valid state for this transition")

type State string

const (
	StatePending             State = "pending"
	StateCompletionRequested State = "completion_requested"
	StateApproved            State = "approved"
)

// StateOf derives the state from the task's completion fields. A task with
// no completion timestamp is pending regardless of the approved flag.
func StateOf(t *model.Task) State {
	if t.CompletedAt == nil {
		return StatePending
	}
	if t.Approved {
		return StateApproved
	}
	return StateCompletionRequested
}

// RequestCompletion moves a pending task to CompletionRequested.
func RequestCompletion(t *model.Task, now time.Time) error {
	if StateOf(t) != StatePending {
		return ErrInvalidState
	}
	at := now.UTC()
	t.CompletedAt = &at
	t.Approved = false
	return nil
}

// Approve marks a completion-requested task approved by the given parent.
func Approve(t *model.Task, approverID int64, now time.Time) error {
	if StateOf(t) != StateCompletionRequested {
		return ErrInvalidState
	}
	at := now.UTC()
	t.Approved = true
	t.ApprovedBy = &approverID
	t.ApprovedAt = &at
	return nil
}

// Deny returns a completion-requested task to Pending.
func Deny(t *model.Task) error {
	if StateOf(t) != StateCompletionRequested {
		return ErrInvalidState
	}
	t.CompletedAt = nil
	t.Approved = false
	t.ApprovedBy = nil
	t.ApprovedAt = nil
	return nil
}
