package model

import "time"

// Task is a unit of work assigned to a child, carrying a screen-time reward
// in seconds. CompletedAt is set when the child requests completion; Approved
// is only meaningful while CompletedAt is non-nil.
type Task struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	RewardSeconds  int        `json:"reward_seconds"`
	RecurrenceRule string     `json:"recurrence_rule"`
	AssignedTo     int64      `json:"assigned_to"`
	CreatedBy      int64      `json:"created_by"`
	DueAt          *time.Time `json:"due_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	Approved       bool       `json:"approved"`
	ApprovedBy     *int64     `json:"approved_by"`
	ApprovedAt     *time.Time `json:"approved_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (t *Task) IsRecurring() bool {
	return t.RecurrenceRule != ""
}
