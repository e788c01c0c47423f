// Package approval orchestrates the task review workflow: a child's
// completion request, and a parent's approve or deny. Approval credits the
// task's reward into the child's ledger exactly once; the task update and the
// credit commit in a single transaction. Lock order is always task first,
// then ledger.
package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/events"
	"github.com/dukerupert/screentime/internal/ledger"
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/recurrence"
	"github.com/dukerupert/screentime/internal/store"
	"github.com/dukerupert/screentime/internal/task"
)

// ErrTaskNotFound is returned when the task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

type Coordinator struct {
	tasks   *store.TaskStore
	ledgers *ledger.Service
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewCoordinator(tasks *store.TaskStore, ledgers *ledger.Service, bus *events.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		tasks:   tasks,
		ledgers: ledgers,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// SetClock overrides the coordinator's time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// lock returns the mutex serializing transitions on one task.
func (c *Coordinator) lock(taskID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	mu, ok := c.locks[taskID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[taskID] = mu
	}
	return mu
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// RequestCompletion marks a pending task as done, awaiting parent review.
// Only the assigned child may request.
func (c *Coordinator) RequestCompletion(taskID int64, actor auth.Actor) (*model.Task, error) {
	mu := c.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.tasks.GetByID(taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	if actor.MemberID != t.AssignedTo {
		return nil, auth.ErrNotAuthorized
	}

	now := c.now()
	if err := task.RequestCompletion(t, now); err != nil {
		return nil, err
	}
	if err := c.tasks.SetCompletionRequested(t.ID, now); err != nil {
		return nil, err
	}

	e := events.New(events.TaskRequested, now)
	e.TaskID = t.ID
	e.ChildID = t.AssignedTo
	c.publish(e)

	return c.tasks.GetByID(t.ID)
}

// Approve confirms a completion request: the task becomes approved and the
// reward is credited to the assigned child's ledger, atomically. For
// recurring tasks the next occurrence is created.
func (c *Coordinator) Approve(taskID int64, actor auth.Actor) (*model.Task, error) {
	if !actor.IsParent() {
		return nil, auth.ErrNotAuthorized
	}

	mu := c.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.tasks.GetByID(taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}

	now := c.now()
	if err := task.Approve(t, actor.MemberID, now); err != nil {
		return nil, err
	}

	// Credit and task update commit together; the ledger lock is acquired
	// inside, after the task lock held above.
	_, err = c.ledgers.CreditWith(t.AssignedTo, t.RewardSeconds, &t.ID, &actor.MemberID, func(q store.DBTX) error {
		return c.tasks.SetApproved(q, t.ID, actor.MemberID, now)
	})
	if err != nil {
		return nil, err
	}

	if t.IsRecurring() {
		if err := c.scheduleNext(t, now); err != nil {
			c.logger.Error("schedule next occurrence", "task_id", t.ID, "error", err)
		}
	}

	e := events.New(events.TaskApproved, now)
	e.TaskID = t.ID
	e.ChildID = t.AssignedTo
	e.Seconds = t.RewardSeconds
	c.publish(e)

	return c.tasks.GetByID(t.ID)
}

// Deny rejects a completion request, returning the task to pending so the
// child can redo it and re-request.
func (c *Coordinator) Deny(taskID int64, actor auth.Actor) (*model.Task, error) {
	if !actor.IsParent() {
		return nil, auth.ErrNotAuthorized
	}

	mu := c.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.tasks.GetByID(taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}

	if err := task.Deny(t); err != nil {
		return nil, err
	}
	if err := c.tasks.ClearCompletion(t.ID); err != nil {
		return nil, err
	}

	e := events.New(events.TaskDenied, c.now())
	e.TaskID = t.ID
	e.ChildID = t.AssignedTo
	c.publish(e)

	return c.tasks.GetByID(t.ID)
}

// scheduleNext creates the next occurrence of a recurring task, anchored at
// the original's creation (or due date) and strictly after the approval.
func (c *Coordinator) scheduleNext(t *model.Task, approvedAt time.Time) error {
	rule, err := recurrence.Parse(t.RecurrenceRule)
	if err != nil {
		return err
	}

	start := t.CreatedAt
	if t.DueAt != nil {
		start = *t.DueAt
	}
	next := recurrence.Next(rule, start, approvedAt)
	if next == nil {
		// Series exhausted by COUNT or UNTIL.
		return nil
	}

	created, err := c.tasks.Create(t.Title, t.Description, t.RewardSeconds, t.RecurrenceRule, t.AssignedTo, t.CreatedBy, next)
	if err != nil {
		return err
	}

	e := events.New(events.TaskCreated, approvedAt)
	e.TaskID = created.ID
	e.ChildID = created.AssignedTo
	c.publish(e)

	return nil
}
