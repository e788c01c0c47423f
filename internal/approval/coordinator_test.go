package approval

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/database"
	"github.com/dukerupert/screentime/internal/events"
	"github.com/dukerupert/screentime/internal/ledger"
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/store"
	"github.com/dukerupert/screentime/internal/task"
)

type fixture struct {
	coordinator *Coordinator
	ledgers     *ledger.Service
	tasks       *store.TaskStore
	parent      auth.Actor
	child       auth.Actor
	childID     int64
}

func setupCoordinator(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	members := store.NewFamilyMemberStore(db)
	parent, err := members.Create("Dana", model.RoleParent, "#3b82f6", "🦉")
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := members.Create("Milo", model.RoleChild, "#f59e0b", "🦊")
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus()
	tasks := store.NewTaskStore(db)
	ledgers := ledger.NewService(db, store.NewLedgerStore(db), bus, logger)
	if _, err := ledgers.Provision(child.ID, 0, 7200, 28800, model.ResetPolicyManual); err != nil {
		t.Fatalf("provision ledger: %v", err)
	}

	return &fixture{
		coordinator: NewCoordinator(tasks, ledgers, bus, logger),
		ledgers:     ledgers,
		tasks:       tasks,
		parent:      auth.Actor{MemberID: parent.ID, Role: model.RoleParent},
		child:       auth.Actor{MemberID: child.ID, Role: model.RoleChild},
		childID:     child.ID,
	}
}

func (f *fixture) createTask(t *testing.T, reward int, rule string) *model.Task {
	t.Helper()
	created, err := f.tasks.Create("Do homework", "", reward, rule, f.childID, f.parent.MemberID, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestApproveCreditsReward(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 1800, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	approved, err := f.coordinator.Approve(tk.ID, f.parent)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.StateOf(approved) != task.StateApproved {
		t.Errorf("state = %q, want approved", task.StateOf(approved))
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != f.parent.MemberID {
		t.Error("approved_by not recorded")
	}

	l, err := f.ledgers.Get(f.childID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AvailableSeconds != 1800 {
		t.Errorf("available = %d, want 1800", l.AvailableSeconds)
	}

	entries, err := f.ledgers.Entries(f.childID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != model.EntryCredit {
		t.Fatalf("entries = %+v, want one credit", entries)
	}
	if entries[0].TaskID == nil || *entries[0].TaskID != tk.ID {
		t.Error("credit entry not linked to task")
	}
}

func TestApproveTwiceCreditsOnce(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if _, err := f.coordinator.Approve(tk.ID, f.parent); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := f.coordinator.Approve(tk.ID, f.parent); !errors.Is(err, task.ErrInvalidState) {
		t.Fatalf("second approve err = %v, want ErrInvalidState", err)
	}

	l, err := f.ledgers.Get(f.childID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AvailableSeconds != 600 {
		t.Errorf("available = %d, want 600 (single credit)", l.AvailableSeconds)
	}
}

func TestConcurrentApprovalsCreditOnce(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 1800, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}

	var wg sync.WaitGroup
	var approved atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coordinator.Approve(tk.ID, f.parent)
			switch {
			case err == nil:
				approved.Add(1)
			case errors.Is(err, task.ErrInvalidState):
			default:
				t.Errorf("approve: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := approved.Load(); got != 1 {
		t.Errorf("successful approvals = %d, want 1", got)
	}

	l, err := f.ledgers.Get(f.childID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AvailableSeconds != 1800 {
		t.Errorf("available = %d, want 1800 (single credit)", l.AvailableSeconds)
	}

	entries, err := f.ledgers.Entries(f.childID, 50)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	credits := 0
	for _, e := range entries {
		if e.Kind == model.EntryCredit {
			credits++
		}
	}
	if credits != 1 {
		t.Errorf("credit entries = %d, want 1", credits)
	}
}

func TestApproveRequiresCompletionRequest(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.Approve(tk.ID, f.parent); !errors.Is(err, task.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestApproveRequiresParent(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if _, err := f.coordinator.Approve(tk.ID, f.child); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestRequestCompletionOnlyAssignee(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.parent); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestRequestCompletionTwice(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); !errors.Is(err, task.ErrInvalidState) {
		t.Errorf("second request err = %v, want ErrInvalidState", err)
	}
}

func TestDenyReturnsToPending(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	denied, err := f.coordinator.Deny(tk.ID, f.parent)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if task.StateOf(denied) != task.StatePending {
		t.Errorf("state = %q, want pending", task.StateOf(denied))
	}

	// No reward on denial.
	l, err := f.ledgers.Get(f.childID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AvailableSeconds != 0 {
		t.Errorf("available = %d, want 0", l.AvailableSeconds)
	}

	// The child can redo and re-request.
	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if _, err := f.coordinator.Approve(tk.ID, f.parent); err != nil {
		t.Fatalf("approve after deny: %v", err)
	}
	l, _ = f.ledgers.Get(f.childID)
	if l.AvailableSeconds != 600 {
		t.Errorf("available = %d, want 600", l.AvailableSeconds)
	}
}

func TestDenyRequiresParent(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 600, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if _, err := f.coordinator.Deny(tk.ID, f.child); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestUnknownTask(t *testing.T) {
	f := setupCoordinator(t)

	if _, err := f.coordinator.RequestCompletion(9999, f.child); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("request err = %v, want ErrTaskNotFound", err)
	}
	if _, err := f.coordinator.Approve(9999, f.parent); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("approve err = %v, want ErrTaskNotFound", err)
	}
	if _, err := f.coordinator.Deny(9999, f.parent); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("deny err = %v, want ErrTaskNotFound", err)
	}
}

func TestApproveRecurringSchedulesNext(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 900, "FREQ=DAILY")

	approvedAt := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	f.coordinator.SetClock(func() time.Time { return approvedAt })

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if _, err := f.coordinator.Approve(tk.ID, f.parent); err != nil {
		t.Fatalf("approve: %v", err)
	}

	all, err := f.tasks.ListByAssignee(f.childID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(tasks) = %d, want 2 (original + next occurrence)", len(all))
	}

	var next *model.Task
	for i := range all {
		if all[i].ID != tk.ID {
			next = &all[i]
		}
	}
	if next == nil {
		t.Fatal("next occurrence not found")
	}
	if task.StateOf(next) != task.StatePending {
		t.Errorf("next state = %q, want pending", task.StateOf(next))
	}
	if next.DueAt == nil {
		t.Fatal("next occurrence has no due date")
	}
	if !next.DueAt.After(approvedAt) {
		t.Errorf("next due %v not after approval %v", next.DueAt, approvedAt)
	}
	if next.RewardSeconds != 900 || next.RecurrenceRule != "FREQ=DAILY" {
		t.Errorf("next occurrence did not inherit reward/rule: %+v", next)
	}
}

func TestApproveNonRecurringCreatesNothing(t *testing.T) {
	f := setupCoordinator(t)
	tk := f.createTask(t, 900, "")

	if _, err := f.coordinator.RequestCompletion(tk.ID, f.child); err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if _, err := f.coordinator.Approve(tk.ID, f.parent); err != nil {
		t.Fatalf("approve: %v", err)
	}

	all, err := f.tasks.ListByAssignee(f.childID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(tasks) = %d, want 1", len(all))
	}
}
