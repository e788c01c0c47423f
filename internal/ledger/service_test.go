package ledger

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
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/store"
)

func setupService(t *testing.T) (*Service, int64, auth.Actor, auth.Actor) {
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

	svc := NewService(db, store.NewLedgerStore(db), events.NewBus(), slog.New(slog.DiscardHandler))
	if _, err := svc.Provision(child.ID, 0, 7200, 28800, model.ResetPolicyManual); err != nil {
		t.Fatalf("provision ledger: %v", err)
	}

	parentActor := auth.Actor{MemberID: parent.ID, Role: model.RoleParent}
	childActor := auth.Actor{MemberID: child.ID, Role: model.RoleChild}
	return svc, child.ID, parentActor, childActor
}

func TestCreditAccumulates(t *testing.T) {
	svc, childID, _, _ := setupService(t)

	if _, err := svc.Credit(childID, 3600, nil, nil); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	l, err := svc.Credit(childID, 900, nil, nil)
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if l.AvailableSeconds != 4500 {
		t.Errorf("available = %d, want 4500", l.AvailableSeconds)
	}
}

func TestCreditNegativeAmount(t *testing.T) {
	svc, childID, _, _ := setupService(t)

	if _, err := svc.Credit(childID, -60, nil, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestCreditUnknownChild(t *testing.T) {
	svc, _, _, _ := setupService(t)

	if _, err := svc.Credit(9999, 60, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDebitClampsAtZero(t *testing.T) {
	svc, childID, _, _ := setupService(t)

	if _, err := svc.Credit(childID, 300, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	l, err := svc.Debit(childID, 500)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if l.AvailableSeconds != 0 {
		t.Errorf("available = %d, want 0", l.AvailableSeconds)
	}

	// Further debits against an empty balance are no-ops, not errors.
	l, err = svc.Debit(childID, 100)
	if err != nil {
		t.Fatalf("debit at zero: %v", err)
	}
	if l.AvailableSeconds != 0 {
		t.Errorf("available = %d, want 0", l.AvailableSeconds)
	}
}

func TestGrantRequiresParent(t *testing.T) {
	svc, childID, parent, child := setupService(t)

	if _, err := svc.Grant(child, childID, 600); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("child grant err = %v, want ErrNotAuthorized", err)
	}

	l, err := svc.Grant(parent, childID, 600)
	if err != nil {
		t.Fatalf("parent grant: %v", err)
	}
	if l.AvailableSeconds != 600 {
		t.Errorf("available = %d, want 600", l.AvailableSeconds)
	}
}

func TestRevokeClampsAndRecordsActual(t *testing.T) {
	svc, childID, parent, child := setupService(t)

	if _, err := svc.Grant(parent, childID, 200); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Revoke(child, childID, 100); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("child revoke err = %v, want ErrNotAuthorized", err)
	}

	l, err := svc.Revoke(parent, childID, 500)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if l.AvailableSeconds != 0 {
		t.Errorf("available = %d, want 0", l.AvailableSeconds)
	}

	entries, err := svc.Entries(childID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	// Newest first: the revoke entry records what was actually removed.
	if entries[0].Kind != model.EntryRevoke {
		t.Fatalf("entry kind = %q, want revoke", entries[0].Kind)
	}
	if entries[0].Seconds != -200 {
		t.Errorf("revoke entry seconds = %d, want -200", entries[0].Seconds)
	}
}

func TestSetLimitsValidation(t *testing.T) {
	svc, childID, parent, child := setupService(t)

	if _, err := svc.SetLimits(child, childID, 3600, 7200, model.ResetPolicyManual); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("child set limits err = %v, want ErrNotAuthorized", err)
	}
	if _, err := svc.SetLimits(parent, childID, 100, 50, model.ResetPolicyManual); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("weekly < daily err = %v, want ErrInvalidLimit", err)
	}
	if _, err := svc.SetLimits(parent, childID, 0, 7200, model.ResetPolicyManual); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("zero daily err = %v, want ErrInvalidLimit", err)
	}

	l, err := svc.SetLimits(parent, childID, 1800, 1800, model.ResetPolicyDailyRefill)
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if l.DailyLimitSeconds != 1800 || l.WeeklyLimitSeconds != 1800 {
		t.Errorf("limits = %d/%d, want 1800/1800", l.DailyLimitSeconds, l.WeeklyLimitSeconds)
	}
	if l.ResetPolicy != model.ResetPolicyDailyRefill {
		t.Errorf("reset policy = %q, want daily-refill", l.ResetPolicy)
	}
}

func TestStartTimerRequiresBalance(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.StartTimer(child, childID); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestStartTimerAlreadyActive(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.Credit(childID, 600, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.StartTimer(child, childID); !errors.Is(err, ErrTimerActive) {
		t.Errorf("second start err = %v, want ErrTimerActive", err)
	}
}

func TestStartTimerAuthorization(t *testing.T) {
	svc, childID, _, _ := setupService(t)

	if _, err := svc.Credit(childID, 600, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	other := auth.Actor{MemberID: childID + 100, Role: model.RoleChild}
	if _, err := svc.StartTimer(other, childID); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestStopTimerDebitsElapsed(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.Credit(childID, 600, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	start := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	clock := start
	svc.SetClock(func() time.Time { return clock })

	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock = start.Add(4 * time.Minute)
	consumed, l, err := svc.StopTimer(child, childID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if consumed != 240 {
		t.Errorf("consumed = %d, want 240", consumed)
	}
	if l.AvailableSeconds != 360 {
		t.Errorf("available = %d, want 360", l.AvailableSeconds)
	}
	if l.TimerActive {
		t.Error("timer still active after stop")
	}
}

func TestStopTimerClampsOverrun(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.Credit(childID, 600, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	start := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	clock := start
	svc.SetClock(func() time.Time { return clock })

	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 700 seconds elapsed against a 600-second balance.
	clock = start.Add(700 * time.Second)
	consumed, l, err := svc.StopTimer(child, childID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if consumed != 600 {
		t.Errorf("consumed = %d, want 600", consumed)
	}
	if l.AvailableSeconds != 0 {
		t.Errorf("available = %d, want 0", l.AvailableSeconds)
	}
}

func TestStopTimerNotActive(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, _, err := svc.StopTimer(child, childID); !errors.Is(err, ErrTimerNotActive) {
		t.Errorf("err = %v, want ErrTimerNotActive", err)
	}
}

func TestSnapshotLiveRemaining(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.Credit(childID, 600, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	start := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	clock := start
	svc.SetClock(func() time.Time { return clock })

	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock = start.Add(90 * time.Second)
	snap, err := svc.Snapshot(childID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.RemainingSeconds != 510 {
		t.Errorf("remaining = %d, want 510", snap.RemainingSeconds)
	}
	// The committed balance only changes on stop.
	if snap.AvailableSeconds != 600 {
		t.Errorf("available = %d, want 600", snap.AvailableSeconds)
	}

	clock = start.Add(2 * time.Hour)
	snap, err = svc.Snapshot(childID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.RemainingSeconds != 0 {
		t.Errorf("overrun remaining = %d, want 0", snap.RemainingSeconds)
	}
}

func TestSnapshotClockSkewClampsElapsed(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.Credit(childID, 600, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	start := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	clock := start
	svc.SetClock(func() time.Time { return clock })

	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The clock stepping backward must not inflate the remaining balance.
	clock = start.Add(-30 * time.Second)
	snap, err := svc.Snapshot(childID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.RemainingSeconds != 600 {
		t.Errorf("remaining = %d, want 600", snap.RemainingSeconds)
	}
}

func TestAutoStopExhausted(t *testing.T) {
	svc, childID, _, child := setupService(t)

	if _, err := svc.Credit(childID, 120, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	start := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	clock := start
	svc.SetClock(func() time.Time { return clock })

	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Not yet exhausted: the tick leaves the timer running.
	clock = start.Add(60 * time.Second)
	stopped, err := svc.AutoStopExhausted()
	if err != nil {
		t.Fatalf("auto-stop: %v", err)
	}
	if stopped != 0 {
		t.Errorf("stopped = %d, want 0", stopped)
	}

	clock = start.Add(200 * time.Second)
	stopped, err = svc.AutoStopExhausted()
	if err != nil {
		t.Fatalf("auto-stop: %v", err)
	}
	if stopped != 1 {
		t.Errorf("stopped = %d, want 1", stopped)
	}

	l, err := svc.Get(childID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.TimerActive {
		t.Error("timer still active after exhaustion")
	}
	if l.AvailableSeconds != 0 {
		t.Errorf("available = %d, want 0", l.AvailableSeconds)
	}

	// A second tick finds nothing to stop.
	stopped, err = svc.AutoStopExhausted()
	if err != nil {
		t.Fatalf("auto-stop: %v", err)
	}
	if stopped != 0 {
		t.Errorf("stopped = %d, want 0", stopped)
	}
}

func TestDailyRefill(t *testing.T) {
	svc, childID, parent, _ := setupService(t)

	if _, err := svc.SetLimits(parent, childID, 3600, 25200, model.ResetPolicyDailyRefill); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if _, err := svc.Credit(childID, 500, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	clock := time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return clock })

	refilled, err := svc.DailyRefill()
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if refilled != 1 {
		t.Fatalf("refilled = %d, want 1", refilled)
	}

	l, err := svc.Get(childID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.AvailableSeconds != 3600 {
		t.Errorf("available = %d, want 3600", l.AvailableSeconds)
	}

	// Same day: already reset, nothing to do.
	clock = clock.Add(2 * time.Hour)
	refilled, err = svc.DailyRefill()
	if err != nil {
		t.Fatalf("second refill: %v", err)
	}
	if refilled != 0 {
		t.Errorf("refilled = %d, want 0", refilled)
	}
}

func TestDailyRefillSkipsManualPolicy(t *testing.T) {
	svc, childID, _, _ := setupService(t)

	if _, err := svc.Credit(childID, 100, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	refilled, err := svc.DailyRefill()
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if refilled != 0 {
		t.Errorf("refilled = %d, want 0", refilled)
	}
	l, err := svc.Get(childID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.AvailableSeconds != 100 {
		t.Errorf("available = %d, want 100", l.AvailableSeconds)
	}
}

func TestEntriesAuditTrail(t *testing.T) {
	svc, childID, parent, _ := setupService(t)

	if _, err := svc.Credit(childID, 300, nil, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Grant(parent, childID, 120); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Debit(childID, 60); err != nil {
		t.Fatalf("debit: %v", err)
	}

	entries, err := svc.Entries(childID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	// Newest first.
	kinds := []string{entries[0].Kind, entries[1].Kind, entries[2].Kind}
	want := []string{model.EntryDebit, model.EntryGrant, model.EntryCredit}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("entries[%d].Kind = %q, want %q", i, kinds[i], want[i])
		}
	}
	if entries[0].Seconds != -60 {
		t.Errorf("debit seconds = %d, want -60", entries[0].Seconds)
	}
}

func TestConcurrentMutationsKeepBalanceNonNegative(t *testing.T) {
	svc, childID, parent, child := setupService(t)

	if _, err := svc.Grant(parent, childID, 100); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.StartTimer(child, childID); err != nil {
		t.Fatalf("start timer: %v", err)
	}

	var wg sync.WaitGroup
	var stops atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := svc.Credit(childID, 7, nil, nil); err != nil {
					t.Errorf("credit: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := svc.Revoke(parent, childID, 11); err != nil {
					t.Errorf("revoke: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			_, _, err := svc.StopTimer(child, childID)
			switch {
			case err == nil:
				stops.Add(1)
			case errors.Is(err, ErrTimerNotActive):
			default:
				t.Errorf("stop timer: %v", err)
			}
		}()
	}
	wg.Wait()

	l, err := svc.Get(childID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AvailableSeconds < 0 {
		t.Errorf("available = %d, want >= 0", l.AvailableSeconds)
	}
	if got := stops.Load(); got != 1 {
		t.Errorf("successful stops = %d, want 1", got)
	}

	// The balance and its audit trail are written in one transaction, so
	// the entries must sum to the final balance even under contention.
	entries, err := svc.Entries(childID, 1000)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	sum := 0
	timerEntries := 0
	for _, e := range entries {
		sum += e.Seconds
		if e.Kind == model.EntryTimer {
			timerEntries++
		}
	}
	if sum != l.AvailableSeconds {
		t.Errorf("sum of entries = %d, want %d", sum, l.AvailableSeconds)
	}
	if timerEntries != 1 {
		t.Errorf("timer entries = %d, want 1", timerEntries)
	}
}

func TestProvisionValidation(t *testing.T) {
	svc, _, _, _ := setupService(t)

	if _, err := svc.Provision(500, -1, 3600, 7200, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative start err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Provision(500, 0, 7200, 3600, ""); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("weekly < daily err = %v, want ErrInvalidLimit", err)
	}
}
