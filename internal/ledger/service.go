// Package ledger owns all mutations to a child's screen-time balance. Every
// operation serializes on a per-child lock, writes the balance change and its
// audit entry in one transaction, and keeps the balance floored at zero.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/events"
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/store"
)

var (
	ErrNotFound            = errors.New("ledger not found")
	ErrInvalidAmount       = errors.New("amount must be non-negative")
	ErrInvalidLimit        = errors.New("limits must be positive and weekly >= daily")
	ErrTimerActive         = errors.New("timer already running")
	ErrTimerNotActive      = errors.New("timer not running")
	ErrInsufficientBalance = errors.New("no screen time available")
)

type Service struct {
	db      *sql.DB
	ledgers *store.LedgerStore
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewService(db *sql.DB, ledgers *store.LedgerStore, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		ledgers: ledgers,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// SetClock overrides the service's time source. Tests use it to simulate
// elapsed timer intervals without sleeping.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// lock returns the mutex guarding one child's ledger. Operations on
// different children proceed in parallel.
func (s *Service) lock(childID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.locks[childID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[childID] = mu
	}
	return mu
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Provision creates a ledger for a newly added child.
func (s *Service) Provision(childID int64, startingSeconds, dailyLimit, weeklyLimit int, resetPolicy string) (*model.Ledger, error) {
	if startingSeconds < 0 {
		return nil, ErrInvalidAmount
	}
	if err := validateLimits(dailyLimit, weeklyLimit); err != nil {
		return nil, err
	}
	if resetPolicy == "" {
		resetPolicy = model.ResetPolicyManual
	}
	if resetPolicy != model.ResetPolicyManual && resetPolicy != model.ResetPolicyDailyRefill {
		return nil, fmt.Errorf("unknown reset policy %q", resetPolicy)
	}
	return s.ledgers.Create(childID, startingSeconds, dailyLimit, weeklyLimit, resetPolicy)
}

// Get returns the child's ledger or ErrNotFound.
func (s *Service) Get(childID int64) (*model.Ledger, error) {
	l, err := s.ledgers.GetByChildID(childID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

// Snapshot returns the ledger's read model. While a timer is running,
// RemainingSeconds is recomputed from the timer start and the last committed
// balance, so the value is correct even if no depletion tick has run.
func (s *Service) Snapshot(childID int64) (*model.LedgerSnapshot, error) {
	l, err := s.Get(childID)
	if err != nil {
		return nil, err
	}

	remaining := l.AvailableSeconds
	if l.TimerActive && l.TimerStartedAt != nil {
		elapsed := int(s.now().Sub(*l.TimerStartedAt) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
		remaining = l.AvailableSeconds - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}

	return &model.LedgerSnapshot{
		ChildID:            l.ChildID,
		AvailableSeconds:   l.AvailableSeconds,
		DailyLimitSeconds:  l.DailyLimitSeconds,
		WeeklyLimitSeconds: l.WeeklyLimitSeconds,
		ResetPolicy:        l.ResetPolicy,
		TimerActive:        l.TimerActive,
		TimerStartedAt:     l.TimerStartedAt,
		RemainingSeconds:   remaining,
	}, nil
}

func (s *Service) Entries(childID int64, limit int) ([]model.LedgerEntry, error) {
	if _, err := s.Get(childID); err != nil {
		return nil, err
	}
	return s.ledgers.ListEntries(childID, limit)
}

// Credit adds earned seconds to the balance. Earned time is not capped by
// the daily limit.
func (s *Service) Credit(childID int64, seconds int, taskID, actorID *int64) (*model.Ledger, error) {
	return s.CreditWith(childID, seconds, taskID, actorID, nil)
}

// CreditWith applies a credit and, when fn is non-nil, runs fn inside the
// same transaction. The approval coordinator uses fn to commit the task's
// approval atomically with the reward credit.
func (s *Service) CreditWith(childID int64, seconds int, taskID, actorID *int64, fn func(q store.DBTX) error) (*model.Ledger, error) {
	if seconds < 0 {
		return nil, ErrInvalidAmount
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.Get(childID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.inTx(func(tx *sql.Tx) error {
		if err := s.ledgers.SetBalance(tx, childID, l.AvailableSeconds+seconds, now); err != nil {
			return err
		}
		if err := s.ledgers.InsertEntry(tx, model.LedgerEntry{
			ChildID:   childID,
			Kind:      model.EntryCredit,
			Seconds:   seconds,
			TaskID:    taskID,
			ActorID:   actorID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if fn != nil {
			return fn(tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e := events.New(events.LedgerCredited, now)
	e.ChildID = childID
	e.Seconds = seconds
	if taskID != nil {
		e.TaskID = *taskID
	}
	s.publish(e)

	return s.Get(childID)
}

// Debit removes seconds from the balance, clamping at zero. Over-debit is
// not an error; once the budget is exhausted further depletion is a no-op.
func (s *Service) Debit(childID int64, seconds int) (*model.Ledger, error) {
	if seconds < 0 {
		return nil, ErrInvalidAmount
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.Get(childID)
	if err != nil {
		return nil, err
	}
	if _, err := s.applyDebit(l, seconds, model.EntryDebit, nil, nil); err != nil {
		return nil, err
	}
	return s.Get(childID)
}

// applyDebit clamps and commits a balance reduction. Caller holds the
// child's lock. Returns the seconds actually consumed.
func (s *Service) applyDebit(l *model.Ledger, seconds int, kind string, taskID, actorID *int64) (int, error) {
	consumed := seconds
	if consumed > l.AvailableSeconds {
		consumed = l.AvailableSeconds
	}

	now := s.now()
	err := s.inTx(func(tx *sql.Tx) error {
		if err := s.ledgers.SetBalance(tx, l.ChildID, l.AvailableSeconds-consumed, now); err != nil {
			return err
		}
		return s.ledgers.InsertEntry(tx, model.LedgerEntry{
			ChildID:   l.ChildID,
			Kind:      kind,
			Seconds:   -consumed,
			TaskID:    taskID,
			ActorID:   actorID,
			CreatedAt: now,
		})
	})
	if err != nil {
		return 0, err
	}
	return consumed, nil
}

// Grant is a parent-initiated balance increase.
func (s *Service) Grant(actor auth.Actor, childID int64, seconds int) (*model.Ledger, error) {
	if !actor.IsParent() {
		return nil, auth.ErrNotAuthorized
	}
	if seconds < 0 {
		return nil, ErrInvalidAmount
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.Get(childID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.inTx(func(tx *sql.Tx) error {
		if err := s.ledgers.SetBalance(tx, childID, l.AvailableSeconds+seconds, now); err != nil {
			return err
		}
		return s.ledgers.InsertEntry(tx, model.LedgerEntry{
			ChildID:   childID,
			Kind:      model.EntryGrant,
			Seconds:   seconds,
			ActorID:   &actor.MemberID,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	e := events.New(events.LedgerGranted, now)
	e.ChildID = childID
	e.Seconds = seconds
	s.publish(e)

	return s.Get(childID)
}

// Revoke is a parent-initiated balance decrease, clamped at zero.
func (s *Service) Revoke(actor auth.Actor, childID int64, seconds int) (*model.Ledger, error) {
	if !actor.IsParent() {
		return nil, auth.ErrNotAuthorized
	}
	if seconds < 0 {
		return nil, ErrInvalidAmount
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.Get(childID)
	if err != nil {
		return nil, err
	}

	consumed, err := s.applyDebit(l, seconds, model.EntryRevoke, nil, &actor.MemberID)
	if err != nil {
		return nil, err
	}

	e := events.New(events.LedgerRevoked, s.now())
	e.ChildID = childID
	e.Seconds = consumed
	s.publish(e)

	return s.Get(childID)
}

// SetLimits updates the daily and weekly caps and the reset policy.
func (s *Service) SetLimits(actor auth.Actor, childID int64, dailyLimit, weeklyLimit int, resetPolicy string) (*model.Ledger, error) {
	if !actor.IsParent() {
		return nil, auth.ErrNotAuthorized
	}
	if err := validateLimits(dailyLimit, weeklyLimit); err != nil {
		return nil, err
	}
	if resetPolicy != model.ResetPolicyManual && resetPolicy != model.ResetPolicyDailyRefill {
		return nil, fmt.Errorf("unknown reset policy %q", resetPolicy)
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.Get(childID); err != nil {
		return nil, err
	}
	if err := s.ledgers.SetLimits(childID, dailyLimit, weeklyLimit, resetPolicy, s.now()); err != nil {
		return nil, err
	}

	e := events.New(events.LimitsUpdated, s.now())
	e.ChildID = childID
	s.publish(e)

	return s.Get(childID)
}

// StartTimer begins consuming the child's balance. Only the owning child or
// a parent may start it.
func (s *Service) StartTimer(actor auth.Actor, childID int64) (*model.Ledger, error) {
	if !actor.IsParent() && actor.MemberID != childID {
		return nil, auth.ErrNotAuthorized
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.Get(childID)
	if err != nil {
		return nil, err
	}
	if l.TimerActive {
		return nil, ErrTimerActive
	}
	if l.AvailableSeconds == 0 {
		return nil, ErrInsufficientBalance
	}

	now := s.now()
	if err := s.ledgers.SetTimer(s.db, childID, true, &now, now); err != nil {
		return nil, err
	}

	e := events.New(events.TimerStarted, now)
	e.ChildID = childID
	s.publish(e)

	return s.Get(childID)
}

// StopTimer stops the running timer and debits the elapsed seconds, clamped
// to the available balance. Returns the seconds consumed.
func (s *Service) StopTimer(actor auth.Actor, childID int64) (int, *model.Ledger, error) {
	if !actor.IsParent() && actor.MemberID != childID {
		return 0, nil, auth.ErrNotAuthorized
	}

	mu := s.lock(childID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.Get(childID)
	if err != nil {
		return 0, nil, err
	}
	if !l.TimerActive || l.TimerStartedAt == nil {
		return 0, nil, ErrTimerNotActive
	}

	consumed, err := s.stopLocked(l, events.TimerStopped)
	if err != nil {
		return 0, nil, err
	}

	updated, err := s.Get(childID)
	if err != nil {
		return 0, nil, err
	}
	return consumed, updated, nil
}

// stopLocked commits the debit and timer clear in one transaction. Elapsed
// time is always recomputed from the persisted start, so a stop racing a
// depletion tick cannot double-debit the same interval — whichever caller
// wins the lock clears the timer, and the loser sees it inactive.
func (s *Service) stopLocked(l *model.Ledger, evtType events.Type) (int, error) {
	now := s.now()
	elapsed := int(now.Sub(*l.TimerStartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	consumed := elapsed
	if consumed > l.AvailableSeconds {
		consumed = l.AvailableSeconds
	}

	err := s.inTx(func(tx *sql.Tx) error {
		if err := s.ledgers.SetBalance(tx, l.ChildID, l.AvailableSeconds-consumed, now); err != nil {
			return err
		}
		if err := s.ledgers.SetTimer(tx, l.ChildID, false, nil, now); err != nil {
			return err
		}
		return s.ledgers.InsertEntry(tx, model.LedgerEntry{
			ChildID:   l.ChildID,
			Kind:      model.EntryTimer,
			Seconds:   -consumed,
			CreatedAt: now,
		})
	})
	if err != nil {
		return 0, err
	}

	e := events.New(evtType, now)
	e.ChildID = l.ChildID
	e.Seconds = consumed
	s.publish(e)

	return consumed, nil
}

// AutoStopExhausted stops every running timer whose elapsed time has reached
// the balance it started with, clamping the balance to zero. Returns how
// many timers were stopped. The depletion scheduler calls this on each tick.
func (s *Service) AutoStopExhausted() (int, error) {
	active, err := s.ledgers.ListActiveTimers()
	if err != nil {
		return 0, err
	}

	stopped := 0
	for i := range active {
		childID := active[i].ChildID

		mu := s.lock(childID)
		mu.Lock()

		// Re-read under the lock; a concurrent StopTimer may have won.
		l, err := s.Get(childID)
		if err != nil {
			mu.Unlock()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return stopped, err
		}
		if !l.TimerActive || l.TimerStartedAt == nil {
			mu.Unlock()
			continue
		}

		elapsed := int(s.now().Sub(*l.TimerStartedAt) / time.Second)
		if elapsed < l.AvailableSeconds {
			mu.Unlock()
			continue
		}

		if _, err := s.stopLocked(l, events.TimerExhausted); err != nil {
			mu.Unlock()
			s.logger.Error("auto-stop timer", "child_id", childID, "error", err)
			continue
		}
		stopped++
		mu.Unlock()
	}
	return stopped, nil
}

// DailyRefill sets available_seconds to the daily limit for every ledger
// with the daily-refill policy whose last reset predates the current day.
// Returns how many ledgers were refilled.
func (s *Service) DailyRefill() (int, error) {
	now := s.now()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	due, err := s.ledgers.ListDueForRefill(boundary)
	if err != nil {
		return 0, err
	}

	refilled := 0
	for i := range due {
		childID := due[i].ChildID

		mu := s.lock(childID)
		mu.Lock()

		l, err := s.Get(childID)
		if err != nil {
			mu.Unlock()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return refilled, err
		}
		if l.LastResetAt != nil && !l.LastResetAt.Before(boundary) {
			mu.Unlock()
			continue
		}

		delta := l.DailyLimitSeconds - l.AvailableSeconds
		err = s.inTx(func(tx *sql.Tx) error {
			if err := s.ledgers.SetBalance(tx, childID, l.DailyLimitSeconds, now); err != nil {
				return err
			}
			if err := s.ledgers.SetLastReset(tx, childID, now); err != nil {
				return err
			}
			return s.ledgers.InsertEntry(tx, model.LedgerEntry{
				ChildID:   childID,
				Kind:      model.EntryReset,
				Seconds:   delta,
				CreatedAt: now,
			})
		})
		mu.Unlock()
		if err != nil {
			s.logger.Error("daily refill", "child_id", childID, "error", err)
			continue
		}

		e := events.New(events.LedgerReset, now)
		e.ChildID = childID
		e.Seconds = delta
		s.publish(e)
		refilled++
	}
	return refilled, nil
}

func (s *Service) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func validateLimits(dailyLimit, weeklyLimit int) error {
	if dailyLimit <= 0 || weeklyLimit <= 0 || weeklyLimit < dailyLimit {
		return ErrInvalidLimit
	}
	return nil
}
