package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/screentime/internal/model"
)

type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const ledgerCols = `child_id, available_seconds, daily_limit_seconds, weekly_limit_seconds, reset_policy, timer_active, timer_started_at, last_reset_at, last_updated`

func scanLedger(scanner interface{ Scan(...any) error }) (*model.Ledger, error) {
	var l model.Ledger
	var startedAt, lastReset sql.NullTime

	err := scanner.Scan(
		&l.ChildID, &l.AvailableSeconds, &l.DailyLimitSeconds, &l.WeeklyLimitSeconds,
		&l.ResetPolicy, &l.TimerActive, &startedAt, &lastReset, &l.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		l.TimerStartedAt = &startedAt.Time
	}
	if lastReset.Valid {
		l.LastResetAt = &lastReset.Time
	}
	return &l, nil
}

func (s *LedgerStore) Create(childID int64, availableSeconds, dailyLimit, weeklyLimit int, resetPolicy string) (*model.Ledger, error) {
	_, err := s.db.Exec(
		`INSERT INTO ledgers (child_id, available_seconds, daily_limit_seconds, weekly_limit_seconds, reset_policy, last_updated) VALUES (?, ?, ?, ?, ?, ?)`,
		childID, availableSeconds, dailyLimit, weeklyLimit, resetPolicy, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger: %w", err)
	}
	return s.GetByChildID(childID)
}

func (s *LedgerStore) GetByChildID(childID int64) (*model.Ledger, error) {
	row := s.db.QueryRow(`SELECT `+ledgerCols+` FROM ledgers WHERE child_id = ?`, childID)
	l, err := scanLedger(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	return l, nil
}

// ListActiveTimers returns every ledger with a running timer.
func (s *LedgerStore) ListActiveTimers() ([]model.Ledger, error) {
	rows, err := s.db.Query(`SELECT ` + ledgerCols + ` FROM ledgers WHERE timer_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active timers: %w", err)
	}
	defer rows.Close()
	return collectLedgers(rows)
}

// ListDueForRefill returns daily-refill ledgers whose last reset predates the
// given boundary (or that have never been reset).
func (s *LedgerStore) ListDueForRefill(boundary time.Time) ([]model.Ledger, error) {
	rows, err := s.db.Query(
		`SELECT `+ledgerCols+` FROM ledgers WHERE reset_policy = ? AND (last_reset_at IS NULL OR last_reset_at < ?)`,
		model.ResetPolicyDailyRefill, boundary.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list ledgers due for refill: %w", err)
	}
	defer rows.Close()
	return collectLedgers(rows)
}

func collectLedgers(rows *sql.Rows) ([]model.Ledger, error) {
	var ledgers []model.Ledger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		ledgers = append(ledgers, *l)
	}
	return ledgers, rows.Err()
}

// SetBalance writes a new available balance. Callers serialize per child and
// pass a DBTX when the balance change must commit with other writes.
func (s *LedgerStore) SetBalance(q DBTX, childID int64, availableSeconds int, now time.Time) error {
	_, err := q.Exec(
		`UPDATE ledgers SET available_seconds = ?, last_updated = ? WHERE child_id = ?`,
		availableSeconds, now.UTC(), childID,
	)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// SetTimer flips the timer state. startedAt must be non-nil when active.
func (s *LedgerStore) SetTimer(q DBTX, childID int64, active bool, startedAt *time.Time, now time.Time) error {
	var started sql.NullTime
	if startedAt != nil {
		started = sql.NullTime{Time: startedAt.UTC(), Valid: true}
	}
	_, err := q.Exec(
		`UPDATE ledgers SET timer_active = ?, timer_started_at = ?, last_updated = ? WHERE child_id = ?`,
		active, started, now.UTC(), childID,
	)
	if err != nil {
		return fmt.Errorf("set timer: %w", err)
	}
	return nil
}

func (s *LedgerStore) SetLimits(childID int64, dailyLimit, weeklyLimit int, resetPolicy string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE ledgers SET daily_limit_seconds = ?, weekly_limit_seconds = ?, reset_policy = ?, last_updated = ? WHERE child_id = ?`,
		dailyLimit, weeklyLimit, resetPolicy, now.UTC(), childID,
	)
	if err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	return nil
}

// SetLastReset records when a daily refill last ran.
func (s *LedgerStore) SetLastReset(q DBTX, childID int64, at time.Time) error {
	_, err := q.Exec(
		`UPDATE ledgers SET last_reset_at = ? WHERE child_id = ?`,
		at.UTC(), childID,
	)
	if err != nil {
		return fmt.Errorf("set last reset: %w", err)
	}
	return nil
}

// InsertEntry appends one audit row. It takes a DBTX so the entry commits
// with the balance change it records.
func (s *LedgerStore) InsertEntry(q DBTX, e model.LedgerEntry) error {
	var taskID, actorID sql.NullInt64
	if e.TaskID != nil {
		taskID = sql.NullInt64{Int64: *e.TaskID, Valid: true}
	}
	if e.ActorID != nil {
		actorID = sql.NullInt64{Int64: *e.ActorID, Valid: true}
	}

	_, err := q.Exec(
		`INSERT INTO ledger_entries (child_id, kind, seconds, task_id, actor_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ChildID, e.Kind, e.Seconds, taskID, actorID, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *LedgerStore) ListEntries(childID int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, child_id, kind, seconds, task_id, actor_id, created_at FROM ledger_entries WHERE child_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		childID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var taskID, actorID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ChildID, &e.Kind, &e.Seconds, &taskID, &actorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if taskID.Valid {
			e.TaskID = &taskID.Int64
		}
		if actorID.Valid {
			e.ActorID = &actorID.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
