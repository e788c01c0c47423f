package model

import "time"

// Reset policies for a ledger's available balance.
const (
	ResetPolicyManual      = "manual"
	ResetPolicyDailyRefill = "daily-refill"
)

// Ledger entry kinds, one per balance mutation source.
const (
	EntryCredit = "credit"
	EntryDebit  = "debit"
	EntryGrant  = "grant"
	EntryRevoke = "revoke"
	EntryTimer  = "timer"
	EntryReset  = "reset"
)

// Ledger is the per-child record of usable screen-time seconds. All balance
// mutations go through the ledger service so AvailableSeconds never drops
// below zero and TimerActive implies TimerStartedAt is set.
type Ledger struct {
	ChildID            int64      `json:"child_id"`
	AvailableSeconds   int        `json:"available_seconds"`
	DailyLimitSeconds  int        `json:"daily_limit_seconds"`
	WeeklyLimitSeconds int        `json:"weekly_limit_seconds"`
	ResetPolicy        string     `json:"reset_policy"`
	TimerActive        bool       `json:"timer_active"`
	TimerStartedAt     *time.Time `json:"timer_started_at"`
	LastResetAt        *time.Time `json:"last_reset_at"`
	LastUpdated        time.Time  `json:"last_updated"`
}

// LedgerEntry is one row of the append-only balance audit trail. Seconds is
// signed: positive for credits/grants/resets, negative for debits/revokes
// and timer consumption.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	ChildID   int64     `json:"child_id"`
	Kind      string    `json:"kind"`
	Seconds   int       `json:"seconds"`
	TaskID    *int64    `json:"task_id"`
	ActorID   *int64    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerSnapshot is the read model handed to clients and to the OS-level
// enforcement layer. RemainingSeconds accounts for an in-flight timer:
// max(0, available - elapsed since the timer started).
type LedgerSnapshot struct {
	ChildID            int64      `json:"child_id"`
	AvailableSeconds   int        `json:"available_seconds"`
	DailyLimitSeconds  int        `json:"daily_limit_seconds"`
	WeeklyLimitSeconds int        `json:"weekly_limit_seconds"`
	ResetPolicy        string     `json:"reset_policy"`
	TimerActive        bool       `json:"timer_active"`
	TimerStartedAt     *time.Time `json:"timer_started_at"`
	RemainingSeconds   int        `json:"remaining_seconds"`
}
