package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/ledger"
	"github.com/dukerupert/screentime/internal/model"
)

const defaultEntryLimit = 50

type LedgerHandler struct {
	ledgers *ledger.Service
	logger  *slog.Logger
}

func NewLedgerHandler(ledgers *ledger.Service, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledgers: ledgers, logger: logger}
}

// Snapshot returns the ledger read model, including live remaining seconds
// while a timer runs. The OS-level enforcement layer polls this.
func (h *LedgerHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	snap, err := h.ledgers.Snapshot(childID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("ledger snapshot", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read ledger"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *LedgerHandler) Entries(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	entries, err := h.ledgers.Entries(childID, defaultEntryLimit)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("ledger entries", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read ledger entries"})
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type amountRequest struct {
	Seconds int `json:"seconds"`
}

func (h *LedgerHandler) Grant(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	l, err := h.ledgers.Grant(actor, childID, req.Seconds)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("grant", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to grant time"})
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *LedgerHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	l, err := h.ledgers.Revoke(actor, childID, req.Seconds)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("revoke", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to revoke time"})
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *LedgerHandler) SetLimits(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	var req struct {
		DailyLimitSeconds  int    `json:"daily_limit_seconds"`
		WeeklyLimitSeconds int    `json:"weekly_limit_seconds"`
		ResetPolicy        string `json:"reset_policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.ResetPolicy == "" {
		req.ResetPolicy = model.ResetPolicyManual
	}

	actor, _ := auth.FromContext(r.Context())
	l, err := h.ledgers.SetLimits(actor, childID, req.DailyLimitSeconds, req.WeeklyLimitSeconds, req.ResetPolicy)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("set limits", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to set limits"})
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *LedgerHandler) StartTimer(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	l, err := h.ledgers.StartTimer(actor, childID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("start timer", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start timer"})
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *LedgerHandler) StopTimer(w http.ResponseWriter, r *http.Request) {
	childID, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	consumed, l, err := h.ledgers.StopTimer(actor, childID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("stop timer", "child_id", childID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to stop timer"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consumed_seconds": consumed,
		"ledger":           l,
	})
}
