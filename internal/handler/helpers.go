package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dukerupert/screentime/internal/approval"
	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/ledger"
	"github.com/dukerupert/screentime/internal/task"
)

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps core errors to HTTP statuses. Validation failures
// are 400, authorization 403, missing entities 404, and state conflicts
// (wrong task state, timer already running or not running, empty balance)
// 409 so clients can distinguish a retryable race from a bad request.
func writeDomainError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, approval.ErrTaskNotFound), errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidLimit):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, task.ErrInvalidState),
		errors.Is(err, ledger.ErrTimerActive),
		errors.Is(err, ledger.ErrTimerNotActive),
		errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return false
	}
	return true
}
