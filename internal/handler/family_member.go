package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/ledger"
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// Default allowance for a newly provisioned child: 2h/day, 8h/week.
const (
	defaultDailyLimitSeconds  = 7200
	defaultWeeklyLimitSeconds = 28800
)

type FamilyMemberHandler struct {
	members *store.FamilyMemberStore
	ledgers *ledger.Service
	logger  *slog.Logger
}

func NewFamilyMemberHandler(members *store.FamilyMemberStore, ledgers *ledger.Service, logger *slog.Logger) *FamilyMemberHandler {
	return &FamilyMemberHandler{members: members, ledgers: ledgers, logger: logger}
}

type memberRequest struct {
	Name               string `json:"name"`
	Role               string `json:"role"`
	Color              string `json:"color"`
	AvatarEmoji        string `json:"avatar_emoji"`
	StartingSeconds    int    `json:"starting_seconds"`
	DailyLimitSeconds  int    `json:"daily_limit_seconds"`
	WeeklyLimitSeconds int    `json:"weekly_limit_seconds"`
	ResetPolicy        string `json:"reset_policy"`
}

func (h *FamilyMemberHandler) List(w http.ResponseWriter, r *http.Request) {
	members, err := h.members.List()
	if err != nil {
		h.logger.Error("list members", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list family members"})
		return
	}
	if members == nil {
		members = []model.FamilyMember{}
	}
	writeJSON(w, http.StatusOK, members)
}

// Create adds a family member. Creating a child also provisions their
// ledger, so every child has exactly one from the start.
func (h *FamilyMemberHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.Role != model.RoleParent && req.Role != model.RoleChild {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be parent or child"})
		return
	}

	member, err := h.members.Create(req.Name, req.Role, req.Color, req.AvatarEmoji)
	if err != nil {
		h.logger.Error("create member", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create family member"})
		return
	}

	if req.Role == model.RoleChild {
		daily := req.DailyLimitSeconds
		if daily == 0 {
			daily = defaultDailyLimitSeconds
		}
		weekly := req.WeeklyLimitSeconds
		if weekly == 0 {
			weekly = defaultWeeklyLimitSeconds
		}

		if _, err := h.ledgers.Provision(member.ID, req.StartingSeconds, daily, weekly, req.ResetPolicy); err != nil {
			if writeDomainError(w, err) {
				// Roll the member back so a bad limit doesn't leave a child
				// without a ledger.
				if derr := h.members.Delete(member.ID); derr != nil {
					h.logger.Error("delete member after failed provision", "member_id", member.ID, "error", derr)
				}
				return
			}
			h.logger.Error("provision ledger", "member_id", member.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to provision ledger"})
			return
		}
	}

	writeJSON(w, http.StatusCreated, member)
}

func (h *FamilyMemberHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	existing, err := h.members.GetByID(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get family member"})
		return
	}
	if existing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "family member not found"})
		return
	}

	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	member, err := h.members.Update(id, req.Name, req.Color, req.AvatarEmoji)
	if err != nil {
		h.logger.Error("update member", "member_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update family member"})
		return
	}

	writeJSON(w, http.StatusOK, member)
}

func (h *FamilyMemberHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	existing, err := h.members.GetByID(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get family member"})
		return
	}
	if existing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "family member not found"})
		return
	}

	if err := h.members.Delete(id); err != nil {
		h.logger.Error("delete member", "member_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete family member"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetPIN sets or replaces a member's login PIN.
func (h *FamilyMemberHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	var req struct {
		PIN string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if len(req.PIN) < 4 || !isDigits(req.PIN) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "PIN must be at least 4 digits"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash pin", "member_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to set PIN"})
		return
	}

	hashStr := string(hash)
	if err := h.members.SetPIN(id, &hashStr); err != nil {
		h.logger.Error("set pin", "member_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to set PIN"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *FamilyMemberHandler) ClearPIN(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	if err := h.members.SetPIN(id, nil); err != nil {
		h.logger.Error("clear pin", "member_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear PIN"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
