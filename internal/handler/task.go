package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/screentime/internal/approval"
	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/recurrence"
	"github.com/dukerupert/screentime/internal/store"
)

type TaskHandler struct {
	tasks       *store.TaskStore
	members     *store.FamilyMemberStore
	coordinator *approval.Coordinator
	logger      *slog.Logger
}

func NewTaskHandler(tasks *store.TaskStore, members *store.FamilyMemberStore, coordinator *approval.Coordinator, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, members: members, coordinator: coordinator, logger: logger}
}

type taskRequest struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	RewardSeconds  int        `json:"reward_seconds"`
	RecurrenceRule string     `json:"recurrence_rule"`
	AssignedTo     int64      `json:"assigned_to"`
	DueAt          *time.Time `json:"due_at"`
}

func (h *TaskHandler) validate(w http.ResponseWriter, req *taskRequest) bool {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return false
	}
	if req.RewardSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reward_seconds must be >= 0"})
		return false
	}
	if req.RecurrenceRule != "" {
		if _, err := recurrence.Parse(req.RecurrenceRule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid recurrence rule"})
			return false
		}
	}

	member, err := h.members.GetByID(req.AssignedTo)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to check family member"})
		return false
	}
	if member == nil || member.Role != model.RoleChild {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assigned_to must be a child"})
		return false
	}
	return true
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	if !actor.IsParent() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if !h.validate(w, &req) {
		return
	}

	t, err := h.tasks.Create(req.Title, req.Description, req.RewardSeconds, req.RecurrenceRule, req.AssignedTo, actor.MemberID, req.DueAt)
	if err != nil {
		h.logger.Error("create task", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create task"})
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// List returns all tasks, or one child's tasks with ?assigned_to=<id>, or
// only those awaiting review with ?awaiting_approval=true.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []model.Task
		err   error
	)
	switch {
	case r.URL.Query().Get("awaiting_approval") == "true":
		tasks, err = h.tasks.ListAwaitingApproval()
	case r.URL.Query().Get("assigned_to") != "":
		var memberID int64
		memberID, err = strconv.ParseInt(r.URL.Query().Get("assigned_to"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid assigned_to"})
			return
		}
		tasks, err = h.tasks.ListByAssignee(memberID)
	default:
		tasks, err = h.tasks.List()
	}
	if err != nil {
		h.logger.Error("list tasks", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list tasks"})
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	t, err := h.tasks.GetByID(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get task"})
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	existing, err := h.tasks.GetByID(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get task"})
		return
	}
	if existing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if !h.validate(w, &req) {
		return
	}

	t, err := h.tasks.Update(id, req.Title, req.Description, req.RewardSeconds, req.RecurrenceRule, req.AssignedTo, req.DueAt)
	if err != nil {
		h.logger.Error("update task", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update task"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !auth.IsParent(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "parent role required"})
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	existing, err := h.tasks.GetByID(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get task"})
		return
	}
	if existing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}

	if err := h.tasks.Delete(id); err != nil {
		h.logger.Error("delete task", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete task"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestCompletion is the child-facing "I did it" call.
func (h *TaskHandler) RequestCompletion(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	t, err := h.coordinator.RequestCompletion(id, actor)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("request completion", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to request completion"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	t, err := h.coordinator.Approve(id, actor)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("approve task", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to approve task"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) Deny(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	actor, _ := auth.FromContext(r.Context())
	t, err := h.coordinator.Deny(id, actor)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("deny task", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to deny task"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}
