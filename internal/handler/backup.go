package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/screentime/internal/backup"
	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/store"
)

const defaultBackupListLimit = 20

type BackupHandler struct {
	backups  *store.BackupStore
	settings *store.SettingsStore
	manager  *backup.Manager
	logger   *slog.Logger
}

func NewBackupHandler(backups *store.BackupStore, settings *store.SettingsStore, manager *backup.Manager, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{
		backups:  backups,
		settings: settings,
		manager:  manager,
		logger:   logger.With("handler", "backup"),
	}
}

func (h *BackupHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.GetBackupSettings()
	if err != nil {
		h.logger.Error("get backup settings", "error", err)
		http.Error(w, "failed to load backup settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type backupSettingsRequest struct {
	Enabled       *bool   `json:"enabled"`
	Bucket        *string `json:"bucket"`
	Endpoint      *string `json:"endpoint"`
	Region        *string `json:"region"`
	IntervalHours *int    `json:"interval_hours"`
}

func (h *BackupHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req backupSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IntervalHours != nil && *req.IntervalHours < 1 {
		http.Error(w, "interval_hours must be at least 1", http.StatusBadRequest)
		return
	}

	values := make(map[string]string)
	if req.Enabled != nil {
		values["backup_enabled"] = strconv.FormatBool(*req.Enabled)
	}
	if req.Bucket != nil {
		values["backup_bucket"] = *req.Bucket
	}
	if req.Endpoint != nil {
		values["backup_endpoint"] = *req.Endpoint
	}
	if req.Region != nil {
		values["backup_region"] = *req.Region
	}
	if req.IntervalHours != nil {
		values["backup_interval_hours"] = strconv.Itoa(*req.IntervalHours)
	}

	if err := h.settings.SetBackupSettings(values); err != nil {
		h.logger.Error("update backup settings", "error", err)
		http.Error(w, "failed to save backup settings", http.StatusInternalServerError)
		return
	}

	settings, err := h.settings.GetBackupSettings()
	if err != nil {
		h.logger.Error("get backup settings", "error", err)
		http.Error(w, "failed to load backup settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultBackupListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	backups, err := h.backups.List(limit)
	if err != nil {
		h.logger.Error("list backups", "error", err)
		http.Error(w, "failed to list backups", http.StatusInternalServerError)
		return
	}
	if backups == nil {
		backups = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

// RunNow triggers an immediate backup and reports the resulting record.
func (h *BackupHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	id, err := h.manager.RunNow(r.Context())
	if err != nil {
		h.logger.Error("run backup", "error", err)
		if id != 0 {
			if b, getErr := h.backups.GetByID(id); getErr == nil && b != nil {
				writeJSON(w, http.StatusBadGateway, b)
				return
			}
		}
		http.Error(w, "backup failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	b, err := h.backups.GetByID(id)
	if err != nil || b == nil {
		h.logger.Error("get backup record", "id", id, "error", err)
		http.Error(w, "backup completed but record not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Restore replaces the live database from a completed backup. On success the
// process exits for a supervisor restart, so this normally never responds.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if err := h.manager.Restore(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, backup.ErrBackupNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, backup.ErrBackupIncomplete):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("restore backup", "id", id, "error", err)
			http.Error(w, "restore failed: "+err.Error(), http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}
