package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookieName = "screentime_session"
	sessionTTL        = 30 * 24 * time.Hour
)

type AuthHandler struct {
	sessions *store.SessionStore
	members  *store.FamilyMemberStore
	logger   *slog.Logger
}

func NewAuthHandler(sessions *store.SessionStore, members *store.FamilyMemberStore, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, members: members, logger: logger}
}

// Login authenticates a family member by ID and PIN and issues a session
// cookie. Members without a PIN set log in with an empty PIN.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID int64  `json:"member_id"`
		PIN      string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	member, err := h.members.GetByID(req.MemberID)
	if err != nil {
		h.logger.Error("get member", "member_id", req.MemberID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up member"})
		return
	}
	if member == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	hash, err := h.members.GetPINHash(req.MemberID)
	if err != nil {
		h.logger.Error("get pin hash", "member_id", req.MemberID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up member"})
		return
	}
	if hash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(req.PIN)); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
	} else if req.PIN != "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	sess, err := h.sessions.Create(member.ID, sessionTTL)
	if err != nil {
		h.logger.Error("create session", "member_id", member.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create session"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, member)
}

// Logout deletes the current session and clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if actor, ok := auth.FromContext(r.Context()); ok {
		if err := h.sessions.Delete(actor.SessionID); err != nil {
			h.logger.Error("delete session", "session_id", actor.SessionID, "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}
