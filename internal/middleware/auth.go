package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/screentime/internal/auth"
	"github.com/dukerupert/screentime/internal/store"
)

const sessionCookieName = "screentime_session"

// RequireAuth validates the session cookie and puts the acting family member
// into the request context.
func RequireAuth(sessionStore *store.SessionStore, memberStore *store.FamilyMemberStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				unauthorized(w)
				return
			}

			sess, err := sessionStore.GetByToken(cookie.Value)
			if err != nil || sess == nil {
				unauthorized(w)
				return
			}

			member, err := memberStore.GetByID(sess.MemberID)
			if err != nil || member == nil {
				unauthorized(w)
				return
			}

			actor := auth.Actor{
				MemberID:  member.ID,
				Role:      member.Role,
				SessionID: sess.ID,
			}

			ctx := auth.WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireParent rejects requests whose actor is not a parent.
func RequireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsParent(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "parent role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
}
