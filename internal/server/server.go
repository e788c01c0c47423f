package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/screentime/internal/approval"
	"github.com/dukerupert/screentime/internal/backup"
	"github.com/dukerupert/screentime/internal/events"
	"github.com/dukerupert/screentime/internal/handler"
	"github.com/dukerupert/screentime/internal/ledger"
	"github.com/dukerupert/screentime/internal/middleware"
	"github.com/dukerupert/screentime/internal/store"
	"github.com/dukerupert/screentime/internal/timer"
	ws "github.com/dukerupert/screentime/internal/websocket"
)

type Server struct {
	db            *sql.DB
	hub           *ws.Hub
	bus           *events.Bus
	authH         *handler.AuthHandler
	memberH       *handler.FamilyMemberHandler
	taskH         *handler.TaskHandler
	ledgerH       *handler.LedgerHandler
	backupH       *handler.BackupHandler
	sessionStore  *store.SessionStore
	memberStore   *store.FamilyMemberStore
	rateLimiter   *middleware.RateLimiter
	scheduler     *timer.Scheduler
	backupManager *backup.Manager
	logger        *slog.Logger
}

func New(db *sql.DB, dbPath string, tickInterval time.Duration, backupCfg backup.S3Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	bus := events.NewBus()
	bus.Subscribe(hub.Broadcast)

	memberStore := store.NewFamilyMemberStore(db)
	taskStore := store.NewTaskStore(db)
	ledgerStore := store.NewLedgerStore(db)
	sessionStore := store.NewSessionStore(db)
	settingsStore := store.NewSettingsStore(db)
	backupStore := store.NewBackupStore(db)

	ledgerSvc := ledger.NewService(db, ledgerStore, bus, logger)
	coordinator := approval.NewCoordinator(taskStore, ledgerSvc, bus, logger)
	scheduler := timer.NewScheduler(ledgerSvc, tickInterval, logger)
	backupMgr := backup.NewManager(db, dbPath, backupStore, settingsStore, backupCfg, logger)

	return &Server{
		db:            db,
		hub:           hub,
		bus:           bus,
		authH:         handler.NewAuthHandler(sessionStore, memberStore, logger.With("component", "auth")),
		memberH:       handler.NewFamilyMemberHandler(memberStore, ledgerSvc, logger.With("component", "family_member")),
		taskH:         handler.NewTaskHandler(taskStore, memberStore, coordinator, logger.With("component", "task")),
		ledgerH:       handler.NewLedgerHandler(ledgerSvc, logger.With("component", "ledger")),
		backupH:       handler.NewBackupHandler(backupStore, settingsStore, backupMgr, logger.With("component", "backup_handler")),
		sessionStore:  sessionStore,
		memberStore:   memberStore,
		rateLimiter:   middleware.NewRateLimiter(),
		scheduler:     scheduler,
		backupManager: backupMgr,
		logger:        logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Scheduler returns the timer consumption scheduler.
func (s *Server) Scheduler() *timer.Scheduler {
	return s.scheduler
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected routes — wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessionStore, s.memberStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

// parentOnly wraps a handler so only members with the parent role reach it.
func parentOnly(h http.HandlerFunc) http.Handler {
	return middleware.RequireParent(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)

	// Family member API routes
	mux.HandleFunc("GET /api/members", s.memberH.List)
	mux.Handle("POST /api/members", parentOnly(s.memberH.Create))
	mux.Handle("PUT /api/members/{id}", parentOnly(s.memberH.Update))
	mux.Handle("DELETE /api/members/{id}", parentOnly(s.memberH.Delete))
	mux.Handle("POST /api/members/{id}/pin", parentOnly(s.memberH.SetPIN))
	mux.Handle("DELETE /api/members/{id}/pin", parentOnly(s.memberH.ClearPIN))

	// Task API routes
	mux.Handle("POST /api/tasks", parentOnly(s.taskH.Create))
	mux.HandleFunc("GET /api/tasks", s.taskH.List)
	mux.HandleFunc("GET /api/tasks/{id}", s.taskH.Get)
	mux.Handle("PUT /api/tasks/{id}", parentOnly(s.taskH.Update))
	mux.Handle("DELETE /api/tasks/{id}", parentOnly(s.taskH.Delete))

	// Approval workflow routes. Role checks beyond the route level live in
	// the coordinator, which also enforces that only the assignee can
	// request completion.
	mux.HandleFunc("POST /api/tasks/{id}/request-completion", s.taskH.RequestCompletion)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.taskH.Approve)
	mux.HandleFunc("POST /api/tasks/{id}/deny", s.taskH.Deny)

	// Ledger API routes
	mux.HandleFunc("GET /api/children/{id}/ledger", s.ledgerH.Snapshot)
	mux.HandleFunc("GET /api/children/{id}/ledger/entries", s.ledgerH.Entries)
	mux.HandleFunc("POST /api/children/{id}/ledger/grant", s.ledgerH.Grant)
	mux.HandleFunc("POST /api/children/{id}/ledger/revoke", s.ledgerH.Revoke)
	mux.HandleFunc("PUT /api/children/{id}/ledger/limits", s.ledgerH.SetLimits)
	mux.HandleFunc("POST /api/children/{id}/timer/start", s.ledgerH.StartTimer)
	mux.HandleFunc("POST /api/children/{id}/timer/stop", s.ledgerH.StopTimer)

	// Settings + backup API routes
	mux.Handle("GET /api/settings/backup", parentOnly(s.backupH.GetSettings))
	mux.Handle("PUT /api/settings/backup", parentOnly(s.backupH.UpdateSettings))
	mux.Handle("GET /api/backups", parentOnly(s.backupH.List))
	mux.Handle("POST /api/backups", parentOnly(s.backupH.RunNow))
	mux.Handle("POST /api/backups/{id}/restore", parentOnly(s.backupH.Restore))

	// WebSocket for live ledger and task updates
	mux.HandleFunc("GET /ws", ws.Handle(s.hub, s.logger))
}
