package handlers

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/api"
	"github.com/arumes31/kumawise/internal/database"
	"github.com/arumes31/kumawise/internal/middleware"
)

// OpsHandler serves the authenticated operator API: episode inspection and
// dead-letter management.
type OpsHandler struct {
	db      *gorm.DB
	jwtAuth *middleware.JWTAuthMiddleware
}

// NewOpsHandler creates the ops API handler
func NewOpsHandler(db *gorm.DB, jwtAuth *middleware.JWTAuthMiddleware) *OpsHandler {
	return &OpsHandler{
		db:      db,
		jwtAuth: jwtAuth,
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// SetupRoutes sets up ops API routes
func (h *OpsHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/api/episodes", h.handleListEpisodes)
	mux.HandleFunc("/api/tasks/dead-letter", h.handleListDeadLetter)
	mux.HandleFunc("/api/tasks/", h.handleTaskAction)
}

// handleLogin handles POST /auth/login
func (h *OpsHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		api.RespondError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if !h.jwtAuth.ValidateCredentials(req.Username, req.Password) {
		log.Printf("Ops: failed login attempt for user '%s' from %s", req.Username, r.RemoteAddr)
		api.RespondError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.jwtAuth.GenerateToken(req.Username)
	if err != nil {
		log.Printf("Ops: failed to generate token for user '%s': %v", req.Username, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	api.RespondJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		Username:  req.Username,
		ExpiresIn: 24 * 60 * 60,
	})
}

// handleListEpisodes handles GET /api/episodes
func (h *OpsHandler) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	includeArchived := r.URL.Query().Get("archived") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	episodes, err := database.ListEpisodes(h.db, includeArchived, limit)
	if err != nil {
		log.Printf("Ops: failed to list episodes: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list episodes")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"episodes": episodes})
}

// handleListDeadLetter handles GET /api/tasks/dead-letter
func (h *OpsHandler) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := database.ListDeadLetteredTasks(h.db, limit)
	if err != nil {
		log.Printf("Ops: failed to list dead-lettered tasks: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleTaskAction handles POST /api/tasks/{id}/requeue
func (h *OpsHandler) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "requeue" {
		api.RespondError(w, http.StatusNotFound, "Not found")
		return
	}

	taskID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}

	if err := database.RequeueTask(h.db, uint(taskID)); err != nil {
		log.Printf("Ops: failed to requeue task %d: %v", taskID, err)
		api.RespondError(w, http.StatusConflict, err.Error())
		return
	}

	log.Printf("Ops: task %d requeued by %s", taskID, middleware.GetUserFromContext(r.Context()))
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
