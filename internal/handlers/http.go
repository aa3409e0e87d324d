package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/api"
	"github.com/arumes31/kumawise/internal/database"
	"github.com/arumes31/kumawise/internal/metrics"
)

// PSAPinger checks PSA API reachability for deep health
type PSAPinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler serves health and metrics endpoints
type HTTPHandler struct {
	db        *gorm.DB
	metrics   *metrics.Metrics
	psa       PSAPinger
	wsHandler *WSHandler
}

// NewHTTPHandler creates the operational endpoint handler
func NewHTTPHandler(db *gorm.DB, m *metrics.Metrics, psa PSAPinger, wsHandler *WSHandler) *HTTPHandler {
	return &HTTPHandler{
		db:        db,
		metrics:   m,
		psa:       psa,
		wsHandler: wsHandler,
	}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/deep", h.handleDeepHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)
	if h.wsHandler != nil {
		mux.HandleFunc("/ws/events", h.wsHandler.HandleEvents)
	}
}

// handleHealth is the liveness probe
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeepHealth verifies the store/queue database and PSA reachability.
// Degraded dependencies make the endpoint report unhealthy with a 503.
func (h *HTTPHandler) handleDeepHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	checks := map[string]string{
		"database":    "ok",
		"connectwise": "ok",
	}
	healthy := true

	if err := database.Ping(h.db); err != nil {
		log.Printf("Health: database ping failed: %v", err)
		checks["database"] = err.Error()
		healthy = false
	}

	if h.psa != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := h.psa.Ping(ctx); err != nil {
			log.Printf("Health: ConnectWise ping failed: %v", err)
			checks["connectwise"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	api.RespondJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

// handleMetrics exposes the counters plus current queue depth as JSON
func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	depth, err := database.QueueDepth(h.db)
	if err != nil {
		log.Printf("Metrics: failed to read queue depth: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to read queue depth")
		return
	}

	api.RespondJSON(w, http.StatusOK, h.metrics.Snapshot(depth))
}
