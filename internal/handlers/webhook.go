package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/arumes31/kumawise/internal/alerts"
	"github.com/arumes31/kumawise/internal/api"
	"github.com/arumes31/kumawise/internal/metrics"
	"github.com/arumes31/kumawise/internal/middleware"
	"github.com/arumes31/kumawise/internal/services"
)

// WebhookHandler ingests Uptime Kuma alert webhooks
type WebhookHandler struct {
	reconciler *services.Reconciler
	metrics    *metrics.Metrics
}

// NewWebhookHandler creates a webhook handler
func NewWebhookHandler(reconciler *services.Reconciler, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		metrics:    m,
	}
}

// HandleWebhook processes POST /webhook. The response is synchronous for
// ingestion errors only; PSA work happens later through the dispatch queue.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxBodySize))
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	correlationID := middleware.GetCorrelationID(r.Context())

	event, err := alerts.Normalize(body, correlationID)
	if err != nil {
		h.metrics.EventsRejected.Add(1)
		var validationErr *alerts.ValidationError
		if errors.As(err, &validationErr) {
			log.Printf("Webhook: [%s] rejected payload: %v", correlationID, validationErr)
			api.RespondErrorWithCode(w, http.StatusBadRequest, "validation_error", validationErr.Error())
			return
		}
		api.RespondError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	outcome, err := h.reconciler.HandleEvent(event)
	if err != nil {
		log.Printf("Webhook: [%s] failed to reconcile event for %s: %v", event.CorrelationID, event.MonitorName, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to process alert")
		return
	}

	api.RespondJSON(w, http.StatusOK, outcome)
}
