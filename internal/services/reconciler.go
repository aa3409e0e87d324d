package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/alerts"
	"github.com/arumes31/kumawise/internal/config"
	"github.com/arumes31/kumawise/internal/database"
	"github.com/arumes31/kumawise/internal/metrics"
)

// casRetries bounds how often a lost compare-and-swap is retried before the
// event is reported as a conflict to the caller. Each retry re-reads the
// episode, so losers converge onto the duplicate/stale paths quickly.
const casRetries = 3

// Action describes what the reconciler did with an event
type Action string

const (
	ActionQueued    Action = "queued"    // a task was enqueued
	ActionDuplicate Action = "duplicate" // repeated signal for the current state
	ActionStale     Action = "stale"     // nothing to act on (e.g. UP with no open episode)
)

// Outcome is returned to the webhook handler for the synchronous response
type Outcome struct {
	Action        Action            `json:"status"`
	TaskType      database.TaskType `json:"task_type,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

// Reconciler drives the per-monitor episode state machine. State transition
// and task enqueue happen in one transaction; concurrent events for the same
// monitor are serialized by optimistic compare-and-swap on the episode row.
type Reconciler struct {
	db         *gorm.DB
	cfg        *config.Config
	companyMap *config.CompanyMap
	metrics    *metrics.Metrics
	hub        *EventHub
}

// NewReconciler creates a reconciler
func NewReconciler(db *gorm.DB, cfg *config.Config, companyMap *config.CompanyMap, m *metrics.Metrics, hub *EventHub) *Reconciler {
	return &Reconciler{
		db:         db,
		cfg:        cfg,
		companyMap: companyMap,
		metrics:    m,
		hub:        hub,
	}
}

// HandleEvent applies one normalized alert event to the episode state
// machine. Exactly one task is enqueued on acting paths; discard paths
// enqueue nothing.
func (r *Reconciler) HandleEvent(event *alerts.AlertEvent) (*Outcome, error) {
	r.metrics.EventsReceived.Add(1)

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		outcome, err := r.applyEvent(event)
		if errors.Is(err, database.ErrStateConflict) {
			// Lost a race with a concurrent event for the same monitor.
			// Re-read and retry; the state machine makes the retry converge.
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return outcome, nil
	}

	return nil, fmt.Errorf("event for %s kept losing state races after %d attempts: %w",
		event.MonitorName, casRetries, lastErr)
}

func (r *Reconciler) applyEvent(event *alerts.AlertEvent) (*Outcome, error) {
	episode, err := database.GetEpisode(r.db, event.MonitorName)
	if err != nil {
		return nil, err
	}

	state := database.EpisodeStateNone
	if episode != nil {
		state = episode.State
	}

	switch event.Status {
	case alerts.StatusDown:
		return r.applyDown(event, episode, state)
	case alerts.StatusUp:
		return r.applyUp(event, state)
	default:
		return nil, fmt.Errorf("unknown monitor status %q", event.Status)
	}
}

func (r *Reconciler) applyDown(event *alerts.AlertEvent, episode *database.OutageEpisode, state database.EpisodeState) (*Outcome, error) {
	switch state {
	case database.EpisodeStateOpen:
		// Repeated DOWN for an already-open episode.
		r.metrics.EventsDeduplicated.Add(1)
		log.Printf("Reconciler: [%s] duplicate DOWN for %s, episode already open", event.CorrelationID, event.MonitorName)
		return &Outcome{Action: ActionDuplicate, CorrelationID: event.CorrelationID}, nil

	case database.EpisodeStateNone:
		company := r.resolveCompany(event)
		err := r.db.Transaction(func(tx *gorm.DB) error {
			now := time.Now()
			fresh := &database.OutageEpisode{
				MonitorKey:             event.MonitorName,
				MonitorURL:             event.MonitorURL,
				CompanyIdentifier:      company,
				LastMessage:            event.Message,
				LastEventCorrelationID: event.CorrelationID,
				OpenedAt:               &now,
			}
			if err := database.CreateOpenEpisode(tx, fresh); err != nil {
				return err
			}
			return database.EnqueueTask(tx, r.createTicketTask(event, company))
		})
		if err != nil {
			return nil, err
		}
		return r.opened(event), nil

	case database.EpisodeStateClosed, database.EpisodeStateClosing:
		// Reopen. A DOWN while a close is still in flight supersedes the
		// pending close and starts a new episode for the same key.
		company := r.resolveCompany(event)
		err := r.db.Transaction(func(tx *gorm.DB) error {
			if err := database.CompareAndSwapState(tx, event.MonitorName, state, map[string]interface{}{
				"state":                     database.EpisodeStateOpen,
				"monitor_url":               event.MonitorURL,
				"company_identifier":        company,
				"ticket_id":                 "",
				"last_message":              event.Message,
				"last_event_correlation_id": event.CorrelationID,
				"opened_at":                 time.Now(),
				"closed_at":                 nil,
				"archived":                  false,
			}); err != nil {
				return err
			}
			return database.EnqueueTask(tx, r.createTicketTask(event, company))
		})
		if err != nil {
			return nil, err
		}
		return r.opened(event), nil

	default:
		return nil, fmt.Errorf("unexpected episode state %q for %s", state, event.MonitorName)
	}
}

func (r *Reconciler) applyUp(event *alerts.AlertEvent, state database.EpisodeState) (*Outcome, error) {
	switch state {
	case database.EpisodeStateNone, database.EpisodeStateClosed:
		r.metrics.EventsDiscarded.Add(1)
		log.Printf("Reconciler: [%s] stale UP for %s, no open episode", event.CorrelationID, event.MonitorName)
		return &Outcome{Action: ActionStale, CorrelationID: event.CorrelationID}, nil

	case database.EpisodeStateClosing:
		r.metrics.EventsDeduplicated.Add(1)
		log.Printf("Reconciler: [%s] duplicate UP for %s, close already pending", event.CorrelationID, event.MonitorName)
		return &Outcome{Action: ActionDuplicate, CorrelationID: event.CorrelationID}, nil

	case database.EpisodeStateOpen:
		err := r.db.Transaction(func(tx *gorm.DB) error {
			if err := database.CompareAndSwapState(tx, event.MonitorName, database.EpisodeStateOpen, map[string]interface{}{
				"state":                     database.EpisodeStateClosing,
				"last_message":              event.Message,
				"last_event_correlation_id": event.CorrelationID,
			}); err != nil {
				return err
			}
			return database.EnqueueTask(tx, r.closeTicketTask(event))
		})
		if err != nil {
			return nil, err
		}
		r.metrics.TasksEnqueued.Add(1)
		r.publish(Event{Type: EventEpisodeClosing, MonitorKey: event.MonitorName, CorrelationID: event.CorrelationID})
		log.Printf("Reconciler: [%s] UP for %s, close-ticket task enqueued", event.CorrelationID, event.MonitorName)
		return &Outcome{Action: ActionQueued, TaskType: database.TaskTypeCloseTicket, CorrelationID: event.CorrelationID}, nil

	default:
		return nil, fmt.Errorf("unexpected episode state %q for %s", state, event.MonitorName)
	}
}

func (r *Reconciler) opened(event *alerts.AlertEvent) *Outcome {
	r.metrics.TasksEnqueued.Add(1)
	r.publish(Event{Type: EventEpisodeOpened, MonitorKey: event.MonitorName, CorrelationID: event.CorrelationID})
	log.Printf("Reconciler: [%s] DOWN for %s, create-ticket task enqueued", event.CorrelationID, event.MonitorName)
	return &Outcome{Action: ActionQueued, TaskType: database.TaskTypeCreateTicket, CorrelationID: event.CorrelationID}
}

// resolveCompany picks the company identifier for an event: the #CW marker
// wins, then the company map file, then the configured default (may be "").
func (r *Reconciler) resolveCompany(event *alerts.AlertEvent) string {
	if event.CompanyIdentifier != "" {
		return event.CompanyIdentifier
	}
	if mapped := r.companyMap.Lookup(event.MonitorName); mapped != "" {
		return mapped
	}
	return r.cfg.DefaultCompanyID
}

func (r *Reconciler) createTicketTask(event *alerts.AlertEvent, company string) *database.DispatchTask {
	detail := fmt.Sprintf("Monitor: %s\nURL: %s\nError: %s\nTime: %s",
		event.MonitorName, valueOr(event.MonitorURL, "N/A"), event.Message,
		event.EventTime.Format(time.RFC3339))
	return &database.DispatchTask{
		Type:              database.TaskTypeCreateTicket,
		MonitorKey:        event.MonitorName,
		CompanyIdentifier: company,
		Summary:           fmt.Sprintf("%s %s", r.cfg.TicketSummaryPrefix, event.MonitorName),
		Detail:            detail,
		CorrelationID:     event.CorrelationID,
		MaxAttempts:       r.cfg.TaskMaxAttempts,
	}
}

func (r *Reconciler) closeTicketTask(event *alerts.AlertEvent) *database.DispatchTask {
	detail := fmt.Sprintf("Monitor %s is back UP.\nMessage: %s\nTime: %s",
		event.MonitorName, event.Message, event.EventTime.Format(time.RFC3339))
	return &database.DispatchTask{
		Type:          database.TaskTypeCloseTicket,
		MonitorKey:    event.MonitorName,
		Summary:       fmt.Sprintf("%s %s", r.cfg.TicketSummaryPrefix, event.MonitorName),
		Detail:        detail,
		CorrelationID: event.CorrelationID,
		MaxAttempts:   r.cfg.TaskMaxAttempts,
	}
}

func (r *Reconciler) publish(event Event) {
	if r.hub != nil {
		r.hub.Publish(event)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
