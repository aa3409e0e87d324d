package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/config"
	"github.com/arumes31/kumawise/internal/connectwise"
	"github.com/arumes31/kumawise/internal/database"
	"github.com/arumes31/kumawise/internal/metrics"
	"github.com/arumes31/kumawise/internal/ratelimit"
)

// pollInterval is how long an idle worker sleeps between dequeue attempts
const pollInterval = time.Second

// PSAClient is the subset of the ConnectWise client the executor needs.
// Tests substitute a fake.
type PSAClient interface {
	ResolveCompany(ctx context.Context, identifier string) error
	FindOpenTicket(ctx context.Context, summaryContains string) (*connectwise.Ticket, error)
	CreateTicket(ctx context.Context, summary, description, companyIdentifier string) (string, error)
	CloseTicket(ctx context.Context, ticketID, resolution string) error
}

// TaskNotifier receives terminal task failures for operator visibility
type TaskNotifier interface {
	NotifyTaskFailure(task *database.DispatchTask, reason string)
}

// Executor pulls dispatch tasks and performs the corresponding ConnectWise
// operations. All workers share one token-bucket rate limiter; retries are
// scheduled through the queue's not_before timestamp rather than in-process
// sleeps, so a restart mid-backoff loses nothing.
type Executor struct {
	db       *gorm.DB
	cfg      *config.Config
	psa      PSAClient
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	hub      *EventHub
	notifier TaskNotifier
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(db *gorm.DB, cfg *config.Config, psa PSAClient, limiter *ratelimit.Limiter, m *metrics.Metrics, hub *EventHub, notifier TaskNotifier) *Executor {
	return &Executor{
		db:       db,
		cfg:      cfg,
		psa:      psa,
		limiter:  limiter,
		metrics:  m,
		hub:      hub,
		notifier: notifier,
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled.
func (e *Executor) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go e.worker(ctx, wg, fmt.Sprintf("worker-%d", i))
	}
	log.Printf("Executor: started %d workers", e.cfg.MaxWorkers)
}

func (e *Executor) worker(ctx context.Context, wg *sync.WaitGroup, owner string) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Executor: %s stopped", owner)
			return
		default:
		}

		task, err := database.DequeueTask(e.db, owner, e.cfg.VisibilityTimeout)
		if err != nil {
			log.Printf("Executor: %s dequeue failed: %v", owner, err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				log.Printf("Executor: %s stopped", owner)
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		e.ProcessTask(ctx, task)
	}
}

// ProcessTask runs one claimed task to an ack, a scheduled retry, or a
// terminal failure. Exported for tests; workers call it from their loop.
func (e *Executor) ProcessTask(ctx context.Context, task *database.DispatchTask) {
	// Global admission gate in front of every outbound PSA call.
	if err := e.limiter.Wait(ctx); err != nil {
		// Shutdown while waiting; leave the lease to expire and be reaped.
		return
	}

	var err error
	switch task.Type {
	case database.TaskTypeCreateTicket:
		err = e.executeCreate(ctx, task)
	case database.TaskTypeCloseTicket:
		err = e.executeClose(ctx, task)
	default:
		err = &connectwise.PermanentError{StatusCode: 0, Body: fmt.Sprintf("unknown task type %q", task.Type)}
	}

	if err == nil {
		if ackErr := database.AckTask(e.db, task.ID); ackErr != nil {
			log.Printf("Executor: [%s] ack of task %d failed: %v", task.CorrelationID, task.ID, ackErr)
			return
		}
		e.metrics.TasksSucceeded.Add(1)
		return
	}

	if connectwise.IsTransient(err) {
		e.retryOrDeadLetter(task, err)
		return
	}

	// Permanent failure: company unresolvable or a non-retryable API
	// rejection. Surface it and stop; the episode keeps its current state.
	log.Printf("Executor: [%s] task %d (%s for %s) permanently failed: %v",
		task.CorrelationID, task.ID, task.Type, task.MonitorKey, err)
	if failErr := database.FailTask(e.db, task.ID, err.Error()); failErr != nil {
		log.Printf("Executor: [%s] failed to mark task %d failed: %v", task.CorrelationID, task.ID, failErr)
	}
	e.metrics.TasksFailed.Add(1)
	e.publish(Event{Type: EventTaskFailed, MonitorKey: task.MonitorKey, TaskID: task.ID, CorrelationID: task.CorrelationID, Detail: err.Error()})
	if e.notifier != nil {
		e.notifier.NotifyTaskFailure(task, err.Error())
	}
}

// retryOrDeadLetter schedules a transient failure for another attempt, or
// retires the task once the attempt budget is spent.
func (e *Executor) retryOrDeadLetter(task *database.DispatchTask, cause error) {
	nextAttempt := task.Attempts + 1
	if nextAttempt >= task.MaxAttempts {
		log.Printf("Executor: [%s] task %d (%s for %s) dead-lettered after %d attempts: %v",
			task.CorrelationID, task.ID, task.Type, task.MonitorKey, nextAttempt, cause)
		if err := database.DeadLetterTask(e.db, task.ID, cause.Error()); err != nil {
			log.Printf("Executor: [%s] failed to dead-letter task %d: %v", task.CorrelationID, task.ID, err)
		}
		e.metrics.TasksDeadLettered.Add(1)
		e.publish(Event{Type: EventTaskDeadLettered, MonitorKey: task.MonitorKey, TaskID: task.ID, CorrelationID: task.CorrelationID, Detail: cause.Error()})
		if e.notifier != nil {
			e.notifier.NotifyTaskFailure(task, fmt.Sprintf("dead-lettered after %d attempts: %v", nextAttempt, cause))
		}
		return
	}

	delay := e.backoffDelay(task.Attempts)
	log.Printf("Executor: [%s] task %d (%s for %s) attempt %d failed, retrying in %s: %v",
		task.CorrelationID, task.ID, task.Type, task.MonitorKey, nextAttempt, delay, cause)
	if err := database.NackTask(e.db, task.ID, delay, cause.Error()); err != nil {
		log.Printf("Executor: [%s] failed to nack task %d: %v", task.CorrelationID, task.ID, err)
		return
	}
	e.metrics.TasksRetried.Add(1)
	e.publish(Event{Type: EventTaskRetried, MonitorKey: task.MonitorKey, TaskID: task.ID, CorrelationID: task.CorrelationID})
}

// backoffDelay doubles the base delay per completed attempt, capped at the
// configured maximum.
func (e *Executor) backoffDelay(attempts int) time.Duration {
	delay := e.cfg.RetryBaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	if delay > e.cfg.RetryMaxDelay {
		delay = e.cfg.RetryMaxDelay
	}
	return delay
}

// executeCreate performs a create-ticket task. Redelivery of an already
// completed task acks without a second PSA create.
func (e *Executor) executeCreate(ctx context.Context, task *database.DispatchTask) error {
	episode, err := database.GetEpisode(e.db, task.MonitorKey)
	if err != nil {
		return &connectwise.TransientError{Err: err}
	}
	if episode == nil {
		// The episode row is created in the same transaction as the task,
		// so this only happens if operators deleted data by hand.
		log.Printf("Executor: [%s] no episode for %s, discarding create task", task.CorrelationID, task.MonitorKey)
		return nil
	}

	if episode.TicketID != "" {
		log.Printf("Executor: [%s] episode %s already has ticket %s, treating create as done",
			task.CorrelationID, task.MonitorKey, episode.TicketID)
		return nil
	}

	if task.CompanyIdentifier != "" {
		if err := e.psa.ResolveCompany(ctx, task.CompanyIdentifier); err != nil {
			return err
		}
	}

	// A redelivered task may have created the ticket just before a crash,
	// before the episode was updated. Look for it by summary first.
	existing, err := e.psa.FindOpenTicket(ctx, task.Summary)
	if err != nil {
		return err
	}

	var ticketID string
	if existing != nil {
		ticketID = fmt.Sprintf("%d", existing.ID)
		log.Printf("Executor: [%s] found existing open ticket %s for %s", task.CorrelationID, ticketID, task.MonitorKey)
	} else {
		ticketID, err = e.psa.CreateTicket(ctx, task.Summary, task.Detail, task.CompanyIdentifier)
		if err != nil {
			return err
		}
		log.Printf("Executor: [%s] created ticket %s for %s", task.CorrelationID, ticketID, task.MonitorKey)
	}

	if err := database.SetEpisodeTicket(e.db, task.MonitorKey, ticketID); err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			// Episode already left open/closing; keep the ticket reference out
			// of a closed episode and just finish the task.
			log.Printf("Executor: [%s] episode %s no longer open, not recording ticket %s",
				task.CorrelationID, task.MonitorKey, ticketID)
			return nil
		}
		return &connectwise.TransientError{Err: err}
	}

	e.publish(Event{Type: EventTicketCreated, MonitorKey: task.MonitorKey, TicketID: ticketID, CorrelationID: task.CorrelationID})
	return nil
}

// executeClose performs a close-ticket task. An episode that never got a
// ticket (creation failed permanently) is closed locally with a log line
// instead of an error.
func (e *Executor) executeClose(ctx context.Context, task *database.DispatchTask) error {
	episode, err := database.GetEpisode(e.db, task.MonitorKey)
	if err != nil {
		return &connectwise.TransientError{Err: err}
	}
	if episode == nil {
		log.Printf("Executor: [%s] no episode for %s, discarding close task", task.CorrelationID, task.MonitorKey)
		return nil
	}

	if episode.State == database.EpisodeStateClosed {
		log.Printf("Executor: [%s] episode %s already closed, treating close as done", task.CorrelationID, task.MonitorKey)
		return nil
	}

	if episode.TicketID == "" {
		// Nothing to close in ConnectWise. Finish the episode locally so a
		// later DOWN starts clean.
		log.Printf("Executor: [%s] episode %s has no ticket, closing locally", task.CorrelationID, task.MonitorKey)
		e.markEpisodeClosed(task)
		return nil
	}

	if err := e.psa.CloseTicket(ctx, episode.TicketID, task.Detail); err != nil {
		return err
	}
	log.Printf("Executor: [%s] closed ticket %s for %s", task.CorrelationID, episode.TicketID, task.MonitorKey)

	e.markEpisodeClosed(task)
	e.publish(Event{Type: EventEpisodeClosed, MonitorKey: task.MonitorKey, TicketID: episode.TicketID, CorrelationID: task.CorrelationID})
	return nil
}

// markEpisodeClosed finishes a closing episode. Losing the swap means a new
// DOWN superseded the close and reopened the episode; that newer state wins.
func (e *Executor) markEpisodeClosed(task *database.DispatchTask) {
	err := database.CompareAndSwapState(e.db, task.MonitorKey, database.EpisodeStateClosing, map[string]interface{}{
		"state":     database.EpisodeStateClosed,
		"closed_at": time.Now(),
	})
	if err != nil && !errors.Is(err, database.ErrStateConflict) {
		log.Printf("Executor: [%s] failed to mark episode %s closed: %v", task.CorrelationID, task.MonitorKey, err)
	}
	if errors.Is(err, database.ErrStateConflict) {
		log.Printf("Executor: [%s] episode %s reopened while closing, leaving state as-is", task.CorrelationID, task.MonitorKey)
	}
}

func (e *Executor) publish(event Event) {
	if e.hub != nil {
		e.hub.Publish(event)
	}
}
