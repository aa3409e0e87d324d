package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/connectwise"
	"github.com/arumes31/kumawise/internal/database"
	"github.com/arumes31/kumawise/internal/metrics"
	"github.com/arumes31/kumawise/internal/ratelimit"
)

// fakePSA is a scriptable stand-in for the ConnectWise client
type fakePSA struct {
	mu sync.Mutex

	resolveErr error
	findTicket *connectwise.Ticket
	findErr    error
	createID   string
	createErr  error
	closeErr   error

	resolveCalls int
	findCalls    int
	createCalls  int
	closeCalls   int
}

func (f *fakePSA) ResolveCompany(ctx context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	return f.resolveErr
}

func (f *fakePSA) FindOpenTicket(ctx context.Context, summaryContains string) (*connectwise.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	return f.findTicket, f.findErr
}

func (f *fakePSA) CreateTicket(ctx context.Context, summary, description, companyIdentifier string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakePSA) CloseTicket(ctx context.Context, ticketID, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

type fakeNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeNotifier) NotifyTaskFailure(task *database.DispatchTask, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func newTestExecutor(db *gorm.DB, psa PSAClient, notifier TaskNotifier) *Executor {
	return NewExecutor(db, testConfig(), psa, ratelimit.New(1000, 1000), metrics.New(), nil, notifier)
}

// claimTask enqueues a task and leases it the way a worker would
func claimTask(t *testing.T, db *gorm.DB, task *database.DispatchTask) *database.DispatchTask {
	t.Helper()
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 8
	}
	if err := database.EnqueueTask(db, task); err != nil {
		t.Fatalf("failed to enqueue task: %v", err)
	}
	claimed, err := database.DequeueTask(db, "test-worker", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("failed to claim task: %v", err)
	}
	return claimed
}

func loadTask(t *testing.T, db *gorm.DB, id uint) *database.DispatchTask {
	t.Helper()
	var task database.DispatchTask
	if err := db.First(&task, id).Error; err != nil {
		t.Fatalf("failed to load task %d: %v", id, err)
	}
	return &task
}

func TestProcessTask_CreateSuccess(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createID: "4711"}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	if psa.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", psa.createCalls)
	}
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.TicketID != "4711" {
		t.Errorf("TicketID = %q, want 4711", episode.TicketID)
	}
	if got := loadTask(t, db, task.ID); got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
}

func TestProcessTask_CreateSkipsWhenTicketAlreadySet(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createID: "9999"}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1", TicketID: "4711"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	if psa.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 for redelivered task", psa.createCalls)
	}
	if got := loadTask(t, db, task.ID); got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
}

func TestProcessTask_CreateAdoptsExistingOpenTicket(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{findTicket: &connectwise.Ticket{ID: 4711, Summary: "Uptime Kuma Alert: web-1"}}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	if psa.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 when an open ticket already exists", psa.createCalls)
	}
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.TicketID != "4711" {
		t.Errorf("TicketID = %q, want 4711 from the found ticket", episode.TicketID)
	}
}

func TestProcessTask_TransientFailureRetries(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createErr: &connectwise.TransientError{Err: context.DeadlineExceeded}}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	got := loadTask(t, db, task.ID)
	if got.Status != database.TaskStatusQueued {
		t.Errorf("task Status = %q, want queued for retry", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if !got.NotBefore.After(time.Now()) {
		t.Errorf("NotBefore = %v, want in the future", got.NotBefore)
	}
}

func TestProcessTask_RetriesThenSucceeds(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createID: "4711", createErr: &connectwise.TransientError{Err: context.DeadlineExceeded}}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	// Two transient failures, then the PSA recovers.
	for attempt := 0; attempt < 2; attempt++ {
		e.ProcessTask(context.Background(), task)

		got := loadTask(t, db, task.ID)
		if got.Status != database.TaskStatusQueued {
			t.Fatalf("attempt %d: task Status = %q, want queued", attempt+1, got.Status)
		}

		// Fast-forward past the backoff and re-claim like a worker would.
		db.Model(&database.DispatchTask{}).Where("id = ?", task.ID).Update("not_before", time.Now().Add(-time.Second))
		claimed, err := database.DequeueTask(db, "test-worker", time.Minute)
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: failed to re-claim task: %v", attempt+1, err)
		}
		task = claimed
	}

	psa.mu.Lock()
	psa.createErr = nil
	psa.mu.Unlock()

	e.ProcessTask(context.Background(), task)

	got := loadTask(t, db, task.ID)
	if got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if psa.createCalls != 3 {
		t.Errorf("createCalls = %d, want 3 (two failures, one success)", psa.createCalls)
	}
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.TicketID != "4711" {
		t.Errorf("TicketID = %q, want 4711", episode.TicketID)
	}
}

func TestProcessTask_ExhaustedRetriesDeadLetter(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createErr: &connectwise.TransientError{Err: context.DeadlineExceeded}}
	notifier := &fakeNotifier{}
	e := newTestExecutor(db, psa, notifier)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:        database.TaskTypeCreateTicket,
		MonitorKey:  "web-1",
		Summary:     "Uptime Kuma Alert: web-1",
		Attempts:    7,
		MaxAttempts: 8,
	})

	e.ProcessTask(context.Background(), task)

	got := loadTask(t, db, task.ID)
	if got.Status != database.TaskStatusDeadLettered {
		t.Errorf("task Status = %q, want dead_lettered", got.Status)
	}
	if len(notifier.reasons) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.reasons))
	}
}

func TestProcessTask_PermanentFailure(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createErr: &connectwise.PermanentError{StatusCode: 400, Body: "invalid board"}}
	notifier := &fakeNotifier{}
	e := newTestExecutor(db, psa, notifier)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	got := loadTask(t, db, task.ID)
	if got.Status != database.TaskStatusFailed {
		t.Errorf("task Status = %q, want failed (no retry)", got.Status)
	}
	if psa.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", psa.createCalls)
	}
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.State != database.EpisodeStateOpen {
		t.Errorf("State = %q, want open kept on failure", episode.State)
	}
	if len(notifier.reasons) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.reasons))
	}
}

func TestProcessTask_UnknownCompanyIsPermanent(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{resolveErr: connectwise.ErrCompanyNotFound}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1", CompanyIdentifier: "Ghost"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:              database.TaskTypeCreateTicket,
		MonitorKey:        "web-1",
		CompanyIdentifier: "Ghost",
		Summary:           "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	got := loadTask(t, db, task.ID)
	if got.Status != database.TaskStatusFailed {
		t.Errorf("task Status = %q, want failed", got.Status)
	}
	if psa.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 when company is unknown", psa.createCalls)
	}
}

func TestProcessTask_CreateWithoutCompanySkipsResolve(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{createID: "4711"}
	e := newTestExecutor(db, psa, nil)

	if err := database.CreateOpenEpisode(db, &database.OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCreateTicket,
		MonitorKey: "web-1",
		Summary:    "Uptime Kuma Alert: web-1",
	})

	e.ProcessTask(context.Background(), task)

	if psa.resolveCalls != 0 {
		t.Errorf("resolveCalls = %d, want 0 without a company identifier", psa.resolveCalls)
	}
	if psa.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", psa.createCalls)
	}
}

func TestProcessTask_CloseSuccess(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{}
	e := newTestExecutor(db, psa, nil)

	db.Create(&database.OutageEpisode{MonitorKey: "web-1", State: database.EpisodeStateClosing, TicketID: "4711"})
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCloseTicket,
		MonitorKey: "web-1",
		Detail:     "Monitor web-1 is back UP.",
	})

	e.ProcessTask(context.Background(), task)

	if psa.closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1", psa.closeCalls)
	}
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.State != database.EpisodeStateClosed {
		t.Errorf("State = %q, want closed", episode.State)
	}
	if episode.ClosedAt == nil {
		t.Error("expected ClosedAt to be set")
	}
	if got := loadTask(t, db, task.ID); got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
}

func TestProcessTask_CloseWithoutTicketClosesLocally(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{}
	e := newTestExecutor(db, psa, nil)

	db.Create(&database.OutageEpisode{MonitorKey: "web-1", State: database.EpisodeStateClosing})
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCloseTicket,
		MonitorKey: "web-1",
	})

	e.ProcessTask(context.Background(), task)

	if psa.closeCalls != 0 {
		t.Errorf("closeCalls = %d, want 0 without a ticket", psa.closeCalls)
	}
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.State != database.EpisodeStateClosed {
		t.Errorf("State = %q, want closed", episode.State)
	}
	if got := loadTask(t, db, task.ID); got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
}

func TestProcessTask_CloseAlreadyClosedEpisode(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{}
	e := newTestExecutor(db, psa, nil)

	now := time.Now()
	db.Create(&database.OutageEpisode{MonitorKey: "web-1", State: database.EpisodeStateClosed, TicketID: "4711", ClosedAt: &now})
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCloseTicket,
		MonitorKey: "web-1",
	})

	e.ProcessTask(context.Background(), task)

	if psa.closeCalls != 0 {
		t.Errorf("closeCalls = %d, want 0 for an already closed episode", psa.closeCalls)
	}
	if got := loadTask(t, db, task.ID); got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
}

func TestProcessTask_CloseSupersededByReopen(t *testing.T) {
	db := setupTestDB(t)
	psa := &fakePSA{}
	e := newTestExecutor(db, psa, nil)

	// The close task was enqueued while closing, but a new DOWN reopened the
	// episode before the worker got to it.
	db.Create(&database.OutageEpisode{MonitorKey: "web-1", State: database.EpisodeStateOpen, TicketID: "4711"})
	task := claimTask(t, db, &database.DispatchTask{
		Type:       database.TaskTypeCloseTicket,
		MonitorKey: "web-1",
	})

	e.ProcessTask(context.Background(), task)

	// The ticket close still runs, but the reopened state is left alone.
	episode, _ := database.GetEpisode(db, "web-1")
	if episode.State != database.EpisodeStateOpen {
		t.Errorf("State = %q, want open preserved", episode.State)
	}
	if got := loadTask(t, db, task.ID); got.Status != database.TaskStatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", got.Status)
	}
}

func TestBackoffDelay(t *testing.T) {
	db := setupTestDB(t)
	e := newTestExecutor(db, &fakePSA{}, nil)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{10, 10 * time.Minute},
	}

	for _, tt := range tests {
		if got := e.backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}
