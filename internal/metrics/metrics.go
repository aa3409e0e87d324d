package metrics

import "sync/atomic"

// Metrics holds the process-wide event and task counters. All counters are
// atomic; handlers and workers increment them concurrently.
type Metrics struct {
	EventsReceived     atomic.Int64
	EventsDeduplicated atomic.Int64
	EventsDiscarded    atomic.Int64
	EventsRejected     atomic.Int64

	TasksEnqueued     atomic.Int64
	TasksSucceeded    atomic.Int64
	TasksRetried      atomic.Int64
	TasksFailed       atomic.Int64
	TasksDeadLettered atomic.Int64
}

// Snapshot is a point-in-time copy of all counters for the metrics endpoint
type Snapshot struct {
	EventsReceived     int64 `json:"events_received"`
	EventsDeduplicated int64 `json:"events_deduplicated"`
	EventsDiscarded    int64 `json:"events_discarded"`
	EventsRejected     int64 `json:"events_rejected"`

	TasksEnqueued     int64 `json:"tasks_enqueued"`
	TasksSucceeded    int64 `json:"tasks_succeeded"`
	TasksRetried      int64 `json:"tasks_retried"`
	TasksFailed       int64 `json:"tasks_failed"`
	TasksDeadLettered int64 `json:"tasks_dead_lettered"`

	QueueDepth int64 `json:"queue_depth"`
}

// New creates a zeroed metrics registry
func New() *Metrics {
	return &Metrics{}
}

// Snapshot captures current counter values. Queue depth is sampled by the
// caller since it lives in the database, not in memory.
func (m *Metrics) Snapshot(queueDepth int64) Snapshot {
	return Snapshot{
		EventsReceived:     m.EventsReceived.Load(),
		EventsDeduplicated: m.EventsDeduplicated.Load(),
		EventsDiscarded:    m.EventsDiscarded.Load(),
		EventsRejected:     m.EventsRejected.Load(),
		TasksEnqueued:      m.TasksEnqueued.Load(),
		TasksSucceeded:     m.TasksSucceeded.Load(),
		TasksRetried:       m.TasksRetried.Load(),
		TasksFailed:        m.TasksFailed.Load(),
		TasksDeadLettered:  m.TasksDeadLettered.Load(),
		QueueDepth:         queueDepth,
	}
}
