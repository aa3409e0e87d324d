package database

import (
	"time"
)

// EpisodeState is the lifecycle state of an outage episode
type EpisodeState string

const (
	EpisodeStateNone    EpisodeState = "none"
	EpisodeStateOpen    EpisodeState = "open"
	EpisodeStateClosing EpisodeState = "closing"
	EpisodeStateClosed  EpisodeState = "closed"
)

// TaskType identifies the PSA operation a dispatch task performs
type TaskType string

const (
	TaskTypeCreateTicket TaskType = "create_ticket"
	TaskTypeCloseTicket  TaskType = "close_ticket"
)

// TaskStatus is the queue lifecycle state of a dispatch task
type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusLeased       TaskStatus = "leased"
	TaskStatusSucceeded    TaskStatus = "succeeded"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// OutageEpisode tracks one continuous DOWN period for a monitor and the
// ConnectWise ticket opened for it. Episodes are never deleted; old closed
// episodes are archived by the retention job.
type OutageEpisode struct {
	ID                     uint         `gorm:"primaryKey" json:"id"`
	MonitorKey             string       `gorm:"type:varchar(255);uniqueIndex;not null" json:"monitor_key"`
	MonitorURL             string       `gorm:"type:varchar(512)" json:"monitor_url"`
	State                  EpisodeState `gorm:"type:varchar(20);not null;index" json:"state"`
	TicketID               string       `gorm:"type:varchar(50)" json:"ticket_id"`
	CompanyIdentifier      string       `gorm:"type:varchar(100)" json:"company_identifier"`
	LastMessage            string       `gorm:"type:text" json:"last_message"`
	LastEventCorrelationID string       `gorm:"type:varchar(64)" json:"last_event_correlation_id"`
	OpenedAt               *time.Time   `json:"opened_at,omitempty"`
	ClosedAt               *time.Time   `json:"closed_at,omitempty"`
	Archived               bool         `gorm:"not null;default:false;index" json:"archived"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

func (OutageEpisode) TableName() string {
	return "outage_episodes"
}

// DispatchTask is one durable unit of PSA work. Tasks are claimed with a
// lease so a crashed worker's task becomes visible again after the lease
// expires (at-least-once delivery).
type DispatchTask struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Type              TaskType   `gorm:"type:varchar(30);not null" json:"type"`
	MonitorKey        string     `gorm:"type:varchar(255);not null;index" json:"monitor_key"`
	CompanyIdentifier string     `gorm:"type:varchar(100)" json:"company_identifier"`
	Summary           string     `gorm:"type:varchar(255)" json:"summary"`
	Detail            string     `gorm:"type:text" json:"detail"`
	CorrelationID     string     `gorm:"type:varchar(64);index" json:"correlation_id"`
	Status            TaskStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts       int        `gorm:"not null" json:"max_attempts"`
	NotBefore         time.Time  `gorm:"not null;index" json:"not_before"`
	LeaseOwner        string     `gorm:"type:varchar(100)" json:"lease_owner"`
	LeaseExpiresAt    *time.Time `gorm:"index" json:"lease_expires_at,omitempty"`
	LastError         string     `gorm:"type:text" json:"last_error"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (DispatchTask) TableName() string {
	return "dispatch_tasks"
}
