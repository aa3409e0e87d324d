package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// dequeueCandidateTries bounds how many claim attempts a single Dequeue makes
// when racing other workers for the same rows.
const dequeueCandidateTries = 3

// EnqueueTask inserts a new queued dispatch task
func EnqueueTask(db *gorm.DB, task *DispatchTask) error {
	task.Status = TaskStatusQueued
	if task.NotBefore.IsZero() {
		task.NotBefore = time.Now()
	}
	if err := db.Create(task).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s task for %s: %w", task.Type, task.MonitorKey, err)
	}
	return nil
}

// DequeueTask claims the oldest eligible queued task for a worker. The claim
// is an optimistic conditional update so two workers can never hold the same
// task. Returns nil when nothing is eligible.
func DequeueTask(db *gorm.DB, owner string, visibility time.Duration) (*DispatchTask, error) {
	now := time.Now()

	for try := 0; try < dequeueCandidateTries; try++ {
		var task DispatchTask
		err := db.Where("status = ? AND not_before <= ?", TaskStatusQueued, now).
			Order("not_before ASC").
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query queue: %w", err)
		}

		expires := now.Add(visibility)
		result := db.Model(&DispatchTask{}).
			Where("id = ? AND status = ?", task.ID, TaskStatusQueued).
			Updates(map[string]interface{}{
				"status":           TaskStatusLeased,
				"lease_owner":      owner,
				"lease_expires_at": expires,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to lease task %d: %w", task.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Another worker claimed it first, try the next candidate.
			continue
		}

		task.Status = TaskStatusLeased
		task.LeaseOwner = owner
		task.LeaseExpiresAt = &expires
		return &task, nil
	}

	return nil, nil
}

// AckTask marks a leased task as succeeded. The row is kept for audit.
func AckTask(db *gorm.DB, taskID uint) error {
	return finishTask(db, taskID, TaskStatusSucceeded, "")
}

// NackTask returns a task to the queue for a later retry
func NackTask(db *gorm.DB, taskID uint, retryDelay time.Duration, lastError string) error {
	result := db.Model(&DispatchTask{}).
		Where("id = ? AND status = ?", taskID, TaskStatusLeased).
		Updates(map[string]interface{}{
			"status":           TaskStatusQueued,
			"attempts":         gorm.Expr("attempts + 1"),
			"not_before":       time.Now().Add(retryDelay),
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       lastError,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to nack task %d: %w", taskID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d is not leased", taskID)
	}
	return nil
}

// FailTask marks a task permanently failed (non-retryable error)
func FailTask(db *gorm.DB, taskID uint, lastError string) error {
	return finishTask(db, taskID, TaskStatusFailed, lastError)
}

// DeadLetterTask retires a task that exhausted its retry budget
func DeadLetterTask(db *gorm.DB, taskID uint, lastError string) error {
	return finishTask(db, taskID, TaskStatusDeadLettered, lastError)
}

func finishTask(db *gorm.DB, taskID uint, status TaskStatus, lastError string) error {
	updates := map[string]interface{}{
		"status":           status,
		"lease_owner":      "",
		"lease_expires_at": nil,
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	result := db.Model(&DispatchTask{}).
		Where("id = ? AND status = ?", taskID, TaskStatusLeased).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark task %d %s: %w", taskID, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d is not leased", taskID)
	}
	return nil
}

// RequeueTask puts a failed or dead-lettered task back on the queue with a
// fresh attempt budget. Used by the ops API.
func RequeueTask(db *gorm.DB, taskID uint) error {
	result := db.Model(&DispatchTask{}).
		Where("id = ? AND status IN ?", taskID, []TaskStatus{TaskStatusFailed, TaskStatusDeadLettered}).
		Updates(map[string]interface{}{
			"status":     TaskStatusQueued,
			"attempts":   0,
			"not_before": time.Now(),
			"last_error": "",
		})
	if result.Error != nil {
		return fmt.Errorf("failed to requeue task %d: %w", taskID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d is not failed or dead-lettered", taskID)
	}
	return nil
}

// ReapExpiredLeases returns tasks whose lease expired (crashed or stalled
// worker) to the queue. Returns the number of tasks reclaimed.
func ReapExpiredLeases(db *gorm.DB) (int64, error) {
	result := db.Model(&DispatchTask{}).
		Where("status = ? AND lease_expires_at < ?", TaskStatusLeased, time.Now()).
		Updates(map[string]interface{}{
			"status":           TaskStatusQueued,
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// QueueDepth counts tasks still waiting for completion
func QueueDepth(db *gorm.DB) (int64, error) {
	var depth int64
	err := db.Model(&DispatchTask{}).
		Where("status IN ?", []TaskStatus{TaskStatusQueued, TaskStatusLeased}).
		Count(&depth).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return depth, nil
}

// ListDeadLetteredTasks returns retired tasks for operator review, newest first
func ListDeadLetteredTasks(db *gorm.DB, limit int) ([]DispatchTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var tasks []DispatchTask
	err := db.Where("status IN ?", []TaskStatus{TaskStatusFailed, TaskStatusDeadLettered}).
		Order("updated_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered tasks: %w", err)
	}
	return tasks, nil
}
