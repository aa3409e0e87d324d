package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/database"
)

// RetentionJob archives closed episodes past the retention window. Episodes
// are flagged, never deleted, so the outage history stays queryable.
type RetentionJob struct {
	db            *gorm.DB
	retentionDays int
}

// NewRetentionJob creates a retention job
func NewRetentionJob(db *gorm.DB, retentionDays int) *RetentionJob {
	return &RetentionJob{db: db, retentionDays: retentionDays}
}

// Run archives one batch of expired episodes and returns how many were archived
func (j *RetentionJob) Run() (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	return database.ArchiveClosedEpisodes(j.db, cutoff)
}

// Start begins the periodic archival
func (j *RetentionJob) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			archived, err := j.Run()
			if err != nil {
				log.Printf("Retention job error: %v", err)
			} else if archived > 0 {
				log.Printf("Retention job: archived %d episodes", archived)
			}
		case <-stop:
			log.Println("Retention job stopped")
			return
		}
	}
}
