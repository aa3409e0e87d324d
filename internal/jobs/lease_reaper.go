package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/arumes31/kumawise/internal/database"
)

// LeaseReaper returns tasks whose worker died mid-lease to the queue once
// their visibility timeout expires. This, together with idempotent task
// execution, is what makes delivery at-least-once instead of at-most-once.
type LeaseReaper struct {
	db *gorm.DB
}

// NewLeaseReaper creates a lease reaper
func NewLeaseReaper(db *gorm.DB) *LeaseReaper {
	return &LeaseReaper{db: db}
}

// Run reclaims one batch of expired leases
func (j *LeaseReaper) Run() (int64, error) {
	return database.ReapExpiredLeases(j.db)
}

// Start begins periodic reaping
func (j *LeaseReaper) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reclaimed, err := j.Run()
			if err != nil {
				log.Printf("Lease reaper error: %v", err)
			} else if reclaimed > 0 {
				log.Printf("Lease reaper: returned %d expired tasks to the queue", reclaimed)
			}
		case <-stop:
			log.Println("Lease reaper stopped")
			return
		}
	}
}
