package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrStateConflict is returned when a compare-and-swap on an episode lost a
// race with a concurrent writer. Callers re-read and retry the transition.
var ErrStateConflict = errors.New("episode state conflict")

// GetEpisode returns the episode for a monitor key, or nil if none exists
func GetEpisode(db *gorm.DB, monitorKey string) (*OutageEpisode, error) {
	var episode OutageEpisode
	err := db.Where("monitor_key = ?", monitorKey).First(&episode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load episode for %s: %w", monitorKey, err)
	}
	return &episode, nil
}

// CreateOpenEpisode inserts a fresh open episode. The unique index on
// monitor_key guards against two concurrent first-DOWN events; the loser
// gets ErrStateConflict.
func CreateOpenEpisode(db *gorm.DB, episode *OutageEpisode) error {
	episode.State = EpisodeStateOpen
	if episode.OpenedAt == nil {
		now := time.Now()
		episode.OpenedAt = &now
	}
	err := db.Create(episode).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create episode for %s: %w", episode.MonitorKey, err)
	}
	return nil
}

// CompareAndSwapState updates an episode only if it is still in the expected
// state. Returns ErrStateConflict when the row was changed underneath us.
func CompareAndSwapState(db *gorm.DB, monitorKey string, expected EpisodeState, updates map[string]interface{}) error {
	result := db.Model(&OutageEpisode{}).
		Where("monitor_key = ? AND state = ?", monitorKey, expected).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update episode for %s: %w", monitorKey, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// SetEpisodeTicket records the ticket created for an episode. The episode may
// have moved from open to closing while the create call was in flight, so
// this matches on key alone but refuses to touch closed episodes.
func SetEpisodeTicket(db *gorm.DB, monitorKey, ticketID string) error {
	result := db.Model(&OutageEpisode{}).
		Where("monitor_key = ? AND state IN ?", monitorKey, []EpisodeState{EpisodeStateOpen, EpisodeStateClosing}).
		Update("ticket_id", ticketID)
	if result.Error != nil {
		return fmt.Errorf("failed to set ticket on episode %s: %w", monitorKey, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// ListEpisodes returns episodes for the ops API, newest first
func ListEpisodes(db *gorm.DB, includeArchived bool, limit int) ([]OutageEpisode, error) {
	if limit <= 0 {
		limit = 100
	}
	query := db.Order("updated_at DESC").Limit(limit)
	if !includeArchived {
		query = query.Where("archived = ?", false)
	}
	var episodes []OutageEpisode
	if err := query.Find(&episodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	return episodes, nil
}

// ArchiveClosedEpisodes flags closed episodes older than the cutoff as
// archived. Returns the number of episodes archived.
func ArchiveClosedEpisodes(db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.Model(&OutageEpisode{}).
		Where("state = ? AND archived = ? AND closed_at < ?", EpisodeStateClosed, false, cutoff).
		Update("archived", true)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to archive episodes: %w", result.Error)
	}
	return result.RowsAffected, nil
}
