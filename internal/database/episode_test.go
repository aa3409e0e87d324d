package database

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := db.AutoMigrate(&OutageEpisode{}, &DispatchTask{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func TestGetEpisode_Absent(t *testing.T) {
	db := setupTestDB(t)

	episode, err := GetEpisode(db, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if episode != nil {
		t.Errorf("expected nil episode, got %+v", episode)
	}
}

func TestCreateOpenEpisode(t *testing.T) {
	db := setupTestDB(t)

	episode := &OutageEpisode{MonitorKey: "web-1", LastEventCorrelationID: "c1"}
	if err := CreateOpenEpisode(db, episode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := GetEpisode(db, "web-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected episode to exist")
	}
	if loaded.State != EpisodeStateOpen {
		t.Errorf("State = %q, want open", loaded.State)
	}
	if loaded.OpenedAt == nil {
		t.Error("expected OpenedAt to be set")
	}
}

func TestCreateOpenEpisode_DuplicateKeyIsConflict(t *testing.T) {
	db := setupTestDB(t)

	if err := CreateOpenEpisode(db, &OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := CreateOpenEpisode(db, &OutageEpisode{MonitorKey: "web-1"})
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}
}

func TestCompareAndSwapState(t *testing.T) {
	db := setupTestDB(t)

	if err := CreateOpenEpisode(db, &OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Swap with the correct expected state succeeds.
	err := CompareAndSwapState(db, "web-1", EpisodeStateOpen, map[string]interface{}{
		"state": EpisodeStateClosing,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Swap with a stale expected state loses.
	err = CompareAndSwapState(db, "web-1", EpisodeStateOpen, map[string]interface{}{
		"state": EpisodeStateClosing,
	})
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}

	loaded, _ := GetEpisode(db, "web-1")
	if loaded.State != EpisodeStateClosing {
		t.Errorf("State = %q, want closing", loaded.State)
	}
}

func TestCompareAndSwapState_MissingKey(t *testing.T) {
	db := setupTestDB(t)

	err := CompareAndSwapState(db, "ghost", EpisodeStateOpen, map[string]interface{}{
		"state": EpisodeStateClosing,
	})
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for missing key, got %v", err)
	}
}

func TestSetEpisodeTicket(t *testing.T) {
	db := setupTestDB(t)

	if err := CreateOpenEpisode(db, &OutageEpisode{MonitorKey: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := SetEpisodeTicket(db, "web-1", "4711"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, _ := GetEpisode(db, "web-1")
	if loaded.TicketID != "4711" {
		t.Errorf("TicketID = %q, want 4711", loaded.TicketID)
	}

	// A closed episode refuses new ticket references.
	db.Model(&OutageEpisode{}).Where("monitor_key = ?", "web-1").Update("state", EpisodeStateClosed)
	err := SetEpisodeTicket(db, "web-1", "9999")
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict on closed episode, got %v", err)
	}
}

func TestArchiveClosedEpisodes(t *testing.T) {
	db := setupTestDB(t)

	old := time.Now().AddDate(0, 0, -120)
	recent := time.Now().AddDate(0, 0, -2)

	db.Create(&OutageEpisode{MonitorKey: "old-closed", State: EpisodeStateClosed, ClosedAt: &old})
	db.Create(&OutageEpisode{MonitorKey: "recent-closed", State: EpisodeStateClosed, ClosedAt: &recent})
	db.Create(&OutageEpisode{MonitorKey: "still-open", State: EpisodeStateOpen})

	archived, err := ArchiveClosedEpisodes(db, time.Now().AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if archived != 1 {
		t.Errorf("archived = %d, want 1", archived)
	}

	loaded, _ := GetEpisode(db, "old-closed")
	if !loaded.Archived {
		t.Error("expected old episode to be archived")
	}
	loaded, _ = GetEpisode(db, "recent-closed")
	if loaded.Archived {
		t.Error("expected recent episode to stay unarchived")
	}
}

func TestListEpisodes(t *testing.T) {
	db := setupTestDB(t)

	db.Create(&OutageEpisode{MonitorKey: "a", State: EpisodeStateOpen})
	db.Create(&OutageEpisode{MonitorKey: "b", State: EpisodeStateClosed, Archived: true})

	episodes, err := ListEpisodes(db, false, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(episodes) != 1 {
		t.Fatalf("len = %d, want 1 (archived excluded)", len(episodes))
	}
	if episodes[0].MonitorKey != "a" {
		t.Errorf("MonitorKey = %q, want a", episodes[0].MonitorKey)
	}

	episodes, err = ListEpisodes(db, true, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(episodes) != 2 {
		t.Errorf("len = %d, want 2 with archived", len(episodes))
	}
}
