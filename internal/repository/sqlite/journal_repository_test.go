package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"robotrelay/internal/detection"
)

// ========================================
// Journal Repository Tests
// ========================================

func newTestJournal(t *testing.T) *JournalRepository {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	repo := NewJournalRepository(db)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func personResult(at time.Time, boxes int) *detection.Result {
	r := &detection.Result{
		Success:       true,
		Detections:    []detection.Detection{},
		InferenceTime: 0.05,
		ImageSize:     detection.ImageSize{Width: 640, Height: 480},
		Timestamp:     at,
	}
	for i := 0; i < boxes; i++ {
		x := float64(i * 100)
		r.Detections = append(r.Detections, detection.Detection{
			ClassName:  "person",
			Confidence: 0.9,
			BBox:       detection.NewBBox(x, 10, x+50, 110),
		})
	}
	return r
}

func TestDatabase_Connection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file should exist")
	}
}

func TestJournal_RecordAndRecent(t *testing.T) {
	repo := newTestJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := repo.Record("robot-1", personResult(base.Add(time.Duration(i)*time.Second), i)); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
	}
	if _, err := repo.Record("robot-2", personResult(base, 1)); err != nil {
		t.Fatalf("Record robot-2 failed: %v", err)
	}

	events, err := repo.Recent("robot-1", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if !events[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("Expected newest event first, got %v", events[0].Timestamp)
	}
	if len(events[0].Boxes) != 2 || len(events[1].Boxes) != 1 {
		t.Errorf("Expected 2 and 1 boxes, got %d and %d", len(events[0].Boxes), len(events[1].Boxes))
	}
	if events[0].Boxes[1].X1 != 100 || events[0].Boxes[1].ClassName != "person" {
		t.Errorf("Unexpected box: %+v", events[0].Boxes[1])
	}
	if events[0].ImageWidth != 640 || events[0].ClientID != "robot-1" {
		t.Errorf("Unexpected event: %+v", events[0])
	}
}

func TestJournal_RecordsFailures(t *testing.T) {
	repo := newTestJournal(t)

	failed := detection.Failed(errors.New("service unreachable"), time.Now())
	if _, err := repo.Record("robot-1", failed); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	events, err := repo.Recent("robot-1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 1 || events[0].Success || events[0].Error != "service unreachable" {
		t.Errorf("Expected one failed event, got %+v", events)
	}
}

func TestJournal_RecentUnknownClient(t *testing.T) {
	repo := newTestJournal(t)

	events, err := repo.Recent("nobody", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", events)
	}
}

func TestJournal_PruneBefore(t *testing.T) {
	repo := newTestJournal(t)
	now := time.Now().UTC()

	repo.Record("robot-1", personResult(now.Add(-48*time.Hour), 2))
	repo.Record("robot-1", personResult(now, 1))

	removed, err := repo.PruneBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 pruned event, got %d", removed)
	}

	count, err := repo.Count("robot-1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 remaining event, got %d", count)
	}
}
