package sqlite

import (
	"fmt"
	"strings"
	"time"

	"robotrelay/internal/detection"
	"robotrelay/internal/model"
	"robotrelay/internal/repository"
)

// JournalRepository implements repository.JournalRepository for SQLite.
type JournalRepository struct {
	db *DB
}

// NewJournalRepository creates a new SQLite journal repository.
func NewJournalRepository(db *DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Record inserts a detection event and its boxes in a single transaction.
func (r *JournalRepository) Record(clientID string, result *detection.Result) (int64, error) {
	event := repository.EventFromResult(clientID, result)

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO detection_events (client_id, success, error, inference_time, image_width, image_height, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ClientID, event.Success, event.Error, event.InferenceTime, event.ImageWidth, event.ImageHeight, event.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert detection event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}

	if len(event.Boxes) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO detection_boxes (event_id, class_name, confidence, x1, y1, x2, y2)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, b := range event.Boxes {
			if _, err := stmt.Exec(eventID, b.ClassName, b.Confidence, b.X1, b.Y1, b.X2, b.Y2); err != nil {
				return 0, fmt.Errorf("failed to insert detection box: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit detection event: %w", err)
	}
	return eventID, nil
}

// Recent returns the newest events for a client, newest first, with their boxes.
func (r *JournalRepository) Recent(clientID string, limit int) ([]model.DetectionEvent, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT id, client_id, success, error, inference_time, image_width, image_height, timestamp
		FROM detection_events WHERE client_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection events: %w", err)
	}
	defer rows.Close()

	events := []model.DetectionEvent{}
	index := map[int64]int{}
	for rows.Next() {
		var e model.DetectionEvent
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Success, &e.Error, &e.InferenceTime, &e.ImageWidth, &e.ImageHeight, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan detection event: %w", err)
		}
		index[e.ID] = len(events)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate detection events: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events))
	for _, e := range events {
		placeholders = append(placeholders, "?")
		args = append(args, e.ID)
	}
	boxRows, err := r.db.Conn().Query(`
		SELECT id, event_id, class_name, confidence, x1, y1, x2, y2
		FROM detection_boxes WHERE event_id IN (`+strings.Join(placeholders, ",")+`) ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection boxes: %w", err)
	}
	defer boxRows.Close()

	for boxRows.Next() {
		var b model.DetectionBox
		if err := boxRows.Scan(&b.ID, &b.EventID, &b.ClassName, &b.Confidence, &b.X1, &b.Y1, &b.X2, &b.Y2); err != nil {
			return nil, fmt.Errorf("failed to scan detection box: %w", err)
		}
		i := index[b.EventID]
		events[i].Boxes = append(events[i].Boxes, b)
	}
	return events, boxRows.Err()
}

// Count returns how many events are journaled for a client.
func (r *JournalRepository) Count(clientID string) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM detection_events WHERE client_id = ?`, clientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count detection events: %w", err)
	}
	return count, nil
}

// PruneBefore deletes events older than cutoff. Boxes cascade.
func (r *JournalRepository) PruneBefore(cutoff time.Time) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().Exec(`DELETE FROM detection_events WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune detection events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (r *JournalRepository) Close() error {
	return r.db.Close()
}
