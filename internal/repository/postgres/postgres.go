// Package postgres stores the detection journal in PostgreSQL.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"robotrelay/internal/detection"
	"robotrelay/internal/model"
	"robotrelay/internal/repository"
)

// JournalRepository implements repository.JournalRepository for PostgreSQL.
type JournalRepository struct {
	db *sql.DB
}

// New opens the database, verifies the connection and creates the tables.
func New(dsn string) (*JournalRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}

	r := &JournalRepository{db: db}
	if err := r.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}
	return r, nil
}

// NewWithDB wraps an already opened connection. Tables are not created.
func NewWithDB(db *sql.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Init creates the required tables if they don't exist.
func (r *JournalRepository) Init() error {
	createTables := `
	CREATE TABLE IF NOT EXISTS detection_events (
		id BIGSERIAL PRIMARY KEY,
		client_id TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		inference_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		image_width INTEGER NOT NULL DEFAULT 0,
		image_height INTEGER NOT NULL DEFAULT 0,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detection_boxes (
		id BIGSERIAL PRIMARY KEY,
		event_id BIGINT NOT NULL REFERENCES detection_events(id) ON DELETE CASCADE,
		class_name TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		x1 DOUBLE PRECISION NOT NULL DEFAULT 0,
		y1 DOUBLE PRECISION NOT NULL DEFAULT 0,
		x2 DOUBLE PRECISION NOT NULL DEFAULT 0,
		y2 DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_detection_events_client ON detection_events(client_id, timestamp DESC);
	`

	_, err := r.db.Exec(createTables)
	return err
}

// Record inserts a detection event and its boxes in a single transaction.
func (r *JournalRepository) Record(clientID string, result *detection.Result) (int64, error) {
	event := repository.EventFromResult(clientID, result)

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var eventID int64
	err = tx.QueryRow(`
		INSERT INTO detection_events (client_id, success, error, inference_time, image_width, image_height, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
	`, event.ClientID, event.Success, event.Error, event.InferenceTime, event.ImageWidth, event.ImageHeight, event.Timestamp).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert detection event: %w", err)
	}

	for _, b := range event.Boxes {
		if _, err := tx.Exec(`
			INSERT INTO detection_boxes (event_id, class_name, confidence, x1, y1, x2, y2)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, eventID, b.ClassName, b.Confidence, b.X1, b.Y1, b.X2, b.Y2); err != nil {
			return 0, fmt.Errorf("failed to insert detection box: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit detection event: %w", err)
	}
	return eventID, nil
}

// Recent returns the newest events for a client, newest first, with their boxes.
func (r *JournalRepository) Recent(clientID string, limit int) ([]model.DetectionEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, client_id, success, error, inference_time, image_width, image_height, timestamp
		FROM detection_events WHERE client_id = $1
		ORDER BY timestamp DESC, id DESC LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection events: %w", err)
	}
	defer rows.Close()

	events := []model.DetectionEvent{}
	ids := []int64{}
	index := map[int64]int{}
	for rows.Next() {
		var e model.DetectionEvent
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Success, &e.Error, &e.InferenceTime, &e.ImageWidth, &e.ImageHeight, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan detection event: %w", err)
		}
		index[e.ID] = len(events)
		ids = append(ids, e.ID)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate detection events: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	boxRows, err := r.db.Query(`
		SELECT id, event_id, class_name, confidence, x1, y1, x2, y2
		FROM detection_boxes WHERE event_id = ANY($1) ORDER BY id
	`, pq.Array(ids))
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
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM detection_events WHERE client_id = $1`, clientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count detection events: %w", err)
	}
	return count, nil
}

// PruneBefore deletes events older than cutoff. Boxes cascade.
func (r *JournalRepository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM detection_events WHERE timestamp < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune detection events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (r *JournalRepository) Close() error {
	return r.db.Close()
}
