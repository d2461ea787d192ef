package eventlogger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type sqlEventLogger struct {
	db *sql.DB
}

func NewSqlEventLogger(db *sql.DB) *sqlEventLogger {
	return &sqlEventLogger{
		db: db,
	}
}

func (el *sqlEventLogger) Save(ctx context.Context, e Event) error {
	jsonData, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	jsonMetadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	statement := `INSERT INTO events (id, event_type, household_id, event_data, event_metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = el.db.ExecContext(ctx, statement, e.ID, e.Type, e.HouseholdID, jsonData, jsonMetadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

func (el *sqlEventLogger) GetByType(ctx context.Context, eventType string) ([]Event, error) {
	query := `SELECT id, event_type, household_id, event_data, event_metadata, created_at FROM events WHERE event_type = $1 ORDER BY created_at`
	return el.query(ctx, query, eventType)
}

// ListByHousehold returns the latest events of a household, newest first.
func (el *sqlEventLogger) ListByHousehold(ctx context.Context, householdID uuid.UUID, limit int) ([]Event, error) {
	query := `SELECT id, event_type, household_id, event_data, event_metadata, created_at
              FROM events
              WHERE household_id = $1
              ORDER BY created_at DESC
              LIMIT $2`
	return el.query(ctx, query, householdID, limit)
}

func (el *sqlEventLogger) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	result, err := el.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	events := make([]Event, 0)
	for result.Next() {
		var event Event
		var jsonData, jsonMetadata []byte
		if err := result.Scan(&event.ID, &event.Type, &event.HouseholdID, &jsonData, &jsonMetadata, &event.CreatedAt); err != nil {
			return events, err
		}
		if len(jsonData) > 0 {
			event.Data = json.RawMessage(jsonData)
		}
		if len(jsonMetadata) > 0 {
			if err := json.Unmarshal(jsonMetadata, &event.Metadata); err != nil {
				return events, fmt.Errorf("decoding metadata of event %s: %w", event.ID, err)
			}
		}

		events = append(events, event)
	}

	if err := result.Err(); err != nil {
		return events, err
	}

	return events, nil
}
