package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driply/driply/pkg/models"
)

// EventRepository is the append-only subject event log. No update or delete
// statements exist here on purpose.
type EventRepository struct {
	db *sql.DB
}

// Append writes one event.
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subject_events (id, subject_id, campaign_id, event_type, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.SubjectID, event.CampaignID, event.Type, data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.ID, err)
	}

	return nil
}

// EventsSince returns the subject's events for a campaign at or after the
// given time, oldest first.
func (r *EventRepository) EventsSince(ctx context.Context, subjectID, campaignID string, since time.Time) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject_id, campaign_id, event_type, data, occurred_at
		FROM subject_events
		WHERE subject_id = $1 AND campaign_id = $2 AND occurred_at >= $3
		ORDER BY occurred_at ASC
	`, subjectID, campaignID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() { _ = rows.Close() }()

	events := make([]*models.Event, 0)

	for rows.Next() {
		var (
			event models.Event
			data  []byte
		)

		err := rows.Scan(&event.ID, &event.SubjectID, &event.CampaignID, &event.Type, &data, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if len(data) > 0 {
			err = json.Unmarshal(data, &event.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}

		events = append(events, &event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
