package file

import (
	"context"
	"sort"
	"time"

	"github.com/driply/driply/pkg/models"
)

// EventRepository stores the append-only subject event log, one file per
// event. Append-only by construction: there is no update or delete path.
type EventRepository struct {
	root string
}

// Append writes one event.
func (r *EventRepository) Append(_ context.Context, event *models.Event) error {
	return writeRecord(r.root, dirEvents, event.ID, event)
}

// EventsSince returns the subject's events for a campaign at or after the
// given time, oldest first.
func (r *EventRepository) EventsSince(_ context.Context, subjectID, campaignID string, since time.Time) ([]*models.Event, error) {
	ids, err := listIDs(r.root, dirEvents)
	if err != nil {
		return nil, err
	}

	events := make([]*models.Event, 0)

	for _, id := range ids {
		var event models.Event

		err := readRecord(r.root, dirEvents, id, &event)
		if err != nil {
			return nil, err
		}

		if event.SubjectID != subjectID || event.CampaignID != campaignID {
			continue
		}

		if event.Timestamp.Before(since) {
			continue
		}

		events = append(events, &event)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}
