package file

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// RunRepository stores run state as JSON files. The mutex makes the
// read-check-write of Advance atomic within the process, which is the file
// backend's equivalent of the conditional UPDATE in the SQL backend.
type RunRepository struct {
	root string
	mu   sync.Mutex
}

// Create persists a new run.
func (r *RunRepository) Create(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return writeRecord(r.root, dirRuns, run.ID, run)
}

// RunByID loads a run by id.
func (r *RunRepository) RunByID(_ context.Context, id string) (*models.Run, error) {
	var run models.Run

	err := readRecord(r.root, dirRuns, id, &run)
	if os.IsNotExist(err) {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, err
	}

	return &run, nil
}

// RunForSubject returns the subject's run in a campaign, or ErrRunNotFound.
func (r *RunRepository) RunForSubject(ctx context.Context, campaignID, subjectID string) (*models.Run, error) {
	ids, err := listIDs(r.root, dirRuns)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		run, err := r.RunByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if run.CampaignID == campaignID && run.SubjectID == subjectID {
			return run, nil
		}
	}

	return nil, persistence.ErrRunNotFound
}

// Advance moves the run from expectedNodeID to newNodeID. Fails with
// ErrStaleRun when the stored position no longer matches.
func (r *RunRepository) Advance(_ context.Context, runID, expectedNodeID, newNodeID string, status models.RunStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var run models.Run

	err := readRecord(r.root, dirRuns, runID, &run)
	if os.IsNotExist(err) {
		return persistence.ErrRunNotFound
	}

	if err != nil {
		return err
	}

	if run.CurrentNodeID != expectedNodeID {
		return persistence.NewRunError("Advance", runID, persistence.ErrStaleRun)
	}

	run.CurrentNodeID = newNodeID
	run.Status = status
	run.LastProcessedAt = now

	if status == models.RunStatusCompleted {
		run.CompletedAt = &now
	}

	return writeRecord(r.root, dirRuns, runID, &run)
}

// SetStatus updates the run's status and last error without moving it.
func (r *RunRepository) SetStatus(_ context.Context, runID string, status models.RunStatus, lastError string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var run models.Run

	err := readRecord(r.root, dirRuns, runID, &run)
	if os.IsNotExist(err) {
		return persistence.ErrRunNotFound
	}

	if err != nil {
		return err
	}

	run.Status = status
	run.LastError = lastError
	run.LastProcessedAt = now

	if status == models.RunStatusCompleted {
		run.CompletedAt = &now
	}

	return writeRecord(r.root, dirRuns, runID, &run)
}

// DeleteCompletedBefore removes completed runs older than the cutoff.
// Retention cleanup only; the engine never deletes runs.
func (r *RunRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := listIDs(r.root, dirRuns)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, id := range ids {
		run, err := r.RunByID(ctx, id)
		if err != nil {
			return deleted, err
		}

		if run.Status == models.RunStatusCompleted && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			err = deleteRecord(r.root, dirRuns, id)
			if err != nil {
				return deleted, err
			}

			deleted++
		}
	}

	return deleted, nil
}
