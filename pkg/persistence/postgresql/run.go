package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db *sql.DB
}

// Create persists a new run.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	subjectContext, err := json.Marshal(run.SubjectContext)
	if err != nil {
		return fmt.Errorf("failed to encode subject context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, campaign_id, subject_id, subject_context, current_node_id, status, started_at, last_processed_at, completed_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.CampaignID, run.SubjectID, subjectContext, run.CurrentNodeID,
		run.Status, run.StartedAt, run.LastProcessedAt, run.CompletedAt, run.LastError)
	if err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	return nil
}

// RunByID loads a run by id.
func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	var (
		run            models.Run
		subjectContext []byte
		completedAt    sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, subject_id, subject_context, current_node_id, status, started_at, last_processed_at, completed_at, last_error
		FROM runs WHERE id = $1
	`, id).Scan(
		&run.ID,
		&run.CampaignID,
		&run.SubjectID,
		&subjectContext,
		&run.CurrentNodeID,
		&run.Status,
		&run.StartedAt,
		&run.LastProcessedAt,
		&completedAt,
		&run.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	err = json.Unmarshal(subjectContext, &run.SubjectContext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode subject context: %w", err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}

// RunForSubject returns the subject's run in a campaign, or ErrRunNotFound.
func (r *RunRepository) RunForSubject(ctx context.Context, campaignID, subjectID string) (*models.Run, error) {
	var (
		run            models.Run
		subjectContext []byte
		completedAt    sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, subject_id, subject_context, current_node_id, status, started_at, last_processed_at, completed_at, last_error
		FROM runs WHERE campaign_id = $1 AND subject_id = $2
		ORDER BY started_at ASC LIMIT 1
	`, campaignID, subjectID).Scan(
		&run.ID,
		&run.CampaignID,
		&run.SubjectID,
		&subjectContext,
		&run.CurrentNodeID,
		&run.Status,
		&run.StartedAt,
		&run.LastProcessedAt,
		&completedAt,
		&run.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query run for subject %s: %w", subjectID, err)
	}

	err = json.Unmarshal(subjectContext, &run.SubjectContext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode subject context: %w", err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}

// Advance moves the run from expectedNodeID to newNodeID with a single
// conditional UPDATE. Zero rows affected means another writer got there
// first, surfaced as ErrStaleRun.
func (r *RunRepository) Advance(ctx context.Context, runID, expectedNodeID, newNodeID string, status models.RunStatus, now time.Time) error {
	var completedAt any
	if status == models.RunStatusCompleted {
		completedAt = now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET current_node_id = $1, status = $2, last_processed_at = $3,
		    completed_at = COALESCE($4, completed_at)
		WHERE id = $5 AND current_node_id = $6
	`, newNodeID, status, now, completedAt, runID, expectedNodeID)
	if err != nil {
		return persistence.NewRunError("Advance", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Advance", runID, err)
	}

	if affected == 0 {
		exists, err := r.exists(ctx, runID)
		if err != nil {
			return persistence.NewRunError("Advance", runID, err)
		}

		if !exists {
			return persistence.ErrRunNotFound
		}

		return persistence.NewRunError("Advance", runID, persistence.ErrStaleRun)
	}

	return nil
}

// SetStatus updates the run's status and last error without moving it.
func (r *RunRepository) SetStatus(ctx context.Context, runID string, status models.RunStatus, lastError string, now time.Time) error {
	var completedAt any
	if status == models.RunStatusCompleted {
		completedAt = now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, last_error = $2, last_processed_at = $3,
		    completed_at = COALESCE($4, completed_at)
		WHERE id = $5
	`, status, lastError, now, completedAt, runID)
	if err != nil {
		return persistence.NewRunError("SetStatus", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("SetStatus", runID, err)
	}

	if affected == 0 {
		return persistence.ErrRunNotFound
	}

	return nil
}

// DeleteCompletedBefore removes completed runs older than the cutoff.
func (r *RunRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM runs WHERE status = $1 AND completed_at < $2
	`, models.RunStatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check delete result: %w", err)
	}

	return int(affected), nil
}

func (r *RunRepository) exists(ctx context.Context, runID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}
