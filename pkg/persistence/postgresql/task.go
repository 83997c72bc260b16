package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// TaskRepository handles deferred tasks and permanent failure records.
type TaskRepository struct {
	db *sql.DB
}

// Create persists a new deferred task.
func (r *TaskRepository) Create(ctx context.Context, task *models.DeferredTask) error {
	graph, err := json.Marshal(task.Graph)
	if err != nil {
		return fmt.Errorf("failed to encode task graph: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deferred_tasks (id, run_id, campaign_id, await_node_id, resume_node_id, graph, execute_at, retry_count, failed, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, task.ID, task.RunID, task.CampaignID, task.AwaitNodeID, task.ResumeNodeID,
		graph, task.ExecuteAt, task.RetryCount, task.Failed, task.LastError, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create deferred task %s: %w", task.ID, err)
	}

	return nil
}

// Update rewrites retry bookkeeping for an existing task.
func (r *TaskRepository) Update(ctx context.Context, task *models.DeferredTask) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE deferred_tasks
		SET execute_at = $1, retry_count = $2, failed = $3, last_error = $4
		WHERE id = $5
	`, task.ExecuteAt, task.RetryCount, task.Failed, task.LastError, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update deferred task %s: %w", task.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTaskNotFound
	}

	return nil
}

// Delete removes a task. Deleting an already-removed task is not an error.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM deferred_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deferred task %s: %w", id, err)
	}

	return nil
}

// DueTasks returns tasks whose ExecuteAt has passed, oldest first.
func (r *TaskRepository) DueTasks(ctx context.Context, now time.Time) ([]*models.DeferredTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, campaign_id, await_node_id, resume_node_id, graph, execute_at, retry_count, failed, last_error, created_at
		FROM deferred_tasks
		WHERE execute_at <= $1
		ORDER BY execute_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}

	defer func() { _ = rows.Close() }()

	tasks := make([]*models.DeferredTask, 0)

	for rows.Next() {
		var (
			task  models.DeferredTask
			graph []byte
		)

		err := rows.Scan(&task.ID, &task.RunID, &task.CampaignID, &task.AwaitNodeID,
			&task.ResumeNodeID, &graph, &task.ExecuteAt, &task.RetryCount,
			&task.Failed, &task.LastError, &task.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deferred task: %w", err)
		}

		err = json.Unmarshal(graph, &task.Graph)
		if err != nil {
			return nil, fmt.Errorf("failed to decode task graph: %w", err)
		}

		tasks = append(tasks, &task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating due tasks: %w", err)
	}

	return tasks, nil
}

// CountPending counts tasks still waiting for execution.
func (r *TaskRepository) CountPending(ctx context.Context) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_tasks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}

	return count, nil
}

// RecordFailure persists a permanent failure record.
func (r *TaskRepository) RecordFailure(ctx context.Context, failed *models.FailedTask) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failed_tasks (id, run_id, campaign_id, subject_id, resume_node_id, final_error, failed_at, total_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, failed.ID, failed.RunID, failed.CampaignID, failed.SubjectID,
		failed.ResumeNodeID, failed.FinalError, failed.FailedAt, failed.TotalRetries)
	if err != nil {
		return fmt.Errorf("failed to record task failure %s: %w", failed.ID, err)
	}

	return nil
}

// FailedTasks returns every permanent failure record, newest first.
func (r *TaskRepository) FailedTasks(ctx context.Context) ([]*models.FailedTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, campaign_id, subject_id, resume_node_id, final_error, failed_at, total_retries
		FROM failed_tasks
		ORDER BY failed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tasks: %w", err)
	}

	defer func() { _ = rows.Close() }()

	failed := make([]*models.FailedTask, 0)

	for rows.Next() {
		var record models.FailedTask

		err := rows.Scan(&record.ID, &record.RunID, &record.CampaignID, &record.SubjectID,
			&record.ResumeNodeID, &record.FinalError, &record.FailedAt, &record.TotalRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed task: %w", err)
		}

		failed = append(failed, &record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating failed tasks: %w", err)
	}

	return failed, nil
}

// CountFailed counts permanent failure records.
func (r *TaskRepository) CountFailed(ctx context.Context) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_tasks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed tasks: %w", err)
	}

	return count, nil
}

// DeleteFailedBefore removes failure records older than the cutoff.
func (r *TaskRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM failed_tasks WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old failure records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check delete result: %w", err)
	}

	return int(affected), nil
}
