package file

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// TaskRepository stores deferred continuations and permanent failure records.
type TaskRepository struct {
	root string
	mu   sync.Mutex
}

// Create persists a new deferred task.
func (r *TaskRepository) Create(_ context.Context, task *models.DeferredTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return writeRecord(r.root, dirTasks, task.ID, task)
}

// Update rewrites an existing task (retry bookkeeping).
func (r *TaskRepository) Update(_ context.Context, task *models.DeferredTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing models.DeferredTask

	err := readRecord(r.root, dirTasks, task.ID, &existing)
	if os.IsNotExist(err) {
		return persistence.ErrTaskNotFound
	}

	if err != nil {
		return err
	}

	return writeRecord(r.root, dirTasks, task.ID, task)
}

// Delete removes a task. Deleting an already-removed task is not an error:
// at-least-once resumption may race the cleanup.
func (r *TaskRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := deleteRecord(r.root, dirTasks, id)
	if os.IsNotExist(err) {
		return nil
	}

	return err
}

// DueTasks returns tasks whose ExecuteAt has passed, oldest first.
func (r *TaskRepository) DueTasks(_ context.Context, now time.Time) ([]*models.DeferredTask, error) {
	ids, err := listIDs(r.root, dirTasks)
	if err != nil {
		return nil, err
	}

	due := make([]*models.DeferredTask, 0)

	for _, id := range ids {
		var task models.DeferredTask

		err := readRecord(r.root, dirTasks, id, &task)
		if err != nil {
			return nil, err
		}

		if task.Due(now) {
			due = append(due, &task)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ExecuteAt.Before(due[j].ExecuteAt)
	})

	return due, nil
}

// CountPending counts tasks still waiting for execution.
func (r *TaskRepository) CountPending(_ context.Context) (int, error) {
	ids, err := listIDs(r.root, dirTasks)
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

// RecordFailure persists a permanent failure record.
func (r *TaskRepository) RecordFailure(_ context.Context, failed *models.FailedTask) error {
	return writeRecord(r.root, dirFailedTasks, failed.ID, failed)
}

// FailedTasks returns every permanent failure record.
func (r *TaskRepository) FailedTasks(_ context.Context) ([]*models.FailedTask, error) {
	ids, err := listIDs(r.root, dirFailedTasks)
	if err != nil {
		return nil, err
	}

	failed := make([]*models.FailedTask, 0, len(ids))

	for _, id := range ids {
		var record models.FailedTask

		err := readRecord(r.root, dirFailedTasks, id, &record)
		if err != nil {
			return nil, err
		}

		failed = append(failed, &record)
	}

	return failed, nil
}

// CountFailed counts permanent failure records.
func (r *TaskRepository) CountFailed(ctx context.Context) (int, error) {
	failed, err := r.FailedTasks(ctx)
	if err != nil {
		return 0, err
	}

	return len(failed), nil
}

// DeleteFailedBefore removes failure records older than the cutoff.
func (r *TaskRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	failed, err := r.FailedTasks(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, record := range failed {
		if record.FailedAt.Before(cutoff) {
			err = deleteRecord(r.root, dirFailedTasks, record.ID)
			if err != nil {
				return deleted, err
			}

			deleted++
		}
	}

	return deleted, nil
}
