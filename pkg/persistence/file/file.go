// Package file provides file-based persistence for local development and
// tests. Records are stored as one JSON document per file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/driply/driply/pkg/persistence"
)

const (
	dirCampaigns   = "campaigns"
	dirRuns        = "runs"
	dirEvents      = "events"
	dirTasks       = "tasks"
	dirFailedTasks = "failed_tasks"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root         string
	campaignRepo *CampaignRepository
	runRepo      *RunRepository
	eventRepo    *EventRepository
	taskRepo     *TaskRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		campaignRepo: &CampaignRepository{root: cleanRoot},
		runRepo:      &RunRepository{root: cleanRoot},
		eventRepo:    &EventRepository{root: cleanRoot},
		taskRepo:     &TaskRepository{root: cleanRoot},
	}
}

// CampaignRepository returns the campaign repository.
func (p *Persistence) CampaignRepository() persistence.CampaignRepository {
	return p.campaignRepo
}

// RunRepository returns the run repository.
func (p *Persistence) RunRepository() persistence.RunRepository {
	return p.runRepo
}

// EventRepository returns the event repository.
func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.eventRepo
}

// TaskRepository returns the deferred task repository.
func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

// HealthCheck verifies the root directory is usable, creating it if needed.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return os.MkdirAll(p.root, 0o755)
}

// Close performs any necessary cleanup. Nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func writeRecord(root, dir, id string, record any) error {
	target := filepath.Join(root, dir)

	err := os.MkdirAll(target, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", dir, id, err)
	}

	err = os.WriteFile(filepath.Join(target, id+".json"), data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	return nil
}

// readRecord loads one record; it reports os.ErrNotExist untouched so
// callers can map it to their domain not-found error.
func readRecord(root, dir, id string, record any) error {
	data, err := os.ReadFile(filepath.Join(root, dir, id+".json"))
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, record)
	if err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", dir, id, err)
	}

	return nil
}

func deleteRecord(root, dir, id string) error {
	return os.Remove(filepath.Join(root, dir, id+".json"))
}

// listIDs returns record ids (file names without extension) in a directory.
// A missing directory is an empty listing, not an error.
func listIDs(root, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, dir))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}
