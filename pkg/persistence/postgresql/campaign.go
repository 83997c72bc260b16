package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// CampaignRepository handles campaign-related database operations.
type CampaignRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const campaignColumns = `
	id
  , name
  , description
  , status
  , graph
  , subjects
  , scheduled_at
  , created_at
  , updated_at
`

// Campaigns returns every stored campaign.
func (r *CampaignRepository) Campaigns(ctx context.Context) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns ORDER BY created_at DESC`

	return r.queryCampaigns(ctx, query)
}

// CampaignByID loads a campaign by id.
func (r *CampaignRepository) CampaignByID(ctx context.Context, id string) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrCampaignNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}

	return campaign, nil
}

// Save upserts a campaign.
func (r *CampaignRepository) Save(ctx context.Context, campaign *models.Campaign) error {
	graph, err := json.Marshal(campaign.Graph)
	if err != nil {
		return fmt.Errorf("failed to encode campaign graph: %w", err)
	}

	subjects, err := json.Marshal(campaign.Subjects)
	if err != nil {
		return fmt.Errorf("failed to encode campaign subjects: %w", err)
	}

	now := time.Now().UTC()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}

	campaign.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, description, status, graph, subjects, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			graph = EXCLUDED.graph,
			subjects = EXCLUDED.subjects,
			scheduled_at = EXCLUDED.scheduled_at,
			updated_at = EXCLUDED.updated_at
	`, campaign.ID, campaign.Name, campaign.Description, campaign.Status,
		graph, subjects, campaign.ScheduledAt, campaign.CreatedAt, campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", campaign.ID, err)
	}

	return nil
}

// Delete removes a campaign definition.
func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrCampaignNotFound
	}

	return nil
}

// DueCampaigns returns scheduled campaigns whose start time has arrived.
func (r *CampaignRepository) DueCampaigns(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC`

	return r.queryCampaigns(ctx, query, models.CampaignStatusScheduled, now)
}

// UpdateStatus flips the campaign's status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign %s status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrCampaignNotFound
	}

	return nil
}

// CountByStatus counts campaigns with the given status.
func (r *CampaignRepository) CountByStatus(ctx context.Context, status models.CampaignStatus) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	return count, nil
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...any) ([]*models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	campaigns := make([]*models.Campaign, 0)

	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}

		campaigns = append(campaigns, campaign)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var (
		campaign    models.Campaign
		graph       []byte
		subjects    []byte
		scheduledAt sql.NullTime
	)

	err := row.Scan(
		&campaign.ID,
		&campaign.Name,
		&campaign.Description,
		&campaign.Status,
		&graph,
		&subjects,
		&scheduledAt,
		&campaign.CreatedAt,
		&campaign.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(graph, &campaign.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to decode campaign graph: %w", err)
	}

	err = json.Unmarshal(subjects, &campaign.Subjects)
	if err != nil {
		return nil, fmt.Errorf("failed to decode campaign subjects: %w", err)
	}

	if scheduledAt.Valid {
		campaign.ScheduledAt = &scheduledAt.Time
	}

	return &campaign, nil
}
