package file

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// CampaignRepository stores campaign definitions as JSON files.
type CampaignRepository struct {
	root string
	mu   sync.Mutex
}

// Campaigns returns every stored campaign.
func (r *CampaignRepository) Campaigns(ctx context.Context) ([]*models.Campaign, error) {
	ids, err := listIDs(r.root, dirCampaigns)
	if err != nil {
		return nil, err
	}

	campaigns := make([]*models.Campaign, 0, len(ids))

	for _, id := range ids {
		campaign, err := r.CampaignByID(ctx, id)
		if err != nil {
			return nil, err
		}

		campaigns = append(campaigns, campaign)
	}

	return campaigns, nil
}

// CampaignByID loads a campaign by id.
func (r *CampaignRepository) CampaignByID(_ context.Context, id string) (*models.Campaign, error) {
	var campaign models.Campaign

	err := readRecord(r.root, dirCampaigns, id, &campaign)
	if os.IsNotExist(err) {
		return nil, persistence.ErrCampaignNotFound
	}

	if err != nil {
		return nil, err
	}

	return &campaign, nil
}

// Save writes a campaign, stamping UpdatedAt.
func (r *CampaignRepository) Save(_ context.Context, campaign *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}

	campaign.UpdatedAt = now

	return writeRecord(r.root, dirCampaigns, campaign.ID, campaign)
}

// Delete removes a campaign definition.
func (r *CampaignRepository) Delete(_ context.Context, id string) error {
	err := deleteRecord(r.root, dirCampaigns, id)
	if os.IsNotExist(err) {
		return persistence.ErrCampaignNotFound
	}

	return err
}

// DueCampaigns returns scheduled campaigns whose start time has arrived.
func (r *CampaignRepository) DueCampaigns(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	campaigns, err := r.Campaigns(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]*models.Campaign, 0)

	for _, campaign := range campaigns {
		if campaign.Due(now) {
			due = append(due, campaign)
		}
	}

	return due, nil
}

// UpdateStatus flips the campaign's status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	campaign, err := r.CampaignByID(ctx, id)
	if err != nil {
		return err
	}

	campaign.Status = status

	return r.Save(ctx, campaign)
}

// CountByStatus counts campaigns with the given status.
func (r *CampaignRepository) CountByStatus(ctx context.Context, status models.CampaignStatus) (int, error) {
	campaigns, err := r.Campaigns(ctx)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, campaign := range campaigns {
		if campaign.Status == status {
			count++
		}
	}

	return count, nil
}
