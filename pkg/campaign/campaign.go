// Package campaign provides the campaign access layer used by the scheduler,
// workers and API. Reads go through a short-lived in-process cache: the
// definition of a queued campaign is read once per subject, and the graph a
// run executes is snapshotted anyway.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
)

// Repository is a read-through cached view over campaign storage.
type Repository struct {
	store persistence.CampaignRepository
	cache *gocache.Cache
}

// NewRepository creates a campaign repository over the given storage.
func NewRepository(store persistence.CampaignRepository) *Repository {
	return &Repository{
		store: store,
		cache: gocache.New(cacheTTL, cacheCleanup),
	}
}

// FetchAll returns every stored campaign, bypassing the cache.
func (r *Repository) FetchAll(ctx context.Context) ([]*models.Campaign, error) {
	return r.store.Campaigns(ctx)
}

// FetchByID returns one campaign, served from cache when fresh.
func (r *Repository) FetchByID(ctx context.Context, id string) (*models.Campaign, error) {
	if cached, found := r.cache.Get(id); found {
		campaign, ok := cached.(*models.Campaign)
		if ok {
			return campaign, nil
		}
	}

	campaign, err := r.store.CampaignByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cache.Set(id, campaign, gocache.DefaultExpiration)

	return campaign, nil
}

// Create validates and stores a new campaign.
func (r *Repository) Create(ctx context.Context, campaign *models.Campaign) (*models.Campaign, []string, error) {
	if campaign.ID == "" {
		campaign.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	if campaign.Status == "" {
		campaign.Status = models.CampaignStatusDraft
	}

	warnings, err := campaign.Validate()
	if err != nil {
		return nil, warnings, err
	}

	err = r.store.Save(ctx, campaign)
	if err != nil {
		return nil, warnings, err
	}

	r.cache.Delete(campaign.ID)

	return campaign, warnings, nil
}

// Update validates and rewrites an existing campaign.
func (r *Repository) Update(ctx context.Context, campaign *models.Campaign) (*models.Campaign, []string, error) {
	existing, err := r.store.CampaignByID(ctx, campaign.ID)
	if err != nil {
		return nil, nil, err
	}

	campaign.CreatedAt = existing.CreatedAt
	campaign.UpdatedAt = time.Now().UTC()

	warnings, err := campaign.Validate()
	if err != nil {
		return nil, warnings, err
	}

	err = r.store.Save(ctx, campaign)
	if err != nil {
		return nil, warnings, err
	}

	r.cache.Delete(campaign.ID)

	return campaign, warnings, nil
}

// Delete removes a campaign and drops its cache entry.
func (r *Repository) Delete(ctx context.Context, id string) error {
	err := r.store.Delete(ctx, id)
	if err != nil {
		return err
	}

	r.cache.Delete(id)

	return nil
}

// Schedule moves a draft campaign into scheduled status for the given time.
func (r *Repository) Schedule(ctx context.Context, id string, at time.Time) (*models.Campaign, error) {
	campaign, err := r.store.CampaignByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusScheduled {
		return nil, fmt.Errorf("campaign %s cannot be scheduled from status %s", id, campaign.Status)
	}

	campaign.Status = models.CampaignStatusScheduled
	campaign.ScheduledAt = &at
	campaign.UpdatedAt = time.Now().UTC()

	err = r.store.Save(ctx, campaign)
	if err != nil {
		return nil, err
	}

	r.cache.Delete(id)

	return campaign, nil
}

// Invalidate drops the cache entry for one campaign.
func (r *Repository) Invalidate(id string) {
	r.cache.Delete(id)
}
