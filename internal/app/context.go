package app

import (
	"context"
	"errors"
	"fmt"

	"missionline/internal/config"
	"missionline/internal/repo"
)

// ResolveMarketplaceConfig loads the marketplace config from the DB, seeding
// the defaults if the marketplace has never been configured. An override ID
// takes precedence; otherwise the single stored marketplace wins.
func ResolveMarketplaceConfig(ctx context.Context, marketplaceOverride string, r repo.Repo) (string, *config.Config, error) {
	marketplaceID := marketplaceOverride
	if marketplaceID == "" {
		marketplaceID = "local"
	}
	cfg, err := r.GetMarketplaceConfig(ctx, marketplaceID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(marketplaceID)
		if err := r.UpsertMarketplaceConfig(ctx, nil, marketplaceID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed marketplace config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("marketplace config: %w", err)
	}
	cfg.Marketplace.ID = marketplaceID
	return marketplaceID, cfg, nil
}
