package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// ConfigSource is the slice of the store the engine reads limits from.
type ConfigSource interface {
	GetRiskConfig(ctx context.Context, account string, strategyID *uuid.UUID) (*models.RiskConfig, error)
}

// resolved pairs the account-scope config with the optional strategy-scope
// override for one check pass.
type resolved struct {
	account  *models.RiskConfig
	strategy *models.RiskConfig // nil when no per-strategy limits exist
}

func resolveConfigs(ctx context.Context, src ConfigSource, account string, strategyID uuid.UUID) (resolved, error) {
	acct, err := src.GetRiskConfig(ctx, account, nil)
	if err != nil {
		return resolved{}, fmt.Errorf("failed to load account risk config: %w", err)
	}
	strat, err := src.GetRiskConfig(ctx, account, &strategyID)
	if err != nil {
		return resolved{}, fmt.Errorf("failed to load strategy risk config: %w", err)
	}
	return resolved{account: acct, strategy: strat}, nil
}
