package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// GormStore implements Store on a GORM database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates the durable store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) CreateStrategy(ctx context.Context, st *models.Strategy) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(st).Error; err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	return nil
}

func (s *GormStore) GetStrategy(ctx context.Context, id uuid.UUID) (*models.Strategy, error) {
	var st models.Strategy
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&st).Error; err != nil {
		return nil, fmt.Errorf("failed to get strategy %s: %w", id, err)
	}
	return &st, nil
}

func (s *GormStore) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	var out []models.Strategy
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListStrategiesByAccount(ctx context.Context, account string) ([]models.Strategy, error) {
	var out []models.Strategy
	if err := s.db.WithContext(ctx).Where("account = ?", account).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list strategies for account %s: %w", account, err)
	}
	return out, nil
}

func (s *GormStore) UpdateStrategy(ctx context.Context, st *models.Strategy) error {
	st.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(st).Error; err != nil {
		return fmt.Errorf("failed to update strategy %s: %w", st.ID, err)
	}
	return nil
}

// SaveFill inserts a fill. The unique index on (strategy_id,
// exchange_order_id) turns a replayed insert into "return the existing
// row" instead of a hard failure.
func (s *GormStore) SaveFill(ctx context.Context, f *models.Fill) (*models.Fill, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Create(f).Error
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("failed to save fill %s: %w", f.ExchangeOrderID, err)
	}

	var existing models.Fill
	if err := s.db.WithContext(ctx).
		Where("strategy_id = ? AND exchange_order_id = ?", f.StrategyID, f.ExchangeOrderID).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load existing fill %s: %w", f.ExchangeOrderID, err)
	}
	s.logger.Debug("fill already persisted, returning existing row",
		zap.String("strategy_id", f.StrategyID.String()),
		zap.String("exchange_order_id", f.ExchangeOrderID))
	return &existing, nil
}

func (s *GormStore) UpdateFill(ctx context.Context, f *models.Fill) error {
	f.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(f).Error; err != nil {
		return fmt.Errorf("failed to update fill %s: %w", f.ID, err)
	}
	return nil
}

func (s *GormStore) GetFillByClientOrderID(ctx context.Context, strategyID uuid.UUID, clientOrderID string) (*models.Fill, error) {
	var f models.Fill
	err := s.db.WithContext(ctx).
		Where("strategy_id = ? AND client_order_id = ?", strategyID, clientOrderID).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up fill by client order id %s: %w", clientOrderID, err)
	}
	return &f, nil
}

func (s *GormStore) ListUnmatchedEntryFills(ctx context.Context, strategyID, instanceID uuid.UUID) ([]models.Fill, error) {
	var out []models.Fill
	err := s.db.WithContext(ctx).
		Where("strategy_id = ? AND position_instance_id = ? AND exit_reason = ? AND reduce_only = ? AND matched_qty < executed_qty",
			strategyID, instanceID, models.ExitReasonNone, false).
		Order("filled_at asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched entry fills: %w", err)
	}
	return out, nil
}

func (s *GormStore) SaveCompletedTrades(ctx context.Context, trades []models.CompletedTrade, links []models.TradeFill) error {
	if len(trades) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&trades).Error; err != nil {
			return err
		}
		if len(links) > 0 {
			if err := tx.Create(&links).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save completed trades: %w", err)
	}
	return nil
}

func (s *GormStore) ListTradesByExitFill(ctx context.Context, exitFillID uuid.UUID) ([]models.CompletedTrade, error) {
	var out []models.CompletedTrade
	if err := s.db.WithContext(ctx).Where("exit_fill_id = ?", exitFillID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades for exit fill %s: %w", exitFillID, err)
	}
	return out, nil
}

func (s *GormStore) ListTradesSince(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) ([]models.CompletedTrade, error) {
	q := s.db.WithContext(ctx).Where("account = ? AND exit_time >= ?", account, since)
	if strategyID != nil {
		q = q.Where("strategy_id = ?", *strategyID)
	}
	var out []models.CompletedTrade
	if err := q.Order("exit_time asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return out, nil
}

func (s *GormStore) CountTradesSince(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.CompletedTrade{}).
		Where("account = ? AND exit_time >= ?", account, since)
	if strategyID != nil {
		q = q.Where("strategy_id = ?", *strategyID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

func (s *GormStore) GetRiskConfig(ctx context.Context, account string, strategyID *uuid.UUID) (*models.RiskConfig, error) {
	q := s.db.WithContext(ctx).Where("account = ?", account)
	if strategyID == nil {
		q = q.Where("strategy_id IS NULL")
	} else {
		q = q.Where("strategy_id = ?", *strategyID)
	}
	var cfg models.RiskConfig
	err := q.First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk config for %s: %w", account, err)
	}
	return &cfg, nil
}

func (s *GormStore) UpsertRiskConfig(ctx context.Context, cfg *models.RiskConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	cfg.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}, {Name: "strategy_id"}},
			UpdateAll: true,
		}).
		Create(cfg).Error
	if err != nil {
		return fmt.Errorf("failed to upsert risk config for %s: %w", cfg.Account, err)
	}
	return nil
}

func (s *GormStore) SaveRiskEvent(ctx context.Context, ev *models.RiskEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to save risk event: %w", err)
	}
	return nil
}

func (s *GormStore) GetPaperBalance(ctx context.Context, account string) (*decimal.Decimal, error) {
	var pb models.PaperBalance
	err := s.db.WithContext(ctx).Where("account = ?", account).First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get paper balance for %s: %w", account, err)
	}
	return &pb.Balance, nil
}

func (s *GormStore) SavePaperBalance(ctx context.Context, account string, balance decimal.Decimal) error {
	pb := models.PaperBalance{Account: account, Balance: balance, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}},
			UpdateAll: true,
		}).
		Create(&pb).Error
	if err != nil {
		return fmt.Errorf("failed to save paper balance for %s: %w", account, err)
	}
	return nil
}
