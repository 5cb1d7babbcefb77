package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// CachedStore wraps the durable store with a Redis read-through cache for
// strategy records. Every mutating strategy write invalidates the cached
// entry rather than overwriting it, so the next read is forced back to the
// database. All other entities pass through uncached.
type CachedStore struct {
	Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore creates the cache wrapper.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl, logger: logger}
}

func strategyKey(account string, id uuid.UUID) string {
	return fmt.Sprintf("strategy:%s:%s", account, id)
}

func (s *CachedStore) GetStrategy(ctx context.Context, id uuid.UUID) (*models.Strategy, error) {
	// The cache key carries the account, so a plain id lookup scans the
	// pattern via a secondary id key.
	data, err := s.rdb.Get(ctx, "strategy:id:"+id.String()).Bytes()
	if err == nil {
		var st models.Strategy
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.Store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheStrategy(ctx, st)
	return st, nil
}

func (s *CachedStore) UpdateStrategy(ctx context.Context, st *models.Strategy) error {
	if err := s.Store.UpdateStrategy(ctx, st); err != nil {
		return err
	}
	s.invalidate(ctx, st)
	return nil
}

func (s *CachedStore) CreateStrategy(ctx context.Context, st *models.Strategy) error {
	if err := s.Store.CreateStrategy(ctx, st); err != nil {
		return err
	}
	s.invalidate(ctx, st)
	return nil
}

func (s *CachedStore) cacheStrategy(ctx context.Context, st *models.Strategy) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, strategyKey(st.Account, st.ID), data, s.ttl).Err(); err != nil {
		s.logger.Debug("strategy cache write failed", zap.Error(err))
		return
	}
	s.rdb.Set(ctx, "strategy:id:"+st.ID.String(), data, s.ttl)
}

func (s *CachedStore) invalidate(ctx context.Context, st *models.Strategy) {
	if err := s.rdb.Del(ctx, strategyKey(st.Account, st.ID), "strategy:id:"+st.ID.String()).Err(); err != nil {
		s.logger.Warn("strategy cache invalidation failed",
			zap.String("strategy_id", st.ID.String()), zap.Error(err))
	}
}

var _ Store = (*CachedStore)(nil)
