package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/pricing"
	"github.com/foodlink/marketplace-core/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// StrategyCache holds pricing strategies read for offer views
type StrategyCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[int64]cachedStrategy
}

type cachedStrategy struct {
	strategy *models.PricingStrategy
	expires  time.Time
}

// NewStrategyCache creates a cache whose entries live for ttl
func NewStrategyCache(ttl time.Duration) *StrategyCache {
	return &StrategyCache{ttl: ttl, items: make(map[int64]cachedStrategy)}
}

func (c *StrategyCache) get(id int64, now time.Time) (*models.PricingStrategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.items[id]
	if !ok || !now.Before(cached.expires) {
		return nil, false
	}
	return cached.strategy, true
}

func (c *StrategyCache) put(id int64, strategy *models.PricingStrategy, now time.Time) {
	c.mu.Lock()
	c.items[id] = cachedStrategy{strategy: strategy, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *StrategyCache) clear() {
	c.mu.Lock()
	c.items = make(map[int64]cachedStrategy)
	c.mu.Unlock()
}

// OfferService serves offer views and maintains the pricing strategy catalog
type OfferService struct {
	db      *db.DB
	store   *store.Store
	metrics *metrics.AppMetrics
	clock   Clock
	logger  *slog.Logger
	cache   *StrategyCache
}

// NewOfferService creates an offer service
func NewOfferService(deps Deps) *OfferService {
	deps = deps.withDefaults()
	return &OfferService{
		db:      deps.DB,
		store:   deps.Store,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger.With("component", "offers"),
		cache:   NewStrategyCache(5 * time.Minute),
	}
}

// GetOffer returns an offer priced at the current time
func (s *OfferService) GetOffer(ctx context.Context, id int64) (*models.OfferView, error) {
	offer, err := s.store.GetOffer(ctx, s.db, id)
	if err != nil {
		return nil, notFoundAs(err, ErrOfferNotFound)
	}

	now := s.clock()
	strategy, err := s.strategy(ctx, offer.PricingStrategyID, now)
	if err != nil {
		return nil, err
	}

	view := &models.OfferView{Offer: *offer}
	if !offer.ExpiredAt(now) {
		view.CurrentPrice = pricing.PriceAt(*offer, strategy, now)
	}
	if available, tracked := offer.Available(); tracked {
		if available < 0 {
			available = 0
		}
		view.AvailableQuantity = &available
	}
	return view, nil
}

func (s *OfferService) strategy(ctx context.Context, id *int64, now time.Time) (*models.PricingStrategy, error) {
	if id == nil {
		return nil, nil
	}
	cacheAttr := attribute.String("cache", "pricing_strategy")
	if cached, ok := s.cache.get(*id, now); ok {
		s.metrics.Add(ctx, s.metrics.CacheHits, 1, cacheAttr)
		return cached, nil
	}
	s.metrics.Add(ctx, s.metrics.CacheMisses, 1, cacheAttr)

	loaded, err := s.store.LoadStrategies(ctx, s.db, []int64{*id})
	if err != nil {
		return nil, err
	}
	strategy := loaded[*id]
	if strategy != nil {
		s.cache.put(*id, strategy, now)
	}
	return strategy, nil
}

// SeedPricingStrategies writes the default strategy catalog. Running it
// again leaves existing strategies and their ids in place.
func (s *OfferService) SeedPricingStrategies(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, def := range pricing.DefaultStrategies {
		id, err := s.store.UpsertStrategy(ctx, tx, def.Name, def.Steps)
		if err != nil {
			return fmt.Errorf("seeding pricing strategy %q: %w", def.Name, err)
		}
		s.logger.DebugContext(ctx, "pricing strategy seeded", "strategy_id", id, "name", def.Name, "steps", len(def.Steps))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pricing strategies: %w", err)
	}
	s.cache.clear()
	s.logger.InfoContext(ctx, "pricing strategies seeded", "count", len(pricing.DefaultStrategies))
	return nil
}
