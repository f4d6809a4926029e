package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/pricing"
	"github.com/foodlink/marketplace-core/internal/scheduler"
	"github.com/foodlink/marketplace-core/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PendingPolicy decides what a purchase request does when the user
// already holds a pending purchase.
type PendingPolicy string

const (
	// PendingPolicyReuse adds the new lines to the pending purchase
	PendingPolicyReuse PendingPolicy = "reuse"
	// PendingPolicyReject refuses the request with ErrPendingPurchaseExists
	PendingPolicyReject PendingPolicy = "reject"
)

// ParsePendingPolicy maps a configuration value to a policy
func ParsePendingPolicy(s string) (PendingPolicy, error) {
	switch PendingPolicy(s) {
	case "", PendingPolicyReuse:
		return PendingPolicyReuse, nil
	case PendingPolicyReject:
		return PendingPolicyReject, nil
	}
	return "", fmt.Errorf("unknown pending purchase policy %q", s)
}

// ReservationConfig tunes purchase creation
type ReservationConfig struct {
	Expiration    time.Duration
	PendingPolicy PendingPolicy
}

// ReservationService turns carts into pending purchases holding reserved stock
type ReservationService struct {
	db        *db.DB
	store     *store.Store
	metrics   *metrics.AppMetrics
	clock     Clock
	logger    *slog.Logger
	scheduler scheduler.Scheduler
	notifier  Notifier
	shops     ShopDirectory
	cfg       ReservationConfig
}

// NewReservationService creates a reservation service. sched, notifier
// and shops may be nil.
func NewReservationService(deps Deps, sched scheduler.Scheduler, notifier Notifier, shops ShopDirectory, cfg ReservationConfig) *ReservationService {
	deps = deps.withDefaults()
	if cfg.PendingPolicy == "" {
		cfg.PendingPolicy = PendingPolicyReuse
	}
	return &ReservationService{
		db:        deps.DB,
		store:     deps.Store,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "reservation"),
		scheduler: sched,
		notifier:  notifier,
		shops:     shops,
		cfg:       cfg,
	}
}

// stagedLine is a reservation waiting to be written as a purchase line
type stagedLine struct {
	offerID  int64
	shopID   int64
	quantity int
	cost     decimal.NullDecimal
}

type reservationOutcome struct {
	staged    []*stagedLine
	results   []models.PurchaseOfferResult
	processed int
	failed    int
	units     int
}

// CreatePurchase reserves the cart's lines for userID. Line failures are
// reported in the purchase's offer_results and never fail the request.
func (s *ReservationService) CreatePurchase(ctx context.Context, userID int64, lines []models.CartLine) (resp *models.PurchaseCreateResponse, err error) {
	ctx, span := tracer.Start(ctx, "ReservationService.CreatePurchase", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int("cart.lines", len(lines)),
	))
	defer func() { endSpan(span, err) }()

	if err := validateCart(userID, lines); err != nil {
		s.metrics.Add(ctx, s.metrics.PurchasesCreated, 1, attribute.String("outcome", "invalid"))
		return nil, err
	}

	start := time.Now()
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, s.db.Dialect.LockingTxOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Purchase row before offer rows, the order every other path locks in.
	purchase, err := s.store.LockPendingPurchaseForUser(ctx, tx, userID)
	if errors.Is(err, db.ErrNotFound) {
		purchase, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A pending purchase past its window is expired here rather than reused:
	// merged lines would inherit its deadline and be cancelled at once.
	stale := purchase != nil && !purchase.CreatedAt.Add(s.cfg.Expiration).After(now)
	var staleLines []models.PurchaseOffer
	switch {
	case stale:
		if staleLines, err = s.store.ListPurchaseOffers(ctx, tx, purchase.ID); err != nil {
			return nil, err
		}
	case purchase != nil && s.cfg.PendingPolicy == PendingPolicyReject:
		s.metrics.Add(ctx, s.metrics.PurchasesCreated, 1, attribute.String("outcome", "rejected"))
		return nil, fmt.Errorf("%w: purchase %d", ErrPendingPurchaseExists, purchase.ID)
	}

	ids := lineOfferIDs(staleLines)
	for _, l := range lines {
		ids = append(ids, l.OfferID)
	}
	// One sorted lock set covering the stale purchase's offers and the cart's.
	locked, err := s.store.LockOffersByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	if stale {
		released, err := releaseLines(ctx, tx, s.store, staleLines, offerSet(locked))
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdatePurchaseStatus(ctx, tx, purchase.ID, models.PurchaseStatusCancelled, now); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "stale pending purchase expired before reservation",
			"purchase_id", purchase.ID, "user_id", userID, "released", released)
		s.metrics.Add(ctx, s.metrics.PurchasesExpired, 1, attribute.String("trigger", "reservation"))
		s.metrics.RecordTransition(ctx, string(models.PurchaseStatusPending), string(models.PurchaseStatusCancelled), "reservation")
		s.metrics.Add(ctx, s.metrics.UnitsReleased, int64(released))
		purchase = nil

		if locked, err = s.store.GetOffersByIDs(ctx, tx, ids); err != nil {
			return nil, err
		}
	}
	reused := purchase != nil

	offers := make(map[int64]*models.Offer, len(locked))
	var strategyIDs []int64
	for i := range locked {
		offers[locked[i].ID] = &locked[i]
		if locked[i].PricingStrategyID != nil {
			strategyIDs = append(strategyIDs, *locked[i].PricingStrategyID)
		}
	}
	strategies, err := s.store.LoadStrategies(ctx, tx, strategyIDs)
	if err != nil {
		return nil, err
	}

	outcome, err := s.reserveLines(ctx, tx, lines, offers, strategies, now)
	if err != nil {
		return nil, err
	}

	if purchase == nil {
		purchase, err = s.store.CreatePurchase(ctx, tx, userID, now)
		if errors.Is(err, db.ErrDuplicate) {
			return nil, fmt.Errorf("%w: user %d created a purchase concurrently", ErrConflict, userID)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.attachLines(ctx, tx, purchase.ID, outcome.staged, reused); err != nil {
		return nil, err
	}
	for i := range outcome.results {
		outcome.results[i].PurchaseID = purchase.ID
	}
	if err := s.store.InsertOfferResults(ctx, tx, outcome.results); err != nil {
		return nil, err
	}
	total, err := s.store.RefreshTotalCost(ctx, tx, purchase.ID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	outcomeAttr := "created"
	if reused {
		outcomeAttr = "reused"
	}
	s.metrics.Add(ctx, s.metrics.PurchasesCreated, 1, attribute.String("outcome", outcomeAttr))
	s.metrics.Add(ctx, s.metrics.UnitsReserved, int64(outcome.units))
	s.metrics.ReservationDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...))
	for _, r := range outcome.results {
		s.metrics.Add(ctx, s.metrics.OfferLinesProcessed, 1, attribute.String("status", string(r.Status)))
	}

	s.logger.InfoContext(ctx, "purchase reserved",
		"purchase_id", purchase.ID,
		"user_id", userID,
		"reused", reused,
		"processed", outcome.processed,
		"failed", outcome.failed,
		"units", outcome.units,
		"total_cost", total.StringFixed(2),
	)

	s.scheduleExpiration(ctx, purchase, now)
	s.notifySellers(ctx, purchase.ID, outcome.staged)

	purchase, err = s.store.GetPurchase(ctx, s.db, purchase.ID)
	if err != nil {
		return nil, err
	}
	if purchase.PurchaseOffers, err = s.store.ListPurchaseOffers(ctx, s.db, purchase.ID); err != nil {
		return nil, err
	}
	purchase.OfferResults = outcome.results
	purchase.TTL = ttlSeconds(purchase, s.cfg.Expiration, now)

	span.SetAttributes(
		attribute.Int64("purchase.id", purchase.ID),
		attribute.Int("purchase.lines.processed", outcome.processed),
	)
	return &models.PurchaseCreateResponse{
		Purchase:       purchase,
		TotalProcessed: outcome.processed,
		TotalFailed:    outcome.failed,
	}, nil
}

func validateCart(userID int64, lines []models.CartLine) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidCart)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: no offers requested", ErrInvalidCart)
	}
	for i, l := range lines {
		if l.OfferID <= 0 {
			return fmt.Errorf("%w: line %d: offer id must be positive", ErrInvalidCart, i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d: quantity must be positive", ErrInvalidCart, i)
		}
	}
	return nil
}

// reserveLines processes each cart line in request order against the
// locked offers. Repeated offer ids see the counters left by earlier lines.
func (s *ReservationService) reserveLines(ctx context.Context, tx *sql.Tx, lines []models.CartLine, offers map[int64]*models.Offer, strategies map[int64]*models.PricingStrategy, now time.Time) (*reservationOutcome, error) {
	out := &reservationOutcome{
		results: make([]models.PurchaseOfferResult, 0, len(lines)),
	}
	byOffer := make(map[int64]*stagedLine)

	for _, line := range lines {
		result := models.PurchaseOfferResult{
			OfferID:           line.OfferID,
			RequestedQuantity: line.Quantity,
			CreatedAt:         now,
		}

		offer, ok := offers[line.OfferID]
		switch {
		case !ok:
			result.Status = models.OfferResultNotFound
			result.Message = "Offer not found"
		case offer.ExpiredAt(now):
			result.Status = models.OfferResultExpired
			result.Message = "Offer has expired"
		default:
			processed, status, available, message := allocate(*offer, line.Quantity)
			result.Status = status
			result.AvailableQuantity = available
			result.Message = message
			if processed == 0 {
				break
			}

			price := pricing.PriceAt(*offer, strategyFor(offer, strategies), now)
			if !price.Valid {
				result.Status = models.OfferResultPriceUnavailable
				result.Message = "Offer has no price"
				break
			}
			result.ProcessedQuantity = &processed

			updated, err := s.store.AdjustReservedCount(ctx, tx, offer.ID, processed)
			if err != nil {
				return nil, err
			}
			*offer = *updated

			cost := lineCost(price.Decimal, processed)
			if staged, ok := byOffer[offer.ID]; ok {
				staged.quantity += processed
				staged.cost = addCost(staged.cost, cost)
			} else {
				staged = &stagedLine{offerID: offer.ID, shopID: offer.ShopID, quantity: processed, cost: cost}
				byOffer[offer.ID] = staged
				out.staged = append(out.staged, staged)
			}
			out.units += processed
		}

		if result.ProcessedQuantity != nil {
			out.processed++
		} else {
			out.failed++
		}
		out.results = append(out.results, result)
	}
	return out, nil
}

// allocate decides how many of requested units the offer can reserve
func allocate(offer models.Offer, requested int) (int, models.OfferResultStatus, *int, string) {
	available, tracked := offer.Available()
	if !tracked {
		return requested, models.OfferResultSuccess, nil, "Reserved"
	}
	if available <= 0 {
		zero := 0
		return 0, models.OfferResultInsufficientQuantity, &zero, "No units available"
	}
	if available < requested {
		return available, models.OfferResultInsufficientQuantity, &available,
			fmt.Sprintf("Only %d of %d units reserved", available, requested)
	}
	return requested, models.OfferResultSuccess, &available, "Reserved"
}

func strategyFor(offer *models.Offer, strategies map[int64]*models.PricingStrategy) *models.PricingStrategy {
	if offer.PricingStrategyID == nil {
		return nil
	}
	return strategies[*offer.PricingStrategyID]
}

func lineCost(unitPrice decimal.Decimal, quantity int) decimal.NullDecimal {
	return decimal.NewNullDecimal(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

func addCost(a, b decimal.NullDecimal) decimal.NullDecimal {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	}
	return decimal.NewNullDecimal(a.Decimal.Add(b.Decimal))
}

// attachLines writes staged lines, merging into lines a reused purchase
// already holds for the same offer.
func (s *ReservationService) attachLines(ctx context.Context, tx *sql.Tx, purchaseID int64, staged []*stagedLine, reused bool) error {
	existing := map[int64]bool{}
	if reused {
		current, err := s.store.ListPurchaseOffers(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		for _, l := range current {
			existing[l.OfferID] = true
		}
	}

	fresh := make([]models.PurchaseOffer, 0, len(staged))
	for _, sl := range staged {
		if existing[sl.offerID] {
			if err := s.store.MergePurchaseOffer(ctx, tx, purchaseID, sl.offerID, sl.quantity, sl.cost); err != nil {
				return err
			}
			continue
		}
		fresh = append(fresh, models.PurchaseOffer{
			PurchaseID:     purchaseID,
			OfferID:        sl.offerID,
			Quantity:       sl.quantity,
			CostAtPurchase: sl.cost,
		})
	}
	return s.store.InsertPurchaseOffers(ctx, tx, fresh)
}

// scheduleExpiration asks the scheduler to check the purchase once its
// reservation window closes. Failures only delay expiry until the sweep.
func (s *ReservationService) scheduleExpiration(ctx context.Context, purchase *models.Purchase, now time.Time) {
	if s.scheduler == nil {
		return
	}
	delay := purchase.CreatedAt.Add(s.cfg.Expiration).Sub(now)
	if delay < 0 {
		delay = 0
	}
	if err := s.scheduler.ScheduleExpirationCheck(ctx, purchase.ID, delay); err != nil {
		s.logger.WarnContext(ctx, "scheduling expiration check failed",
			"purchase_id", purchase.ID, "error", err)
	}
}

func (s *ReservationService) notifySellers(ctx context.Context, purchaseID int64, staged []*stagedLine) {
	if s.notifier == nil || s.shops == nil || len(staged) == 0 {
		return
	}

	shopIDs := make([]int64, 0, len(staged))
	for _, sl := range staged {
		shopIDs = append(shopIDs, sl.shopID)
	}
	owners, err := s.shops.SellerIDsForShops(ctx, shopIDs)
	if err != nil {
		s.logger.WarnContext(ctx, "resolving sellers to notify failed", "purchase_id", purchaseID, "error", err)
		return
	}

	bySeller := make(map[int64][]models.PurchaseOffer)
	var sellers []int64
	for _, sl := range staged {
		sellerID, ok := owners[sl.shopID]
		if !ok {
			continue
		}
		if _, seen := bySeller[sellerID]; !seen {
			sellers = append(sellers, sellerID)
		}
		bySeller[sellerID] = append(bySeller[sellerID], models.PurchaseOffer{
			PurchaseID:     purchaseID,
			OfferID:        sl.offerID,
			Quantity:       sl.quantity,
			CostAtPurchase: sl.cost,
		})
	}

	for _, sellerID := range sellers {
		notice := ReservationNotice{SellerID: sellerID, PurchaseID: purchaseID, Lines: bySeller[sellerID]}
		if err := s.notifier.NotifyReservation(ctx, notice); err != nil {
			s.logger.WarnContext(ctx, "seller notification failed",
				"purchase_id", purchaseID, "seller_id", sellerID, "error", err)
		}
	}
}
