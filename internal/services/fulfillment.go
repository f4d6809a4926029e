package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FulfillmentService records seller outcomes on paid purchase lines and
// completes purchases once every line has one.
type FulfillmentService struct {
	db      *db.DB
	store   *store.Store
	metrics *metrics.AppMetrics
	clock   Clock
	logger  *slog.Logger
	shops   ShopDirectory
}

// NewFulfillmentService creates a fulfillment service
func NewFulfillmentService(deps Deps, shops ShopDirectory) *FulfillmentService {
	deps = deps.withDefaults()
	return &FulfillmentService{
		db:      deps.DB,
		store:   deps.Store,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger.With("component", "fulfillment"),
		shops:   shops,
	}
}

// FulfillLine records the seller's outcome for one line
func (s *FulfillmentService) FulfillLine(ctx context.Context, purchaseID, offerID int64, fulfilledQuantity int, sellerID int64, reason *string) (*models.FulfillmentResult, error) {
	return s.FulfillItems(ctx, purchaseID, sellerID, []models.FulfillmentItem{{
		OfferID:           offerID,
		FulfilledQuantity: fulfilledQuantity,
		UnfulfilledReason: reason,
	}})
}

// FulfillItems records the seller's outcome for several lines at once.
// A line counts as fulfilled when the seller handed over its full
// quantity. Every item must belong to one of the seller's shop points,
// otherwise nothing is written.
func (s *FulfillmentService) FulfillItems(ctx context.Context, purchaseID, sellerID int64, items []models.FulfillmentItem) (res *models.FulfillmentResult, err error) {
	ctx, span := tracer.Start(ctx, "FulfillmentService.FulfillItems", trace.WithAttributes(
		attribute.Int64("purchase.id", purchaseID),
		attribute.Int64("seller.id", sellerID),
		attribute.Int("fulfillment.items", len(items)),
	))
	defer func() { endSpan(span, err) }()

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidFulfillment)
	}
	for _, item := range items {
		if item.FulfilledQuantity < 0 {
			return nil, fmt.Errorf("%w: offer %d: negative quantity", ErrInvalidFulfillment, item.OfferID)
		}
	}

	shopIDs, err := s.shops.ShopPointIDsForSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	owned := make(map[int64]bool, len(shopIDs))
	for _, id := range shopIDs {
		owned[id] = true
	}

	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.store.LockPurchase(ctx, tx, purchaseID)
	if err != nil {
		return nil, notFoundAs(err, ErrPurchaseNotFound)
	}
	switch p.Status {
	case models.PurchaseStatusConfirmed:
	case models.PurchaseStatusCompleted:
		return nil, fmt.Errorf("%w: purchase %d is already completed", ErrInvalidTransition, purchaseID)
	default:
		return nil, fmt.Errorf("%w: purchase %d is %s", ErrPurchaseNotPaid, purchaseID, p.Status)
	}

	lines, err := s.store.ListPurchaseOffers(ctx, tx, purchaseID)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]int, len(lines))
	for i, l := range lines {
		index[l.OfferID] = i
	}

	offerIDs := make([]int64, 0, len(items))
	for _, item := range items {
		offerIDs = append(offerIDs, item.OfferID)
	}
	offers, err := s.store.GetOffersByIDs(ctx, tx, offerIDs)
	if err != nil {
		return nil, err
	}
	shopOf := make(map[int64]int64, len(offers))
	for _, o := range offers {
		shopOf[o.ID] = o.ShopID
	}

	counts := map[models.FulfillmentStatus]int64{}
	for _, item := range items {
		i, ok := index[item.OfferID]
		if !ok {
			return nil, fmt.Errorf("%w: offer %d in purchase %d", ErrLineNotFound, item.OfferID, purchaseID)
		}
		if shop, ok := shopOf[item.OfferID]; !ok || !owned[shop] {
			return nil, fmt.Errorf("%w: offer %d is not sold by seller %d", ErrForbidden, item.OfferID, sellerID)
		}
		line := lines[i]
		if item.FulfilledQuantity > line.Quantity {
			return nil, fmt.Errorf("%w: offer %d: fulfilled %d of %d units",
				ErrInvalidFulfillment, item.OfferID, item.FulfilledQuantity, line.Quantity)
		}

		status := models.FulfillmentStatusNotFulfilled
		reason := item.UnfulfilledReason
		if item.FulfilledQuantity >= line.Quantity {
			status = models.FulfillmentStatusFulfilled
			reason = nil
		}
		qty := item.FulfilledQuantity
		seller := sellerID
		line.FulfillmentStatus = &status
		line.FulfilledQuantity = &qty
		line.FulfilledBySellerID = &seller
		line.UnfulfilledReason = reason

		if err := s.store.UpdateFulfillment(ctx, tx, line); err != nil {
			return nil, err
		}
		lines[i] = line
		counts[status]++
	}

	completed := CheckAllOffersFulfilled(lines)
	if completed {
		if err := s.store.UpdatePurchaseStatus(ctx, tx, purchaseID, models.PurchaseStatusCompleted, now); err != nil {
			return nil, err
		}
		p.Status = models.PurchaseStatusCompleted
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fulfillment: %w", err)
	}

	for status, n := range counts {
		s.metrics.Add(ctx, s.metrics.FulfillmentsRecorded, n, attribute.String("status", string(status)))
	}
	if completed {
		s.metrics.RecordTransition(ctx, string(models.PurchaseStatusConfirmed), string(models.PurchaseStatusCompleted), "fulfillment")
	}
	s.logger.InfoContext(ctx, "fulfillment recorded",
		"purchase_id", purchaseID,
		"seller_id", sellerID,
		"items", len(items),
		"completed", completed,
	)

	return &models.FulfillmentResult{
		PurchaseID: purchaseID,
		Status:     p.Status,
		Completed:  completed,
		Lines:      lines,
	}, nil
}

// RecalculateStatuses completes every confirmed purchase whose lines all
// carry a seller outcome. Each purchase is handled in its own transaction
// and failures are reported without stopping the batch.
func (s *FulfillmentService) RecalculateStatuses(ctx context.Context) (*models.RecalculationResult, error) {
	confirmed, err := s.store.ListPurchasesByStatus(ctx, s.db, models.PurchaseStatusConfirmed)
	if err != nil {
		return nil, err
	}

	res := &models.RecalculationResult{Checked: len(confirmed), Errors: []string{}}
	for _, p := range confirmed {
		done, err := s.recalculate(ctx, p.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "recalculating purchase failed", "purchase_id", p.ID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("purchase %d: %v", p.ID, err))
			continue
		}
		if done {
			res.Completed++
		}
	}

	s.logger.InfoContext(ctx, "purchase statuses recalculated",
		"checked", res.Checked, "completed", res.Completed, "errors", len(res.Errors))
	return res, nil
}

func (s *FulfillmentService) recalculate(ctx context.Context, purchaseID int64) (bool, error) {
	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.store.LockPurchase(ctx, tx, purchaseID)
	if err != nil {
		return false, err
	}
	if p.Status != models.PurchaseStatusConfirmed {
		return false, nil
	}
	lines, err := s.store.ListPurchaseOffers(ctx, tx, purchaseID)
	if err != nil {
		return false, err
	}
	if !CheckAllOffersFulfilled(lines) {
		return false, nil
	}
	if err := s.store.UpdatePurchaseStatus(ctx, tx, purchaseID, models.PurchaseStatusCompleted, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit completion: %w", err)
	}
	s.metrics.RecordTransition(ctx, string(models.PurchaseStatusConfirmed), string(models.PurchaseStatusCompleted), "recalculation")
	return true, nil
}
