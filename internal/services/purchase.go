package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foodlink/marketplace-core/internal/auth"
	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Payment event names relayed by the webhook layer
const (
	PaymentEventSucceeded = "payment.succeeded"
	PaymentEventCanceled  = "payment.canceled"
)

// PurchaseService handles reads and status transitions of existing purchases
type PurchaseService struct {
	db         *db.DB
	store      *store.Store
	metrics    *metrics.AppMetrics
	clock      Clock
	logger     *slog.Logger
	tokens     *auth.OrderTokens
	shops      ShopDirectory
	expiration time.Duration
}

// NewPurchaseService creates a purchase service. expiration is the
// reservation window used to report a pending purchase's TTL.
func NewPurchaseService(deps Deps, tokens *auth.OrderTokens, shops ShopDirectory, expiration time.Duration) *PurchaseService {
	deps = deps.withDefaults()
	return &PurchaseService{
		db:         deps.DB,
		store:      deps.Store,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     deps.Logger.With("component", "purchases"),
		tokens:     tokens,
		shops:      shops,
		expiration: expiration,
	}
}

// GetPurchase returns a purchase with its lines and creation results
func (s *PurchaseService) GetPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, s.db, id)
	if err != nil {
		return nil, notFoundAs(err, ErrPurchaseNotFound)
	}
	if err := s.loadDetails(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPendingPurchase returns the user's pending purchase
func (s *PurchaseService) GetPendingPurchase(ctx context.Context, userID int64) (*models.Purchase, error) {
	p, err := s.store.GetPendingPurchaseForUser(ctx, s.db, userID)
	if err != nil {
		return nil, notFoundAs(err, ErrPurchaseNotFound)
	}
	if err := s.loadDetails(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListUserPurchases returns the user's purchases, newest first
func (s *PurchaseService) ListUserPurchases(ctx context.Context, userID int64) ([]models.Purchase, error) {
	purchases, err := s.store.ListUserPurchases(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	for i := range purchases {
		p := &purchases[i]
		if p.PurchaseOffers, err = s.store.ListPurchaseOffers(ctx, s.db, p.ID); err != nil {
			return nil, err
		}
		p.TTL = ttlSeconds(p, s.expiration, now)
	}
	return purchases, nil
}

func (s *PurchaseService) loadDetails(ctx context.Context, p *models.Purchase) error {
	var err error
	if p.PurchaseOffers, err = s.store.ListPurchaseOffers(ctx, s.db, p.ID); err != nil {
		return err
	}
	if p.OfferResults, err = s.store.ListOfferResults(ctx, s.db, p.ID); err != nil {
		return err
	}
	p.TTL = ttlSeconds(p, s.expiration, s.clock())
	return nil
}

// HandlePaymentEvent applies a payment notification
func (s *PurchaseService) HandlePaymentEvent(ctx context.Context, ev models.PaymentEvent) error {
	switch ev.Event {
	case PaymentEventSucceeded:
		return s.ConfirmPurchase(ctx, ev.PurchaseID)
	case PaymentEventCanceled:
		return s.CancelPurchasePayment(ctx, ev.PurchaseID)
	}
	return fmt.Errorf("%w: %q", ErrInvalidPaymentEvent, ev.Event)
}

// ConfirmPurchase moves a pending purchase to confirmed after a successful
// payment. Reserved units become sold units. Repeated delivery is a no-op;
// a purchase that already expired cannot be confirmed.
func (s *PurchaseService) ConfirmPurchase(ctx context.Context, id int64) (err error) {
	ctx, span := tracer.Start(ctx, "PurchaseService.ConfirmPurchase",
		trace.WithAttributes(attribute.Int64("purchase.id", id)))
	defer func() { endSpan(span, err) }()

	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.store.LockPurchase(ctx, tx, id)
	if err != nil {
		return notFoundAs(err, ErrPurchaseNotFound)
	}
	switch p.Status {
	case models.PurchaseStatusConfirmed, models.PurchaseStatusCompleted:
		s.logger.InfoContext(ctx, "payment already applied", "purchase_id", id, "status", p.Status)
		return nil
	case models.PurchaseStatusCancelled:
		return fmt.Errorf("%w: purchase %d is cancelled", ErrInvalidTransition, id)
	}

	lines, err := s.store.ListPurchaseOffers(ctx, tx, id)
	if err != nil {
		return err
	}
	locked, err := s.store.LockOffersByIDs(ctx, tx, lineOfferIDs(lines))
	if err != nil {
		return err
	}
	present := offerSet(locked)
	consumed := 0
	for _, line := range lines {
		if !present[line.OfferID] {
			continue
		}
		if err := s.store.ConsumeReservation(ctx, tx, line.OfferID, line.Quantity); err != nil {
			return err
		}
		consumed += line.Quantity
	}

	if err := s.store.UpdatePurchaseStatus(ctx, tx, id, models.PurchaseStatusConfirmed, now); err != nil {
		return err
	}
	if err := s.store.UpdatePaymentStatus(ctx, tx, id, models.PaymentStatusSucceeded, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}

	s.metrics.RecordTransition(ctx, string(p.Status), string(models.PurchaseStatusConfirmed), "payment")
	s.metrics.Add(ctx, s.metrics.UnitsConsumed, int64(consumed))
	s.logger.InfoContext(ctx, "purchase confirmed", "purchase_id", id, "units", consumed)
	return nil
}

// CancelPurchasePayment records a cancelled payment. The purchase stays
// pending and keeps its reservations until it is paid or expires.
func (s *PurchaseService) CancelPurchasePayment(ctx context.Context, id int64) error {
	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.store.LockPurchase(ctx, tx, id)
	if err != nil {
		return notFoundAs(err, ErrPurchaseNotFound)
	}
	if p.PaymentStatus != nil && *p.PaymentStatus == models.PaymentStatusCanceled {
		return nil
	}
	switch p.Status {
	case models.PurchaseStatusCancelled:
		return nil
	case models.PurchaseStatusConfirmed, models.PurchaseStatusCompleted:
		return fmt.Errorf("%w: purchase %d is already paid", ErrInvalidTransition, id)
	}

	if err := s.store.UpdatePaymentStatus(ctx, tx, id, models.PaymentStatusCanceled, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment cancellation: %w", err)
	}
	s.logger.InfoContext(ctx, "payment cancelled", "purchase_id", id)
	return nil
}

// CancelPurchase lets the owner cancel a pending purchase, releasing its
// reservations.
func (s *PurchaseService) CancelPurchase(ctx context.Context, id, userID int64) (p *models.Purchase, err error) {
	ctx, span := tracer.Start(ctx, "PurchaseService.CancelPurchase",
		trace.WithAttributes(attribute.Int64("purchase.id", id)))
	defer func() { endSpan(span, err) }()

	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err = s.store.LockPurchase(ctx, tx, id)
	if err != nil {
		return nil, notFoundAs(err, ErrPurchaseNotFound)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: purchase %d", ErrPurchaseNotFound, id)
	}
	if p.Status != models.PurchaseStatusPending {
		return nil, fmt.Errorf("%w: purchase %d is %s", ErrInvalidTransition, id, p.Status)
	}

	released, err := cancelPending(ctx, tx, s.store, id, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	s.metrics.RecordTransition(ctx, string(models.PurchaseStatusPending), string(models.PurchaseStatusCancelled), "user")
	s.metrics.Add(ctx, s.metrics.UnitsReleased, int64(released))
	s.logger.InfoContext(ctx, "purchase cancelled", "purchase_id", id, "user_id", userID, "released", released)

	return s.GetPurchase(ctx, id)
}

// DeletePurchase removes the owner's purchase. A pending purchase gives
// its reservations back first; paid purchases already consumed theirs.
func (s *PurchaseService) DeletePurchase(ctx context.Context, id, userID int64) error {
	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.store.LockPurchase(ctx, tx, id)
	if err != nil {
		return notFoundAs(err, ErrPurchaseNotFound)
	}
	if p.UserID != userID {
		return fmt.Errorf("%w: purchase %d", ErrPurchaseNotFound, id)
	}

	released := 0
	if p.Status == models.PurchaseStatusPending {
		if released, err = cancelPending(ctx, tx, s.store, id, now); err != nil {
			return err
		}
	}
	if err := s.store.DeletePurchase(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}

	s.metrics.Add(ctx, s.metrics.UnitsReleased, int64(released))
	s.logger.InfoContext(ctx, "purchase deleted", "purchase_id", id, "status", p.Status, "released", released)
	return nil
}

// IssueOrderToken signs a token the owner shows sellers to collect a paid
// purchase.
func (s *PurchaseService) IssueOrderToken(ctx context.Context, id, userID int64) (*models.OrderToken, error) {
	p, err := s.store.GetPurchase(ctx, s.db, id)
	if err != nil {
		return nil, notFoundAs(err, ErrPurchaseNotFound)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: purchase %d", ErrPurchaseNotFound, id)
	}
	if p.Status != models.PurchaseStatusConfirmed {
		return nil, fmt.Errorf("%w: purchase %d is %s", ErrPurchaseNotPaid, id, p.Status)
	}

	token, expiresAt, err := s.tokens.Issue(p.ID, p.UserID)
	if err != nil {
		return nil, err
	}
	return &models.OrderToken{Token: token, ExpiresAt: expiresAt}, nil
}

// VerifyOrderToken resolves a scanned token to the lines the seller is
// responsible for.
func (s *PurchaseService) VerifyOrderToken(ctx context.Context, token string, sellerID int64) (*models.SellerOrderView, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	p, err := s.store.GetPurchase(ctx, s.db, claims.PurchaseID)
	if err != nil {
		return nil, notFoundAs(err, ErrPurchaseNotFound)
	}
	if p.UserID != claims.UserID {
		return nil, fmt.Errorf("%w: purchase owner changed", auth.ErrInvalidToken)
	}
	if p.Status != models.PurchaseStatusConfirmed && p.Status != models.PurchaseStatusCompleted {
		return nil, fmt.Errorf("%w: purchase %d is %s", ErrPurchaseNotPaid, p.ID, p.Status)
	}

	shopIDs, err := s.shops.ShopPointIDsForSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	owned := make(map[int64]bool, len(shopIDs))
	for _, id := range shopIDs {
		owned[id] = true
	}

	lines, err := s.store.ListPurchaseOffers(ctx, s.db, p.ID)
	if err != nil {
		return nil, err
	}
	offers, err := s.store.GetOffersByIDs(ctx, s.db, lineOfferIDs(lines))
	if err != nil {
		return nil, err
	}
	shopOf := make(map[int64]int64, len(offers))
	for _, o := range offers {
		shopOf[o.ID] = o.ShopID
	}

	items := make([]models.PurchaseOffer, 0, len(lines))
	for _, line := range lines {
		if shop, ok := shopOf[line.OfferID]; ok && owned[shop] {
			items = append(items, line)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: seller %d has no lines in purchase %d", ErrForbidden, sellerID, p.ID)
	}

	return &models.SellerOrderView{
		PurchaseID: p.ID,
		UserID:     p.UserID,
		Status:     p.Status,
		Items:      items,
	}, nil
}

// isNotFound reports whether err is any of the not-found kinds
func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, ErrPurchaseNotFound)
}
