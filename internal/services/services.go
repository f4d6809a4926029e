// Package services holds the purchase reservation and lifecycle logic.
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
	"github.com/foodlink/marketplace-core/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidCart           = errors.New("invalid cart")
	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrOfferNotFound         = errors.New("offer not found")
	ErrInvalidTransition     = errors.New("invalid purchase status transition")
	ErrPendingPurchaseExists = errors.New("user already has a pending purchase")
	ErrPurchaseNotPaid       = errors.New("purchase is not paid")
	ErrForbidden             = errors.New("forbidden")
	ErrLineNotFound          = errors.New("purchase line not found")
	ErrInvalidFulfillment    = errors.New("invalid fulfillment")
	ErrInvalidPaymentEvent   = errors.New("unknown payment event")
	// ErrConflict means a concurrent request won a race the caller may retry.
	ErrConflict = errors.New("concurrent update, retry")
)

var tracer = otel.Tracer("github.com/foodlink/marketplace-core/internal/services")

// Clock returns the current time. Services read it once per operation.
type Clock func() time.Time

// SystemClock is the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Deps bundles what every service needs
type Deps struct {
	DB      *db.DB
	Store   *store.Store
	Metrics *metrics.AppMetrics
	Clock   Clock
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNoopMetrics()
	}
	return d
}

// ShopDirectory resolves shop-point ownership
type ShopDirectory interface {
	ShopPointIDsForSeller(ctx context.Context, sellerID int64) ([]int64, error)
	SellerIDsForShops(ctx context.Context, shopIDs []int64) (map[int64]int64, error)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func notFoundAs(err, sentinel error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

// lineOfferIDs returns the offer ids referenced by lines
func lineOfferIDs(lines []models.PurchaseOffer) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.OfferID)
	}
	return store.SortedUniqueIDs(ids)
}

// releaseLines gives the lines' units back to their offers. The offers
// must already be locked; lines whose offer is gone are skipped.
func releaseLines(ctx context.Context, tx *sql.Tx, st *store.Store, lines []models.PurchaseOffer, present map[int64]bool) (int, error) {
	released := 0
	for _, line := range lines {
		if !present[line.OfferID] || line.Quantity <= 0 {
			continue
		}
		if _, err := st.AdjustReservedCount(ctx, tx, line.OfferID, -line.Quantity); err != nil {
			return released, err
		}
		released += line.Quantity
	}
	return released, nil
}

// cancelPending releases a locked pending purchase's reservations and
// marks it cancelled.
func cancelPending(ctx context.Context, tx *sql.Tx, st *store.Store, purchaseID int64, now time.Time) (int, error) {
	lines, err := st.ListPurchaseOffers(ctx, tx, purchaseID)
	if err != nil {
		return 0, err
	}
	offers, err := st.LockOffersByIDs(ctx, tx, lineOfferIDs(lines))
	if err != nil {
		return 0, err
	}
	released, err := releaseLines(ctx, tx, st, lines, offerSet(offers))
	if err != nil {
		return 0, err
	}
	if err := st.UpdatePurchaseStatus(ctx, tx, purchaseID, models.PurchaseStatusCancelled, now); err != nil {
		return 0, err
	}
	return released, nil
}

func offerSet(offers []models.Offer) map[int64]bool {
	set := make(map[int64]bool, len(offers))
	for _, o := range offers {
		set[o.ID] = true
	}
	return set
}

// CheckAllOffersFulfilled reports whether every line carries a seller
// outcome. A purchase without lines never completes.
func CheckAllOffersFulfilled(lines []models.PurchaseOffer) bool {
	if len(lines) == 0 {
		return false
	}
	for _, l := range lines {
		if l.FulfillmentStatus == nil {
			return false
		}
	}
	return true
}

// ttlSeconds is the time a pending purchase has left before expiry
func ttlSeconds(p *models.Purchase, expiration time.Duration, now time.Time) *int64 {
	if p.Status != models.PurchaseStatusPending {
		return nil
	}
	left := int64(p.CreatedAt.Add(expiration).Sub(now) / time.Second)
	if left < 0 {
		left = 0
	}
	return &left
}
