package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus is the lifecycle state of a purchase
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusConfirmed PurchaseStatus = "confirmed"
	PurchaseStatusCancelled PurchaseStatus = "cancelled"
	PurchaseStatusCompleted PurchaseStatus = "completed"
)

// Terminal reports whether no further transition is allowed.
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseStatusCancelled || s == PurchaseStatusCompleted
}

// PaymentStatus records the last payment event seen for a purchase
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusCanceled  PaymentStatus = "canceled"
)

// FulfillmentStatus is the seller-side outcome of a purchase line
type FulfillmentStatus string

const (
	FulfillmentStatusFulfilled    FulfillmentStatus = "fulfilled"
	FulfillmentStatusNotFulfilled FulfillmentStatus = "not_fulfilled"
)

// OfferResultStatus is the processing outcome of one requested cart line
type OfferResultStatus string

const (
	OfferResultSuccess              OfferResultStatus = "success"
	OfferResultNotFound             OfferResultStatus = "not_found"
	OfferResultInsufficientQuantity OfferResultStatus = "insufficient_quantity"
	OfferResultExpired              OfferResultStatus = "expired"
	OfferResultPriceUnavailable     OfferResultStatus = "price_unavailable"
)

// Offer is a priced, quantity-limited listing of a product at a shop point
type Offer struct {
	ID                int64               `json:"id"`
	ProductID         int64               `json:"product_id"`
	ShopID            int64               `json:"shop_id"`
	PricingStrategyID *int64              `json:"pricing_strategy_id"`
	ExpiresDate       *time.Time          `json:"expires_date"`
	OriginalCost      decimal.NullDecimal `json:"original_cost"`
	CurrentCost       decimal.NullDecimal `json:"current_cost"`
	Count             *int                `json:"count"` // nil: stock not tracked
	ReservedCount     int                 `json:"reserved_count"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Available returns the units that can still be reserved. The second
// value is false when the offer does not track stock.
func (o Offer) Available() (int, bool) {
	if o.Count == nil {
		return 0, false
	}
	return *o.Count - o.ReservedCount, true
}

// ExpiredAt reports whether the offer's expiry lies before now.
func (o Offer) ExpiredAt(now time.Time) bool {
	return o.ExpiresDate != nil && o.ExpiresDate.Before(now)
}

// PricingStrategy is a time-decay discount schedule
type PricingStrategy struct {
	ID    int64                 `json:"id"`
	Name  string                `json:"name"`
	Steps []PricingStrategyStep `json:"steps"`
	// StepsLoaded distinguishes "no steps" from "steps were not fetched".
	StepsLoaded bool `json:"-"`
}

// PricingStrategyStep applies DiscountPercent once the remaining time
// drops to TimeRemainingSeconds or below.
type PricingStrategyStep struct {
	StrategyID           int64           `json:"strategy_id"`
	TimeRemainingSeconds int64           `json:"time_remaining_seconds"`
	DiscountPercent      decimal.Decimal `json:"discount_percent"`
}

// Purchase is an order header together with its lines
type Purchase struct {
	ID             int64                 `json:"id"`
	UserID         int64                 `json:"user_id"`
	Status         PurchaseStatus        `json:"status"`
	PaymentStatus  *PaymentStatus        `json:"payment_status,omitempty"`
	TotalCost      decimal.Decimal       `json:"total_cost"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	PurchaseOffers []PurchaseOffer       `json:"purchase_offers"`
	OfferResults   []PurchaseOfferResult `json:"offer_results"`
	// TTL is the number of seconds a pending purchase keeps its reservations.
	TTL *int64 `json:"ttl,omitempty"`
}

// PurchaseOffer is a reserved purchase line. CostAtPurchase is the line
// total (unit price times quantity) frozen at reservation time.
type PurchaseOffer struct {
	PurchaseID          int64               `json:"purchase_id"`
	OfferID             int64               `json:"offer_id"`
	Quantity            int                 `json:"quantity"`
	CostAtPurchase      decimal.NullDecimal `json:"cost_at_purchase"`
	FulfillmentStatus   *FulfillmentStatus  `json:"fulfillment_status"`
	FulfilledQuantity   *int                `json:"fulfilled_quantity"`
	FulfilledBySellerID *int64              `json:"fulfilled_by_seller_id"`
	UnfulfilledReason   *string             `json:"unfulfilled_reason"`
}

// PurchaseOfferResult is the audit record of one requested cart line
type PurchaseOfferResult struct {
	ID                int64             `json:"id,omitempty"`
	PurchaseID        int64             `json:"purchase_id"`
	OfferID           int64             `json:"offer_id"`
	Status            OfferResultStatus `json:"status"`
	RequestedQuantity int               `json:"requested_quantity"`
	ProcessedQuantity *int              `json:"processed_quantity"`
	AvailableQuantity *int              `json:"available_quantity"`
	Message           string            `json:"message"`
	CreatedAt         time.Time         `json:"created_at"`
}

// CartLine is one requested (offer, quantity) pair
type CartLine struct {
	OfferID  int64 `json:"offer_id"`
	Quantity int   `json:"quantity"`
}

// CreatePurchaseRequest is the body of a purchase-create request
type CreatePurchaseRequest struct {
	Offers []CartLine `json:"offers"`
}

// PurchaseCreateResponse reports the purchase and per-line counts
type PurchaseCreateResponse struct {
	Purchase       *Purchase `json:"purchase"`
	TotalProcessed int       `json:"total_processed"`
	TotalFailed    int       `json:"total_failed"`
}

// FulfillmentItem is a seller's report for one purchase line
type FulfillmentItem struct {
	OfferID           int64   `json:"offer_id"`
	FulfilledQuantity int     `json:"fulfilled_quantity"`
	UnfulfilledReason *string `json:"unfulfilled_reason,omitempty"`
}

// FulfillmentRequest is the body of a fulfillment report
type FulfillmentRequest struct {
	Items []FulfillmentItem `json:"items"`
}

// FulfillmentResult is the purchase state after a fulfillment report
type FulfillmentResult struct {
	PurchaseID int64           `json:"purchase_id"`
	Status     PurchaseStatus  `json:"status"`
	Completed  bool            `json:"completed"`
	Lines      []PurchaseOffer `json:"lines"`
}

// SweepResult summarizes one expiration sweep
type SweepResult struct {
	CancelledCount int      `json:"cancelled_count"`
	TotalExpired   int      `json:"total_expired"`
	Errors         []string `json:"errors"`
}

// RecalculationResult summarizes one completion recalculation batch
type RecalculationResult struct {
	Checked   int      `json:"checked"`
	Completed int      `json:"completed"`
	Errors    []string `json:"errors"`
}

// OfferView is an offer with its price evaluated at request time
type OfferView struct {
	Offer
	CurrentPrice      decimal.NullDecimal `json:"current_price"`
	AvailableQuantity *int                `json:"available_quantity"`
}

// OrderToken is a signed token a buyer presents to a seller
type OrderToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SellerOrderView is what a seller sees after scanning an order token
type SellerOrderView struct {
	PurchaseID int64           `json:"purchase_id"`
	UserID     int64           `json:"user_id"`
	Status     PurchaseStatus  `json:"status"`
	Items      []PurchaseOffer `json:"items"`
}

// PaymentEvent is a payment notification relayed by the webhook layer
type PaymentEvent struct {
	PurchaseID int64  `json:"purchase_id"`
	Event      string `json:"event"` // payment.succeeded or payment.canceled
}
