package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/shopspring/decimal"
)

const purchaseColumns = "id, user_id, status, payment_status, total_cost, created_at, updated_at"

func scanPurchase(sc scanner) (models.Purchase, error) {
	var (
		p       models.Purchase
		payment sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.UserID, &p.Status, &payment, &p.TotalCost, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if payment.Valid {
		ps := models.PaymentStatus(payment.String)
		p.PaymentStatus = &ps
	}
	return p, nil
}

func (s *Store) listPurchases(ctx context.Context, q db.Querier, query string, args ...any) ([]models.Purchase, error) {
	rows, err := s.query(ctx, q, "purchases", query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	var purchases []models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *Store) onePurchase(ctx context.Context, q db.Querier, query string, args ...any) (*models.Purchase, error) {
	purchases, err := s.listPurchases(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, db.ErrNotFound
	}
	return &purchases[0], nil
}

// GetPurchase reads a purchase header
func (s *Store) GetPurchase(ctx context.Context, q db.Querier, id int64) (*models.Purchase, error) {
	p, err := s.onePurchase(ctx, q, "SELECT "+purchaseColumns+" FROM purchases WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting purchase %d: %w", id, err)
	}
	return p, nil
}

// LockPurchase reads a purchase header and locks it for update
func (s *Store) LockPurchase(ctx context.Context, q db.Querier, id int64) (*models.Purchase, error) {
	p, err := s.onePurchase(ctx, q,
		"SELECT "+purchaseColumns+" FROM purchases WHERE id = ?"+s.dialect.ForUpdate(), id)
	if err != nil {
		return nil, fmt.Errorf("locking purchase %d: %w", id, err)
	}
	return p, nil
}

// LockPendingPurchaseForUser locks the user's pending purchase, if any
func (s *Store) LockPendingPurchaseForUser(ctx context.Context, q db.Querier, userID int64) (*models.Purchase, error) {
	p, err := s.onePurchase(ctx, q,
		"SELECT "+purchaseColumns+" FROM purchases WHERE user_id = ? AND status = ? ORDER BY id"+s.dialect.ForUpdate(),
		userID, models.PurchaseStatusPending)
	if err != nil {
		return nil, fmt.Errorf("locking pending purchase of user %d: %w", userID, err)
	}
	return p, nil
}

// GetPendingPurchaseForUser reads the user's pending purchase, if any
func (s *Store) GetPendingPurchaseForUser(ctx context.Context, q db.Querier, userID int64) (*models.Purchase, error) {
	p, err := s.onePurchase(ctx, q,
		"SELECT "+purchaseColumns+" FROM purchases WHERE user_id = ? AND status = ? ORDER BY id",
		userID, models.PurchaseStatusPending)
	if err != nil {
		return nil, fmt.Errorf("getting pending purchase of user %d: %w", userID, err)
	}
	return p, nil
}

// LockExpiredPendingPurchases locks, in id order, every pending purchase
// created before cutoff
func (s *Store) LockExpiredPendingPurchases(ctx context.Context, q db.Querier, cutoff time.Time) ([]models.Purchase, error) {
	purchases, err := s.listPurchases(ctx, q,
		"SELECT "+purchaseColumns+" FROM purchases WHERE status = ? AND created_at < ? ORDER BY id"+s.dialect.ForUpdate(),
		models.PurchaseStatusPending, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("locking expired purchases: %w", err)
	}
	return purchases, nil
}

// ListPurchasesByStatus reads every purchase in status, oldest first
func (s *Store) ListPurchasesByStatus(ctx context.Context, q db.Querier, status models.PurchaseStatus) ([]models.Purchase, error) {
	return s.listPurchases(ctx, q,
		"SELECT "+purchaseColumns+" FROM purchases WHERE status = ? ORDER BY id", status)
}

// ListUserPurchases reads a user's purchases, newest first
func (s *Store) ListUserPurchases(ctx context.Context, q db.Querier, userID int64) ([]models.Purchase, error) {
	return s.listPurchases(ctx, q,
		"SELECT "+purchaseColumns+" FROM purchases WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
}

// CreatePurchase inserts an empty pending purchase. A second pending
// purchase for the same user fails with db.ErrDuplicate.
func (s *Store) CreatePurchase(ctx context.Context, q db.Querier, userID int64, now time.Time) (*models.Purchase, error) {
	now = now.UTC()
	id, err := s.insertID(ctx, q, "purchases",
		"INSERT INTO purchases (user_id, status, total_cost, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		userID, models.PurchaseStatusPending, decimal.Zero, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating purchase for user %d: %w", userID, err)
	}
	return &models.Purchase{
		ID:        id,
		UserID:    userID,
		Status:    models.PurchaseStatusPending,
		TotalCost: decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdatePurchaseStatus sets the purchase status
func (s *Store) UpdatePurchaseStatus(ctx context.Context, q db.Querier, id int64, status models.PurchaseStatus, now time.Time) error {
	res, err := s.exec(ctx, q, "UPDATE", "purchases",
		"UPDATE purchases SET status = ?, updated_at = ? WHERE id = ?", status, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("setting purchase %d status to %s: %w", id, status, err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("setting purchase %d status: %w", id, err)
	}
	return nil
}

// UpdatePaymentStatus records the latest payment event for a purchase
func (s *Store) UpdatePaymentStatus(ctx context.Context, q db.Querier, id int64, status models.PaymentStatus, now time.Time) error {
	res, err := s.exec(ctx, q, "UPDATE", "purchases",
		"UPDATE purchases SET payment_status = ?, updated_at = ? WHERE id = ?", status, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("setting purchase %d payment status to %s: %w", id, status, err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("setting purchase %d payment status: %w", id, err)
	}
	return nil
}

// RefreshTotalCost recomputes total_cost as the sum of the line totals
func (s *Store) RefreshTotalCost(ctx context.Context, q db.Querier, id int64, now time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.queryRow(ctx, q, "purchase_offers",
		"SELECT SUM(cost_at_purchase) FROM purchase_offers WHERE purchase_id = ?", []any{id}, &total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing purchase %d lines: %w", id, err)
	}

	sum := decimal.Zero
	if total.Valid {
		sum = total.Decimal
	}
	if _, err := s.exec(ctx, q, "UPDATE", "purchases",
		"UPDATE purchases SET total_cost = ?, updated_at = ? WHERE id = ?", sum, now.UTC(), id); err != nil {
		return decimal.Zero, fmt.Errorf("updating purchase %d total: %w", id, err)
	}
	return sum, nil
}

// DeletePurchase removes a purchase with its lines and results
func (s *Store) DeletePurchase(ctx context.Context, q db.Querier, id int64) error {
	if _, err := s.exec(ctx, q, "DELETE", "purchase_offer_results",
		"DELETE FROM purchase_offer_results WHERE purchase_id = ?", id); err != nil {
		return fmt.Errorf("deleting results of purchase %d: %w", id, err)
	}
	if _, err := s.exec(ctx, q, "DELETE", "purchase_offers",
		"DELETE FROM purchase_offers WHERE purchase_id = ?", id); err != nil {
		return fmt.Errorf("deleting lines of purchase %d: %w", id, err)
	}
	res, err := s.exec(ctx, q, "DELETE", "purchases", "DELETE FROM purchases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting purchase %d: %w", id, err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("deleting purchase %d: %w", id, err)
	}
	return nil
}

const purchaseOfferColumns = `purchase_id, offer_id, quantity, cost_at_purchase, fulfillment_status,
	fulfilled_quantity, fulfilled_by_seller_id, unfulfilled_reason`

func scanPurchaseOffer(sc scanner) (models.PurchaseOffer, error) {
	var (
		line      models.PurchaseOffer
		status    sql.NullString
		fulfilled sql.NullInt64
		sellerID  sql.NullInt64
		reason    sql.NullString
	)
	err := sc.Scan(&line.PurchaseID, &line.OfferID, &line.Quantity, &line.CostAtPurchase, &status,
		&fulfilled, &sellerID, &reason)
	if err != nil {
		return line, err
	}
	if status.Valid {
		fs := models.FulfillmentStatus(status.String)
		line.FulfillmentStatus = &fs
	}
	line.FulfilledQuantity = intPtr(fulfilled)
	line.FulfilledBySellerID = int64Ptr(sellerID)
	line.UnfulfilledReason = stringPtr(reason)
	return line, nil
}

// ListPurchaseOffers reads a purchase's lines ordered by offer id
func (s *Store) ListPurchaseOffers(ctx context.Context, q db.Querier, purchaseID int64) ([]models.PurchaseOffer, error) {
	rows, err := s.query(ctx, q, "purchase_offers",
		"SELECT "+purchaseOfferColumns+" FROM purchase_offers WHERE purchase_id = ? ORDER BY offer_id", purchaseID)
	if err != nil {
		return nil, fmt.Errorf("listing lines of purchase %d: %w", purchaseID, err)
	}
	defer rows.Close()

	lines := []models.PurchaseOffer{}
	for rows.Next() {
		line, err := scanPurchaseOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning purchase line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// InsertPurchaseOffers bulk-inserts new purchase lines
func (s *Store) InsertPurchaseOffers(ctx context.Context, q db.Querier, lines []models.PurchaseOffer) error {
	if len(lines) == 0 {
		return nil
	}

	values := make([]string, len(lines))
	args := make([]any, 0, len(lines)*4)
	for i, line := range lines {
		values[i] = "(?, ?, ?, ?)"
		args = append(args, line.PurchaseID, line.OfferID, line.Quantity, line.CostAtPurchase)
	}

	query := "INSERT INTO purchase_offers (purchase_id, offer_id, quantity, cost_at_purchase) VALUES " +
		strings.Join(values, ", ")
	if _, err := s.exec(ctx, q, "INSERT", "purchase_offers", query, args...); err != nil {
		return fmt.Errorf("inserting %d purchase lines: %w", len(lines), err)
	}
	return nil
}

// MergePurchaseOffer adds quantity and cost to an existing purchase line
func (s *Store) MergePurchaseOffer(ctx context.Context, q db.Querier, purchaseID, offerID int64, quantity int, cost decimal.NullDecimal) error {
	var (
		res sql.Result
		err error
	)
	if cost.Valid {
		res, err = s.exec(ctx, q, "UPDATE", "purchase_offers",
			`UPDATE purchase_offers SET quantity = quantity + ?, cost_at_purchase = COALESCE(cost_at_purchase, 0) + ?
			 WHERE purchase_id = ? AND offer_id = ?`,
			quantity, cost.Decimal, purchaseID, offerID)
	} else {
		res, err = s.exec(ctx, q, "UPDATE", "purchase_offers",
			"UPDATE purchase_offers SET quantity = quantity + ? WHERE purchase_id = ? AND offer_id = ?",
			quantity, purchaseID, offerID)
	}
	if err != nil {
		return fmt.Errorf("merging offer %d into purchase %d: %w", offerID, purchaseID, err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("merging offer %d into purchase %d: %w", offerID, purchaseID, err)
	}
	return nil
}

// UpdateFulfillment records a seller's fulfillment report on one line
func (s *Store) UpdateFulfillment(ctx context.Context, q db.Querier, line models.PurchaseOffer) error {
	var status sql.NullString
	if line.FulfillmentStatus != nil {
		status = sql.NullString{String: string(*line.FulfillmentStatus), Valid: true}
	}

	res, err := s.exec(ctx, q, "UPDATE", "purchase_offers",
		`UPDATE purchase_offers
		 SET fulfillment_status = ?, fulfilled_quantity = ?, fulfilled_by_seller_id = ?, unfulfilled_reason = ?
		 WHERE purchase_id = ? AND offer_id = ?`,
		status, nullInt(line.FulfilledQuantity), nullInt64(line.FulfilledBySellerID), nullString(line.UnfulfilledReason),
		line.PurchaseID, line.OfferID,
	)
	if err != nil {
		return fmt.Errorf("updating fulfillment of offer %d in purchase %d: %w", line.OfferID, line.PurchaseID, err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("updating fulfillment of offer %d in purchase %d: %w", line.OfferID, line.PurchaseID, err)
	}
	return nil
}

// InsertOfferResults bulk-inserts the audit rows of one creation attempt
func (s *Store) InsertOfferResults(ctx context.Context, q db.Querier, results []models.PurchaseOfferResult) error {
	if len(results) == 0 {
		return nil
	}

	values := make([]string, len(results))
	args := make([]any, 0, len(results)*8)
	for i, r := range results {
		values[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, r.PurchaseID, r.OfferID, r.Status, r.RequestedQuantity,
			nullInt(r.ProcessedQuantity), nullInt(r.AvailableQuantity), r.Message, r.CreatedAt.UTC())
	}

	query := `INSERT INTO purchase_offer_results (purchase_id, offer_id, status, requested_quantity,
		processed_quantity, available_quantity, message, created_at) VALUES ` + strings.Join(values, ", ")
	if _, err := s.exec(ctx, q, "INSERT", "purchase_offer_results", query, args...); err != nil {
		return fmt.Errorf("inserting %d offer results: %w", len(results), err)
	}
	return nil
}

// ListOfferResults reads every audit row recorded for a purchase
func (s *Store) ListOfferResults(ctx context.Context, q db.Querier, purchaseID int64) ([]models.PurchaseOfferResult, error) {
	rows, err := s.query(ctx, q, "purchase_offer_results",
		`SELECT id, purchase_id, offer_id, status, requested_quantity, processed_quantity,
			available_quantity, message, created_at
		 FROM purchase_offer_results WHERE purchase_id = ? ORDER BY id`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("listing results of purchase %d: %w", purchaseID, err)
	}
	defer rows.Close()

	results := []models.PurchaseOfferResult{}
	for rows.Next() {
		var (
			r         models.PurchaseOfferResult
			processed sql.NullInt64
			available sql.NullInt64
			message   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PurchaseID, &r.OfferID, &r.Status, &r.RequestedQuantity,
			&processed, &available, &message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning offer result: %w", err)
		}
		r.ProcessedQuantity = intPtr(processed)
		r.AvailableQuantity = intPtr(available)
		r.Message = message.String
		results = append(results, r)
	}
	return results, rows.Err()
}
