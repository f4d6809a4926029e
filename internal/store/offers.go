package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/models"
)

const offerColumns = `id, product_id, shop_id, pricing_strategy_id, expires_date, original_cost,
	current_cost, count, COALESCE(reserved_count, 0), created_at, updated_at`

func scanOffer(sc scanner) (models.Offer, error) {
	var (
		o          models.Offer
		strategyID sql.NullInt64
		expires    sql.NullTime
		count      sql.NullInt64
	)
	err := sc.Scan(&o.ID, &o.ProductID, &o.ShopID, &strategyID, &expires, &o.OriginalCost,
		&o.CurrentCost, &count, &o.ReservedCount, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.PricingStrategyID = int64Ptr(strategyID)
	o.ExpiresDate = timePtr(expires)
	o.Count = intPtr(count)
	return o, nil
}

func (s *Store) listOffers(ctx context.Context, q db.Querier, query string, args ...any) ([]models.Offer, error) {
	rows, err := s.query(ctx, q, "offers", query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// LockOffersByIDs locks the given offers for update, always in ascending id
// order. Ids with no offer are absent from the result.
func (s *Store) LockOffersByIDs(ctx context.Context, q db.Querier, ids []int64) ([]models.Offer, error) {
	ids = SortedUniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT %s FROM offers WHERE id IN (%s) ORDER BY id%s",
		offerColumns, db.Placeholders(len(ids)), s.dialect.ForUpdate())
	offers, err := s.listOffers(ctx, q, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("locking offers: %w", err)
	}
	return offers, nil
}

// GetOffersByIDs reads offers without locking them
func (s *Store) GetOffersByIDs(ctx context.Context, q db.Querier, ids []int64) ([]models.Offer, error) {
	ids = SortedUniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT %s FROM offers WHERE id IN (%s) ORDER BY id",
		offerColumns, db.Placeholders(len(ids)))
	return s.listOffers(ctx, q, query, int64Args(ids)...)
}

// GetOffer reads one offer
func (s *Store) GetOffer(ctx context.Context, q db.Querier, id int64) (*models.Offer, error) {
	query := fmt.Sprintf("SELECT %s FROM offers WHERE id = ?", offerColumns)
	rows, err := s.query(ctx, q, "offers", query, id)
	if err != nil {
		return nil, fmt.Errorf("getting offer %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting offer %d: %w", id, err)
		}
		return nil, fmt.Errorf("offer %d: %w", id, db.ErrNotFound)
	}
	o, err := scanOffer(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning offer %d: %w", id, err)
	}
	return &o, nil
}

// CreateOffer inserts an offer and fills in its id and timestamps
func (s *Store) CreateOffer(ctx context.Context, q db.Querier, o *models.Offer, now time.Time) error {
	now = now.UTC()
	id, err := s.insertID(ctx, q, "offers",
		`INSERT INTO offers (product_id, shop_id, pricing_strategy_id, expires_date, original_cost,
			current_cost, count, reserved_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ProductID, o.ShopID, nullInt64(o.PricingStrategyID), nullTime(o.ExpiresDate), o.OriginalCost,
		o.CurrentCost, nullInt(o.Count), o.ReservedCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	o.ID = id
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// AdjustReservedCount adds delta to the offer's reserved_count. The
// storage CHECK constraints reject results outside [0, count]; the caller
// must already hold the row lock from LockOffersByIDs.
func (s *Store) AdjustReservedCount(ctx context.Context, q db.Querier, offerID int64, delta int) (*models.Offer, error) {
	res, err := s.exec(ctx, q, "UPDATE", "offers",
		"UPDATE offers SET reserved_count = COALESCE(reserved_count, 0) + ?, updated_at = ? WHERE id = ?",
		delta, time.Now().UTC(), offerID,
	)
	if err != nil {
		return nil, fmt.Errorf("adjusting reserved count of offer %d by %d: %w", offerID, delta, err)
	}
	if err := expectAffected(res); err != nil {
		return nil, fmt.Errorf("adjusting reserved count of offer %d: %w", offerID, err)
	}
	return s.GetOffer(ctx, q, offerID)
}

// ConsumeReservation turns qty reserved units into sold units: both count
// and reserved_count drop by qty. Untracked stock keeps a NULL count.
func (s *Store) ConsumeReservation(ctx context.Context, q db.Querier, offerID int64, qty int) error {
	res, err := s.exec(ctx, q, "UPDATE", "offers",
		`UPDATE offers SET count = count - ?, reserved_count = COALESCE(reserved_count, 0) - ?, updated_at = ?
		 WHERE id = ?`,
		qty, qty, time.Now().UTC(), offerID,
	)
	if err != nil {
		return fmt.Errorf("consuming %d reserved units of offer %d: %w", qty, offerID, err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("consuming reservation of offer %d: %w", offerID, err)
	}
	return nil
}
