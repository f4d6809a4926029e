package store

import (
	"context"
	"fmt"

	"github.com/foodlink/marketplace-core/internal/db"
)

// CreateShopPoint registers a shop point owned by sellerID
func (s *Store) CreateShopPoint(ctx context.Context, q db.Querier, sellerID int64, address string) (int64, error) {
	id, err := s.insertID(ctx, q, "shop_points",
		"INSERT INTO shop_points (seller_id, address) VALUES (?, ?)", sellerID, address)
	if err != nil {
		return 0, fmt.Errorf("creating shop point for seller %d: %w", sellerID, err)
	}
	return id, nil
}

// ShopPointIDsForSeller lists the shop points a seller owns
func (s *Store) ShopPointIDsForSeller(ctx context.Context, q db.Querier, sellerID int64) ([]int64, error) {
	rows, err := s.query(ctx, q, "shop_points",
		"SELECT id FROM shop_points WHERE seller_id = ? ORDER BY id", sellerID)
	if err != nil {
		return nil, fmt.Errorf("listing shop points of seller %d: %w", sellerID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning shop point: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SellerIDsForShops maps each known shop point to its seller
func (s *Store) SellerIDsForShops(ctx context.Context, q db.Querier, shopIDs []int64) (map[int64]int64, error) {
	shopIDs = SortedUniqueIDs(shopIDs)
	owners := make(map[int64]int64, len(shopIDs))
	if len(shopIDs) == 0 {
		return owners, nil
	}

	rows, err := s.query(ctx, q, "shop_points",
		fmt.Sprintf("SELECT id, seller_id FROM shop_points WHERE id IN (%s)", db.Placeholders(len(shopIDs))),
		int64Args(shopIDs)...)
	if err != nil {
		return nil, fmt.Errorf("resolving shop owners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var shopID, sellerID int64
		if err := rows.Scan(&shopID, &sellerID); err != nil {
			return nil, fmt.Errorf("scanning shop owner: %w", err)
		}
		owners[shopID] = sellerID
	}
	return owners, rows.Err()
}

// Directory answers shop-point questions outside of any transaction
type Directory struct {
	store *Store
	q     db.Querier
}

// NewDirectory binds the store's shop-point queries to q
func NewDirectory(st *Store, q db.Querier) *Directory {
	return &Directory{store: st, q: q}
}

// ShopPointIDsForSeller lists the shop points a seller owns
func (d *Directory) ShopPointIDsForSeller(ctx context.Context, sellerID int64) ([]int64, error) {
	return d.store.ShopPointIDsForSeller(ctx, d.q, sellerID)
}

// SellerIDsForShops maps each known shop point to its seller
func (d *Directory) SellerIDsForShops(ctx context.Context, shopIDs []int64) (map[int64]int64, error) {
	return d.store.SellerIDsForShops(ctx, d.q, shopIDs)
}
