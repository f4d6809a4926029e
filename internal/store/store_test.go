package store

import (
	"context"
	"testing"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*db.DB, *Store) {
	t.Helper()
	database := db.NewTestDB(t)
	return database, New(database.Dialect, metrics.NewNoopMetrics())
}

func intp(v int) *int { return &v }

func createOffer(t *testing.T, database *db.DB, st *Store, count *int, reserved int) models.Offer {
	t.Helper()
	o := models.Offer{
		ProductID:     1,
		ShopID:        1,
		CurrentCost:   decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Count:         count,
		ReservedCount: reserved,
	}
	require.NoError(t, st.CreateOffer(context.Background(), database, &o, testNow))
	return o
}

func TestSortedUniqueIDs(t *testing.T) {
	in := []int64{5, 1, 5, 3, 1}
	assert.Equal(t, []int64{1, 3, 5}, SortedUniqueIDs(in))
	assert.Equal(t, []int64{5, 1, 5, 3, 1}, in, "input must not be reordered")
}

func TestCreateAndGetOffer(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	expires := testNow.Add(48 * time.Hour)
	o := models.Offer{
		ProductID:    7,
		ShopID:       3,
		ExpiresDate:  &expires,
		OriginalCost: decimal.NewNullDecimal(decimal.RequireFromString("19.99")),
		Count:        intp(12),
	}
	require.NoError(t, st.CreateOffer(ctx, database, &o, testNow))
	require.NotZero(t, o.ID)

	got, err := st.GetOffer(ctx, database, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ProductID)
	assert.Equal(t, 12, *got.Count)
	assert.Equal(t, 0, got.ReservedCount)
	assert.False(t, got.CurrentCost.Valid)
	assert.True(t, decimal.RequireFromString("19.99").Equal(got.OriginalCost.Decimal))
	require.NotNil(t, got.ExpiresDate)
	assert.True(t, expires.Equal(*got.ExpiresDate))
	assert.Nil(t, got.PricingStrategyID)

	_, err = st.GetOffer(ctx, database, 999)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestLockOffersByIDsSkipsMissing(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	a := createOffer(t, database, st, intp(5), 0)
	b := createOffer(t, database, st, intp(5), 0)

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	offers, err := st.LockOffersByIDs(ctx, tx, []int64{b.ID, 404, a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, a.ID, offers[0].ID)
	assert.Equal(t, b.ID, offers[1].ID)

	none, err := st.LockOffersByIDs(ctx, tx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAdjustReservedCount(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()
	o := createOffer(t, database, st, intp(10), 0)

	got, err := st.AdjustReservedCount(ctx, database, o.ID, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, got.ReservedCount)

	got, err = st.AdjustReservedCount(ctx, database, o.ID, -3)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ReservedCount)
}

func TestAdjustReservedCountRejectsOverbooking(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()
	o := createOffer(t, database, st, intp(10), 9)

	_, err := st.AdjustReservedCount(ctx, database, o.ID, 2)
	assert.ErrorIs(t, err, db.ErrConstraintViolation)

	_, err = st.AdjustReservedCount(ctx, database, o.ID, -10)
	assert.ErrorIs(t, err, db.ErrConstraintViolation)

	got, err := st.GetOffer(ctx, database, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.ReservedCount, "rejected updates leave the counter untouched")

	_, err = st.AdjustReservedCount(ctx, database, 404, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestAdjustReservedCountUntrackedStock(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()
	o := createOffer(t, database, st, nil, 0)

	got, err := st.AdjustReservedCount(ctx, database, o.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, got.ReservedCount)
	assert.Nil(t, got.Count)
}

func TestConsumeReservation(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()
	o := createOffer(t, database, st, intp(10), 4)

	require.NoError(t, st.ConsumeReservation(ctx, database, o.ID, 3))

	got, err := st.GetOffer(ctx, database, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, *got.Count)
	assert.Equal(t, 1, got.ReservedCount)
}

func TestSinglePendingPurchasePerUser(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePurchase(ctx, database, 42, testNow)
	require.NoError(t, err)

	_, err = st.CreatePurchase(ctx, database, 42, testNow)
	assert.ErrorIs(t, err, db.ErrDuplicate)

	require.NoError(t, st.UpdatePurchaseStatus(ctx, database, p.ID, models.PurchaseStatusCancelled, testNow))
	_, err = st.CreatePurchase(ctx, database, 42, testNow)
	assert.NoError(t, err, "a cancelled purchase does not block a new pending one")
}

func TestPurchaseLinesAndTotal(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePurchase(ctx, database, 1, testNow)
	require.NoError(t, err)

	lines := []models.PurchaseOffer{
		{PurchaseID: p.ID, OfferID: 2, Quantity: 2, CostAtPurchase: decimal.NewNullDecimal(decimal.RequireFromString("20.50"))},
		{PurchaseID: p.ID, OfferID: 1, Quantity: 1},
	}
	require.NoError(t, st.InsertPurchaseOffers(ctx, database, lines))
	require.NoError(t, st.MergePurchaseOffer(ctx, database, p.ID, 2, 1, decimal.NewNullDecimal(decimal.RequireFromString("10.25"))))

	total, err := st.RefreshTotalCost(ctx, database, p.ID, testNow)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("30.75").Equal(total), "got %s", total)

	got, err := st.ListPurchaseOffers(ctx, database, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].OfferID)
	assert.False(t, got[0].CostAtPurchase.Valid)
	assert.Equal(t, 3, got[1].Quantity)

	header, err := st.GetPurchase(ctx, database, p.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(header.TotalCost))
}

func TestOfferResultsRoundTrip(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePurchase(ctx, database, 1, testNow)
	require.NoError(t, err)

	results := []models.PurchaseOfferResult{
		{PurchaseID: p.ID, OfferID: 1, Status: models.OfferResultSuccess, RequestedQuantity: 2, ProcessedQuantity: intp(2), AvailableQuantity: intp(5), CreatedAt: testNow},
		{PurchaseID: p.ID, OfferID: 9, Status: models.OfferResultNotFound, RequestedQuantity: 1, Message: "Offer not found", CreatedAt: testNow},
	}
	require.NoError(t, st.InsertOfferResults(ctx, database, results))

	got, err := st.ListOfferResults(ctx, database, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.OfferResultSuccess, got[0].Status)
	assert.Equal(t, 2, *got[0].ProcessedQuantity)
	assert.Nil(t, got[1].ProcessedQuantity)
	assert.Equal(t, "Offer not found", got[1].Message)
}

func TestLockExpiredPendingPurchases(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	old, err := st.CreatePurchase(ctx, database, 1, testNow.Add(-time.Hour))
	require.NoError(t, err)
	_, err = st.CreatePurchase(ctx, database, 2, testNow)
	require.NoError(t, err)
	paid, err := st.CreatePurchase(ctx, database, 3, testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.UpdatePurchaseStatus(ctx, database, paid.ID, models.PurchaseStatusConfirmed, testNow))

	expired, err := st.LockExpiredPendingPurchases(ctx, database, testNow.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

func TestDeletePurchase(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePurchase(ctx, database, 1, testNow)
	require.NoError(t, err)
	require.NoError(t, st.InsertPurchaseOffers(ctx, database, []models.PurchaseOffer{{PurchaseID: p.ID, OfferID: 1, Quantity: 1}}))

	require.NoError(t, st.DeletePurchase(ctx, database, p.ID))
	_, err = st.GetPurchase(ctx, database, p.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.ErrorIs(t, st.DeletePurchase(ctx, database, p.ID), db.ErrNotFound)
}

func TestUpsertStrategyIsIdempotent(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	steps := []models.PricingStrategyStep{
		{TimeRemainingSeconds: 86400, DiscountPercent: decimal.NewFromInt(50)},
		{TimeRemainingSeconds: 172800, DiscountPercent: decimal.NewFromInt(20)},
	}
	id, err := st.UpsertStrategy(ctx, database, "Weekend", steps)
	require.NoError(t, err)

	again, err := st.UpsertStrategy(ctx, database, "Weekend", steps)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	loaded, err := st.LoadStrategies(ctx, database, []int64{id, 404})
	require.NoError(t, err)
	require.Contains(t, loaded, id)
	assert.NotContains(t, loaded, int64(404))

	s := loaded[id]
	assert.True(t, s.StepsLoaded)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, int64(172800), s.Steps[0].TimeRemainingSeconds)
	assert.True(t, decimal.NewFromInt(20).Equal(s.Steps[0].DiscountPercent))
}

func TestShopPointDirectory(t *testing.T) {
	database, st := newTestStore(t)
	ctx := context.Background()

	a, err := st.CreateShopPoint(ctx, database, 10, "Main st 1")
	require.NoError(t, err)
	b, err := st.CreateShopPoint(ctx, database, 10, "Main st 2")
	require.NoError(t, err)
	c, err := st.CreateShopPoint(ctx, database, 11, "Side st 1")
	require.NoError(t, err)

	dir := NewDirectory(st, database)
	ids, err := dir.ShopPointIDsForSeller(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, ids)

	owners, err := dir.SellerIDsForShops(ctx, []int64{a, c, 404})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{a: 10, c: 11}, owners)
}
