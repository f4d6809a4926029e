package services

import (
	"testing"

	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFulfillItemsCompletesPurchase(t *testing.T) {
	f := newFixture(t)
	a := f.offer(intp(10))
	b := f.offer(intp(10))
	p := f.purchase(1, line(a.ID, 2), line(b.ID, 3))
	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, p.ID))

	res, err := f.fulfillment.FulfillLine(f.ctx, p.ID, a.ID, 2, f.sellerID, nil)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)

	reason := "damaged in storage"
	res, err = f.fulfillment.FulfillItems(f.ctx, p.ID, f.sellerID, []models.FulfillmentItem{
		{OfferID: b.ID, FulfilledQuantity: 1, UnfulfilledReason: &reason},
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, models.PurchaseStatusCompleted, res.Status)

	got, err := f.purchases.GetPurchase(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, got.Status)
	require.Len(t, got.PurchaseOffers, 2)

	first, second := got.PurchaseOffers[0], got.PurchaseOffers[1]
	assert.Equal(t, models.FulfillmentStatusFulfilled, *first.FulfillmentStatus)
	assert.Nil(t, first.UnfulfilledReason)
	assert.Equal(t, models.FulfillmentStatusNotFulfilled, *second.FulfillmentStatus)
	assert.Equal(t, 1, *second.FulfilledQuantity)
	assert.Equal(t, f.sellerID, *second.FulfilledBySellerID)
	assert.Equal(t, reason, *second.UnfulfilledReason)

	_, err = f.fulfillment.FulfillLine(f.ctx, p.ID, a.ID, 2, f.sellerID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFulfillItemsChecks(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))
	absent := f.offer(intp(10))

	pending := f.purchase(1, line(o.ID, 2))
	_, err := f.fulfillment.FulfillLine(f.ctx, pending.ID, o.ID, 2, f.sellerID, nil)
	assert.ErrorIs(t, err, ErrPurchaseNotPaid)

	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, pending.ID))

	cases := map[string]struct {
		purchaseID int64
		sellerID   int64
		items      []models.FulfillmentItem
		want       error
	}{
		"no items":          {pending.ID, f.sellerID, nil, ErrInvalidFulfillment},
		"negative quantity": {pending.ID, f.sellerID, []models.FulfillmentItem{{OfferID: o.ID, FulfilledQuantity: -1}}, ErrInvalidFulfillment},
		"over quantity":     {pending.ID, f.sellerID, []models.FulfillmentItem{{OfferID: o.ID, FulfilledQuantity: 3}}, ErrInvalidFulfillment},
		"other seller":      {pending.ID, 1000, []models.FulfillmentItem{{OfferID: o.ID, FulfilledQuantity: 2}}, ErrForbidden},
		"line not in order": {pending.ID, f.sellerID, []models.FulfillmentItem{{OfferID: absent.ID, FulfilledQuantity: 1}}, ErrLineNotFound},
		"unknown purchase":  {404, f.sellerID, []models.FulfillmentItem{{OfferID: o.ID, FulfilledQuantity: 1}}, ErrPurchaseNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.fulfillment.FulfillItems(f.ctx, tc.purchaseID, tc.sellerID, tc.items)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	lines, err := f.store.ListPurchaseOffers(f.ctx, f.db, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, lines[0].FulfillmentStatus, "rejected reports write nothing")
}

func TestRecalculateStatuses(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))

	settled := f.paid(1, o.ID, 1)
	open := f.paid(2, o.ID, 1)
	empty := f.purchase(3, line(9999, 1))
	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, empty.ID))

	// Lines settled outside the fulfillment flow, e.g. by an import.
	_, err := f.db.ExecContext(f.ctx,
		"UPDATE purchase_offers SET fulfillment_status = 'fulfilled', fulfilled_quantity = quantity WHERE purchase_id = ?",
		settled.ID)
	require.NoError(t, err)

	res, err := f.fulfillment.RecalculateStatuses(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Completed)
	assert.Empty(t, res.Errors)

	for id, want := range map[int64]models.PurchaseStatus{
		settled.ID: models.PurchaseStatusCompleted,
		open.ID:    models.PurchaseStatusConfirmed,
		empty.ID:   models.PurchaseStatusConfirmed,
	} {
		got, err := f.purchases.GetPurchase(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "purchase %d", id)
	}
}
