package services

import (
	"testing"
	"time"

	"github.com/foodlink/marketplace-core/internal/auth"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPurchaseNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.purchases.GetPurchase(f.ctx, 404)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)

	_, err = f.purchases.GetPendingPurchase(f.ctx, 1)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestListUserPurchases(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))

	first := f.paid(1, o.ID, 1)
	f.advance(time.Minute)
	second := f.purchase(1, line(o.ID, 2))
	f.purchase(2, line(o.ID, 1))

	list, err := f.purchases.ListUserPurchases(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.NotNil(t, list[0].TTL)
	assert.Nil(t, list[1].TTL, "paid purchases have no ttl")
	assert.Len(t, list[0].PurchaseOffers, 1)
}

func TestConfirmPurchaseConsumesReservation(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))
	p := f.purchase(1, line(o.ID, 4))

	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, p.ID))

	got, err := f.purchases.GetPurchase(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, got.Status)
	require.NotNil(t, got.PaymentStatus)
	assert.Equal(t, models.PaymentStatusSucceeded, *got.PaymentStatus)
	assert.Nil(t, got.TTL)

	offer := f.reload(o.ID)
	assert.Equal(t, 6, *offer.Count)
	assert.Equal(t, 0, offer.ReservedCount)

	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, p.ID), "repeated delivery is a no-op")
	offer = f.reload(o.ID)
	assert.Equal(t, 6, *offer.Count)
}

func TestConfirmPurchaseUntrackedStock(t *testing.T) {
	f := newFixture(t)
	o := f.offer(nil)
	p := f.purchase(1, line(o.ID, 4))

	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, p.ID))

	offer := f.reload(o.ID)
	assert.Nil(t, offer.Count)
	assert.Equal(t, 0, offer.ReservedCount)
}

func TestConfirmCancelledPurchaseFails(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))
	p := f.purchase(1, line(o.ID, 4))

	_, err := f.purchases.CancelPurchase(f.ctx, p.ID, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, f.purchases.ConfirmPurchase(f.ctx, p.ID), ErrInvalidTransition)
	assert.ErrorIs(t, f.purchases.ConfirmPurchase(f.ctx, 404), ErrPurchaseNotFound)
}

func TestCancelPurchasePayment(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))
	p := f.purchase(1, line(o.ID, 4))

	require.NoError(t, f.purchases.CancelPurchasePayment(f.ctx, p.ID))
	require.NoError(t, f.purchases.CancelPurchasePayment(f.ctx, p.ID))

	got, err := f.purchases.GetPurchase(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusPending, got.Status)
	assert.Equal(t, models.PaymentStatusCanceled, *got.PaymentStatus)
	assert.Equal(t, 4, f.reserved(o.ID), "reservations are held until expiry")

	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, p.ID), "a later payment may still succeed")
	assert.ErrorIs(t, f.purchases.CancelPurchasePayment(f.ctx, p.ID), ErrInvalidTransition)
}

func TestHandlePaymentEvent(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))
	p := f.purchase(1, line(o.ID, 1))

	err := f.purchases.HandlePaymentEvent(f.ctx, models.PaymentEvent{PurchaseID: p.ID, Event: "payment.refunded"})
	assert.ErrorIs(t, err, ErrInvalidPaymentEvent)

	require.NoError(t, f.purchases.HandlePaymentEvent(f.ctx, models.PaymentEvent{PurchaseID: p.ID, Event: PaymentEventSucceeded}))
	got, err := f.purchases.GetPurchase(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, got.Status)
}

func TestCancelPurchaseReleasesReservations(t *testing.T) {
	f := newFixture(t)
	a := f.offer(intp(10))
	b := f.offer(nil)
	p := f.purchase(1, line(a.ID, 4), line(b.ID, 2))

	_, err := f.purchases.CancelPurchase(f.ctx, p.ID, 2)
	assert.ErrorIs(t, err, ErrPurchaseNotFound, "only the owner may cancel")

	cancelled, err := f.purchases.CancelPurchase(f.ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.reserved(a.ID))
	assert.Equal(t, 0, f.reserved(b.ID))

	_, err = f.purchases.CancelPurchase(f.ctx, p.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// a new pending purchase is allowed once the old one is cancelled
	next := f.purchase(1, line(a.ID, 1))
	assert.NotEqual(t, p.ID, next.ID)
}

func TestDeletePurchase(t *testing.T) {
	f := newFixture(t)
	o := f.offer(intp(10))

	pending := f.purchase(1, line(o.ID, 4))
	require.NoError(t, f.purchases.DeletePurchase(f.ctx, pending.ID, 1))
	assert.Equal(t, 0, f.reserved(o.ID))
	_, err := f.purchases.GetPurchase(f.ctx, pending.ID)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)

	paid := f.paid(1, o.ID, 3)
	require.NoError(t, f.purchases.DeletePurchase(f.ctx, paid.ID, 1))
	offer := f.reload(o.ID)
	assert.Equal(t, 7, *offer.Count, "sold units stay sold")
	assert.Equal(t, 0, offer.ReservedCount)

	assert.ErrorIs(t, f.purchases.DeletePurchase(f.ctx, paid.ID, 1), ErrPurchaseNotFound)
}

func TestOrderTokenRoundTrip(t *testing.T) {
	f := newFixture(t)
	mine := f.offer(intp(10))

	otherShop, err := f.store.CreateShopPoint(f.ctx, f.db, 77, "2 Side St")
	require.NoError(t, err)
	theirs := f.offer(intp(10), func(o *models.Offer) { o.ShopID = otherShop })

	p := f.purchase(1, line(mine.ID, 1), line(theirs.ID, 2))

	_, err = f.purchases.IssueOrderToken(f.ctx, p.ID, 1)
	assert.ErrorIs(t, err, ErrPurchaseNotPaid)

	require.NoError(t, f.purchases.ConfirmPurchase(f.ctx, p.ID))

	_, err = f.purchases.IssueOrderToken(f.ctx, p.ID, 2)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)

	token, err := f.purchases.IssueOrderToken(f.ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(time.Hour), token.ExpiresAt)

	view, err := f.purchases.VerifyOrderToken(f.ctx, token.Token, f.sellerID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, view.PurchaseID)
	require.Len(t, view.Items, 1)
	assert.Equal(t, mine.ID, view.Items[0].OfferID)

	view, err = f.purchases.VerifyOrderToken(f.ctx, token.Token, 77)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, theirs.ID, view.Items[0].OfferID)

	_, err = f.purchases.VerifyOrderToken(f.ctx, token.Token, 1000)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.purchases.VerifyOrderToken(f.ctx, "garbage", f.sellerID)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	f.advance(2 * time.Hour)
	_, err = f.purchases.VerifyOrderToken(f.ctx, token.Token, f.sellerID)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
