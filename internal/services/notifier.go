package services

import (
	"context"
	"log/slog"

	"github.com/foodlink/marketplace-core/internal/models"
)

// ReservationNotice tells a seller which of their offers a purchase reserved
type ReservationNotice struct {
	SellerID   int64
	PurchaseID int64
	Lines      []models.PurchaseOffer
}

// Notifier delivers seller notices. Delivery failures never undo a
// committed reservation.
type Notifier interface {
	NotifyReservation(ctx context.Context, notice ReservationNotice) error
}

// LogNotifier writes notices to the log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs each notice
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) NotifyReservation(ctx context.Context, notice ReservationNotice) error {
	units := 0
	for _, l := range notice.Lines {
		units += l.Quantity
	}
	n.logger.InfoContext(ctx, "seller notified of reservation",
		"seller_id", notice.SellerID,
		"purchase_id", notice.PurchaseID,
		"lines", len(notice.Lines),
		"units", units,
	)
	return nil
}
