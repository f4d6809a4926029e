package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ExpirationReaper cancels pending purchases whose reservation window
// has closed and gives their units back.
type ExpirationReaper struct {
	db       *db.DB
	store    *store.Store
	metrics  *metrics.AppMetrics
	clock    Clock
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
}

// NewExpirationReaper creates a reaper for purchases older than ttl that
// sweeps every interval once Run is called.
func NewExpirationReaper(deps Deps, ttl, interval time.Duration) *ExpirationReaper {
	deps = deps.withDefaults()
	return &ExpirationReaper{
		db:       deps.DB,
		store:    deps.Store,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "reaper"),
		ttl:      ttl,
		interval: interval,
	}
}

// ExpirePurchase is the scheduled check for one purchase. Anything other
// than a pending purchase is left alone, so repeated checks are harmless.
func (r *ExpirationReaper) ExpirePurchase(ctx context.Context, purchaseID int64) (err error) {
	ctx, span := tracer.Start(ctx, "ExpirationReaper.ExpirePurchase",
		trace.WithAttributes(attribute.Int64("purchase.id", purchaseID)))
	defer func() { endSpan(span, err) }()

	now := r.clock()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := r.store.LockPurchase(ctx, tx, purchaseID)
	if isNotFound(err) {
		r.skip(ctx, purchaseID, "missing")
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != models.PurchaseStatusPending {
		r.skip(ctx, purchaseID, string(p.Status))
		return nil
	}

	released, err := cancelPending(ctx, tx, r.store, purchaseID, now)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit expiration: %w", err)
	}

	r.recordExpired(ctx, "scheduled", 1, released)
	r.logger.InfoContext(ctx, "purchase expired", "purchase_id", purchaseID, "released", released)
	return nil
}

func (r *ExpirationReaper) skip(ctx context.Context, purchaseID int64, reason string) {
	r.metrics.Add(ctx, r.metrics.ExpirationJobsSkipped, 1, attribute.String("reason", reason))
	r.logger.DebugContext(ctx, "expiration check skipped", "purchase_id", purchaseID, "reason", reason)
}

func (r *ExpirationReaper) recordExpired(ctx context.Context, trigger string, purchases, units int) {
	if purchases == 0 {
		return
	}
	r.metrics.Add(ctx, r.metrics.PurchasesExpired, int64(purchases), attribute.String("trigger", trigger))
	r.metrics.Add(ctx, r.metrics.PurchaseTransitions, int64(purchases),
		attribute.String("from_status", string(models.PurchaseStatusPending)),
		attribute.String("to_status", string(models.PurchaseStatusCancelled)),
		attribute.String("trigger", trigger),
	)
	r.metrics.Add(ctx, r.metrics.UnitsReleased, int64(units))
}

// Sweep cancels every pending purchase older than the reservation window
// in one transaction. A purchase that fails is rolled back to its
// savepoint and reported in the result; the others still commit.
func (r *ExpirationReaper) Sweep(ctx context.Context) (res *models.SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "ExpirationReaper.Sweep")
	defer func() { endSpan(span, err) }()

	now := r.clock()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	expired, err := r.store.LockExpiredPendingPurchases(ctx, tx, now.Add(-r.ttl))
	if err != nil {
		return nil, err
	}
	res = &models.SweepResult{TotalExpired: len(expired), Errors: []string{}}
	if len(expired) == 0 {
		return res, nil
	}

	// All purchase rows are locked; now every offer they touch, in id order.
	linesByPurchase := make(map[int64][]models.PurchaseOffer, len(expired))
	var lines []models.PurchaseOffer
	for _, p := range expired {
		pl, err := r.store.ListPurchaseOffers(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		linesByPurchase[p.ID] = pl
		lines = append(lines, pl...)
	}
	locked, err := r.store.LockOffersByIDs(ctx, tx, lineOfferIDs(lines))
	if err != nil {
		return nil, err
	}
	present := offerSet(locked)

	released := 0
	for _, p := range expired {
		rollback, release, err := db.Savepoint(ctx, tx, fmt.Sprintf("expire_%d", p.ID))
		if err != nil {
			return nil, err
		}

		n, err := releaseLines(ctx, tx, r.store, linesByPurchase[p.ID], present)
		if err == nil {
			err = r.store.UpdatePurchaseStatus(ctx, tx, p.ID, models.PurchaseStatusCancelled, now)
		}
		if err != nil {
			if rbErr := rollback(); rbErr != nil {
				return nil, fmt.Errorf("rolling back purchase %d: %w", p.ID, rbErr)
			}
			r.logger.WarnContext(ctx, "expiring purchase failed", "purchase_id", p.ID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("purchase %d: %v", p.ID, err))
			continue
		}
		if err := release(); err != nil {
			return nil, err
		}
		res.CancelledCount++
		released += n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}

	r.recordExpired(ctx, "sweep", res.CancelledCount, released)
	r.logger.InfoContext(ctx, "expiration sweep finished",
		"expired", res.TotalExpired,
		"cancelled", res.CancelledCount,
		"errors", len(res.Errors),
		"released", released,
	)
	span.SetAttributes(attribute.Int("sweep.cancelled", res.CancelledCount))
	return res, nil
}

// Run sweeps on every tick until ctx is cancelled
func (r *ExpirationReaper) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("expiration sweep failed", "error", err)
			}
		}
	}
}
