package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/foodlink/marketplace-core/internal/auth"
	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/middleware"
	"github.com/foodlink/marketplace-core/internal/models"
	"github.com/foodlink/marketplace-core/internal/services"
	"github.com/foodlink/marketplace-core/pkg/config"
	"github.com/gorilla/mux"
)

// Services are the domain services the HTTP layer delegates to
type Services struct {
	Reservations *services.ReservationService
	Purchases    *services.PurchaseService
	Reaper       *services.ExpirationReaper
	Fulfillment  *services.FulfillmentService
	Offers       *services.OfferService
}

// App holds application dependencies
type App struct {
	config   *config.Config
	db       *db.DB
	metrics  *metrics.AppMetrics
	logger   *slog.Logger
	services Services
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config, database *db.DB, m *metrics.AppMetrics, logger *slog.Logger, svc Services) *App {
	return &App{
		config:   cfg,
		db:       database,
		metrics:  m,
		logger:   logger,
		services: svc,
	}
}

// SetupRoutes configures the HTTP routes
func (a *App) SetupRoutes(r *mux.Router) {
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.CORSMiddleware)
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.MetricsMiddleware(a.metrics, a.logger))
	r.Use(middleware.RecoverMiddleware(a.logger))

	api := r.PathPrefix("/api/v1").Subrouter()

	// Purchases
	api.HandleFunc("/purchases", a.CreatePurchaseHandler).Methods("POST")
	api.HandleFunc("/purchases", a.ListPurchasesHandler).Methods("GET")
	api.HandleFunc("/purchases/pending", a.GetPendingPurchaseHandler).Methods("GET")
	api.HandleFunc("/purchases/{id:[0-9]+}", a.GetPurchaseHandler).Methods("GET")
	api.HandleFunc("/purchases/{id:[0-9]+}", a.DeletePurchaseHandler).Methods("DELETE")
	api.HandleFunc("/purchases/{id:[0-9]+}/cancel", a.CancelPurchaseHandler).Methods("POST")
	api.HandleFunc("/purchases/{id:[0-9]+}/token", a.IssueOrderTokenHandler).Methods("POST")
	api.HandleFunc("/purchases/{id:[0-9]+}/fulfillment", a.FulfillmentHandler).Methods("POST")

	// Sellers and payments
	api.HandleFunc("/orders/verify", a.VerifyOrderHandler).Methods("POST")
	api.HandleFunc("/payments/events", a.PaymentEventHandler).Methods("POST")

	// Offers
	api.HandleFunc("/offers/{id:[0-9]+}", a.GetOfferHandler).Methods("GET")

	// Maintenance
	api.HandleFunc("/admin/purchases/expire", a.ExpirePurchasesHandler).Methods("POST")
	api.HandleFunc("/admin/purchases/recalculate", a.RecalculateHandler).Methods("POST")

	// Health
	r.HandleFunc("/health", a.HealthHandler).Methods("GET")
}

// HealthHandler handles health check requests
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": a.config.OTELServiceName})
}

// CreatePurchaseHandler handles POST /api/v1/purchases
func (a *App) CreatePurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	var req models.CreatePurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := a.services.Reservations.CreatePurchase(r.Context(), userID, req.Offers)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListPurchasesHandler handles GET /api/v1/purchases
func (a *App) ListPurchasesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	purchases, err := a.services.Purchases.ListUserPurchases(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

// GetPendingPurchaseHandler handles GET /api/v1/purchases/pending
func (a *App) GetPendingPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	p, err := a.services.Purchases.GetPendingPurchase(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPurchaseHandler handles GET /api/v1/purchases/{id}
func (a *App) GetPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	p, err := a.services.Purchases.GetPurchase(r.Context(), id)
	if err == nil && p.UserID != userID {
		err = fmt.Errorf("%w: purchase %d", services.ErrPurchaseNotFound, id)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelPurchaseHandler handles POST /api/v1/purchases/{id}/cancel
func (a *App) CancelPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	p, err := a.services.Purchases.CancelPurchase(r.Context(), id, userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePurchaseHandler handles DELETE /api/v1/purchases/{id}
func (a *App) DeletePurchaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	if err := a.services.Purchases.DeletePurchase(r.Context(), id, userID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssueOrderTokenHandler handles POST /api/v1/purchases/{id}/token
func (a *App) IssueOrderTokenHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}

	token, err := a.services.Purchases.IssueOrderToken(r.Context(), id, userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// FulfillmentHandler handles POST /api/v1/purchases/{id}/fulfillment
func (a *App) FulfillmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sellerID, ok := queryID(w, r, "seller_id")
	if !ok {
		return
	}

	var req models.FulfillmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := a.services.Fulfillment.FulfillItems(r.Context(), id, sellerID, req.Items)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyOrderHandler handles POST /api/v1/orders/verify
func (a *App) VerifyOrderHandler(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := queryID(w, r, "seller_id")
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	view, err := a.services.Purchases.VerifyOrderToken(r.Context(), req.Token, sellerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PaymentEventHandler handles POST /api/v1/payments/events
func (a *App) PaymentEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev models.PaymentEvent
	if !decodeBody(w, r, &ev) {
		return
	}

	if err := a.services.Purchases.HandlePaymentEvent(r.Context(), ev); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// GetOfferHandler handles GET /api/v1/offers/{id}
func (a *App) GetOfferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	view, err := a.services.Offers.GetOffer(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ExpirePurchasesHandler handles POST /api/v1/admin/purchases/expire
func (a *App) ExpirePurchasesHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.services.Reaper.Sweep(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecalculateHandler handles POST /api/v1/admin/purchases/recalculate
func (a *App) RecalculateHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.services.Fulfillment.RecalculateStatuses(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return 0, false
	}
	return id, true
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("missing or invalid "+name))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// statusFor maps domain and storage errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidCart),
		errors.Is(err, services.ErrInvalidFulfillment),
		errors.Is(err, services.ErrInvalidPaymentEvent):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrPurchaseNotPaid):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrPurchaseNotFound),
		errors.Is(err, services.ErrOfferNotFound),
		errors.Is(err, services.ErrLineNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrPendingPurchaseExists),
		errors.Is(err, services.ErrConflict),
		errors.Is(err, db.ErrDuplicate),
		errors.Is(err, db.ErrConstraintViolation):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed",
			"error", err,
			"request_id", middleware.RequestIDFromContext(r.Context()),
		)
		writeJSON(w, status, errorBody("internal server error"))
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}
