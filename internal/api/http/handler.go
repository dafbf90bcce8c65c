package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/security"
	"cardvault-backend/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	headerTenant      = "X-Tenant-ID"
	headerUser        = "X-User-ID"
	headerRequestID   = "X-Request-ID"
	headerIdempotency = "Idempotency-Key"
	headerReplayed    = "Idempotent-Replayed"
)

// Handler serves the inventory, order and wallet endpoints. Tenant and user
// ids arrive in headers set by the authenticating gateway.
type Handler struct {
	inventory    service.InventoryService
	fulfillment  service.FulfillmentService
	cancellation service.CancellationService
	ledger       service.LedgerService
	codec        security.IDCodec
	maxUpload    int64
}

// NewHandler creates the API handler. maxUploadBytes bounds import bodies.
func NewHandler(
	inventory service.InventoryService,
	fulfillment service.FulfillmentService,
	cancellation service.CancellationService,
	ledger service.LedgerService,
	codec security.IDCodec,
	maxUploadBytes int64,
) *Handler {
	return &Handler{
		inventory:    inventory,
		fulfillment:  fulfillment,
		cancellation: cancellation,
		ledger:       ledger,
		codec:        codec,
		maxUpload:    maxUploadBytes,
	}
}

// RegisterRoutes registers the API endpoints
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Use(requestContext)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/products/{productID:[0-9]+}/units/import", h.ImportUnits).Methods(http.MethodPost)
	api.HandleFunc("/products/{productID:[0-9]+}/stock", h.StockSummary).Methods(http.MethodGet)
	api.HandleFunc("/units/{unitID:[0-9]+}", h.DeleteUnit).Methods(http.MethodDelete)

	api.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{orderRef}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderRef}/cancel", h.CancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{orderRef}/deliveries/{deliveryRef}/viewed", h.MarkDeliveryViewed).Methods(http.MethodPost)

	api.HandleFunc("/wallet", h.GetWallet).Methods(http.MethodGet)
	api.HandleFunc("/wallet/entries", h.ListEntries).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
}

// requestContext tags each request with an id and a scoped logger, and turns
// a handler panic into a 500.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		log := logger.Get().With("request_id", id, "http_method", r.Method, "path", r.URL.Path)
		r = r.WithContext(logger.IntoContext(r.Context(), log))

		defer func() {
			if p := recover(); p != nil {
				log.Error("Handler panicked", "panic", p)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "Something went wrong"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type caller struct {
	tenantID int64
	userID   int64
}

func callerFrom(r *http.Request) (caller, error) {
	tenantID, err := positiveHeader(r, headerTenant)
	if err != nil {
		return caller{}, err
	}
	userID, err := positiveHeader(r, headerUser)
	if err != nil {
		return caller{}, err
	}
	return caller{tenantID: tenantID, userID: userID}, nil
}

func positiveHeader(r *http.Request, name string) (int64, error) {
	raw := r.Header.Get(name)
	if raw == "" {
		return 0, domain.NewValidationError(name, "header is required")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, domain.NewValidationError(name, "must be a positive integer")
	}
	return v, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || v <= 0 {
		return 0, domain.NewValidationError(name, "must be a positive integer")
	}
	return v, nil
}

func (h *Handler) decodeRef(r *http.Request, name, kind string) (int64, error) {
	id, err := h.codec.Decode(kind, mux.Vars(r)[name])
	if err != nil {
		return 0, &domain.NotFoundError{Entity: kind, ID: mux.Vars(r)[name]}
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return domain.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	Available *int   `json:"available,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// writeError maps the domain error taxonomy onto HTTP statuses with messages
// a buyer can act on.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	var (
		validation *domain.ValidationError
		stock      *domain.InsufficientStockError
		funds      *domain.InsufficientFundsError
		maxBytes   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Message: validation.Reason, Field: validation.Field})
	case errors.As(err, &maxBytes):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload_too_large", Message: "Upload exceeds the size limit"})
	case errors.As(err, &stock):
		available := stock.Available
		msg := fmt.Sprintf("Only %d left in stock for product %d; reduce the quantity to %d or fewer", available, stock.ProductID, available)
		if available == 0 {
			msg = fmt.Sprintf("Product %d is out of stock", stock.ProductID)
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "insufficient_stock", Message: msg, ProductID: stock.ProductID, Available: &available,
		})
	case errors.As(err, &funds):
		short := funds.Shortfall().StringFixed(2)
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "insufficient_funds",
			Message: fmt.Sprintf("Wallet balance %s %s does not cover %s; top up at least %s %s",
				funds.Balance.StringFixed(2), funds.Currency, funds.Required.StringFixed(2), short, funds.Currency),
			Shortfall: short,
			Currency:  funds.Currency,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})
	case domain.IsRetryable(err):
		log.Warn("Transient failure", "error", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: domain.ErrTransientStorage.Error()})
	default:
		log.Error("Request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "Something went wrong"})
	}
}
