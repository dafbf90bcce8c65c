package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	api "cardvault-backend/internal/api/http"
	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository/memory"
	"cardvault-backend/internal/security"
	"cardvault-backend/internal/service"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenant = int64(1)
	buyer  = int64(50)
	admin  = int64(900)
)

type env struct {
	store   *memory.Store
	router  *mux.Router
	codec   security.IDCodec
	ledger  service.LedgerService
	product *domain.Product
}

func newEnv(t *testing.T, maxUpload int64) *env {
	t.Helper()
	store := memory.NewStore()
	codec, err := security.NewIDCodec(strings.Repeat("k", 32))
	require.NoError(t, err)

	inventory := service.NewInventoryService(store.ProductRepository, store.InventoryRepository, nil, 0, 50)
	reservations := service.NewReservationService(store.InventoryRepository)
	ledger := service.NewLedgerService(store.LedgerRepository, "SAR")
	compensator := service.NewCompensator(2, time.Millisecond)
	fulfillment := service.NewFulfillmentService(store.ProductRepository, store.InventoryRepository, store.OrderRepository,
		store.LedgerRepository, reservations, ledger, inventory, nil, compensator, "SAR")
	cancellation := service.NewCancellationService(store.OrderRepository, store.InventoryRepository, store.LedgerRepository,
		reservations, ledger, inventory, compensator)

	router := mux.NewRouter()
	api.NewHandler(inventory, fulfillment, cancellation, ledger, codec, maxUpload).RegisterRoutes(router)

	product := store.PutProduct(domain.Product{
		TenantID: tenant, Name: "Gift Card 10", UnitPrice: decimal.NewFromInt(10), Currency: "SAR", Active: true,
	})
	return &env{store: store, router: router, codec: codec, ledger: ledger, product: product}
}

func (e *env) do(t *testing.T, method, path string, user int64, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", "1")
	req.Header.Set("X-User-ID", strconv.FormatInt(user, 10))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) importJSON(t *testing.T, codes ...string) map[string]any {
	t.Helper()
	rows := make([]map[string]string, len(codes))
	for i, c := range codes {
		rows[i] = map[string]string{"code": c}
	}
	rec := e.do(t, http.MethodPost, e.productPath("/units/import"), admin, jsonBody(t, map[string]any{"rows": rows}), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func (e *env) productPath(suffix string) string {
	return "/api/v1/products/" + strconv.FormatInt(e.product.ID, 10) + suffix
}

func (e *env) fund(t *testing.T, user int64, amount string) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), service.LedgerMutationRequest{
		TenantID: tenant, UserID: user, Amount: decimal.RequireFromString(amount), Type: domain.EntryTypeTopup,
	})
	require.NoError(t, err)
}

func (e *env) order(t *testing.T, user int64, qty int, key string) *httptest.ResponseRecorder {
	t.Helper()
	h := http.Header{}
	if key != "" {
		h.Set("Idempotency-Key", key)
	}
	body := jsonBody(t, map[string]any{"items": []map[string]any{{"product_id": e.product.ID, "quantity": qty}}})
	return e.do(t, http.MethodPost, "/api/v1/orders", user, body, h)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestImportUnits(t *testing.T) {
	t.Run("JSON rows", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		res := e.importJSON(t, "A1", "A2", "A1")
		assert.EqualValues(t, 2, res["valid_count"])
		assert.EqualValues(t, 1, res["invalid_count"])

		rec := e.do(t, http.MethodGet, e.productPath("/stock"), admin, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		stock := decode(t, rec)
		assert.EqualValues(t, 2, stock["counts"].(map[string]any)["AVAILABLE"])
		assert.EqualValues(t, 2, stock["total"])
	})

	t.Run("CSV upload", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "codes.csv")
		require.NoError(t, err)
		_, err = io.WriteString(fw, "code,pin,expiry\nC1,1111,\nC2,,2100-01-01\n,,\n")
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		h := http.Header{}
		h.Set("Content-Type", mw.FormDataContentType())
		rec := e.do(t, http.MethodPost, e.productPath("/units/import"), admin, &buf, h)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decode(t, rec)
		assert.EqualValues(t, 2, res["valid_count"])
		assert.EqualValues(t, 1, res["invalid_count"])
	})

	t.Run("Body over the limit", func(t *testing.T) {
		e := newEnv(t, 64)
		rec := e.do(t, http.MethodPost, e.productPath("/units/import"), admin,
			jsonBody(t, map[string]any{"rows": []map[string]string{{"code": strings.Repeat("X", 200)}}}), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("Unknown field", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		rec := e.do(t, http.MethodPost, e.productPath("/units/import"), admin, strings.NewReader(`{"codes":["A"]}`), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", decode(t, rec)["error"])
	})
}

func TestMissingIdentityHeaders(t *testing.T) {
	e := newEnv(t, 1<<20)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "X-Tenant-ID", decode(t, rec)["field"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateOrder(t *testing.T) {
	t.Run("Delivers with opaque ids and replays", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		e.importJSON(t, "A1", "A2")
		e.fund(t, buyer, "25.00")

		rec := e.order(t, buyer, 2, "cart-1")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		first := decode(t, rec)
		assert.Equal(t, "DELIVERED", first["status"])
		ref := first["id"].(string)
		assert.Len(t, ref, 64)
		_, err := strconv.ParseInt(ref, 10, 64)
		assert.Error(t, err, "order id must not be numeric")

		items := first["items"].([]any)
		deliveries := items[0].(map[string]any)["deliveries"].([]any)
		require.Len(t, deliveries, 2)
		codes := []any{deliveries[0].(map[string]any)["code"], deliveries[1].(map[string]any)["code"]}
		assert.ElementsMatch(t, []any{"A1", "A2"}, codes)

		again := e.order(t, buyer, 2, "cart-1")
		require.Equal(t, http.StatusOK, again.Code)
		assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))
		assert.Equal(t, ref, decode(t, again)["id"])
	})

	t.Run("Insufficient funds names the shortfall", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		e.importJSON(t, "A1")
		e.fund(t, buyer, "5.00")

		rec := e.order(t, buyer, 1, "")
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "insufficient_funds", body["error"])
		assert.Equal(t, "5.00", body["shortfall"])
		assert.Contains(t, body["message"], "top up at least 5.00 SAR")
	})

	t.Run("Insufficient stock names what is left", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		e.importJSON(t, "A1", "A2")
		e.fund(t, buyer, "100.00")

		rec := e.order(t, buyer, 5, "")
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "insufficient_stock", body["error"])
		assert.EqualValues(t, 2, body["available"])
	})

	t.Run("Empty cart", func(t *testing.T) {
		e := newEnv(t, 1<<20)
		rec := e.do(t, http.MethodPost, "/api/v1/orders", buyer, strings.NewReader(`{"items":[]}`), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOrderAccess(t *testing.T) {
	e := newEnv(t, 1<<20)
	e.importJSON(t, "A1")
	e.fund(t, buyer, "10.00")
	rec := e.order(t, buyer, 1, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	ref := created["id"].(string)

	t.Run("Owner reads the order", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/api/v1/orders/"+ref, buyer, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, created["order_number"], decode(t, rec)["order_number"])
	})

	t.Run("Another buyer sees nothing", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/api/v1/orders/"+ref, buyer+1, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Forged reference", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/api/v1/orders/1", buyer, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Delivered order cannot be cancelled", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/api/v1/orders/"+ref+"/cancel", buyer, strings.NewReader(`{"reason":"changed my mind"}`), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Delivery viewed", func(t *testing.T) {
		d := created["items"].([]any)[0].(map[string]any)["deliveries"].([]any)[0].(map[string]any)
		path := "/api/v1/orders/" + ref + "/deliveries/" + d["id"].(string) + "/viewed"

		assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, path, buyer, nil, nil).Code)
		assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, path, buyer, nil, nil).Code)

		got := decode(t, e.do(t, http.MethodGet, "/api/v1/orders/"+ref, buyer, nil, nil))
		viewed := got["items"].([]any)[0].(map[string]any)["deliveries"].([]any)[0].(map[string]any)
		assert.NotEmpty(t, viewed["viewed_at"])

		// a delivery token cannot stand in for an order token
		wrong := "/api/v1/orders/" + d["id"].(string) + "/deliveries/" + d["id"].(string) + "/viewed"
		assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, wrong, buyer, nil, nil).Code)
	})

	t.Run("Wallet history hides order ids", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/api/v1/wallet/entries?page=1&page_size=10", buyer, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.EqualValues(t, 2, body["total_count"])
		entries := body["entries"].([]any)
		purchase := entries[0].(map[string]any)
		assert.Equal(t, "PURCHASE", purchase["type"])
		assert.Equal(t, "order:"+ref, purchase["reference"])

		wallet := decode(t, e.do(t, http.MethodGet, "/api/v1/wallet", buyer, nil, nil))
		assert.Equal(t, "0", wallet["balance"])
	})
}

func TestCancelReservedOrder(t *testing.T) {
	e := newEnv(t, 1<<20)
	units := e.importJSON(t, "A1")
	require.EqualValues(t, 1, units["valid_count"])

	ctx := context.Background()
	o := &domain.Order{
		TenantID: tenant, OrderNumber: "CV-TEST-1", BuyerID: buyer, Status: domain.OrderStatusReserved,
		PaymentStatus: domain.PaymentStatusPending, Currency: "SAR", SubmittedAt: time.Now().UTC(),
		Items: []domain.OrderItem{{ProductID: e.product.ID, Quantity: 1}},
	}
	require.NoError(t, e.store.OrderRepository.Create(ctx, o))
	_, err := e.store.InventoryRepository.ClaimAvailable(ctx, tenant, e.product.ID, 1, o.ID, time.Now().UTC())
	require.NoError(t, err)

	ref := e.codec.Encode(security.KindOrder, o.ID)
	rec := e.do(t, http.MethodPost, "/api/v1/orders/"+ref+"/cancel", buyer, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decode(t, rec)["status"])
	assert.Equal(t, domain.UnitStatusAvailable, e.store.Units(e.product.ID)[0].Status)
}

func TestDeleteUnit(t *testing.T) {
	e := newEnv(t, 1<<20)
	e.importJSON(t, "A1")
	unitID := e.store.Units(e.product.ID)[0].ID
	path := "/api/v1/units/" + strconv.FormatInt(unitID, 10)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, path, admin, nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, path, admin, nil, nil).Code)
}
