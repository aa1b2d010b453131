package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/pharmacy-backend/internal/app"
	"github.com/your-org/pharmacy-backend/internal/config"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/infrastructure/database/postgres"
	"github.com/your-org/pharmacy-backend/internal/pkg/auth"
	"github.com/your-org/pharmacy-backend/internal/pkg/logger"
	"github.com/your-org/pharmacy-backend/internal/pkg/testsupport"
)

const (
	customerID int64 = 501
	staffID    int64 = 900
)

type harness struct {
	app    *app.App
	router *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testsupport.OpenDB(t, postgres.Models()...)
	_, rdb := testsupport.OpenRedis(t)

	cfg := &config.Config{
		App: config.AppConfig{Name: "test", Version: "0.0.0", Environment: "test", Currency: "ETB"},
		JWT: config.JWTConfig{
			Secret:            "test-secret",
			AccessTokenExpiry: time.Hour,
			Issuer:            "test-gateway",
		},
		Security: config.SecurityConfig{RateLimitPerMinute: 1000},
		Session: config.SessionConfig{
			Timeout:        15 * time.Minute,
			SweepInterval:  time.Minute,
			MaxAttempts:    3,
			TombstoneTTL:   24 * time.Hour,
			CommitClaimTTL: time.Minute,
		},
		Inventory: config.InventoryConfig{LowStockThreshold: 2, BulkMaxRows: 10},
		Events:    config.EventsConfig{Driver: "noop"},
		Metrics:   config.MetricsConfig{Enabled: true, Namespace: "test"},
	}

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))
	a, err := app.New(cfg, logger.Discard(), db, rdb, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv, err := NewServer(a)
	require.NoError(t, err)
	return &harness{app: a, router: srv.Router()}
}

func (h *harness) token(t *testing.T, userID int64, tier auth.Tier) string {
	t.Helper()
	tok, err := h.app.JWT.GenerateAccessToken(userID, tier)
	require.NoError(t, err)
	return tok
}

func (h *harness) item(t *testing.T, name string, stock int, price string) *inventory.Item {
	t.Helper()
	item, err := h.app.Inventory.CreateItem(context.Background(), &inventory.CreateItemRequest{
		Name:          name,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	}, staffID)
	require.NoError(t, err)
	return item
}

type envelope struct {
	Message      string          `json:"message"`
	Error        string          `json:"error"`
	Kind         string          `json:"kind"`
	Currency     string          `json:"currency"`
	Data         json.RawMessage `json:"data"`
	Available    int             `json:"available"`
	OrderNumber  string          `json:"order_number"`
	AttemptsLeft int             `json:"attempts_left"`
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuth_Required(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/cart", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAdmin_RequiresStaffTier(t *testing.T) {
	h := newHarness(t)
	customer := h.token(t, customerID, auth.TierCustomer)
	staff := h.token(t, staffID, auth.TierStaff)

	code, _ := h.do(t, http.MethodGet, "/api/v1/admin/orders", customer, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/flows/add_item_single", customer, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/admin/orders", staff, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCart_InsufficientStock(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "Amoxicillin", 3, "12.00")
	customer := h.token(t, customerID, auth.TierCustomer)

	code, env := h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/cart/items/%d", item.ID), customer,
		gin.H{"quantity": 4})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "insufficient_stock", env.Kind)
	assert.Equal(t, 3, env.Available)

	code, _ = h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/cart/items/%d", item.ID), customer,
		gin.H{"quantity": 0})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCart_ResponsesCarryCurrency(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "Cetirizine", 10, "3.00")
	customer := h.token(t, customerID, auth.TierCustomer)

	code, env := h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/cart/items/%d", item.ID), customer,
		gin.H{"quantity": 2})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ETB", env.Currency)

	code, env = h.do(t, http.MethodGet, "/api/v1/cart", customer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ETB", env.Currency)

	code, env = h.do(t, http.MethodPost, "/api/v1/orders", customer, gin.H{
		"customer_name":   "Selam Alemu",
		"phone":           "+251911234567",
		"delivery_method": "pickup",
		"commit_token":    "tok-currency",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, "ETB", env.Currency)

	code, env = h.do(t, http.MethodGet, "/api/v1/orders", customer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ETB", env.Currency)
}

func TestCart_NoWholeCartDelete(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "Loratadine", 10, "2.50")
	customer := h.token(t, customerID, auth.TierCustomer)

	code, _ := h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/cart/items/%d", item.ID), customer,
		gin.H{"quantity": 1})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodDelete, "/api/v1/cart", customer, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env := h.do(t, http.MethodGet, "/api/v1/cart", customer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"item_count":1`)
}

func TestPlaceOrderFlow_OverHTTP(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "Paracetamol", 10, "5.00")
	customer := h.token(t, customerID, auth.TierCustomer)
	staff := h.token(t, staffID, auth.TierStaff)

	code, _ := h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/cart/items/%d", item.ID), customer,
		gin.H{"quantity": 5})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/flows/place_order", customer, nil)
	require.Equal(t, http.StatusCreated, code)

	code, env := h.do(t, http.MethodPost, "/api/v1/flows/advance", customer, gin.H{"input": "Selam Alemu"})
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = h.do(t, http.MethodPost, "/api/v1/flows/advance", customer, gin.H{"input": "not a phone"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Kind)
	assert.Equal(t, 2, env.AttemptsLeft)

	var next struct {
		Next struct {
			Step  string `json:"step"`
			Token string `json:"token"`
		} `json:"next"`
	}
	for _, in := range []string{"+251911223344", "pickup", "skip"} {
		code, env = h.do(t, http.MethodPost, "/api/v1/flows/advance", customer, gin.H{"input": in})
		require.Equal(t, http.StatusOK, code, "input %q: %s", in, env.Error)
	}
	require.NoError(t, json.Unmarshal(env.Data, &next))
	require.Equal(t, "confirm", next.Next.Step)
	require.NotEmpty(t, next.Next.Token)

	code, env = h.do(t, http.MethodPost, "/api/v1/flows/advance", customer, gin.H{"input": next.Next.Token})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "Flow completed", env.Message)

	var done struct {
		Order struct {
			ID          uint   `json:"id"`
			OrderNumber string `json:"order_number"`
			Status      string `json:"status"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &done))
	assert.Equal(t, "pending", done.Order.Status)

	t.Run("replayed confirmation is a conflict", func(t *testing.T) {
		code, env := h.do(t, http.MethodPost, "/api/v1/flows/advance", customer, gin.H{"input": next.Next.Token})
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "duplicate_commit", env.Kind)
		assert.Equal(t, done.Order.OrderNumber, env.OrderNumber)
	})

	t.Run("other customers cannot see the order", func(t *testing.T) {
		other := h.token(t, customerID+1, auth.TierCustomer)
		code, _ := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", done.Order.ID), other, nil)
		assert.Equal(t, http.StatusNotFound, code)

		code, _ = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", done.Order.ID), customer, nil)
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("staff transitions", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/admin/orders/%d/status", done.Order.ID)

		code, env := h.do(t, http.MethodPatch, path, staff, gin.H{"status": "processing"})
		assert.Equal(t, http.StatusUnprocessableEntity, code)
		assert.Equal(t, "invalid_transition", env.Kind)

		code, _ = h.do(t, http.MethodPatch, path, staff, gin.H{"status": "confirmed"})
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestCreateOrder_CommitTokenIsIdempotent(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "Ibuprofen", 10, "3.50")
	customer := h.token(t, customerID, auth.TierCustomer)

	code, _ := h.do(t, http.MethodPut, fmt.Sprintf("/api/v1/cart/items/%d", item.ID), customer,
		gin.H{"quantity": 2})
	require.Equal(t, http.StatusOK, code)

	body := gin.H{
		"customer_name":   "Hana Tesfaye",
		"phone":           "+251922334455",
		"delivery_method": "pickup",
		"commit_token":    "a6a2b0f6-4b0f-4c8e-9f53-2b1f7f0e0c11",
	}
	code, env := h.do(t, http.MethodPost, "/api/v1/orders", customer, body)
	require.Equal(t, http.StatusCreated, code, env.Error)

	code, env = h.do(t, http.MethodPost, "/api/v1/orders", customer, body)
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, env.OrderNumber)

	stock, err := h.app.Inventory.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, stock.StockQuantity)
}

func TestAdmin_RestockAndAudit(t *testing.T) {
	h := newHarness(t)
	item := h.item(t, "Cetirizine", 1, "2.00")
	staff := h.token(t, staffID, auth.TierStaff)

	code, _ := h.do(t, http.MethodGet, "/api/v1/admin/items/low-stock", staff, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/items/%d/restock", item.ID), staff,
		gin.H{"quantity": 20})
	assert.Equal(t, http.StatusOK, code)

	code, env := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/audit?table=items&record_id=%d", item.ID), staff, nil)
	require.Equal(t, http.StatusOK, code)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.GreaterOrEqual(t, len(entries), 2)
}
