package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func setupRouter(t *testing.T, env *testEnv) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewTicketHandler(env.inventory, env.fulfillment, env.refunds, env.verify, env.store, env.webhook, otel.Tracer("tickets-test"))
	handler.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postWebhook(t *testing.T, r *gin.Engine, env *testEnv, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_Health(t *testing.T) {
	r := setupRouter(t, newTestEnv(t))

	w := doJSON(t, r, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestHandler_Inventory(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(t, env)

	payload := map[string]interface{}{
		"tiers": []map[string]interface{}{
			{"name": "general", "title": "General Admission", "unit_price": 2500, "total_capacity": 100},
			{"name": "vip", "title": "VIP", "unit_price": 9900, "total_capacity": 10, "active": false},
		},
	}

	t.Run("creates", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/rooms/"+testRoomID+"/inventory", payload)

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, testRoomID, body["room_id"])
		assert.EqualValues(t, 110, body["total_available"])
		assert.NotContains(t, body, "AppliedEventIDs")

		vip := tierOf(t, loadInventory(t, env.store, testRoomID), "vip")
		assert.False(t, vip.Active)
	})

	t.Run("duplicate is a conflict", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/rooms/"+testRoomID+"/inventory", payload)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, ErrInventoryExists.Code, decode(t, w)["error"])
	})

	t.Run("invalid body", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/rooms/room-2/inventory", map[string]interface{}{"tiers": []interface{}{}})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reads back", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/rooms/"+testRoomID+"/inventory", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 110, decode(t, w)["total_capacity"])
	})

	t.Run("unknown room", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/rooms/room-missing/inventory", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, ErrInventoryNotFound.Code, decode(t, w)["error"])
	})
}

func TestHandler_PaymentWebhook(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(t, env)
	seedInventory(t, env.store, testRoomID, generalTier(10))

	body := eventBody(t, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1"))

	t.Run("rejects an unsigned delivery without touching stock", func(t *testing.T) {
		w := postWebhook(t, r, env, body, "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, ErrInvalidSignature.Code, decode(t, w)["error"])
		assert.Equal(t, 0, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("rejects a bad signature", func(t *testing.T) {
		w := postWebhook(t, r, env, body, "t=1,v1=00")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("fulfills a signed delivery", func(t *testing.T) {
		w := postWebhook(t, r, env, body, env.webhook.SignatureHeaderFor(body, testNow))

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode(t, w)
		assert.Equal(t, true, resp["received"])
		assert.Equal(t, string(OutcomeFulfilled), resp["outcome"])
		assert.Equal(t, 1, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("acknowledges a redelivery", func(t *testing.T) {
		w := postWebhook(t, r, env, body, env.webhook.SignatureHeaderFor(body, testNow))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(OutcomeDuplicate), decode(t, w)["outcome"])
		assert.Equal(t, 1, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("acknowledges a signed but unparseable body", func(t *testing.T) {
		garbage := []byte(`{"nope":`)
		w := postWebhook(t, r, env, garbage, env.webhook.SignatureHeaderFor(garbage, testNow))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(OutcomeDropped), decode(t, w)["outcome"])
	})
}

func TestHandler_ReceiptsRefundAndVerify(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(t, env)
	seedInventory(t, env.store, testRoomID, generalTier(10))
	receipt := fulfill(t, env, "evt_1", "user-1", "General Admission", "2", "pay-1")

	t.Run("lists receipts by user", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/receipts?userId=user-1", nil)

		require.Equal(t, http.StatusOK, w.Code)
		list := decode(t, w)["receipts"].([]interface{})
		require.Len(t, list, 1)
		assert.Equal(t, receipt.ReceiptID, list[0].(map[string]interface{})["receipt_id"])

		w = doJSON(t, r, http.MethodGet, "/api/receipts?userId=user-2", nil)
		assert.Empty(t, decode(t, w)["receipts"])
	})

	t.Run("gets a receipt", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/receipts/"+receipt.ReceiptID, nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(ReceiptStatusCompleted), decode(t, w)["status"])

		w = doJSON(t, r, http.MethodGet, "/api/receipts/r-missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("verifies the ticket at the door", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/tickets/verify", map[string]string{"credential": receipt.EntryCredential})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["valid"])
	})

	t.Run("verify requires a credential", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/tickets/verify", map[string]string{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("refunds once", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/receipts/"+receipt.ReceiptID+"/refund", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, string(RefundStatusRefunded), decode(t, w)["status"])

		w = doJSON(t, r, http.MethodPost, "/api/receipts/"+receipt.ReceiptID+"/refund", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(RefundStatusAlreadyRefunded), decode(t, w)["status"])

		assert.Equal(t, 0, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("refunded ticket no longer verifies", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/tickets/verify", map[string]string{"credential": receipt.EntryCredential})

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, false, resp["valid"])
		assert.Equal(t, "ticket_refunded", resp["reason"])
	})

	t.Run("refund of unknown receipt", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/receipts/r-missing/refund", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, ErrReceiptNotFound.Code, decode(t, w)["error"])
	})
}
