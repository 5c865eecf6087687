package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookVerifier_Verify(t *testing.T) {
	clock := NewFixedClock(testNow)
	verifier := NewWebhookVerifier(testWebhookSecret, 5*time.Minute, clock)
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	t.Run("accepts a valid signature", func(t *testing.T) {
		header := verifier.SignatureHeaderFor(body, testNow.Add(-time.Minute))
		assert.NoError(t, verifier.Verify(header, body))
	})

	t.Run("accepts when any v1 signature matches", func(t *testing.T) {
		valid := verifier.SignatureHeaderFor(body, testNow)
		header := valid + ",v1=deadbeef"
		assert.NoError(t, verifier.Verify(header, body))
	})

	rejected := []struct {
		name   string
		header func() string
		body   []byte
	}{
		{
			name:   "missing header",
			header: func() string { return "" },
			body:   body,
		},
		{
			name:   "tampered body",
			header: func() string { return verifier.SignatureHeaderFor(body, testNow) },
			body:   []byte(`{"id":"evt_1","type":"checkout.session.completed","x":1}`),
		},
		{
			name: "wrong secret",
			header: func() string {
				other := NewWebhookVerifier("another-secret", 5*time.Minute, clock)
				return other.SignatureHeaderFor(body, testNow)
			},
			body: body,
		},
		{
			name:   "stale timestamp",
			header: func() string { return verifier.SignatureHeaderFor(body, testNow.Add(-10*time.Minute)) },
			body:   body,
		},
		{
			name:   "timestamp from the future",
			header: func() string { return verifier.SignatureHeaderFor(body, testNow.Add(10*time.Minute)) },
			body:   body,
		},
		{
			name:   "no signature",
			header: func() string { return "t=1700000000" },
			body:   body,
		},
		{
			name:   "non numeric timestamp",
			header: func() string { return "t=yesterday,v1=abcd" },
			body:   body,
		},
		{
			name:   "garbage",
			header: func() string { return "not-a-signature" },
			body:   body,
		},
	}
	for _, tc := range rejected {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			err := verifier.Verify(tc.header(), tc.body)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}

	t.Run("zero tolerance skips the replay window", func(t *testing.T) {
		lenient := NewWebhookVerifier(testWebhookSecret, 0, clock)
		header := lenient.SignatureHeaderFor(body, testNow.Add(-72*time.Hour))
		assert.NoError(t, lenient.Verify(header, body))
	})
}

func TestParsePaymentEvent(t *testing.T) {
	t.Run("decodes checkout metadata", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_1",
			"type": "checkout.session.completed",
			"created": 1710439200,
			"data": {"object": {
				"id": "cs_1",
				"payment_intent": "pi_1",
				"payment_status": "paid",
				"metadata": {"roomId": "room-1", "buyerId": "user-1", "tierTitle": "VIP", "quantity": "2"}
			}}
		}`)

		evt, err := ParsePaymentEvent(body)

		require.NoError(t, err)
		assert.Equal(t, "evt_1", evt.ID)
		assert.Equal(t, EventCheckoutCompleted, evt.Type)
		assert.Equal(t, "pi_1", evt.Data.Object.PaymentIntent)
		assert.Equal(t, "VIP", evt.Data.Object.Metadata["tierTitle"])
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := ParsePaymentEvent([]byte(`{"id":`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("rejects events without id or type", func(t *testing.T) {
		_, err := ParsePaymentEvent([]byte(`{"type":"checkout.session.completed"}`))
		assert.ErrorIs(t, err, ErrMalformedEvent)

		_, err = ParsePaymentEvent([]byte(`{"id":"evt_1"}`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestExtractPurchase(t *testing.T) {
	t.Run("reads metadata", func(t *testing.T) {
		evt := checkoutEvent("evt_1", testRoomID, "user-1", " VIP ", "3", "pay-1")

		intent, err := ExtractPurchase(evt)

		require.NoError(t, err)
		assert.Equal(t, PurchaseIntent{
			EventID:          "evt_1",
			RoomID:           testRoomID,
			BuyerID:          "user-1",
			TierTitle:        "VIP",
			Quantity:         3,
			PaymentReference: "pay-1",
		}, intent)
	})

	t.Run("quantity defaults to one", func(t *testing.T) {
		evt := checkoutEvent("evt_1", testRoomID, "user-1", "VIP", "", "pay-1")

		intent, err := ExtractPurchase(evt)

		require.NoError(t, err)
		assert.Equal(t, 1, intent.Quantity)
	})

	t.Run("payment reference falls back to the payment intent then the session", func(t *testing.T) {
		evt := checkoutEvent("evt_1", testRoomID, "user-1", "VIP", "1", "")

		intent, err := ExtractPurchase(evt)
		require.NoError(t, err)
		assert.Equal(t, "pi_evt_1", intent.PaymentReference)

		evt.Data.Object.PaymentIntent = ""
		intent, err = ExtractPurchase(evt)
		require.NoError(t, err)
		assert.Equal(t, "cs_evt_1", intent.PaymentReference)
	})

	invalid := map[string]PaymentEvent{
		"missing room":      checkoutEvent("evt_1", "", "user-1", "VIP", "1", "pay-1"),
		"missing buyer":     checkoutEvent("evt_1", testRoomID, "", "VIP", "1", "pay-1"),
		"missing tier":      checkoutEvent("evt_1", testRoomID, "user-1", "", "1", "pay-1"),
		"zero quantity":     checkoutEvent("evt_1", testRoomID, "user-1", "VIP", "0", "pay-1"),
		"negative quantity": checkoutEvent("evt_1", testRoomID, "user-1", "VIP", "-2", "pay-1"),
		"text quantity":     checkoutEvent("evt_1", testRoomID, "user-1", "VIP", "two", "pay-1"),
	}
	for name, evt := range invalid {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := ExtractPurchase(evt)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}
