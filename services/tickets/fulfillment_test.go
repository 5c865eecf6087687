package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFulfillmentUseCase_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("fulfills a paid checkout", func(t *testing.T) {
		// Arrange
		rooms := &MockMembership{}
		rooms.On("AddMember", mock.Anything, testRoomID, "user-1").Return(nil).Once()
		env := newTestEnv(t, withRooms(rooms))
		seedInventory(t, env.store, testRoomID, generalTier(10))

		// Act
		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "2", "pay-1"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, OutcomeFulfilled, result.Outcome)
		require.NotNil(t, result.Receipt)
		assert.Equal(t, ReceiptStatusCompleted, result.Receipt.Status)
		assert.Equal(t, "general", result.Receipt.TierName)
		assert.Equal(t, 2, result.Receipt.Quantity)
		assert.Equal(t, int64(5000), result.Receipt.TotalAmount)
		assert.Equal(t, "pay-1", result.Receipt.PaymentReference)
		assert.NotEmpty(t, result.Receipt.TicketID)
		assert.True(t, result.Receipt.HasCredential())
		assert.Contains(t, result.Receipt.QRCode, qrDataURLPrefix)

		inv := loadInventory(t, env.store, testRoomID)
		assert.Equal(t, 2, inv.TotalSold)
		assert.Equal(t, int64(5000), inv.TotalRevenue)
		assert.Equal(t, []string{"evt_1"}, inv.AppliedEventIDs)
		assert.True(t, inv.HasPaidUser("user-1"))

		purchased := env.events.byKey(RoutingTicketPurchased)
		require.Len(t, purchased, 1)
		assert.Equal(t, result.Receipt.ReceiptID, purchased[0].Body.(TicketPurchasedEvent).ReceiptID)
		assert.Empty(t, env.queue.Pending())
		rooms.AssertExpectations(t)
	})

	t.Run("redelivered event is applied once", func(t *testing.T) {
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(10))
		evt := checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "2", "pay-1")

		first, err := env.fulfillment.Process(ctx, evt)
		require.NoError(t, err)
		second, err := env.fulfillment.Process(ctx, evt)
		require.NoError(t, err)

		assert.Equal(t, OutcomeFulfilled, first.Outcome)
		assert.Equal(t, OutcomeDuplicate, second.Outcome)
		assert.Equal(t, 2, loadInventory(t, env.store, testRoomID).TotalSold)

		receipts, err := env.store.List(ctx, ReceiptFilter{UserID: "user-1"})
		require.NoError(t, err)
		assert.Len(t, receipts, 1)
		assert.Len(t, env.events.byKey(RoutingTicketPurchased), 1)
	})

	t.Run("same payment under a new event id is a duplicate", func(t *testing.T) {
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(10))

		_, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1"))
		require.NoError(t, err)
		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_2", testRoomID, "user-1", "General Admission", "1", "pay-1"))
		require.NoError(t, err)

		assert.Equal(t, OutcomeDuplicate, result.Outcome)
		require.NotNil(t, result.Receipt)
		assert.Equal(t, "pay-1", result.Receipt.PaymentReference)
		assert.Equal(t, 1, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("unknown tier leaves the inventory untouched", func(t *testing.T) {
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(10), vipTier(2))
		before := loadInventory(t, env.store, testRoomID)

		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "Balcony", "1", "pay-1"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDropped, result.Outcome)
		assert.Equal(t, ErrTierNotFound.Code, result.Reason)
		assert.Equal(t, before, loadInventory(t, env.store, testRoomID))
		assert.Empty(t, env.events.byKey(RoutingTicketPurchased))
	})

	t.Run("unknown room is dropped", func(t *testing.T) {
		env := newTestEnv(t)

		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", "room-missing", "user-1", "General Admission", "1", "pay-1"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDropped, result.Outcome)
		assert.Equal(t, ErrInventoryNotFound.Code, result.Reason)
	})

	t.Run("other event types are ignored", func(t *testing.T) {
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(10))
		evt := checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1")
		evt.Type = "checkout.session.expired"

		result, err := env.fulfillment.Process(ctx, evt)

		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
		assert.Equal(t, 0, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("missing metadata is dropped", func(t *testing.T) {
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(10))

		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "", "General Admission", "1", "pay-1"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDropped, result.Outcome)
		assert.Contains(t, result.Reason, "buyerId")
		assert.Empty(t, loadInventory(t, env.store, testRoomID).AppliedEventIDs)
	})

	t.Run("sold out after payment requires reconciliation", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(1))
		_, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1"))
		require.NoError(t, err)

		// Act
		evt := checkoutEvent("evt_2", testRoomID, "user-2", "General Admission", "1", "pay-2")
		result, err := env.fulfillment.Process(ctx, evt)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, ErrInsufficientStock.Code, result.Reason)
		require.NotNil(t, result.Receipt)
		assert.Equal(t, ReceiptStatusFailed, result.Receipt.Status)

		alerts := env.events.byKey(RoutingReconciliationRequired)
		require.Len(t, alerts, 1)
		alert := alerts[0].Body.(ReconciliationAlert)
		assert.True(t, alert.RefundEligible)
		assert.Equal(t, "pay-2", alert.PaymentReference)

		inv := loadInventory(t, env.store, testRoomID)
		assert.Equal(t, 1, inv.TotalSold)
		assert.False(t, inv.HasPaidUser("user-2"))

		// a redelivery does not raise a second alert
		again, err := env.fulfillment.Process(ctx, evt)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, again.Outcome)
		assert.Len(t, env.events.byKey(RoutingReconciliationRequired), 1)
	})

	t.Run("membership failure is queued and the sale stands", func(t *testing.T) {
		rooms := &MockMembership{}
		rooms.On("AddMember", mock.Anything, testRoomID, "user-1").Return(errors.New("rooms service unavailable"))
		env := newTestEnv(t, withRooms(rooms))
		seedInventory(t, env.store, testRoomID, generalTier(10))

		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeFulfilled, result.Outcome)
		assert.Equal(t, ReceiptStatusCompleted, result.Receipt.Status)
		assert.Equal(t, 1, loadInventory(t, env.store, testRoomID).TotalSold)

		pending := env.queue.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, SideEffectMembership, pending[0].Kind)
		assert.Equal(t, "pay-1:membership", pending[0].Key())
	})

	t.Run("credential failure is queued and regenerated later", func(t *testing.T) {
		issuer := NewTicketIssuer([]byte(testSigningKey), "paid-rooms-test", NewFixedClock(testNow))
		env := newTestEnv(t, withIssuer(&failingIssuer{TicketIssuer: issuer, err: errors.New("qr encoder crashed")}))
		seedInventory(t, env.store, testRoomID, generalTier(10))

		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeFulfilled, result.Outcome)
		assert.NotEmpty(t, result.Receipt.TicketID)
		assert.False(t, result.Receipt.HasCredential())

		pending := env.queue.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, SideEffectCredential, pending[0].Kind)
		assert.Equal(t, result.Receipt.ReceiptID, pending[0].ReceiptID)

		// a worker with a healthy issuer completes the credential
		healthy := NewSideEffectWorker(env.queue, env.store, env.issuer, permissiveMembership(), permissiveDispatcher(),
			env.events, env.clock, env.metrics, DefaultSideEffectPolicy)
		done, err := healthy.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, done)

		stored, err := env.store.Get(ctx, result.Receipt.ReceiptID)
		require.NoError(t, err)
		assert.True(t, stored.HasCredential())
		assert.Empty(t, env.queue.Pending())
	})
}

func TestFulfillmentUseCase_ConcurrentRedeliveries(t *testing.T) {
	// Arrange
	ctx := context.Background()
	env := newTestEnv(t)
	seedInventory(t, env.store, testRoomID, generalTier(10))
	evt := checkoutEvent("evt_storm", testRoomID, "user-1", "General Admission", "3", "pay-storm")

	const deliveries = 20
	var wg sync.WaitGroup
	var fulfilled, duplicates int32
	start := make(chan struct{})

	// Act
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := env.fulfillment.Process(ctx, evt)
			if !assert.NoError(t, err) {
				return
			}
			switch result.Outcome {
			case OutcomeFulfilled:
				atomic.AddInt32(&fulfilled, 1)
			case OutcomeDuplicate:
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), fulfilled)
	assert.Equal(t, int32(deliveries-1), duplicates)

	inv := loadInventory(t, env.store, testRoomID)
	assert.Equal(t, 3, inv.TotalSold)
	assert.NoError(t, inv.CheckInvariants())

	receipts, err := env.store.List(ctx, ReceiptFilter{RoomID: testRoomID})
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestFulfillmentUseCase_SellsOutUnderLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedInventory(t, env.store, testRoomID, generalTier(5))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evt := checkoutEvent(fmt.Sprintf("evt_%d", i), testRoomID, fmt.Sprintf("user-%d", i), "general", "1", fmt.Sprintf("pay-%d", i))
			_, err := env.fulfillment.Process(ctx, evt)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	inv := loadInventory(t, env.store, testRoomID)
	assert.Equal(t, 5, inv.TotalSold)
	assert.Equal(t, 0, inv.TotalAvailable)
	assert.Len(t, inv.AppliedEventIDs, 12)

	completed, err := env.store.List(ctx, ReceiptFilter{Status: ReceiptStatusCompleted})
	require.NoError(t, err)
	failed, err := env.store.List(ctx, ReceiptFilter{Status: ReceiptStatusFailed})
	require.NoError(t, err)
	assert.Len(t, completed, 5)
	assert.Len(t, failed, 7)
	assert.Len(t, env.events.byKey(RoutingReconciliationRequired), 7)
}

func TestFulfillmentUseCase_SamePaymentUnderManyEventIDs(t *testing.T) {
	// Arrange
	ctx := context.Background()
	rooms := &MockMembership{}
	rooms.On("AddMember", mock.Anything, testRoomID, "user-1").After(20 * time.Millisecond).Return(nil)
	env := newTestEnv(t, withRooms(rooms))
	seedInventory(t, env.store, testRoomID, generalTier(50))

	// Act
	const deliveries = 20
	outcomes := make([]FulfillmentOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evt := checkoutEvent(fmt.Sprintf("evt_%d", i), testRoomID, "user-1", "General Admission", "1", "pay-1")
			result, err := env.fulfillment.Process(ctx, evt)
			assert.NoError(t, err)
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()

	// Assert
	fulfilled := 0
	for _, o := range outcomes {
		if o == OutcomeFulfilled {
			fulfilled++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, fulfilled)

	inv := loadInventory(t, env.store, testRoomID)
	assert.Equal(t, 1, inv.TotalSold)
	assert.Equal(t, int64(2500), inv.TotalRevenue)
	assert.NoError(t, inv.CheckInvariants())

	receipts, err := env.store.List(ctx, ReceiptFilter{RoomID: testRoomID})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ReceiptStatusCompleted, receipts[0].Status)
	assert.Equal(t, inv.TotalSold, receipts[0].Quantity)

	assert.Len(t, env.events.byKey(RoutingTicketPurchased), 1)
	assert.Empty(t, env.events.byKey(RoutingReconciliationRequired))
	rooms.AssertNumberOfCalls(t, "AddMember", 1)
}

func TestFulfillmentUseCase_ClaimsPaymentBeforeSelling(t *testing.T) {
	ctx := context.Background()

	t.Run("a claimed payment is not sold again", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(10))
		claim := NewReceipt("r-claimed", "user-1", testRoomID, "general", 1, 2500, "pay-1", testNow)
		_, created, err := env.store.Save(ctx, claim)
		require.NoError(t, err)
		require.True(t, created)

		// Act
		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, result.Outcome)
		assert.Equal(t, "r-claimed", result.Receipt.ReceiptID)
		assert.Equal(t, 0, loadInventory(t, env.store, testRoomID).TotalSold)
	})

	t.Run("sold out finalizes the claimed receipt as failed", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t)
		seedInventory(t, env.store, testRoomID, generalTier(1))
		first := checkoutEvent("evt_1", testRoomID, "user-1", "General Admission", "1", "pay-1")
		_, err := env.fulfillment.Process(ctx, first)
		require.NoError(t, err)

		// Act
		result, err := env.fulfillment.Process(ctx, checkoutEvent("evt_2", testRoomID, "user-2", "General Admission", "1", "pay-2"))

		// Assert
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, result.Outcome)
		stored, err := env.store.GetByPaymentReference(ctx, "pay-2")
		require.NoError(t, err)
		assert.Equal(t, result.Receipt.ReceiptID, stored.ReceiptID)
		assert.Equal(t, ReceiptStatusFailed, stored.Status)
		assert.Equal(t, ErrInsufficientStock.Code, stored.FailureReason)
	})
}

func TestFulfillmentUseCase_ReconcileKeepsFinalReceipt(t *testing.T) {
	// Arrange
	ctx := context.Background()
	env := newTestEnv(t)
	seedInventory(t, env.store, testRoomID, generalTier(1))
	receipt := NewReceipt("r-1", "user-1", testRoomID, "general", 1, 2500, "pay-1", testNow)
	require.NoError(t, receipt.Complete("TKT-ABC", Credential{}, testNow))
	_, _, err := env.store.Save(ctx, receipt)
	require.NoError(t, err)

	purchase := PurchaseIntent{
		EventID:          "evt_1",
		RoomID:           testRoomID,
		BuyerID:          "user-1",
		TierTitle:        "General Admission",
		Quantity:         1,
		PaymentReference: "pay-1",
	}

	// Act
	result := env.fulfillment.reconcile(ctx, purchase, receipt, ErrInsufficientStock)

	// Assert
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Len(t, env.events.byKey(RoutingReconciliationRequired), 1)
	stored, err := env.store.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, ReceiptStatusCompleted, stored.Status, "a finished receipt is never downgraded")
}
