package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

var testNow = time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)

const (
	testRoomID        = "room-jazz-night"
	testWebhookSecret = "whsec_test_secret"
	testSigningKey    = "ticket-signing-key"
)

func generalTier(capacity int) Tier {
	return Tier{
		Name:          "general",
		Title:         "General Admission",
		Description:   "Standing room",
		UnitPrice:     2500,
		TotalCapacity: capacity,
		Active:        true,
	}
}

func vipTier(capacity int) Tier {
	return Tier{
		Name:          "vip",
		Title:         "VIP",
		Description:   "Front row and backstage",
		UnitPrice:     9900,
		TotalCapacity: capacity,
		Active:        true,
	}
}

func seedInventory(t *testing.T, store InventoryStore, roomID string, tiers ...Tier) *PaidRoomInventory {
	t.Helper()
	inv, err := NewPaidRoomInventory(roomID, tiers, testNow)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), inv))
	return inv
}

func loadInventory(t *testing.T, store InventoryStore, roomID string) *PaidRoomInventory {
	t.Helper()
	inv, err := store.Load(context.Background(), roomID)
	require.NoError(t, err)
	return inv
}

func tierOf(t *testing.T, inv *PaidRoomInventory, name string) Tier {
	t.Helper()
	tier, ok := inv.FindTier(name)
	require.True(t, ok, "tier %s not found", name)
	return tier
}

// MockMembership simula o serviço de salas
type MockMembership struct {
	mock.Mock
}

func (m *MockMembership) AddMember(ctx context.Context, roomID, userID string) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *MockMembership) RemoveMember(ctx context.Context, roomID, userID string) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func permissiveMembership() *MockMembership {
	m := &MockMembership{}
	m.On("AddMember", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("RemoveMember", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// MockRefundDispatcher simula o estorno no provedor
type MockRefundDispatcher struct {
	mock.Mock
}

func (m *MockRefundDispatcher) RequestProviderRefund(ctx context.Context, receipt *Receipt) error {
	args := m.Called(ctx, receipt)
	return args.Error(0)
}

func permissiveDispatcher() *MockRefundDispatcher {
	m := &MockRefundDispatcher{}
	m.On("RequestProviderRefund", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// failingIssuer gera ticket ids normalmente mas falha ao emitir credenciais
type failingIssuer struct {
	*TicketIssuer
	err error
}

func (f *failingIssuer) IssueCredential(roomID, buyerID, ticketID string) (Credential, error) {
	return Credential{}, f.err
}

type publishedEvent struct {
	RoutingKey string
	Body       interface{}
}

// recordingPublisher guarda os eventos publicados
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{RoutingKey: routingKey, Body: body})
	return nil
}

func (p *recordingPublisher) byKey(routingKey string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.RoutingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store       *MemoryStore
	queue       *MemorySideEffectQueue
	events      *recordingPublisher
	clock       Clock
	issuer      *TicketIssuer
	webhook     *WebhookVerifier
	metrics     *ticketingMetrics
	sales       *SaleUseCase
	fulfillment *FulfillmentUseCase
	refunds     *RefundUseCase
	verify      *VerifyUseCase
	inventory   *InventoryUseCase
	worker      *SideEffectWorker
}

type envOptions struct {
	rooms      RoomMembership
	dispatcher RefundDispatcher
	issuer     CredentialIssuer
}

type envOption func(*envOptions)

func withRooms(r RoomMembership) envOption {
	return func(o *envOptions) { o.rooms = r }
}

func withDispatcher(d RefundDispatcher) envOption {
	return func(o *envOptions) { o.dispatcher = d }
}

func withIssuer(i CredentialIssuer) envOption {
	return func(o *envOptions) { o.issuer = i }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := NewFixedClock(testNow)
	issuer := NewTicketIssuer([]byte(testSigningKey), "paid-rooms-test", clock)

	o := envOptions{
		rooms:      permissiveMembership(),
		dispatcher: permissiveDispatcher(),
		issuer:     issuer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	tracer := otel.Tracer("tickets-test")
	metrics := newTicketingMetrics("tickets-test")

	env := &testEnv{
		store:   NewMemoryStore(),
		queue:   NewMemorySideEffectQueue(),
		events:  &recordingPublisher{},
		clock:   clock,
		issuer:  issuer,
		webhook: NewWebhookVerifier(testWebhookSecret, 5*time.Minute, clock),
		metrics: metrics,
	}
	env.sales = NewSaleUseCase(env.store, tracer, metrics)
	env.fulfillment = NewFulfillmentUseCase(env.store, env.store, env.sales, o.issuer, o.rooms, env.queue, env.events, clock, tracer, metrics)
	env.refunds = NewRefundUseCase(env.store, env.store, o.rooms, o.dispatcher, env.queue, env.events, clock, tracer, metrics)
	env.verify = NewVerifyUseCase(issuer, env.store, tracer)
	env.inventory = NewInventoryUseCase(env.store, clock, tracer)
	env.worker = NewSideEffectWorker(env.queue, env.store, o.issuer, o.rooms, o.dispatcher, env.events, clock, metrics, SideEffectPolicy{
		BatchSize:   10,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	})
	return env
}

func checkoutEvent(eventID, roomID, buyerID, tierTitle, quantity, paymentReference string) PaymentEvent {
	var evt PaymentEvent
	evt.ID = eventID
	evt.Type = EventCheckoutCompleted
	evt.Created = testNow.Unix()
	evt.Data.Object = PaymentEventObject{
		ID:            "cs_" + eventID,
		PaymentIntent: "pi_" + eventID,
		PaymentStatus: "paid",
		Metadata: map[string]string{
			"roomId":           roomID,
			"buyerId":          buyerID,
			"tierTitle":        tierTitle,
			"quantity":         quantity,
			"paymentReference": paymentReference,
		},
	}
	return evt
}

func eventBody(t *testing.T, evt PaymentEvent) []byte {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return body
}
