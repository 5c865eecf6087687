package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implementa TicketingStore em memória. Cada mutação troca o
// inventário inteiro por uma cópia alterada (copy-on-write), então quem recebeu
// um inventário via Load nunca o vê mudar.
type MemoryStore struct {
	mu          sync.Mutex
	inventories map[string]*PaidRoomInventory
	events      map[string]map[string]struct{}
	holdings    map[string]map[string]int // room -> user -> unidades detidas
	receipts    map[string]*Receipt
	byReference map[string]string
	byTicket    map[string]string
}

// NewMemoryStore cria um store vazio
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inventories: make(map[string]*PaidRoomInventory),
		events:      make(map[string]map[string]struct{}),
		holdings:    make(map[string]map[string]int),
		receipts:    make(map[string]*Receipt),
		byReference: make(map[string]string),
		byTicket:    make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, inventory *PaidRoomInventory) error {
	if err := inventory.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inventories[inventory.RoomID]; exists {
		return ErrInventoryExists
	}
	s.inventories[inventory.RoomID] = inventory.Clone()
	s.events[inventory.RoomID] = make(map[string]struct{})
	s.holdings[inventory.RoomID] = make(map[string]int)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, roomID string) (*PaidRoomInventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.inventories[roomID]
	if !ok {
		return nil, ErrInventoryNotFound
	}
	return inv.Clone(), nil
}

func (s *MemoryStore) ConditionalDecrement(ctx context.Context, roomID, tierName string, quantity int, buyerID string) (TierMutation, error) {
	if quantity < 1 {
		return TierMutation{}, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.inventories[roomID]
	if !ok {
		return TierMutation{}, ErrInventoryNotFound
	}

	next := current.Clone()
	idx := tierIndex(next, tierName)
	if idx < 0 {
		return TierMutation{}, fmt.Errorf("%w: %s", ErrTierNotFound, tierName)
	}
	tier := &next.Tiers[idx]
	if !tier.Active {
		return TierMutation{}, fmt.Errorf("%w: %s", ErrTierInactive, tierName)
	}
	if tier.Available < quantity {
		return TierMutation{}, ErrInsufficientStock
	}

	tier.Sold += quantity
	tier.Available -= quantity
	next.TotalSold += quantity
	next.TotalAvailable -= quantity
	next.TotalRevenue += tier.UnitPrice * int64(quantity)
	if buyerID != "" {
		if !next.HasPaidUser(buyerID) {
			next.PaidUsers = append(next.PaidUsers, buyerID)
		}
		s.holdings[roomID][buyerID] += quantity
	}
	next.UpdatedAt = time.Now().UTC()

	s.inventories[roomID] = next
	return TierMutation{TierName: tier.Name, UnitPrice: tier.UnitPrice, Sold: tier.Sold, Available: tier.Available}, nil
}

func (s *MemoryStore) ConditionalIncrement(ctx context.Context, roomID, tierName string, quantity int) (TierMutation, error) {
	if quantity < 1 {
		return TierMutation{}, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, mutation, err := s.releaseLocked(roomID, tierName, quantity, -1)
	if err != nil {
		return TierMutation{}, err
	}
	s.inventories[roomID] = next
	return mutation, nil
}

// releaseLocked devolve unidades ao tier numa cópia do inventário. revenue < 0
// estorna unitPrice*quantity; caso contrário estorna exatamente revenue.
func (s *MemoryStore) releaseLocked(roomID, tierName string, quantity int, revenue int64) (*PaidRoomInventory, TierMutation, error) {
	current, ok := s.inventories[roomID]
	if !ok {
		return nil, TierMutation{}, ErrInventoryNotFound
	}

	next := current.Clone()
	idx := tierIndex(next, tierName)
	if idx < 0 {
		return nil, TierMutation{}, fmt.Errorf("%w: %s", ErrTierNotFound, tierName)
	}
	tier := &next.Tiers[idx]
	if tier.Sold < quantity {
		return nil, TierMutation{}, ErrInvalidRefund
	}
	if revenue < 0 {
		revenue = tier.UnitPrice * int64(quantity)
	}

	tier.Sold -= quantity
	tier.Available += quantity
	next.TotalSold -= quantity
	next.TotalAvailable += quantity
	next.TotalRevenue -= revenue
	next.UpdatedAt = time.Now().UTC()

	return next, TierMutation{TierName: tier.Name, UnitPrice: tier.UnitPrice, Sold: tier.Sold, Available: tier.Available}, nil
}

func (s *MemoryStore) RecordEventApplied(ctx context.Context, roomID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.inventories[roomID]
	if !ok {
		return false, ErrInventoryNotFound
	}
	ledger := s.events[roomID]
	if _, applied := ledger[eventID]; applied {
		return false, nil
	}
	ledger[eventID] = struct{}{}

	next := current.Clone()
	next.AppliedEventIDs = append(next.AppliedEventIDs, eventID)
	s.inventories[roomID] = next
	return true, nil
}

func (s *MemoryStore) Save(ctx context.Context, receipt *Receipt) (*Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byReference[receipt.PaymentReference]; exists {
		stored := *s.receipts[id]
		return &stored, false, nil
	}

	stored := *receipt
	s.receipts[receipt.ReceiptID] = &stored
	s.byReference[receipt.PaymentReference] = receipt.ReceiptID
	if stored.TicketID != "" {
		s.byTicket[stored.TicketID] = stored.ReceiptID
	}

	out := stored
	return &out, true, nil
}

func (s *MemoryStore) Finalize(ctx context.Context, receipt *Receipt) error {
	if err := receipt.checkOutcome(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.receipts[receipt.ReceiptID]
	if !ok {
		return ErrReceiptNotFound
	}
	if current.Status != ReceiptStatusPending && current.Status != receipt.Status {
		return fmt.Errorf("%w: receipt %s is already %s", ErrInvalidReceipt, receipt.ReceiptID, current.Status)
	}

	updated := *current
	updated.TicketID = receipt.TicketID
	updated.EntryCredential = receipt.EntryCredential
	updated.QRCode = receipt.QRCode
	updated.UnitPrice = receipt.UnitPrice
	updated.TotalAmount = receipt.TotalAmount
	updated.Status = receipt.Status
	updated.FailureReason = receipt.FailureReason
	updated.UpdatedAt = receipt.UpdatedAt
	s.receipts[receipt.ReceiptID] = &updated
	if updated.TicketID != "" {
		s.byTicket[updated.TicketID] = updated.ReceiptID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) GetByPaymentReference(ctx context.Context, paymentReference string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byReference[paymentReference]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	out := *s.receipts[id]
	return &out, nil
}

func (s *MemoryStore) GetByTicketID(ctx context.Context, ticketID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTicket[ticketID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	out := *s.receipts[id]
	return &out, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Receipt, 0)
	for _, r := range s.receipts {
		if filter.Matches(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ReceiptID < out[j].ReceiptID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateCredential(ctx context.Context, receiptID string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return ErrReceiptNotFound
	}
	updated := *r
	updated.EntryCredential = cred.Token
	updated.QRCode = cred.QRCode
	updated.UpdatedAt = time.Now().UTC()
	s.receipts[receiptID] = &updated
	return nil
}

func (s *MemoryStore) ApplyRefund(ctx context.Context, receiptID string, refundedAt time.Time) (RefundOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return RefundOutcome{}, ErrReceiptNotFound
	}
	if r.Status != ReceiptStatusCompleted {
		out := *r
		return RefundOutcome{Receipt: &out, Applied: false}, nil
	}

	next, mutation, err := s.releaseLocked(r.RoomID, r.TierName, r.Quantity, r.TotalAmount)
	if err != nil {
		return RefundOutcome{}, err
	}

	refunded := *r
	if err := refunded.MarkRefunded(refundedAt); err != nil {
		return RefundOutcome{}, err
	}

	revoked := s.releaseHoldingLocked(r.RoomID, r.UserID, r.Quantity)
	if revoked {
		next.PaidUsers = removeString(next.PaidUsers, r.UserID)
	}

	s.inventories[r.RoomID] = next
	s.receipts[receiptID] = &refunded

	out := refunded
	return RefundOutcome{Receipt: &out, Applied: true, Mutation: mutation, MembershipRevoked: revoked}, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// releaseHoldingLocked devolve as unidades do comprador e informa se ele ficou sem nenhuma
func (s *MemoryStore) releaseHoldingLocked(roomID, userID string, quantity int) bool {
	held := s.holdings[roomID][userID] - quantity
	if held > 0 {
		s.holdings[roomID][userID] = held
		return false
	}
	delete(s.holdings[roomID], userID)
	return true
}

func tierIndex(inv *PaidRoomInventory, name string) int {
	for i := range inv.Tiers {
		if inv.Tiers[i].Name == name {
			return i
		}
	}
	return -1
}

func removeString(values []string, target string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
