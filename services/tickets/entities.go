package main

import (
	"fmt"
	"strings"
	"time"
)

// Tier representa uma categoria de ingresso de uma sala paga (ex: "General Admission").
// A identidade do tier é o Name, nunca a posição no slice.
type Tier struct {
	Name          string `json:"name" bson:"name"`
	Title         string `json:"title" bson:"title"`
	Description   string `json:"description" bson:"description"`
	UnitPrice     int64  `json:"unit_price" bson:"unit_price"`
	TotalCapacity int    `json:"total_capacity" bson:"total_capacity"`
	Sold          int    `json:"sold" bson:"sold"`
	Available     int    `json:"available" bson:"available"`
	Active        bool   `json:"active" bson:"active"`
}

// PaidRoomInventory representa o estoque de ingressos de uma sala paga
type PaidRoomInventory struct {
	RoomID          string    `json:"room_id" bson:"_id"`
	Tiers           []Tier    `json:"tiers" bson:"tiers"`
	TotalCapacity   int       `json:"total_capacity" bson:"total_capacity"`
	TotalSold       int       `json:"total_sold" bson:"total_sold"`
	TotalAvailable  int       `json:"total_available" bson:"total_available"`
	TotalRevenue    int64     `json:"total_revenue" bson:"total_revenue"`
	AppliedEventIDs []string  `json:"-" bson:"applied_event_ids"`
	PaidUsers       []string  `json:"paid_users" bson:"paid_users"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// NewPaidRoomInventory cria o inventário de uma sala com todos os tiers disponíveis
func NewPaidRoomInventory(roomID string, tiers []Tier, now time.Time) (*PaidRoomInventory, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrInvalidInventory)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidInventory)
	}

	inv := &PaidRoomInventory{
		RoomID:          roomID,
		Tiers:           make([]Tier, 0, len(tiers)),
		AppliedEventIDs: []string{},
		PaidUsers:       []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	seen := make(map[string]struct{}, len(tiers))
	for _, t := range tiers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tier name is required", ErrInvalidInventory)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidInventory, name)
		}
		if t.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: tier %q has negative price", ErrInvalidInventory, name)
		}
		if t.TotalCapacity < 0 {
			return nil, fmt.Errorf("%w: tier %q has negative capacity", ErrInvalidInventory, name)
		}
		seen[name] = struct{}{}

		inv.Tiers = append(inv.Tiers, Tier{
			Name:          name,
			Title:         t.Title,
			Description:   t.Description,
			UnitPrice:     t.UnitPrice,
			TotalCapacity: t.TotalCapacity,
			Sold:          0,
			Available:     t.TotalCapacity,
			Active:        t.Active,
		})
		inv.TotalCapacity += t.TotalCapacity
		inv.TotalAvailable += t.TotalCapacity
	}

	return inv, nil
}

// FindTier busca um tier pelo nome
func (inv *PaidRoomInventory) FindTier(name string) (Tier, bool) {
	for _, t := range inv.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// ResolveTier encontra o tier cujo title ou name corresponde ao rótulo enviado
// pelo provedor de pagamento. Match exato tem precedência sobre case-insensitive.
func (inv *PaidRoomInventory) ResolveTier(label string) (Tier, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Tier{}, false
	}
	for _, t := range inv.Tiers {
		if t.Title == label || t.Name == label {
			return t, true
		}
	}
	for _, t := range inv.Tiers {
		if strings.EqualFold(t.Title, label) || strings.EqualFold(t.Name, label) {
			return t, true
		}
	}
	return Tier{}, false
}

// HasPaidUser indica se o usuário possui ao menos um ingresso válido na sala
func (inv *PaidRoomInventory) HasPaidUser(userID string) bool {
	for _, u := range inv.PaidUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// CheckInvariants valida os contadores do tier e os agregados do inventário
func (inv *PaidRoomInventory) CheckInvariants() error {
	var capacity, sold, available int
	var revenue int64
	for _, t := range inv.Tiers {
		if t.Sold < 0 || t.Available < 0 {
			return fmt.Errorf("tier %q has negative counters: sold=%d available=%d", t.Name, t.Sold, t.Available)
		}
		if t.Sold+t.Available != t.TotalCapacity {
			return fmt.Errorf("tier %q: sold(%d) + available(%d) != capacity(%d)", t.Name, t.Sold, t.Available, t.TotalCapacity)
		}
		capacity += t.TotalCapacity
		sold += t.Sold
		available += t.Available
		revenue += t.UnitPrice * int64(t.Sold)
	}
	if capacity != inv.TotalCapacity || sold != inv.TotalSold || available != inv.TotalAvailable {
		return fmt.Errorf("aggregates drifted: capacity=%d/%d sold=%d/%d available=%d/%d",
			inv.TotalCapacity, capacity, inv.TotalSold, sold, inv.TotalAvailable, available)
	}
	if revenue != inv.TotalRevenue {
		return fmt.Errorf("revenue drifted: total=%d expected=%d", inv.TotalRevenue, revenue)
	}
	return nil
}

// Clone devolve uma cópia profunda, usada pelo store em memória (copy-on-write)
func (inv *PaidRoomInventory) Clone() *PaidRoomInventory {
	c := *inv
	c.Tiers = append([]Tier(nil), inv.Tiers...)
	c.AppliedEventIDs = append([]string(nil), inv.AppliedEventIDs...)
	c.PaidUsers = append([]string(nil), inv.PaidUsers...)
	return &c
}

// TierMutation é o estado do tier logo após uma atualização condicional
type TierMutation struct {
	TierName  string
	UnitPrice int64
	Sold      int
	Available int
}

// SaleResult é o resultado de uma venda aplicada ao inventário
type SaleResult struct {
	RoomID       string `json:"room_id"`
	TierName     string `json:"tier_name"`
	BuyerID      string `json:"buyer_id"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	NewSold      int    `json:"new_sold"`
	NewAvailable int    `json:"new_available"`
	RevenueDelta int64  `json:"revenue_delta"`
}

// ReceiptStatus representa os estados de um recibo
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "pending"
	ReceiptStatusCompleted ReceiptStatus = "completed"
	ReceiptStatusRefunded  ReceiptStatus = "refunded"
	ReceiptStatusFailed    ReceiptStatus = "failed"
)

// Receipt é o registro auditável de uma compra. Nunca é apagado.
type Receipt struct {
	ReceiptID        string        `json:"receipt_id" bson:"_id"`
	UserID           string        `json:"user_id" bson:"user_id"`
	RoomID           string        `json:"room_id" bson:"room_id"`
	TierName         string        `json:"tier_name" bson:"tier_name"`
	Quantity         int           `json:"quantity" bson:"quantity"`
	UnitPrice        int64         `json:"unit_price" bson:"unit_price"`
	TotalAmount      int64         `json:"total_amount" bson:"total_amount"`
	PaymentReference string        `json:"payment_reference" bson:"payment_reference"`
	TicketID         string        `json:"ticket_id" bson:"ticket_id"`
	EntryCredential  string        `json:"entry_credential,omitempty" bson:"entry_credential"`
	QRCode           string        `json:"qr_code,omitempty" bson:"qr_code"`
	Status           ReceiptStatus `json:"status" bson:"status"`
	FailureReason    string        `json:"failure_reason,omitempty" bson:"failure_reason"`
	CreatedAt        time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" bson:"updated_at"`
	RefundedAt       *time.Time    `json:"refunded_at,omitempty" bson:"refunded_at,omitempty"`
}

// NewReceipt cria um recibo pendente para uma compra
func NewReceipt(id, userID, roomID, tierName string, quantity int, unitPrice int64, paymentReference string, now time.Time) *Receipt {
	return &Receipt{
		ReceiptID:        id,
		UserID:           userID,
		RoomID:           roomID,
		TierName:         tierName,
		Quantity:         quantity,
		UnitPrice:        unitPrice,
		TotalAmount:      unitPrice * int64(quantity),
		PaymentReference: paymentReference,
		Status:           ReceiptStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Complete marca o recibo como concluído. A credencial pode chegar vazia quando
// sua geração falhou; ela é regenerada depois pela fila de efeitos colaterais.
func (r *Receipt) Complete(ticketID string, cred Credential, now time.Time) error {
	if r.Status != ReceiptStatusPending {
		return fmt.Errorf("%w: only pending receipts can be completed (status=%s)", ErrInvalidReceipt, r.Status)
	}
	r.TicketID = ticketID
	r.EntryCredential = cred.Token
	r.QRCode = cred.QRCode
	r.Status = ReceiptStatusCompleted
	r.UpdatedAt = now
	return nil
}

// Fail marca o recibo como falho: o pagamento foi capturado mas a venda não aconteceu
func (r *Receipt) Fail(reason string, now time.Time) error {
	if r.Status != ReceiptStatusPending {
		return fmt.Errorf("%w: only pending receipts can be marked as failed (status=%s)", ErrInvalidReceipt, r.Status)
	}
	r.Status = ReceiptStatusFailed
	r.FailureReason = reason
	r.UpdatedAt = now
	return nil
}

// MarkRefunded marca o recibo como reembolsado
func (r *Receipt) MarkRefunded(now time.Time) error {
	if r.Status != ReceiptStatusCompleted {
		return fmt.Errorf("%w: only completed receipts can be refunded (status=%s)", ErrInvalidReceipt, r.Status)
	}
	r.Status = ReceiptStatusRefunded
	r.UpdatedAt = now
	r.RefundedAt = &now
	return nil
}

// checkOutcome garante que o recibo carrega o desfecho de uma venda
func (r *Receipt) checkOutcome() error {
	if r.Status != ReceiptStatusCompleted && r.Status != ReceiptStatusFailed {
		return fmt.Errorf("%w: outcome must be completed or failed (status=%s)", ErrInvalidReceipt, r.Status)
	}
	return nil
}

// HasCredential indica se a credencial de entrada já foi emitida
func (r *Receipt) HasCredential() bool {
	return r.EntryCredential != ""
}

// ReceiptFilter filtra a listagem de recibos. Campos vazios são ignorados.
type ReceiptFilter struct {
	UserID   string
	RoomID   string
	TicketID string
	Status   ReceiptStatus
}

// Matches indica se o recibo satisfaz o filtro
func (f ReceiptFilter) Matches(r *Receipt) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.RoomID != "" && r.RoomID != f.RoomID {
		return false
	}
	if f.TicketID != "" && r.TicketID != f.TicketID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RefundOutcome descreve o efeito de um reembolso aplicado no store
type RefundOutcome struct {
	Receipt           *Receipt
	Applied           bool
	Mutation          TierMutation
	MembershipRevoked bool
}
