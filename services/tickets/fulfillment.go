package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FulfillmentOutcome é o desfecho do processamento de um evento de pagamento
type FulfillmentOutcome string

const (
	OutcomeFulfilled FulfillmentOutcome = "fulfilled"
	OutcomeDuplicate FulfillmentOutcome = "duplicate"
	OutcomeIgnored   FulfillmentOutcome = "ignored"
	OutcomeDropped   FulfillmentOutcome = "dropped"
	OutcomeFailed    FulfillmentOutcome = "reconciliation_required"
)

// FulfillmentResult descreve o que aconteceu com o evento
type FulfillmentResult struct {
	Outcome FulfillmentOutcome `json:"outcome"`
	Reason  string             `json:"reason,omitempty"`
	Receipt *Receipt           `json:"receipt,omitempty"`
}

// FulfillmentUseCase transforma um evento de checkout concluído em ingresso.
// Ordem: resolve o tier (só leitura), registra o evento no ledger, reivindica o
// pagamento com um recibo pendente, vende, e só então executa os efeitos colaterais. Falhas depois do ledger nunca voltam
// para a venda: vão para a fila de efeitos colaterais ou viram alerta de reconciliação.
type FulfillmentUseCase struct {
	inventory InventoryStore
	receipts  ReceiptStore
	sales     *SaleUseCase
	issuer    CredentialIssuer
	rooms     RoomMembership
	queue     SideEffectQueue
	events    EventPublisher
	clock     Clock
	tracer    trace.Tracer
	metrics   *ticketingMetrics
}

// NewFulfillmentUseCase cria uma nova instância de FulfillmentUseCase
func NewFulfillmentUseCase(
	inventory InventoryStore,
	receipts ReceiptStore,
	sales *SaleUseCase,
	issuer CredentialIssuer,
	rooms RoomMembership,
	queue SideEffectQueue,
	events EventPublisher,
	clock Clock,
	tracer trace.Tracer,
	metrics *ticketingMetrics,
) *FulfillmentUseCase {
	return &FulfillmentUseCase{
		inventory: inventory,
		receipts:  receipts,
		sales:     sales,
		issuer:    issuer,
		rooms:     rooms,
		queue:     queue,
		events:    events,
		clock:     clock,
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Process processa um evento já autenticado. Só devolve erro quando nada foi
// alterado e o provedor deve reenviar o evento.
func (uc *FulfillmentUseCase) Process(ctx context.Context, evt PaymentEvent) (FulfillmentResult, error) {
	ctx, span := uc.tracer.Start(ctx, "fulfillment.process")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", evt.ID),
		attribute.String("event_type", evt.Type),
	)

	result, err := uc.process(ctx, evt)
	if err != nil {
		span.RecordError(err)
		return FulfillmentResult{}, err
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	uc.metrics.webhook(ctx, result.Outcome)
	return result, nil
}

func (uc *FulfillmentUseCase) process(ctx context.Context, evt PaymentEvent) (FulfillmentResult, error) {
	if evt.Type != EventCheckoutCompleted {
		log.Printf("ℹ️  [WEBHOOK] Ignoring event type %s | EventID=%s", evt.Type, evt.ID)
		return FulfillmentResult{Outcome: OutcomeIgnored, Reason: evt.Type}, nil
	}

	purchase, err := ExtractPurchase(evt)
	if err != nil {
		log.Printf("⚠️  [WEBHOOK] Dropping event | EventID=%s | Error=%v", evt.ID, err)
		return FulfillmentResult{Outcome: OutcomeDropped, Reason: err.Error()}, nil
	}

	log.Printf("➡️ [FULFILLMENT] EventID=%s | RoomID=%s | BuyerID=%s | Tier=%s | Qty=%d | PaymentReference=%s",
		purchase.EventID, purchase.RoomID, purchase.BuyerID, purchase.TierTitle, purchase.Quantity, purchase.PaymentReference)

	// 1. Resolve o tier antes do ledger: um evento com tier desconhecido não deixa rastro no inventário
	inv, err := uc.inventory.Load(ctx, purchase.RoomID)
	if errors.Is(err, ErrInventoryNotFound) {
		log.Printf("⚠️  [WEBHOOK] Dropping event for unknown room | EventID=%s | RoomID=%s", purchase.EventID, purchase.RoomID)
		return FulfillmentResult{Outcome: OutcomeDropped, Reason: ErrInventoryNotFound.Code}, nil
	}
	if err != nil {
		return FulfillmentResult{}, fmt.Errorf("failed to load inventory: %w", err)
	}

	tier, ok := inv.ResolveTier(purchase.TierTitle)
	if !ok {
		log.Printf("⚠️  [WEBHOOK] Dropping event for unknown tier | EventID=%s | RoomID=%s | Tier=%s",
			purchase.EventID, purchase.RoomID, purchase.TierTitle)
		return FulfillmentResult{Outcome: OutcomeDropped, Reason: ErrTierNotFound.Code}, nil
	}

	// 2. Mesmo pagamento entregue sob outro event id
	if existing, err := uc.receipts.GetByPaymentReference(ctx, purchase.PaymentReference); err == nil {
		log.Printf("ℹ️  [IDEMPOTENCY] Payment already fulfilled | PaymentReference=%s | ReceiptID=%s",
			purchase.PaymentReference, existing.ReceiptID)
		return FulfillmentResult{Outcome: OutcomeDuplicate, Receipt: existing}, nil
	} else if !errors.Is(err, ErrReceiptNotFound) {
		return FulfillmentResult{}, fmt.Errorf("failed to check receipt: %w", err)
	}

	// 3. Ledger de idempotência
	applied, err := uc.inventory.RecordEventApplied(ctx, purchase.RoomID, purchase.EventID)
	if err != nil {
		return FulfillmentResult{}, fmt.Errorf("failed to record event: %w", err)
	}
	if !applied {
		log.Printf("ℹ️  [IDEMPOTENCY] Event already applied | EventID=%s", purchase.EventID)
		return FulfillmentResult{Outcome: OutcomeDuplicate}, nil
	}

	// 4. Reivindica o pagamento: só quem grava o recibo pendente vende
	now := uc.clock.Now()
	claim := NewReceipt(uuid.New().String(), purchase.BuyerID, purchase.RoomID, tier.Name,
		purchase.Quantity, tier.UnitPrice, purchase.PaymentReference, now)
	receipt, created, err := uc.receipts.Save(ctx, claim)
	if err != nil {
		return uc.reconcile(ctx, purchase, claim, fmt.Errorf("failed to claim payment: %w", err)), nil
	}
	if !created {
		log.Printf("ℹ️  [IDEMPOTENCY] Payment claimed by another delivery | PaymentReference=%s | ReceiptID=%s",
			purchase.PaymentReference, receipt.ReceiptID)
		return FulfillmentResult{Outcome: OutcomeDuplicate, Receipt: receipt}, nil
	}

	// 5. Venda
	sale, err := uc.sales.Sell(ctx, SellRequest{
		RoomID:   purchase.RoomID,
		TierName: tier.Name,
		Quantity: purchase.Quantity,
		BuyerID:  purchase.BuyerID,
	})
	if err != nil {
		return uc.reconcile(ctx, purchase, receipt, err), nil
	}

	// 6. Efeitos colaterais
	receipt = uc.completeSale(ctx, purchase, receipt, sale)
	log.Printf("✅ [FULFILLMENT] Success: EventID=%s ReceiptID=%s TicketID=%s", purchase.EventID, receipt.ReceiptID, receipt.TicketID)
	return FulfillmentResult{Outcome: OutcomeFulfilled, Receipt: receipt}, nil
}

// completeSale executa os efeitos pós-venda sobre o recibo pendente. Nenhuma falha aqui desfaz a venda.
func (uc *FulfillmentUseCase) completeSale(ctx context.Context, purchase PurchaseIntent, receipt *Receipt, sale SaleResult) *Receipt {
	now := uc.clock.Now()
	receipt.UnitPrice = sale.UnitPrice
	receipt.TotalAmount = sale.UnitPrice * int64(sale.Quantity)

	if err := uc.rooms.AddMember(ctx, purchase.RoomID, purchase.BuyerID); err != nil {
		log.Printf("❌ [MEMBERSHIP] Failed to add member, queued | RoomID=%s | BuyerID=%s | Error=%v",
			purchase.RoomID, purchase.BuyerID, err)
		uc.enqueue(ctx, SideEffect{
			PaymentReference: purchase.PaymentReference,
			Kind:             SideEffectMembership,
			RoomID:           purchase.RoomID,
			BuyerID:          purchase.BuyerID,
			LastError:        err.Error(),
		})
	}

	ticketID := uc.issuer.NewTicketID()
	cred, err := uc.issuer.IssueCredential(purchase.RoomID, purchase.BuyerID, ticketID)
	if err != nil {
		log.Printf("❌ [CREDENTIAL] Failed to issue credential, queued | TicketID=%s | Error=%v", ticketID, err)
		uc.enqueue(ctx, SideEffect{
			PaymentReference: purchase.PaymentReference,
			Kind:             SideEffectCredential,
			RoomID:           purchase.RoomID,
			BuyerID:          purchase.BuyerID,
			ReceiptID:        receipt.ReceiptID,
			TicketID:         ticketID,
			LastError:        err.Error(),
		})
		cred = Credential{}
	}
	if err := receipt.Complete(ticketID, cred, now); err != nil {
		log.Printf("❌ [RECEIPT] Cannot complete receipt | ReceiptID=%s | Error=%v", receipt.ReceiptID, err)
		return receipt
	}

	if err := uc.receipts.Finalize(ctx, receipt); err != nil {
		log.Printf("❌ [RECEIPT] Failed to persist receipt, queued | ReceiptID=%s | Error=%v", receipt.ReceiptID, err)
		uc.enqueue(ctx, SideEffect{
			PaymentReference: purchase.PaymentReference,
			Kind:             SideEffectReceipt,
			RoomID:           purchase.RoomID,
			BuyerID:          purchase.BuyerID,
			TierName:         sale.TierName,
			Quantity:         sale.Quantity,
			UnitPrice:        sale.UnitPrice,
			ReceiptID:        receipt.ReceiptID,
			TicketID:         ticketID,
			Receipt:          receipt,
			LastError:        err.Error(),
		})
		return receipt
	}

	uc.publish(ctx, RoutingTicketPurchased, TicketPurchasedEvent{
		ReceiptID:        receipt.ReceiptID,
		TicketID:         receipt.TicketID,
		RoomID:           receipt.RoomID,
		BuyerID:          receipt.UserID,
		TierName:         receipt.TierName,
		Quantity:         receipt.Quantity,
		TotalAmount:      receipt.TotalAmount,
		PaymentReference: receipt.PaymentReference,
		OccurredAt:       now,
	})
	return receipt
}

// reconcile registra um pagamento capturado que não virou venda: o recibo reivindicado
// vira "failed" e o alerta é publicado. O evento fica no ledger e o pagamento fica
// reivindicado, então redeliveries não tentam de novo.
func (uc *FulfillmentUseCase) reconcile(ctx context.Context, purchase PurchaseIntent, receipt *Receipt, cause error) FulfillmentResult {
	reason := errorCode(cause)
	refundEligible := errors.Is(cause, ErrInsufficientStock) || errors.Is(cause, ErrTierNotFound) || errors.Is(cause, ErrTierInactive)

	log.Printf("🚨 [RECONCILIATION] Paid purchase not fulfilled | EventID=%s | RoomID=%s | Tier=%s | Qty=%d | Reason=%s | Error=%v",
		purchase.EventID, purchase.RoomID, receipt.TierName, purchase.Quantity, reason, cause)
	uc.metrics.alert(ctx, reason)

	now := uc.clock.Now()
	if err := receipt.Fail(reason, now); err != nil {
		log.Printf("❌ [RECEIPT] Cannot mark receipt as failed | ReceiptID=%s | Error=%v", receipt.ReceiptID, err)
	} else if err := uc.persistFailed(ctx, receipt); err != nil {
		log.Printf("❌ [RECEIPT] Failed to persist failed receipt | PaymentReference=%s | Error=%v", purchase.PaymentReference, err)
	}

	uc.publish(ctx, RoutingReconciliationRequired, ReconciliationAlert{
		Reason:           reason,
		EventID:          purchase.EventID,
		ReceiptID:        receipt.ReceiptID,
		RoomID:           purchase.RoomID,
		BuyerID:          purchase.BuyerID,
		TierName:         receipt.TierName,
		Quantity:         purchase.Quantity,
		PaymentReference: purchase.PaymentReference,
		RefundEligible:   refundEligible,
		Detail:           cause.Error(),
		OccurredAt:       now,
	})

	return FulfillmentResult{Outcome: OutcomeFailed, Reason: reason, Receipt: receipt}
}

// persistFailed finaliza o recibo reivindicado; se a reivindicação nunca chegou ao
// store, grava o recibo já falho.
func (uc *FulfillmentUseCase) persistFailed(ctx context.Context, receipt *Receipt) error {
	err := uc.receipts.Finalize(ctx, receipt)
	if errors.Is(err, ErrReceiptNotFound) {
		_, _, err = uc.receipts.Save(ctx, receipt)
	}
	return err
}

func (uc *FulfillmentUseCase) enqueue(ctx context.Context, effect SideEffect) {
	now := uc.clock.Now()
	effect.CreatedAt = now
	effect.NextAttemptAt = now
	if _, err := uc.queue.Enqueue(ctx, effect); err != nil {
		log.Printf("❌ [SIDE EFFECT] Failed to enqueue %s: %v", effect.Key(), err)
	}
}

func (uc *FulfillmentUseCase) publish(ctx context.Context, routingKey string, body interface{}) {
	if err := uc.events.Publish(ctx, routingKey, body); err != nil {
		log.Printf("❌ [EVENTS] Failed to publish %s: %v", routingKey, err)
	}
}
