package main

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RefundStatus é o resultado de um pedido de reembolso
type RefundStatus string

const (
	RefundStatusRefunded        RefundStatus = "refunded"
	RefundStatusAlreadyRefunded RefundStatus = "already_refunded"
)

// RefundResult é a resposta do motor de reembolso
type RefundResult struct {
	Status            RefundStatus `json:"status"`
	Receipt           *Receipt     `json:"receipt"`
	MembershipRevoked bool         `json:"membership_revoked"`
}

// RefundUseCase devolve ao inventário as unidades de um recibo concluído
type RefundUseCase struct {
	receipts ReceiptStore
	store    RefundStore
	rooms    RoomMembership
	refunds  RefundDispatcher
	queue    SideEffectQueue
	events   EventPublisher
	clock    Clock
	tracer   trace.Tracer
	metrics  *ticketingMetrics
}

// NewRefundUseCase cria uma nova instância de RefundUseCase
func NewRefundUseCase(
	receipts ReceiptStore,
	store RefundStore,
	rooms RoomMembership,
	refunds RefundDispatcher,
	queue SideEffectQueue,
	events EventPublisher,
	clock Clock,
	tracer trace.Tracer,
	metrics *ticketingMetrics,
) *RefundUseCase {
	return &RefundUseCase{
		receipts: receipts,
		store:    store,
		rooms:    rooms,
		refunds:  refunds,
		queue:    queue,
		events:   events,
		clock:    clock,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Refund reembolsa o recibo. Um recibo que não está concluído é um no-op idempotente.
func (uc *RefundUseCase) Refund(ctx context.Context, receiptID string) (RefundResult, error) {
	ctx, span := uc.tracer.Start(ctx, "tickets.refund")
	defer span.End()

	span.SetAttributes(attribute.String("receipt_id", receiptID))

	log.Printf("↩️ [REFUND] ReceiptID=%s", receiptID)

	// 1. Checagem rápida fora da transação
	receipt, err := uc.receipts.Get(ctx, receiptID)
	if err != nil {
		log.Printf("❌ REFUND FAILED: Get | ReceiptID=%s | Error=%v", receiptID, err)
		return RefundResult{}, err
	}
	if receipt.Status != ReceiptStatusCompleted {
		log.Printf("ℹ️  [IDEMPOTENCY] Receipt not refundable (status=%s) | ReceiptID=%s", receipt.Status, receiptID)
		return RefundResult{Status: RefundStatusAlreadyRefunded, Receipt: receipt}, nil
	}

	// 2. Incremento, receita, status e membership numa única transação
	outcome, err := uc.store.ApplyRefund(ctx, receiptID, uc.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("❌ REFUND FAILED: ApplyRefund | ReceiptID=%s | Error=%v", receiptID, err)
		return RefundResult{}, err
	}
	if !outcome.Applied {
		log.Printf("ℹ️  [IDEMPOTENCY] Receipt refunded concurrently | ReceiptID=%s", receiptID)
		return RefundResult{Status: RefundStatusAlreadyRefunded, Receipt: outcome.Receipt}, nil
	}

	refunded := outcome.Receipt
	uc.metrics.refunded(ctx, refunded.RoomID)
	log.Printf("✅ [REFUND] Success: ReceiptID=%s Tier=%s Qty=%d Sold=%d Available=%d",
		receiptID, refunded.TierName, refunded.Quantity, outcome.Mutation.Sold, outcome.Mutation.Available)

	// 3. Efeitos externos, depois do commit
	if outcome.MembershipRevoked {
		if err := uc.rooms.RemoveMember(ctx, refunded.RoomID, refunded.UserID); err != nil {
			log.Printf("❌ [MEMBERSHIP] Failed to remove member, queued | RoomID=%s | UserID=%s | Error=%v",
				refunded.RoomID, refunded.UserID, err)
			uc.enqueue(ctx, refunded, SideEffectMembershipRevoke, err)
		}
	}

	if err := uc.refunds.RequestProviderRefund(ctx, refunded); err != nil {
		log.Printf("❌ [REFUND] Provider refund dispatch failed, queued | ReceiptID=%s | Error=%v", receiptID, err)
		uc.enqueue(ctx, refunded, SideEffectProviderRefund, err)
	}

	if err := uc.events.Publish(ctx, RoutingTicketRefunded, TicketRefundedEvent{
		ReceiptID:         refunded.ReceiptID,
		TicketID:          refunded.TicketID,
		RoomID:            refunded.RoomID,
		BuyerID:           refunded.UserID,
		Quantity:          refunded.Quantity,
		TotalAmount:       refunded.TotalAmount,
		MembershipRevoked: outcome.MembershipRevoked,
		OccurredAt:        uc.clock.Now(),
	}); err != nil {
		log.Printf("❌ [EVENTS] Failed to publish %s: %v", RoutingTicketRefunded, err)
	}

	return RefundResult{
		Status:            RefundStatusRefunded,
		Receipt:           refunded,
		MembershipRevoked: outcome.MembershipRevoked,
	}, nil
}

func (uc *RefundUseCase) enqueue(ctx context.Context, receipt *Receipt, kind SideEffectKind, cause error) {
	now := uc.clock.Now()
	effect := SideEffect{
		PaymentReference: receipt.PaymentReference,
		Kind:             kind,
		RoomID:           receipt.RoomID,
		BuyerID:          receipt.UserID,
		TierName:         receipt.TierName,
		Quantity:         receipt.Quantity,
		ReceiptID:        receipt.ReceiptID,
		TicketID:         receipt.TicketID,
		LastError:        cause.Error(),
		CreatedAt:        now,
		NextAttemptAt:    now,
	}
	if _, err := uc.queue.Enqueue(ctx, effect); err != nil {
		log.Printf("❌ [SIDE EFFECT] Failed to enqueue %s: %v", effect.Key(), err)
	}
}
