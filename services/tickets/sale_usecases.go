package main

import (
	"context"
	"errors"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SellRequest representa uma venda de quantity unidades de um tier
type SellRequest struct {
	RoomID   string
	TierName string
	Quantity int
	BuyerID  string
}

// SaleUseCase é o motor de vendas. Não lê estoque para decidir: delega ao store
// uma única atualização condicional, então o perdedor de uma corrida recebe
// ErrInsufficientStock da comparação feita na escrita.
type SaleUseCase struct {
	inventory InventoryStore
	tracer    trace.Tracer
	metrics   *ticketingMetrics
}

// NewSaleUseCase cria uma nova instância de SaleUseCase
func NewSaleUseCase(inventory InventoryStore, tracer trace.Tracer, metrics *ticketingMetrics) *SaleUseCase {
	return &SaleUseCase{
		inventory: inventory,
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Sell vende todas as unidades pedidas ou nenhuma
func (uc *SaleUseCase) Sell(ctx context.Context, req SellRequest) (SaleResult, error) {
	ctx, span := uc.tracer.Start(ctx, "tickets.sell")
	defer span.End()

	span.SetAttributes(
		attribute.String("room_id", req.RoomID),
		attribute.String("tier", req.TierName),
		attribute.Int("quantity", req.Quantity),
	)

	log.Printf("➡️ [SELL] RoomID=%s | Tier=%s | Qty=%d | BuyerID=%s", req.RoomID, req.TierName, req.Quantity, req.BuyerID)

	if req.Quantity < 1 {
		uc.metrics.rejected(ctx, ErrInvalidQuantity.Code)
		return SaleResult{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(req.RoomID) == "" || strings.TrimSpace(req.TierName) == "" || strings.TrimSpace(req.BuyerID) == "" {
		uc.metrics.rejected(ctx, ErrInvalidSale.Code)
		return SaleResult{}, ErrInvalidSale
	}

	mutation, err := uc.inventory.ConditionalDecrement(ctx, req.RoomID, req.TierName, req.Quantity, req.BuyerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		uc.metrics.rejected(ctx, errorCode(err))
		log.Printf("❌ SELL FAILED: RoomID=%s | Tier=%s | Qty=%d | Error=%v", req.RoomID, req.TierName, req.Quantity, err)
		return SaleResult{}, err
	}

	result := SaleResult{
		RoomID:       req.RoomID,
		TierName:     mutation.TierName,
		BuyerID:      req.BuyerID,
		Quantity:     req.Quantity,
		UnitPrice:    mutation.UnitPrice,
		NewSold:      mutation.Sold,
		NewAvailable: mutation.Available,
		RevenueDelta: mutation.UnitPrice * int64(req.Quantity),
	}

	uc.metrics.sold(ctx, req.RoomID, mutation.TierName, req.Quantity)
	log.Printf("✅ [SELL] Success: RoomID=%s Tier=%s Qty=%d Sold=%d Available=%d",
		req.RoomID, mutation.TierName, req.Quantity, mutation.Sold, mutation.Available)
	return result, nil
}

// errorCode devolve o código estável de um TicketingError, ou "internal"
func errorCode(err error) string {
	var te *TicketingError
	if errors.As(err, &te) {
		return te.Code
	}
	return "internal"
}
