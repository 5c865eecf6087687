package main

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TierInput é a definição de um tier no cadastro do inventário
type TierInput struct {
	Name          string `json:"name" binding:"required"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	UnitPrice     int64  `json:"unit_price"`
	TotalCapacity int    `json:"total_capacity"`
	Active        *bool  `json:"active"`
}

// InventoryUseCase cadastra e consulta inventários de salas pagas
type InventoryUseCase struct {
	inventory InventoryStore
	clock     Clock
	tracer    trace.Tracer
}

// NewInventoryUseCase cria uma nova instância de InventoryUseCase
func NewInventoryUseCase(inventory InventoryStore, clock Clock, tracer trace.Tracer) *InventoryUseCase {
	return &InventoryUseCase{
		inventory: inventory,
		clock:     clock,
		tracer:    tracer,
	}
}

// Create valida e grava o inventário de uma sala. Tiers sem "active" ficam à venda.
func (uc *InventoryUseCase) Create(ctx context.Context, roomID string, inputs []TierInput) (*PaidRoomInventory, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.create")
	defer span.End()

	span.SetAttributes(
		attribute.String("room_id", roomID),
		attribute.Int("tiers", len(inputs)),
	)

	tiers := make([]Tier, 0, len(inputs))
	for _, in := range inputs {
		active := true
		if in.Active != nil {
			active = *in.Active
		}
		tiers = append(tiers, Tier{
			Name:          in.Name,
			Title:         in.Title,
			Description:   in.Description,
			UnitPrice:     in.UnitPrice,
			TotalCapacity: in.TotalCapacity,
			Active:        active,
		})
	}

	inv, err := NewPaidRoomInventory(roomID, tiers, uc.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := uc.inventory.Create(ctx, inv); err != nil {
		span.RecordError(err)
		log.Printf("❌ CREATE INVENTORY FAILED: RoomID=%s | Error=%v", roomID, err)
		return nil, err
	}

	log.Printf("✅ [INVENTORY] Created: RoomID=%s Tiers=%d Capacity=%d", roomID, len(inv.Tiers), inv.TotalCapacity)
	return inv, nil
}

// Get devolve o inventário atual da sala
func (uc *InventoryUseCase) Get(ctx context.Context, roomID string) (*PaidRoomInventory, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.get")
	defer span.End()

	span.SetAttributes(attribute.String("room_id", roomID))
	return uc.inventory.Load(ctx, roomID)
}
