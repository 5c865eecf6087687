package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VerifyResult é a resposta da leitura de um ingresso na porta da sala
type VerifyResult struct {
	Valid    bool     `json:"valid"`
	Reason   string   `json:"reason,omitempty"`
	RoomID   string   `json:"room_id,omitempty"`
	BuyerID  string   `json:"buyer_id,omitempty"`
	TicketID string   `json:"ticket_id,omitempty"`
	Receipt  *Receipt `json:"receipt,omitempty"`
}

// VerifyUseCase valida credenciais de entrada contra o estado atual do recibo.
// Um ingresso reembolsado nunca volta a ser aceito, mesmo com assinatura válida.
type VerifyUseCase struct {
	issuer   *TicketIssuer
	receipts ReceiptStore
	tracer   trace.Tracer
}

// NewVerifyUseCase cria uma nova instância de VerifyUseCase
func NewVerifyUseCase(issuer *TicketIssuer, receipts ReceiptStore, tracer trace.Tracer) *VerifyUseCase {
	return &VerifyUseCase{
		issuer:   issuer,
		receipts: receipts,
		tracer:   tracer,
	}
}

// Verify decodifica a credencial e confere o recibo correspondente
func (uc *VerifyUseCase) Verify(ctx context.Context, credential string) (VerifyResult, error) {
	ctx, span := uc.tracer.Start(ctx, "tickets.verify")
	defer span.End()

	claims, err := uc.issuer.ParseCredential(credential)
	if err != nil {
		log.Printf("⛔ [VERIFY] Rejected credential: %v", err)
		return VerifyResult{Valid: false, Reason: "invalid_credential"}, nil
	}

	span.SetAttributes(
		attribute.String("ticket_id", claims.TicketID),
		attribute.String("room_id", claims.RoomID),
	)

	result := VerifyResult{RoomID: claims.RoomID, BuyerID: claims.BuyerID, TicketID: claims.TicketID}

	receipt, err := uc.receipts.GetByTicketID(ctx, claims.TicketID)
	if errors.Is(err, ErrReceiptNotFound) {
		result.Reason = "unknown_ticket"
		return result, nil
	}
	if err != nil {
		span.RecordError(err)
		return VerifyResult{}, fmt.Errorf("failed to load receipt: %w", err)
	}

	result.Receipt = receipt
	switch {
	case receipt.RoomID != claims.RoomID || receipt.UserID != claims.BuyerID:
		result.Reason = "ticket_mismatch"
	case receipt.Status == ReceiptStatusRefunded:
		result.Reason = "ticket_refunded"
	case receipt.Status != ReceiptStatusCompleted:
		result.Reason = "ticket_not_active"
	default:
		result.Valid = true
	}

	if result.Valid {
		log.Printf("✅ [VERIFY] Ticket accepted: TicketID=%s RoomID=%s", claims.TicketID, claims.RoomID)
	} else {
		log.Printf("⛔ [VERIFY] Ticket rejected: TicketID=%s Reason=%s", claims.TicketID, result.Reason)
	}
	return result, nil
}
