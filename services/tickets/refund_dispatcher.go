package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dtm-labs/client/dtmcli"
	"go.opentelemetry.io/otel/trace"
)

// RefundDispatcher pede ao provedor de pagamento o estorno de um recibo reembolsado
type RefundDispatcher interface {
	RequestProviderRefund(ctx context.Context, receipt *Receipt) error
}

// ProviderRefundRequest é o payload entregue ao endpoint de estorno do provedor
type ProviderRefundRequest struct {
	ReceiptID        string `json:"receipt_id"`
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"`
	IdempotencyKey   string `json:"idempotency_key"`
	// Manual trace context propagation
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// DTMRefundDispatcher entrega o estorno como uma mensagem transacional do DTM: o
// servidor DTM faz o retry até o endpoint de estorno confirmar
type DTMRefundDispatcher struct {
	dtmServer string
	refundURL string
}

// NewDTMRefundDispatcher cria uma nova instância de DTMRefundDispatcher
func NewDTMRefundDispatcher(dtmServer, refundURL string) *DTMRefundDispatcher {
	return &DTMRefundDispatcher{
		dtmServer: dtmServer,
		refundURL: refundURL,
	}
}

// RequestProviderRefund submete a mensagem. O gid é derivado do recibo, então
// uma segunda submissão do mesmo estorno é recusada pelo DTM como duplicada.
func (d *DTMRefundDispatcher) RequestProviderRefund(ctx context.Context, receipt *Receipt) error {
	var traceID, spanID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		spanID = span.SpanContext().SpanID().String()
	}

	gid := "refund-" + receipt.ReceiptID

	log.Printf("🚀 Starting refund MSG | TraceID: %s | GID: %s | PaymentReference: %s", traceID, gid, receipt.PaymentReference)

	msg := dtmcli.NewMsg(d.dtmServer, gid).
		Add(d.refundURL, &ProviderRefundRequest{
			ReceiptID:        receipt.ReceiptID,
			PaymentReference: receipt.PaymentReference,
			Amount:           receipt.TotalAmount,
			IdempotencyKey:   gid,
			TraceID:          traceID,
			SpanID:           spanID,
		})

	if err := msg.Submit(); err != nil {
		if strings.Contains(err.Error(), "DUPLICATED") {
			log.Printf("ℹ️  [IDEMPOTENCY] Refund MSG already submitted - GID: %s", gid)
			return nil
		}
		log.Printf("❌ Refund MSG failed: %v", err)
		return fmt.Errorf("failed to submit provider refund: %w", err)
	}

	log.Printf("✅ Refund MSG submitted successfully - GID: %s, ReceiptID: %s", gid, receipt.ReceiptID)
	return nil
}

// LogRefundDispatcher só registra o pedido. Usado quando DTM_SERVER não está configurado.
type LogRefundDispatcher struct{}

func (LogRefundDispatcher) RequestProviderRefund(ctx context.Context, receipt *Receipt) error {
	log.Printf("ℹ️  [REFUND] Provider refund not dispatched (DTM not configured): ReceiptID=%s PaymentReference=%s Amount=%d",
		receipt.ReceiptID, receipt.PaymentReference, receipt.TotalAmount)
	return nil
}
