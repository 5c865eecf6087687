package main

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ticketingMetrics holds the business counters exported over OTLP.
type ticketingMetrics struct {
	ticketsSold          metric.Int64Counter
	salesRejected        metric.Int64Counter
	refunds              metric.Int64Counter
	webhookEvents        metric.Int64Counter
	reconciliationAlerts metric.Int64Counter
	sideEffects          metric.Int64Counter
}

// newTicketingMetrics registers the counters on the global meter provider.
// Without a configured provider the counters are no-ops.
func newTicketingMetrics(serviceName string) *ticketingMetrics {
	meter := otel.Meter(serviceName)
	return &ticketingMetrics{
		ticketsSold:          mustCounter(meter, "tickets.sold", "Ticket units sold"),
		salesRejected:        mustCounter(meter, "tickets.sales_rejected", "Sale attempts rejected by the inventory store"),
		refunds:              mustCounter(meter, "tickets.refunds", "Receipts refunded"),
		webhookEvents:        mustCounter(meter, "tickets.webhook_events", "Payment webhook deliveries by outcome"),
		reconciliationAlerts: mustCounter(meter, "tickets.reconciliation_alerts", "Paid purchases that could not be fulfilled"),
		sideEffects:          mustCounter(meter, "tickets.side_effects", "Side effect executions by kind and result"),
	}
}

func mustCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		log.Printf("⚠️  Failed to create counter %s: %v", name, err)
		counter, _ = otel.Meter("noop").Int64Counter(name)
	}
	return counter
}

func (m *ticketingMetrics) sold(ctx context.Context, roomID, tier string, quantity int) {
	m.ticketsSold.Add(ctx, int64(quantity), metric.WithAttributes(
		attribute.String("room_id", roomID),
		attribute.String("tier", tier),
	))
}

func (m *ticketingMetrics) rejected(ctx context.Context, reason string) {
	m.salesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *ticketingMetrics) refunded(ctx context.Context, roomID string) {
	m.refunds.Add(ctx, 1, metric.WithAttributes(attribute.String("room_id", roomID)))
}

func (m *ticketingMetrics) webhook(ctx context.Context, outcome FulfillmentOutcome) {
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *ticketingMetrics) alert(ctx context.Context, reason string) {
	m.reconciliationAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *ticketingMetrics) sideEffect(ctx context.Context, kind SideEffectKind, result string) {
	m.sideEffects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("result", result),
	))
}
