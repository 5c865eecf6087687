package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	TicketingExchange = "ticketing_events"

	RoutingTicketPurchased        = "ticket.purchased"
	RoutingTicketRefunded         = "ticket.refunded"
	RoutingReconciliationRequired = "fulfillment.reconciliation_required"
)

// EventPublisher publica eventos de domínio para outros serviços
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
}

// TicketPurchasedEvent é publicado quando um recibo é concluído
type TicketPurchasedEvent struct {
	ReceiptID        string    `json:"receipt_id"`
	TicketID         string    `json:"ticket_id"`
	RoomID           string    `json:"room_id"`
	BuyerID          string    `json:"buyer_id"`
	TierName         string    `json:"tier_name"`
	Quantity         int       `json:"quantity"`
	TotalAmount      int64     `json:"total_amount"`
	PaymentReference string    `json:"payment_reference"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// TicketRefundedEvent é publicado quando um reembolso é aplicado
type TicketRefundedEvent struct {
	ReceiptID         string    `json:"receipt_id"`
	TicketID          string    `json:"ticket_id"`
	RoomID            string    `json:"room_id"`
	BuyerID           string    `json:"buyer_id"`
	Quantity          int       `json:"quantity"`
	TotalAmount       int64     `json:"total_amount"`
	MembershipRevoked bool      `json:"membership_revoked"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// ReconciliationAlert sinaliza um pagamento capturado que não virou ingresso
// (ou um efeito colateral que esgotou as tentativas)
type ReconciliationAlert struct {
	Reason           string    `json:"reason"`
	EventID          string    `json:"event_id,omitempty"`
	ReceiptID        string    `json:"receipt_id,omitempty"`
	RoomID           string    `json:"room_id"`
	BuyerID          string    `json:"buyer_id"`
	TierName         string    `json:"tier_name,omitempty"`
	Quantity         int       `json:"quantity,omitempty"`
	PaymentReference string    `json:"payment_reference"`
	RefundEligible   bool      `json:"refund_eligible"`
	Detail           string    `json:"detail,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// EventProducer publishes JSON events on a durable topic exchange.
type EventProducer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	mu       sync.Mutex
}

// NewEventProducer dials RabbitMQ and declares the exchange once.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &EventProducer{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

// Publish marshals body to JSON and publishes it with the given routing key.
// amqp091 channels are not safe for concurrent publishing, hence the mutex.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	log.Printf("📤 [EVENTS] Published %s", routingKey)
	return nil
}

// Close closes the channel and the connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LogPublisher only logs events. Used when RABBITMQ_URL is not configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	log.Printf("📤 [EVENTS] %s %s", routingKey, payload)
	return nil
}
