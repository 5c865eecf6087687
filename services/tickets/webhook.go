package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader        = "Payment-Signature"
	EventCheckoutCompleted = "checkout.session.completed"
)

// WebhookVerifier valida a assinatura HMAC-SHA256 enviada pelo provedor de pagamento.
// Header: "t=<unix>,v1=<hex>" onde hex = HMAC(secret, t + "." + body).
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	clock     Clock
}

// NewWebhookVerifier cria um verificador. tolerance <= 0 desliga a checagem de replay.
func NewWebhookVerifier(secret string, tolerance time.Duration, clock Clock) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		clock:     clock,
	}
}

// Verify confere a assinatura sobre o corpo bruto da requisição
func (v *WebhookVerifier) Verify(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrInvalidSignature)
	}
	if v.tolerance > 0 {
		age := v.clock.Now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	expected := v.sign(timestamp, body)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// SignatureHeaderFor monta o header que o provedor enviaria para body no instante at
func (v *WebhookVerifier) SignatureHeaderFor(body []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(v.sign(timestamp, body))
}

func (v *WebhookVerifier) sign(timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// PaymentEvent é o envelope do evento de webhook do provedor
type PaymentEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object PaymentEventObject `json:"object"`
	} `json:"data"`
}

// PaymentEventObject é a sessão de checkout contida no evento
type PaymentEventObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// PurchaseIntent são os dados de compra extraídos de um evento de checkout concluído
type PurchaseIntent struct {
	EventID          string
	RoomID           string
	BuyerID          string
	TierTitle        string
	Quantity         int
	PaymentReference string
}

// ParsePaymentEvent decodifica o corpo do webhook
func ParsePaymentEvent(body []byte) (PaymentEvent, error) {
	var evt PaymentEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return PaymentEvent{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	return evt, nil
}

// ExtractPurchase extrai a intenção de compra dos metadados da sessão de checkout.
// quantity ausente vale 1; paymentReference ausente cai para payment_intent e
// depois para o id da sessão.
func ExtractPurchase(evt PaymentEvent) (PurchaseIntent, error) {
	obj := evt.Data.Object
	md := obj.Metadata

	intent := PurchaseIntent{
		EventID:          evt.ID,
		RoomID:           strings.TrimSpace(md["roomId"]),
		BuyerID:          strings.TrimSpace(md["buyerId"]),
		TierTitle:        strings.TrimSpace(md["tierTitle"]),
		Quantity:         1,
		PaymentReference: strings.TrimSpace(md["paymentReference"]),
	}

	var missing []string
	if intent.EventID == "" {
		missing = append(missing, "id")
	}
	if intent.RoomID == "" {
		missing = append(missing, "roomId")
	}
	if intent.BuyerID == "" {
		missing = append(missing, "buyerId")
	}
	if intent.TierTitle == "" {
		missing = append(missing, "tierTitle")
	}
	if len(missing) > 0 {
		return PurchaseIntent{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}

	if raw := strings.TrimSpace(md["quantity"]); raw != "" {
		qty, err := strconv.Atoi(raw)
		if err != nil || qty < 1 {
			return PurchaseIntent{}, fmt.Errorf("%w: invalid quantity %q", ErrMalformedEvent, raw)
		}
		intent.Quantity = qty
	}

	if intent.PaymentReference == "" {
		intent.PaymentReference = obj.PaymentIntent
	}
	if intent.PaymentReference == "" {
		intent.PaymentReference = obj.ID
	}
	if intent.PaymentReference == "" {
		return PurchaseIntent{}, fmt.Errorf("%w: missing paymentReference", ErrMalformedEvent)
	}

	return intent, nil
}
