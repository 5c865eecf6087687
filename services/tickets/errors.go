package main

// TicketingError é o erro de negócio do serviço de ingressos. Code é estável e
// é o que a camada HTTP devolve ao cliente.
type TicketingError struct {
	Code    string
	Message string
}

func (e *TicketingError) Error() string {
	return e.Message
}

// Erros de inventário
var (
	ErrInventoryNotFound = &TicketingError{Code: "inventory_not_found", Message: "paid room inventory not found"}
	ErrInventoryExists   = &TicketingError{Code: "inventory_exists", Message: "paid room inventory already exists"}
	ErrInvalidInventory  = &TicketingError{Code: "invalid_inventory", Message: "invalid paid room inventory"}
	ErrTierNotFound      = &TicketingError{Code: "tier_not_found", Message: "ticket tier not found"}
	ErrTierInactive      = &TicketingError{Code: "tier_inactive", Message: "ticket tier is not on sale"}
	ErrInsufficientStock = &TicketingError{Code: "insufficient_stock", Message: "insufficient stock"}
	ErrInvalidQuantity   = &TicketingError{Code: "invalid_quantity", Message: "quantity must be at least 1"}
	ErrInvalidSale       = &TicketingError{Code: "invalid_sale", Message: "room, tier and buyer are required"}
	ErrInvalidRefund     = &TicketingError{Code: "invalid_refund", Message: "refund would leave tier sold below zero"}
)

// Erros de recibo
var (
	ErrReceiptNotFound = &TicketingError{Code: "receipt_not_found", Message: "receipt not found"}
	ErrInvalidReceipt  = &TicketingError{Code: "invalid_receipt", Message: "invalid receipt transition"}
)

// Erros do webhook e da credencial de entrada
var (
	ErrInvalidSignature  = &TicketingError{Code: "invalid_signature", Message: "invalid webhook signature"}
	ErrMalformedEvent    = &TicketingError{Code: "malformed_event", Message: "malformed payment event"}
	ErrInvalidCredential = &TicketingError{Code: "invalid_credential", Message: "invalid entry credential"}
)
