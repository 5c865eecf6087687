package main

import (
	"context"
	"time"
)

// InventoryStore define as operações atômicas sobre o inventário de salas pagas.
// Nenhuma implementação expõe "ler, alterar, gravar": toda mutação de tier é uma
// atualização condicional que o próprio store avalia no momento da escrita.
type InventoryStore interface {
	Create(ctx context.Context, inventory *PaidRoomInventory) error
	Load(ctx context.Context, roomID string) (*PaidRoomInventory, error)
	// ConditionalDecrement vende quantity unidades do tier somente se available >= quantity.
	// Os agregados do inventário, PaidUsers e as unidades detidas pelo comprador são
	// atualizados na mesma operação.
	ConditionalDecrement(ctx context.Context, roomID, tierName string, quantity int, buyerID string) (TierMutation, error)
	// ConditionalIncrement devolve quantity unidades ao tier somente se sold >= quantity.
	ConditionalIncrement(ctx context.Context, roomID, tierName string, quantity int) (TierMutation, error)
	// RecordEventApplied registra o evento no ledger da sala. Retorna false se já existia.
	RecordEventApplied(ctx context.Context, roomID, eventID string) (bool, error)
}

// ReceiptStore define a persistência de recibos. Save é idempotente por PaymentReference:
// gravar um recibo pendente é o que reivindica o pagamento antes da venda.
type ReceiptStore interface {
	Save(ctx context.Context, receipt *Receipt) (*Receipt, bool, error)
	// Finalize grava o desfecho (completed ou failed) de um recibo pendente.
	// Regravar o mesmo desfecho não é erro.
	Finalize(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, receiptID string) (*Receipt, error)
	GetByPaymentReference(ctx context.Context, paymentReference string) (*Receipt, error)
	GetByTicketID(ctx context.Context, ticketID string) (*Receipt, error)
	List(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error)
	UpdateCredential(ctx context.Context, receiptID string, cred Credential) error
}

// RefundStore aplica um reembolso inteiro numa única transação: devolve as unidades
// ao tier, estorna a receita, marca o recibo como reembolsado (apenas se ainda
// estiver concluído) e remove o comprador de PaidUsers quando as unidades que ele
// detém na sala chegam a zero. As unidades detidas mudam junto com o estoque, então
// uma compra ainda sem recibo já conta.
type RefundStore interface {
	ApplyRefund(ctx context.Context, receiptID string, refundedAt time.Time) (RefundOutcome, error)
}

// TicketingStore agrupa tudo o que um backend de persistência precisa oferecer
type TicketingStore interface {
	InventoryStore
	ReceiptStore
	RefundStore
	Close(ctx context.Context) error
}
