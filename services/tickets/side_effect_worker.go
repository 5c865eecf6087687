package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// SideEffectPolicy controla lote, tentativas e backoff do worker
type SideEffectPolicy struct {
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultSideEffectPolicy é a política usada quando a configuração não define outra
var DefaultSideEffectPolicy = SideEffectPolicy{
	BatchSize:   50,
	MaxAttempts: 10,
	BaseBackoff: 5 * time.Second,
	MaxBackoff:  10 * time.Minute,
}

// SideEffectWorker reexecuta efeitos colaterais pendentes. Nunca toca no inventário:
// a venda já aconteceu e só o que veio depois dela é refeito.
type SideEffectWorker struct {
	queue    SideEffectQueue
	receipts ReceiptStore
	issuer   CredentialIssuer
	rooms    RoomMembership
	refunds  RefundDispatcher
	events   EventPublisher
	clock    Clock
	metrics  *ticketingMetrics
	policy   SideEffectPolicy
}

// NewSideEffectWorker cria uma nova instância de SideEffectWorker
func NewSideEffectWorker(
	queue SideEffectQueue,
	receipts ReceiptStore,
	issuer CredentialIssuer,
	rooms RoomMembership,
	refunds RefundDispatcher,
	events EventPublisher,
	clock Clock,
	metrics *ticketingMetrics,
	policy SideEffectPolicy,
) *SideEffectWorker {
	return &SideEffectWorker{
		queue:    queue,
		receipts: receipts,
		issuer:   issuer,
		rooms:    rooms,
		refunds:  refunds,
		events:   events,
		clock:    clock,
		metrics:  metrics,
		policy:   policy,
	}
}

// RunOnce processa um lote de entradas vencidas e devolve quantas tiveram sucesso
func (w *SideEffectWorker) RunOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	due, err := w.queue.Due(ctx, now, w.policy.BatchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, effect := range due {
		if err := w.execute(ctx, effect); err != nil {
			w.metrics.sideEffect(ctx, effect.Kind, "failed")
			if err := w.retryLater(ctx, effect, err); err != nil {
				log.Printf("❌ [SIDE EFFECT] Failed to reschedule %s: %v", effect.Key(), err)
			}
			continue
		}

		if err := w.queue.Complete(ctx, effect); err != nil {
			log.Printf("❌ [SIDE EFFECT] Failed to complete %s: %v", effect.Key(), err)
			continue
		}
		w.metrics.sideEffect(ctx, effect.Kind, "succeeded")
		log.Printf("✅ [SIDE EFFECT] %s done after %d attempt(s)", effect.Key(), effect.Attempts+1)
		done++
	}
	return done, nil
}

func (w *SideEffectWorker) execute(ctx context.Context, effect SideEffect) error {
	switch effect.Kind {
	case SideEffectMembership:
		return w.rooms.AddMember(ctx, effect.RoomID, effect.BuyerID)

	case SideEffectMembershipRevoke:
		return w.rooms.RemoveMember(ctx, effect.RoomID, effect.BuyerID)

	case SideEffectCredential:
		receipt, err := w.receipts.Get(ctx, effect.ReceiptID)
		if err != nil {
			return err
		}
		if receipt.HasCredential() {
			return nil
		}
		cred, err := w.issuer.IssueCredential(receipt.RoomID, receipt.UserID, receipt.TicketID)
		if err != nil {
			return err
		}
		return w.receipts.UpdateCredential(ctx, receipt.ReceiptID, cred)

	case SideEffectReceipt:
		if effect.Receipt == nil {
			return fmt.Errorf("side effect %s has no receipt", effect.Key())
		}
		receipt := *effect.Receipt
		if !receipt.HasCredential() && receipt.TicketID != "" {
			if cred, err := w.issuer.IssueCredential(receipt.RoomID, receipt.UserID, receipt.TicketID); err == nil {
				receipt.EntryCredential = cred.Token
				receipt.QRCode = cred.QRCode
			}
		}
		err := w.receipts.Finalize(ctx, &receipt)
		if errors.Is(err, ErrReceiptNotFound) {
			_, _, err = w.receipts.Save(ctx, &receipt)
		}
		return err

	case SideEffectProviderRefund:
		receipt, err := w.receipts.Get(ctx, effect.ReceiptID)
		if err != nil {
			return err
		}
		return w.refunds.RequestProviderRefund(ctx, receipt)

	default:
		return fmt.Errorf("unknown side effect kind %q", effect.Kind)
	}
}

func (w *SideEffectWorker) retryLater(ctx context.Context, effect SideEffect, cause error) error {
	effect.Attempts++
	effect.LastError = cause.Error()

	if effect.Attempts >= w.policy.MaxAttempts {
		log.Printf("☠️  [SIDE EFFECT] Giving up on %s after %d attempts: %v", effect.Key(), effect.Attempts, cause)
		w.metrics.alert(ctx, "side_effect_exhausted")
		alert := ReconciliationAlert{
			Reason:           "side_effect_exhausted",
			ReceiptID:        effect.ReceiptID,
			RoomID:           effect.RoomID,
			BuyerID:          effect.BuyerID,
			TierName:         effect.TierName,
			Quantity:         effect.Quantity,
			PaymentReference: effect.PaymentReference,
			Detail:           fmt.Sprintf("%s: %s", effect.Kind, effect.LastError),
			OccurredAt:       w.clock.Now(),
		}
		if err := w.events.Publish(ctx, RoutingReconciliationRequired, alert); err != nil {
			// mantém a entrada na fila para não perder o alerta
			effect.NextAttemptAt = w.clock.Now().Add(w.policy.MaxBackoff)
			return w.queue.Reschedule(ctx, effect)
		}
		return w.queue.Complete(ctx, effect)
	}

	effect.NextAttemptAt = w.clock.Now().Add(w.policy.backoff(effect.Attempts))
	log.Printf("🔁 [SIDE EFFECT] %s failed (attempt %d), retrying at %s: %v",
		effect.Key(), effect.Attempts, effect.NextAttemptAt.Format(time.RFC3339), cause)
	return w.queue.Reschedule(ctx, effect)
}

// backoff cresce exponencialmente a partir de BaseBackoff, limitado a MaxBackoff
func (p SideEffectPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
