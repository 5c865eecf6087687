package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SideEffectKind identifica a ação pós-venda a ser refeita
type SideEffectKind string

const (
	SideEffectMembership       SideEffectKind = "membership"
	SideEffectCredential       SideEffectKind = "credential"
	SideEffectReceipt          SideEffectKind = "receipt"
	SideEffectMembershipRevoke SideEffectKind = "membership_revoke"
	SideEffectProviderRefund   SideEffectKind = "provider_refund"
)

// SideEffect é uma ação pós-venda que falhou e precisa ser refeita. Todas as
// ações são idempotentes, então reexecutar uma entrada nunca duplica efeito.
type SideEffect struct {
	PaymentReference string         `json:"payment_reference"`
	Kind             SideEffectKind `json:"kind"`
	RoomID           string         `json:"room_id"`
	BuyerID          string         `json:"buyer_id"`
	TierName         string         `json:"tier_name,omitempty"`
	Quantity         int            `json:"quantity,omitempty"`
	UnitPrice        int64          `json:"unit_price,omitempty"`
	ReceiptID        string         `json:"receipt_id,omitempty"`
	TicketID         string         `json:"ticket_id,omitempty"`
	Receipt          *Receipt       `json:"receipt,omitempty"`
	Attempts         int            `json:"attempts"`
	NextAttemptAt    time.Time      `json:"next_attempt_at"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Key identifica a entrada na fila: uma por (PaymentReference, Kind)
func (e SideEffect) Key() string {
	return e.PaymentReference + ":" + string(e.Kind)
}

// SideEffectQueue guarda efeitos colaterais pendentes. Enqueue é idempotente por Key.
type SideEffectQueue interface {
	Enqueue(ctx context.Context, effect SideEffect) (bool, error)
	Due(ctx context.Context, now time.Time, limit int) ([]SideEffect, error)
	Complete(ctx context.Context, effect SideEffect) error
	Reschedule(ctx context.Context, effect SideEffect) error
}

const (
	sideEffectsHashKey = "tickets:side_effects"
	sideEffectsDueKey  = "tickets:side_effects:due"
)

// RedisSideEffectQueue guarda as entradas num hash (Key -> JSON) e agenda por um
// sorted set com score = NextAttemptAt em unix ms
type RedisSideEffectQueue struct {
	client redis.UniversalClient
}

// NewRedisSideEffectQueue cria a fila sobre um cliente Redis já conectado
func NewRedisSideEffectQueue(client redis.UniversalClient) *RedisSideEffectQueue {
	return &RedisSideEffectQueue{client: client}
}

func (q *RedisSideEffectQueue) Enqueue(ctx context.Context, effect SideEffect) (bool, error) {
	payload, err := json.Marshal(effect)
	if err != nil {
		return false, fmt.Errorf("failed to marshal side effect: %w", err)
	}

	created, err := q.client.HSetNX(ctx, sideEffectsHashKey, effect.Key(), payload).Result()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue side effect: %w", err)
	}
	if !created {
		return false, nil
	}

	if err := q.client.ZAddNX(ctx, sideEffectsDueKey, redis.Z{
		Score:  float64(effect.NextAttemptAt.UnixMilli()),
		Member: effect.Key(),
	}).Err(); err != nil {
		return false, fmt.Errorf("failed to schedule side effect: %w", err)
	}
	return true, nil
}

func (q *RedisSideEffectQueue) Due(ctx context.Context, now time.Time, limit int) ([]SideEffect, error) {
	keys, err := q.client.ZRangeByScore(ctx, sideEffectsDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due side effects: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := q.client.HMGet(ctx, sideEffectsHashKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load side effects: %w", err)
	}

	effects := make([]SideEffect, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// entrada órfã no sorted set
			_ = q.client.ZRem(ctx, sideEffectsDueKey, keys[i]).Err()
			continue
		}
		var effect SideEffect
		if err := json.Unmarshal([]byte(raw), &effect); err != nil {
			return nil, fmt.Errorf("failed to decode side effect %s: %w", keys[i], err)
		}
		effects = append(effects, effect)
	}
	return effects, nil
}

func (q *RedisSideEffectQueue) Complete(ctx context.Context, effect SideEffect) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, sideEffectsHashKey, effect.Key())
		pipe.ZRem(ctx, sideEffectsDueKey, effect.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete side effect: %w", err)
	}
	return nil
}

func (q *RedisSideEffectQueue) Reschedule(ctx context.Context, effect SideEffect) error {
	payload, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("failed to marshal side effect: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sideEffectsHashKey, effect.Key(), payload)
		pipe.ZAdd(ctx, sideEffectsDueKey, redis.Z{
			Score:  float64(effect.NextAttemptAt.UnixMilli()),
			Member: effect.Key(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule side effect: %w", err)
	}
	return nil
}

// MemorySideEffectQueue é a fila em memória, usada sem Redis e nos testes
type MemorySideEffectQueue struct {
	mu      sync.Mutex
	entries map[string]SideEffect
}

// NewMemorySideEffectQueue cria uma fila vazia
func NewMemorySideEffectQueue() *MemorySideEffectQueue {
	return &MemorySideEffectQueue{entries: make(map[string]SideEffect)}
}

func (q *MemorySideEffectQueue) Enqueue(ctx context.Context, effect SideEffect) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[effect.Key()]; exists {
		return false, nil
	}
	q.entries[effect.Key()] = effect
	return true, nil
}

func (q *MemorySideEffectQueue) Due(ctx context.Context, now time.Time, limit int) ([]SideEffect, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]SideEffect, 0)
	for _, e := range q.entries {
		if !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *MemorySideEffectQueue) Complete(ctx context.Context, effect SideEffect) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, effect.Key())
	return nil
}

func (q *MemorySideEffectQueue) Reschedule(ctx context.Context, effect SideEffect) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries[effect.Key()] = effect
	return nil
}

// Pending devolve uma cópia das entradas pendentes
func (q *MemorySideEffectQueue) Pending() []SideEffect {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]SideEffect, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
