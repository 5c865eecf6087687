package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

// RoomMembership abstrai a lista de membros de uma sala, mantida pelo serviço de salas.
// Ambas as operações são idempotentes do lado do serviço (add/remove de conjunto).
type RoomMembership interface {
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
}

// RoomsClient implementa RoomMembership chamando o serviço de salas via HTTP
type RoomsClient struct {
	client *resty.Client
}

type memberRequest struct {
	UserID string `json:"userId"`
}

// NewRoomsClient cria um cliente com retry curto; falhas persistentes vão para a fila de efeitos colaterais
func NewRoomsClient(baseURL string, timeout time.Duration) *RoomsClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &RoomsClient{client: client}
}

// AddMember adiciona o comprador à lista de quem entrou na sala
func (c *RoomsClient) AddMember(ctx context.Context, roomID, userID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("roomId", roomID).
		SetBody(memberRequest{UserID: userID}).
		Post("/api/rooms/{roomId}/entered")
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to add member: rooms service returned %d", resp.StatusCode())
	}
	return nil
}

// RemoveMember remove o usuário da lista de membros da sala
func (c *RoomsClient) RemoveMember(ctx context.Context, roomID, userID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"roomId": roomID, "userId": userID}).
		Delete("/api/rooms/{roomId}/entered/{userId}")
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	// 404 já é o estado desejado
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("failed to remove member: rooms service returned %d", resp.StatusCode())
	}
	return nil
}

// LogMembership só registra as operações. Usado quando ROOMS_SERVICE_URL não está configurado.
type LogMembership struct{}

func (LogMembership) AddMember(ctx context.Context, roomID, userID string) error {
	log.Printf("ℹ️  [MEMBERSHIP] add RoomID=%s UserID=%s (rooms service not configured)", roomID, userID)
	return nil
}

func (LogMembership) RemoveMember(ctx context.Context, roomID, userID string) error {
	log.Printf("ℹ️  [MEMBERSHIP] remove RoomID=%s UserID=%s (rooms service not configured)", roomID, userID)
	return nil
}
