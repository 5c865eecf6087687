package main

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxWebhookBodyBytes = 1 << 20

// TicketHandler contém os handlers HTTP do serviço de ingressos
type TicketHandler struct {
	inventory   *InventoryUseCase
	fulfillment *FulfillmentUseCase
	refunds     *RefundUseCase
	verify      *VerifyUseCase
	receipts    ReceiptStore
	webhook     *WebhookVerifier
	tracer      trace.Tracer
}

// NewTicketHandler cria uma nova instância de TicketHandler
func NewTicketHandler(
	inventory *InventoryUseCase,
	fulfillment *FulfillmentUseCase,
	refunds *RefundUseCase,
	verify *VerifyUseCase,
	receipts ReceiptStore,
	webhook *WebhookVerifier,
	tracer trace.Tracer,
) *TicketHandler {
	return &TicketHandler{
		inventory:   inventory,
		fulfillment: fulfillment,
		refunds:     refunds,
		verify:      verify,
		receipts:    receipts,
		webhook:     webhook,
		tracer:      tracer,
	}
}

// RegisterRoutes registra as rotas no router
func (h *TicketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/webhooks/payments", h.PaymentWebhook)

	api.POST("/rooms/:roomId/inventory", h.CreateInventory)
	api.GET("/rooms/:roomId/inventory", h.GetInventory)

	api.GET("/receipts", h.ListReceipts)
	api.GET("/receipts/:id", h.GetReceipt)
	api.POST("/receipts/:id/refund", h.RefundReceipt)

	api.POST("/tickets/verify", h.VerifyTicket)
}

// PaymentWebhook recebe eventos do provedor de pagamento.
// 400 = assinatura inválida (nada foi alterado); 500 = falha antes do ledger
// (o provedor deve reenviar); 200 em todos os outros casos.
func (h *TicketHandler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMalformedEvent.Code, "message": "failed to read body"})
		return
	}

	if err := h.webhook.Verify(c.GetHeader(SignatureHeader), body); err != nil {
		log.Printf("⛔ [WEBHOOK] Rejected delivery: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidSignature.Code, "message": err.Error()})
		return
	}

	evt, err := ParsePaymentEvent(body)
	if err != nil {
		log.Printf("⚠️  [WEBHOOK] Dropping unparseable event: %v", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": OutcomeDropped, "reason": err.Error()})
		return
	}

	result, err := h.fulfillment.Process(c.Request.Context(), evt)
	if err != nil {
		log.Printf("❌ [WEBHOOK] Processing failed, provider should retry | EventID=%s | Error=%v", evt.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": result.Outcome, "reason": result.Reason})
}

type createInventoryRequest struct {
	Tiers []TierInput `json:"tiers" binding:"required,min=1,dive"`
}

// CreateInventory cadastra o inventário de uma sala
func (h *TicketHandler) CreateInventory(c *gin.Context) {
	var req createInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidInventory.Code, "message": err.Error()})
		return
	}

	inv, err := h.inventory.Create(c.Request.Context(), c.Param("roomId"), req.Tiers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// GetInventory devolve o inventário da sala
func (h *TicketHandler) GetInventory(c *gin.Context) {
	inv, err := h.inventory.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ListReceipts lista recibos filtrando por usuário, sala, ingresso e status
func (h *TicketHandler) ListReceipts(c *gin.Context) {
	filter := ReceiptFilter{
		UserID:   c.Query("userId"),
		RoomID:   c.Query("roomId"),
		TicketID: c.Query("ticketId"),
		Status:   ReceiptStatus(c.Query("status")),
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "receipts.list")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", filter.UserID),
		attribute.String("room_id", filter.RoomID),
	)

	receipts, err := h.receipts.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

// GetReceipt devolve um recibo
func (h *TicketHandler) GetReceipt(c *gin.Context) {
	receipt, err := h.receipts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// RefundReceipt reembolsa um recibo. A autorização é feita antes deste serviço.
func (h *TicketHandler) RefundReceipt(c *gin.Context) {
	result, err := h.refunds.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type verifyTicketRequest struct {
	Credential string `json:"credential" binding:"required"`
}

// VerifyTicket valida a credencial lida na porta da sala
func (h *TicketHandler) VerifyTicket(c *gin.Context) {
	var req verifyTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidCredential.Code, "message": err.Error()})
		return
	}

	result, err := h.verify.Verify(c.Request.Context(), req.Credential)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HealthCheck é o endpoint de health check
func (h *TicketHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

var errorStatus = map[string]int{
	ErrInventoryNotFound.Code: http.StatusNotFound,
	ErrTierNotFound.Code:      http.StatusNotFound,
	ErrReceiptNotFound.Code:   http.StatusNotFound,
	ErrInventoryExists.Code:   http.StatusConflict,
	ErrInsufficientStock.Code: http.StatusConflict,
	ErrTierInactive.Code:      http.StatusConflict,
	ErrInvalidRefund.Code:     http.StatusConflict,
	ErrInvalidReceipt.Code:    http.StatusConflict,
	ErrInvalidInventory.Code:  http.StatusBadRequest,
	ErrInvalidQuantity.Code:   http.StatusBadRequest,
	ErrInvalidSale.Code:       http.StatusBadRequest,
	ErrMalformedEvent.Code:    http.StatusBadRequest,
	ErrInvalidSignature.Code:  http.StatusBadRequest,
	ErrInvalidCredential.Code: http.StatusUnauthorized,
}

// writeError converte erros de negócio em {"error": code, "message": ...}
func writeError(c *gin.Context, err error) {
	var te *TicketingError
	if errors.As(err, &te) {
		status, ok := errorStatus[te.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": te.Code, "message": err.Error()})
		return
	}

	log.Printf("❌ [HTTP] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal server error"})
}
