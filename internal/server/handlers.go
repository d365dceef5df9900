package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/internal/cards"
	"github.com/sardorbek/cardpay/internal/transfers"
	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

// CreateCardRequest is the card issuance payload.
type CreateCardRequest struct {
	Currency models.Currency `json:"currency" binding:"required"`
}

// P2PRequest is the transfer payload. Amount is in the sender card's
// currency with at most two fraction digits.
type P2PRequest struct {
	SenderCardID   uuid.UUID       `json:"sender_card_id" binding:"required"`
	ReceiverCardID uuid.UUID       `json:"receiver_card_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	ExternalID     string          `json:"external_id" binding:"required,max=50"`
	Description    string          `json:"description" binding:"max=100"`
}

// Handler bundles the HTTP handlers with their collaborators.
type Handler struct {
	cards       *cards.Service
	transfers   *transfers.Service
	environment string
	logger      *zap.Logger
}

// NewHandler creates the handler set.
func NewHandler(cardSvc *cards.Service, transferSvc *transfers.Service, environment string, logger *zap.Logger) *Handler {
	return &Handler{
		cards:       cardSvc,
		transfers:   transferSvc,
		environment: environment,
		logger:      logger,
	}
}

// CreateCard handles POST /api/v1/card/create (idempotent).
func (h *Handler) CreateCard(c *gin.Context) {
	var req CreateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, h.environment, errors.Wrap(errors.KindValidation, "invalid request body", err))
		return
	}

	card, err := h.cards.Create(c.Request.Context(), currentUser(c), req.Currency)
	if err != nil {
		respondError(c, h.logger, h.environment, err)
		return
	}

	c.JSON(http.StatusCreated, card)
}

// ListCards handles GET /api/v1/card/all.
func (h *Handler) ListCards(c *gin.Context) {
	list, err := h.cards.ListByUser(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, h.environment, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// BlockCard handles POST /api/v1/card/:cardId/block. Requires an If-Match
// header carrying the card version the caller last observed.
func (h *Handler) BlockCard(c *gin.Context) {
	h.setCardStatus(c, h.cards.Block)
}

// UnblockCard handles POST /api/v1/card/:cardId/unblock.
func (h *Handler) UnblockCard(c *gin.Context) {
	h.setCardStatus(c, h.cards.Unblock)
}

func (h *Handler) setCardStatus(c *gin.Context, op func(ctx context.Context, cardID, userID uuid.UUID, version int64) error) {
	cardID, err := uuid.Parse(c.Param("cardId"))
	if err != nil {
		respondError(c, h.logger, h.environment, errors.New(errors.KindValidation, "invalid card id"))
		return
	}

	ifMatch := c.GetHeader("If-Match")
	if ifMatch == "" {
		respondError(c, h.logger, h.environment, errors.New(errors.KindValidation, "If-Match header is required"))
		return
	}
	version, err := parseETag(ifMatch)
	if err != nil {
		respondError(c, h.logger, h.environment, err)
		return
	}

	if err := op(c.Request.Context(), cardID, currentUser(c), version); err != nil {
		respondError(c, h.logger, h.environment, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ExecuteP2P handles POST /api/v1/transaction/p2p (idempotent). The
// Idempotency-Key header has already been validated by the gate middleware.
func (h *Handler) ExecuteP2P(c *gin.Context) {
	var req P2PRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, h.environment, errors.Wrap(errors.KindValidation, "invalid request body", err))
		return
	}
	if req.SenderCardID == req.ReceiverCardID {
		respondError(c, h.logger, h.environment, errors.New(errors.KindValidation, "sender and receiver cards must be different"))
		return
	}

	err := h.transfers.ExecuteP2P(c.Request.Context(), currentUser(c), transfers.Request{
		SenderCardID:   req.SenderCardID,
		ReceiverCardID: req.ReceiverCardID,
		Amount:         req.Amount,
		ExternalID:     req.ExternalID,
		Description:    req.Description,
	}, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, h.logger, h.environment, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(models.TxCompleted)})
}

// History handles GET /api/v1/transaction/history/:cardId.
func (h *Handler) History(c *gin.Context) {
	cardID, err := uuid.Parse(c.Param("cardId"))
	if err != nil {
		respondError(c, h.logger, h.environment, errors.New(errors.KindValidation, "invalid card id"))
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	txs, total, err := h.transfers.History(c.Request.Context(), cardID, currentUser(c), limit, offset)
	if err != nil {
		respondError(c, h.logger, h.environment, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":  txs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
