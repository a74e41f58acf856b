package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agirails/actp/internal/amount"
	"github.com/agirails/actp/internal/fees"
	"github.com/agirails/actp/internal/ledger"
	"github.com/agirails/actp/internal/pagination"
	"github.com/agirails/actp/internal/validation"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/deliver", h.Deliver)
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/dispute", h.Dispute)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/resolve", h.ResolveDispute)
	r.GET("/accounts/:address/transactions", validation.AddressParamMiddleware(), h.ListTransactions)
}

// CreateTransactionRequest is the wire shape for POST /v1/transactions.
// Deadline accepts RFC3339 or a relative offset like "24h" / "+24h".
type CreateTransactionRequest struct {
	Payer    string          `json:"payer" binding:"required"`
	Payee    string          `json:"payee" binding:"required"`
	Amount   string          `json:"amount" binding:"required"`
	Deadline string          `json:"deadline" binding:"required"`
	Tier     string          `json:"tier"`
	Metadata json.RawMessage `json:"metadata"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("payer", req.Payer),
		validation.ValidAddress("payee", req.Payee),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if len(req.Metadata) > validation.MaxMetadataSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "metadata_too_large",
			"message": fmt.Sprintf("metadata exceeds %d bytes", validation.MaxMetadataSize),
		})
		return
	}

	deadline, err := resolveDeadline(req.Deadline, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_deadline",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.service.Create(c.Request.Context(), CreateRequest{
		Payer:    req.Payer,
		Payee:    req.Payee,
		Amount:   req.Amount,
		Deadline: deadline,
		Tier:     req.Tier,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": h.service.View(tx)})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	view, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": view})
}

// CallerRequest carries the acting party's address. Signature verification
// is owned by the transport layer in live mode.
type CallerRequest struct {
	Caller string `json:"caller" binding:"required"`
}

// DeliverRequest optionally attaches delivery metadata (result reference,
// result hash) to the transaction.
type DeliverRequest struct {
	Caller   string          `json:"caller" binding:"required"`
	Metadata json.RawMessage `json:"metadata"`
}

// Deliver handles POST /v1/transactions/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !validation.IsValidAddress(req.Caller) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "caller must be a valid address"})
		return
	}
	if len(req.Metadata) > validation.MaxMetadataSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "metadata_too_large",
			"message": fmt.Sprintf("metadata exceeds %d bytes", validation.MaxMetadataSize),
		})
		return
	}

	tx, err := h.service.Deliver(c.Request.Context(), c.Param("id"), req.Caller, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": h.service.View(tx)})
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	caller, ok := bindCaller(c)
	if !ok {
		return
	}
	tx, err := h.service.Release(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": h.service.View(tx)})
}

// DisputeRequest carries the reason for a dispute.
type DisputeRequest struct {
	Caller string `json:"caller" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/transactions/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !validation.IsValidAddress(req.Caller) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "caller must be a valid address"})
		return
	}

	tx, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.Caller, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": h.service.View(tx)})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	caller, ok := bindCaller(c)
	if !ok {
		return
	}
	tx, err := h.service.Cancel(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": h.service.View(tx)})
}

// ResolveRequest carries an arbiter decision.
type ResolveRequest struct {
	Caller  string `json:"caller" binding:"required"`
	Outcome string `json:"outcome" binding:"required"`
}

// ResolveDispute handles POST /v1/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !validation.IsValidAddress(req.Caller) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "caller must be a valid address"})
		return
	}

	tx, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Caller, strings.ToLower(req.Outcome))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": h.service.View(tx)})
}

// ListTransactions handles GET /v1/accounts/:address/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is not valid"})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	txs, err := h.service.ListByAccount(c.Request.Context(), c.Param("address"), limit+1, cursor)
	if err != nil {
		respondError(c, err)
		return
	}

	txs, next, hasMore := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

func bindCaller(c *gin.Context) (string, bool) {
	var req CallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return "", false
	}
	if !validation.IsValidAddress(req.Caller) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "caller must be a valid address"})
		return "", false
	}
	return req.Caller, true
}

// resolveDeadline turns a deadline string into an absolute timestamp.
// Accepts RFC3339 ("2026-09-01T12:00:00Z") or a relative offset ("24h", "+24h").
func resolveDeadline(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(s, "+"))
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline must be RFC3339 or a duration offset like \"24h\"")
	}
	if d <= 0 {
		return time.Time{}, fmt.Errorf("deadline offset must be positive")
	}
	return now.Add(d), nil
}

// respondError maps engine errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var conflict *StateConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "state_conflict",
			"message":   conflict.Error(),
			"current":   string(conflict.Current),
			"attempted": string(conflict.Attempted),
		})
		return
	}

	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_balance",
			"message":   insufficient.Error(),
			"required":  amount.Format(insufficient.Required),
			"available": amount.Format(insufficient.Available),
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrStateConflict):
		status = http.StatusConflict
		code = "state_conflict"
	case errors.Is(err, fees.ErrAmountTooSmall):
		status = http.StatusBadRequest
		code = "amount_too_small"
	case errors.Is(err, ErrSameParty), errors.Is(err, ErrPastDeadline),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidOutcome):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
		code = "insufficient_balance"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
