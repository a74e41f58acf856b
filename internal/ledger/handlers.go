package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agirails/actp/internal/validation"
)

// Handler provides HTTP endpoints for balance and ledger queries
type Handler struct {
	ledger    *Ledger
	mintable  bool // mint endpoint enabled only in mock mode
	logger    *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, mintable bool, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, mintable: mintable, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts", validation.AddressParamMiddleware())
	accounts.GET("/:address/balance", h.GetBalance)
	accounts.GET("/:address/ledger", h.GetHistory)
	if h.mintable {
		accounts.POST("/:address/mint", h.Mint)
	}
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")

	account, err := h.ledger.GetBalance(c.Request.Context(), address)
	if err != nil {
		h.logger.Error("balance lookup failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   account.Address,
		"available": account.Available,
		"held":      account.Held,
		"updatedAt": account.UpdatedAt,
	})
}

// GetHistory handles GET /accounts/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")

	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), address, limit)
	if err != nil {
		h.logger.Error("ledger history failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}

// MintRequest credits test funds to an account
type MintRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Mint handles POST /accounts/:address/mint
func (h *Handler) Mint(c *gin.Context) {
	address := c.Param("address")

	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.ledger.Mint(c.Request.Context(), address, req.Amount); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal",
			})
			return
		}
		h.logger.Error("mint failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "mint_error",
			"message": "Failed to mint funds",
		})
		return
	}

	h.logger.Info("funds minted", "address", address, "amount", req.Amount)

	account, err := h.ledger.GetBalance(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "minted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "minted",
		"address":   account.Address,
		"available": account.Available,
		"held":      account.Held,
	})
}
