// internal/interfaces/http/handlers/cart.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/domain/cart"
)

// CartHandler handles cart endpoints
type CartHandler struct {
	cartService *cart.Service
	currency    string
	logger      *logrus.Logger
}

// NewCartHandler creates a new cart handler
func NewCartHandler(cartService *cart.Service, currency string, logger *logrus.Logger) *CartHandler {
	return &CartHandler{
		cartService: cartService,
		currency:    currency,
		logger:      logger,
	}
}

// GetCart handles GET /cart
func (h *CartHandler) GetCart(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	summary, err := h.cartService.Summarize(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondPriced(c, http.StatusOK, "Cart retrieved successfully", h.currency, summary)
}

// SetItem handles PUT /cart/items/:item_id. The quantity replaces any existing one.
func (h *CartHandler) SetItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	itemID, ok := parseID(c, "item_id")
	if !ok {
		return
	}

	var req cart.AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	entry, err := h.cartService.AddOrUpdate(c.Request.Context(), userID, itemID, req.Quantity)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondPriced(c, http.StatusOK, "Cart item saved successfully", h.currency, entry)
}

// RemoveItem handles DELETE /cart/items/:item_id
func (h *CartHandler) RemoveItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	itemID, ok := parseID(c, "item_id")
	if !ok {
		return
	}

	if err := h.cartService.Remove(c.Request.Context(), userID, itemID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item removed from cart successfully"})
}
