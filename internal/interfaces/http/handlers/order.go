// internal/interfaces/http/handlers/order.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/domain/order"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
)

// OrderHandler handles customer order endpoints
type OrderHandler struct {
	orderService *order.Service
	currency     string
	logger       *logrus.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orderService *order.Service, currency string, logger *logrus.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		currency:     currency,
		logger:       logger,
	}
}

// CreateOrder handles POST /orders. The caller supplies the commit token so a
// retried request returns the order it already created.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req order.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}
	req.UserID = userID

	created, err := h.orderService.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondPriced(c, http.StatusCreated, "Order created successfully", h.currency, created)
}

// GetOrders handles GET /orders (user's own orders)
func (h *OrderHandler) GetOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	page := 1
	if pageStr := c.Query("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	response, err := h.orderService.ListUserOrders(c.Request.Context(), userID, page, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondPriced(c, http.StatusOK, "Orders retrieved successfully", h.currency, response)
}

// GetOrder handles GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	found, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// Customers only see their own orders; hide the rest as missing
	if found.UserID != userID && !middleware.IsStaffFromContext(c) {
		respondError(c, h.logger, &apperror.NotFoundError{Resource: "order", ID: orderID})
		return
	}

	respondPriced(c, http.StatusOK, "Order retrieved successfully", h.currency, found)
}
