// internal/interfaces/http/handlers/admin.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/order"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
)

// AdminHandler handles staff order and audit endpoints
type AdminHandler struct {
	orderService *order.Service
	auditService *audit.Service
	logger       *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(orderService *order.Service, auditService *audit.Service, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		orderService: orderService,
		auditService: auditService,
		logger:       logger,
	}
}

// ListOrders handles GET /admin/orders
func (h *AdminHandler) ListOrders(c *gin.Context) {
	var req order.OrderListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query parameters", err)
		return
	}

	response, err := h.orderService.ListOrders(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Orders retrieved successfully", response)
}

// UpdateOrderStatus handles PATCH /admin/orders/:id/status
func (h *AdminHandler) UpdateOrderStatus(c *gin.Context) {
	actorID, _ := middleware.GetUserIDFromContext(c)
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req order.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	updated, err := h.orderService.UpdateStatus(c.Request.Context(), orderID, req.Status, actorID, req.Note)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Order status updated successfully", updated)
}

// MarkPaid handles POST /admin/orders/:id/paid
func (h *AdminHandler) MarkPaid(c *gin.Context) {
	actorID, _ := middleware.GetUserIDFromContext(c)
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	updated, err := h.orderService.MarkPaid(c.Request.Context(), orderID, actorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Order marked as paid", updated)
}

// OrderHistory handles GET /admin/orders/:id/history
func (h *AdminHandler) OrderHistory(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	history, err := h.orderService.HistoryFor(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Order history retrieved successfully", history)
}

// AuditLog handles GET /admin/audit?table=&record_id=&limit=
func (h *AdminHandler) AuditLog(c *gin.Context) {
	recordID, _ := strconv.ParseInt(c.Query("record_id"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries, err := h.auditService.List(c.Request.Context(), c.Query("table"), recordID, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Audit entries retrieved successfully", entries)
}
