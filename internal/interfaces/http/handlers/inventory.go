// internal/interfaces/http/handlers/inventory.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
)

// RestockRequest adds units to an item
type RestockRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

// SetPriceRequest replaces an item's price
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// InventoryHandler handles catalog and stock endpoints
type InventoryHandler struct {
	inventoryService *inventory.Service
	logger           *logrus.Logger
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(inventoryService *inventory.Service, logger *logrus.Logger) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
		logger:           logger,
	}
}

// ListItems handles GET /items
func (h *InventoryHandler) ListItems(c *gin.Context) {
	filter := inventory.ListFilter{Search: c.Query("search")}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if o, err := strconv.Atoi(c.Query("offset")); err == nil && o > 0 {
		filter.Offset = o
	}

	items, total, err := h.inventoryService.ListItems(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondOK(c, "Items retrieved successfully", gin.H{
		"items": items,
		"total": total,
	})
}

// GetItem handles GET /items/:id
func (h *InventoryHandler) GetItem(c *gin.Context) {
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}

	item, err := h.inventoryService.GetItem(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Item retrieved successfully", item)
}

// CreateItem handles POST /admin/items
func (h *InventoryHandler) CreateItem(c *gin.Context) {
	actorID, _ := middleware.GetUserIDFromContext(c)

	var req inventory.CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	item, err := h.inventoryService.CreateItem(c.Request.Context(), &req, actorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Item created successfully",
		"data":    item,
	})
}

// Restock handles POST /admin/items/:id/restock
func (h *InventoryHandler) Restock(c *gin.Context) {
	actorID, _ := middleware.GetUserIDFromContext(c)
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	item, err := h.inventoryService.Restock(c.Request.Context(), itemID, req.Quantity, actorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Item restocked successfully", item)
}

// SetPrice handles PUT /admin/items/:id/price
func (h *InventoryHandler) SetPrice(c *gin.Context) {
	actorID, _ := middleware.GetUserIDFromContext(c)
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req SetPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	item, err := h.inventoryService.SetPrice(c.Request.Context(), itemID, req.Price, actorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Item price updated successfully", item)
}

// DeactivateItem handles DELETE /admin/items/:id
func (h *InventoryHandler) DeactivateItem(c *gin.Context) {
	actorID, _ := middleware.GetUserIDFromContext(c)
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.inventoryService.Deactivate(c.Request.Context(), itemID, actorID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item deactivated successfully"})
}

// LowStock handles GET /admin/items/low-stock
func (h *InventoryHandler) LowStock(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	items, err := h.inventoryService.LowStock(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Low stock items retrieved successfully", gin.H{
		"threshold": h.inventoryService.LowStockThreshold(),
		"items":     items,
	})
}

// StockAlerts handles GET /admin/alerts
func (h *InventoryHandler) StockAlerts(c *gin.Context) {
	alerts, err := h.inventoryService.ActiveAlerts(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Stock alerts retrieved successfully", alerts)
}
