// internal/interfaces/http/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/your-org/pharmacy-backend/internal/app"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/handlers"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
)

// SetupRoutes mounts every API route. All routes require a gateway-issued token.
func SetupRoutes(rg *gin.RouterGroup, a *app.App) {
	rg.Use(middleware.AuthMiddleware(a.JWT))
	rg.Use(middleware.RateLimit(a.Config.Security.RateLimitPerMinute, a.Redis, a.Logger))

	SetupFlowRoutes(rg, a)
	SetupCartRoutes(rg, a)
	SetupOrderRoutes(rg, a)
	SetupItemRoutes(rg, a)
	SetupAdminRoutes(rg, a)
}

// SetupFlowRoutes sets up conversational flow routes
func SetupFlowRoutes(rg *gin.RouterGroup, a *app.App) {
	flowHandler := handlers.NewFlowHandler(a.Conversation, a.Logger)

	flows := rg.Group("/flows")
	{
		flows.GET("/current", flowHandler.CurrentFlow)
		flows.POST("/advance", flowHandler.AdvanceFlow)
		flows.POST("/:flow", flowHandler.BeginFlow)
		flows.DELETE("", flowHandler.CancelFlow)
	}
}

// SetupCartRoutes sets up cart routes
func SetupCartRoutes(rg *gin.RouterGroup, a *app.App) {
	cartHandler := handlers.NewCartHandler(a.Cart, a.Config.App.Currency, a.Logger)

	cart := rg.Group("/cart")
	{
		cart.GET("", cartHandler.GetCart)
		cart.PUT("/items/:item_id", cartHandler.SetItem)
		cart.DELETE("/items/:item_id", cartHandler.RemoveItem)
	}
}

// SetupOrderRoutes sets up customer order routes
func SetupOrderRoutes(rg *gin.RouterGroup, a *app.App) {
	orderHandler := handlers.NewOrderHandler(a.Orders, a.Config.App.Currency, a.Logger)

	orders := rg.Group("/orders")
	{
		orders.POST("", orderHandler.CreateOrder)
		orders.GET("", orderHandler.GetOrders)
		orders.GET("/:id", orderHandler.GetOrder)
	}
}

// SetupItemRoutes sets up catalog routes
func SetupItemRoutes(rg *gin.RouterGroup, a *app.App) {
	inventoryHandler := handlers.NewInventoryHandler(a.Inventory, a.Logger)

	items := rg.Group("/items")
	{
		items.GET("", inventoryHandler.ListItems)
		items.GET("/:id", inventoryHandler.GetItem)
	}
}

// SetupAdminRoutes sets up staff-only routes
func SetupAdminRoutes(rg *gin.RouterGroup, a *app.App) {
	adminHandler := handlers.NewAdminHandler(a.Orders, a.Audit, a.Logger)
	inventoryHandler := handlers.NewInventoryHandler(a.Inventory, a.Logger)

	admin := rg.Group("/admin")
	admin.Use(middleware.StaffMiddleware())
	{
		orders := admin.Group("/orders")
		{
			orders.GET("", adminHandler.ListOrders)
			orders.PATCH("/:id/status", adminHandler.UpdateOrderStatus)
			orders.POST("/:id/paid", adminHandler.MarkPaid)
			orders.GET("/:id/history", adminHandler.OrderHistory)
		}

		items := admin.Group("/items")
		{
			items.POST("", inventoryHandler.CreateItem)
			items.GET("/low-stock", inventoryHandler.LowStock)
			items.POST("/:id/restock", inventoryHandler.Restock)
			items.PUT("/:id/price", inventoryHandler.SetPrice)
			items.DELETE("/:id", inventoryHandler.DeactivateItem)
		}

		admin.GET("/alerts", inventoryHandler.StockAlerts)
		admin.GET("/audit", adminHandler.AuditLog)
	}
}
