// internal/domain/order/entity.go
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the order status
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusReady      OrderStatus = "ready"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// PaymentStatus represents payment status
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// DeliveryMethod represents how the customer receives the order
type DeliveryMethod string

const (
	DeliveryPickup   DeliveryMethod = "pickup"
	DeliveryDelivery DeliveryMethod = "delivery"
)

// Order represents the order entity
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	OrderNumber     string          `gorm:"uniqueIndex;not null;size:50" json:"order_number"`
	UserID          int64           `gorm:"not null;index" json:"user_id"`
	CustomerName    string          `gorm:"not null;size:100" json:"customer_name"`
	Phone           string          `gorm:"not null;size:20" json:"phone"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	Status          OrderStatus     `gorm:"not null;size:20;default:'pending';index" json:"status"`
	PaymentStatus   PaymentStatus   `gorm:"not null;size:20;default:'pending'" json:"payment_status"`
	DeliveryMethod  DeliveryMethod  `gorm:"not null;size:20" json:"delivery_method"`
	DeliveryAddress string          `gorm:"type:text" json:"delivery_address"` // Empty for pickup
	Notes           string          `gorm:"type:text" json:"notes"`
	CommitToken     *string         `gorm:"uniqueIndex;size:64" json:"-"`

	// Timestamps
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Relationships
	Items         []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"items"`
	StatusHistory []StatusHistory `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"status_history,omitempty"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	OrderID    uint            `gorm:"not null;index" json:"order_id"`
	ItemID     uint            `gorm:"not null;index" json:"item_id"`
	ItemName   string          `gorm:"not null;size:200" json:"item_name"`
	Quantity   int             `gorm:"not null" json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`  // Price per unit at commit time
	TotalPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_price"` // Quantity * UnitPrice
	CreatedAt  time.Time       `json:"created_at"`
}

// StatusHistory tracks order status changes. Rows are append-only.
type StatusHistory struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	OrderID   uint         `gorm:"not null;index" json:"order_id"`
	OldStatus *OrderStatus `gorm:"size:20" json:"old_status"`
	NewStatus OrderStatus  `gorm:"not null;size:20" json:"new_status"`
	ChangedBy int64        `gorm:"index" json:"changed_by"` // User ID who made the change
	ChangedAt time.Time    `gorm:"not null" json:"changed_at"`
	Note      string       `gorm:"type:text" json:"note"`
}

// TableName overrides
func (Order) TableName() string         { return "orders" }
func (OrderItem) TableName() string     { return "order_items" }
func (StatusHistory) TableName() string { return "order_status_history" }

// Business methods for Order

// GenerateOrderNumber generates an order number before insert.
// Format: BP<YYYYMMDD>-<8 hex>
func GenerateOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("BP%s-%s", now.Format("20060102"), suffix)
}

// IsTerminal checks if the order can no longer change status
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// CanBeCancelled checks if order can be cancelled
func (o *Order) CanBeCancelled() bool {
	return CanTransition(o.Status, OrderStatusCancelled)
}

// IsTerminal reports whether no transitions leave this status
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// IsValid reports whether the status is known
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusReady, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// PlaceOrderRequest carries the checkout details collected by the place_order flow
type PlaceOrderRequest struct {
	UserID          int64          `json:"-"`
	CustomerName    string         `json:"customer_name" binding:"required,min=2,max=100"`
	Phone           string         `json:"phone" binding:"required"`
	DeliveryMethod  DeliveryMethod `json:"delivery_method" binding:"required,oneof=pickup delivery"`
	DeliveryAddress string         `json:"delivery_address"`
	Notes           string         `json:"notes"`
	CommitToken     string         `json:"commit_token" binding:"required"`
}

// UpdateStatusRequest represents a staff status change
type UpdateStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required"`
	Note   string      `json:"note"`
}

// OrderListRequest represents order list query parameters
type OrderListRequest struct {
	Page   int         `form:"page,default=1"`
	Limit  int         `form:"limit,default=20"`
	Status OrderStatus `form:"status"`
	UserID int64       `form:"user_id"`
}

// OrderResponse represents order response with pagination
type OrderResponse struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

// Pagination represents pagination information
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}
