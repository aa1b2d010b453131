// internal/domain/cart/entity.go
package cart

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
)

// Entry is one line of a user's cart. There is at most one entry per (user, item).
type Entry struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	UserID     int64           `gorm:"not null;uniqueIndex:idx_cart_user_item" json:"user_id"`
	ItemID     uint            `gorm:"not null;uniqueIndex:idx_cart_user_item;index" json:"item_id"`
	Quantity   int             `gorm:"not null" json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"` // Price at time of adding
	TotalPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_price"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	// Relationships
	Item *inventory.Item `gorm:"foreignKey:ItemID" json:"item,omitempty"`
}

// TableName overrides the table name
func (Entry) TableName() string {
	return "cart_entries"
}

// Summary represents a cart with its calculated totals
type Summary struct {
	UserID        int64           `json:"user_id"`
	Entries       []Entry         `json:"entries"`
	ItemCount     int             `json:"item_count"`     // Number of unique items
	TotalQuantity int             `json:"total_quantity"` // Sum of all quantities
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

// IsEmpty reports whether the cart has no entries
func (s *Summary) IsEmpty() bool {
	return len(s.Entries) == 0
}

// AddItemRequest represents add to cart request
type AddItemRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}
