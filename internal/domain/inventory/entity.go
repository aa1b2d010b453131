// internal/domain/inventory/entity.go
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Dosage forms offered in the catalog
const (
	DosageTablet    = "tablet"
	DosageCapsule   = "capsule"
	DosageSyrup     = "syrup"
	DosageInjection = "injection"
	DosageCream     = "cream"
	DosageOintment  = "ointment"
	DosageDrops     = "drops"
	DosageInhaler   = "inhaler"
	DosagePowder    = "powder"
	DosageGel       = "gel"
	DosagePatch     = "patch"
	DosageSpray     = "spray"
	DosageOther     = "other"
)

// AlertType represents the kind of stock alert
type AlertType string

const (
	AlertTypeLowStock   AlertType = "low_stock"
	AlertTypeOutOfStock AlertType = "out_of_stock"
)

// Item represents a medicine in the catalog together with its authoritative stock
type Item struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	Name              string          `gorm:"uniqueIndex;not null;size:200" json:"name"`
	BatchNumber       string          `gorm:"size:50" json:"batch_number"`
	ManufacturingDate *time.Time      `json:"manufacturing_date,omitempty"`
	ExpiryDate        *time.Time      `gorm:"index" json:"expiry_date,omitempty"`
	DosageForm        string          `gorm:"size:30" json:"dosage_form"`
	Price             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	StockQuantity     int             `gorm:"not null;default:0;check:stock_quantity >= 0" json:"stock_quantity"`
	IsActive          bool            `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TableName specifies the table name for Item
func (Item) TableName() string {
	return "items"
}

// IsOutOfStock checks if the item has no stock left
func (i *Item) IsOutOfStock() bool {
	return i.StockQuantity <= 0
}

// IsLowStock checks if stock is at or below the threshold
func (i *Item) IsLowStock(threshold int) bool {
	return i.StockQuantity <= threshold
}

// IsExpired checks the expiry date against the given time
func (i *Item) IsExpired(now time.Time) bool {
	return i.ExpiryDate != nil && i.ExpiryDate.Before(now)
}

// StockAlert records a low or out of stock condition until stock recovers
type StockAlert struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ItemID     uint       `gorm:"not null;index" json:"item_id"`
	AlertType  AlertType  `gorm:"not null;size:20" json:"alert_type"`
	Message    string     `gorm:"type:text" json:"message"`
	Quantity   int        `json:"quantity"`
	IsResolved bool       `gorm:"default:false;index" json:"is_resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TableName specifies the table name for StockAlert
func (StockAlert) TableName() string {
	return "stock_alerts"
}

// CreateItemRequest represents a new catalog entry
type CreateItemRequest struct {
	Name              string          `json:"name" binding:"required,min=2,max=200" validate:"required,min=2,max=200"`
	BatchNumber       string          `json:"batch_number" validate:"max=50"`
	ManufacturingDate *time.Time      `json:"manufacturing_date"`
	ExpiryDate        *time.Time      `json:"expiry_date"`
	DosageForm        string          `json:"dosage_form" validate:"omitempty,oneof=tablet capsule syrup injection cream ointment drops inhaler powder gel patch spray other"`
	Price             decimal.Decimal `json:"price"`
	StockQuantity     int             `json:"stock_quantity" validate:"gte=0"`
}

// ListFilter narrows catalog listings
type ListFilter struct {
	Search string
	Limit  int
	Offset int
}
