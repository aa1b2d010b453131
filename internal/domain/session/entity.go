// internal/domain/session/entity.go
package session

import (
	"encoding/json"
	"time"
)

// FlowType names a multi-step conversational flow
type FlowType string

const (
	FlowPlaceOrder     FlowType = "place_order"
	FlowCustomQuantity FlowType = "custom_quantity"
	FlowAddItemSingle  FlowType = "add_item_single"
	FlowAddItemBulk    FlowType = "add_item_bulk"
)

// Session is the stored state of one user's active flow. At most one exists per user.
type Session struct {
	UserID    int64           `json:"user_id"`
	Flow      FlowType        `json:"flow"`
	Step      int             `json:"step"`
	Attempts  int             `json:"attempts"`
	Token     string          `json:"token"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// IsExpired reports whether the inactivity window has passed
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Prompt describes the step the user must answer next
type Prompt struct {
	Flow  FlowType `json:"flow"`
	Step  string   `json:"step"`
	Index int      `json:"index"` // 1-based
	Total int      `json:"total"`
	Hint  string   `json:"hint"`
	// Token must be echoed back to confirm; only set on confirmation steps
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Commit is returned when the terminal step succeeds. The session is gone by then.
type Commit struct {
	UserID  int64    `json:"user_id"`
	Flow    FlowType `json:"flow"`
	Token   string   `json:"token"`
	Payload Payload  `json:"payload"`
}

// Result is the outcome of a successful Advance: either the next prompt or a commit
type Result struct {
	Next   *Prompt `json:"next,omitempty"`
	Commit *Commit `json:"commit,omitempty"`
}

// Payload is the typed data staged by a flow
type Payload interface {
	Flow() FlowType
}

// PlaceOrderPayload stages checkout details
type PlaceOrderPayload struct {
	CustomerName    string `json:"customer_name,omitempty" validate:"omitempty,min=2,max=100"`
	Phone           string `json:"phone,omitempty" validate:"omitempty,e164"`
	DeliveryMethod  string `json:"delivery_method,omitempty" validate:"omitempty,oneof=pickup delivery"`
	DeliveryAddress string `json:"delivery_address,omitempty" validate:"omitempty,min=5,max=500"`
	Confirmed       bool   `json:"confirmed,omitempty"`
}

func (*PlaceOrderPayload) Flow() FlowType { return FlowPlaceOrder }

// CustomQuantityPayload stages a cart quantity for one item
type CustomQuantityPayload struct {
	ItemID   uint `json:"item_id,omitempty" validate:"omitempty,gt=0"`
	Quantity int  `json:"quantity,omitempty" validate:"omitempty,gt=0,lte=10000"`
}

func (*CustomQuantityPayload) Flow() FlowType { return FlowCustomQuantity }

// AddItemPayload stages one catalog entry. Dates use YYYY-MM-DD.
type AddItemPayload struct {
	Name              string `json:"name,omitempty" validate:"omitempty,min=2,max=200"`
	BatchNumber       string `json:"batch_number,omitempty" validate:"omitempty,max=50"`
	ManufacturingDate string `json:"manufacturing_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate        string `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DosageForm        string `json:"dosage_form,omitempty" validate:"omitempty,oneof=tablet capsule syrup injection cream ointment drops inhaler powder gel patch spray other"`
	Price             string `json:"price,omitempty" validate:"omitempty,numeric"`
	StockQuantity     *int   `json:"stock_quantity,omitempty" validate:"omitempty,gte=0"`
}

func (*AddItemPayload) Flow() FlowType { return FlowAddItemSingle }

// BulkItemsPayload stages a whole upload of catalog entries
type BulkItemsPayload struct {
	Rows []AddItemPayload `json:"rows,omitempty" validate:"omitempty,dive"`
}

func (*BulkItemsPayload) Flow() FlowType { return FlowAddItemBulk }
