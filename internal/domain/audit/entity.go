// internal/domain/audit/entity.go
package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Action names recorded in the audit trail
const (
	ActionCreate       = "create"
	ActionUpdate       = "update"
	ActionDelete       = "delete"
	ActionStockDecr    = "stock_decrement"
	ActionStockIncr    = "stock_increment"
	ActionStatusChange = "status_change"
	ActionFlowCommit   = "flow_commit"
)

// Entry is one append-only audit record.
// ActorID is a weak reference; the actor may no longer exist.
type Entry struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	ActorID       int64          `gorm:"index;not null" json:"actor_id"`
	Action        string         `gorm:"not null;size:50" json:"action"`
	TableAffected string         `gorm:"column:table_affected;not null;size:50;index:idx_audit_record" json:"table_affected"`
	RecordID      int64          `gorm:"index:idx_audit_record" json:"record_id"`
	OldValues     datatypes.JSON `json:"old_values,omitempty"`
	NewValues     datatypes.JSON `json:"new_values,omitempty"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for Entry
func (Entry) TableName() string {
	return "audit_logs"
}
